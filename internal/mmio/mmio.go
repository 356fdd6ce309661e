// Package mmio establishes page-table mappings for device register windows
// and DMA memory.
package mmio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Mapping records the outcome of one mapping request. Mappings are never
// torn down.
type Mapping struct {
	Base      uint64
	Length    uint64
	FirstPage hw.Page
	LastPage  hw.Page
	// Mapped counts pages this call installed, Skipped pages that were
	// already translated.
	Mapped  int
	Skipped int
}

// Pages returns the number of pages the mapping spans.
func (m Mapping) Pages() int {
	return int((m.LastPage-m.FirstPage)>>hw.PageShift) + 1
}

// Mapper installs PRESENT|WRITABLE mappings through a page mapper, drawing
// frames from a frame allocator.
type Mapper struct {
	frames hw.FrameAllocator
	pages  hw.PageMapper
	log    *slog.Logger

	// Serialises translate-then-map so concurrent callers never map a page
	// twice.
	mu sync.Mutex
}

func NewMapper(frames hw.FrameAllocator, pages hw.PageMapper, log *slog.Logger) *Mapper {
	if log == nil {
		log = slog.Default()
	}
	return &Mapper{frames: frames, pages: pages, log: log}
}

const flags = hw.FlagPresent | hw.FlagWritable

func pageRange(base, length uint64) (hw.Page, hw.Page, error) {
	end := base + length
	if end < base {
		return 0, 0, fmt.Errorf("range %#x+%#x overflows: %w", base, length, hw.ErrInvalidMemoryAddress)
	}
	return hw.PageContaining(base), hw.PageContaining(end), nil
}

// Map covers [page(base), page(base+length)] inclusive. Pages that already
// translate are left alone; every other page gets a freshly allocated frame.
func (m *Mapper) Map(base, length uint64) (Mapping, error) {
	return m.mapRange(base, length, func(hw.Page) (hw.Frame, error) {
		f, err := m.frames.AllocateFrame()
		if err != nil {
			if !errors.Is(err, hw.ErrFrameAllocationFailed) {
				err = fmt.Errorf("%w: %w", hw.ErrFrameAllocationFailed, err)
			}
			return 0, err
		}
		return f, nil
	})
}

// MapIdentity maps each page of the range to the frame at the same physical
// address, as needed for a real register window.
func (m *Mapper) MapIdentity(base, length uint64) (Mapping, error) {
	return m.mapRange(base, length, func(p hw.Page) (hw.Frame, error) {
		return hw.Frame(p), nil
	})
}

func (m *Mapper) mapRange(base, length uint64, frameFor func(hw.Page) (hw.Frame, error)) (Mapping, error) {
	first, last, err := pageRange(base, length)
	if err != nil {
		return Mapping{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mapping := Mapping{Base: base, Length: length, FirstPage: first, LastPage: last}
	for page := first; page <= last; page += hw.PageSize {
		if _, err := m.pages.Translate(page); err == nil {
			mapping.Skipped++
			continue
		}
		frame, err := frameFor(page)
		if err != nil {
			return mapping, fmt.Errorf("map page %#x: %w", page, err)
		}
		if err := m.pages.Map(page, frame, flags); err != nil {
			if !errors.Is(err, hw.ErrMemoryMapping) {
				err = fmt.Errorf("%w: %w", hw.ErrMemoryMapping, err)
			}
			return mapping, fmt.Errorf("map page %#x -> %#x: %w", page, frame, err)
		}
		mapping.Mapped++
		if last == ^hw.Page(hw.PageSize-1) && page == last {
			break
		}
	}
	m.log.Debug("mmio: mapped range",
		"base", fmt.Sprintf("%#x", base),
		"length", length,
		"mapped", mapping.Mapped,
		"skipped", mapping.Skipped,
	)
	return mapping, nil
}

// MapContiguous allocates count physically contiguous frames and identity maps
// them. The allocator must implement hw.ContiguousAllocator or hand out
// consecutive frames.
func (m *Mapper) MapContiguous(count int) (hw.Frame, Mapping, error) {
	if count <= 0 {
		return 0, Mapping{}, fmt.Errorf("map %d contiguous frames: %w", count, hw.ErrMemoryMapping)
	}
	start, err := m.allocateContiguous(count)
	if err != nil {
		return 0, Mapping{}, err
	}
	length := uint64(count) * hw.PageSize
	// The inclusive range ends on the last byte of the run.
	mapping, err := m.MapIdentity(start.Address(), length-1)
	if err != nil {
		return 0, mapping, err
	}
	return start, mapping, nil
}

func (m *Mapper) allocateContiguous(count int) (hw.Frame, error) {
	if ca, ok := m.frames.(hw.ContiguousAllocator); ok {
		f, err := ca.AllocateContiguous(count)
		if err != nil {
			if !errors.Is(err, hw.ErrFrameAllocationFailed) {
				err = fmt.Errorf("%w: %w", hw.ErrFrameAllocationFailed, err)
			}
			return 0, err
		}
		return f, nil
	}

	var start hw.Frame
	for i := 0; i < count; i++ {
		f, err := m.frames.AllocateFrame()
		if err != nil {
			if !errors.Is(err, hw.ErrFrameAllocationFailed) {
				err = fmt.Errorf("%w: %w", hw.ErrFrameAllocationFailed, err)
			}
			return 0, err
		}
		if i == 0 {
			start = f
			continue
		}
		if f != start+hw.Frame(uint64(i)*hw.PageSize) {
			return 0, fmt.Errorf("frame %#x does not follow %#x: %w", f, start, hw.ErrFrameAllocationFailed)
		}
	}
	return start, nil
}
