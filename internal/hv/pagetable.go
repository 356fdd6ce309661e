package hv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

var (
	ErrPageNotMapped     = errors.New("page not mapped")
	ErrPageAlreadyMapped = fmt.Errorf("%w: page already mapped", hw.ErrMemoryMapping)
)

type pageEntry struct {
	frame hw.Frame
	flags hw.PageFlags
}

// PageTable is a flat 4 KiB page table. Mapping a page twice is an error, as
// it is for a real page-table mapper.
type PageTable struct {
	mu       sync.Mutex
	entries  map[hw.Page]pageEntry
	mapCalls int
}

func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[hw.Page]pageEntry)}
}

// Map implements hw.PageMapper.
func (pt *PageTable) Map(page hw.Page, frame hw.Frame, flags hw.PageFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.mapCalls++
	if uint64(page)%hw.PageSize != 0 || uint64(frame)%hw.PageSize != 0 {
		return fmt.Errorf("map %#x -> %#x: unaligned: %w", page, frame, hw.ErrMemoryMapping)
	}
	if _, ok := pt.entries[page]; ok {
		return fmt.Errorf("map %#x: %w", page, ErrPageAlreadyMapped)
	}
	pt.entries[page] = pageEntry{frame: frame, flags: flags}
	return nil
}

// Translate implements hw.PageMapper.
func (pt *PageTable) Translate(page hw.Page) (hw.Frame, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[page]
	if !ok {
		return 0, fmt.Errorf("translate %#x: %w", page, ErrPageNotMapped)
	}
	return e.frame, nil
}

// Flags returns the flags of a mapped page.
func (pt *PageTable) Flags(page hw.Page) (hw.PageFlags, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[page]
	return e.flags, ok
}

// MapCalls returns how many times Map was called.
func (pt *PageTable) MapCalls() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapCalls
}

// Len returns the number of mapped pages.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}

var _ hw.PageMapper = (*PageTable)(nil)
