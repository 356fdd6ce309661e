// Package host drives real hardware from a privileged Linux process: port I/O
// through /dev/port, register windows through /dev/mem and DMA memory from
// locked anonymous pages whose physical addresses come from
// /proc/self/pagemap.
package host

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Backend is everything the drivers need from the machine they run on.
type Backend interface {
	hw.PortIO
	hw.Bus
	hw.ContiguousAllocator
	hw.PageMapper
	io.Closer
}

// Options names the device files a Backend opens.
type Options struct {
	PortDevice    string
	MemoryDevice  string
	PagemapDevice string
	Logger        *slog.Logger
}

func (o *Options) normalize() {
	if o.PortDevice == "" {
		o.PortDevice = "/dev/port"
	}
	if o.MemoryDevice == "" {
		o.MemoryDevice = "/dev/mem"
	}
	if o.PagemapDevice == "" {
		o.PagemapDevice = "/proc/self/pagemap"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// decodePagemapEntry returns the frame behind one /proc/self/pagemap entry.
// Unprivileged readers see a zero PFN, which is reported as absent.
func decodePagemapEntry(entry uint64) (hw.Frame, bool) {
	if entry&pagemapPresent == 0 {
		return 0, false
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, false
	}
	return hw.Frame(pfn << hw.PageShift), true
}

// loadWidth and storeWidth move one little-endian value of len(data) bytes
// between data and page at off.
func loadWidth(page []byte, off uint64, data []byte) error {
	if err := checkWidth(page, off, len(data)); err != nil {
		return err
	}
	switch len(data) {
	case 1:
		data[0] = page[off]
	case 2:
		binary.LittleEndian.PutUint16(data, load16(page, off))
	case 4:
		binary.LittleEndian.PutUint32(data, load32(page, off))
	case 8:
		binary.LittleEndian.PutUint64(data, load64(page, off))
	}
	return nil
}

func storeWidth(page []byte, off uint64, data []byte) error {
	if err := checkWidth(page, off, len(data)); err != nil {
		return err
	}
	switch len(data) {
	case 1:
		page[off] = data[0]
	case 2:
		store16(page, off, binary.LittleEndian.Uint16(data))
	case 4:
		store32(page, off, binary.LittleEndian.Uint32(data))
	case 8:
		store64(page, off, binary.LittleEndian.Uint64(data))
	}
	return nil
}

func checkWidth(page []byte, off uint64, width int) error {
	switch width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("access of %d bytes: %w", width, hw.ErrInvalidMemoryAddress)
	}
	if off%uint64(width) != 0 || off+uint64(width) > uint64(len(page)) {
		return &hw.AddressError{Offset: off, Width: width, Reason: "unaligned or crosses a page"}
	}
	return nil
}
