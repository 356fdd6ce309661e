// Package hw defines the hardware access contracts shared by the PCI scanner,
// the MMIO mapper and the storage controller drivers.
//
// Drivers never dereference raw addresses. Port I/O goes through PortIO,
// memory-mapped registers through a Bus wrapped in a bounds-checked Window,
// and page-table work through FrameAllocator and PageMapper. The same driver
// code therefore runs against the simulated machine in internal/hv and the
// Linux host backend in internal/host.
package hw

// PortIO is x86 port-mapped I/O.
type PortIO interface {
	In8(port uint16) (uint8, error)
	In16(port uint16) (uint16, error)
	In32(port uint16) (uint32, error)
	Out8(port uint16, value uint8) error
	Out16(port uint16, value uint16) error
	Out32(port uint16, value uint32) error
}

// Bus performs memory-mapped accesses. len(data) is the access width and
// implementations must issue exactly one access of that width.
type Bus interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Frame is a 4 KiB physical frame identified by its start address.
type Frame uint64

// Page is a 4 KiB virtual page identified by its start address.
type Page uint64

// PageContaining returns the page that contains addr.
func PageContaining(addr uint64) Page { return Page(addr &^ (PageSize - 1)) }

// FrameContaining returns the frame that contains addr.
func FrameContaining(addr uint64) Frame { return Frame(addr &^ (PageSize - 1)) }

func (p Page) Address() uint64  { return uint64(p) }
func (f Frame) Address() uint64 { return uint64(f) }

// PFN returns the page frame number used when registering DMA memory with a device.
func (f Frame) PFN() uint32 { return uint32(uint64(f) >> PageShift) }

type PageFlags uint64

const (
	FlagPresent  PageFlags = 1 << 0
	FlagWritable PageFlags = 1 << 1
)

// FrameAllocator hands out physical frames. It returns ErrFrameAllocationFailed
// when exhausted.
type FrameAllocator interface {
	AllocateFrame() (Frame, error)
}

// ContiguousAllocator is implemented by allocators that can return a run of
// physically contiguous frames.
type ContiguousAllocator interface {
	FrameAllocator
	AllocateContiguous(count int) (Frame, error)
}

// PageMapper installs and queries page-table entries.
type PageMapper interface {
	Map(page Page, frame Frame, flags PageFlags) error
	// Translate returns the frame backing page, or an error when the page
	// is not mapped.
	Translate(page Page) (Frame, error)
}

// AlignUp rounds value up to a power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
