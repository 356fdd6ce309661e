package hv

import (
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

// AddressSpace tracks the physical layout of the simulated machine: one RAM
// region that backs frame allocation, and fixed MMIO regions claimed by devices.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextFrame is the next free physical address inside RAM.
	nextFrame uint64
	allocated int

	fixedRegions []MMIOAllocation
}

type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// NewAddressSpace creates the physical layout for RAM at [ramBase, ramBase+ramSize).
// Frames are handed out from reserved bytes above ramBase.
func NewAddressSpace(ramBase, ramSize, reserved uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:   ramBase,
		ramSize:   ramSize,
		nextFrame: hw.AlignUp(ramBase+reserved, hw.PageSize),
	}
}

// AllocateFrame implements hw.FrameAllocator.
func (a *AddressSpace) AllocateFrame() (hw.Frame, error) {
	return a.AllocateContiguous(1)
}

// AllocateContiguous implements hw.ContiguousAllocator.
func (a *AddressSpace) AllocateContiguous(count int) (hw.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count <= 0 {
		return 0, fmt.Errorf("address_space: invalid frame count %d", count)
	}
	size := uint64(count) * hw.PageSize
	if a.nextFrame+size > a.ramBase+a.ramSize {
		return 0, fmt.Errorf("address_space: %d frames requested at 0x%x: %w", count, a.nextFrame, hw.ErrFrameAllocationFailed)
	}
	frame := hw.Frame(a.nextFrame)
	a.nextFrame += size
	a.allocated += count
	return frame, nil
}

// Allocated returns the number of frames handed out so far.
func (a *AddressSpace) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM or another region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}
	for _, r := range a.fixedRegions {
		if base < r.Base+r.Size && regionEnd > r.Base {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, r.Name, r.Base, r.Base+r.Size)
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

var _ hw.ContiguousAllocator = (*AddressSpace)(nil)
