package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4

	configSpaceSize = 256

	headerTypeMultiFunction = 0x80

	barAttrMaskMemory uint32 = 0xf
	barAttrMaskIO     uint32 = 0x3
)

// BARSpec describes one base address register of a simulated function.
// A 64-bit BAR also occupies the following BAR slot.
type BARSpec struct {
	Base         uint64
	Size         uint64
	IO           bool
	Is64         bool
	Prefetchable bool
}

// FunctionConfig describes a type-0 configuration header.
type FunctionConfig struct {
	VendorID      uint16
	DeviceID      uint16
	Class         uint8
	Subclass      uint8
	ProgIF        uint8
	Revision      uint8
	MultiFunction bool

	SubsystemVendorID uint16
	SubsystemID       uint16

	BARs [type0BARCount]BARSpec

	// Writable lists device-specific config ranges [start, end] that accept
	// writes, beyond the command register and BARs.
	Writable [][2]uint16
	// Init preloads device-specific config bytes at the given offsets.
	Init map[uint16][]byte
}

type barState struct {
	// sizeMask has the writable address bits of this dword.
	sizeMask uint32
	attrs    uint32
	used     bool
}

// Function is a simulated PCI function with a 256-byte type-0 configuration
// space. Identification registers are read-only; BARs implement the usual
// write-all-ones sizing protocol.
type Function struct {
	mu       sync.Mutex
	space    [configSpaceSize]byte
	writable [configSpaceSize]bool
	bars     [type0BARCount]barState

	writes int
}

// NewFunction builds a function from cfg.
func NewFunction(cfg FunctionConfig) (*Function, error) {
	f := &Function{}
	binary.LittleEndian.PutUint16(f.space[0x00:], cfg.VendorID)
	binary.LittleEndian.PutUint16(f.space[0x02:], cfg.DeviceID)
	f.space[0x08] = cfg.Revision
	f.space[0x09] = cfg.ProgIF
	f.space[0x0a] = cfg.Subclass
	f.space[0x0b] = cfg.Class
	if cfg.MultiFunction {
		f.space[0x0e] = headerTypeMultiFunction
	}
	binary.LittleEndian.PutUint16(f.space[0x2c:], cfg.SubsystemVendorID)
	binary.LittleEndian.PutUint16(f.space[0x2e:], cfg.SubsystemID)

	// Command register.
	f.setWritable(0x04, 0x05)
	for _, r := range cfg.Writable {
		if r[0] > r[1] || r[1] >= configSpaceSize {
			return nil, fmt.Errorf("pci function: invalid writable range [%#x, %#x]", r[0], r[1])
		}
		f.setWritable(r[0], r[1])
	}
	for off, data := range cfg.Init {
		if int(off)+len(data) > configSpaceSize {
			return nil, fmt.Errorf("pci function: init data at %#x overflows config space", off)
		}
		copy(f.space[off:], data)
	}

	for i := 0; i < type0BARCount; i++ {
		spec := cfg.BARs[i]
		if spec.Size == 0 {
			continue
		}
		if spec.Size&(spec.Size-1) != 0 {
			return nil, fmt.Errorf("pci function: BAR%d size %#x is not a power of two", i, spec.Size)
		}
		if f.bars[i].used {
			return nil, fmt.Errorf("pci function: BAR%d overlaps the upper half of BAR%d", i, i-1)
		}
		var attrs, attrMask uint32
		switch {
		case spec.IO:
			attrs, attrMask = 0x1, barAttrMaskIO
		default:
			attrMask = barAttrMaskMemory
			if spec.Is64 {
				attrs |= 0x4
			}
			if spec.Prefetchable {
				attrs |= 0x8
			}
		}
		sizeMask := ^(spec.Size - 1)
		f.bars[i] = barState{sizeMask: uint32(sizeMask) &^ attrMask, attrs: attrs, used: true}
		f.storeBAR(i, uint32(spec.Base))
		if spec.Is64 && !spec.IO {
			if i+1 >= type0BARCount {
				return nil, fmt.Errorf("pci function: 64-bit BAR%d has no upper half", i)
			}
			f.bars[i+1] = barState{sizeMask: uint32(sizeMask >> 32), used: true}
			f.storeBAR(i+1, uint32(spec.Base>>32))
		}
	}
	return f, nil
}

func (f *Function) setWritable(start, end uint16) {
	for off := start; off <= end; off++ {
		f.writable[off] = true
	}
}

func (f *Function) storeBAR(index int, value uint32) {
	bar := f.bars[index]
	off := type0BAROffset + index*type0BARStride
	binary.LittleEndian.PutUint32(f.space[off:], (value&bar.sizeMask)|bar.attrs)
}

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(f.space[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*type0BARStride {
		base := offset &^ 0x3
		index := int(base-type0BAROffset) / type0BARStride
		if !f.bars[index].used {
			return nil
		}
		current := binary.LittleEndian.Uint32(f.space[base:])
		shift := (offset - base) * 8
		mask := uint32((uint64(1) << (size * 8)) - 1)
		f.storeBAR(index, (current&^(mask<<shift))|((value&mask)<<shift))
		return nil
	}
	for i := uint8(0); i < size; i++ {
		off := int(offset) + int(i)
		if f.writable[off] {
			f.space[off] = byte(value >> (8 * i))
		}
	}
	return nil
}

// Writes returns the number of config writes the function has seen.
func (f *Function) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func checkConfigAccess(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("unaligned %d-byte config access at %#x", size, offset)
	}
	if int(offset)+int(size) > configSpaceSize {
		return fmt.Errorf("config access at %#x beyond type-0 header", offset)
	}
	return nil
}

var _ ConfigSpace = (*Function)(nil)
