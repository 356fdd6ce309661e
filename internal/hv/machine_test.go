package hv

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/stordrv/internal/hw"
)

// portFuncs claims ports and forwards accesses to closures.
type portFuncs struct {
	Ports     []uint16
	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d portFuncs) Init(*Machine) error                        { return nil }
func (d portFuncs) IOPorts() []uint16                          { return d.Ports }
func (d portFuncs) ReadIOPort(port uint16, data []byte) error  { return d.ReadFunc(port, data) }
func (d portFuncs) WriteIOPort(port uint16, data []byte) error { return d.WriteFunc(port, data) }

// mmioFuncs is the MMIO counterpart of portFuncs.
type mmioFuncs struct {
	Regions   []MMIORegion
	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d mmioFuncs) Init(*Machine) error                      { return nil }
func (d mmioFuncs) MMIORegions() []MMIORegion                { return d.Regions }
func (d mmioFuncs) ReadMMIO(addr uint64, data []byte) error  { return d.ReadFunc(addr, data) }
func (d mmioFuncs) WriteMMIO(addr uint64, data []byte) error { return d.WriteFunc(addr, data) }

func TestMachinePortDispatch(t *testing.T) {
	m := NewMachine(Config{RAMBase: 0, RAMSize: 4 << 20})

	var lastWrite []byte
	dev := portFuncs{
		Ports: []uint16{0x80, 0x81},
		ReadFunc: func(port uint16, data []byte) error {
			for i := range data {
				data[i] = byte(port) + byte(i)
			}
			return nil
		},
		WriteFunc: func(port uint16, data []byte) error {
			lastWrite = append([]byte(nil), data...)
			return nil
		},
	}
	if err := m.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	v, err := m.In16(0x80)
	if err != nil {
		t.Fatalf("In16: %v", err)
	}
	if v != 0x8180 {
		t.Fatalf("In16 = %#x, want 0x8180", v)
	}
	if err := m.Out32(0x81, 0xdeadbeef); err != nil {
		t.Fatalf("Out32: %v", err)
	}
	if got := binary.LittleEndian.Uint32(lastWrite); got != 0xdeadbeef {
		t.Fatalf("device saw %#x", got)
	}

	if _, err := m.In8(0x90); !errors.Is(err, ErrUnhandledAccess) {
		t.Fatalf("In8 unclaimed port err = %v", err)
	}
	if err := m.AddDevice(portFuncs{Ports: []uint16{0x81}}); err == nil {
		t.Fatalf("expected duplicate port claim to fail")
	}
}

func TestMachineMMIOAndRAM(t *testing.T) {
	m := NewMachine(Config{RAMBase: 0x100000, RAMSize: 1 << 20, ReservedRAM: 0x1000})

	regs := make([]byte, 0x100)
	dev := mmioFuncs{
		Regions: []MMIORegion{{Address: 0xfe000000, Size: 0x100}},
		ReadFunc: func(addr uint64, data []byte) error {
			copy(data, regs[addr-0xfe000000:])
			return nil
		},
		WriteFunc: func(addr uint64, data []byte) error {
			copy(regs[addr-0xfe000000:], data)
			return nil
		},
	}
	if err := m.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	if err := m.WriteMMIO(0xfe000010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if regs[0x10] != 1 || regs[0x13] != 4 {
		t.Fatalf("register block = % x", regs[0x10:0x14])
	}

	if err := m.WriteMMIO(0x100800, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("RAM write: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := m.ReadAt(buf, 0x100800); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 0xaa || buf[1] != 0xbb {
		t.Fatalf("ReadAt = % x", buf)
	}

	if _, err := m.ReadAt(buf, 0x200000); !errors.Is(err, hw.ErrInvalidMemoryAddress) {
		t.Fatalf("ReadAt past RAM err = %v", err)
	}
	if err := m.ReadMMIO(0xfd000000, buf); !errors.Is(err, ErrUnhandledAccess) {
		t.Fatalf("ReadMMIO unclaimed err = %v", err)
	}

	overlapping := mmioFuncs{Regions: []MMIORegion{{Address: 0x100000, Size: 0x1000}}}
	if err := m.AddDevice(overlapping); err == nil {
		t.Fatalf("expected region overlapping RAM to be rejected")
	}
}

func TestAddressSpaceAllocation(t *testing.T) {
	as := NewAddressSpace(0, 0x10000, 0x1000)

	f, err := as.AllocateContiguous(3)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if f != 0x1000 {
		t.Fatalf("first frame = %#x, want 0x1000", f)
	}
	next, err := as.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if next != 0x4000 {
		t.Fatalf("next frame = %#x, want 0x4000", next)
	}
	if _, err := as.AllocateContiguous(16); !errors.Is(err, hw.ErrFrameAllocationFailed) {
		t.Fatalf("exhausted allocation err = %v", err)
	}
	if !errors.Is(hw.ErrFrameAllocationFailed, hw.ErrMemoryMapping) {
		t.Fatalf("frame allocation failure must be a mapping failure")
	}
	if as.Allocated() != 4 {
		t.Fatalf("Allocated = %d, want 4", as.Allocated())
	}
}

func TestPageTableMapTwice(t *testing.T) {
	pt := NewPageTable()
	if err := pt.Map(0x5000, 0x9000, hw.FlagPresent|hw.FlagWritable); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := pt.Map(0x5000, 0xa000, hw.FlagPresent); !errors.Is(err, ErrPageAlreadyMapped) {
		t.Fatalf("second Map err = %v", err)
	}
	f, err := pt.Translate(0x5000)
	if err != nil || f != 0x9000 {
		t.Fatalf("Translate = %#x, %v", f, err)
	}
	if _, err := pt.Translate(0x6000); !errors.Is(err, ErrPageNotMapped) {
		t.Fatalf("Translate unmapped err = %v", err)
	}
	if pt.MapCalls() != 2 || pt.Len() != 1 {
		t.Fatalf("MapCalls=%d Len=%d", pt.MapCalls(), pt.Len())
	}
}
