// Package pci simulates the PCI configuration space of a machine: a registry
// of functions addressed by bus/device/function, plus an ECAM window over it.
// The legacy 0xCF8/0xCFC port front end lives in devices/amd64/pci.
package pci

import (
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hv"
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Location addresses one function.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	// BARs are naturally aligned.
	base := (a.next + size - 1) &^ (size - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + size
	return base, nil
}

// BusConfig describes the simulated PCI segment.
type BusConfig struct {
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
}

// Bus is the configuration-space registry shared by the port and ECAM front
// ends. Absent functions read as all ones and ignore writes.
type Bus struct {
	mu        sync.Mutex
	functions map[Location]ConfigSpace
	alloc     *linearAllocator
	reads     int
}

// NewBus creates a segment with a host bridge at 00:00.0.
func NewBus(cfg BusConfig) (*Bus, error) {
	const (
		defaultMMIOBase = 0xe0000000
		defaultMMIOSize = 0x10000000
	)
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = defaultMMIOBase
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = defaultMMIOSize
	}
	if cfg.RootVendorID == 0 {
		cfg.RootVendorID = 0x8086
	}
	if cfg.RootDeviceID == 0 {
		cfg.RootDeviceID = 0x1237 // 82441FX
	}

	b := &Bus{
		functions: make(map[Location]ConfigSpace),
		alloc:     newLinearAllocator(cfg.MMIOBase, cfg.MMIOSize),
	}
	root, err := NewFunction(FunctionConfig{
		VendorID: cfg.RootVendorID,
		DeviceID: cfg.RootDeviceID,
		Class:    0x06,
		Revision: 0x02,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Register(Location{}, root); err != nil {
		return nil, err
	}
	return b, nil
}

// Register places cs at loc.
func (b *Bus) Register(loc Location, cs ConfigSpace) error {
	if cs == nil {
		return fmt.Errorf("pci function cannot be nil")
	}
	if loc.Device > 31 || loc.Function > 7 {
		return fmt.Errorf("invalid PCI location %s", loc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.functions[loc]; exists {
		return fmt.Errorf("device already registered at %s", loc)
	}
	b.functions[loc] = cs
	return nil
}

// AllocateMMIO reserves a naturally aligned window for a memory BAR.
func (b *Bus) AllocateMMIO(size uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alloc.Allocate(size)
}

func (b *Bus) lookup(loc Location) ConfigSpace {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return b.functions[loc]
}

// ReadConfig reads size bytes of loc's configuration space.
func (b *Bus) ReadConfig(loc Location, offset uint16, size uint8) uint32 {
	cs := b.lookup(loc)
	if cs == nil {
		return maskValue(0xffff_ffff, size)
	}
	value, err := cs.ReadConfig(offset, size)
	if err != nil {
		return maskValue(0xffff_ffff, size)
	}
	return maskValue(value, size)
}

// WriteConfig writes size bytes of loc's configuration space.
func (b *Bus) WriteConfig(loc Location, offset uint16, size uint8, value uint32) {
	b.mu.Lock()
	cs := b.functions[loc]
	b.mu.Unlock()
	if cs == nil {
		return
	}
	_ = cs.WriteConfig(offset, size, maskValue(value, size))
}

// Accesses returns how many config accesses reached the registry.
func (b *Bus) Accesses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

// HostBridge exposes a Bus through an ECAM window:
// base + bus<<20 + device<<15 + function<<12 + register.
type HostBridge struct {
	bus        *Bus
	configBase uint64
	configSize uint64
}

// NewHostBridge maps bus through an ECAM window at base covering size bytes
// (1 MiB per bus number).
func NewHostBridge(bus *Bus, base, size uint64) *HostBridge {
	if size == 0 {
		size = 1 << 20
	}
	return &HostBridge{bus: bus, configBase: base, configSize: size}
}

// Base returns the ECAM window base.
func (h *HostBridge) Base() uint64 { return h.configBase }

// Init implements hv.Device.
func (*HostBridge) Init(*hv.Machine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		loc, reg := decodeConfigAddress(curOffset)
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.bus.ReadConfig(loc, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		loc, reg := decodeConfigAddress(curOffset)
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.bus.WriteConfig(loc, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func decodeConfigAddress(offset uint64) (Location, uint16) {
	return Location{
		Bus:      uint8((offset >> 20) & 0xff),
		Device:   uint8((offset >> 15) & 0x1f),
		Function: uint8((offset >> 12) & 0x7),
	}, uint16(offset & 0xfff)
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
)
