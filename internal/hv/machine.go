package hv

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Config describes the simulated machine's RAM.
type Config struct {
	RAMBase uint64
	RAMSize uint64
	// ReservedRAM bytes at the bottom of RAM are never handed out as frames.
	ReservedRAM uint64
}

func (c *Config) normalize() {
	if c.RAMSize == 0 {
		c.RAMSize = 16 << 20
	}
	if c.ReservedRAM == 0 {
		c.ReservedRAM = 1 << 20
	}
}

// Machine is a physically addressed simulated machine. It implements
// hw.PortIO and hw.Bus by dispatching to registered devices, and exposes its
// RAM through io.ReaderAt/io.WriterAt using physical addresses as offsets.
type Machine struct {
	space *AddressSpace
	pages *PageTable

	ramMu sync.Mutex
	ram   []byte

	mu    sync.RWMutex
	ports map[uint16]X86IOPortDevice
	mmio  []MemoryMappedIODevice
}

func NewMachine(cfg Config) *Machine {
	cfg.normalize()
	return &Machine{
		space: NewAddressSpace(cfg.RAMBase, cfg.RAMSize, cfg.ReservedRAM),
		pages: NewPageTable(),
		ram:   make([]byte, cfg.RAMSize),
		ports: make(map[uint16]X86IOPortDevice),
	}
}

// Frames returns the machine's physical frame allocator.
func (m *Machine) Frames() *AddressSpace { return m.space }

// Pages returns the machine's page table.
func (m *Machine) Pages() *PageTable { return m.pages }

// AddDevice initializes dev and claims its ports and MMIO regions.
func (m *Machine) AddDevice(dev Device) error {
	if err := dev.Init(m); err != nil {
		return fmt.Errorf("init device %T: %w", dev, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pdev, ok := dev.(X86IOPortDevice); ok {
		for _, port := range pdev.IOPorts() {
			if existing, ok := m.ports[port]; ok {
				return fmt.Errorf("I/O port 0x%04x already claimed by %T", port, existing)
			}
		}
		for _, port := range pdev.IOPorts() {
			m.ports[port] = pdev
		}
	}
	if mdev, ok := dev.(MemoryMappedIODevice); ok {
		for _, r := range mdev.MMIORegions() {
			if err := m.space.RegisterFixed(fmt.Sprintf("%T", dev), r.Address, r.Size); err != nil {
				return err
			}
		}
		m.mmio = append(m.mmio, mdev)
	}
	return nil
}

func (m *Machine) portDevice(port uint16) (X86IOPortDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.ports[port]
	if !ok {
		return nil, fmt.Errorf("I/O port 0x%04x: %w", port, ErrUnhandledAccess)
	}
	return dev, nil
}

func (m *Machine) readPort(port uint16, data []byte) error {
	dev, err := m.portDevice(port)
	if err != nil {
		return err
	}
	return dev.ReadIOPort(port, data)
}

func (m *Machine) writePort(port uint16, data []byte) error {
	dev, err := m.portDevice(port)
	if err != nil {
		return err
	}
	return dev.WriteIOPort(port, data)
}

func (m *Machine) In8(port uint16) (uint8, error) {
	var buf [1]byte
	if err := m.readPort(port, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (m *Machine) In16(port uint16) (uint16, error) {
	var buf [2]byte
	if err := m.readPort(port, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (m *Machine) In32(port uint16) (uint32, error) {
	var buf [4]byte
	if err := m.readPort(port, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *Machine) Out8(port uint16, value uint8) error {
	return m.writePort(port, []byte{value})
}

func (m *Machine) Out16(port uint16, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return m.writePort(port, buf[:])
}

func (m *Machine) Out32(port uint16, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.writePort(port, buf[:])
}

func (m *Machine) mmioDevice(addr uint64, size int) (MemoryMappedIODevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dev := range m.mmio {
		for _, r := range dev.MMIORegions() {
			if r.contains(addr, size) {
				return dev, nil
			}
		}
	}
	return nil, fmt.Errorf("MMIO address 0x%x (%d bytes): %w", addr, size, ErrUnhandledAccess)
}

func (m *Machine) ramRange(addr uint64, size int) (uint64, bool) {
	base := m.space.RAMBase()
	if addr < base || addr+uint64(size) > m.space.RAMEnd() || addr+uint64(size) < addr {
		return 0, false
	}
	return addr - base, true
}

// ReadMMIO implements hw.Bus.
func (m *Machine) ReadMMIO(addr uint64, data []byte) error {
	if off, ok := m.ramRange(addr, len(data)); ok {
		m.ramMu.Lock()
		copy(data, m.ram[off:])
		m.ramMu.Unlock()
		return nil
	}
	dev, err := m.mmioDevice(addr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO implements hw.Bus.
func (m *Machine) WriteMMIO(addr uint64, data []byte) error {
	if off, ok := m.ramRange(addr, len(data)); ok {
		m.ramMu.Lock()
		copy(m.ram[off:], data)
		m.ramMu.Unlock()
		return nil
	}
	dev, err := m.mmioDevice(addr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(addr, data)
}

// ReadAt reads physical RAM at physical address off.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	ramOff, ok := m.ramRange(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("read RAM at 0x%x (%d bytes): %w", off, len(p), hw.ErrInvalidMemoryAddress)
	}
	m.ramMu.Lock()
	defer m.ramMu.Unlock()
	return copy(p, m.ram[ramOff:]), nil
}

// WriteAt writes physical RAM at physical address off.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	ramOff, ok := m.ramRange(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("write RAM at 0x%x (%d bytes): %w", off, len(p), hw.ErrInvalidMemoryAddress)
	}
	m.ramMu.Lock()
	defer m.ramMu.Unlock()
	return copy(m.ram[ramOff:], p), nil
}

var (
	_ hw.PortIO = (*Machine)(nil)
	_ hw.Bus    = (*Machine)(nil)
)
