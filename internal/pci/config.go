// Package pci enumerates PCI functions through configuration mechanism #1 or
// an ECAM window and locates storage controllers by class code.
package pci

import (
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
)

const (
	ConfigAddressPort = 0xCF8
	ConfigDataPort    = 0xCFC

	configEnable = 0x8000_0000
)

// Address is a bus/slot/function location.
type Address struct {
	Bus      uint8
	Slot     uint8
	Function uint8
}

// ConfigAddress returns the CONFIG_ADDRESS value selecting the dword that
// contains offset.
func (a Address) ConfigAddress(offset uint16) uint32 {
	return configEnable |
		uint32(a.Bus)<<16 |
		uint32(a.Slot&0x1F)<<11 |
		uint32(a.Function&0x7)<<8 |
		uint32(offset&0xFC)
}

// ECAMOffset returns the byte offset of register offset inside an ECAM window.
func (a Address) ECAMOffset(offset uint16) uint64 {
	return uint64(a.Bus)<<20 | uint64(a.Slot&0x1F)<<15 | uint64(a.Function&0x7)<<12 | uint64(offset&0xFFF)
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Slot, a.Function)
}

// ConfigAccessor reads and writes configuration space. Implementations return
// errors wrapping hw.ErrPciRead when the access fails at the bus level.
type ConfigAccessor interface {
	Read32(addr Address, offset uint16) (uint32, error)
	Write32(addr Address, offset uint16, value uint32) error
	Read16(addr Address, offset uint16) (uint16, error)
	Write16(addr Address, offset uint16, value uint16) error
}

// MaxBuses is the number of buses a segment can address.
const MaxBuses = 256

// BusCounter is implemented by accessors that reach fewer than MaxBuses
// buses. The scanner never addresses a bus at or beyond Buses().
type BusCounter interface {
	Buses() int
}

// PortConfig is configuration mechanism #1 over x86 port I/O. Only the
// 256-byte legacy header is reachable.
type PortConfig struct {
	IO hw.PortIO

	// CONFIG_ADDRESS and CONFIG_DATA form one transaction.
	mu sync.Mutex
}

func NewPortConfig(io hw.PortIO) *PortConfig {
	return &PortConfig{IO: io}
}

func (c *PortConfig) Buses() int { return MaxBuses }

func (c *PortConfig) selectRegister(addr Address, offset uint16, width uint16) error {
	if offset > 0xFF || offset%width != 0 {
		return fmt.Errorf("config offset %#x (width %d) at %s: %w", offset, width, addr, hw.ErrInvalidMemoryAddress)
	}
	if err := c.IO.Out32(ConfigAddressPort, addr.ConfigAddress(offset)); err != nil {
		return fmt.Errorf("select %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return nil
}

func (c *PortConfig) Read32(addr Address, offset uint16) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectRegister(addr, offset, 4); err != nil {
		return 0, err
	}
	v, err := c.IO.In32(ConfigDataPort)
	if err != nil {
		return 0, fmt.Errorf("read %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return v, nil
}

func (c *PortConfig) Write32(addr Address, offset uint16, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectRegister(addr, offset, 4); err != nil {
		return err
	}
	if err := c.IO.Out32(ConfigDataPort, value); err != nil {
		return fmt.Errorf("write %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return nil
}

func (c *PortConfig) Read16(addr Address, offset uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectRegister(addr, offset, 2); err != nil {
		return 0, err
	}
	v, err := c.IO.In16(ConfigDataPort + offset&0x2)
	if err != nil {
		return 0, fmt.Errorf("read %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return v, nil
}

func (c *PortConfig) Write16(addr Address, offset uint16, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectRegister(addr, offset, 2); err != nil {
		return err
	}
	if err := c.IO.Out16(ConfigDataPort+offset&0x2, value); err != nil {
		return fmt.Errorf("write %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return nil
}

// ECAMConfig is memory-mapped configuration access.
type ECAMConfig struct {
	window hw.Window
	buses  int
}

// NewECAMConfig covers buses [0, buses) of the ECAM window at base. buses is
// clamped to [1, MaxBuses].
func NewECAMConfig(bus hw.Bus, base uint64, buses int) *ECAMConfig {
	buses = max(1, min(buses, MaxBuses))
	return &ECAMConfig{window: hw.NewWindow(bus, base, uint64(buses)<<20), buses: buses}
}

// Buses returns how many buses the window decodes.
func (c *ECAMConfig) Buses() int { return c.buses }

func (c *ECAMConfig) Read32(addr Address, offset uint16) (uint32, error) {
	v, err := c.window.Read32(addr.ECAMOffset(offset))
	if err != nil {
		return 0, fmt.Errorf("read %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return v, nil
}

func (c *ECAMConfig) Write32(addr Address, offset uint16, value uint32) error {
	if err := c.window.Write32(addr.ECAMOffset(offset), value); err != nil {
		return fmt.Errorf("write %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return nil
}

func (c *ECAMConfig) Read16(addr Address, offset uint16) (uint16, error) {
	v, err := c.window.Read16(addr.ECAMOffset(offset))
	if err != nil {
		return 0, fmt.Errorf("read %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return v, nil
}

func (c *ECAMConfig) Write16(addr Address, offset uint16, value uint16) error {
	if err := c.window.Write16(addr.ECAMOffset(offset), value); err != nil {
		return fmt.Errorf("write %s+%#x: %w: %w", addr, offset, hw.ErrPciRead, err)
	}
	return nil
}

var (
	_ ConfigAccessor = (*PortConfig)(nil)
	_ ConfigAccessor = (*ECAMConfig)(nil)
	_ BusCounter     = (*PortConfig)(nil)
	_ BusCounter     = (*ECAMConfig)(nil)
)
