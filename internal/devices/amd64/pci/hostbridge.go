// Package pci provides the legacy x86 configuration mechanism #1 front end
// (ports 0xCF8-0xCFF) over a simulated PCI segment.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/stordrv/internal/devices/pci"
	"github.com/tinyrange/stordrv/internal/hv"
)

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc

	configEnable = 1 << 31
)

// HostBridge latches the CONFIG_ADDRESS register and forwards CONFIG_DATA
// accesses to the selected function. Accesses with the enable bit clear read
// as all ones.
type HostBridge struct {
	bus *pci.Bus

	mu      sync.Mutex
	address uint32
}

func NewHostBridge(bus *pci.Bus) *HostBridge {
	return &HostBridge{bus: bus}
}

// Init implements hv.Device.
func (hb *HostBridge) Init(*hv.Machine) error {
	if hb.bus == nil {
		return fmt.Errorf("pci host bridge requires a PCI bus")
	}
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (hb *HostBridge) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if dataOffset, ok := dataAccess(port, len(data)); ok {
		value := uint32(0xffff_ffff)
		if loc, reg, ok := hb.configTarget(dataOffset); ok {
			value = hb.bus.ReadConfig(loc, reg, uint8(len(data)))
		}
		storeLittleEndian(data, value)
		return nil
	}

	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x (%d bytes)", port, len(data))
		}
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if dataOffset, ok := dataAccess(port, len(data)); ok {
		if loc, reg, ok := hb.configTarget(dataOffset); ok {
			hb.bus.WriteConfig(loc, reg, uint8(len(data)), loadLittleEndian(data))
		}
		return nil
	}

	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x (%d bytes)", port, len(data))
		}
	}
	return nil
}

// dataAccess reports whether an access lies entirely in CONFIG_DATA and is
// naturally aligned, returning its byte offset within the data dword.
func dataAccess(port uint16, width int) (uint16, bool) {
	if port < pciConfigDataPort || int(port)+width > pciConfigDataPort+4 {
		return 0, false
	}
	off := port - pciConfigDataPort
	if width != 1 && width != 2 && width != 4 {
		return 0, false
	}
	if int(off)%width != 0 {
		return 0, false
	}
	return off, true
}

func (hb *HostBridge) configTarget(offset uint16) (pci.Location, uint16, bool) {
	if hb.address&configEnable == 0 {
		return pci.Location{}, 0, false
	}
	loc := pci.Location{
		Bus:      uint8((hb.address >> 16) & 0xFF),
		Device:   uint8((hb.address >> 11) & 0x1F),
		Function: uint8((hb.address >> 8) & 0x7),
	}
	reg := uint16(hb.address&0xFC) + offset
	return loc, reg, true
}

func storeLittleEndian(data []byte, value uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, value)
	}
}

func loadLittleEndian(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

var (
	_ hv.Device          = (*HostBridge)(nil)
	_ hv.X86IOPortDevice = (*HostBridge)(nil)
)
