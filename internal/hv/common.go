// Package hv provides a simulated x86 machine for exercising the storage
// drivers: a physical RAM region, port-mapped and memory-mapped devices, a
// physical frame allocator and a page table.
package hv

import "errors"

var (
	ErrUnhandledAccess = errors.New("unhandled device access")
)

type Device interface {
	Init(m *Machine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) contains(addr uint64, size int) bool {
	return addr >= r.Address && addr+uint64(size) <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}
