package hw

import (
	"encoding/binary"
	"fmt"
)

// PortBus exposes port I/O as a Bus so that I/O-space BARs can be driven
// through a Window. Addresses are port numbers.
type PortBus struct {
	IO PortIO
}

func (b PortBus) port(addr uint64, width int) (uint16, error) {
	if addr+uint64(width) > 0x10000 {
		return 0, &AddressError{Base: addr, Width: width, Reason: "outside I/O port space"}
	}
	return uint16(addr), nil
}

func (b PortBus) ReadMMIO(addr uint64, data []byte) error {
	port, err := b.port(addr, len(data))
	if err != nil {
		return err
	}
	switch len(data) {
	case 1:
		v, err := b.IO.In8(port)
		if err != nil {
			return err
		}
		data[0] = v
	case 2:
		v, err := b.IO.In16(port)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(data, v)
	case 4:
		v, err := b.IO.In32(port)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(data, v)
	default:
		return fmt.Errorf("port read of %d bytes: %w", len(data), ErrInvalidMemoryAddress)
	}
	return nil
}

func (b PortBus) WriteMMIO(addr uint64, data []byte) error {
	port, err := b.port(addr, len(data))
	if err != nil {
		return err
	}
	switch len(data) {
	case 1:
		return b.IO.Out8(port, data[0])
	case 2:
		return b.IO.Out16(port, binary.LittleEndian.Uint16(data))
	case 4:
		return b.IO.Out32(port, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("port write of %d bytes: %w", len(data), ErrInvalidMemoryAddress)
	}
}

var _ Bus = PortBus{}
