package hw

import (
	"encoding/binary"
	"fmt"
)

// Window is a bounds-checked view of a device register block. Every access is
// validated against the window size and the accepted address limit before it
// is issued to the bus as a single access of the requested width.
type Window struct {
	bus   Bus
	base  uint64
	size  uint64
	limit uint64
}

// NewWindow returns a register window of size bytes starting at base.
func NewWindow(bus Bus, base, size uint64) Window {
	return Window{bus: bus, base: base, size: size}
}

// WithLimit returns a copy of w that also rejects any address at or above limit.
func (w Window) WithLimit(limit uint64) Window {
	w.limit = limit
	return w
}

// Sub returns the window covering [offset, offset+size) of w.
func (w Window) Sub(offset, size uint64) (Window, error) {
	if err := w.check(offset, int(size)); err != nil {
		return Window{}, err
	}
	return Window{bus: w.bus, base: w.base + offset, size: size, limit: w.limit}, nil
}

func (w Window) Base() uint64 { return w.base }
func (w Window) Size() uint64 { return w.size }

// Contains reports whether an access of width bytes at offset would be accepted.
func (w Window) Contains(offset uint64, width int) bool {
	return w.check(offset, width) == nil
}

func (w Window) check(offset uint64, width int) error {
	if w.bus == nil {
		return &AddressError{Base: w.base, Offset: offset, Width: width, Reason: "no bus attached"}
	}
	if w.base == 0 {
		return &AddressError{Base: w.base, Offset: offset, Width: width, Reason: "null base address"}
	}
	end := offset + uint64(width)
	if end < offset || end > w.size {
		return &AddressError{Base: w.base, Offset: offset, Width: width, Reason: fmt.Sprintf("outside window of %#x bytes", w.size)}
	}
	addr := w.base + offset
	if addr < w.base {
		return &AddressError{Base: w.base, Offset: offset, Width: width, Reason: "address overflow"}
	}
	if w.limit != 0 && addr+uint64(width) > w.limit {
		return &AddressError{Base: w.base, Offset: offset, Width: width, Reason: fmt.Sprintf("beyond limit %#x", w.limit)}
	}
	return nil
}

func (w Window) read(offset uint64, buf []byte) error {
	if err := w.check(offset, len(buf)); err != nil {
		return err
	}
	return w.bus.ReadMMIO(w.base+offset, buf)
}

func (w Window) write(offset uint64, buf []byte) error {
	if err := w.check(offset, len(buf)); err != nil {
		return err
	}
	return w.bus.WriteMMIO(w.base+offset, buf)
}

func (w Window) Read8(offset uint64) (uint8, error) {
	var buf [1]byte
	if err := w.read(offset, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (w Window) Read16(offset uint64) (uint16, error) {
	var buf [2]byte
	if err := w.read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (w Window) Read32(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := w.read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (w Window) Read64(offset uint64) (uint64, error) {
	var buf [8]byte
	if err := w.read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w Window) Write8(offset uint64, value uint8) error {
	return w.write(offset, []byte{value})
}

func (w Window) Write16(offset uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return w.write(offset, buf[:])
}

func (w Window) Write32(offset uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return w.write(offset, buf[:])
}

func (w Window) Write64(offset uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return w.write(offset, buf[:])
}

// ReadBytes copies len(dst) bytes starting at offset, one byte per access.
func (w Window) ReadBytes(offset uint64, dst []byte) error {
	if err := w.check(offset, len(dst)); err != nil {
		return err
	}
	for i := range dst {
		if err := w.bus.ReadMMIO(w.base+offset+uint64(i), dst[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBytes copies src to the window starting at offset, one byte per access.
func (w Window) WriteBytes(offset uint64, src []byte) error {
	if err := w.check(offset, len(src)); err != nil {
		return err
	}
	for i := range src {
		if err := w.bus.WriteMMIO(w.base+offset+uint64(i), src[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}
