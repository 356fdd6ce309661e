package hw

import (
	"errors"
	"fmt"
)

var (
	ErrPciRead                  = errors.New("pci config read failed")
	ErrMemoryMapping            = errors.New("memory mapping failed")
	ErrFrameAllocationFailed    = fmt.Errorf("%w: frame allocation failed", ErrMemoryMapping)
	ErrRegisterRead             = errors.New("register did not reach expected state")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrInvalidSignature         = errors.New("invalid port signature")
	ErrInvalidMemoryAddress     = errors.New("invalid memory address")
	ErrPortInitializationFailed = errors.New("port initialization failed")
	ErrUnsupported              = errors.New("hardware access unsupported on this platform")
)

// TimeoutError reports a bounded hardware wait that ran out of attempts.
type TimeoutError struct {
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts", e.Op, e.Attempts)
}

// Unwrap lets callers match timeouts with errors.Is(err, ErrRegisterRead).
func (e *TimeoutError) Unwrap() error { return ErrRegisterRead }

// AddressError describes a register access rejected before it reached the bus.
type AddressError struct {
	Base   uint64
	Offset uint64
	Width  int
	Reason string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("register %#x+%#x (width %d): %s", e.Base, e.Offset, e.Width, e.Reason)
}

func (e *AddressError) Unwrap() error { return ErrInvalidMemoryAddress }
