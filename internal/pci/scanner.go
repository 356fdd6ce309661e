package pci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/stordrv/internal/hw"
)

const (
	offsetVendorDevice = 0x00
	offsetClass        = 0x08
	offsetHeaderType   = 0x0C
	offsetSubsystem    = 0x2C

	BAR0 = 0x10
	BAR1 = 0x14
	BAR5 = 0x24

	headerMultiFunction = 0x80

	MaxSlot     = 32
	MaxFunction = 8
)

// Class is the base class, subclass and programming interface of a function.
type Class struct {
	Class    uint8
	Subclass uint8
	ProgIF   uint8
}

var (
	ClassAHCI = Class{Class: 0x01, Subclass: 0x06, ProgIF: 0x01}
	ClassSCSI = Class{Class: 0x01, Subclass: 0x00, ProgIF: 0x00}
)

// ClassFromRegister decodes config dword 0x08.
func ClassFromRegister(v uint32) Class {
	return Class{Class: uint8(v >> 24), Subclass: uint8(v >> 16), ProgIF: uint8(v >> 8)}
}

func (c Class) String() string {
	return fmt.Sprintf("%02x/%02x/%02x", c.Class, c.Subclass, c.ProgIF)
}

// Device is a present PCI function.
type Device struct {
	Address
	VendorID    uint16
	DeviceID    uint16
	Class       Class
	Revision    uint8
	HeaderType  uint8
	SubsystemID uint16
}

func (d Device) MultiFunction() bool { return d.HeaderType&headerMultiFunction != 0 }

// BAR is a decoded base address register.
type BAR struct {
	Offset       uint16
	Base         uint64
	IO           bool
	Is64         bool
	Prefetchable bool
}

// Options tunes a scan.
type Options struct {
	// AllFunctions probes functions 1-7 even when function 0 is not
	// multi-function.
	AllFunctions bool
	// Progress is called after each bus has been scanned.
	Progress func(bus int)
	Logger   *slog.Logger
}

// Scanner walks configuration space.
type Scanner struct {
	cfg  ConfigAccessor
	opts Options
	log  *slog.Logger
}

func NewScanner(cfg ConfigAccessor, opts Options) *Scanner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{cfg: cfg, opts: opts, log: log}
}

// Config returns the accessor the scanner reads through.
func (s *Scanner) Config() ConfigAccessor { return s.cfg }

// probe reads the identification registers of addr. ok is false for an
// empty location.
func (s *Scanner) probe(addr Address) (dev Device, ok bool, err error) {
	id, err := s.cfg.Read32(addr, offsetVendorDevice)
	if err != nil {
		return Device{}, false, err
	}
	if id == 0xFFFF_FFFF || uint16(id) == 0xFFFF {
		return Device{}, false, nil
	}
	class, err := s.cfg.Read32(addr, offsetClass)
	if err != nil {
		return Device{}, false, err
	}
	header, err := s.cfg.Read32(addr, offsetHeaderType)
	if err != nil {
		return Device{}, false, err
	}
	subsys, err := s.cfg.Read32(addr, offsetSubsystem)
	if err != nil {
		return Device{}, false, err
	}
	return Device{
		Address:     addr,
		VendorID:    uint16(id),
		DeviceID:    uint16(id >> 16),
		Class:       ClassFromRegister(class),
		Revision:    uint8(class),
		HeaderType:  uint8(header >> 16),
		SubsystemID: uint16(subsys >> 16),
	}, true, nil
}

var errStopWalk = errors.New("stop walk")

// Buses returns how many buses a walk covers.
func (s *Scanner) Buses() int {
	if bc, ok := s.cfg.(BusCounter); ok {
		return max(0, min(bc.Buses(), MaxBuses))
	}
	return MaxBuses
}

// walk visits every present function in bus, slot, function order.
func (s *Scanner) walk(ctx context.Context, visit func(Device) error) error {
	buses := s.Buses()
	for bus := 0; bus < buses; bus++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for slot := 0; slot < MaxSlot; slot++ {
			addr := Address{Bus: uint8(bus), Slot: uint8(slot)}
			dev, ok, err := s.probe(addr)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := visit(dev); err != nil {
				return err
			}
			if !dev.MultiFunction() && !s.opts.AllFunctions {
				continue
			}
			for fn := 1; fn < MaxFunction; fn++ {
				addr.Function = uint8(fn)
				dev, ok, err := s.probe(addr)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := visit(dev); err != nil {
					return err
				}
			}
		}
		if s.opts.Progress != nil {
			s.opts.Progress(bus)
		}
	}
	return nil
}

// Enumerate lists every present function.
func (s *Scanner) Enumerate(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := s.walk(ctx, func(dev Device) error {
		s.log.Debug("pci: found device",
			"addr", dev.Address.String(),
			"vendor", fmt.Sprintf("%#04x", dev.VendorID),
			"device", fmt.Sprintf("%#04x", dev.DeviceID),
			"class", dev.Class.String(),
		)
		devices = append(devices, dev)
		return nil
	})
	if err != nil {
		return devices, err
	}
	return devices, nil
}

// FindController returns the first function whose class triple equals class,
// with the BAR at barOffset decoded. No match returns hw.ErrDeviceNotFound.
func (s *Scanner) FindController(ctx context.Context, class Class, barOffset uint16) (Device, BAR, error) {
	var (
		found Device
		bar   BAR
	)
	err := s.walk(ctx, func(dev Device) error {
		if dev.Class != class {
			return nil
		}
		b, err := s.ReadBAR(dev.Address, barOffset)
		if err != nil {
			return err
		}
		found, bar = dev, b
		return errStopWalk
	})
	switch {
	case errors.Is(err, errStopWalk):
		s.log.Info("pci: controller found",
			"class", class.String(),
			"addr", found.Address.String(),
			"bar", fmt.Sprintf("%#x", bar.Base),
		)
		return found, bar, nil
	case err != nil:
		return Device{}, BAR{}, err
	}
	return Device{}, BAR{}, fmt.Errorf("class %s: %w", class, hw.ErrDeviceNotFound)
}

// ReadBAR decodes the BAR at offset. A 64-bit memory BAR takes its upper half
// from the following dword.
func (s *Scanner) ReadBAR(addr Address, offset uint16) (BAR, error) {
	if offset < BAR0 || offset > BAR5 || offset%4 != 0 {
		return BAR{}, fmt.Errorf("BAR offset %#x: %w", offset, hw.ErrInvalidMemoryAddress)
	}
	low, err := s.cfg.Read32(addr, offset)
	if err != nil {
		return BAR{}, err
	}
	if low&0x1 != 0 {
		return BAR{Offset: offset, Base: uint64(low &^ 0x3), IO: true}, nil
	}
	bar := BAR{
		Offset:       offset,
		Base:         uint64(low & 0xFFFF_FFF0),
		Prefetchable: low&0x8 != 0,
	}
	if (low>>1)&0x3 == 0x2 {
		if offset == BAR5 {
			return BAR{}, fmt.Errorf("64-bit BAR at %s+%#x has no upper half: %w", addr, offset, hw.ErrPciRead)
		}
		high, err := s.cfg.Read32(addr, offset+4)
		if err != nil {
			return BAR{}, err
		}
		bar.Is64 = true
		bar.Base |= uint64(high) << 32
	}
	return bar, nil
}

// FindFirstMemoryBAR returns the first BAR of addr that reads neither 0 nor
// all ones.
func (s *Scanner) FindFirstMemoryBAR(addr Address) (BAR, error) {
	for offset := uint16(BAR0); offset <= BAR5; offset += 4 {
		raw, err := s.cfg.Read32(addr, offset)
		if err != nil {
			return BAR{}, err
		}
		if raw == 0 || raw == 0xFFFF_FFFF || raw&0x1 != 0 {
			continue
		}
		return s.ReadBAR(addr, offset)
	}
	return BAR{}, fmt.Errorf("no memory BAR at %s: %w", addr, hw.ErrDeviceNotFound)
}

// BARSize sizes the BAR at offset with the write-all-ones protocol and
// restores the original value. A 64-bit memory BAR is sized across both
// dwords.
func (s *Scanner) BARSize(addr Address, offset uint16) (uint64, error) {
	orig, err := s.cfg.Read32(addr, offset)
	if err != nil {
		return 0, err
	}
	mask, err := s.sizeMask(addr, offset, orig)
	if err != nil {
		return 0, err
	}
	if mask == 0 {
		return 0, nil
	}
	if orig&0x1 != 0 {
		return uint64(^(mask&^0x3)+1) & 0xFFFF, nil
	}
	if (orig>>1)&0x3 == 0x2 {
		if offset == BAR5 {
			return 0, fmt.Errorf("64-bit BAR at %s+%#x has no upper half: %w", addr, offset, hw.ErrPciRead)
		}
		high, err := s.cfg.Read32(addr, offset+4)
		if err != nil {
			return 0, err
		}
		highMask, err := s.sizeMask(addr, offset+4, high)
		if err != nil {
			return 0, err
		}
		full := uint64(highMask)<<32 | uint64(mask&^0xF)
		return ^full + 1, nil
	}
	return uint64(^(mask &^ 0xF) + 1), nil
}

// sizeMask writes all ones to offset, reads back the mask and restores orig.
func (s *Scanner) sizeMask(addr Address, offset uint16, orig uint32) (uint32, error) {
	if err := s.cfg.Write32(addr, offset, 0xFFFF_FFFF); err != nil {
		return 0, err
	}
	mask, err := s.cfg.Read32(addr, offset)
	if err != nil {
		return 0, err
	}
	if err := s.cfg.Write32(addr, offset, orig); err != nil {
		return 0, err
	}
	return mask, nil
}
