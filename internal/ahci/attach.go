package ahci

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
)

// DefaultAddressLimit rejects register accesses at or above 4 GiB.
const DefaultAddressLimit = 1 << 32

// AttachOptions configures Attach.
type AttachOptions struct {
	Options

	// Class defaults to pci.ClassAHCI.
	Class pci.Class
	// BAROffset is the config offset of the ABAR; defaults to BAR5.
	BAROffset uint16
	// Identity maps the register block onto itself instead of onto
	// allocated frames.
	Identity bool
	// AddressLimit bounds register addresses; 0 selects DefaultAddressLimit.
	AddressLimit uint64
	// SkipPCSQuirk leaves HFlagIntelPCSQuirk out of the host flags.
	SkipPCSQuirk bool
}

// Attach finds the first controller of the configured class, maps its register block, resets it
// and scans its ports. hw.ErrDeviceNotFound and reset timeouts (hw.ErrRegisterRead)
// are the expected failure modes; the controller is returned alongside a
// reset timeout so callers can inspect its state.
func Attach(ctx context.Context, scanner *pci.Scanner, mapper *mmio.Mapper, bus hw.Bus, opts AttachOptions) (*Controller, []Port, error) {
	if opts.Class == (pci.Class{}) {
		opts.Class = pci.ClassAHCI
	}
	if opts.BAROffset == 0 {
		opts.BAROffset = pci.BAR5
	}
	if opts.AddressLimit == 0 {
		opts.AddressLimit = DefaultAddressLimit
	}

	dev, bar, err := scanner.FindController(ctx, opts.Class, opts.BAROffset)
	if err != nil {
		return nil, nil, err
	}
	if bar.IO || bar.Base == 0 {
		return nil, nil, fmt.Errorf("ahci: %s ABAR %#x is not a memory BAR: %w", dev.Address, bar.Base, hw.ErrInvalidMemoryAddress)
	}

	if opts.Identity {
		_, err = mapper.MapIdentity(bar.Base, MemorySize)
	} else {
		_, err = mapper.Map(bar.Base, MemorySize)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ahci: map registers: %w", err)
	}

	if !opts.SkipPCSQuirk {
		opts.HFlags |= HFlagIntelPCSQuirk
	}
	if opts.Flags == 0 {
		opts.Flags = FlagCommon
	}
	if opts.PIOMask == 0 {
		opts.PIOMask = PIO4
	}
	if opts.UDMAMask == 0 {
		opts.UDMAMask = UDMA6
	}
	if opts.Config == nil {
		opts.Config = scanner.Config()
	}
	opts.Address = dev.Address

	regs := hw.NewWindow(bus, bar.Base, MemorySize).WithLimit(opts.AddressLimit)
	ctrl := New(regs, opts.Options)
	if err := ctrl.Reset(ctx); err != nil {
		if errors.Is(err, hw.ErrRegisterRead) {
			return ctrl, nil, err
		}
		return nil, nil, err
	}
	ports, err := ctrl.FindSATADevices()
	if err != nil {
		return ctrl, ports, err
	}
	return ctrl, ports, nil
}
