package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
)

// RegisterWindowSize covers the legacy registers and the register-transport
// command block that follows them.
const RegisterWindowSize = 0x3000

// IOWindowSize covers the legacy registers behind an I/O BAR.
const IOWindowSize = 0x40

// AttachOptions configures Attach.
type AttachOptions struct {
	Options

	// Class defaults to pci.ClassSCSI.
	Class pci.Class
	// WindowSize defaults to RegisterWindowSize.
	WindowSize uint64
	Identity   bool
	// Ports, when set, lets a function without a memory BAR be driven
	// through an I/O BAR0.
	Ports hw.PortIO
}

// Attach finds the first function of the configured class, maps its first
// memory BAR and wraps the register block. Functions with only an I/O BAR0
// are reached through opts.Ports. It does not touch the device.
func Attach(ctx context.Context, scanner *pci.Scanner, mapper *mmio.Mapper, bus hw.Bus, opts AttachOptions) (*Device, pci.Device, error) {
	if opts.Class == (pci.Class{}) {
		opts.Class = pci.ClassSCSI
	}
	if opts.WindowSize == 0 {
		opts.WindowSize = RegisterWindowSize
	}

	dev, _, err := scanner.FindController(ctx, opts.Class, pci.BAR0)
	if err != nil {
		return nil, pci.Device{}, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if dev.VendorID != VendorID {
		log.Warn("virtio: controller is not a virtio function", "addr", dev.Address.String(), "vendor", fmt.Sprintf("%#04x", dev.VendorID))
	}
	bar, err := scanner.FindFirstMemoryBAR(dev.Address)
	if errors.Is(err, hw.ErrDeviceNotFound) && opts.Ports != nil {
		io, ioErr := scanner.ReadBAR(dev.Address, pci.BAR0)
		if ioErr == nil && io.IO && io.Base != 0 {
			log.Info("virtio: using I/O BAR", "addr", dev.Address.String(), "port", fmt.Sprintf("%#x", io.Base))
			regs := hw.NewWindow(hw.PortBus{IO: opts.Ports}, io.Base, IOWindowSize)
			return New(regs, opts.Options), dev, nil
		}
	}
	if err != nil {
		return nil, dev, err
	}

	if opts.Identity {
		_, err = mapper.MapIdentity(bar.Base, opts.WindowSize)
	} else {
		_, err = mapper.Map(bar.Base, opts.WindowSize)
	}
	if err != nil {
		return nil, dev, fmt.Errorf("virtio: map registers: %w", err)
	}
	return New(hw.NewWindow(bus, bar.Base, opts.WindowSize), opts.Options), dev, nil
}
