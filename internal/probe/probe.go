// Package probe brings up the storage controllers of a machine: it scans the
// PCI bus, attaches the AHCI controller and the virtio-scsi function
// independently, and reports what each path found.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/stordrv/internal/ahci"
	"github.com/tinyrange/stordrv/internal/config"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/scsi"
	"github.com/tinyrange/stordrv/internal/virtio"
)

// Env is the hardware a run drives.
type Env struct {
	Config pci.ConfigAccessor
	// Ports reaches I/O BARs; optional.
	Ports hw.PortIO
	// MMIO reaches device register windows, DMA the memory frames come from.
	MMIO   hw.Bus
	DMA    hw.Bus
	Frames hw.FrameAllocator
	Pages  hw.PageMapper

	Logger *slog.Logger
	// Progress is called after each bus of every scan.
	Progress func(bus int)
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Env) scanner(cfg config.Config) *pci.Scanner {
	return pci.NewScanner(e.Config, pci.Options{
		AllFunctions: cfg.PCI.AllFunctions,
		Progress:     e.Progress,
		Logger:       e.logger(),
	})
}

// AHCIReport is the outcome of the AHCI path.
type AHCIReport struct {
	Found   bool
	Address pci.Address
	Base    uint64
	State   ahci.State
	Ports   []ahci.Port
	Err     error
}

// VirtioReport is the outcome of the virtio-scsi path.
type VirtioReport struct {
	Found     bool
	Address   pci.Address
	Base      uint64
	Features  uint32
	Queue     uint16
	QueueSize uint16
	Transport string
	Vendor    string
	Product   string
	Capacity  scsi.Capacity
	Err       error

	// Disk is ready for block I/O when the path succeeded.
	Disk *scsi.Disk
}

// Report collects both paths.
type Report struct {
	AHCI   AHCIReport
	Virtio VirtioReport
}

// recoverable reports whether err is an outcome to record rather than fail on.
func recoverable(err error) bool {
	return errors.Is(err, hw.ErrDeviceNotFound) || errors.Is(err, hw.ErrRegisterRead) || errors.Is(err, virtio.ErrQueueUnavailable)
}

// Scan lists every function on the bus.
func Scan(ctx context.Context, env Env, cfg config.Config) ([]pci.Device, error) {
	return env.scanner(cfg).Enumerate(ctx)
}

// Run brings up both controllers. Absence and timeouts are recorded in the
// report; any other failure is returned.
func Run(ctx context.Context, env Env, cfg config.Config) (*Report, error) {
	log := env.logger()
	mapper := mmio.NewMapper(env.Frames, env.Pages, log)
	scanner := env.scanner(cfg)
	report := &Report{}

	if !cfg.AHCI.Disabled {
		if err := runAHCI(ctx, env, cfg, scanner, mapper, &report.AHCI); err != nil {
			if !recoverable(err) {
				return report, fmt.Errorf("ahci: %w", err)
			}
			report.AHCI.Err = err
			log.Warn("ahci: no usable controller", "err", err)
		}
	}
	if !cfg.Virtio.Disabled {
		if err := runVirtio(ctx, env, cfg, scanner, mapper, &report.Virtio); err != nil {
			if !recoverable(err) {
				return report, fmt.Errorf("virtio-scsi: %w", err)
			}
			report.Virtio.Err = err
			log.Warn("virtio-scsi: no usable device", "err", err)
		}
	}
	return report, nil
}

func runAHCI(ctx context.Context, env Env, cfg config.Config, scanner *pci.Scanner, mapper *mmio.Mapper, r *AHCIReport) error {
	layout, err := ahci.LayoutByName(cfg.AHCI.Layout)
	if err != nil {
		return err
	}
	ctrl, ports, err := ahci.Attach(ctx, scanner, mapper, env.MMIO, ahci.AttachOptions{
		Options: ahci.Options{
			Layout:      layout,
			ResetBudget: cfg.AHCI.Reset.HW(),
			Logger:      env.logger(),
		},
		Class:        cfg.AHCI.Match.PCI(),
		Identity:     cfg.MMIO.Identity,
		AddressLimit: cfg.MMIO.AddressLimit,
		SkipPCSQuirk: cfg.AHCI.SkipPCSQuirk,
	})
	if ctrl != nil {
		r.Found = true
		r.Address = ctrl.Address()
		r.Base = ctrl.Base()
		r.State = ctrl.State()
		r.Ports = ports
		logHostControl(ctx, env.logger(), ctrl)
	}
	return err
}

func runVirtio(ctx context.Context, env Env, cfg config.Config, scanner *pci.Scanner, mapper *mmio.Mapper, r *VirtioReport) error {
	layout, err := virtio.LayoutByName(cfg.Virtio.Layout)
	if err != nil {
		return err
	}
	dev, fn, err := virtio.Attach(ctx, scanner, mapper, env.MMIO, virtio.AttachOptions{
		Options: virtio.Options{
			Layout:          layout,
			FeatureMask:     cfg.Virtio.FeatureMask,
			ResetBudget:     cfg.Virtio.Reset.HW(),
			QueueSizeBudget: cfg.Virtio.QueueSize.HW(),
			DMA:             env.DMA,
			Logger:          env.logger(),
		},
		Class:    cfg.Virtio.Match.PCI(),
		Identity: cfg.MMIO.Identity,
		Ports:    env.Ports,
	})
	if err != nil {
		return err
	}
	r.Found = true
	r.Address = fn.Address
	r.Base = dev.Base()
	r.Queue = cfg.Virtio.Queue

	q, err := dev.Setup(ctx, mapper, cfg.Virtio.Queue)
	if err != nil {
		return err
	}
	r.Features = dev.Features()
	r.QueueSize = q.Size()

	var t scsi.Transport
	switch cfg.SCSI.Transport {
	case config.TransportRegister:
		block, err := dev.Window().Sub(scsi.CommandBlockOffset, scsi.CommandBlockSize)
		if err != nil {
			return err
		}
		t, err = scsi.NewRegisterTransport(block, cfg.SCSI.Command.HW(), env.logger())
		if err != nil {
			return err
		}
	default:
		t, err = scsi.NewQueueTransport(dev, q, mapper, env.DMA, scsi.QueueOptions{
			Target:      cfg.SCSI.Target,
			LUN:         cfg.SCSI.LUN,
			MaxTransfer: cfg.SCSI.MaxTransfer,
			Budget:      cfg.SCSI.Command.HW(),
			Logger:      env.logger(),
		})
		if err != nil {
			return err
		}
	}
	r.Transport = cfg.SCSI.Transport

	inquiry := make([]byte, 36)
	n, err := t.Execute(ctx, scsi.Inquiry(uint8(len(inquiry))), inquiry, scsi.DirIn)
	switch {
	case err == nil && n >= 32:
		r.Vendor = strings.TrimSpace(string(inquiry[8:16]))
		r.Product = strings.TrimSpace(string(inquiry[16:32]))
	case err != nil && !errors.Is(err, scsi.ErrCheckCondition):
		return err
	}

	disk := scsi.NewDisk(t)
	c, err := disk.Capacity(ctx)
	if err != nil {
		return err
	}
	r.Capacity = c
	r.Disk = disk
	env.logger().Info("virtio-scsi: disk ready",
		"blocks", c.Blocks,
		"block_size", c.BlockSize,
		"bytes", c.Bytes(),
	)
	return nil
}

// logHostControl dumps the generic host control registers at debug level.
func logHostControl(ctx context.Context, log *slog.Logger, ctrl *ahci.Controller) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	regs, err := ctrl.DumpRegisters(ahci.HostControlSize)
	if err != nil {
		log.Debug("ahci: register dump failed", "err", err)
		return
	}
	attrs := make([]any, 0, 2*len(regs))
	for i, v := range regs {
		attrs = append(attrs, fmt.Sprintf("%#02x", i*4), fmt.Sprintf("%#08x", v))
	}
	log.Debug("ahci: host control", attrs...)
}
