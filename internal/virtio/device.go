package virtio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/mmio"
)

// Options configures a Device.
type Options struct {
	Layout Layout
	// FeatureMask selects which offered feature bits are accepted. Zero
	// accepts everything the device offers.
	FeatureMask uint32

	ResetBudget     hw.Budget
	QueueSizeBudget hw.Budget

	// DMA reaches the memory virtqueues are allocated in. Required by Setup.
	DMA hw.Bus

	Logger *slog.Logger
}

// Device drives one legacy virtio function through its register window.
type Device struct {
	regs hw.Window
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	features uint32
	status   uint8
}

func New(regs hw.Window, opts Options) *Device {
	if opts.Layout.Name == "" {
		opts.Layout = SourceLayout
	}
	if opts.FeatureMask == 0 {
		opts.FeatureMask = ^uint32(0)
	}
	if opts.ResetBudget.Attempts == 0 {
		opts.ResetBudget = DefaultResetBudget
	}
	if opts.QueueSizeBudget.Attempts == 0 {
		opts.QueueSizeBudget = DefaultQueueSizeBudget
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Device{regs: regs, opts: opts, log: log}
}

// Base returns the register base address.
func (d *Device) Base() uint64 { return d.regs.Base() }

func (d *Device) Layout() Layout { return d.opts.Layout }

// Features returns the accepted feature set.
func (d *Device) Features() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// LastStatus returns the last status value the driver wrote.
func (d *Device) LastStatus() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) writeStatus(v uint8) error {
	if err := d.regs.Write8(d.opts.Layout.Status, v); err != nil {
		return fmt.Errorf("virtio: write status %#02x: %w", v, err)
	}
	d.status = v
	d.log.Debug("virtio: status", "value", fmt.Sprintf("%#02x", v))
	return nil
}

// Negotiate resets the device, acknowledges it, accepts features and
// discovers the size of queue index. The device is left in DRIVER state,
// ready for RegisterQueue, or in FAILED when the queue does not exist.
func (d *Device) Negotiate(ctx context.Context, index uint16) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.negotiate(ctx, index)
}

func (d *Device) negotiate(ctx context.Context, index uint16) (uint16, error) {
	l := d.opts.Layout

	if err := d.writeStatus(StatusReset); err != nil {
		return 0, err
	}
	err := hw.Poll(ctx, d.opts.ResetBudget, "virtio: wait for reset", func() (bool, error) {
		v, err := d.regs.Read8(l.Status)
		return v == 0, err
	})
	if err != nil {
		return 0, fmt.Errorf("virtio: reset: %w", err)
	}
	if err := d.writeStatus(StatusAcknowledge); err != nil {
		return 0, err
	}
	if err := d.writeStatus(StatusDriver); err != nil {
		return 0, err
	}

	offered, err := d.regs.Read32(l.DeviceFeatures)
	if err != nil {
		return 0, fmt.Errorf("virtio: read device features: %w", err)
	}
	accepted := offered & d.opts.FeatureMask
	if err := d.regs.Write32(l.GuestFeatures, accepted); err != nil {
		return 0, fmt.Errorf("virtio: write guest features: %w", err)
	}
	d.features = accepted
	d.log.Info("virtio: features negotiated",
		"offered", fmt.Sprintf("%#08x", offered),
		"accepted", fmt.Sprintf("%#08x", accepted),
	)

	if err := d.regs.Write16(l.QueueSel, index); err != nil {
		return 0, fmt.Errorf("virtio: select queue %d: %w", index, err)
	}
	var size uint16
	err = hw.Poll(ctx, d.opts.QueueSizeBudget, "virtio: wait for queue size", func() (bool, error) {
		v, err := d.regs.Read16(l.QueueSize)
		size = v
		return v != 0, err
	})
	if err != nil {
		d.log.Warn("virtio: queue unavailable", "queue", index, "err", err)
		if ferr := d.writeStatus(StatusFailed); ferr != nil {
			d.log.Warn("virtio: could not mark device failed", "err", ferr)
		}
		return 0, fmt.Errorf("%w: queue %d: %w", ErrQueueUnavailable, index, err)
	}
	d.log.Info("virtio: queue discovered", "queue", index, "size", size)
	return size, nil
}

// RegisterQueue hands q to the device as queue index.
func (d *Device) RegisterQueue(q *Queue, index uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerQueue(q, index)
}

func (d *Device) registerQueue(q *Queue, index uint16) error {
	l := d.opts.Layout
	if err := d.regs.Write16(l.QueueSel, index); err != nil {
		return fmt.Errorf("virtio: select queue %d: %w", index, err)
	}
	if err := d.regs.Write32(l.QueuePFN, q.PFN()); err != nil {
		return fmt.Errorf("virtio: queue %d PFN: %w", index, err)
	}
	if err := d.regs.Write16(l.QueueSize, q.Size()); err != nil {
		return fmt.Errorf("virtio: queue %d size: %w", index, err)
	}
	if err := d.regs.Write16(l.QueueNotify, index); err != nil {
		return fmt.Errorf("virtio: notify queue %d: %w", index, err)
	}
	q.index = index
	d.log.Info("virtio: queue registered", "queue", index, "pfn", fmt.Sprintf("%#x", q.PFN()), "size", q.Size())
	return nil
}

// Setup negotiates, allocates and registers queue index, then sets DRIVER_OK.
// An allocation failure marks the device FAILED and registers nothing.
func (d *Device) Setup(ctx context.Context, mapper *mmio.Mapper, index uint16) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.DMA == nil {
		return nil, fmt.Errorf("virtio: setup without DMA memory: %w", hw.ErrMemoryMapping)
	}
	size, err := d.negotiate(ctx, index)
	if err != nil {
		return nil, err
	}
	q, err := AllocateQueue(mapper, d.opts.DMA, size)
	if err != nil {
		if ferr := d.writeStatus(StatusFailed); ferr != nil {
			d.log.Warn("virtio: could not mark device failed", "err", ferr)
		}
		return nil, fmt.Errorf("virtio: queue %d: %w", index, err)
	}
	if err := d.registerQueue(q, index); err != nil {
		return nil, err
	}
	if err := d.writeStatus(StatusDriverOK); err != nil {
		return nil, err
	}
	return q, nil
}

// Notify tells the device that queue index has new available buffers.
func (d *Device) Notify(index uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.regs.Write16(d.opts.Layout.QueueNotify, index); err != nil {
		return fmt.Errorf("virtio: notify queue %d: %w", index, err)
	}
	return nil
}

// ReadISR reads and thereby acknowledges the interrupt status. Layouts
// without an ISR register report 0.
func (d *Device) ReadISR() (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opts.Layout.HasISR {
		return 0, nil
	}
	return d.regs.Read8(d.opts.Layout.ISR)
}

// Window returns the device's register window.
func (d *Device) Window() hw.Window { return d.regs }
