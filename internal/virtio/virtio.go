// Package virtio is the driver side of a legacy virtio PCI function: status
// and feature negotiation over the register BAR and split virtqueues in
// identity-mapped DMA memory.
package virtio

import (
	"errors"
	"fmt"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Device status values. Each is written on its own, never OR-ed together.
const (
	StatusReset       = 0x00
	StatusAcknowledge = 0x01
	StatusDriver      = 0x02
	StatusDriverOK    = 0x04
	StatusFailed      = 0x80
)

const (
	VendorID = 0x1AF4
	// DefaultRequestQueue is the first virtio-scsi request queue; 0 and 1
	// are the control and event queues.
	DefaultRequestQueue = 2
)

// ErrQueueUnavailable reports a queue whose size stayed 0.
var ErrQueueUnavailable = errors.New("virtio: queue unavailable")

// Layout gives the register offsets of a legacy register map. STATUS and
// QUEUE_SIZE may share an offset; the driver always accesses STATUS with 8-bit
// and QUEUE_SIZE with 16-bit accesses.
type Layout struct {
	Name           string
	DeviceFeatures uint64
	GuestFeatures  uint64
	QueuePFN       uint64
	QueueSize      uint64
	QueueSel       uint64
	QueueNotify    uint64
	Status         uint64
	ISR            uint64
	HasISR         bool
}

var (
	// SourceLayout overlaps STATUS with QUEUE_SIZE at 0x12 and reads and
	// writes features through the same register.
	SourceLayout = Layout{
		Name:           "source",
		DeviceFeatures: 0x10,
		GuestFeatures:  0x10,
		QueuePFN:       0x20,
		QueueSize:      0x12,
		QueueSel:       0x14,
		QueueNotify:    0x16,
		Status:         0x12,
	}
	// StandardLayout is the virtio 0.9.5 legacy PCI register map.
	StandardLayout = Layout{
		Name:           "standard",
		DeviceFeatures: 0x00,
		GuestFeatures:  0x04,
		QueuePFN:       0x08,
		QueueSize:      0x0C,
		QueueSel:       0x0E,
		QueueNotify:    0x10,
		Status:         0x12,
		ISR:            0x13,
		HasISR:         true,
	}
)

// LayoutByName returns the named register layout. The empty name selects
// SourceLayout.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case "", SourceLayout.Name:
		return SourceLayout, nil
	case StandardLayout.Name:
		return StandardLayout, nil
	}
	return Layout{}, fmt.Errorf("unknown virtio register layout %q", name)
}

var (
	DefaultResetBudget     = hw.Budget{Attempts: 1000}
	DefaultQueueSizeBudget = hw.Budget{Attempts: 100}
	DefaultUsedBudget      = hw.Budget{Attempts: 100000}
)
