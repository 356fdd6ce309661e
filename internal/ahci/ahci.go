// Package ahci drives an AHCI host bus adapter far enough to reset it, apply
// the Intel port-enable quirk and classify the devices on its ports.
package ahci

import (
	"fmt"

	"github.com/tinyrange/stordrv/internal/hw"
)

// Generic host control registers.
const (
	RegCAP = 0x00
	RegGHC = 0x04
	RegIS  = 0x08
	RegPI  = 0x0C

	// HostControlSize spans CAP through VS.
	HostControlSize = 0x14
)

const (
	GHCAHCIEnable = 0x0001
	GHCHostReset  = 0x8000

	PIMask     = 0x3F
	DriveCount = 6

	MemoryPerDrive = 0x1000
	MemorySize     = DriveCount * MemoryPerDrive

	// ConfigPCS is the PCI config offset of the Intel port control and
	// status register.
	ConfigPCS = 0x92

	PortCommandPresent = 0x1
)

// Host flags.
const (
	HFlagIntelPCSQuirk = 1 << 28
)

// ATA port flags and transfer-mode masks.
const (
	FlagSATA     = 1 << 1
	FlagPIODMA   = 1 << 7
	FlagACPISATA = 1 << 17
	FlagAN       = 1 << 18

	FlagCommon = FlagSATA | FlagPIODMA | FlagACPISATA | FlagAN

	PIO4  = 1 << 4
	UDMA6 = 1 << 6
)

// Port signatures.
const (
	SigSATA  = 0x00000101
	SigATAPI = 0xEB140101
	SigSCSI  = 0x00008000
)

// Kind classifies a port signature.
type Kind int

const (
	KindUnknown Kind = iota
	KindSATA
	KindATAPI
	KindSCSI
)

func (k Kind) String() string {
	switch k {
	case KindSATA:
		return "SATA"
	case KindATAPI:
		return "ATAPI"
	case KindSCSI:
		return "SCSI"
	default:
		return "unknown"
	}
}

// Classify maps a port signature to a device kind.
func Classify(sig uint32) Kind {
	switch sig {
	case SigSATA:
		return KindSATA
	case SigATAPI:
		return KindATAPI
	case SigSCSI:
		return KindSCSI
	default:
		return KindUnknown
	}
}

// PortLayout locates per-port registers relative to the controller base.
type PortLayout struct {
	Name      string
	Base      uint64
	Stride    uint64
	Signature uint64
	Command   uint64
	SStatus   uint64
	TaskFile  uint64
}

var (
	// LegacyPortLayout gives each port a 4 KiB register page.
	LegacyPortLayout = PortLayout{
		Name:      "legacy",
		Base:      0,
		Stride:    MemoryPerDrive,
		Signature: 0xA0,
		Command:   0x18,
		SStatus:   0x28,
		TaskFile:  0x20,
	}
	// StandardPortLayout is the AHCI 1.3 register map.
	StandardPortLayout = PortLayout{
		Name:      "standard",
		Base:      0x100,
		Stride:    0x80,
		Signature: 0x24,
		Command:   0x18,
		SStatus:   0x28,
		TaskFile:  0x20,
	}
)

// LayoutByName returns the named port layout.
func LayoutByName(name string) (PortLayout, error) {
	switch name {
	case "", LegacyPortLayout.Name:
		return LegacyPortLayout, nil
	case StandardPortLayout.Name:
		return StandardPortLayout, nil
	}
	return PortLayout{}, fmt.Errorf("unknown AHCI port layout %q", name)
}

// Offset returns the controller-relative offset of reg on port.
func (l PortLayout) Offset(port int, reg uint64) uint64 {
	return l.Base + uint64(port)*l.Stride + reg
}

// State is the controller reset state.
type State int

const (
	StateUnreset State = iota
	StateResetRequested
	StateReset
	StateResetTimedOut
)

func (s State) String() string {
	switch s {
	case StateUnreset:
		return "unreset"
	case StateResetRequested:
		return "reset-requested"
	case StateReset:
		return "reset"
	case StateResetTimedOut:
		return "reset-timed-out"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Port is one implemented port as reported by FindSATADevices.
type Port struct {
	Index     int
	Signature uint32
	Kind      Kind
	Command   uint32
	Present   bool
	// Err wraps hw.ErrInvalidSignature for unrecognised signatures.
	Err error
}

// DefaultResetBudget bounds the wait for GHC.HR to clear.
var DefaultResetBudget = hw.Budget{Attempts: 10000}
