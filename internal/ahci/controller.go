package ahci

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/pci"
)

// Options configures a Controller.
type Options struct {
	HFlags   uint32
	Flags    uint32
	PIOMask  uint32
	UDMAMask uint32

	Layout      PortLayout
	ResetBudget hw.Budget

	// Config and Address reach the controller's PCI function; required
	// when HFlags has HFlagIntelPCSQuirk.
	Config  pci.ConfigAccessor
	Address pci.Address

	Logger *slog.Logger
}

// Controller owns one AHCI register block.
type Controller struct {
	regs hw.Window
	opts Options
	log  *slog.Logger

	// mu serialises register read/modify/write sequences.
	mu    sync.Mutex
	state State
}

// New wraps the register window of a controller. The window must cover every
// port register the layout addresses.
func New(regs hw.Window, opts Options) *Controller {
	if opts.Layout.Stride == 0 {
		opts.Layout = LegacyPortLayout
	}
	if opts.ResetBudget.Attempts == 0 {
		opts.ResetBudget = DefaultResetBudget
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{regs: regs, opts: opts, log: log}
}

// Base returns the controller's register base address.
func (c *Controller) Base() uint64 { return c.regs.Base() }

// Address is the PCI location the controller was attached from.
func (c *Controller) Address() pci.Address { return c.opts.Address }

func (c *Controller) HFlags() uint32   { return c.opts.HFlags }
func (c *Controller) Flags() uint32    { return c.opts.Flags }
func (c *Controller) PIOMask() uint32  { return c.opts.PIOMask }
func (c *Controller) UDMAMask() uint32 { return c.opts.UDMAMask }

// Layout returns the port register layout in use.
func (c *Controller) Layout() PortLayout { return c.opts.Layout }

// State returns the reset state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset enables AHCI mode, performs a host reset and waits, within the reset
// budget, for the controller to finish it. On timeout the controller is left
// in StateResetTimedOut and the error matches hw.ErrRegisterRead.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info("ahci: initializing controller", "base", fmt.Sprintf("%#x", c.regs.Base()))

	capReg, err := c.regs.Read32(RegCAP)
	if err != nil {
		return fmt.Errorf("ahci: read CAP: %w", err)
	}
	c.log.Info("ahci: capabilities", "cap", fmt.Sprintf("%#08x", capReg))

	ghc, err := c.regs.Read32(RegGHC)
	if err != nil {
		return fmt.Errorf("ahci: read GHC: %w", err)
	}
	c.log.Debug("ahci: GHC before reset", "ghc", fmt.Sprintf("%#08x", ghc))

	ghc |= GHCAHCIEnable | GHCHostReset
	if err := c.regs.Write32(RegGHC, ghc); err != nil {
		return fmt.Errorf("ahci: write GHC: %w", err)
	}
	c.state = StateResetRequested

	err = hw.Poll(ctx, c.opts.ResetBudget, "ahci: wait for host reset", func() (bool, error) {
		v, err := c.regs.Read32(RegGHC)
		if err != nil {
			return false, err
		}
		ghc = v
		return v&GHCHostReset == 0, nil
	})
	if err != nil {
		c.state = StateResetTimedOut
		c.log.Warn("ahci: reset did not complete", "err", err)
		return fmt.Errorf("ahci: reset: %w", err)
	}
	c.state = StateReset
	c.log.Info("ahci: reset complete", "ghc", fmt.Sprintf("%#08x", ghc))

	if c.opts.HFlags&HFlagIntelPCSQuirk != 0 {
		if err := c.applyIntelPCSQuirk(); err != nil {
			return err
		}
	}
	return nil
}

// applyIntelPCSQuirk makes sure every implemented port is enabled in the
// Intel PCS register.
func (c *Controller) applyIntelPCSQuirk() error {
	if c.opts.Config == nil {
		return fmt.Errorf("ahci: PCS quirk without config access: %w", hw.ErrPortInitializationFailed)
	}
	pi, err := c.regs.Read32(RegPI)
	if err != nil {
		return fmt.Errorf("ahci: read PI: %w", err)
	}
	portMap := uint16(pi & PIMask)

	pcs, err := c.opts.Config.Read16(c.opts.Address, ConfigPCS)
	if err != nil {
		return fmt.Errorf("ahci: read PCS: %w", err)
	}
	c.log.Debug("ahci: PCS register", "pcs", fmt.Sprintf("%#04x", pcs), "port_map", fmt.Sprintf("%#02x", portMap))
	if pcs&portMap == portMap {
		return nil
	}
	if err := c.opts.Config.Write16(c.opts.Address, ConfigPCS, pcs|portMap); err != nil {
		return fmt.Errorf("ahci: write PCS: %w", err)
	}
	c.log.Info("ahci: enabled ports in PCS", "pcs", fmt.Sprintf("%#04x", pcs|portMap))
	return nil
}

// FindSATADevices classifies each port implemented in PI. SATA ports also
// report whether a device is present, from bit 0 of the port command
// register. Unknown signatures are logged and reported with KindUnknown.
func (c *Controller) FindSATADevices() ([]Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pi, err := c.regs.Read32(RegPI)
	if err != nil {
		return nil, fmt.Errorf("ahci: read PI: %w", err)
	}
	pi &= PIMask

	var ports []Port
	for i := 0; i < DriveCount; i++ {
		if pi&(1<<i) == 0 {
			continue
		}
		sig, err := c.regs.Read32(c.opts.Layout.Offset(i, c.opts.Layout.Signature))
		if err != nil {
			return ports, fmt.Errorf("ahci: port %d signature: %w", i, err)
		}
		port := Port{Index: i, Signature: sig, Kind: Classify(sig)}
		switch port.Kind {
		case KindSATA:
			cmd, err := c.regs.Read32(c.opts.Layout.Offset(i, c.opts.Layout.Command))
			if err != nil {
				return ports, fmt.Errorf("ahci: port %d command: %w", i, err)
			}
			port.Command = cmd
			port.Present = cmd&PortCommandPresent != 0
		case KindUnknown:
			port.Err = fmt.Errorf("ahci: port %d signature %#08x: %w", i, sig, hw.ErrInvalidSignature)
			c.log.Warn("ahci: unknown device", "port", i, "sig", fmt.Sprintf("%#08x", sig))
		}
		c.log.Info("ahci: port", "port", i, "kind", port.Kind.String(), "present", port.Present)
		ports = append(ports, port)
	}
	return ports, nil
}

// DumpRegisters reads length bytes of the register block as dwords.
func (c *Controller) DumpRegisters(length uint64) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := make([]uint32, 0, length/4)
	for off := uint64(0); off+4 <= length; off += 4 {
		v, err := c.regs.Read32(off)
		if err != nil {
			return regs, err
		}
		regs = append(regs, v)
	}
	return regs, nil
}
