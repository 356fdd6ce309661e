// Package sim assembles the simulated machine behind the sim backend: a
// mechanism #1 host bridge, an optional ECAM window, an AHCI controller and a
// legacy virtio-scsi function, all shaped by the configuration file.
package sim

import (
	"fmt"
	"os"

	"github.com/tinyrange/stordrv/internal/ahci"
	"github.com/tinyrange/stordrv/internal/config"
	devahci "github.com/tinyrange/stordrv/internal/devices/ahci"
	amd64pci "github.com/tinyrange/stordrv/internal/devices/amd64/pci"
	devpci "github.com/tinyrange/stordrv/internal/devices/pci"
	devvirtio "github.com/tinyrange/stordrv/internal/devices/virtio"
	"github.com/tinyrange/stordrv/internal/hv"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/virtio"
)

// Device locations on bus 0.
var (
	AHCILocation   = devpci.Location{Bus: 0, Device: 0x1f, Function: 2}
	VirtioLocation = devpci.Location{Bus: 0, Device: 0x04, Function: 0}
)

// Machine is a simulated machine with its storage controllers.
type Machine struct {
	*hv.Machine

	Bus  *devpci.Bus
	ECAM *devpci.HostBridge
	HBA  *devahci.HBA
	SCSI *devvirtio.SCSI

	cfg   config.Config
	image *os.File
}

// New builds the machine described by cfg.
func New(cfg config.Config) (*Machine, error) {
	m := &Machine{
		Machine: hv.NewMachine(hv.Config{RAMSize: cfg.Sim.RAMMB << 20}),
		cfg:     cfg,
	}

	bus, err := devpci.NewBus(devpci.BusConfig{})
	if err != nil {
		return nil, fmt.Errorf("create pci bus: %w", err)
	}
	m.Bus = bus
	if err := m.AddDevice(amd64pci.NewHostBridge(bus)); err != nil {
		return nil, fmt.Errorf("add pci host bridge: %w", err)
	}
	if cfg.PCI.Mechanism == config.MechanismECAM {
		m.ECAM = devpci.NewHostBridge(bus, cfg.PCI.ECAMBase, uint64(cfg.PCI.ECAMBuses)<<20)
		if err := m.AddDevice(m.ECAM); err != nil {
			return nil, fmt.Errorf("add ecam window: %w", err)
		}
	}

	if !cfg.Sim.AHCI.Disabled {
		if err := m.addAHCI(cfg.Sim.AHCI); err != nil {
			return nil, err
		}
	}
	if !cfg.Sim.Virtio.Disabled {
		if err := m.addVirtio(cfg.Sim.Virtio); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) addAHCI(cfg config.SimAHCIConfig) error {
	hbaCfg := devahci.HBAConfig{
		Location:   AHCILocation,
		PI:         cfg.PI,
		PCS:        cfg.PCS,
		ResetReads: cfg.ResetReads,
	}
	if cfg.Layout == ahci.StandardPortLayout.Name {
		hbaCfg.Layout = devahci.LayoutStandard
	}
	for i, p := range cfg.Ports {
		hbaCfg.Ports[i] = devahci.PortConfig{Signature: p.Signature, Command: p.Command}
	}
	hba, err := devahci.NewHBA(m.Bus, hbaCfg)
	if err != nil {
		return fmt.Errorf("create ahci controller: %w", err)
	}
	if err := m.AddDevice(hba); err != nil {
		return fmt.Errorf("add ahci controller: %w", err)
	}
	m.HBA = hba
	return nil
}

func (m *Machine) addVirtio(cfg config.SimVirtioConfig) error {
	scsiCfg := devvirtio.SCSIConfig{
		Location:       VirtioLocation,
		QueueSize:      cfg.QueueSize,
		QueueSizeDelay: cfg.QueueSizeDelay,
		ResetDelay:     cfg.ResetDelay,
		CommandDelay:   cfg.CommandDelay,
		IOPort:         cfg.IOPort,
		Blocks:         cfg.Blocks,
		BlockSize:      cfg.BlockSize,
	}
	if cfg.Layout == virtio.StandardLayout.Name {
		scsiCfg.Layout = devvirtio.LayoutStandard
	}
	if cfg.Image != "" {
		f, err := os.OpenFile(cfg.Image, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open disk image: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat disk image: %w", err)
		}
		blocks := uint64(info.Size()) / uint64(cfg.BlockSize)
		if blocks == 0 {
			f.Close()
			return fmt.Errorf("disk image %s is smaller than one %d byte block", cfg.Image, cfg.BlockSize)
		}
		m.image = f
		scsiCfg.Backing = f
		scsiCfg.Blocks = blocks
	}
	dev, err := devvirtio.NewSCSI(m.Bus, scsiCfg)
	if err != nil {
		return fmt.Errorf("create virtio-scsi: %w", err)
	}
	if err := m.AddDevice(dev); err != nil {
		return fmt.Errorf("add virtio-scsi: %w", err)
	}
	m.SCSI = dev
	return nil
}

// ConfigAccessor returns configuration-space access through the configured
// mechanism.
func (m *Machine) ConfigAccessor() pci.ConfigAccessor {
	if m.ECAM != nil {
		return pci.NewECAMConfig(m.Machine, m.ECAM.Base(), m.cfg.PCI.ECAMBuses)
	}
	return pci.NewPortConfig(m.Machine)
}

// Close releases the disk image, if any.
func (m *Machine) Close() error {
	if m.image == nil {
		return nil
	}
	err := m.image.Close()
	m.image = nil
	return err
}
