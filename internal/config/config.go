// Package config loads the stordrv configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/stordrv/internal/ahci"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/virtio"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "stordrv.yaml"

const (
	BackendSim  = "sim"
	BackendHost = "host"

	MechanismPort = "port"
	MechanismECAM = "ecam"

	TransportQueue    = "queue"
	TransportRegister = "register"
)

// Config is the top-level configuration file.
type Config struct {
	Version int    `yaml:"version"`
	Backend string `yaml:"backend"`

	PCI    PCIConfig    `yaml:"pci"`
	MMIO   MMIOConfig   `yaml:"mmio"`
	AHCI   AHCIConfig   `yaml:"ahci"`
	Virtio VirtioConfig `yaml:"virtio"`
	SCSI   SCSIConfig   `yaml:"scsi"`
	Sim    SimConfig    `yaml:"sim"`
}

type PCIConfig struct {
	Mechanism    string `yaml:"mechanism"`
	ECAMBase     uint64 `yaml:"ecamBase,omitempty"`
	ECAMBuses    int    `yaml:"ecamBuses,omitempty"`
	AllFunctions bool   `yaml:"allFunctions,omitempty"`
}

type MMIOConfig struct {
	// Identity maps register windows onto themselves instead of onto fresh
	// frames.
	Identity     bool   `yaml:"identity"`
	AddressLimit uint64 `yaml:"addressLimit,omitempty"`
}

// Budget bounds one kind of hardware wait.
type Budget struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay,omitempty"`
}

func (b Budget) HW() hw.Budget {
	return hw.Budget{Attempts: b.Attempts, Delay: b.Delay}
}

// Class matches a PCI class triple.
type Class struct {
	Class    uint8 `yaml:"class"`
	Subclass uint8 `yaml:"subclass"`
	ProgIF   uint8 `yaml:"progIF"`
}

func (c Class) PCI() pci.Class {
	return pci.Class{Class: c.Class, Subclass: c.Subclass, ProgIF: c.ProgIF}
}

type AHCIConfig struct {
	Disabled     bool   `yaml:"disabled,omitempty"`
	Match        Class  `yaml:"match"`
	Layout       string `yaml:"layout"`
	Reset        Budget `yaml:"reset"`
	SkipPCSQuirk bool   `yaml:"skipPCSQuirk,omitempty"`
}

type VirtioConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Match    Class  `yaml:"match"`
	Layout   string `yaml:"layout"`
	// Queue 0 is a valid request queue, so its default is applied before
	// decoding rather than by normalize.
	Queue       uint16 `yaml:"queue"`
	FeatureMask uint32 `yaml:"featureMask,omitempty"`
	Reset       Budget `yaml:"reset"`
	QueueSize   Budget `yaml:"queueSize"`
}

type SCSIConfig struct {
	Transport   string `yaml:"transport"`
	Target      uint8  `yaml:"target,omitempty"`
	LUN         uint16 `yaml:"lun,omitempty"`
	MaxTransfer int    `yaml:"maxTransfer,omitempty"`
	Command     Budget `yaml:"command"`
}

// SimConfig shapes the simulated machine used by the sim backend.
type SimConfig struct {
	RAMMB  uint64          `yaml:"ramMB"`
	AHCI   SimAHCIConfig   `yaml:"ahci"`
	Virtio SimVirtioConfig `yaml:"virtio"`
}

type SimPort struct {
	Signature uint32 `yaml:"signature"`
	Command   uint32 `yaml:"command,omitempty"`
}

type SimAHCIConfig struct {
	Disabled   bool      `yaml:"disabled,omitempty"`
	Layout     string    `yaml:"layout"`
	PI         uint32    `yaml:"pi"`
	PCS        uint16    `yaml:"pcs,omitempty"`
	ResetReads int       `yaml:"resetReads"`
	Ports      []SimPort `yaml:"ports,omitempty"`
}

type SimVirtioConfig struct {
	Disabled       bool   `yaml:"disabled,omitempty"`
	Layout         string `yaml:"layout"`
	QueueSize      uint16 `yaml:"queueSize"`
	QueueSizeDelay int    `yaml:"queueSizeDelay,omitempty"`
	ResetDelay     int    `yaml:"resetDelay,omitempty"`
	CommandDelay   int    `yaml:"commandDelay,omitempty"`
	// IOPort moves the registers into an I/O BAR at this port.
	IOPort    uint16 `yaml:"ioPort,omitempty"`
	Blocks    uint64 `yaml:"blocks"`
	BlockSize uint32 `yaml:"blockSize"`
	// Image backs the logical unit with a file instead of memory.
	Image string `yaml:"image,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.PCI.Mechanism == "" {
		c.PCI.Mechanism = MechanismPort
	}
	if c.PCI.Mechanism == MechanismECAM && c.PCI.ECAMBuses == 0 {
		c.PCI.ECAMBuses = 256
	}
	if c.MMIO.AddressLimit == 0 {
		c.MMIO.AddressLimit = ahci.DefaultAddressLimit
	}

	if c.AHCI.Match == (Class{}) {
		c.AHCI.Match = Class{Class: pci.ClassAHCI.Class, Subclass: pci.ClassAHCI.Subclass, ProgIF: pci.ClassAHCI.ProgIF}
	}
	if c.AHCI.Layout == "" {
		c.AHCI.Layout = ahci.LegacyPortLayout.Name
	}
	if c.AHCI.Reset.Attempts == 0 {
		c.AHCI.Reset.Attempts = ahci.DefaultResetBudget.Attempts
	}

	if c.Virtio.Match == (Class{}) {
		c.Virtio.Match = Class{Class: pci.ClassSCSI.Class, Subclass: pci.ClassSCSI.Subclass, ProgIF: pci.ClassSCSI.ProgIF}
	}
	if c.Virtio.Layout == "" {
		c.Virtio.Layout = virtio.SourceLayout.Name
	}
	if c.Virtio.Reset.Attempts == 0 {
		c.Virtio.Reset.Attempts = virtio.DefaultResetBudget.Attempts
	}
	if c.Virtio.QueueSize.Attempts == 0 {
		c.Virtio.QueueSize.Attempts = virtio.DefaultQueueSizeBudget.Attempts
	}

	if c.SCSI.Transport == "" {
		c.SCSI.Transport = TransportQueue
	}
	if c.SCSI.MaxTransfer == 0 {
		c.SCSI.MaxTransfer = 64 << 10
	}
	if c.SCSI.Command.Attempts == 0 {
		c.SCSI.Command.Attempts = 100000
	}

	if c.Sim.RAMMB == 0 {
		c.Sim.RAMMB = 16
	}
	if c.Sim.AHCI.Layout == "" {
		c.Sim.AHCI.Layout = c.AHCI.Layout
	}
	if c.Sim.AHCI.ResetReads == 0 {
		c.Sim.AHCI.ResetReads = 3
	}
	if c.Sim.AHCI.Ports == nil {
		c.Sim.AHCI.Ports = []SimPort{
			{Signature: ahci.SigSATA, Command: ahci.PortCommandPresent},
			{Signature: ahci.SigATAPI},
		}
	}
	if c.Sim.AHCI.PI == 0 {
		// Implement exactly the configured ports.
		c.Sim.AHCI.PI = uint32(1)<<len(c.Sim.AHCI.Ports) - 1
	}
	if c.Sim.Virtio.Layout == "" {
		c.Sim.Virtio.Layout = c.Virtio.Layout
	}
	if c.Sim.Virtio.QueueSize == 0 {
		c.Sim.Virtio.QueueSize = 128
	}
	if c.Sim.Virtio.Blocks == 0 {
		c.Sim.Virtio.Blocks = 2048
	}
	if c.Sim.Virtio.BlockSize == 0 {
		c.Sim.Virtio.BlockSize = 512
	}
}

// Validate reports the first setting that names something unknown.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendHost:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.PCI.Mechanism {
	case MechanismPort:
	case MechanismECAM:
		if c.PCI.ECAMBase == 0 {
			return fmt.Errorf("pci: ecam mechanism needs ecamBase")
		}
	default:
		return fmt.Errorf("unknown pci mechanism %q", c.PCI.Mechanism)
	}
	if _, err := ahci.LayoutByName(c.AHCI.Layout); err != nil {
		return err
	}
	if _, err := ahci.LayoutByName(c.Sim.AHCI.Layout); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	if _, err := virtio.LayoutByName(c.Virtio.Layout); err != nil {
		return err
	}
	if _, err := virtio.LayoutByName(c.Sim.Virtio.Layout); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	switch c.SCSI.Transport {
	case TransportQueue, TransportRegister:
	default:
		return fmt.Errorf("unknown scsi transport %q", c.SCSI.Transport)
	}
	if len(c.Sim.AHCI.Ports) > ahci.DriveCount {
		return fmt.Errorf("sim: %d AHCI ports configured, controller has %d", len(c.Sim.AHCI.Ports), ahci.DriveCount)
	}
	return nil
}

func preset() Config {
	return Config{Virtio: VirtioConfig{Queue: virtio.DefaultRequestQueue}}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c := preset()
	c.normalize()
	return c
}

// Parse decodes and normalizes a configuration document.
func Parse(data []byte) (Config, error) {
	c := preset()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads path. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores c, normalized, at path.
func Write(path string, c Config) error {
	c.normalize()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
