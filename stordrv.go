// Package stordrv brings up PCI storage controllers: it enumerates the bus,
// attaches AHCI host bus adapters and legacy virtio-scsi functions, and
// exposes the resulting SCSI disk for block I/O. A Machine runs against a
// simulated machine or, on Linux, against the host's hardware.
package stordrv

import (
	"context"
	"log/slog"

	"github.com/tinyrange/stordrv/internal/config"
	"github.com/tinyrange/stordrv/internal/hw"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/probe"
	"github.com/tinyrange/stordrv/internal/scsi"
)

// Config is the configuration file format.
type Config = config.Config

// Report is the outcome of a bring-up.
type Report = probe.Report

// Device is a present PCI function.
type Device = pci.Device

// Disk is a SCSI logical unit addressed in blocks.
type Disk = scsi.Disk

const (
	BackendSim  = config.BackendSim
	BackendHost = config.BackendHost
)

var (
	ErrDeviceNotFound = hw.ErrDeviceNotFound
	// ErrTimeout matches every bounded hardware wait that ran out.
	ErrTimeout = hw.ErrRegisterRead
	// ErrUnsupported is returned by the host backend off Linux.
	ErrUnsupported = hw.ErrUnsupported
)

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a configuration file. The empty path yields the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures Open.
type Option interface {
	apply(*options)
}

type options struct {
	cfg      Config
	hasCfg   bool
	backend  string
	image    string
	logger   *slog.Logger
	progress func(bus int)
}

// WithConfig replaces the default configuration.
func WithConfig(c Config) Option { return &configOption{c} }

type configOption struct{ c Config }

func (o *configOption) apply(opts *options) { opts.cfg, opts.hasCfg = o.c, true }

// WithBackend overrides the configured backend.
func WithBackend(name string) Option { return &backendOption{name} }

type backendOption struct{ name string }

func (o *backendOption) apply(opts *options) { opts.backend = o.name }

// WithImage backs the simulated virtio-scsi unit with a disk image file.
func WithImage(path string) Option { return &imageOption{path} }

type imageOption struct{ path string }

func (o *imageOption) apply(opts *options) { opts.image = o.path }

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option { return &loggerOption{l} }

type loggerOption struct{ l *slog.Logger }

func (o *loggerOption) apply(opts *options) { opts.logger = o.l }

// WithProgress is called after each PCI bus a scan has visited.
func WithProgress(fn func(bus int)) Option { return &progressOption{fn} }

type progressOption struct{ fn func(int) }

func (o *progressOption) apply(opts *options) { opts.progress = o.fn }

// -----------------------------------------------------------------------------
// Machine
// -----------------------------------------------------------------------------

// Machine is an opened backend.
type Machine struct {
	cfg   Config
	env   probe.Env
	close func() error
}

// Open validates the configuration and opens its backend.
func Open(opts ...Option) (*Machine, error) {
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	if !o.hasCfg {
		o.cfg = config.Default()
	}
	if o.backend != "" {
		o.cfg.Backend = o.backend
	}
	if o.image != "" {
		o.cfg.Sim.Virtio.Image = o.image
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	env, closeFn, err := openBackend(&o.cfg, o.logger)
	if err != nil {
		return nil, err
	}
	env.Progress = o.progress
	return &Machine{cfg: o.cfg, env: env, close: closeFn}, nil
}

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

// Scan lists every PCI function.
func (m *Machine) Scan(ctx context.Context) ([]Device, error) {
	return probe.Scan(ctx, m.env, m.cfg)
}

// Probe brings up the configured controllers. Missing devices and timeouts
// are recorded in the report rather than returned.
func (m *Machine) Probe(ctx context.Context) (*Report, error) {
	return probe.Run(ctx, m.env, m.cfg)
}

// ProbeDisk brings up only the virtio-scsi path and returns its disk.
func (m *Machine) ProbeDisk(ctx context.Context) (*Disk, *Report, error) {
	cfg := m.cfg
	cfg.AHCI.Disabled = true
	r, err := probe.Run(ctx, m.env, cfg)
	if err != nil {
		return nil, r, err
	}
	if r.Virtio.Disk == nil {
		if r.Virtio.Err != nil {
			return nil, r, r.Virtio.Err
		}
		return nil, r, ErrDeviceNotFound
	}
	return r.Virtio.Disk, r, nil
}

// Close releases the backend.
func (m *Machine) Close() error {
	if m.close == nil {
		return nil
	}
	err := m.close()
	m.close = nil
	return err
}
