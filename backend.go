package stordrv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/stordrv/internal/config"
	"github.com/tinyrange/stordrv/internal/host"
	"github.com/tinyrange/stordrv/internal/mmio"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/probe"
	"github.com/tinyrange/stordrv/internal/sim"
)

// openBackend returns the environment for cfg.Backend and a function that
// releases it.
func openBackend(cfg *config.Config, log *slog.Logger) (probe.Env, func() error, error) {
	switch cfg.Backend {
	case config.BackendHost:
		return openHost(cfg, log)
	default:
		m, err := sim.New(*cfg)
		if err != nil {
			return probe.Env{}, nil, fmt.Errorf("build simulated machine: %w", err)
		}
		return probe.Env{
			Config: m.ConfigAccessor(),
			Ports:  m.Machine,
			MMIO:   m.Machine,
			DMA:    m.Machine,
			Frames: m.Frames(),
			Pages:  m.Pages(),
			Logger: log,
		}, m.Close, nil
	}
}

func openHost(cfg *config.Config, log *slog.Logger) (probe.Env, func() error, error) {
	h, err := host.Open(host.Options{Logger: log})
	if err != nil {
		return probe.Env{}, nil, fmt.Errorf("open host backend: %w", err)
	}
	if !cfg.MMIO.Identity {
		log.Warn("host: register windows can only be identity mapped")
		cfg.MMIO.Identity = true
	}

	env := probe.Env{Ports: h, MMIO: h, DMA: h, Frames: h, Pages: h, Logger: log}
	switch cfg.PCI.Mechanism {
	case config.MechanismECAM:
		size := uint64(cfg.PCI.ECAMBuses) << 20
		if _, err := mmio.NewMapper(h, h, log).MapIdentity(cfg.PCI.ECAMBase, size-1); err != nil {
			h.Close()
			return probe.Env{}, nil, fmt.Errorf("map ecam window: %w", err)
		}
		env.Config = pci.NewECAMConfig(h, cfg.PCI.ECAMBase, cfg.PCI.ECAMBuses)
	default:
		env.Config = pci.NewPortConfig(h)
	}
	return env, h.Close, nil
}
