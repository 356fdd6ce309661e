// Command stordrv enumerates PCI functions and brings up AHCI and virtio-scsi
// storage controllers, either on a simulated machine or on the host.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/stordrv"
)

type globalOptions struct {
	backend    string
	configPath string
	image      string
	debug      bool

	log *slog.Logger
}

// open loads the configuration, applies command-line overrides and opens
// the backend.
func (o *globalOptions) open(extra ...stordrv.Option) (*stordrv.Machine, error) {
	cfg, err := stordrv.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	m, err := stordrv.Open(append([]stordrv.Option{
		stordrv.WithConfig(cfg),
		stordrv.WithBackend(o.backend),
		stordrv.WithImage(o.image),
		stordrv.WithLogger(o.log),
	}, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return m, nil
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "stordrv",
		Short:        "Bring up PCI storage controllers",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			opts.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.log)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.backend, "backend", "", "hardware backend: sim or host (default from config)")
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: built-in defaults)")
	flags.StringVar(&opts.image, "image", "", "disk image backing the simulated virtio-scsi unit")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.CompletionOptions.HiddenDefaultCmd = true
	root.AddCommand(
		newScanCommand(opts),
		newProbeCommand(opts),
		newReadCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

func run() error {
	return newRootCommand().Execute()
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}
