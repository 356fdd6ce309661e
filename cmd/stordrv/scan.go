package main

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/stordrv"
	"github.com/tinyrange/stordrv/internal/config"
	"github.com/tinyrange/stordrv/internal/pci"
	"github.com/tinyrange/stordrv/internal/virtio"
)

func newScanCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List every PCI function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				extra []stordrv.Option
				bar   *progressbar.ProgressBar
			)
			if term.IsTerminal(int(os.Stderr.Fd())) {
				bar = progressbar.NewOptions(pci.MaxBuses,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("scanning pci buses"),
					progressbar.OptionClearOnFinish(),
				)
				defer bar.Close()
				extra = append(extra, stordrv.WithProgress(func(int) { bar.Add(1) }))
			}

			m, err := opts.open(extra...)
			if err != nil {
				return err
			}
			defer m.Close()
			if c := m.Config(); bar != nil && c.PCI.Mechanism == config.MechanismECAM {
				bar.ChangeMax(c.PCI.ECAMBuses)
			}

			devs, err := m.Scan(cmd.Context())
			if err != nil {
				return err
			}
			return scanTable(devs).write(cmd.OutOrStdout())
		},
	}
}

func scanTable(devs []pci.Device) *table {
	t := &table{}
	t.header("ADDRESS", "VENDOR", "DEVICE", "CLASS", "REV", "KIND")
	for _, d := range devs {
		t.add(
			d.Address.String(),
			fmt.Sprintf("%04x", d.VendorID),
			fmt.Sprintf("%04x", d.DeviceID),
			d.Class.String(),
			fmt.Sprintf("%02x", d.Revision),
			kindOf(d),
		)
	}
	return t
}

func kindOf(d pci.Device) string {
	switch d.Class {
	case pci.ClassAHCI:
		return okColor("ahci")
	case pci.ClassSCSI:
		if d.VendorID == virtio.VendorID {
			return okColor("virtio-scsi")
		}
		return okColor("scsi")
	}
	return ""
}
