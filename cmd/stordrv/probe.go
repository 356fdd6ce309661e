package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinyrange/stordrv"
	"github.com/tinyrange/stordrv/internal/ahci"
	"github.com/tinyrange/stordrv/internal/hw"
)

func newProbeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Bring up the AHCI and virtio-scsi controllers and report what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			report, err := m.Probe(cmd.Context())
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
}

// outcome renders whether a path succeeded.
func outcome(found bool, err error) string {
	switch {
	case err == nil && found:
		return okColor("ok")
	case errors.Is(err, hw.ErrDeviceNotFound):
		return warnColor("not found")
	case errors.Is(err, hw.ErrRegisterRead):
		return failColor("timed out")
	case err != nil:
		return failColor("failed")
	}
	return warnColor("skipped")
}

func writeReport(w io.Writer, r *stordrv.Report) error {
	t := &table{}
	t.header("CONTROLLER", "STATUS", "ADDRESS", "BASE", "DETAIL")

	a := r.AHCI
	detail := ""
	if a.Found {
		detail = "reset " + a.State.String()
	}
	t.add("ahci", outcome(a.Found, a.Err), addressOf(a.Found, a.Address.String()), baseOf(a.Found, a.Base), detail)

	v := r.Virtio
	detail = ""
	if v.Disk != nil {
		detail = fmt.Sprintf("%s %s, %s (%d x %d), queue %d/%d over %s",
			v.Vendor, v.Product,
			humanize.IBytes(v.Capacity.Bytes()), v.Capacity.Blocks, v.Capacity.BlockSize,
			v.Queue, v.QueueSize, v.Transport)
	}
	t.add("virtio-scsi", outcome(v.Found, v.Err), addressOf(v.Found, v.Address.String()), baseOf(v.Found, v.Base), detail)
	if err := t.write(w); err != nil {
		return err
	}

	if len(a.Ports) > 0 {
		fmt.Fprintln(w)
		ports := &table{}
		ports.header("PORT", "SIGNATURE", "KIND", "PRESENT")
		for _, p := range a.Ports {
			kind := p.Kind.String()
			if p.Kind == ahci.KindUnknown {
				kind = warnColor(kind)
			}
			present := "-"
			if p.Kind == ahci.KindSATA {
				present = fmt.Sprint(p.Present)
			}
			ports.add(fmt.Sprint(p.Index), fmt.Sprintf("%08x", p.Signature), kind, present)
		}
		if err := ports.write(w); err != nil {
			return err
		}
	}
	for _, err := range []error{a.Err, v.Err} {
		if err != nil {
			fmt.Fprintln(w, failColor("error:"), err)
		}
	}
	return nil
}

func addressOf(found bool, s string) string {
	if !found {
		return "-"
	}
	return s
}

func baseOf(found bool, base uint64) string {
	if !found {
		return "-"
	}
	return fmt.Sprintf("%#x", base)
}
