package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newReadCommand(opts *globalOptions) *cobra.Command {
	var count uint64
	cmd := &cobra.Command{
		Use:   "read LBA",
		Short: "Read blocks from the virtio-scsi disk and hex-dump them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lba, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("parse LBA %q: %w", args[0], err)
			}
			if count == 0 {
				return fmt.Errorf("--count must be at least 1")
			}

			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			disk, report, err := m.ProbeDisk(cmd.Context())
			if err != nil {
				return fmt.Errorf("no virtio-scsi disk: %w", err)
			}

			capacity := report.Virtio.Capacity
			if lba >= capacity.Blocks || count > capacity.Blocks-lba {
				return fmt.Errorf("blocks %d+%d beyond the %d block disk", lba, count, capacity.Blocks)
			}
			buf := make([]byte, count*capacity.BlockSize)
			if err := disk.ReadBlocks(cmd.Context(), lba, buf); err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), hex.Dump(buf))
			return err
		},
	}
	cmd.Flags().Uint64VarP(&count, "count", "n", 1, "number of blocks")
	return cmd
}
