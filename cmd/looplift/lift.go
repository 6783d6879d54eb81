// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftengine"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/textui"
)

func init() {
	var inputFlag string
	var cfg liftengine.Config

	cmd := &cobra.Command{
		Use:   "lift [flags] DEVICE",
		Short: "Rewrite DEVICE in place, per a mapping report, so the scanned file starts at offset 0",
		Long: "" +
			"The mapping report comes from `looplift scan`, and is read " +
			"from stdin (gzipped or not):\n" +
			"\n" +
			"\tzcat report.gz | looplift lift /dev/sdX\n" +
			"\n" +
			"The host filesystem must be unmounted first, and nothing else " +
			"may touch DEVICE while the lift runs.\n" +
			"\n" +
			"A lift that fails after it has started writing leaves DEVICE " +
			"in an in-between state: some ranges moved, some not.  There " +
			"is no journal to replay; the report describes the device as " +
			"it was, not as it is, so DO NOT simply re-run the lift.  " +
			"Restore a backup, or re-mount the host filesystem and scan " +
			"again if the host filesystem still mounts.\n",
		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			report, err := readReport(ctx, inputFlag)
			if err != nil {
				return err
			}

			openFlag := os.O_RDWR
			if cfg.DryRun {
				openFlag = os.O_RDONLY
			}
			devFH, err := os.OpenFile(args[0], openFlag, 0)
			if err != nil {
				return err
			}
			dev := &diskio.OSFile[liftmap.PhysicalAddr]{File: devFH}
			defer func() {
				maybeSetErr(dev.Close())
			}()

			result, err := liftengine.Lift(ctx, dev, report, cfg)
			if err != nil {
				return err
			}

			textui.Fprintf(os.Stderr, "lifted %q:\n", args[0])
			textui.Fprintf(os.Stderr, "  moves executed:   %d (%v)\n",
				result.Moves, textui.IEC(result.BytesMoved, "B"))
			textui.Fprintf(os.Stderr, "  already in place: %v\n",
				textui.IEC(result.BytesInPlace, "B"))
			if cfg.FillHoles {
				textui.Fprintf(os.Stderr, "  holes zeroed:     %v\n",
					textui.IEC(result.BytesZeroed, "B"))
			} else {
				textui.Fprintf(os.Stderr, "  holes left as-is: %v (stale bytes; harmless unless something checksums the whole image)\n",
					textui.IEC(result.StaleHoleBytes, "B"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputFlag, "input", "i", "-",
		"read the report from `PATH` instead of stdin; gzip is detected either way")
	if err := cmd.MarkFlagFilename("input"); err != nil {
		panic(err)
	}
	cmd.Flags().IntVar(&cfg.Workers, "workers", 1,
		"shuffle independent byte ranges on `N` goroutines")
	cmd.Flags().BoolVar(&cfg.FillHoles, "fill-holes", false,
		"write zeros over the file's holes instead of leaving stale bytes")
	cmd.Flags().BoolVar(&cfg.SkipVerify, "skip-verify", false,
		"don't re-checksum the relocated ranges after the shuffle")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false,
		"plan and validate, but don't write anything")

	subcommands = append(subcommands, cmd)
}
