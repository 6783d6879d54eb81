// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/liftscan"
	"git.lukeshu.com/looplift/lib/textui"
)

var (
	scanDevBlockSize = textui.Tunable[liftmap.PhysicalAddr](1 * 1024 * 1024)
	scanDevCacheSize = textui.Tunable(64)
)

func init() {
	var outputFlag string
	var cfg liftscan.Config

	cmd := &cobra.Command{
		Use:   "scan [flags] FILE DEVICE",
		Short: "Write out a mapping report of where FILE lives on DEVICE",
		Long: "" +
			"FILE is the nested filesystem image, and DEVICE is the block " +
			"device (or backing file) that FILE's filesystem lives on.\n" +
			"\n" +
			"The report goes to stdout and diagnostics go to stderr, so the " +
			"report can be piped or redirected:\n" +
			"\n" +
			"\tlooplift scan ./img /dev/sdX | gzip > report.gz\n" +
			"\n" +
			"The host filesystem must still be mounted (the kernel is what " +
			"answers the extent query); mount it read-only if you can, so " +
			"that the device can't drift from the report before the lift.\n",
		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			fileFH, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fileFH.Close())
			}()
			file := &diskio.OSFile[liftmap.LogicalAddr]{File: fileFH}

			devFH, err := os.Open(args[1])
			if err != nil {
				return err
			}
			dev := diskio.NewBufferedFile[liftmap.PhysicalAddr](
				&diskio.OSFile[liftmap.PhysicalAddr]{File: devFH},
				scanDevBlockSize, scanDevCacheSize)
			defer func() {
				maybeSetErr(dev.Close())
			}()

			report, err := liftscan.Scan(ctx, file, liftscan.NewFiemapQuerier(fileFH), dev, cfg)
			if err != nil {
				return err
			}

			dst, err := openReportDest(outputFlag)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "Writing the report...")
			if err := writeReport(dst, report); err != nil {
				_ = dst.Close()
				return err
			}
			if err := dst.Close(); err != nil {
				return err
			}
			dlog.Infof(ctx, "... done writing")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "-",
		"write the report to `PATH` instead of stdout; a .gz suffix gzips it")
	if err := cmd.MarkFlagFilename("output"); err != nil {
		panic(err)
	}
	cmd.Flags().BoolVar(&cfg.SkipVerify, "skip-verify", false,
		"don't double-check the extent map by reading the device")

	subcommands = append(subcommands, cmd)
}
