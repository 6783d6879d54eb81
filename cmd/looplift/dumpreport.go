// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/textui"
)

func init() {
	var inputFlag string

	cmd := &cobra.Command{
		Use:   "dump-report [flags]",
		Short: "Decode a mapping report and print a human-readable summary of it",
		Long: "" +
			"This is a debugging aid; the summary is for eyeballs, not for " +
			"parsing.  It also serves as an offline validity check: a " +
			"report that dumps cleanly will load cleanly at lift time.\n",
		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			report, err := readReport(ctx, inputFlag)
			if err != nil {
				return err
			}

			hdr := *report
			hdr.Extents = nil
			spew.Fdump(os.Stdout, hdr)

			var stats struct {
				numMapped, numHole, numMoves         int
				mappedBytes, holeBytes, inPlaceBytes int64
			}
			for _, ext := range report.Extents {
				if ext.Hole {
					stats.numHole++
					stats.holeBytes += int64(ext.Length)
					continue
				}
				stats.numMapped++
				stats.mappedBytes += int64(ext.Length)
				if liftmap.LogicalAddr(ext.Physical) == ext.Logical {
					stats.inPlaceBytes += int64(ext.Length)
				} else {
					stats.numMoves++
				}
			}
			textui.Fprintf(os.Stdout, "extents: %d mapped (%v), %d holes (%v)\n",
				stats.numMapped, textui.IEC(stats.mappedBytes, "B"),
				stats.numHole, textui.IEC(stats.holeBytes, "B"))
			textui.Fprintf(os.Stdout, "lifting would relocate %d extents (%v already in place)\n",
				stats.numMoves, textui.IEC(stats.inPlaceBytes, "B"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputFlag, "input", "i", "-",
		"read the report from `PATH` instead of stdin; gzip is detected either way")
	if err := cmd.MarkFlagFilename("input"); err != nil {
		panic(err)
	}

	subcommands = append(subcommands, cmd)
}
