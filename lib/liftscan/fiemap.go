// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftscan

import (
	"context"
	"fmt"
	"os"

	fibmap "github.com/rancher/go-fibmap"

	"git.lukeshu.com/looplift/lib/fmtutil"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/textui"
)

// A RawExtent is one entry of a file's extent map, as reported by the
// kernel; addresses and lengths are in bytes, and the length may
// stick out past the end of the file due to block rounding.
type RawExtent struct {
	Logical  liftmap.LogicalAddr
	Physical liftmap.PhysicalAddr
	Length   liftmap.AddrDelta
	Flags    uint32
}

// extentFlagNames are indexed by bit position, per
// <linux/fiemap.h>:FIEMAP_EXTENT_*.
var extentFlagNames = []string{
	0:  "LAST",
	1:  "UNKNOWN",
	2:  "DELALLOC",
	3:  "ENCODED",
	4:  "(1<<4)",
	5:  "(1<<5)",
	6:  "(1<<6)",
	7:  "DATA_ENCRYPTED",
	8:  "NOT_ALIGNED",
	9:  "DATA_INLINE",
	10: "DATA_TAIL",
	11: "UNWRITTEN",
	12: "MERGED",
	13: "SHARED",
}

func (e RawExtent) FlagsString() string {
	return fmtutil.BitfieldString(e.Flags, extentFlagNames, fmtutil.HexLower)
}

// An ExtentQuerier is the part of a filesystem that a scan needs:
// something that can report where each piece of a file physically
// lives.
type ExtentQuerier interface {
	QueryExtents(ctx context.Context) ([]RawExtent, error)
}

// extentBatchSize is how many extents to ask the FIEMAP ioctl for at
// a time.
var extentBatchSize = textui.Tunable[uint32](8000)

type fiemapQuerier struct {
	fh *os.File
}

var _ ExtentQuerier = fiemapQuerier{}

// NewFiemapQuerier returns an ExtentQuerier that asks the kernel
// about the given file via the FIEMAP ioctl.
func NewFiemapQuerier(fh *os.File) ExtentQuerier {
	return fiemapQuerier{fh: fh}
}

// QueryExtents implements ExtentQuerier.
func (q fiemapQuerier) QueryExtents(ctx context.Context) ([]RawExtent, error) {
	// Flush dirty pages first, so that delayed allocation has
	// settled and the extents we hand back have their final
	// physical addresses.
	if err := q.fh.Sync(); err != nil {
		return nil, err
	}

	var ret []RawExtent
	var start uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extents, errno := fibmap.Fiemap(q.fh.Fd(), start, fibmap.FIEMAP_MAX_OFFSET, extentBatchSize)
		if errno != 0 {
			return nil, fmt.Errorf("FIEMAP %q: %w", q.fh.Name(), errno)
		}
		if len(extents) == 0 {
			break
		}
		for _, ext := range extents {
			ret = append(ret, RawExtent{
				Logical:  liftmap.LogicalAddr(ext.Logical),
				Physical: liftmap.PhysicalAddr(ext.Physical),
				Length:   liftmap.AddrDelta(ext.Length),
				Flags:    ext.Flags,
			})
		}
		last := ret[len(ret)-1]
		next := uint64(int64(last.Logical) + int64(last.Length))
		if next <= start {
			return nil, fmt.Errorf("FIEMAP %q: extent walk is not advancing (last extent logical=%v length=%d)",
				q.fh.Name(), last.Logical, int64(last.Length))
		}
		start = next
		if last.Flags&fibmap.FIEMAP_EXTENT_LAST != 0 {
			break
		}
	}
	return ret, nil
}
