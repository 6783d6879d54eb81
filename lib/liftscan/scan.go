// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package liftscan builds mapping reports: given a file and the
// device that the file's filesystem lives on, it works out which
// device bytes hold which file bytes, and proves it by reading both.
package liftscan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/opencontainers/go-digest"
	fibmap "github.com/rancher/go-fibmap"

	"git.lukeshu.com/looplift/lib/containers"
	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/slices"
	"git.lukeshu.com/looplift/lib/textui"
)

var (
	// ErrUnsupportedLayout is returned when a file's extent map
	// contains anything that a mapping report can't express:
	// compressed or encrypted extents, inline extents, extents
	// shared with another file, or flags this tool doesn't know.
	ErrUnsupportedLayout = errors.New("unsupported file layout")

	// ErrContentMismatch is returned when reading the file and
	// reading the device disagree about the file's content; that
	// is, when the extent map can't be trusted.
	ErrContentMismatch = errors.New("content mismatch between file and device")
)

var verifyBufSize = textui.Tunable(64 * 1024)

var bufPool containers.SlicePool[byte]

// Config adjusts how Scan goes about its work; the zero value is the
// full, paranoid scan.
type Config struct {
	// SkipVerify skips double-checking the extent map: reading the
	// device to compare it against the file, and checking that the
	// file's holes really do read as zeros.  The file itself is
	// still read in full, because the report's checksums come from
	// that read.
	SkipVerify bool
}

type scanStats struct {
	portion            textui.Portion[liftmap.LogicalAddr]
	numMapped, numHole int
}

func (s scanStats) String() string {
	return textui.Sprintf("verified %v (%v mapped extents, %v holes)",
		s.portion, s.numMapped, s.numHole)
}

// Scan builds the mapping report for one file: ask the kernel where
// each piece of the file lives on the device, double-check that the
// device really does contain the file's bytes at those addresses,
// and checksum everything along the way.
//
// Scan does not modify the file or the device.
func Scan(
	ctx context.Context,
	file diskio.File[liftmap.LogicalAddr], querier ExtentQuerier,
	dev diskio.File[liftmap.PhysicalAddr],
	cfg Config,
) (*liftmap.Report, error) {
	fileSize := file.Size()
	devSize := dev.Size()
	if int64(fileSize) > int64(devSize) {
		return nil, fmt.Errorf("the file (%d bytes) does not fit on the device (%d bytes)",
			int64(fileSize), int64(devSize))
	}

	queryCtx := dlog.WithField(ctx, "looplift.scan.step", "query-extents")
	dlog.Infof(queryCtx, "Reading the extent map of %q...", file.Name())
	raw, err := querier.QueryExtents(queryCtx)
	if err != nil {
		return nil, err
	}
	dlog.Infof(queryCtx, "... the kernel reported %v extents", len(raw))
	extents, err := normalize(queryCtx, raw, fileSize)
	if err != nil {
		return nil, err
	}

	verifyCtx := dlog.WithField(ctx, "looplift.scan.step", "verify")
	if cfg.SkipVerify {
		dlog.Infof(verifyCtx, "Checksumming %v extents...", len(extents))
	} else {
		dlog.Infof(verifyCtx, "Verifying %v extents against %q...", len(extents), dev.Name())
	}
	digester := digest.Canonical.Digester()
	progressWriter := textui.NewProgress[scanStats](verifyCtx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	var stats scanStats
	stats.portion.D = fileSize
	for i := range extents {
		if err := ctx.Err(); err != nil {
			progressWriter.Done()
			return nil, err
		}
		stats.portion.N = extents[i].Logical
		progressWriter.Set(stats)
		if extents[i].Hole {
			if !cfg.SkipVerify {
				if err := verifyHole(ctx, file, extents[i]); err != nil {
					progressWriter.Done()
					return nil, err
				}
			}
			digestZeros(digester.Hash(), extents[i].Length)
			stats.numHole++
			continue
		}
		extCtx := dlog.WithField(verifyCtx, "looplift.scan.extent", i)
		sum, err := verifyExtent(extCtx, file, dev, extents[i], cfg, digester.Hash())
		if err != nil {
			progressWriter.Done()
			return nil, err
		}
		extents[i].Sum = sum
		stats.numMapped++
	}
	stats.portion.N = fileSize
	progressWriter.Set(stats)
	progressWriter.Done()

	report := &liftmap.Report{
		Version:    liftmap.FormatVersion,
		SumAlgo:    liftmap.SumAlgo,
		Digest:     digester.Digest(),
		FileSize:   fileSize,
		DeviceSize: devSize,
		Extents:    extents,
	}
	if err := report.Validate(); err != nil {
		return nil, fmt.Errorf("%w: the kernel handed back an extent map that cannot be lifted: %v",
			ErrUnsupportedLayout, err)
	}
	return report, nil
}

// normalize turns the kernel's extent list into the gapless,
// EOF-clamped form that mapping reports use: gaps and unwritten
// extents become holes, anything exotic is rejected, and lengths get
// trimmed to the end of the file.
func normalize(ctx context.Context, raw []RawExtent, fileSize liftmap.LogicalAddr) ([]liftmap.Extent, error) {
	// Flags that are fine on a mapped extent, and flags that turn
	// an extent into a hole.  Everything else is a reason to
	// refuse to lift the file.
	const (
		okFlags   = fibmap.FIEMAP_EXTENT_LAST | fibmap.FIEMAP_EXTENT_MERGED
		holeFlags = fibmap.FIEMAP_EXTENT_UNWRITTEN
	)

	ret := make([]liftmap.Extent, 0, len(raw)+1)
	var pos liftmap.LogicalAddr
	for _, ext := range raw {
		dlog.Tracef(ctx, "extent logical=%v physical=%v length=%d flags=%v",
			ext.Logical, ext.Physical, int64(ext.Length), ext.FlagsString())
		if ext.Flags&^uint32(okFlags|holeFlags) != 0 {
			return nil, fmt.Errorf("%w: extent at logical=%v has flags %v",
				ErrUnsupportedLayout, ext.Logical, ext.FlagsString())
		}
		if ext.Length <= 0 || ext.Logical < pos {
			return nil, fmt.Errorf("%w: extent at logical=%v goes backwards or is empty",
				ErrUnsupportedLayout, ext.Logical)
		}
		if ext.Logical >= fileSize {
			// Block-rounding junk past EOF.
			break
		}
		if ext.Logical > pos {
			ret = append(ret, liftmap.Extent{
				Logical: pos,
				Length:  ext.Logical.Sub(pos),
				Hole:    true,
			})
		}
		length := slices.Min(ext.Length, fileSize.Sub(ext.Logical))
		if ext.Flags&fibmap.FIEMAP_EXTENT_UNWRITTEN != 0 {
			ret = append(ret, liftmap.Extent{
				Logical: ext.Logical,
				Length:  length,
				Hole:    true,
			})
		} else {
			ret = append(ret, liftmap.Extent{
				Logical:  ext.Logical,
				Length:   length,
				Physical: ext.Physical,
			})
		}
		pos = ext.Logical.Add(length)
	}
	if pos < fileSize {
		ret = append(ret, liftmap.Extent{
			Logical: pos,
			Length:  fileSize.Sub(pos),
			Hole:    true,
		})
	}
	return ret, nil
}

// verifyExtent checks that the device really does contain the file's
// bytes at the addresses the extent claims, and returns the checksum
// of those bytes.  Every verified byte is also fed to h, which is
// building a digest of the whole file.
func verifyExtent(
	ctx context.Context,
	file diskio.File[liftmap.LogicalAddr],
	dev diskio.File[liftmap.PhysicalAddr],
	ext liftmap.Extent,
	cfg Config,
	h hash.Hash,
) (liftmap.CSum, error) {
	var sum liftmap.CSum
	fileBuf := bufPool.Get(verifyBufSize)
	devBuf := bufPool.Get(verifyBufSize)
	defer func() {
		bufPool.Put(fileBuf)
		bufPool.Put(devBuf)
	}()
	for off := liftmap.AddrDelta(0); off < ext.Length; {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		n := int(slices.Min(liftmap.AddrDelta(len(fileBuf)), ext.Length-off))
		if _, err := file.ReadAt(fileBuf[:n], ext.Logical.Add(off)); err != nil {
			return sum, fmt.Errorf("read %q: %w", file.Name(), err)
		}
		if !cfg.SkipVerify {
			if _, err := dev.ReadAt(devBuf[:n], ext.Physical.Add(off)); err != nil {
				return sum, fmt.Errorf("read %q: %w", dev.Name(), err)
			}
			if !bytes.Equal(fileBuf[:n], devBuf[:n]) {
				i := 0
				for fileBuf[i] == devBuf[i] {
					i++
				}
				return sum, fmt.Errorf("%w: the byte at logical=%v is %#02x in the file but %#02x at physical=%v on the device",
					ErrContentMismatch,
					ext.Logical.Add(off+liftmap.AddrDelta(i)), fileBuf[i],
					devBuf[i], ext.Physical.Add(off+liftmap.AddrDelta(i)))
			}
		}
		sum = sum.Update(fileBuf[:n])
		_, _ = h.Write(fileBuf[:n])
		off += liftmap.AddrDelta(n)
	}
	return sum, nil
}

// verifyHole checks that a hole really does read back as zeros from
// the file.  A hole that doesn't means the extent map and the file
// content disagree, and the report would silently drop data.
func verifyHole(
	ctx context.Context,
	file diskio.File[liftmap.LogicalAddr],
	ext liftmap.Extent,
) error {
	buf := bufPool.Get(verifyBufSize)
	defer bufPool.Put(buf)
	for off := liftmap.AddrDelta(0); off < ext.Length; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int(slices.Min(liftmap.AddrDelta(len(buf)), ext.Length-off))
		if _, err := file.ReadAt(buf[:n], ext.Logical.Add(off)); err != nil {
			return fmt.Errorf("read %q: %w", file.Name(), err)
		}
		for i, b := range buf[:n] {
			if b != 0 {
				return fmt.Errorf("%w: the byte at logical=%v is %#02x in the file, but the extent map says it is a hole",
					ErrContentMismatch, ext.Logical.Add(off+liftmap.AddrDelta(i)), b)
			}
		}
		off += liftmap.AddrDelta(n)
	}
	return nil
}

// digestZeros feeds n zero bytes to h, for extents that have no
// backing bytes to read.
func digestZeros(h hash.Hash, n liftmap.AddrDelta) {
	buf := bufPool.Get(verifyBufSize)
	defer bufPool.Put(buf)
	for i := range buf {
		buf[i] = 0
	}
	for n > 0 {
		c := int(slices.Min(liftmap.AddrDelta(len(buf)), n))
		_, _ = h.Write(buf[:c])
		n -= liftmap.AddrDelta(c)
	}
}
