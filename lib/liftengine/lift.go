// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/looplift/lib/containers"
	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/slices"
	"git.lukeshu.com/looplift/lib/textui"
)

var (
	// ErrDeviceTooSmall is returned when the device is smaller
	// than the device the report was scanned from, which would put
	// some moves out of bounds.
	ErrDeviceTooSmall = errors.New("device is too small for the mapping report")

	// ErrVerifyFailed is returned when checksumming the device
	// disagrees with the report: before the first write, that
	// means the report is stale; after, that the lift went wrong.
	ErrVerifyFailed = errors.New("checksum verification failed")
)

// A LiftError reports a lift that failed after it had started
// writing: the device now holds a mix of moved and unmoved bytes.
// There is no journal to roll back with; the ways forward are
// restoring a backup, or re-scanning the device's current state from
// the re-mounted host filesystem, where that is still possible.
type LiftError struct {
	Reason         error
	CompletedMoves int
}

func (e *LiftError) Error() string {
	return fmt.Sprintf("lift failed with %d moves completed, leaving the device in an indeterminate state: %v",
		e.CompletedMoves, e.Reason)
}

func (e *LiftError) Unwrap() error { return e.Reason }

// Config adjusts how Lift goes about its work; the zero value is a
// plain single-threaded lift.
type Config struct {
	// FillHoles writes zeros over the file's holes instead of
	// leaving whatever bytes happen to be there.  Filesystems
	// don't read their own unallocated space, so this matters only
	// when something downstream checksums the whole image, or when
	// the stale bytes must not be allowed to leak.
	FillHoles bool

	// SkipVerify skips re-checksumming every relocated range
	// after the shuffle.
	SkipVerify bool

	// DryRun stops after planning; the device is not written.
	DryRun bool

	// Workers is how many goroutines shuffle bytes.  Entangled
	// ranges always stay on one goroutine, so anything above 1
	// only helps when the plan has many independent pieces (and
	// the device profits from queued I/O).  Zero means 1.
	Workers int
}

// A Result summarizes what a lift did, or, for a dry run, what it
// would do.  It is only meaningful when Lift returned nil.
type Result struct {
	Moves        int   // moves executed, counted after splitting
	BytesMoved   int64 // bytes those moves relocated
	BytesInPlace int64 // mapped bytes that were already at their destination

	BytesZeroed int64 // hole bytes zeroed (Config.FillHoles)
	// StaleHoleBytes counts hole bytes left holding whatever the
	// device held there before.  Informational: holes are
	// don't-care bytes to the lifted filesystem.
	StaleHoleBytes int64
}

var (
	copyBufSize = textui.Tunable(64 * 1024)

	// stageSize caps how much data a cycle break stages at once,
	// whether through a device scratch slot or through memory.
	stageSize = textui.Tunable(liftmap.AddrDelta(8 * 1024 * 1024))
)

var bufPool containers.SlicePool[byte]

// Lift rewrites dev in place so that the file described by report
// ends up at device offset 0: after a successful lift, device byte N
// holds file byte N, for every N in [0,FileSize).
//
// Lift writes nothing until the whole report has been checked
// against the device, so an error up to and including that check
// leaves the device untouched.  Later errors are returned as a
// *LiftError, and the device is in an in-between state.
func Lift(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], report *liftmap.Report, cfg Config) (Result, error) {
	var ret Result

	loadCtx := dlog.WithField(ctx, "looplift.lift.step", "load")
	if err := report.Validate(); err != nil {
		return ret, err
	}
	devSize := dev.Size()
	if devSize < report.DeviceSize {
		return ret, fmt.Errorf("%w: the report was scanned from a %d-byte device, but %q is %d bytes",
			ErrDeviceTooSmall, int64(report.DeviceSize), dev.Name(), int64(devSize))
	}
	dlog.Infof(loadCtx, "Lifting %v (%v extents) on %q...",
		textui.IEC(int64(report.FileSize), "B"), len(report.Extents), dev.Name())

	checkCtx := dlog.WithField(ctx, "looplift.lift.step", "check-sums")
	dlog.Infof(checkCtx, "Checking that the device still matches the report...")
	if err := checkSums(checkCtx, dev, report); err != nil {
		return ret, err
	}

	planCtx := dlog.WithField(ctx, "looplift.lift.step", "plan")
	p := makePlan(planCtx, report, devSize)
	ret.Moves = len(p.moves)
	ret.BytesInPlace = p.bytesInPlace
	for _, m := range p.moves {
		ret.BytesMoved += int64(m.Length)
	}
	var holeBytes int64
	for _, ext := range report.Extents {
		if ext.Hole {
			holeBytes += int64(ext.Length)
		}
	}
	if cfg.FillHoles {
		ret.BytesZeroed = holeBytes
	} else {
		ret.StaleHoleBytes = holeBytes
	}
	dlog.Infof(planCtx, "... planned %v moves (%v chains, %v cycles; %v already in place)",
		len(p.moves), p.numChains, p.numCycles, textui.IEC(ret.BytesInPlace, "B"))

	if cfg.DryRun {
		dlog.Infof(planCtx, "Dry run; not writing anything.")
		return ret, nil
	}

	var completed atomic.Int64
	shuffleCtx := dlog.WithField(ctx, "looplift.lift.step", "shuffle")
	if err := shuffle(shuffleCtx, dev, p, cfg, &completed); err != nil {
		return ret, &LiftError{Reason: err, CompletedMoves: int(completed.Load())}
	}

	if cfg.FillHoles {
		zeroCtx := dlog.WithField(ctx, "looplift.lift.step", "zero-holes")
		dlog.Infof(zeroCtx, "Zeroing %v of holes...", textui.IEC(holeBytes, "B"))
		if err := zeroHoles(zeroCtx, dev, report); err != nil {
			return ret, &LiftError{Reason: err, CompletedMoves: int(completed.Load())}
		}
	}

	// Push everything down to the hardware before declaring any
	// kind of success; an error the kernel was sitting on has to
	// surface as a failed lift, not as a corrupt device discovered
	// at first mount.
	if flusher, ok := dev.(interface{ Sync() error }); ok {
		if err := flusher.Sync(); err != nil {
			return ret, &LiftError{Reason: err, CompletedMoves: int(completed.Load())}
		}
	}

	if !cfg.SkipVerify {
		verifyCtx := dlog.WithField(ctx, "looplift.lift.step", "verify")
		dlog.Infof(verifyCtx, "Verifying the result...")
		if err := verify(verifyCtx, dev, report, cfg.FillHoles); err != nil {
			return ret, &LiftError{Reason: err, CompletedMoves: int(completed.Load())}
		}
	}

	dlog.Infof(ctx, "Lifted %q: %v moved, %v already in place.",
		dev.Name(), textui.IEC(ret.BytesMoved, "B"), textui.IEC(ret.BytesInPlace, "B"))
	return ret, nil
}

type sumStats struct {
	verb       string
	portion    textui.Portion[int64]
	numExtents int
}

func (s sumStats) String() string {
	return textui.Sprintf("%s %v (%v extents)", s.verb, s.portion, s.numExtents)
}

// checkSums re-checksums every mapped extent's source bytes, to
// catch a report that no longer describes the device: the host
// filesystem got mounted read-write again after the scan, or this is
// the wrong device entirely.  A lift that starts from a stale report
// shreds the device, so this check is not skippable.
func checkSums(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], report *liftmap.Report) error {
	progressWriter := textui.NewProgress[sumStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	stats := sumStats{verb: "checked"}
	for _, ext := range report.Extents {
		if !ext.Hole {
			stats.portion.D += int64(ext.Length)
		}
	}
	for _, ext := range report.Extents {
		if ext.Hole {
			continue
		}
		progressWriter.Set(stats)
		sum, err := sumDeviceRange(ctx, dev, ext.Physical, ext.Length)
		if err != nil {
			progressWriter.Done()
			return err
		}
		if sum != ext.Sum {
			progressWriter.Done()
			return fmt.Errorf("%w: the bytes at physical=%v sum to %v, but the report says %v; has the device changed since it was scanned?",
				ErrVerifyFailed, ext.Physical, sum, ext.Sum)
		}
		stats.portion.N += int64(ext.Length)
		stats.numExtents++
	}
	progressWriter.Set(stats)
	progressWriter.Done()
	return nil
}

// sumDeviceRange checksums length bytes of the device starting at
// beg.
func sumDeviceRange(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], beg liftmap.PhysicalAddr, length liftmap.AddrDelta) (liftmap.CSum, error) {
	var sum liftmap.CSum
	buf := bufPool.Get(copyBufSize)
	defer bufPool.Put(buf)
	for off := liftmap.AddrDelta(0); off < length; {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		n := int(slices.Min(liftmap.AddrDelta(len(buf)), length-off))
		if _, err := dev.ReadAt(buf[:n], beg.Add(off)); err != nil {
			return sum, fmt.Errorf("read %q: %w", dev.Name(), err)
		}
		sum = sum.Update(buf[:n])
		off += liftmap.AddrDelta(n)
	}
	return sum, nil
}

type shuffleStats struct {
	moves textui.Portion[int64]
	bytes textui.Portion[int64]
}

func (s shuffleStats) String() string {
	return textui.Sprintf("shuffled %v moves, %v bytes", s.moves, s.bytes)
}

// shuffle executes the plan: all the chains, then all the cycles.
// The phases are just for log readability; components never share
// bytes, so any order (and any interleaving across workers) is as
// good as any other.
func shuffle(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], p *plan, cfg Config, completed *atomic.Int64) error {
	var totalBytes int64
	for _, m := range p.moves {
		totalBytes += int64(m.Length)
	}
	dlog.Infof(ctx, "Shuffling %v in %v moves...", textui.IEC(totalBytes, "B"), len(p.moves))

	progressWriter := textui.NewProgress[shuffleStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	var bytesDone atomic.Int64
	setProgress := func() {
		progressWriter.Set(shuffleStats{
			moves: textui.Portion[int64]{N: completed.Load(), D: int64(len(p.moves))},
			bytes: textui.Portion[int64]{N: bytesDone.Load(), D: totalBytes},
		})
	}
	setProgress()
	onMove := func(m Move) {
		completed.Add(1)
		bytesDone.Add(int64(m.Length))
		setProgress()
	}

	runPhase := func(ctx context.Context, cycles bool) error {
		workers := cfg.Workers
		if workers < 1 {
			workers = 1
		}
		compCh := make(chan int)
		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
		grp.Go("feed", func(ctx context.Context) error {
			defer close(compCh)
			for i := range p.components {
				if p.components[i].Cycle != cycles {
					continue
				}
				select {
				case compCh <- i:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		for w := 0; w < workers; w++ {
			grp.Go(fmt.Sprintf("worker-%d", w), func(ctx context.Context) error {
				for i := range compCh {
					if err := ctx.Err(); err != nil {
						return err
					}
					compCtx := dlog.WithField(ctx, "looplift.lift.component", i)
					if err := runComponent(compCtx, dev, p, &p.components[i], onMove); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return grp.Wait()
	}

	if err := runPhase(dlog.WithField(ctx, "looplift.lift.substep", "chains"), false); err != nil {
		progressWriter.Done()
		return err
	}
	if err := runPhase(dlog.WithField(ctx, "looplift.lift.substep", "cycles"), true); err != nil {
		progressWriter.Done()
		return err
	}
	setProgress()
	progressWriter.Done()
	return nil
}

// runComponent executes one chain or cycle.
func runComponent(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], p *plan, comp *component, onMove func(Move)) error {
	if !comp.Cycle {
		for _, idx := range comp.Moves {
			m := p.moves[idx]
			if err := copyRange(ctx, dev, m.Src, m.Dst, m.Length); err != nil {
				return err
			}
			onMove(m)
		}
		return nil
	}
	return runCycle(ctx, dev, p, comp, onMove)
}

// runCycle executes one cycle: stage the first member's source bytes
// out of the way, run the rest of the cycle as a chain, then land
// the staged bytes in the first member's destination.
//
// All the members have the same length, and their ranges pair up
// end-to-end, so cutting every member at the same member-relative
// offsets cuts the cycle into independent sub-cycles; that is what
// bounds the staging cost for cycles bigger than the scratch slot
// (or bigger than stageSize, when staging through memory).
func runCycle(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], p *plan, comp *component, onMove func(Move)) error {
	first := p.moves[comp.Moves[0]]
	length := first.Length

	stride := slices.Min(length, stageSize)
	var memBuf []byte
	if comp.SlotLen > 0 {
		stride = slices.Min(length, comp.SlotLen)
	} else {
		memBuf = bufPool.Get(int(stride))
		defer bufPool.Put(memBuf)
	}

	for off := liftmap.AddrDelta(0); off < length; off += stride {
		n := slices.Min(stride, length-off)
		if memBuf != nil {
			if _, err := dev.ReadAt(memBuf[:n], first.Src.Add(off)); err != nil {
				return fmt.Errorf("read %q: %w", dev.Name(), err)
			}
		} else {
			if err := copyRange(ctx, dev, first.Src.Add(off), comp.Slot, n); err != nil {
				return err
			}
		}
		for _, idx := range comp.Moves[1:] {
			m := p.moves[idx]
			if err := copyRange(ctx, dev, m.Src.Add(off), m.Dst.Add(off), n); err != nil {
				return err
			}
		}
		if memBuf != nil {
			if _, err := dev.WriteAt(memBuf[:n], first.Dst.Add(off)); err != nil {
				return fmt.Errorf("write %q: %w", dev.Name(), err)
			}
		} else {
			if err := copyRange(ctx, dev, comp.Slot, first.Dst.Add(off), n); err != nil {
				return err
			}
		}
	}
	for _, idx := range comp.Moves {
		onMove(p.moves[idx])
	}
	return nil
}

// copyRange copies length bytes within dev from src to dst through a
// small bounce buffer.  The two ranges never overlap: splitting
// leaves a move's source and destination ranges either identical
// (elided long before here) or disjoint.
func copyRange(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], src, dst liftmap.PhysicalAddr, length liftmap.AddrDelta) error {
	buf := bufPool.Get(copyBufSize)
	defer bufPool.Put(buf)
	for off := liftmap.AddrDelta(0); off < length; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int(slices.Min(liftmap.AddrDelta(len(buf)), length-off))
		if _, err := dev.ReadAt(buf[:n], src.Add(off)); err != nil {
			return fmt.Errorf("read %q: %w", dev.Name(), err)
		}
		if _, err := dev.WriteAt(buf[:n], dst.Add(off)); err != nil {
			return fmt.Errorf("write %q: %w", dev.Name(), err)
		}
		off += liftmap.AddrDelta(n)
	}
	return nil
}

// zeroHoles writes zeros over every hole's destination range.  This
// must run after the shuffle: before it, a hole's range may still
// hold source bytes that a move has yet to read.
func zeroHoles(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], report *liftmap.Report) error {
	buf := bufPool.Get(copyBufSize)
	defer bufPool.Put(buf)
	for i := range buf {
		buf[i] = 0
	}
	progressWriter := textui.NewProgress[sumStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	stats := sumStats{verb: "zeroed"}
	for _, ext := range report.Extents {
		if ext.Hole {
			stats.portion.D += int64(ext.Length)
		}
	}
	for _, ext := range report.Extents {
		if !ext.Hole {
			continue
		}
		progressWriter.Set(stats)
		dst := liftmap.PhysicalAddr(ext.Logical)
		for off := liftmap.AddrDelta(0); off < ext.Length; {
			if err := ctx.Err(); err != nil {
				progressWriter.Done()
				return err
			}
			n := int(slices.Min(liftmap.AddrDelta(len(buf)), ext.Length-off))
			if _, err := dev.WriteAt(buf[:n], dst.Add(off)); err != nil {
				progressWriter.Done()
				return fmt.Errorf("write %q: %w", dev.Name(), err)
			}
			off += liftmap.AddrDelta(n)
		}
		stats.portion.N += int64(ext.Length)
		stats.numExtents++
	}
	progressWriter.Set(stats)
	progressWriter.Done()
	return nil
}

// verify re-checksums every mapped extent at its destination, and,
// when the holes were filled, checks the whole-image digest too.
// Mismatches are collected rather than aborting at the first, so the
// operator can see the full extent of the damage; I/O errors abort
// outright.
func verify(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], report *liftmap.Report, filledHoles bool) error {
	var errs derror.MultiError

	extCtx := dlog.WithField(ctx, "looplift.lift.substep", "extents")
	progressWriter := textui.NewProgress[sumStats](extCtx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	stats := sumStats{verb: "verified"}
	for _, ext := range report.Extents {
		if !ext.Hole {
			stats.portion.D += int64(ext.Length)
		}
	}
	for _, ext := range report.Extents {
		if ext.Hole {
			continue
		}
		progressWriter.Set(stats)
		dst := liftmap.PhysicalAddr(ext.Logical)
		sum, err := sumDeviceRange(extCtx, dev, dst, ext.Length)
		if err != nil {
			progressWriter.Done()
			return err
		}
		if sum != ext.Sum {
			errs = append(errs, fmt.Errorf("%w: the bytes now at physical=%v sum to %v, want %v",
				ErrVerifyFailed, dst, sum, ext.Sum))
		}
		stats.portion.N += int64(ext.Length)
		stats.numExtents++
	}
	progressWriter.Set(stats)
	progressWriter.Done()

	// The recorded digest covers the holes as zeros, so it can
	// only be checked when the holes really are zeros.
	if filledHoles && report.Digest != "" {
		digCtx := dlog.WithField(ctx, "looplift.lift.substep", "digest")
		if err := verifyDigest(digCtx, dev, report); err != nil {
			if errors.Is(err, ErrVerifyFailed) {
				errs = append(errs, err)
			} else {
				return err
			}
		}
	}

	if errs != nil {
		return errs
	}
	return nil
}

// verifyDigest reads the lifted image back off of the device and
// checks it against the whole-file digest recorded at scan time.
func verifyDigest(ctx context.Context, dev diskio.File[liftmap.PhysicalAddr], report *liftmap.Report) error {
	verifier := report.Digest.Verifier()
	image := io.LimitReader(diskio.NewStatefulFile(dev), int64(report.FileSize))
	buf := bufPool.Get(copyBufSize)
	defer bufPool.Put(buf)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := image.Read(buf)
		_, _ = verifier.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read %q: %w", dev.Name(), err)
		}
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: the lifted image does not match the digest recorded at scan time (%v)",
			ErrVerifyFailed, report.Digest)
	}
	return nil
}
