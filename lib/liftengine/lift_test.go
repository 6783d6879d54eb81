// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftengine_test

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftengine"
	"git.lukeshu.com/looplift/lib/liftmap"
)

// mkDevice builds a device full of position-dependent junk, so that
// any byte that ends up at the wrong offset changes the comparison.
func mkDevice(size int) []byte {
	dat := make([]byte, size)
	for i := range dat {
		dat[i] = byte(i*31 + i/251 + 7)
	}
	return dat
}

// mkReport fills in the Sums (and everything else a valid report
// needs) for a hand-written extent list describing the given device.
func mkReport(t *testing.T, devDat []byte, fileSize liftmap.LogicalAddr, extents []liftmap.Extent) *liftmap.Report {
	t.Helper()
	for i, ext := range extents {
		if !ext.Hole {
			extents[i].Sum = liftmap.Sum(devDat[ext.Physical:ext.PhysicalEnd()])
		}
	}
	report := &liftmap.Report{
		Version:    liftmap.FormatVersion,
		SumAlgo:    liftmap.SumAlgo,
		FileSize:   fileSize,
		DeviceSize: liftmap.PhysicalAddr(len(devDat)),
		Extents:    extents,
	}
	require.NoError(t, report.Validate())
	return report
}

// wantImage is the file image that lifting should leave at the front
// of the device: each mapped extent's source bytes at its logical
// offset, and zeros in the holes.
func wantImage(devDat []byte, report *liftmap.Report) []byte {
	want := make([]byte, report.FileSize)
	for _, ext := range report.Extents {
		if !ext.Hole {
			copy(want[ext.Logical:], devDat[ext.Physical:ext.PhysicalEnd()])
		}
	}
	return want
}

func TestLift(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		DevSize  int
		FileSize liftmap.LogicalAddr
		Extents  []liftmap.Extent
		Cfg      liftengine.Config

		WantMoves        int
		WantBytesMoved   int64
		WantBytesInPlace int64
	}
	testcases := map[string]TestCase{
		"chain": {
			// [300,400) -> [200,300) -> [100,200); executable
			// head-first with no staging.
			DevSize:  512,
			FileSize: 300,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Hole: true},
				{Logical: 100, Length: 100, Physical: 200},
				{Logical: 200, Length: 100, Physical: 300},
			},
			WantMoves:      2,
			WantBytesMoved: 200,
		},
		"swap": {
			// A 2-cycle; stages through the scratch tail.
			DevSize:  512,
			FileSize: 200,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Physical: 100},
				{Logical: 100, Length: 100, Physical: 0},
			},
			WantMoves:      2,
			WantBytesMoved: 200,
		},
		"rotate-three": {
			DevSize:  512,
			FileSize: 300,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Physical: 100},
				{Logical: 100, Length: 100, Physical: 200},
				{Logical: 200, Length: 100, Physical: 0},
			},
			WantMoves:      3,
			WantBytesMoved: 300,
		},
		"shift-backward": {
			// One extent sliding toward 0 over its own tail.
			DevSize:  512,
			FileSize: 300,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 300, Physical: 100},
			},
			WantMoves:      3,
			WantBytesMoved: 300,
		},
		"shift-forward": {
			// Sliding away from 0; the displaced pieces chase
			// each other around a single cycle.
			DevSize:  512,
			FileSize: 300,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Physical: 200},
				{Logical: 100, Length: 200, Physical: 0},
			},
			WantMoves:      3,
			WantBytesMoved: 300,
		},
		"partial-overlap": {
			// The first move's destination cuts into the
			// middle of the second move's source.
			DevSize:  512,
			FileSize: 96,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 64, Physical: 128},
				{Logical: 64, Length: 32, Physical: 16},
			},
			WantMoves:      4,
			WantBytesMoved: 96,
		},
		"no-scratch": {
			// FileSize == DeviceSize, so a cycle has nowhere
			// on the device to stage; it stages through memory.
			DevSize:  200,
			FileSize: 200,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Physical: 100},
				{Logical: 100, Length: 100, Physical: 0},
			},
			WantMoves:      2,
			WantBytesMoved: 200,
		},
		"already-in-place": {
			// A no-op move must be elided, not executed.
			DevSize:  512,
			FileSize: 200,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 200, Physical: 0},
			},
			WantBytesInPlace: 200,
		},
		"workers": {
			// Independent components on several goroutines.
			DevSize:  1024,
			FileSize: 600,
			Extents: []liftmap.Extent{
				{Logical: 0, Length: 100, Physical: 100},
				{Logical: 100, Length: 100, Physical: 0},
				{Logical: 200, Length: 100, Physical: 300},
				{Logical: 300, Length: 100, Physical: 200},
				{Logical: 400, Length: 100, Hole: true},
				{Logical: 500, Length: 100, Physical: 700},
			},
			Cfg:            liftengine.Config{Workers: 4},
			WantMoves:      5,
			WantBytesMoved: 500,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)

			origDat := mkDevice(tc.DevSize)
			report := mkReport(t, origDat, tc.FileSize, tc.Extents)
			want := wantImage(origDat, report)

			devDat := make([]byte, len(origDat))
			copy(devDat, origDat)
			dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", devDat)

			result, err := liftengine.Lift(ctx, dev, report, tc.Cfg)
			require.NoError(t, err)

			// Byte-exact, not sampled: every mapped extent's
			// destination must hold its source's original
			// bytes.
			for _, ext := range report.Extents {
				if ext.Hole {
					continue
				}
				assert.Equal(t,
					want[ext.Logical:ext.LogicalEnd()],
					devDat[ext.Logical:ext.LogicalEnd()],
					"extent at logical=%v", ext.Logical)
			}

			assert.Equal(t, tc.WantMoves, result.Moves)
			assert.Equal(t, tc.WantBytesMoved, result.BytesMoved)
			assert.Equal(t, tc.WantBytesInPlace, result.BytesInPlace)
		})
	}
}

func TestLiftFillHoles(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	origDat := mkDevice(512)
	report := mkReport(t, origDat, 300, []liftmap.Extent{
		{Logical: 0, Length: 100, Physical: 300},
		{Logical: 100, Length: 100, Hole: true},
		{Logical: 200, Length: 100, Physical: 100},
	})
	want := wantImage(origDat, report)
	report.Digest = digest.FromBytes(want)

	devDat := make([]byte, len(origDat))
	copy(devDat, origDat)
	dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", devDat)

	result, err := liftengine.Lift(ctx, dev, report, liftengine.Config{FillHoles: true})
	require.NoError(t, err)

	// With the holes zeroed, the whole front of the device is the
	// file image, holes included.
	assert.Equal(t, want, devDat[:300])
	assert.Equal(t, int64(100), result.BytesZeroed)
	assert.Equal(t, int64(0), result.StaleHoleBytes)
}

func TestLiftStaleHoles(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	origDat := mkDevice(512)
	report := mkReport(t, origDat, 200, []liftmap.Extent{
		{Logical: 0, Length: 100, Physical: 300},
		{Logical: 100, Length: 100, Hole: true},
	})

	devDat := make([]byte, len(origDat))
	copy(devDat, origDat)
	dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", devDat)

	result, err := liftengine.Lift(ctx, dev, report, liftengine.Config{})
	require.NoError(t, err)

	// Nothing read from the hole's range, nothing written to it.
	assert.Equal(t, origDat[100:200], devDat[100:200])
	assert.Equal(t, int64(100), result.StaleHoleBytes)
	assert.Equal(t, int64(0), result.BytesZeroed)
}

func TestLiftDryRun(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	origDat := mkDevice(512)
	report := mkReport(t, origDat, 200, []liftmap.Extent{
		{Logical: 0, Length: 100, Physical: 100},
		{Logical: 100, Length: 100, Physical: 0},
	})

	devDat := make([]byte, len(origDat))
	copy(devDat, origDat)
	dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", devDat)

	result, err := liftengine.Lift(ctx, dev, report, liftengine.Config{DryRun: true})
	require.NoError(t, err)

	// The plan is reported, but not a byte moved.
	assert.Equal(t, 2, result.Moves)
	assert.Equal(t, int64(200), result.BytesMoved)
	assert.Equal(t, origDat, devDat)
}

func TestLiftStaleReport(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	origDat := mkDevice(512)
	report := mkReport(t, origDat, 200, []liftmap.Extent{
		{Logical: 0, Length: 100, Physical: 100},
		{Logical: 100, Length: 100, Physical: 300},
	})

	// The device changed after the scan; the up-front checksum
	// pass must catch that before any write happens.
	devDat := make([]byte, len(origDat))
	copy(devDat, origDat)
	devDat[350] ^= 0xff
	dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", devDat)

	origPlusFlip := make([]byte, len(devDat))
	copy(origPlusFlip, devDat)

	_, err := liftengine.Lift(ctx, dev, report, liftengine.Config{})
	assert.ErrorIs(t, err, liftengine.ErrVerifyFailed)
	assert.Equal(t, origPlusFlip, devDat)
}

func TestLiftDeviceTooSmall(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	origDat := mkDevice(512)
	report := mkReport(t, origDat, 200, []liftmap.Extent{
		{Logical: 0, Length: 200, Physical: 100},
	})

	dev := diskio.NewMemFile[liftmap.PhysicalAddr]("dev", origDat[:400])
	_, err := liftengine.Lift(ctx, dev, report, liftengine.Config{})
	assert.ErrorIs(t, err, liftengine.ErrDeviceTooSmall)
}
