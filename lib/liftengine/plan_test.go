// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftengine

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/looplift/lib/diskio"
	"git.lukeshu.com/looplift/lib/liftmap"
)

func TestMovesFromReport(t *testing.T) {
	t.Parallel()
	report := &liftmap.Report{
		Version:    liftmap.FormatVersion,
		SumAlgo:    liftmap.SumAlgo,
		FileSize:   96,
		DeviceSize: 256,
		Extents: []liftmap.Extent{
			{Logical: 0, Length: 32, Physical: 0},    // already in place
			{Logical: 32, Length: 32, Hole: true},    // no data to move
			{Logical: 64, Length: 32, Physical: 128}, // displaced
		},
	}
	moves, bytesInPlace := movesFromReport(report)
	assert.Equal(t, []Move{{Src: 128, Dst: 64, Length: 32}}, moves)
	assert.Equal(t, int64(32), bytesInPlace)
}

func TestSplitMoves(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input []Move
		Want  []Move
	}
	testcases := map[string]TestCase{
		"disjoint": {
			Input: []Move{
				{Src: 0, Dst: 100, Length: 10},
				{Src: 50, Dst: 200, Length: 10},
			},
			Want: []Move{
				{Src: 0, Dst: 100, Length: 10},
				{Src: 50, Dst: 200, Length: 10},
			},
		},
		"exact-swap": {
			Input: []Move{
				{Src: 0, Dst: 10, Length: 10},
				{Src: 10, Dst: 0, Length: 10},
			},
			Want: []Move{
				{Src: 0, Dst: 10, Length: 10},
				{Src: 10, Dst: 0, Length: 10},
			},
		},
		"shift-forward": {
			Input: []Move{
				{Src: 0, Dst: 50, Length: 100},
			},
			Want: []Move{
				{Src: 0, Dst: 50, Length: 50},
				{Src: 50, Dst: 100, Length: 50},
			},
		},
		"shift-backward": {
			Input: []Move{
				{Src: 50, Dst: 0, Length: 100},
			},
			Want: []Move{
				{Src: 50, Dst: 0, Length: 50},
				{Src: 100, Dst: 50, Length: 50},
			},
		},
		"shift-stride": {
			Input: []Move{
				{Src: 0, Dst: 30, Length: 90},
			},
			Want: []Move{
				{Src: 0, Dst: 30, Length: 30},
				{Src: 30, Dst: 60, Length: 30},
				{Src: 60, Dst: 90, Length: 30},
			},
		},
		"partial-pair": {
			// The first move writes over the middle of the second
			// move's source range; both have to get cut so that
			// the overlap is a whole piece on both sides.
			Input: []Move{
				{Src: 128, Dst: 0, Length: 64},
				{Src: 16, Dst: 64, Length: 32},
			},
			Want: []Move{
				{Src: 128, Dst: 0, Length: 16},
				{Src: 144, Dst: 16, Length: 32},
				{Src: 176, Dst: 48, Length: 16},
				{Src: 16, Dst: 64, Length: 32},
			},
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			got := splitMoves(ctx, tc.Input)
			assert.Equal(t, tc.Want, got)
		})
	}
}

func TestBuildComponents(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input []Move
		Want  []component
	}
	testcases := map[string]TestCase{
		"single": {
			Input: []Move{
				{Src: 20, Dst: 10, Length: 10},
			},
			Want: []component{
				{Moves: []int{0}},
			},
		},
		"chain-scrambled": {
			// The chain's execution order must come out
			// head-first no matter how the arena is ordered.
			Input: []Move{
				{Src: 30, Dst: 20, Length: 10},
				{Src: 40, Dst: 30, Length: 10},
				{Src: 20, Dst: 10, Length: 10},
			},
			Want: []component{
				{Moves: []int{2, 0, 1}},
			},
		},
		"swap": {
			Input: []Move{
				{Src: 0, Dst: 10, Length: 10},
				{Src: 10, Dst: 0, Length: 10},
			},
			Want: []component{
				{Moves: []int{1, 0}, Cycle: true},
			},
		},
		"rotate-three": {
			Input: []Move{
				{Src: 0, Dst: 10, Length: 10},
				{Src: 10, Dst: 20, Length: 10},
				{Src: 20, Dst: 0, Length: 10},
			},
			Want: []component{
				{Moves: []int{2, 1, 0}, Cycle: true},
			},
		},
		"mixed": {
			Input: []Move{
				{Src: 100, Dst: 90, Length: 10},
				{Src: 0, Dst: 10, Length: 10},
				{Src: 10, Dst: 0, Length: 10},
			},
			Want: []component{
				{Moves: []int{0}},
				{Moves: []int{2, 1}, Cycle: true},
			},
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			got := buildComponents(tc.Input)
			assert.Equal(t, tc.Want, got)
		})
	}
}

func TestAssignScratch(t *testing.T) {
	t.Parallel()
	report := &liftmap.Report{
		FileSize:   100,
		DeviceSize: 200,
	}
	p := &plan{
		moves: []Move{
			{Src: 120, Dst: 0, Length: 15},
			{Src: 160, Dst: 20, Length: 10},
			{Src: 40, Dst: 60, Length: 50},
		},
		components: []component{
			{Moves: []int{0}, Cycle: true},
			{Moves: []int{1}, Cycle: true},
			{Moves: []int{2}, Cycle: true},
			{Moves: []int{2}},
		},
	}
	assignScratch(p, report, report.DeviceSize)

	// Scratch is [100,200) minus the sources at [120,135) and
	// [160,170), leaving gaps of 20, 25, and 30 bytes.
	assert.Equal(t, liftmap.PhysicalAddr(100), p.components[0].Slot)
	assert.Equal(t, liftmap.AddrDelta(15), p.components[0].SlotLen)
	assert.Equal(t, liftmap.PhysicalAddr(135), p.components[1].Slot)
	assert.Equal(t, liftmap.AddrDelta(10), p.components[1].SlotLen)
	// Too big for any gap; stages through memory.
	assert.Equal(t, liftmap.AddrDelta(0), p.components[2].SlotLen)
	// Chains don't stage at all.
	assert.Equal(t, liftmap.AddrDelta(0), p.components[3].SlotLen)
}

func TestAssignScratchNone(t *testing.T) {
	t.Parallel()
	report := &liftmap.Report{
		FileSize:   100,
		DeviceSize: 100,
	}
	p := &plan{
		moves: []Move{
			{Src: 50, Dst: 0, Length: 50},
		},
		components: []component{
			{Moves: []int{0}, Cycle: true},
		},
	}
	assignScratch(p, report, report.DeviceSize)
	assert.Equal(t, liftmap.AddrDelta(0), p.components[0].SlotLen)
}

func TestAssignScratchGrownDevice(t *testing.T) {
	t.Parallel()
	// The device has grown since the scan; the new tail is
	// scratch, even though the report doesn't know about it.
	report := &liftmap.Report{
		FileSize:   100,
		DeviceSize: 100,
	}
	p := &plan{
		moves: []Move{
			{Src: 50, Dst: 0, Length: 50},
		},
		components: []component{
			{Moves: []int{0}, Cycle: true},
		},
	}
	assignScratch(p, report, 160)
	assert.Equal(t, liftmap.PhysicalAddr(100), p.components[0].Slot)
	assert.Equal(t, liftmap.AddrDelta(50), p.components[0].SlotLen)
}

func TestLiftStagedStrides(t *testing.T) {
	// Shrinks the staging cap so that a cycle member has to be
	// staged in several strides; must not run in parallel.
	origStageSize := stageSize
	stageSize = 16
	defer func() { stageSize = origStageSize }()

	for tcName, devLen := range map[string]int{
		"device-slot": 200, // slot in [100,200), 16 bytes at a time
		"memory":      100, // no tail at all; 16-byte memory buffer
	} {
		devLen := devLen
		t.Run(tcName, func(t *testing.T) {
			ctx := dlog.NewTestContext(t, false)
			devDat := make([]byte, devLen)
			for i := range devDat {
				devDat[i] = byte(i*37 + 5)
			}
			report := &liftmap.Report{
				Version:    liftmap.FormatVersion,
				SumAlgo:    liftmap.SumAlgo,
				FileSize:   100,
				DeviceSize: liftmap.PhysicalAddr(devLen),
				Extents: []liftmap.Extent{
					{Logical: 0, Length: 50, Physical: 50, Sum: liftmap.Sum(devDat[50:100])},
					{Logical: 50, Length: 50, Physical: 0, Sum: liftmap.Sum(devDat[0:50])},
				},
			}
			require.NoError(t, report.Validate())
			want := make([]byte, 100)
			copy(want[0:], devDat[50:100])
			copy(want[50:], devDat[0:50])

			dev := diskio.NewMemFile[liftmap.PhysicalAddr](t.Name(), devDat)
			res, err := Lift(ctx, dev, report, Config{})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Moves)
			assert.Equal(t, want, dev.Bytes()[:100])
		})
	}
}

func TestMakePlan(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	report := &liftmap.Report{
		Version:    liftmap.FormatVersion,
		SumAlgo:    liftmap.SumAlgo,
		FileSize:   128,
		DeviceSize: 256,
		Extents: []liftmap.Extent{
			{Logical: 0, Length: 64, Physical: 64},
			{Logical: 64, Length: 64, Physical: 0},
		},
	}
	p := makePlan(ctx, report, report.DeviceSize)
	assert.Len(t, p.moves, 2)
	assert.Equal(t, 0, p.numChains)
	assert.Equal(t, 1, p.numCycles)
	assert.Equal(t, int64(0), p.bytesInPlace)
	// The whole tail [128,256) is free, so the cycle stages on the
	// device.
	assert.Equal(t, liftmap.PhysicalAddr(128), p.components[0].Slot)
	assert.Equal(t, liftmap.AddrDelta(64), p.components[0].SlotLen)
}
