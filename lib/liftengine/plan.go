// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/looplift/lib/containers"
	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/slices"
)

// A component is a maximal set of Moves whose byte ranges are
// entangled with each other, listed in execution order.  Components
// never share bytes with one another, so distinct components can
// execute in any order, or concurrently.
type component struct {
	// Moves lists arena indices in execution order: each move's
	// source range is exactly the destination range of the move
	// after it, so executing front to back never overwrites bytes
	// that a later move still needs to read.  All the moves in a
	// component have the same length.
	Moves []int

	// Cycle means the first move's source range is also the last
	// move's destination range, so the first move's source bytes
	// have to be staged somewhere safe before the rest may run.
	Cycle bool

	// For a cycle: the device scratch slot to stage through;
	// SlotLen == 0 means no slot could be found, stage through
	// memory instead.
	Slot    liftmap.PhysicalAddr
	SlotLen liftmap.AddrDelta
}

type plan struct {
	moves        []Move
	components   []component
	bytesInPlace int64
	numChains    int
	numCycles    int
}

// makePlan turns a validated report into an executable move plan:
// derive the moves, split them until every inter-move overlap is
// byte-exact, group them into chains and cycles, and carve scratch
// slots for the cycles.  devSize is the device's current size, which
// may exceed the size recorded in the report.
func makePlan(ctx context.Context, report *liftmap.Report, devSize liftmap.PhysicalAddr) *plan {
	p := new(plan)
	p.moves, p.bytesInPlace = movesFromReport(report)
	p.moves = splitMoves(ctx, p.moves)
	p.components = buildComponents(p.moves)
	for i := range p.components {
		if p.components[i].Cycle {
			p.numCycles++
		} else {
			p.numChains++
		}
	}
	assignScratch(p, report, devSize)
	return p
}

// A srcInterval indexes one move's source range for overlap queries.
// The tree wants inclusive endpoints; the ranges here are half-open,
// hence the -1.
type srcInterval struct {
	Idx      int
	Beg, End liftmap.PhysicalAddr
}

func (iv srcInterval) SpanMin() containers.NativeOrdered[liftmap.PhysicalAddr] {
	return containers.NativeOrdered[liftmap.PhysicalAddr]{Val: iv.Beg}
}

func (iv srcInterval) SpanMax() containers.NativeOrdered[liftmap.PhysicalAddr] {
	return containers.NativeOrdered[liftmap.PhysicalAddr]{Val: iv.End - 1}
}

// rangeFn matches the half-open byte range [beg,end) for interval
// tree searches.
func rangeFn(beg, end liftmap.PhysicalAddr) func(containers.NativeOrdered[liftmap.PhysicalAddr]) int {
	return func(k containers.NativeOrdered[liftmap.PhysicalAddr]) int {
		switch {
		case k.Val < beg:
			return 1
		case k.Val >= end:
			return -1
		default:
			return 0
		}
	}
}

// splitMoves splits moves until every overlap between one move's
// source range and another's destination range covers both ranges
// exactly.  That leaves each move with at most one predecessor (the
// move whose source range is its destination range) and at most one
// successor (the move whose destination range is its source range),
// so the dependency graph falls apart into simple chains and simple
// cycles.
//
// A move that overlaps itself (a plain shift) gets chopped into
// shift-sized pieces by the same rule; that's just memmove spelled
// as a graph.  Each pass cuts every move that still has an inexact
// overlap, and every cut strictly grows the move count, so the loop
// settles.
func splitMoves(ctx context.Context, moves []Move) []Move {
	for pass := 0; ; pass++ {
		passCtx := dlog.WithField(ctx, "looplift.lift.plan.pass", pass)

		tree := new(containers.IntervalTree[containers.NativeOrdered[liftmap.PhysicalAddr], srcInterval])
		for i, m := range moves {
			tree.Insert(srcInterval{Idx: i, Beg: m.Src, End: m.SrcEnd()})
		}

		cuts := make(map[int][]liftmap.PhysicalAddr)
		addCut := func(idx int, p liftmap.PhysicalAddr) {
			if p > moves[idx].Src && p < moves[idx].SrcEnd() {
				cuts[idx] = append(cuts[idx], p)
			}
		}
		for yIdx, y := range moves {
			for _, x := range tree.SearchAll(rangeFn(y.Dst, y.DstEnd())) {
				oBeg := slices.Max(x.Beg, y.Dst)
				oEnd := slices.Min(x.End, y.DstEnd())
				// Cut the reader at the overlap's edges (already
				// source coordinates), ...
				addCut(x.Idx, oBeg)
				addCut(x.Idx, oEnd)
				// ... and cut the writer (project the edges from
				// its destination range back to its source range).
				addCut(yIdx, oBeg.Add(-y.Delta()))
				addCut(yIdx, oEnd.Add(-y.Delta()))
			}
		}
		if len(cuts) == 0 {
			dlog.Debugf(passCtx, "settled on %v moves", len(moves))
			return moves
		}
		dlog.Debugf(passCtx, "cutting %v of %v moves", len(cuts), len(moves))

		next := make([]Move, 0, len(moves)+2*len(cuts))
		for i, m := range moves {
			cs := cuts[i]
			if len(cs) == 0 {
				next = append(next, m)
				continue
			}
			slices.Sort(cs)
			beg := m.Src
			for _, c := range cs {
				if c == beg {
					continue
				}
				next = append(next, Move{Src: beg, Dst: m.Dst.Add(beg.Sub(m.Src)), Length: c.Sub(beg)})
				beg = c
			}
			next = append(next, Move{Src: beg, Dst: m.Dst.Add(beg.Sub(m.Src)), Length: m.SrcEnd().Sub(beg)})
		}
		moves = next
	}
}

// buildComponents groups fully split moves into chains and cycles.
// Thanks to splitMoves, a move's predecessor and successor can be
// looked up by range start alone, so walking out a component needs
// no real graph machinery.
func buildComponents(moves []Move) []component {
	bySrc := make(map[liftmap.PhysicalAddr]int, len(moves))
	byDst := make(map[liftmap.PhysicalAddr]int, len(moves))
	for i, m := range moves {
		bySrc[m.Src] = i
		byDst[m.Dst] = i
	}

	var ret []component
	visited := make(containers.Set[int], len(moves))
	for i := range moves {
		if visited.Has(i) {
			continue
		}
		// Walk backward to the head of i's component: the move
		// that nothing else needs to run before.  Getting back to
		// i means there is no head; it's a cycle, and any rotation
		// of it will do.
		head, cycle := i, false
		for {
			prev, ok := bySrc[moves[head].Dst]
			if !ok {
				break
			}
			if prev == i {
				cycle = true
				break
			}
			head = prev
		}
		comp := component{Cycle: cycle}
		for at := head; ; {
			if moves[at].Length != moves[head].Length {
				panic(fmt.Errorf("should not happen: entangled moves %v and %v have different lengths",
					moves[head], moves[at]))
			}
			comp.Moves = append(comp.Moves, at)
			visited.Insert(at)
			next, ok := byDst[moves[at].Src]
			if !ok || next == head {
				break
			}
			at = next
		}
		ret = append(ret, comp)
	}
	return ret
}

// assignScratch carves staging slots for the cycles out of the tail
// of the device past the file's end, [FileSize,devSize).  A device
// that has grown since the scan contributes the extra tail as
// scratch.  A slot must not overlap any move's source range (those
// bytes are live until their move runs), and two cycles never share
// a slot (they may run concurrently).  Cycles that don't get a slot
// stage through memory instead.
func assignScratch(p *plan, report *liftmap.Report, devSize liftmap.PhysicalAddr) {
	type gap struct {
		beg, end liftmap.PhysicalAddr
	}

	// Move destinations all land below FileSize, so only sources
	// can poke into the scratch tail.
	srcs := make([]Move, len(p.moves))
	copy(srcs, p.moves)
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].Src < srcs[j].Src })
	var gaps []gap
	pos := liftmap.PhysicalAddr(report.FileSize)
	for _, m := range srcs {
		if m.SrcEnd() <= pos {
			continue
		}
		if m.Src > pos {
			gaps = append(gaps, gap{beg: pos, end: m.Src})
		}
		pos = m.SrcEnd()
	}
	if pos < devSize {
		gaps = append(gaps, gap{beg: pos, end: devSize})
	}

	for i := range p.components {
		comp := &p.components[i]
		if !comp.Cycle {
			continue
		}
		want := slices.Min(p.moves[comp.Moves[0]].Length, stageSize)
		for j := range gaps {
			if gaps[j].end.Sub(gaps[j].beg) >= want {
				comp.Slot = gaps[j].beg
				comp.SlotLen = want
				gaps[j].beg = gaps[j].beg.Add(want)
				break
			}
		}
	}
}
