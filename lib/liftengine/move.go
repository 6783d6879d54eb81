// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package liftengine executes mapping reports: given a device and a
// report describing where a nested file's bytes currently live on
// it, it shuffles the device's bytes in place until every file byte
// sits at the device offset equal to its file offset.
package liftengine

import (
	"fmt"

	"git.lukeshu.com/looplift/lib/liftmap"
)

// A Move relocates Length bytes of device space from Src to Dst.
// Dst is a PhysicalAddr even though it is derived from a
// LogicalAddr: after a lift, file offset N lives at device offset N.
type Move struct {
	Src    liftmap.PhysicalAddr
	Dst    liftmap.PhysicalAddr
	Length liftmap.AddrDelta
}

func (m Move) SrcEnd() liftmap.PhysicalAddr { return m.Src.Add(m.Length) }
func (m Move) DstEnd() liftmap.PhysicalAddr { return m.Dst.Add(m.Length) }

// Delta is how far the move shifts its bytes.
func (m Move) Delta() liftmap.AddrDelta { return m.Dst.Sub(m.Src) }

func (m Move) String() string {
	return fmt.Sprintf("[%v,%v)=>[%v,%v)", m.Src, m.SrcEnd(), m.Dst, m.DstEnd())
}

// movesFromReport derives one Move per mapped extent that is not
// already where it belongs.  Hole extents need no data movement, and
// neither do extents whose physical address already equals their
// logical address.
func movesFromReport(report *liftmap.Report) (moves []Move, bytesInPlace int64) {
	for _, ext := range report.Extents {
		if ext.Hole {
			continue
		}
		m := Move{
			Src:    ext.Physical,
			Dst:    liftmap.PhysicalAddr(ext.Logical),
			Length: ext.Length,
		}
		if m.Delta() == 0 {
			bytesInPlace += int64(m.Length)
			continue
		}
		moves = append(moves, m)
	}
	return moves, bytesInPlace
}
