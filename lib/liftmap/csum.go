// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftmap

import (
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"git.lukeshu.com/looplift/lib/fmtutil"
)

// SumAlgo identifies the per-extent checksum algorithm used in a
// mapping report.  It is the only algorithm this version of the tool
// knows how to write or check.
const SumAlgo = "crc32c"

// CSum is a crc32c (Castagnoli) checksum of an extent's content,
// stored little-endian.
type CSum [4]byte

var (
	_ fmt.Stringer             = CSum{}
	_ fmt.Formatter            = CSum{}
	_ encoding.TextMarshaler   = CSum{}
	_ encoding.TextUnmarshaler = (*CSum)(nil)
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the checksum of the given data.
func Sum(data []byte) CSum {
	var ret CSum
	binary.LittleEndian.PutUint32(ret[:], crc32.Checksum(data, castagnoli))
	return ret
}

// Update continues building a running checksum; start from a zero
// CSum, then feed it each chunk of data in order.
func (csum CSum) Update(data []byte) CSum {
	var ret CSum
	binary.LittleEndian.PutUint32(ret[:], crc32.Update(binary.LittleEndian.Uint32(csum[:]), castagnoli, data))
	return ret
}

func (csum CSum) String() string {
	return hex.EncodeToString(csum[:])
}

func (csum CSum) MarshalText() ([]byte, error) {
	var ret [len(csum) * 2]byte
	hex.Encode(ret[:], csum[:])
	return ret[:], nil
}

func (csum *CSum) UnmarshalText(text []byte) error {
	*csum = CSum{}
	if len(text) != len(csum)*2 {
		return fmt.Errorf("wrong checksum length: %d, expected %d", len(text), len(csum)*2)
	}
	_, err := hex.Decode(csum[:], text)
	return err
}

func (csum CSum) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(csum, csum[:], f, verb)
}
