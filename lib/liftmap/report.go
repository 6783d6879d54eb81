// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftmap

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/opencontainers/go-digest"
)

// FormatVersion is the version of the mapping-report format that
// this version of the tool reads and writes.
const FormatVersion = 1

var (
	// ErrMalformedReport is returned when a mapping report is
	// well-formed JSON but does not describe a liftable mapping.
	ErrMalformedReport = errors.New("malformed mapping report")

	// ErrUnsupportedVersion is returned when a mapping report was
	// written by an incompatible version of this tool.
	ErrUnsupportedVersion = errors.New("unsupported mapping report version")
)

// An Extent describes one contiguous piece of the nested file.
//
// A mapped extent records where its bytes currently live on the
// device (Physical), and a checksum of those bytes.  A hole extent
// has no backing bytes at all; it reads back as zeros.
type Extent struct {
	Logical LogicalAddr
	Length  AddrDelta

	// Exactly one of the following is set: Hole, or Physical+Sum.
	Hole     bool
	Physical PhysicalAddr
	Sum      CSum
}

var (
	_ lowmemjson.Encodable = Extent{}
	_ lowmemjson.Decodable = (*Extent)(nil)
)

func (e Extent) LogicalEnd() LogicalAddr   { return e.Logical.Add(e.Length) }
func (e Extent) PhysicalEnd() PhysicalAddr { return e.Physical.Add(e.Length) }

func (e Extent) EncodeJSON(w io.Writer) error {
	if e.Hole {
		_, err := fmt.Fprintf(w, `{"Logical":%d,"Length":%d,"Hole":true}`,
			int64(e.Logical), int64(e.Length))
		return err
	}
	_, err := fmt.Fprintf(w, `{"Logical":%d,"Length":%d,"Physical":%d,"Sum":"%s"}`,
		int64(e.Logical), int64(e.Length), int64(e.Physical), e.Sum)
	return err
}

func (e *Extent) DecodeJSON(r io.RuneScanner) error {
	*e = Extent{}
	var name string
	var sawPhysical, sawSum, sawHole bool
	if err := lowmemjson.DecodeObject(r,
		func(r io.RuneScanner) error {
			return lowmemjson.NewDecoder(r).Decode(&name)
		},
		func(r io.RuneScanner) error {
			switch name {
			case "Logical":
				return lowmemjson.NewDecoder(r).Decode(&e.Logical)
			case "Length":
				return lowmemjson.NewDecoder(r).Decode(&e.Length)
			case "Physical":
				sawPhysical = true
				return lowmemjson.NewDecoder(r).Decode(&e.Physical)
			case "Sum":
				sawSum = true
				return lowmemjson.NewDecoder(r).Decode(&e.Sum)
			case "Hole":
				sawHole = true
				return lowmemjson.NewDecoder(r).Decode(&e.Hole)
			default:
				return fmt.Errorf("%w: extent: unknown key %q", ErrMalformedReport, name)
			}
		}); err != nil {
		return err
	}
	switch {
	case sawHole && e.Hole && (sawPhysical || sawSum):
		return fmt.Errorf("%w: extent at logical=%v: a hole cannot also be mapped", ErrMalformedReport, e.Logical)
	case !e.Hole && !(sawPhysical && sawSum):
		return fmt.Errorf("%w: extent at logical=%v: a mapped extent needs both \"Physical\" and \"Sum\"", ErrMalformedReport, e.Logical)
	}
	return nil
}

// A Report records everything that `looplift lift` needs to know in
// order to lift a file that `looplift scan` looked at: the size of
// the file and of the device around it, and where on the device each
// piece of the file lives.
//
// Reports are streamed as JSON; the "Version" key must come first so
// that a reader can bail out before wading through an incompatible
// report body.
type Report struct {
	Version    int
	SumAlgo    string
	Digest     digest.Digest // whole-file digest; empty means "not recorded"
	FileSize   LogicalAddr
	DeviceSize PhysicalAddr
	Extents    []Extent
}

var (
	_ lowmemjson.Encodable = Report{}
	_ lowmemjson.Decodable = (*Report)(nil)
)

func (r Report) EncodeJSON(w io.Writer) error {
	if _, err := fmt.Fprintf(w, `{"Version":%d,"SumAlgo":%q,`, r.Version, r.SumAlgo); err != nil {
		return err
	}
	if r.Digest != "" {
		if _, err := fmt.Fprintf(w, `"Digest":%q,`, string(r.Digest)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, `"FileSize":%d,"DeviceSize":%d,"Extents":[`,
		int64(r.FileSize), int64(r.DeviceSize)); err != nil {
		return err
	}
	for i, ext := range r.Extents {
		if i > 0 {
			if _, err := w.Write([]byte{','}); err != nil {
				return err
			}
		}
		if err := ext.EncodeJSON(w); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("]}")); err != nil {
		return err
	}
	return nil
}

func (r *Report) DecodeJSON(rs io.RuneScanner) error {
	*r = Report{}
	var name string
	sawVersion := false
	return lowmemjson.DecodeObject(rs,
		func(rs io.RuneScanner) error {
			return lowmemjson.NewDecoder(rs).Decode(&name)
		},
		func(rs io.RuneScanner) error {
			if !sawVersion && name != "Version" {
				return fmt.Errorf("%w: key %q came before \"Version\"", ErrMalformedReport, name)
			}
			switch name {
			case "Version":
				if err := lowmemjson.NewDecoder(rs).Decode(&r.Version); err != nil {
					return err
				}
				if r.Version != FormatVersion {
					return fmt.Errorf("%w: version %d (this tool speaks version %d)",
						ErrUnsupportedVersion, r.Version, FormatVersion)
				}
				sawVersion = true
				return nil
			case "SumAlgo":
				if err := lowmemjson.NewDecoder(rs).Decode(&r.SumAlgo); err != nil {
					return err
				}
				if r.SumAlgo != SumAlgo {
					return fmt.Errorf("%w: checksum algorithm %q (this tool speaks %q)",
						ErrUnsupportedVersion, r.SumAlgo, SumAlgo)
				}
				return nil
			case "Digest":
				return lowmemjson.NewDecoder(rs).Decode(&r.Digest)
			case "FileSize":
				return lowmemjson.NewDecoder(rs).Decode(&r.FileSize)
			case "DeviceSize":
				return lowmemjson.NewDecoder(rs).Decode(&r.DeviceSize)
			case "Extents":
				return lowmemjson.DecodeArray(rs, func(rs io.RuneScanner) error {
					var ext Extent
					if err := lowmemjson.NewDecoder(rs).Decode(&ext); err != nil {
						return err
					}
					r.Extents = append(r.Extents, ext)
					return nil
				})
			default:
				return fmt.Errorf("%w: unknown key %q", ErrMalformedReport, name)
			}
		})
}

// Validate checks that the report describes a mapping that can
// actually be lifted:
//
//   - the extents tile [0,FileSize) in order, with no gaps, no
//     overlaps, and no zero-length entries;
//   - every mapped extent's source bytes fit within the device; and
//   - no two mapped extents claim the same source bytes.
func (r *Report) Validate() error {
	if r.Version != FormatVersion {
		return fmt.Errorf("%w: version %d (this tool speaks version %d)",
			ErrUnsupportedVersion, r.Version, FormatVersion)
	}
	if r.SumAlgo != SumAlgo {
		return fmt.Errorf("%w: checksum algorithm %q (this tool speaks %q)",
			ErrUnsupportedVersion, r.SumAlgo, SumAlgo)
	}
	if r.Digest != "" {
		if err := r.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: digest: %v", ErrMalformedReport, err)
		}
	}
	if r.FileSize < 0 {
		return fmt.Errorf("%w: negative file size %v", ErrMalformedReport, int64(r.FileSize))
	}
	if int64(r.DeviceSize) < int64(r.FileSize) {
		return fmt.Errorf("%w: the file (%d bytes) does not fit on the device (%d bytes)",
			ErrMalformedReport, int64(r.FileSize), int64(r.DeviceSize))
	}

	var expect LogicalAddr
	for _, ext := range r.Extents {
		if ext.Length <= 0 {
			return fmt.Errorf("%w: extent at logical=%v has non-positive length %d",
				ErrMalformedReport, ext.Logical, int64(ext.Length))
		}
		if ext.Logical != expect {
			return fmt.Errorf("%w: extent at logical=%v, expected logical=%v (extents must be sorted and gapless)",
				ErrMalformedReport, ext.Logical, expect)
		}
		if !ext.Hole {
			if ext.Physical < 0 || ext.PhysicalEnd() > r.DeviceSize {
				return fmt.Errorf("%w: extent at logical=%v: source [%v,%v) is outside the device",
					ErrMalformedReport, ext.Logical, ext.Physical, ext.PhysicalEnd())
			}
		}
		expect = ext.LogicalEnd()
	}
	if expect != r.FileSize {
		return fmt.Errorf("%w: extents cover [0,%v) but the file is [0,%v)",
			ErrMalformedReport, expect, r.FileSize)
	}

	mapped := make([]Extent, 0, len(r.Extents))
	for _, ext := range r.Extents {
		if !ext.Hole {
			mapped = append(mapped, ext)
		}
	}
	sort.Slice(mapped, func(i, j int) bool {
		return mapped[i].Physical < mapped[j].Physical
	})
	for i := 1; i < len(mapped); i++ {
		if mapped[i].Physical < mapped[i-1].PhysicalEnd() {
			return fmt.Errorf("%w: extents at logical=%v and logical=%v share source bytes at physical=%v",
				ErrMalformedReport, mapped[i-1].Logical, mapped[i].Logical, mapped[i].Physical)
		}
	}

	return nil
}
