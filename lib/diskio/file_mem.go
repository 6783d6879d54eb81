// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"io"
)

// MemFile is an in-memory File with fixed-size block-device
// semantics; reads and writes past the end fail rather than growing
// the file.
type MemFile[A ~int64] struct {
	name string
	dat  []byte
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string, dat []byte) *MemFile[A] {
	return &MemFile[A]{
		name: name,
		dat:  dat,
	}
}

func (f *MemFile[A]) Name() string { return f.name }
func (f *MemFile[A]) Size() A      { return A(len(f.dat)) }
func (*MemFile[A]) Close() error   { return nil }

// Bytes returns the backing slice; mutating it mutates the file.
func (f *MemFile[A]) Bytes() []byte { return f.dat }

func (f *MemFile[A]) ReadAt(dat []byte, off A) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %q at %v: negative offset", f.name, off)
	}
	if int64(off) >= int64(len(f.dat)) {
		return 0, io.EOF
	}
	n := copy(dat, f.dat[off:])
	if n < len(dat) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(dat []byte, off A) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write %q at %v: negative offset", f.name, off)
	}
	if int64(off) > int64(len(f.dat)) {
		return 0, fmt.Errorf("write %q at %v: offset past end of %v-byte file", f.name, off, len(f.dat))
	}
	n := copy(f.dat[off:], dat)
	if n < len(dat) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
