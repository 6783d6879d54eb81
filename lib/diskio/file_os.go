// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"io"
	"os"
)

type OSFile[A ~int64] struct {
	*os.File
}

var _ File[assertAddr] = (*OSFile[assertAddr])(nil)

func (f *OSFile[A]) Size() A {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	if fi.Mode().IsRegular() {
		return A(fi.Size())
	}
	// Block devices report a .Stat() size of 0; seek to the end
	// to size them.  All other I/O on an OSFile is ReadAt/WriteAt,
	// which don't care about the file position, so don't bother
	// restoring it.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	return A(end)
}

func (f *OSFile[A]) ReadAt(dat []byte, paddr A) (int, error) {
	return f.File.ReadAt(dat, int64(paddr))
}

func (f *OSFile[A]) WriteAt(dat []byte, paddr A) (int, error) {
	return f.File.WriteAt(dat, int64(paddr))
}
