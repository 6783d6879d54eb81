// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"bytes"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/looplift/lib/diskio"
)

func FuzzBufferedReader(f *testing.F) {
	f.Fuzz(func(t *testing.T, content []byte) {
		t.Logf("content=%q", content)
		var file diskio.File[int64] = byteReaderWithName{
			Reader: bytes.NewReader(content),
			name:   t.Name(),
		}
		file = diskio.NewBufferedFile[int64](file, 4, 2)
		reader := diskio.NewStatefulFile[int64](file)
		if err := iotest.TestReader(reader, content); err != nil {
			t.Error(err)
		}
	})
}

func TestBufferedWriteThrough(t *testing.T) {
	t.Parallel()
	raw := diskio.NewMemFile[int64](t.Name(), []byte("0123456789abcdef"))
	file := diskio.NewBufferedFile[int64](raw, 4, 2)

	// Populate the cache.
	buf := make([]byte, 8)
	n, err := file.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("23456789"), buf)

	// Write across a block boundary; both the underlying file and
	// subsequent buffered reads must see it.
	n, err = file.WriteAt([]byte("XYZ"), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("012XYZ6789abcdef"), raw.Bytes())

	n, err = file.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("2XYZ6789"), buf)
}

func TestMemFileBounds(t *testing.T) {
	t.Parallel()
	file := diskio.NewMemFile[int64](t.Name(), make([]byte, 8))

	n, err := file.WriteAt([]byte("abcd"), 6)
	assert.Error(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 4)
	n, err = file.ReadAt(buf, 6)
	assert.ErrorContains(t, err, "EOF")
	assert.Equal(t, 2, n)
}
