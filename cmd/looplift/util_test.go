// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/looplift/lib/liftmap"
)

func mkTestReport() *liftmap.Report {
	dat := []byte("0123456789abcdef")
	return &liftmap.Report{
		Version:    liftmap.FormatVersion,
		SumAlgo:    liftmap.SumAlgo,
		Digest:     digest.FromBytes(dat),
		FileSize:   16,
		DeviceSize: 32,
		Extents: []liftmap.Extent{
			{Logical: 0, Length: 8, Physical: 16, Sum: liftmap.Sum(dat[:8])},
			{Logical: 8, Length: 8, Hole: true},
		},
	}
}

func TestReportDestStdoutPipe(t *testing.T) {
	// Swaps os.Stdout; must not run in parallel.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	dst, err := openReportDest("-")
	require.NoError(t, err)
	_, err = io.WriteString(dst, "hello\n")
	require.NoError(t, err)
	// Closing must not try to fsync the pipe (that fails with
	// EINVAL), and must not close it either; `scan | gzip` treats
	// an error here as fatal.
	assert.NoError(t, dst.Close())

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestReportFileRoundTrip(t *testing.T) {
	t.Parallel()
	for _, filename := range []string{"report.json", "report.json.gz"} {
		filename := filename
		t.Run(filename, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			want := mkTestReport()
			path := filepath.Join(t.TempDir(), filename)

			dst, err := openReportDest(path)
			require.NoError(t, err)
			require.NoError(t, writeReport(dst, want))
			require.NoError(t, dst.Close())

			got, err := readReport(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}
