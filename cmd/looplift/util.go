// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"strings"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/looplift/lib/liftmap"
	"git.lukeshu.com/looplift/lib/streamio"
)

// A reportDest is where `looplift scan` sends its report: stdout, a
// file, or a gzipped file, depending on the -o flag.  Close flushes
// everything down to the underlying file descriptor, so that a report
// is never silently truncated.
type reportDest struct {
	buf   *bufio.Writer
	gzip  *gzip.Writer
	close func() error
}

func (d *reportDest) Write(p []byte) (int, error) { return d.buf.Write(p) }

func (d *reportDest) Close() error {
	if err := d.buf.Flush(); err != nil {
		_ = d.close()
		return err
	}
	if d.gzip != nil {
		if err := d.gzip.Close(); err != nil {
			_ = d.close()
			return err
		}
	}
	return d.close()
}

// openReportDest opens the report output named by the -o flag; ""
// and "-" mean stdout, and a ".gz" suffix turns on transparent gzip
// compression (the report is JSON full of decimal integers; it
// compresses very well).
func openReportDest(path string) (*reportDest, error) {
	var fh *os.File
	closeFh := false
	switch path {
	case "", "-":
		fh = os.Stdout
	default:
		var err error
		fh, err = os.Create(path)
		if err != nil {
			return nil, err
		}
		closeFh = true
	}

	ret := &reportDest{
		close: func() error {
			if closeFh {
				return fh.Close()
			}
			// Don't close stdout, but do make sure it made
			// it out of the kernel's buffers.  fsync on a
			// pipe or a tty fails with EINVAL, and stdout
			// is usually a pipe here; only a real file
			// needs (or supports) the sync.
			if fi, err := fh.Stat(); err == nil && fi.Mode().IsRegular() {
				return fh.Sync()
			}
			return nil
		},
	}
	if strings.HasSuffix(path, ".gz") {
		ret.gzip = gzip.NewWriter(fh)
		ret.buf = bufio.NewWriter(ret.gzip)
	} else {
		ret.buf = bufio.NewWriter(fh)
	}
	return ret, nil
}

func writeReport(w io.Writer, report *liftmap.Report) error {
	if err := lowmemjson.NewEncoder(w).Encode(report); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

var gzipMagic = []byte{0x1f, 0x8b}

type readCloser struct {
	io.Reader
	closer func() error
}

func (rc readCloser) Close() error { return rc.closer() }

// readReport reads and validates a mapping report from the input
// named by the -i flag; "" and "-" mean stdin.  Gzipped input is
// detected by its magic bytes, however it got here, so both
// `looplift lift -i report.gz` and `zcat report.gz | looplift lift`
// work.
func readReport(ctx context.Context, path string) (*liftmap.Report, error) {
	var fh *os.File
	closeFh := false
	name := path
	switch path {
	case "", "-":
		fh = os.Stdin
		name = "/dev/stdin"
	default:
		var err error
		fh, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		closeFh = true
	}
	closer := func() error {
		if closeFh {
			return fh.Close()
		}
		return nil
	}

	size := int64(-1)
	if fi, err := fh.Stat(); err == nil && fi.Mode().IsRegular() {
		size = fi.Size()
	}

	ctx = dlog.WithField(ctx, "looplift.read-report", name)
	br := bufio.NewReader(fh)
	var rs streamio.RuneScanner
	if magic, err := br.Peek(2); err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			_ = closer()
			return nil, err
		}
		// The size of the decompressed stream isn't knowable
		// up-front; go without progress reporting.
		rs = streamio.NewSizedRuneScanner(ctx, readCloser{Reader: zr, closer: closer}, -1)
	} else {
		rs = streamio.NewSizedRuneScanner(ctx, readCloser{Reader: br, closer: closer}, size)
	}
	defer func() {
		_ = rs.Close()
	}()

	var report liftmap.Report
	if err := lowmemjson.NewDecoder(rs).DecodeThenEOF(&report); err != nil {
		return nil, err
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	return &report, nil
}
