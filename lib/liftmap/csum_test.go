// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liftmap_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/looplift/lib/liftmap"
)

func TestCSumFormat(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		InputSum liftmap.CSum
		InputFmt string
		Output   string
	}
	csum := liftmap.CSum{0xbd, 0x7b, 0x41, 0xf4}
	testcases := map[string]TestCase{
		"s":    {InputSum: csum, InputFmt: "%s", Output: "bd7b41f4"},
		"x":    {InputSum: csum, InputFmt: "%x", Output: "bd7b41f4"},
		"v":    {InputSum: csum, InputFmt: "%v", Output: "bd7b41f4"},
		"q":    {InputSum: csum, InputFmt: "%q", Output: `"bd7b41f4"`},
		"10s":  {InputSum: csum, InputFmt: "|% 10s", Output: "|  bd7b41f4"},
		"#50v": {InputSum: csum, InputFmt: "%#50v", Output: "              liftmap.CSum{0xbd, 0x7b, 0x41, 0xf4}"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			actual := fmt.Sprintf(tc.InputFmt, tc.InputSum)
			assert.Equal(t, tc.Output, actual)
		})
	}
}

func TestSum(t *testing.T) {
	t.Parallel()

	// crc32c("123456789") = 0xe3069283 is the classic check value
	// from RFC 3720 appendix B.4; stored little-endian.
	assert.Equal(t, "839206e3", liftmap.Sum([]byte("123456789")).String())

	var run liftmap.CSum
	run = run.Update([]byte("1234"))
	run = run.Update([]byte("56789"))
	assert.Equal(t, liftmap.Sum([]byte("123456789")), run)

	assert.NotEqual(t, liftmap.Sum([]byte("a")), liftmap.Sum([]byte("b")))
}

func TestCSumText(t *testing.T) {
	t.Parallel()
	csum := liftmap.Sum([]byte("hello"))

	text, err := csum.MarshalText()
	assert.NoError(t, err)

	var back liftmap.CSum
	assert.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, csum, back)

	assert.Error(t, back.UnmarshalText([]byte("too-short")))
	assert.Error(t, back.UnmarshalText([]byte("zz7b41f4")))
}
