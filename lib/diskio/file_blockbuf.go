// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"git.lukeshu.com/looplift/lib/containers"
	"git.lukeshu.com/looplift/lib/slices"
)

type bufferedBlock struct {
	Dat []byte
	Err error
}

type bufferedFile[A ~int64] struct {
	inner      File[A]
	blockSize  A
	blockCache *containers.LRUCache[A, bufferedBlock]
}

var _ File[assertAddr] = (*bufferedFile[assertAddr])(nil)

// NewBufferedFile wraps a File with a read cache of cacheSize blocks
// of blockSize bytes each.  Writes go straight through to the
// underlying File, invalidating any cached copies of the blocks they
// touch.
func NewBufferedFile[A ~int64](file File[A], blockSize A, cacheSize int) *bufferedFile[A] {
	return &bufferedFile[A]{
		inner:      file,
		blockSize:  blockSize,
		blockCache: containers.NewLRUCache[A, bufferedBlock](cacheSize),
	}
}

func (bf *bufferedFile[A]) Name() string { return bf.inner.Name() }
func (bf *bufferedFile[A]) Size() A      { return bf.inner.Size() }
func (bf *bufferedFile[A]) Close() error { return bf.inner.Close() }

func (bf *bufferedFile[A]) ReadAt(dat []byte, off A) (n int, err error) {
	done := 0
	for done < len(dat) {
		n, err := bf.maybeShortReadAt(dat[done:], off+A(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (bf *bufferedFile[A]) maybeShortReadAt(dat []byte, off A) (n int, err error) {
	offsetWithinBlock := off % bf.blockSize
	blockOffset := off - offsetWithinBlock

	block := bf.blockCache.GetOrElse(blockOffset, func() bufferedBlock {
		return bf.loadBlock(blockOffset)
	})

	n = copy(dat, block.Dat[slices.Min(offsetWithinBlock, A(len(block.Dat))):])
	if n < len(dat) {
		return n, block.Err
	}
	return n, nil
}

func (bf *bufferedFile[A]) loadBlock(blockOffset A) bufferedBlock {
	var block bufferedBlock
	block.Dat = make([]byte, bf.blockSize)
	n, err := bf.inner.ReadAt(block.Dat, blockOffset)
	block.Dat = block.Dat[:n]
	block.Err = err
	return block
}

func (bf *bufferedFile[A]) WriteAt(dat []byte, off A) (n int, err error) {
	n, err = bf.inner.WriteAt(dat, off)

	if n > 0 {
		begBlock := off - (off % bf.blockSize)
		lastBlock := (off + A(n) - 1) - ((off + A(n) - 1) % bf.blockSize)
		for blockOffset := begBlock; blockOffset <= lastBlock; blockOffset += bf.blockSize {
			bf.blockCache.Remove(blockOffset)
		}
	}

	return n, err
}
