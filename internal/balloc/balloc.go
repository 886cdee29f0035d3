// Copyright 2024 The corefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package balloc implements the bitmap-backed free block allocator: one bit
// per data block, scanned least-significant-bit first, mutated through the
// block cache and the write-ahead log so allocation and free are part of
// whatever operation the caller has bracketed with Log.BeginOp/EndOp.
package balloc

import (
	"context"
	"fmt"

	"github.com/corefs-project/corefs/internal/bcache"
	"github.com/corefs-project/corefs/internal/metrics"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/walog"
)

// Allocator manages the free-block bitmap of one filesystem instance.
type Allocator struct {
	cache *bcache.Cache
	log   walog.Log
	dev   uint32
	sb    ondisk.Superblock
}

// New returns an Allocator over sb's bitmap region, reading and writing
// blocks on dev through cache and routing mutations through log.
func New(cache *bcache.Cache, log walog.Log, dev uint32, sb ondisk.Superblock) *Allocator {
	return &Allocator{cache: cache, log: log, dev: dev, sb: sb}
}

// Balloc finds the lowest-numbered free data block, marks it used, zeroes
// its contents, and returns its block number. The caller must be inside a
// Log.BeginOp/EndOp bracket. It panics if the bitmap has no free bit,
// mirroring the original's fatal "out of blocks" condition.
func (a *Allocator) Balloc(ctx context.Context) (uint32, error) {
	for b := uint32(0); b < a.sb.Size; b += ondisk.BitsPerBlock {
		bmapBlock, _ := ondisk.BBlockOffset(b, a.sb.BmapStart)
		bp, err := a.cache.Bread(ctx, a.dev, bmapBlock)
		if err != nil {
			return 0, fmt.Errorf("balloc: read bitmap block %d: %w", bmapBlock, err)
		}

		limit := uint32(ondisk.BitsPerBlock)
		if b+limit > a.sb.Size {
			limit = a.sb.Size - b
		}

		found := false
		var allocated uint32
		for bi := uint32(0); bi < limit; bi++ {
			mask := byte(1 << (bi % 8))
			if bp.Data[bi/8]&mask != 0 {
				continue
			}
			bp.Data[bi/8] |= mask
			if err := a.log.Write(ctx, bp); err != nil {
				a.cache.Brelse(bp)
				return 0, fmt.Errorf("balloc: mark block %d used: %w", b+bi, err)
			}
			allocated = b + bi
			found = true
			break
		}
		a.cache.Brelse(bp)

		if found {
			if err := a.zero(ctx, allocated); err != nil {
				return 0, err
			}
			return allocated, nil
		}
	}

	metrics.AllocatorExhausted(ctx)
	panic("balloc: out of blocks")
}

// zero overwrites block b with zeros, logged the same as any other write
// within the current operation.
func (a *Allocator) zero(ctx context.Context, b uint32) error {
	bp, err := a.cache.Bread(ctx, a.dev, b)
	if err != nil {
		return fmt.Errorf("balloc: zero block %d: %w", b, err)
	}
	bp.Data = [ondisk.BlockSize]byte{}
	err = a.log.Write(ctx, bp)
	a.cache.Brelse(bp)
	if err != nil {
		return fmt.Errorf("balloc: zero block %d: %w", b, err)
	}
	return nil
}

// Bfree marks block b free. It panics if the block was already free,
// mirroring the original's "freeing free block" assertion. Freed blocks
// are not zeroed; the next Balloc of that bit does the zeroing.
func (a *Allocator) Bfree(ctx context.Context, b uint32) error {
	bmapBlock, bitIdx := ondisk.BBlockOffset(b, a.sb.BmapStart)
	bp, err := a.cache.Bread(ctx, a.dev, bmapBlock)
	if err != nil {
		return fmt.Errorf("balloc: read bitmap block %d: %w", bmapBlock, err)
	}
	defer a.cache.Brelse(bp)

	mask := byte(1 << (bitIdx % 8))
	if bp.Data[bitIdx/8]&mask == 0 {
		panic(fmt.Sprintf("balloc: freeing already-free block %d", b))
	}
	bp.Data[bitIdx/8] &^= mask
	if err := a.log.Write(ctx, bp); err != nil {
		return fmt.Errorf("balloc: mark block %d free: %w", b, err)
	}
	return nil
}
