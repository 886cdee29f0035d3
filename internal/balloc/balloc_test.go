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

package balloc

import (
	"context"
	"testing"

	"github.com/corefs-project/corefs/internal/bcache"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/walog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFixture wires a small in-memory filesystem: 1 bitmap block covering
// 40 data blocks starting right after it.
func testFixture(t *testing.T, nDataBlocks uint32) (*Allocator, *bcache.Cache, walog.Log, ondisk.Superblock) {
	t.Helper()
	const bmapStart = 1
	const dataStart = bmapStart + 1
	dev := device.NewMemDevice(dataStart + nDataBlocks)
	sb := ondisk.Superblock{
		Size:      dataStart + nDataBlocks,
		BmapStart: bmapStart,
	}

	// Pre-mark the boot/super block and the bitmap block itself used, the
	// way mkfs initializes the bitmap before any balloc call runs.
	bitmap := make([]byte, ondisk.BlockSize)
	for b := uint32(0); b < dataStart; b++ {
		bitmap[b/8] |= 1 << (b % 8)
	}
	require.NoError(t, dev.WriteBlock(context.Background(), bmapStart, bitmap))

	cache := bcache.NewCache(dev, nil)
	log := walog.NewOpBoundedLog(ondisk.MaxOpBlocks)
	return New(cache, log, 0, sb), cache, log, sb
}

func TestBallocFindsLowestFreeBitAndZeroes(t *testing.T) {
	ctx := context.Background()
	a, cache, log, _ := testFixture(t, 40)

	require.NoError(t, log.BeginOp(ctx))
	b, err := a.Balloc(ctx)
	require.NoError(t, err)
	log.EndOp()
	assert.Equal(t, uint32(2), b, "first allocated data block should be right after the bitmap block")

	bp, err := cache.Bread(ctx, 0, b)
	require.NoError(t, err)
	assert.Equal(t, [ondisk.BlockSize]byte{}, bp.Data, "newly allocated block must be zeroed")
	cache.Brelse(bp)
}

func TestBallocThenBfreeAllowsReuse(t *testing.T) {
	ctx := context.Background()
	a, _, log, _ := testFixture(t, 40)

	require.NoError(t, log.BeginOp(ctx))
	b1, err := a.Balloc(ctx)
	require.NoError(t, err)
	log.EndOp()

	require.NoError(t, log.BeginOp(ctx))
	require.NoError(t, a.Bfree(ctx, b1))
	log.EndOp()

	require.NoError(t, log.BeginOp(ctx))
	b2, err := a.Balloc(ctx)
	require.NoError(t, err)
	log.EndOp()
	assert.Equal(t, b1, b2, "freed block should be the next one allocated")
}

func TestBfreeDoubleFreesPanics(t *testing.T) {
	ctx := context.Background()
	a, _, log, _ := testFixture(t, 40)

	require.NoError(t, log.BeginOp(ctx))
	b, err := a.Balloc(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Bfree(ctx, b))
	log.EndOp()

	require.NoError(t, log.BeginOp(ctx))
	assert.Panics(t, func() {
		_ = a.Bfree(ctx, b)
	})
	log.EndOp()
}

func TestBallocExhaustionPanics(t *testing.T) {
	ctx := context.Background()
	a, _, log, sb := testFixture(t, 3)

	require.NoError(t, log.BeginOp(ctx))
	for i := uint32(0); i < sb.Size-sb.BmapStart-1; i++ {
		_, err := a.Balloc(ctx)
		require.NoError(t, err)
	}
	log.EndOp()

	require.NoError(t, log.BeginOp(ctx))
	assert.Panics(t, func() {
		_, _ = a.Balloc(ctx)
	})
	log.EndOp()
}
