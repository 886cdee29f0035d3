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

package walog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuf struct {
	blockNum uint32

	mu       sync.Mutex
	dirty    bool
	flushed  int
	flushErr error
}

func (b *fakeBuf) BlockNum() uint32 { return b.blockNum }

func (b *fakeBuf) MarkDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = true
}

func (b *fakeBuf) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushErr != nil {
		return b.flushErr
	}
	b.flushed++
	b.dirty = false
	return nil
}

func (b *fakeBuf) flushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

func TestOpBoundedLogCommitsOnEndOp(t *testing.T) {
	l := NewOpBoundedLog(4)
	ctx := context.Background()

	require.NoError(t, l.BeginOp(ctx))
	b1 := &fakeBuf{blockNum: 1}
	b2 := &fakeBuf{blockNum: 2}
	require.NoError(t, l.Write(ctx, b1))
	require.NoError(t, l.Write(ctx, b2))
	assert.Equal(t, 0, b1.flushCount())
	l.EndOp()
	assert.Equal(t, 1, b1.flushCount())
	assert.Equal(t, 1, b2.flushCount())
}

func TestOpBoundedLogWriteOutsideOpPanics(t *testing.T) {
	l := NewOpBoundedLog(4)
	assert.Panics(t, func() {
		_ = l.Write(context.Background(), &fakeBuf{blockNum: 1})
	})
}

func TestOpBoundedLogEndOpWithoutBeginPanics(t *testing.T) {
	l := NewOpBoundedLog(4)
	assert.Panics(t, func() { l.EndOp() })
}

func TestOpBoundedLogWriteBeyondBoundErrors(t *testing.T) {
	l := NewOpBoundedLog(2)
	ctx := context.Background()
	require.NoError(t, l.BeginOp(ctx))
	require.NoError(t, l.Write(ctx, &fakeBuf{blockNum: 1}))
	require.NoError(t, l.Write(ctx, &fakeBuf{blockNum: 2}))
	err := l.Write(ctx, &fakeBuf{blockNum: 3})
	assert.Error(t, err)
	l.EndOp()
}

func TestOpBoundedLogBeginOpBlocksUntilRoom(t *testing.T) {
	l := NewOpBoundedLog(1)
	ctx := context.Background()

	require.NoError(t, l.BeginOp(ctx))
	require.NoError(t, l.Write(ctx, &fakeBuf{blockNum: 1}))

	unblocked := make(chan struct{})
	go func() {
		require.NoError(t, l.BeginOp(ctx))
		close(unblocked)
		l.EndOp()
	}()

	select {
	case <-unblocked:
		t.Fatal("second BeginOp returned before first EndOp freed capacity")
	case <-time.After(50 * time.Millisecond):
	}

	l.EndOp()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("second BeginOp never unblocked after EndOp")
	}
}

func TestOpBoundedLogBeginOpRespectsCancellation(t *testing.T) {
	l := NewOpBoundedLog(1)
	ctx := context.Background()
	require.NoError(t, l.BeginOp(ctx))
	require.NoError(t, l.Write(ctx, &fakeBuf{blockNum: 1}))

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.BeginOp(cctx)
	assert.Error(t, err)
}
