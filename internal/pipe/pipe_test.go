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

package pipe

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeWriteThenReadPreservesOrder(t *testing.T) {
	ctx := context.Background()
	p := New()

	n, err := p.PipeWrite(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = p.PipeRead(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	ctx := context.Background()
	p := New()

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		buf := make([]byte, 3)
		n, err := p.PipeRead(ctx, buf)
		require.NoError(t, err)
		got = buf[:n]
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.PipeWrite(ctx, []byte("abc"))
	require.NoError(t, err)

	wg.Wait()
	assert.Equal(t, "abc", string(got))
}

func TestPipeWriteBlocksWhenFullThenDrains(t *testing.T) {
	ctx := context.Background()
	p := New()

	filler := bytes.Repeat([]byte{1}, ondisk.PipeSize)
	_, err := p.PipeWrite(ctx, filler)
	require.NoError(t, err)

	writeDone := make(chan struct{})
	go func() {
		_, err := p.PipeWrite(ctx, []byte{9, 9})
		assert.NoError(t, err)
		close(writeDone)
	}()

	select {
	case <-writeDone:
		t.Fatal("write into a full pipe returned before any reader drained it")
	case <-time.After(30 * time.Millisecond):
	}

	buf := make([]byte, 2)
	_, err = p.PipeRead(ctx, buf)
	require.NoError(t, err)

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after a read freed space")
	}
}

func TestPipeReadReturnsZeroAtEOFAfterWriterCloses(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.PipeClose(true) // close write end with nothing written

	buf := make([]byte, 4)
	n, err := p.PipeRead(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPipeWriteAfterReaderClosesErrors(t *testing.T) {
	ctx := context.Background()
	p := New()
	// The read end is only checked while the ring is full, so fill it first.
	_, err := p.PipeWrite(ctx, bytes.Repeat([]byte{1}, ondisk.PipeSize))
	require.NoError(t, err)
	p.PipeClose(false) // close read end

	_, err = p.PipeWrite(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeReadRespectsCancellation(t *testing.T) {
	p := New()
	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	buf := make([]byte, 1)
	_, err := p.PipeRead(cctx, buf)
	assert.Error(t, err)
}
