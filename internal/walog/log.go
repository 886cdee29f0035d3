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

// Package walog bounds how many distinct blocks a filesystem operation may
// touch and groups writes into that operation. It intentionally does not
// implement crash-safe redo logging: there is no on-disk log region, no
// recovery pass, and a commit is just flushing dirty buffers at the end of
// the outermost op. It exists to give internal/vfile's write-chunking and
// internal/inode's multi-block mutations a BeginOp/EndOp/Write contract to
// call, the same shape a real journal would present.
package walog

import (
	"context"
	"fmt"
	"sync"
)

// Writable is the subset of *bcache.Buf that Log needs: something with a
// block number that can be marked dirty and flushed. Buf satisfies this
// without walog importing bcache, which would create an import cycle
// (bcache callers are expected to pass logs down, not the reverse).
type Writable interface {
	BlockNum() uint32
	MarkDirty()
	Flush(ctx context.Context) error
}

// Log is the collaborator every multi-block filesystem mutation goes
// through: bracket the mutation with BeginOp/EndOp and route every write
// through Write instead of writing the buffer directly.
type Log interface {
	// BeginOp registers the start of a filesystem operation, blocking
	// until admitting it would not push the number of outstanding dirty
	// blocks past the configured bound. It returns an error only if ctx
	// is canceled while waiting.
	BeginOp(ctx context.Context) error

	// EndOp closes out the operation started by the matching BeginOp.
	// When the last concurrently-outstanding operation ends, all blocks
	// written during the group are flushed and waiters blocked in
	// BeginOp are released.
	EndOp()

	// Write records that buf was modified as part the current operation.
	// The buffer is marked dirty immediately; the underlying device
	// write happens at commit (the end of the outermost EndOp).
	Write(ctx context.Context, buf Writable) error
}

// OpBoundedLog is a minimal Log: it tracks which blocks are dirty across
// the currently-running group of operations and refuses to admit a new
// operation that would push the touched-block count past maxOpBlocks,
// the same bound vfile's write-chunking formula is sized against.
type OpBoundedLog struct {
	maxOpBlocks int

	mu          sync.Mutex
	cond        *sync.Cond
	committing  bool
	outstanding int // operations currently between BeginOp and EndOp
	dirty       map[uint32]Writable
}

var _ Log = (*OpBoundedLog)(nil)

// NewOpBoundedLog returns a Log that admits operations only while the
// number of distinct dirty blocks touched by in-flight operations stays at
// or below maxOpBlocks.
func NewOpBoundedLog(maxOpBlocks int) *OpBoundedLog {
	l := &OpBoundedLog{
		maxOpBlocks: maxOpBlocks,
		dirty:       make(map[uint32]Writable),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// BeginOp implements Log.
func (l *OpBoundedLog) BeginOp(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("walog: BeginOp canceled: %w", ctx.Err())
		}
		// Admit once a commit isn't underway and there is room left for
		// at least one more block under the worst case where this op
		// touches every remaining slot.
		if !l.committing && len(l.dirty) < l.maxOpBlocks {
			l.outstanding++
			return nil
		}
		l.waitLocked(ctx)
	}
}

// waitLocked blocks on l.cond until a Broadcast; canceling ctx also
// broadcasts, since sync.Cond has no native cancel support.
func (l *OpBoundedLog) waitLocked(ctx context.Context) {
	stop := context.AfterFunc(ctx, l.cond.Broadcast)
	defer stop()
	l.cond.Wait()
}

// Write implements Log.
func (l *OpBoundedLog) Write(ctx context.Context, buf Writable) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding == 0 {
		panic("walog: Write called outside BeginOp/EndOp")
	}
	if _, ok := l.dirty[buf.BlockNum()]; !ok && len(l.dirty) >= l.maxOpBlocks {
		return fmt.Errorf("walog: operation touches more than %d blocks", l.maxOpBlocks)
	}
	buf.MarkDirty()
	l.dirty[buf.BlockNum()] = buf
	return nil
}

// EndOp implements Log.
func (l *OpBoundedLog) EndOp() {
	l.mu.Lock()
	if l.outstanding == 0 {
		l.mu.Unlock()
		panic("walog: EndOp called without a matching BeginOp")
	}
	l.outstanding--
	if l.outstanding > 0 {
		l.mu.Unlock()
		return
	}

	l.committing = true
	toFlush := l.dirty
	l.dirty = make(map[uint32]Writable)
	l.mu.Unlock()

	for _, buf := range toFlush {
		// A flush failure here has nowhere safe to go: the caller
		// already returned from the operation that produced this
		// write. Since this is not a crash-safe journal there is no
		// recovery path to fall back to, so surface it loudly.
		if err := buf.Flush(context.Background()); err != nil {
			panic(fmt.Sprintf("walog: commit flush of block %d failed: %v", buf.BlockNum(), err))
		}
	}

	l.mu.Lock()
	l.committing = false
	l.mu.Unlock()
	l.cond.Broadcast()
}
