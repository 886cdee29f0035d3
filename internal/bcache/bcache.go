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

// Package bcache is the block cache: a fixed pool of in-memory buffers
// backing the blocks of an internal/device.Device, kept coherent with one
// index lock protecting the cache's bookkeeping and a per-buffer lock
// guarding the buffer's own content during I/O.
//
// Lock ordering: Cache.mu (the index lock) is never held across a call into
// Device.ReadBlock/WriteBlock. A caller acquires a Buf's own lock (via
// Bread) only after releasing Cache.mu.
package bcache

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/metrics"
	"github.com/corefs-project/corefs/internal/ondisk"
)

// Buf is one cached block. Callers obtain a Buf through Cache.Bread,
// mutate Data, and release it through Cache.Brelse.
type Buf struct {
	mu sync.Mutex // sleep-lock: may be held across Device I/O

	cache *Cache // owning Cache, for Flush's deferred-commit write path

	valid bool
	dirty bool
	dev   uint32
	block uint32
	refs  int // GUARDED_BY(Cache.mu)

	// prev/next form the cache's intrusive MRU/LRU doubly-linked list.
	// GUARDED_BY(Cache.mu)
	prev, next *Buf

	Data [ondisk.BlockSize]byte
}

// BlockNum returns the block number this buffer is caching. Satisfies
// walog.Writable.
func (b *Buf) BlockNum() uint32 {
	return b.block
}

// MarkDirty flags the buffer as needing to be written back. Satisfies
// walog.Writable. It does not take b's lock: the caller already holds b
// (from Bread) while recording the modification.
func (b *Buf) MarkDirty() {
	b.dirty = true
}

// Cache is the fixed-size pool of buffers over one Device.
type Cache struct {
	dev device.Device
	log *log.Logger

	mu   sync.Mutex // index lock: protects the buf list and bookkeeping fields
	head *Buf        // head.next is MRU, head.prev is LRU (sentinel, never returned)
	bufs []*Buf
}

// NewCache builds a Cache of ondisk.NBuf buffers over dev.
func NewCache(dev device.Device, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(log.Writer(), "bcache: ", log.LstdFlags)
	}
	c := &Cache{dev: dev, log: logger}
	c.head = &Buf{}
	c.head.next = c.head
	c.head.prev = c.head

	c.bufs = make([]*Buf, ondisk.NBuf)
	for i := range c.bufs {
		b := &Buf{cache: c}
		c.bufs[i] = b
		c.insertAfterHeadLocked(b)
	}
	return c
}

func (c *Cache) insertAfterHeadLocked(b *Buf) {
	b.next = c.head.next
	b.prev = c.head
	c.head.next.prev = b
	c.head.next = b
}

func (c *Cache) unlinkLocked(b *Buf) {
	b.prev.next = b.next
	b.next.prev = b.prev
}

// bget returns a locked buffer for (dev, blockNum), either an existing
// cache entry with its reference count bumped, or a recycled unused
// buffer. It panics if every buffer is pinned, mirroring the fatal "no
// buffers available" condition of a fixed-size cache.
func (c *Cache) bget(devNum, blockNum uint32) *Buf {
	c.mu.Lock()

	for b := c.head.next; b != c.head; b = b.next {
		if b.dev == devNum && b.block == blockNum {
			b.refs++
			c.mu.Unlock()
			metrics.BcacheHit(context.Background())
			b.mu.Lock()
			return b
		}
	}

	// Not cached: recycle the least-recently-used unpinned, clean buffer.
	// Scan from the LRU end (head.prev) so the buffer evicted is the one
	// least likely to be touched again soon. A dirty buffer is skipped
	// even at refs == 0: the log still intends to write it back.
	for b := c.head.prev; b != c.head; b = b.prev {
		if b.refs == 0 && !b.dirty {
			b.dev = devNum
			b.block = blockNum
			b.valid = false
			b.dirty = false
			b.refs = 1
			c.mu.Unlock()
			metrics.BcacheMiss(context.Background())
			b.mu.Lock()
			return b
		}
	}

	metrics.BcacheExhausted(context.Background())
	c.mu.Unlock()
	panic("bcache: no buffers available")
}

// Bread returns a locked buffer holding the contents of block blockNum on
// devNum, reading through to the device on a cache miss.
func (c *Cache) Bread(ctx context.Context, devNum, blockNum uint32) (*Buf, error) {
	b := c.bget(devNum, blockNum)
	if !b.valid {
		if err := c.dev.ReadBlock(ctx, blockNum, b.Data[:]); err != nil {
			c.Brelse(b)
			return nil, fmt.Errorf("bcache: read block %d: %w", blockNum, err)
		}
		b.valid = true
	}
	return b, nil
}

// Bwrite writes a locked buffer's contents to disk immediately. Callers
// that are inside a logged operation should prefer routing through
// internal/walog.Log.Write instead, which defers the device write to
// commit; Bwrite is for unlogged, immediate writes (e.g. mkfs).
func (c *Cache) Bwrite(ctx context.Context, b *Buf) error {
	if err := c.dev.WriteBlock(ctx, b.block, b.Data[:]); err != nil {
		return fmt.Errorf("bcache: write block %d: %w", b.block, err)
	}
	b.dirty = false
	return nil
}

// Flush writes b to disk if dirty. Buf implements walog.Writable via this
// method so the log can commit without depending on the Cache directly.
// Like Bwrite it does not take b's lock: the caller either holds b or, as
// at log commit, no operation is modifying it.
func (b *Buf) Flush(ctx context.Context) error {
	if !b.dirty {
		return nil
	}
	return b.cache.Bwrite(ctx, b)
}

// Brelse releases a buffer previously returned by Bread. The buffer must
// be locked (held by the caller) when Brelse is called; Brelse unlocks it.
// If this was the last reference, the buffer moves to the MRU end of the
// free list so it is the last candidate considered for recycling.
func (c *Cache) Brelse(b *Buf) {
	b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	b.refs--
	if b.refs == 0 {
		c.unlinkLocked(b)
		c.insertAfterHeadLocked(b)
	}
}

// Bpin increments a buffer's reference count without affecting its
// position in the replacement list, keeping it resident even though no
// caller currently holds its lock.
func (c *Cache) Bpin(b *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.refs++
}

// Bunpin reverses a prior Bpin.
func (c *Cache) Bunpin(b *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refs == 0 {
		panic("bcache: Bunpin of buffer with zero references")
	}
	b.refs--
}
