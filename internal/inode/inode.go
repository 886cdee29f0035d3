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

// Package inode implements the in-memory inode cache and its two-step
// lifecycle: Iget (or Ialloc) returns a referenced but unlocked inode,
// Ilock reads it from disk on first use and locks it for examination or
// mutation, Iput drops a reference and frees the inode on disk once its
// link count and reference count both reach zero.
//
// Lock ordering: Cache.mu (the index lock, GUARDED_BY comments below refer
// to it) is only ever held for bookkeeping — never across a bcache read or
// a Device call. Inode.mu (the per-inode sleep-lock) may be held across
// those calls.
package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/corefs-project/corefs/internal/balloc"
	"github.com/corefs-project/corefs/internal/bcache"
	"github.com/corefs-project/corefs/internal/metrics"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/walog"
)

// DevSW is the device-switch entry a T_DEV inode dispatches readi/writei
// calls to instead of touching the block cache, playing the role of the
// original's devsw[major].{read,write} function pointers.
type DevSW interface {
	Read(ctx context.Context, dst []byte) (int, error)
	Write(ctx context.Context, src []byte) (int, error)
}

// Inode is the in-memory representation of one on-disk inode. Dev/Inum/ref
// are protected by the owning Cache's index lock; every other field is
// protected by mu and is only meaningful once valid is true.
type Inode struct {
	dev  uint32
	inum uint32
	ref  int // GUARDED_BY(Cache.mu)

	mu    sync.Mutex // sleep-lock
	valid bool

	Type  uint16
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
	Addrs [ondisk.NDirect + 1]uint32
}

// Dev returns the device number this inode lives on.
func (ip *Inode) Dev() uint32 { return ip.dev }

// Inum returns the inode number.
func (ip *Inode) Inum() uint32 { return ip.inum }

// Cache is the fixed-size pool of in-memory inodes for one filesystem
// instance, backed by blocks on a single device.
type Cache struct {
	bc    *bcache.Cache
	log   walog.Log
	alloc *balloc.Allocator
	dev   uint32
	sb    ondisk.Superblock

	mu     sync.Mutex // index lock
	inodes []*Inode

	devsw [ondisk.NDev]DevSW
}

// New returns a Cache of ondisk.NInode slots over sb, reading/writing
// through bc and alloc and routing mutations through log.
func New(bc *bcache.Cache, log walog.Log, alloc *balloc.Allocator, dev uint32, sb ondisk.Superblock) *Cache {
	c := &Cache{bc: bc, log: log, alloc: alloc, dev: dev, sb: sb}
	c.inodes = make([]*Inode, ondisk.NInode)
	for i := range c.inodes {
		c.inodes[i] = &Inode{}
	}
	return c
}

// RegisterDevice installs d as the handler for inodes whose Major field is
// major. major 0 is reserved (invalid); major ondisk.ConsoleMajor is
// conventionally the console.
func (c *Cache) RegisterDevice(major uint16, d DevSW) {
	c.devsw[major] = d
}

// Iget finds or creates a cache entry for (dev, inum) and bumps its
// reference count. It does not lock the inode or read it from disk. It
// panics if the cache has no free slot, mirroring the fixed-pool
// exhaustion contract shared with bcache.
func (c *Cache) Iget(dev, inum uint32) *Inode {
	c.mu.Lock()

	var empty *Inode
	for _, ip := range c.inodes {
		if ip.ref > 0 && ip.dev == dev && ip.inum == inum {
			ip.ref++
			c.mu.Unlock()
			metrics.IcacheHit(context.Background())
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}

	if empty == nil {
		metrics.IcacheExhausted(context.Background())
		c.mu.Unlock()
		panic("inode: no inodes available")
	}

	empty.dev = dev
	empty.inum = inum
	empty.ref = 1
	empty.valid = false
	c.mu.Unlock()
	metrics.IcacheMiss(context.Background())
	return empty
}

// Idup increments ip's reference count and returns ip, for the
// `ip = Idup(ip1)` idiom.
func (c *Cache) Idup(ip *Inode) *Inode {
	c.mu.Lock()
	ip.ref++
	c.mu.Unlock()
	return ip
}

// Ialloc allocates an on-disk inode of the given type and returns a
// referenced, unlocked Inode for it. It panics if every on-disk inode slot
// is already in use.
func (c *Cache) Ialloc(ctx context.Context, typ uint16) (*Inode, error) {
	for inum := uint32(1); inum < c.sb.Ninodes; inum++ {
		blockNum, byteOff := ondisk.IBlockOffset(inum, c.sb.InodeStart)
		bp, err := c.bc.Bread(ctx, c.dev, blockNum)
		if err != nil {
			return nil, fmt.Errorf("inode: read inode block %d: %w", blockNum, err)
		}
		dip := ondisk.UnmarshalDinode(bp.Data[byteOff : byteOff+ondisk.DinodeSize])
		if dip.Type != ondisk.TypeFree {
			c.bc.Brelse(bp)
			continue
		}
		dip = ondisk.Dinode{Type: typ}
		copy(bp.Data[byteOff:byteOff+ondisk.DinodeSize], dip.Marshal())
		if err := c.log.Write(ctx, bp); err != nil {
			c.bc.Brelse(bp)
			return nil, fmt.Errorf("inode: mark inode %d allocated: %w", inum, err)
		}
		c.bc.Brelse(bp)
		return c.Iget(c.dev, inum), nil
	}
	panic("inode: no inodes available on disk")
}

// Iupdate writes ip's in-memory fields back to its on-disk inode record.
// Must be called after every change to a field that lives on disk, and
// with ip locked.
func (c *Cache) Iupdate(ctx context.Context, ip *Inode) error {
	blockNum, byteOff := ondisk.IBlockOffset(ip.inum, c.sb.InodeStart)
	bp, err := c.bc.Bread(ctx, ip.dev, blockNum)
	if err != nil {
		return fmt.Errorf("inode: read inode block %d: %w", blockNum, err)
	}
	dip := ondisk.Dinode{
		Type:  ip.Type,
		Major: ip.Major,
		Minor: ip.Minor,
		Nlink: ip.Nlink,
		Size:  ip.Size,
		Addrs: ip.Addrs,
	}
	copy(bp.Data[byteOff:byteOff+ondisk.DinodeSize], dip.Marshal())
	err = c.log.Write(ctx, bp)
	c.bc.Brelse(bp)
	if err != nil {
		return fmt.Errorf("inode: update inode %d: %w", ip.inum, err)
	}
	return nil
}

// Ilock locks ip, reading it from disk on first use. It panics if ip has
// no outstanding reference, or if the on-disk record is unallocated.
func (c *Cache) Ilock(ctx context.Context, ip *Inode) error {
	c.mu.Lock()
	ref := ip.ref
	c.mu.Unlock()
	if ref < 1 {
		panic("inode: Ilock of inode with no references")
	}

	ip.mu.Lock()
	if ip.valid {
		return nil
	}

	blockNum, byteOff := ondisk.IBlockOffset(ip.inum, c.sb.InodeStart)
	bp, err := c.bc.Bread(ctx, ip.dev, blockNum)
	if err != nil {
		ip.mu.Unlock()
		return fmt.Errorf("inode: read inode block %d: %w", blockNum, err)
	}
	dip := ondisk.UnmarshalDinode(bp.Data[byteOff : byteOff+ondisk.DinodeSize])
	c.bc.Brelse(bp)

	ip.Type = dip.Type
	ip.Major = dip.Major
	ip.Minor = dip.Minor
	ip.Nlink = dip.Nlink
	ip.Size = dip.Size
	ip.Addrs = dip.Addrs
	ip.valid = true

	if ip.Type == ondisk.TypeFree {
		ip.mu.Unlock()
		panic(fmt.Sprintf("inode: Ilock of unallocated inode %d", ip.inum))
	}
	return nil
}

// Iunlock unlocks ip.
func (c *Cache) Iunlock(ip *Inode) {
	c.mu.Lock()
	ref := ip.ref
	c.mu.Unlock()
	if ref < 1 {
		panic("inode: Iunlock of inode with no references")
	}
	ip.mu.Unlock()
}

// Iput drops a reference to ip. If that was the last reference and the
// inode has no links, its content is truncated and the on-disk slot is
// freed. Must be called inside a Log.BeginOp/EndOp bracket, since it may
// write to the device.
func (c *Cache) Iput(ctx context.Context, ip *Inode) error {
	ip.mu.Lock()
	if ip.valid && ip.Nlink == 0 {
		c.mu.Lock()
		r := ip.ref
		c.mu.Unlock()
		if r == 1 {
			if err := c.itrunc(ctx, ip); err != nil {
				ip.mu.Unlock()
				return err
			}
			ip.Type = ondisk.TypeFree
			if err := c.Iupdate(ctx, ip); err != nil {
				ip.mu.Unlock()
				return err
			}
			ip.valid = false
		}
	}
	ip.mu.Unlock()

	c.mu.Lock()
	ip.ref--
	c.mu.Unlock()
	return nil
}

// IunlockPut is the common idiom: Iunlock then Iput.
func (c *Cache) IunlockPut(ctx context.Context, ip *Inode) error {
	c.Iunlock(ip)
	return c.Iput(ctx, ip)
}

// Stati copies stat information out of a locked inode.
type Stat struct {
	Dev   uint32
	Inum  uint32
	Type  uint16
	Nlink uint16
	Size  uint32
}

// Stati returns a Stat snapshot of ip. Caller must hold ip locked.
func (c *Cache) Stati(ip *Inode) Stat {
	return Stat{Dev: ip.dev, Inum: ip.inum, Type: ip.Type, Nlink: ip.Nlink, Size: ip.Size}
}
