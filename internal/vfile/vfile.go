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

// Package vfile implements the open-file table: a fixed pool of tagged
// {none, pipe, inode} file descriptors shared by reference count,
// dispatching reads and writes to either an internal/pipe.Pipe or an
// internal/inode.Inode depending on the tag.
package vfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/pipe"
	"github.com/corefs-project/corefs/internal/walog"
)

// Kind tags what a File descriptor refers to.
type Kind int

const (
	KindNone Kind = iota
	KindPipe
	KindInode
)

// File is one open-file-table entry. Ref is protected by the owning
// Table's index lock; Off is protected by mu since, unlike the original
// (single-threaded per descriptor in practice), concurrent reads/writes
// through the same fd are possible here.
type File struct {
	ref int // GUARDED_BY(Table.mu)

	kind               Kind
	readable, writable bool
	pipe               *pipe.Pipe
	ip                 *inode.Inode

	mu  sync.Mutex
	off uint32
}

// Stat mirrors inode.Stat for a File, the result of Filestat.
type Stat = inode.Stat

// Table is the fixed-size pool of open files for one filesystem instance.
type Table struct {
	ic  *inode.Cache
	log walog.Log

	mu    sync.Mutex
	files []*File
}

// NewTable returns a Table of ondisk.NFile slots.
func NewTable(ic *inode.Cache, log walog.Log) *Table {
	t := &Table{ic: ic, log: log}
	t.files = make([]*File, ondisk.NFile)
	for i := range t.files {
		t.files[i] = &File{}
	}
	return t
}

// Filealloc returns an unreferenced-by-anyone-else File slot with its
// reference count set to 1, or an error if the table is full. Unlike the
// fixed caches below it, file-table exhaustion is recoverable: the
// original returns a null file pointer here, not a panic.
func (t *Table) Filealloc() (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.files {
		if f.ref == 0 {
			f.ref = 1
			return f, nil
		}
	}
	return nil, fmt.Errorf("vfile: file table full")
}

// OpenPipe turns f into a FD_PIPE descriptor over p, readable xor writable
// per the read/write side it represents.
func (f *File) OpenPipe(p *pipe.Pipe, readable bool) {
	f.kind = KindPipe
	f.pipe = p
	f.readable = readable
	f.writable = !readable
}

// OpenInode turns f into a FD_INODE descriptor over ip.
func (f *File) OpenInode(ip *inode.Inode, readable, writable bool) {
	f.kind = KindInode
	f.ip = ip
	f.readable = readable
	f.writable = writable
}

// Seek repositions f's current offset, for callers (like the FUSE adapter)
// that address reads and writes explicitly by offset rather than relying on
// the implicit fd-offset advance Fileread/Filewrite otherwise perform.
func (f *File) Seek(off uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.off = off
}

// Filedup increments f's reference count and returns f, for the
// `newfd = Filedup(fd)` idiom. Panics if f has no references.
func (t *Table) Filedup(f *File) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.ref < 1 {
		panic("vfile: Filedup of closed file")
	}
	f.ref++
	return f
}

// Fileclose drops a reference to f. Once the last reference is dropped,
// the descriptor is reset to KindNone and, depending on its prior kind,
// the pipe end is closed or the inode is released inside a logged
// operation.
func (t *Table) Fileclose(ctx context.Context, f *File) error {
	t.mu.Lock()
	if f.ref < 1 {
		t.mu.Unlock()
		panic("vfile: Fileclose of already-closed file")
	}
	f.ref--
	if f.ref > 0 {
		t.mu.Unlock()
		return nil
	}
	kind, p, ip, writable := f.kind, f.pipe, f.ip, f.writable
	f.kind = KindNone
	f.pipe = nil
	f.ip = nil
	t.mu.Unlock()

	switch kind {
	case KindPipe:
		p.PipeClose(writable)
	case KindInode:
		if err := t.log.BeginOp(ctx); err != nil {
			return err
		}
		err := t.ic.Iput(ctx, ip)
		t.log.EndOp()
		return err
	}
	return nil
}

// Filestat returns stat information for f, which must be a KindInode
// descriptor.
func (t *Table) Filestat(ctx context.Context, f *File) (Stat, error) {
	if f.kind != KindInode {
		return Stat{}, fmt.Errorf("vfile: Filestat: not a regular file descriptor")
	}
	if err := t.ic.Ilock(ctx, f.ip); err != nil {
		return Stat{}, err
	}
	st := t.ic.Stati(f.ip)
	t.ic.Iunlock(f.ip)
	return st, nil
}

// Fileread reads into dst from f's current offset (pipes have no
// offset), advancing the offset for inode descriptors by the number of
// bytes actually read.
func (t *Table) Fileread(ctx context.Context, f *File, dst []byte) (int, error) {
	if !f.readable {
		return 0, fmt.Errorf("vfile: Fileread: file not open for reading")
	}

	switch f.kind {
	case KindPipe:
		return f.pipe.PipeRead(ctx, dst)
	case KindInode:
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := t.ic.Ilock(ctx, f.ip); err != nil {
			return 0, err
		}
		n, err := t.ic.Readi(ctx, f.ip, dst, f.off)
		if n > 0 {
			f.off += uint32(n)
		}
		t.ic.Iunlock(f.ip)
		return n, err
	default:
		panic("vfile: Fileread: descriptor has no kind")
	}
}

// writeChunkMax bounds a single filewrite iteration's transaction size to
// stay under MaxOpBlocks: one inode block, one indirect block, two
// allocation blocks, and slop for non-block-aligned writes.
const writeChunkMax = ((ondisk.MaxOpBlocks - 1 - 1 - 2) / 2) * ondisk.BlockSize

// Filewrite writes src to f starting at its current offset, chunking
// inode writes into transactions no larger than writeChunkMax so a single
// filewrite call never exceeds the log's per-operation block budget.
func (t *Table) Filewrite(ctx context.Context, f *File, src []byte) (int, error) {
	if !f.writable {
		return 0, fmt.Errorf("vfile: Filewrite: file not open for writing")
	}

	switch f.kind {
	case KindPipe:
		return f.pipe.PipeWrite(ctx, src)
	case KindInode:
		f.mu.Lock()
		defer f.mu.Unlock()

		i := 0
		for i < len(src) {
			n1 := len(src) - i
			if n1 > writeChunkMax {
				n1 = writeChunkMax
			}

			if err := t.log.BeginOp(ctx); err != nil {
				return 0, err
			}
			if err := t.ic.Ilock(ctx, f.ip); err != nil {
				t.log.EndOp()
				return 0, err
			}
			r, err := t.ic.Writei(ctx, f.ip, src[i:i+n1], f.off)
			if r > 0 {
				f.off += uint32(r)
			}
			t.ic.Iunlock(f.ip)
			t.log.EndOp()

			if err != nil {
				return 0, err
			}
			if r != n1 {
				panic("vfile: short filewrite")
			}
			i += r
		}
		return i, nil
	default:
		panic("vfile: Filewrite: descriptor has no kind")
	}
}
