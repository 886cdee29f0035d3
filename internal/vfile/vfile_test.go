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

package vfile

import (
	"bytes"
	"context"
	"testing"

	"github.com/corefs-project/corefs/internal/balloc"
	"github.com/corefs-project/corefs/internal/bcache"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/pipe"
	"github.com/corefs-project/corefs/internal/walog"
	"github.com/stretchr/testify/require"
)

const (
	testBmapStart   = 1
	testInodeStart  = 2
	testInodeBlocks = 2 // 16 inodes
)

// fixture wires a small self-contained filesystem image plus an open-file
// Table over it, mirroring internal/inode's fsFixture.
func fixture(t *testing.T, nDataBlocks uint32) (*Table, *inode.Cache, walog.Log) {
	t.Helper()
	const dataStart = testInodeStart + testInodeBlocks
	sb := ondisk.Superblock{
		Size:       dataStart + nDataBlocks,
		Ninodes:    testInodeBlocks * ondisk.InodesPerBlock,
		BmapStart:  testBmapStart,
		InodeStart: testInodeStart,
	}
	dev := device.NewMemDevice(sb.Size)

	bitmap := make([]byte, ondisk.BlockSize)
	for b := uint32(0); b < dataStart; b++ {
		bitmap[b/8] |= 1 << (b % 8)
	}
	require.NoError(t, dev.WriteBlock(context.Background(), testBmapStart, bitmap))

	bc := bcache.NewCache(dev, nil)
	log := walog.NewOpBoundedLog(ondisk.MaxOpBlocks)
	alloc := balloc.New(bc, log, 0, sb)
	ic := inode.New(bc, log, alloc, 0, sb)
	ft := NewTable(ic, log)
	return ft, ic, log
}

// allocInodeFile creates a fresh file-typed inode with one link, wraps it
// in a readable+writable File, and returns it.
func allocInodeFile(t *testing.T, ft *Table, ic *inode.Cache, log walog.Log) *File {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, log.BeginOp(ctx))
	ip, err := ic.Ialloc(ctx, ondisk.TypeFile)
	require.NoError(t, err)
	require.NoError(t, ic.Ilock(ctx, ip))
	ip.Nlink = 1
	require.NoError(t, ic.Iupdate(ctx, ip))
	ic.Iunlock(ip)
	log.EndOp()

	f, err := ft.Filealloc()
	require.NoError(t, err)
	f.OpenInode(ip, true, true)
	return f
}

func TestFilealloc(t *testing.T) {
	ft, _, _ := fixture(t, 20)

	var got []*File
	for i := 0; i < ondisk.NFile; i++ {
		f, err := ft.Filealloc()
		require.NoError(t, err)
		got = append(got, f)
	}

	_, err := ft.Filealloc()
	require.Error(t, err, "table should report full once all NFile slots are taken")
}

func TestFiledupIncrementsRefAndPanicsWhenClosed(t *testing.T) {
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)

	dup := ft.Filedup(f)
	require.Same(t, f, dup)

	ctx := context.Background()
	require.NoError(t, ft.Fileclose(ctx, f))
	require.NoError(t, ft.Fileclose(ctx, f))

	require.Panics(t, func() {
		ft.Filedup(f)
	})
}

func TestFilewriteThenFilereadRoundTrips(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)

	data := []byte("hello from a regular file")
	n, err := ft.Filewrite(ctx, f, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	f.off = 0 // simulate re-seeking like a fresh open/read
	buf := make([]byte, len(data))
	n, err = ft.Fileread(ctx, f, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestFilewriteChunksAcrossMultipleTransactions(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, ondisk.MaxFileBlocks)
	f := allocInodeFile(t, ft, ic, log)

	// Write enough to require several writeChunkMax-sized transactions.
	data := bytes.Repeat([]byte("x"), writeChunkMax*2+100)
	n, err := ft.Filewrite(ctx, f, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	f.off = 0
	buf := make([]byte, len(data))
	n, err = ft.Fileread(ctx, f, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, buf))

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestFilewriteReturnsNoPartialCountOnChunkFailure(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, ondisk.MaxFileBlocks)
	f := allocInodeFile(t, ft, ic, log)

	// Long enough to span several writeChunkMax transactions, with the
	// final one pushing the file past ondisk.MaxFileBytes: earlier chunks
	// succeed and actually grow the file, but the overall call must still
	// report 0 written, never the accumulated byte count, once any chunk
	// fails.
	data := bytes.Repeat([]byte("x"), ondisk.MaxFileBytes+1)
	n, err := ft.Filewrite(ctx, f, data)
	require.Error(t, err)
	require.Equal(t, 0, n, "Filewrite must never return a partial positive count alongside an error")

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestFilestatReportsInodeMetadata(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)

	st, err := ft.Filestat(ctx, f)
	require.NoError(t, err)
	require.Equal(t, uint16(ondisk.TypeFile), st.Type)
	require.Equal(t, uint16(1), st.Nlink)

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestFilereadOnWriteOnlyFileErrors(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)
	f.readable = false

	_, err := ft.Fileread(ctx, f, make([]byte, 1))
	require.Error(t, err)

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestFilewriteOnReadOnlyFileErrors(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)
	f.writable = false

	_, err := ft.Filewrite(ctx, f, []byte("nope"))
	require.Error(t, err)

	require.NoError(t, ft.Fileclose(ctx, f))
}

func TestPipeFileReadWriteAndClose(t *testing.T) {
	ctx := context.Background()
	ft, _, _ := fixture(t, 20)
	p := pipe.New()

	rf, err := ft.Filealloc()
	require.NoError(t, err)
	rf.OpenPipe(p, true)

	wf, err := ft.Filealloc()
	require.NoError(t, err)
	wf.OpenPipe(p, false)

	n, err := ft.Filewrite(ctx, wf, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	buf := make([]byte, 3)
	n, err = ft.Fileread(ctx, rf, buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(buf))

	require.NoError(t, ft.Fileclose(ctx, wf))

	n, err = ft.Fileread(ctx, rf, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "read after writer closed with nothing buffered should return EOF")

	require.NoError(t, ft.Fileclose(ctx, rf))
}

func TestFilecloseOfAlreadyClosedFilePanics(t *testing.T) {
	ctx := context.Background()
	ft, ic, log := fixture(t, 20)
	f := allocInodeFile(t, ft, ic, log)

	require.NoError(t, ft.Fileclose(ctx, f))
	require.Panics(t, func() {
		_ = ft.Fileclose(ctx, f)
	})
}
