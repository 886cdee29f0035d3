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

package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryConstants(t *testing.T) {
	assert.Equal(t, 64, DinodeSize)
	assert.Equal(t, 8, InodesPerBlock)
	assert.Equal(t, 4096, BitsPerBlock)
	assert.Equal(t, 16, DirentSize)
	assert.Equal(t, 140, MaxFileBlocks)
	assert.Equal(t, 140*512, MaxFileBytes)
}

func TestSuperblockRoundTrip(t *testing.T) {
	want := Superblock{
		Size:       1000,
		Nblocks:    941,
		Ninodes:    200,
		Nlog:       30,
		LogStart:   2,
		InodeStart: 32,
		BmapStart:  57,
		Magic:      FSMagic,
	}
	buf := want.Marshal()
	assert.Len(t, buf, BlockSize)

	got, err := UnmarshalSuperblock(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnmarshalSuperblockBadMagic(t *testing.T) {
	buf := make([]byte, BlockSize)
	_, err := UnmarshalSuperblock(buf)
	assert.Error(t, err)
}

func TestUnmarshalSuperblockShortBuffer(t *testing.T) {
	_, err := UnmarshalSuperblock(make([]byte, 10))
	assert.Error(t, err)
}

func TestDinodeRoundTrip(t *testing.T) {
	want := Dinode{Type: TypeFile, Major: 0, Minor: 0, Nlink: 1, Size: 4096}
	for i := range want.Addrs {
		want.Addrs[i] = uint32(i + 1)
	}
	buf := want.Marshal()
	assert.Len(t, buf, DinodeSize)
	got := UnmarshalDinode(buf)
	assert.Equal(t, want, got)
}

func TestDirentRoundTrip(t *testing.T) {
	var e Dirent
	e.Inum = 7
	fit := e.SetName("hello.txt")
	assert.True(t, fit)

	buf := e.Marshal()
	assert.Len(t, buf, DirentSize)

	got := UnmarshalDirent(buf)
	assert.Equal(t, uint16(7), got.Inum)
	assert.Equal(t, "hello.txt", got.NameString())
}

func TestDirentSetNameTruncates(t *testing.T) {
	var e Dirent
	fit := e.SetName("this-name-is-way-too-long-for-a-dirent")
	assert.False(t, fit)
	assert.Len(t, e.NameString(), MaxNameLen)
}

func TestIBlockOffset(t *testing.T) {
	blk, off := IBlockOffset(9, 32)
	assert.Equal(t, uint32(33), blk)
	assert.Equal(t, 64, off)
}

func TestBBlockOffset(t *testing.T) {
	blk, bit := BBlockOffset(4200, 57)
	assert.Equal(t, uint32(58), blk)
	assert.Equal(t, 104, bit)
}
