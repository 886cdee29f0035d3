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

package device

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDeviceReadWrite(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(4)
	assert.Equal(t, uint32(4), d.NumBlocks())

	src := bytes.Repeat([]byte{0xAB}, ondisk.BlockSize)
	require.NoError(t, d.WriteBlock(ctx, 2, src))

	dst := make([]byte, ondisk.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 2, dst))
	assert.Equal(t, src, dst)

	zero := make([]byte, ondisk.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 0, dst))
	assert.Equal(t, zero, dst)
}

func TestMemDeviceOutOfRange(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(2)
	buf := make([]byte, ondisk.BlockSize)
	err := d.ReadBlock(ctx, 5, buf)
	assert.Error(t, err)
	var oor *ErrOutOfRange
	assert.ErrorAs(t, err, &oor)
}

func TestMemDeviceBadBufferSize(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(2)
	err := d.WriteBlock(ctx, 0, make([]byte, 10))
	assert.Error(t, err)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")

	fd, err := OpenFileDevice(path, 8, true)
	require.NoError(t, err)
	defer fd.Close()

	assert.Equal(t, uint32(8), fd.NumBlocks())

	src := bytes.Repeat([]byte{0x42}, ondisk.BlockSize)
	require.NoError(t, fd.WriteBlock(ctx, 3, src))

	dst := make([]byte, ondisk.BlockSize)
	require.NoError(t, fd.ReadBlock(ctx, 3, dst))
	assert.Equal(t, src, dst)

	require.NoError(t, fd.Close())

	reopened, err := OpenFileDevice(path, 8, false)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.ReadBlock(ctx, 3, dst))
	assert.Equal(t, src, dst)
}

func TestFaultInjectorInjectsThenHeals(t *testing.T) {
	ctx := context.Background()
	base := NewMemDevice(2)
	fi := NewFaultInjector(base)

	buf := make([]byte, ondisk.BlockSize)
	require.NoError(t, fi.ReadBlock(ctx, 0, buf))

	fi.FailNextRead(0, 2)
	assert.Error(t, fi.ReadBlock(ctx, 0, buf))
	assert.Error(t, fi.ReadBlock(ctx, 0, buf))
	assert.NoError(t, fi.ReadBlock(ctx, 0, buf))

	fi.FailNextWrite(1, 1)
	assert.Error(t, fi.WriteBlock(ctx, 1, buf))
	assert.NoError(t, fi.WriteBlock(ctx, 1, buf))
}
