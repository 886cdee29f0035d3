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
	"context"
	"sync"

	"github.com/corefs-project/corefs/internal/ondisk"
)

// MemDevice is a Device backed by an in-memory byte slice, for tests and
// other uses where persistence is not required.
type MemDevice struct {
	mu     sync.Mutex
	blocks [][ondisk.BlockSize]byte
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a MemDevice with numBlocks zeroed blocks.
func NewMemDevice(numBlocks uint32) *MemDevice {
	return &MemDevice{blocks: make([][ondisk.BlockSize]byte, numBlocks)}
}

// ReadBlock implements Device.
func (d *MemDevice) ReadBlock(ctx context.Context, blockNum uint32, dst []byte) error {
	if err := checkBuf(dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockNum >= uint32(len(d.blocks)) {
		return &ErrOutOfRange{BlockNum: blockNum, NumBlocks: uint32(len(d.blocks))}
	}
	copy(dst, d.blocks[blockNum][:])
	return nil
}

// WriteBlock implements Device.
func (d *MemDevice) WriteBlock(ctx context.Context, blockNum uint32, src []byte) error {
	if err := checkBuf(src); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockNum >= uint32(len(d.blocks)) {
		return &ErrOutOfRange{BlockNum: blockNum, NumBlocks: uint32(len(d.blocks))}
	}
	copy(d.blocks[blockNum][:], src)
	return nil
}

// NumBlocks implements Device.
func (d *MemDevice) NumBlocks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.blocks))
}
