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

// Package device provides the block-addressed storage abstraction that the
// block cache reads and writes through. Nothing above this layer is allowed
// to know whether blocks live in a file, in memory, or behind a fault
// injector.
package device

import (
	"context"
	"fmt"

	"github.com/corefs-project/corefs/internal/ondisk"
)

// Device is a fixed-size, block-addressed backing store. Implementations
// must be safe for concurrent use; the block cache relies on that to allow
// more than one outstanding I/O at a time.
type Device interface {
	// ReadBlock reads exactly ondisk.BlockSize bytes from block blockNum
	// into dst, which must have length ondisk.BlockSize.
	ReadBlock(ctx context.Context, blockNum uint32, dst []byte) error

	// WriteBlock writes exactly ondisk.BlockSize bytes from src to block
	// blockNum. src must have length ondisk.BlockSize.
	WriteBlock(ctx context.Context, blockNum uint32, src []byte) error

	// NumBlocks returns the total number of addressable blocks.
	NumBlocks() uint32
}

// ErrOutOfRange is returned when a block number is not within
// [0, NumBlocks).
type ErrOutOfRange struct {
	BlockNum  uint32
	NumBlocks uint32
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("device: block %d out of range [0, %d)", e.BlockNum, e.NumBlocks)
}

func checkBuf(buf []byte) error {
	if len(buf) != ondisk.BlockSize {
		return fmt.Errorf("device: buffer has length %d, want %d", len(buf), ondisk.BlockSize)
	}
	return nil
}
