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
	"fmt"
	"os"
	"sync"

	"github.com/corefs-project/corefs/common"
	"github.com/corefs-project/corefs/internal/ondisk"
)

// fileRequest is one queued I/O against a FileDevice.
type fileRequest struct {
	write    bool
	blockNum uint32
	buf      []byte
	done     chan error
}

// FileDevice is a Device backed by a regular file. Every request is pushed
// onto a FIFO queue and drained strictly in order by a single worker
// goroutine, modeling a disk controller that services one request at a
// time off an interrupt queue rather than a thread pool racing over the
// same file descriptor.
type FileDevice struct {
	f         *os.File
	numBlocks uint32

	mu       sync.Mutex
	cond     *sync.Cond
	queue    common.Queue[*fileRequest]
	closed   bool
	closeErr error
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens path (creating it if create is true) and presents
// its first numBlocks blocks as a Device. The file is grown with
// Truncate if it is smaller than numBlocks*BlockSize.
func OpenFileDevice(path string, numBlocks uint32, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	size := int64(numBlocks) * ondisk.BlockSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("device: truncate %s: %w", path, err)
		}
	}
	d := &FileDevice{
		f:         f,
		numBlocks: numBlocks,
		queue:     common.NewLinkedListQueue[*fileRequest](),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d, nil
}

// run is the single worker that dequeues and services requests in the
// order they arrived.
func (d *FileDevice) run() {
	for {
		d.mu.Lock()
		for d.queue.IsEmpty() && !d.closed {
			d.cond.Wait()
		}
		if d.queue.IsEmpty() && d.closed {
			d.mu.Unlock()
			return
		}
		req := d.queue.Pop()
		d.mu.Unlock()

		req.done <- d.service(req)
	}
}

func (d *FileDevice) service(req *fileRequest) error {
	if req.blockNum >= d.numBlocks {
		return &ErrOutOfRange{BlockNum: req.blockNum, NumBlocks: d.numBlocks}
	}
	off := int64(req.blockNum) * ondisk.BlockSize
	if req.write {
		n, err := d.f.WriteAt(req.buf, off)
		if err != nil {
			return fmt.Errorf("device: write block %d: %w", req.blockNum, err)
		}
		if n != ondisk.BlockSize {
			return fmt.Errorf("device: short write on block %d: wrote %d bytes", req.blockNum, n)
		}
		return nil
	}
	n, err := d.f.ReadAt(req.buf, off)
	if err != nil {
		return fmt.Errorf("device: read block %d: %w", req.blockNum, err)
	}
	if n != ondisk.BlockSize {
		return fmt.Errorf("device: short read on block %d: got %d bytes", req.blockNum, n)
	}
	return nil
}

func (d *FileDevice) submit(req *fileRequest) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device: device is closed")
	}
	d.queue.Push(req)
	d.cond.Signal()
	d.mu.Unlock()
	return <-req.done
}

// Close admits no new requests, wakes the worker goroutine so it exits once
// the queue is drained, and releases the underlying file descriptor without
// waiting for that drain: a request still queued when the file is closed
// fails.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	return d.f.Close()
}

// ReadBlock implements Device.
func (d *FileDevice) ReadBlock(ctx context.Context, blockNum uint32, dst []byte) error {
	if err := checkBuf(dst); err != nil {
		return err
	}
	req := &fileRequest{blockNum: blockNum, buf: dst, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return d.submit(req)
}

// WriteBlock implements Device.
func (d *FileDevice) WriteBlock(ctx context.Context, blockNum uint32, src []byte) error {
	if err := checkBuf(src); err != nil {
		return err
	}
	req := &fileRequest{write: true, blockNum: blockNum, buf: src, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return d.submit(req)
}

// NumBlocks implements Device.
func (d *FileDevice) NumBlocks() uint32 {
	return d.numBlocks
}
