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

// Package pipe implements a fixed-size ring-buffer pipe: one writer side
// and one reader side sharing a PipeSize-byte buffer addressed by two
// free-running counters. There is no process table in this module, so the
// original's "process killed" cancellation is modeled with a
// context.Context passed into every blocking call instead.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corefs-project/corefs/internal/metrics"
	"github.com/corefs-project/corefs/internal/ondisk"
)

// ErrClosed is returned by PipeWrite when the ring buffer is full and the
// read side has closed. Cancellation via ctx returns the context's error
// instead.
var ErrClosed = errors.New("pipe: closed")

// Pipe is one pipe's shared state.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	data [ondisk.PipeSize]byte
	// nread and nwrite are free-running counts of bytes read and
	// written; the buffer is full when nwrite == nread+PipeSize and
	// empty when nread == nwrite.
	nread, nwrite uint64

	readOpen, writeOpen bool
}

// New returns a Pipe with both ends open.
func New() *Pipe {
	p := &Pipe{readOpen: true, writeOpen: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// waitLocked blocks on p.cond until woken or ctx is done, returning
// ctx.Err() in the latter case. Must be called with p.mu held; re-checks
// its condition itself via the caller's loop.
func (p *Pipe) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()
	p.cond.Wait()
	return ctx.Err()
}

// PipeWrite writes up to len(src) bytes into the pipe, blocking while the
// ring buffer is full. It returns the number of bytes written (always
// len(src) on success) and an error if the read side has closed or ctx is
// canceled before all bytes are written.
func (p *Pipe) PipeWrite(ctx context.Context, src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(src); i++ {
		waited := false
		for p.nwrite == p.nread+ondisk.PipeSize {
			if !p.readOpen {
				return i, fmt.Errorf("pipe: write: %w", ErrClosed)
			}
			if !waited {
				metrics.PipeWaitWrite(ctx)
				waited = true
			}
			p.cond.Broadcast() // wake any blocked reader; there may be room for it
			if err := p.waitLocked(ctx); err != nil {
				return i, fmt.Errorf("pipe: write canceled: %w", err)
			}
		}
		p.data[p.nwrite%ondisk.PipeSize] = src[i]
		p.nwrite++
	}
	p.cond.Broadcast()
	return len(src), nil
}

// PipeRead reads up to len(dst) bytes from the pipe, blocking only if the
// buffer is currently empty and the write side is still open. It returns
// as soon as at least one byte is available (or the buffer is empty and
// the write side has closed, returning 0 bytes), matching the original's
// short-read-on-drain behavior.
func (p *Pipe) PipeRead(ctx context.Context, dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	waited := false
	for p.nread == p.nwrite && p.writeOpen {
		if !waited {
			metrics.PipeWaitRead(ctx)
			waited = true
		}
		if err := p.waitLocked(ctx); err != nil {
			return 0, fmt.Errorf("pipe: read canceled: %w", err)
		}
	}

	var i int
	for i = 0; i < len(dst); i++ {
		if p.nread == p.nwrite {
			break
		}
		dst[i] = p.data[p.nread%ondisk.PipeSize]
		p.nread++
	}
	p.cond.Broadcast()
	return i, nil
}

// PipeClose closes one end of the pipe. writable selects which end: true
// closes the write end (waking blocked readers so they can observe EOF),
// false closes the read end (waking blocked writers so they observe
// ErrClosed).
func (p *Pipe) PipeClose(writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
}
