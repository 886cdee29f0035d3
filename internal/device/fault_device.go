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
	"sync"
)

// FaultInjector wraps a Device and lets tests force specific blocks to fail
// on their next access, to exercise the block cache's and log's error
// paths without a real failing disk.
type FaultInjector struct {
	Device

	mu        sync.Mutex
	failReads map[uint32]int
	failWrite map[uint32]int
}

// NewFaultInjector wraps dev with fault-injection controls.
func NewFaultInjector(dev Device) *FaultInjector {
	return &FaultInjector{
		Device:    dev,
		failReads: make(map[uint32]int),
		failWrite: make(map[uint32]int),
	}
}

// FailNextRead causes the next n ReadBlock calls against blockNum to return
// an error instead of reaching the wrapped Device.
func (f *FaultInjector) FailNextRead(blockNum uint32, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads[blockNum] = n
}

// FailNextWrite causes the next n WriteBlock calls against blockNum to
// return an error instead of reaching the wrapped Device.
func (f *FaultInjector) FailNextWrite(blockNum uint32, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite[blockNum] = n
}

// ReadBlock implements Device.
func (f *FaultInjector) ReadBlock(ctx context.Context, blockNum uint32, dst []byte) error {
	if f.consume(f.failReads, blockNum) {
		return fmt.Errorf("device: injected read fault on block %d", blockNum)
	}
	return f.Device.ReadBlock(ctx, blockNum, dst)
}

// WriteBlock implements Device.
func (f *FaultInjector) WriteBlock(ctx context.Context, blockNum uint32, src []byte) error {
	if f.consume(f.failWrite, blockNum) {
		return fmt.Errorf("device: injected write fault on block %d", blockNum)
	}
	return f.Device.WriteBlock(ctx, blockNum, src)
}

func (f *FaultInjector) consume(m map[uint32]int, blockNum uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := m[blockNum]
	if !ok || n <= 0 {
		return false
	}
	n--
	if n == 0 {
		delete(m, blockNum)
	} else {
		m[blockNum] = n
	}
	return true
}
