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

// Package clock supplies the timestamps the filesystem needs but does not
// persist on disk (dinode carries no mtime field). Mount time and per-write
// touch time are sourced from here so fuseadapter can report attributes and
// tests can substitute a deterministic clock.
package clock

import "time"

// Clock is the time source threaded through the filesystem instead of
// calling time.Now directly, so tests can control it.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After notifies on the returned channel after d has passed.
	After(d time.Duration) <-chan time.Time
}
