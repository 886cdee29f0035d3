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

// Package metrics maintains the list of all OpenTelemetry instruments
// computed across corefs's layers: cache hits/misses, allocator
// exhaustion and pipe waits. Every instrument is a no-op until the process
// wires up an otel.MeterProvider (via internal/metrics.Configure or the
// OTel SDK's own global registration), so importing this package costs
// nothing in tests that don't care about metrics.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// LayerKey annotates which cache or component an event came from.
	LayerKey = "corefs_layer"

	// ResultKey annotates a cache lookup outcome: hit, miss, exhausted.
	ResultKey = "corefs_result"
)

var (
	cacheMeter = otel.Meter("corefs/cache")
	pipeMeter  = otel.Meter("corefs/pipe")

	cacheLookups = mustInt64Counter(cacheMeter, "corefs_cache_lookups_total",
		"Block and inode cache lookups, labeled by layer and result.")
	cacheExhaustions = mustInt64Counter(cacheMeter, "corefs_cache_exhausted_total",
		"Times a fixed-size cache pool had no buffer/inode available to recycle.")
	allocatorExhaustions = mustInt64Counter(cacheMeter, "corefs_allocator_exhausted_total",
		"Times the block allocator found no free bit in the bitmap.")
	pipeWaits = mustInt64Counter(pipeMeter, "corefs_pipe_waits_total",
		"Times a pipe read or write blocked on a full/empty ring buffer.")

	attrSets sync.Map
)

func mustInt64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		// Instrument construction only fails on a malformed name/unit,
		// which is a programming error, not a runtime condition.
		panic("metrics: " + err.Error())
	}
	return c
}

func attrOption(layer, result string) metric.MeasurementOption {
	type key struct{ layer, result string }
	k := key{layer, result}
	if v, ok := attrSets.Load(k); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(
		attribute.String(LayerKey, layer),
		attribute.String(ResultKey, result),
	))
	v, _ := attrSets.LoadOrStore(k, opt)
	return v.(metric.MeasurementOption)
}

// BcacheHit records a block cache hit.
func BcacheHit(ctx context.Context) {
	cacheLookups.Add(ctx, 1, attrOption("bcache", "hit"))
}

// BcacheMiss records a block cache miss that required recycling a buffer.
func BcacheMiss(ctx context.Context) {
	cacheLookups.Add(ctx, 1, attrOption("bcache", "miss"))
}

// BcacheExhausted records that the block cache had no unpinned buffer left
// to recycle, immediately before the caller panics.
func BcacheExhausted(ctx context.Context) {
	cacheExhaustions.Add(ctx, 1, attrOption("bcache", "exhausted"))
}

// IcacheHit records an inode cache hit.
func IcacheHit(ctx context.Context) {
	cacheLookups.Add(ctx, 1, attrOption("icache", "hit"))
}

// IcacheMiss records an inode cache miss that required recycling a slot.
func IcacheMiss(ctx context.Context) {
	cacheLookups.Add(ctx, 1, attrOption("icache", "miss"))
}

// IcacheExhausted records that the inode cache had no unreferenced slot
// left, immediately before the caller panics.
func IcacheExhausted(ctx context.Context) {
	cacheExhaustions.Add(ctx, 1, attrOption("icache", "exhausted"))
}

// AllocatorExhausted records a failed block allocation (bitmap full).
func AllocatorExhausted(ctx context.Context) {
	allocatorExhaustions.Add(ctx, 1, attrOption("balloc", "exhausted"))
}

// PipeWaitRead records a PipeRead call blocking on an empty buffer.
func PipeWaitRead(ctx context.Context) {
	pipeWaits.Add(ctx, 1, attrOption("pipe", "read_wait"))
}

// PipeWaitWrite records a PipeWrite call blocking on a full buffer.
func PipeWaitWrite(ctx context.Context) {
	pipeWaits.Add(ctx, 1, attrOption("pipe", "write_wait"))
}
