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

package metrics

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// logExporter is a metric.Exporter that writes each collected point set to
// a *log.Logger rather than shipping it to a collector, the same shape as
// the permission-aware exporter wrapper the rest of the pack builds around
// metric.Exporter: a thin decorator, not a full backend integration.
type logExporter struct {
	logger *log.Logger
}

func (e *logExporter) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	return metric.DefaultTemporalitySelector(kind)
}

func (e *logExporter) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(kind)
}

func (e *logExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			e.logger.Printf("metric %s: %v", m.Name, m.Data)
		}
	}
	return nil
}

func (e *logExporter) ForceFlush(ctx context.Context) error { return nil }
func (e *logExporter) Shutdown(ctx context.Context) error   { return nil }

// Configure installs a MeterProvider that periodically logs every
// instrument registered in this package (and any others registered
// against the global otel.Meter namespace) through logger. It returns a
// shutdown function the caller should defer. A zero interval defaults to
// fifteen seconds.
func Configure(logger *log.Logger, interval time.Duration) func(context.Context) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	reader := metric.NewPeriodicReader(&logExporter{logger: logger}, metric.WithInterval(interval))
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)
	return provider.Shutdown
}
