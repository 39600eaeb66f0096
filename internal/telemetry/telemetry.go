// Package telemetry records engine metrics through the OpenTelemetry API.
//
// Instruments come from the global MeterProvider, which is a no-op until the
// host process installs an SDK provider. Nothing is exported by default.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kimhsiao/possync"

// Metric names.
const (
	QueueEnqueued      = "possync.queue.enqueued"
	QueueRejected      = "possync.queue.capacity_rejections"
	SyncItems          = "possync.sync.items"
	SyncDrainDuration  = "possync.sync.drain_duration"
	CacheRefresh       = "possync.cache.refresh"
	SessionEvents      = "possync.session.events"
	ConnectivityChange = "possync.connectivity.transitions"
)

var (
	counters   sync.Map // name -> metric.Int64Counter
	histograms sync.Map // name -> metric.Float64Histogram
)

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

func counter(name string) metric.Int64Counter {
	if c, ok := counters.Load(name); ok {
		return c.(metric.Int64Counter)
	}
	c, err := meter().Int64Counter(name)
	if err != nil {
		otel.Handle(err)
	}
	actual, _ := counters.LoadOrStore(name, c)
	return actual.(metric.Int64Counter)
}

func histogram(name string) metric.Float64Histogram {
	if h, ok := histograms.Load(name); ok {
		return h.(metric.Float64Histogram)
	}
	h, err := meter().Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}
	actual, _ := histograms.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram)
}

func attrs(tags map[string]string) metric.MeasurementOption {
	kv := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kv = append(kv, attribute.String(k, v))
	}
	sort.Slice(kv, func(i, j int) bool { return kv[i].Key < kv[j].Key })
	return metric.WithAttributes(kv...)
}

// RecordCount adds delta to the named counter.
func RecordCount(name string, delta int, tags map[string]string) {
	counter(name).Add(context.Background(), int64(delta), attrs(tags))
}

// RecordTiming records a duration, in seconds, on the named histogram.
func RecordTiming(name string, d time.Duration, tags map[string]string) {
	histogram(name).Record(context.Background(), d.Seconds(), attrs(tags))
}
