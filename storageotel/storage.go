// Package storageotel instruments a redisstorage backend with OpenTelemetry
// metrics: timings and error counts for the value compression pipeline, and
// command-level durations and errors on the underlying Redis client.
package storageotel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	redisstorage "github.com/buildcache/redis-storage"
)

// InstrumentMetrics attaches compression metrics to the storage backend.
func InstrumentMetrics(s *redisstorage.Storage, opts ...MetricsOption) error {
	baseOpts := make([]baseOption, len(opts))
	for i, opt := range opts {
		baseOpts[i] = opt
	}
	conf := newConfig(baseOpts...)

	if conf.meter == nil {
		conf.meter = conf.meterProvider.Meter(
			name,
			metric.WithInstrumentationVersion("semver"+redisstorage.Version()))
	}

	if err := addMetricHook(s, conf); err != nil {
		return fmt.Errorf("add metric hook: %w", err)
	}

	return nil
}

func addMetricHook(s *redisstorage.Storage, conf *config) error {
	compressionTime, err := conf.meter.Float64Histogram("buildcache.storage.compression_time_seconds",
		metric.WithDescription("Duration of time in seconds to compress/decompress cached objects"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ExponentialBuckets(0.001, 2, 5)...))
	if err != nil {
		return err
	}

	compressionErrors, err := conf.meter.Int64Counter("buildcache.storage.compression_errors_total",
		metric.WithDescription("Count of errors during compression/decompression operations"),
		metric.WithUnit("count"))
	if err != nil {
		return err
	}

	s.AddHook(&metricsHook{
		attrs:             conf.attrs,
		compressionTime:   compressionTime,
		compressionErrors: compressionErrors,
	})
	return nil
}

type metricsHook struct {
	attrs             []attribute.KeyValue
	compressionTime   metric.Float64Histogram
	compressionErrors metric.Int64Counter
}

func (m *metricsHook) CompressHook(next redisstorage.CompressionHook) redisstorage.CompressionHook {
	return func(data []byte) ([]byte, error) {
		start := time.Now()

		compressed, err := next(data)

		dur := time.Since(start).Seconds()

		attrs := make([]attribute.KeyValue, 0, len(m.attrs)+1)
		attrs = append(attrs, m.attrs...)
		attrs = append(attrs, attribute.String("operation", "compress"))

		m.compressionTime.Record(context.Background(), dur, metric.WithAttributes(attrs...))

		if err != nil {
			m.compressionErrors.Add(context.Background(), 1, metric.WithAttributes(attrs...))
		}

		return compressed, err
	}
}

func (m *metricsHook) DecompressHook(next redisstorage.CompressionHook) redisstorage.CompressionHook {
	return func(data []byte) ([]byte, error) {
		start := time.Now()

		decompressed, err := next(data)

		dur := time.Since(start).Seconds()

		attrs := make([]attribute.KeyValue, 0, len(m.attrs)+1)
		attrs = append(attrs, m.attrs...)
		attrs = append(attrs, attribute.String("operation", "decompress"))

		m.compressionTime.Record(context.Background(), dur, metric.WithAttributes(attrs...))

		if err != nil {
			m.compressionErrors.Add(context.Background(), 1, metric.WithAttributes(attrs...))
		}

		return decompressed, err
	}
}
