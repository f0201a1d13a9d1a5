package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"weatherfish/internal/metrics"
	"weatherfish/pkg/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner   Store
	backend string
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store, backend string) Store {
	return &LoggingStore{inner: inner, backend: backend}
}

func (s *LoggingStore) Get(ctx context.Context, fp Fingerprint) (string, bool, error) {
	start := time.Now()
	text, ok, err := s.inner.Get(ctx, fp)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "hit"
		metrics.CacheHitsTotal.Inc()
	default:
		metrics.CacheMissesTotal.Inc()
	}

	fields := s.fields(fp, start, zap.String("cache_result", result)) // hit | miss | error
	if err != nil {
		logging.L(ctx).Error("report_cache_get", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("report_cache_get", fields...)
	}

	return text, ok, err
}

func (s *LoggingStore) Add(ctx context.Context, fp Fingerprint, text string) (string, error) {
	start := time.Now()
	stored, err := s.inner.Add(ctx, fp, text)

	fields := s.fields(fp, start,
		zap.Int("text_bytes", len(text)),
		zap.Bool("already_present", err == nil && stored != text),
	)
	if err != nil {
		logging.L(ctx).Warn("report_cache_add", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Info("report_cache_add", fields...)
	}

	return stored, err
}

func (s *LoggingStore) Clear(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.inner.Clear(ctx)

	fields := []zap.Field{
		zap.String("cache_backend", s.backend),
		zap.Int("removed", n),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	if err != nil {
		logging.L(ctx).Error("report_cache_clear", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Info("report_cache_clear", fields...)
	}
	return n, err
}

func (s *LoggingStore) Len(ctx context.Context) (int, error) { return s.inner.Len(ctx) }

func (s *LoggingStore) Close() error { return s.inner.Close() }

func (s *LoggingStore) fields(fp Fingerprint, start time.Time, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("cache_backend", s.backend),
		zap.String("fingerprint", fp.Short()),
		zap.Float64("latency_ms", sinceMs(start)),
	}, extra...)
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
