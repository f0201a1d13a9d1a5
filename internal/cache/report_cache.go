package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"weatherfish/internal/metrics"
	reporterrors "weatherfish/pkg/errors"
)

// GenerateFunc produces the text for a fingerprint on a miss.
type GenerateFunc func(ctx context.Context) (string, error)

// Outcome tells a caller how GetOrGenerate obtained its text.
type Outcome int

const (
	// OutcomeHit means the text was already cached.
	OutcomeHit Outcome = iota
	// OutcomeGenerated means this caller ran the generation.
	OutcomeGenerated
	// OutcomeShared means this caller waited on another caller's generation.
	OutcomeShared
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeGenerated:
		return "generated"
	case OutcomeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// flightResult carries a flight's text and whether it came from the store
// rather than from generate.
type flightResult struct {
	text string
	hit  bool
}

// ReportCache maps fingerprints to report texts and runs at most one
// generation per fingerprint at a time. It never stores a failed result.
type ReportCache struct {
	store         Store
	flights       singleflight.Group
	flightTimeout time.Duration
	drainTimeout  time.Duration
	logger        *zap.Logger

	// mu orders flight registration against Close so no flight starts once
	// draining has begun.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// defaultDrainTimeout bounds how long Close waits for running flights.
const defaultDrainTimeout = 30 * time.Second

// Option configures a ReportCache.
type Option func(*ReportCache)

// WithFlightTimeout bounds a shared generation, which otherwise only ends
// when the generate function returns.
func WithFlightTimeout(d time.Duration) Option {
	return func(c *ReportCache) { c.flightTimeout = d }
}

// WithDrainTimeout bounds how long Close waits for running generations.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *ReportCache) { c.drainTimeout = d }
}

func NewReportCache(store Store, logger *zap.Logger, opts ...Option) *ReportCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ReportCache{
		store:        store,
		drainTimeout: defaultDrainTimeout,
		logger:       logger.Named("report_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached text for fp.
func (c *ReportCache) Get(ctx context.Context, fp Fingerprint) (string, bool, error) {
	return c.store.Get(ctx, fp)
}

// PutIfAbsent stores text unless fp is already cached and returns the text
// that ends up authoritative. A full store keeps its existing entries and the
// new text is returned uncached.
func (c *ReportCache) PutIfAbsent(ctx context.Context, fp Fingerprint, text string) (string, error) {
	stored, err := c.store.Add(ctx, fp, text)
	if errors.Is(err, ErrFull) {
		c.logger.Warn("report cache full, result not cached", zap.String("fingerprint", fp.Short()))
		return text, nil
	}
	if err != nil {
		return text, err
	}
	return stored, nil
}

// Clear removes all entries and returns the count removed.
func (c *ReportCache) Clear(ctx context.Context) (int, error) {
	return c.store.Clear(ctx)
}

// Len returns the number of cached reports.
func (c *ReportCache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// Close stops new generations, waits up to the drain timeout for running
// ones to finish, then closes the underlying store.
func (c *ReportCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	var drainErr error
	select {
	case <-drained:
	case <-time.After(c.drainTimeout):
		drainErr = fmt.Errorf("report cache: generations still running after %s", c.drainTimeout)
		c.logger.Warn("closing with generations still running", zap.Duration("drain_timeout", c.drainTimeout))
	}
	return errors.Join(drainErr, c.store.Close())
}

// track registers a running flight. It reports false once Close has begun.
func (c *ReportCache) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

// GetOrGenerate returns the cached text for fp or runs generate once for all
// concurrent callers of fp. The shared run is detached from any single
// caller's cancellation; each caller stops waiting when its own ctx ends.
// The result is cached only when generate succeeds.
func (c *ReportCache) GetOrGenerate(ctx context.Context, fp Fingerprint, generate GenerateFunc) (string, Outcome, error) {
	if text, ok, err := c.store.Get(ctx, fp); err != nil {
		// Store trouble is treated as a miss; generation still serves the caller.
		c.logger.Warn("report cache lookup failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
	} else if ok {
		return text, OutcomeHit, nil
	}

	// ran is only set by the caller whose function the group executes.
	ran := false
	ch := c.flights.DoChan(string(fp), func() (interface{}, error) {
		ran = true
		if !c.track() {
			return flightResult{}, reporterrors.NewGenerationError("cache.closed",
				"report cache is shutting down", nil, false)
		}
		defer c.inflight.Done()

		flightCtx := context.WithoutCancel(ctx)
		if c.flightTimeout > 0 {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithTimeout(flightCtx, c.flightTimeout)
			defer cancel()
		}

		// Another flight may have populated fp between the lookup and now.
		if text, ok, err := c.store.Get(flightCtx, fp); err == nil && ok {
			return flightResult{text: text, hit: true}, nil
		}

		text, err := generate(flightCtx)
		if err != nil {
			return flightResult{}, err
		}

		stored, err := c.PutIfAbsent(flightCtx, fp, text)
		if err != nil {
			// The text is good; only caching failed.
			c.logger.Error("report cache write failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
			return flightResult{text: text}, nil
		}
		return flightResult{text: stored}, nil
	})

	select {
	case <-ctx.Done():
		return "", OutcomeShared, reporterrors.NewGenerationError("cache.wait",
			"stopped waiting for report generation", ctx.Err(), false)
	case res := <-ch:
		outcome := OutcomeGenerated
		if !ran {
			outcome = OutcomeShared
			metrics.CoalescedTotal.Inc()
		}
		if res.Err != nil {
			return "", outcome, res.Err
		}
		fr := res.Val.(flightResult)
		if fr.hit {
			outcome = OutcomeHit
		}
		return fr.text, outcome, nil
	}
}
