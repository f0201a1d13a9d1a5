// Package pipeline turns a report request into report text: it checks the
// cache, and on a miss fetches weather, builds the prompt, generates,
// persists and populates the cache, with one generation per fingerprint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"weatherfish/internal/cache"
	"weatherfish/internal/llm"
	"weatherfish/internal/metrics"
	"weatherfish/internal/persist"
	"weatherfish/internal/prompt"
	"weatherfish/internal/weather"
	reporterrors "weatherfish/pkg/errors"
)

// TracerName identifies spans produced by the pipeline.
const TracerName = "weatherfish/pipeline"

// State names a step of Produce. Each transition is logged and recorded as a
// span event.
type State string

const (
	StateKeyBuilt       State = "key_built"
	StateCacheCheck     State = "cache_check"
	StateCacheHit       State = "cache_hit"
	StateCacheMiss      State = "cache_miss"
	StateFetchSnapshots State = "fetch_snapshots"
	StateBuildPrompt    State = "build_prompt"
	StateGenerate       State = "generate"
	StatePersist        State = "persist"
	StatePopulateCache  State = "populate_cache"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Config holds the generation parameters and retry policy.
type Config struct {
	Generation llm.GenerationConfig `yaml:"generation"`
	Retry      RetryPolicy          `yaml:"retry"`
}

// Deps are the collaborators a Pipeline orchestrates. Sink may be nil.
type Deps struct {
	Cache     *cache.ReportCache
	Source    weather.Source
	Prompts   *prompt.Builder
	Generator llm.Generator
	Sink      persist.Sink
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cache   *cache.ReportCache
	source  weather.Source
	prompts *prompt.Builder
	gen     llm.Generator
	sink    persist.Sink

	cfg     Config
	tracer  trace.Tracer
	logger  *zap.Logger
	closers []io.Closer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(TracerName) }
}

// WithCloser registers a resource that Close releases after the cache.
func WithCloser(c io.Closer) Option {
	return func(p *Pipeline) { p.closers = append(p.closers, c) }
}

func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if deps.Cache == nil || deps.Source == nil || deps.Generator == nil {
		return nil, errors.New("pipeline: cache, source and generator are required")
	}
	if err := cfg.Generation.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: generation config: %w", err)
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.New()
	}
	if deps.Sink == nil {
		deps.Sink = persist.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		cache:   deps.Cache,
		source:  deps.Source,
		prompts: deps.Prompts,
		gen:     deps.Generator,
		sink:    deps.Sink,
		cfg:     cfg,
		tracer:  otel.Tracer(TracerName),
		logger:  logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Produce returns the report for req. On failure nothing is cached and no
// partial text is returned.
func (p *Pipeline) Produce(ctx context.Context, req cache.ReportRequest) (string, error) {
	start := time.Now()
	fp := cache.BuildFingerprint(req)

	ctx, span := p.tracer.Start(ctx, "report.produce",
		trace.WithAttributes(
			attribute.String("report.fingerprint", string(fp)),
			attribute.String("report.language", req.Language),
			attribute.Int("report.locations", len(req.Cities)+len(req.Zipcodes)),
		),
	)
	defer span.End()

	logger := p.logger.With(zap.String("fingerprint", fp.Short()))
	p.step(ctx, logger, StateKeyBuilt)
	p.step(ctx, logger, StateCacheCheck)

	text, outcome, err := p.cache.GetOrGenerate(ctx, fp, func(ctx context.Context) (string, error) {
		p.step(ctx, logger, StateCacheMiss)
		return p.generate(ctx, logger, req)
	})
	span.SetAttributes(attribute.String("report.cache_outcome", outcome.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.step(ctx, logger, StateFailed, zap.Error(err))
		logger.Error("report failed",
			zap.String("error_kind", string(reporterrors.KindOf(err))),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}

	if outcome == cache.OutcomeHit {
		p.step(ctx, logger, StateCacheHit)
	}
	p.step(ctx, logger, StateDone)
	logger.Info("report produced",
		zap.String("cache_outcome", outcome.String()),
		zap.Int("text_bytes", len(text)),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}

// generate runs the miss path. It runs once per fingerprint no matter how
// many callers are waiting.
func (p *Pipeline) generate(ctx context.Context, logger *zap.Logger, req cache.ReportRequest) (string, error) {
	p.step(ctx, logger, StateFetchSnapshots)
	snapshots, err := p.source.Fetch(ctx, req.Zipcodes, req.Cities)
	if err != nil {
		return "", fmt.Errorf("fetch weather snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		logger.Warn("no weather data for any requested location",
			zap.Strings("cities", req.Cities),
			zap.Strings("zipcodes", req.Zipcodes),
		)
	}

	p.step(ctx, logger, StateBuildPrompt, zap.Int("snapshots", len(snapshots)))
	pr := p.prompts.Build(snapshots, req.Person, req.Hobbies, req.Language)

	p.step(ctx, logger, StateGenerate, zap.Int("prompt_bytes", pr.Len()))
	text, err := withRetry(ctx, p.cfg.Retry, logger, func(ctx context.Context) (string, error) {
		return p.generateOnce(ctx, pr)
	})
	if err != nil {
		return "", err
	}

	p.step(ctx, logger, StatePersist)
	if err := p.sink.Write(ctx, text, req.Person); err != nil {
		perr := reporterrors.NewPersistenceError("persist.write", "report not persisted", err)
		metrics.PersistFailuresTotal.Inc()
		trace.SpanFromContext(ctx).RecordError(perr)
		logger.Warn("persisting report failed, continuing", zap.Error(perr))
	}

	p.step(ctx, logger, StatePopulateCache)
	return text, nil
}

func (p *Pipeline) generateOnce(ctx context.Context, pr llm.Prompt) (string, error) {
	start := time.Now()
	text, err := p.gen.Generate(ctx, pr, p.cfg.Generation)
	metrics.GenerationSeconds.Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "error"
		var rerr *reporterrors.Error
		if errors.As(err, &rerr) && rerr.Timeout() {
			result = "timeout"
		}
	}
	metrics.GenerationsTotal.WithLabelValues(result).Inc()
	return text, err
}

func (p *Pipeline) step(ctx context.Context, logger *zap.Logger, s State, fields ...zap.Field) {
	trace.SpanFromContext(ctx).AddEvent(string(s))
	logger.Debug("pipeline step", append([]zap.Field{zap.String("state", string(s))}, fields...)...)
}

// Clear empties the report cache and returns the number of entries removed.
func (p *Pipeline) Clear(ctx context.Context) (int, error) {
	return p.cache.Clear(ctx)
}

// Close releases the cache store, then any registered closers.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
