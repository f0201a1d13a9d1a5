package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"weatherfish/internal/cache"
	"weatherfish/internal/llm"
	"weatherfish/internal/prompt"
	"weatherfish/internal/weather"
	reporterrors "weatherfish/pkg/errors"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []llm.Prompt
	errs    []error // consumed one per call; nil entries succeed
	calls   atomic.Int32
	delay   time.Duration
	text    string
}

func (f *fakeGenerator) Generate(ctx context.Context, p llm.Prompt, _ llm.GenerationConfig) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", reporterrors.NewGenerationError("fake", "timed out", ctx.Err(), true)
		}
	}
	if err != nil {
		return "", err
	}
	if f.text == "" {
		return "Guten Morgen aus Berlin.", nil
	}
	return f.text, nil
}

func (f *fakeGenerator) lastPrompt() llm.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

type fakeSink struct {
	mu     sync.Mutex
	writes map[string]string
	err    error
}

func (s *fakeSink) Write(_ context.Context, text, style string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == nil {
		s.writes = map[string]string{}
	}
	s.writes[style] = text
	return nil
}

type closeRecorder struct {
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	gen      *fakeGenerator
	sink     *fakeSink
	cache    *cache.ReportCache
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, gen *fakeGenerator, sink *fakeSink, cfg Config, opts ...Option) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	source := weather.NewStaticSource(map[string]weather.Snapshot{
		"Berlin": {
			Current: weather.Current{Temperature: weather.Float(21), FeelsLike: weather.Float(20), Sky: "clear"},
			Today:   weather.Today{MinTemp: weather.Float(15), MaxTemp: weather.Float(24), Precipitation: "0mm"},
		},
		"Munich": {
			Current: weather.Current{Temperature: weather.Float(18), Sky: "cloudy"},
		},
	})
	rc := cache.NewReportCache(cache.NewMemoryStore(cache.MemoryConfig{}), logger)

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation = llm.DefaultGenerationConfig()
	}
	if cfg.Retry.BaseBackoff == 0 {
		cfg.Retry.BaseBackoff = time.Millisecond
	}

	p, err := New(Deps{
		Cache:     rc,
		Source:    source,
		Prompts:   prompt.New(),
		Generator: gen,
		Sink:      sink,
	}, cfg, logger, append([]Option{WithTracerProvider(tp)}, opts...)...)
	require.NoError(t, err)

	return &fixture{pipeline: p, gen: gen, sink: sink, cache: rc, spans: spans}
}

func berlinRequest() cache.ReportRequest {
	return cache.ReportRequest{
		Cities:   []string{"Berlin"},
		Person:   "",
		Hobbies:  []string{"hiking"},
		Language: "de",
	}
}

func eventNames(span sdktrace.ReadOnlySpan) []string {
	var out []string
	for _, e := range span.Events() {
		out = append(out, e.Name)
	}
	return out
}

func TestProduceBerlinMissThenHit(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, &fakeSink{}, Config{})
	ctx := context.Background()

	text, err := f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, "Guten Morgen aus Berlin.", text)
	assert.Equal(t, int32(1), f.gen.calls.Load())

	p := f.gen.lastPrompt()
	assert.Contains(t, p.System, "German")
	assert.Contains(t, p.System, "hiking")
	assert.Contains(t, p.User, "Berlin: temp 21°C")

	assert.Equal(t, "Guten Morgen aus Berlin.", f.sink.writes[""])

	again, err := f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, text, again)
	assert.Equal(t, int32(1), f.gen.calls.Load(), "second call must be served from cache")

	ended := f.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, []string{
		string(StateKeyBuilt), string(StateCacheCheck), string(StateCacheMiss),
		string(StateFetchSnapshots), string(StateBuildPrompt), string(StateGenerate),
		string(StatePersist), string(StatePopulateCache), string(StateDone),
	}, eventNames(ended[0]))
	assert.Equal(t, []string{
		string(StateKeyBuilt), string(StateCacheCheck), string(StateCacheHit), string(StateDone),
	}, eventNames(ended[1]))
}

func TestProduceIsOrderIndependent(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, &fakeSink{}, Config{})
	ctx := context.Background()

	_, err := f.pipeline.Produce(ctx, cache.ReportRequest{
		Cities: []string{"Berlin", "Munich"}, Hobbies: []string{"chess", "hiking"}, Language: "en",
	})
	require.NoError(t, err)

	_, err = f.pipeline.Produce(ctx, cache.ReportRequest{
		Cities: []string{"Munich", "Berlin"}, Hobbies: []string{"hiking", "chess"}, Language: "en",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestProduceConcurrentCallsGenerateOnce(t *testing.T) {
	f := newFixture(t, &fakeGenerator{delay: 50 * time.Millisecond}, &fakeSink{}, Config{})

	const n = 20
	var wg sync.WaitGroup
	texts := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			texts[i], errs[i] = f.pipeline.Produce(context.Background(), berlinRequest())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.gen.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Guten Morgen aus Berlin.", texts[i])
	}
}

func TestProduceTimeoutLeavesFingerprintUncached(t *testing.T) {
	timeout := reporterrors.NewGenerationError("llm.generate", "generation timed out", context.DeadlineExceeded, true)
	f := newFixture(t, &fakeGenerator{errs: []error{timeout}}, &fakeSink{}, Config{})
	ctx := context.Background()

	_, err := f.pipeline.Produce(ctx, berlinRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, reporterrors.ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n, err := f.cache.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.sink.writes)

	text, err := f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, "Guten Morgen aus Berlin.", text)
	assert.Equal(t, int32(2), f.gen.calls.Load())

	ended := f.spans.Ended()
	require.Len(t, ended, 2)
	assert.Contains(t, eventNames(ended[0]), string(StateFailed))
}

func TestProduceRetriesRetryableErrors(t *testing.T) {
	transient := reporterrors.NewGenerationError("llm.generate", "upstream 503", nil, true)
	f := newFixture(t,
		&fakeGenerator{errs: []error{transient, transient}},
		&fakeSink{},
		Config{Retry: RetryPolicy{MaxRetries: 2}},
	)

	text, err := f.pipeline.Produce(context.Background(), berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, "Guten Morgen aus Berlin.", text)
	assert.Equal(t, int32(3), f.gen.calls.Load())
}

func TestProduceDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := reporterrors.NewGenerationError("llm.generate", "backend returned empty output", nil, false)
	f := newFixture(t,
		&fakeGenerator{errs: []error{permanent}},
		&fakeSink{},
		Config{Retry: RetryPolicy{MaxRetries: 3}},
	)

	_, err := f.pipeline.Produce(context.Background(), berlinRequest())
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestProduceNoRetryByDefault(t *testing.T) {
	transient := reporterrors.NewGenerationError("llm.generate", "upstream 503", nil, true)
	f := newFixture(t, &fakeGenerator{errs: []error{transient}}, &fakeSink{}, Config{})

	_, err := f.pipeline.Produce(context.Background(), berlinRequest())
	assert.Error(t, err)
	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestProducePersistenceFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, &fakeSink{err: errors.New("disk full")}, Config{})
	ctx := context.Background()

	text, err := f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, "Guten Morgen aus Berlin.", text)

	cached, ok, err := f.cache.Get(ctx, cache.BuildFingerprint(berlinRequest()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, text, cached)
}

func TestProduceUnknownLocationsStillGenerate(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, &fakeSink{}, Config{})

	_, err := f.pipeline.Produce(context.Background(), cache.ReportRequest{Cities: []string{"Atlantis"}})
	require.NoError(t, err)
	assert.NotContains(t, f.gen.lastPrompt().User, "Atlantis")
}

func TestClearThenProduceRegenerates(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, &fakeSink{}, Config{})
	ctx := context.Background()

	_, err := f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)

	n, err := f.pipeline.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.pipeline.Produce(ctx, berlinRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestCloseReleasesRegisteredClosers(t *testing.T) {
	rec := &closeRecorder{}
	f := newFixture(t, &fakeGenerator{}, &fakeSink{}, Config{}, WithCloser(rec))

	require.NoError(t, f.pipeline.Close())
	assert.True(t, rec.closed.Load())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{Generation: llm.DefaultGenerationConfig()}, nil)
	assert.Error(t, err)
}

func TestComputeBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 15; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 60*time.Second)
		if attempt < 3 {
			assert.LessOrEqual(t, d, 100*time.Millisecond<<attempt)
		}
	}
}
