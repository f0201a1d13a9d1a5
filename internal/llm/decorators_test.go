package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	reporterrors "weatherfish/pkg/errors"
)

type fakeGenerator struct {
	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, _ Prompt, _ GenerationConfig) (string, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return "report", nil
}

func TestSerializedAllowsOneAtATime(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{delay: 10 * time.Millisecond}
	gen := Serialized(fake, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gen.Generate(context.Background(), Prompt{}, GenerationConfig{}); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if fake.calls.Load() != 8 {
		t.Fatalf("expected 8 calls, got %d", fake.calls.Load())
	}
	if fake.peak.Load() != 1 {
		t.Fatalf("expected at most one concurrent call, saw %d", fake.peak.Load())
	}
}

func TestSerializedHonorsContextWhileWaiting(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{delay: 200 * time.Millisecond}
	gen := Serialized(fake, 1)

	go func() { _, _ = gen.Generate(context.Background(), Prompt{}, GenerationConfig{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gen.Generate(ctx, Prompt{}, GenerationConfig{})
	if !errors.Is(err, reporterrors.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestBreakerOpensAfterRetryableFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{err: reporterrors.NewGenerationError("test", "down", nil, true)}
	gen := WithBreaker(fake, BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		if _, err := gen.Generate(context.Background(), Prompt{}, GenerationConfig{}); !reporterrors.IsRetryable(err) {
			t.Fatalf("call %d: expected retryable backend error, got %v", i, err)
		}
	}

	_, err := gen.Generate(context.Background(), Prompt{}, GenerationConfig{})
	if !errors.Is(err, reporterrors.ErrGeneration) || reporterrors.IsRetryable(err) {
		t.Fatalf("expected non-retryable open-circuit error, got %v", err)
	}
	if fake.calls.Load() != 2 {
		t.Fatalf("open breaker must not reach the backend, calls = %d", fake.calls.Load())
	}
}

func TestBreakerIgnoresNonRetryableFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{err: reporterrors.NewGenerationError("test", "empty output", nil, false)}
	gen := WithBreaker(fake, BreakerConfig{Enabled: true, ConsecutiveFailures: 1}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, _ = gen.Generate(context.Background(), Prompt{}, GenerationConfig{})
	}
	if fake.calls.Load() != 3 {
		t.Fatalf("expected every call to reach the backend, got %d", fake.calls.Load())
	}
}

func TestBreakerDisabledReturnsGenerator(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{}
	if gen := WithBreaker(fake, BreakerConfig{}, nil); gen != Generator(fake) {
		t.Fatalf("disabled breaker should return the wrapped generator")
	}
}
