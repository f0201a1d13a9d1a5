package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	reporterrors "weatherfish/pkg/errors"
)

func newTestReportCache(t *testing.T, opts ...Option) *ReportCache {
	t.Helper()
	return NewReportCache(NewLoggingStore(NewMemoryStore(MemoryConfig{}), "memory"), zaptest.NewLogger(t), opts...)
}

func TestGetOrGenerateCoalescesConcurrentMisses(t *testing.T) {
	c := newTestReportCache(t)
	fp := BuildFingerprint(ReportRequest{Cities: []string{"Berlin"}, Language: "de"})

	var calls atomic.Int32
	release := make(chan struct{})
	generate := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "report", nil
	}

	const n = 16
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]string, n)
		errs    = make([]error, n)
	)
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _, errs[i] = c.GetOrGenerate(context.Background(), fp, generate)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "report", results[i])
	}

	text, ok, err := c.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "report", text)
}

func TestGetOrGenerateHitSkipsGeneration(t *testing.T) {
	c := newTestReportCache(t)
	ctx := context.Background()

	_, err := c.PutIfAbsent(ctx, "fp", "cached")
	require.NoError(t, err)

	text, outcome, err := c.GetOrGenerate(ctx, "fp", func(context.Context) (string, error) {
		t.Fatal("generate must not run on a hit")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", text)
	assert.Equal(t, OutcomeHit, outcome)
}

func TestGetOrGenerateFailureIsNotCached(t *testing.T) {
	c := newTestReportCache(t)
	ctx := context.Background()
	boom := reporterrors.NewGenerationError("test", "backend down", nil, true)

	_, outcome, err := c.GetOrGenerate(ctx, "fp", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeGenerated, outcome)

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The fingerprint is eligible again.
	text, outcome, err := c.GetOrGenerate(ctx, "fp", func(context.Context) (string, error) {
		return "second try", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second try", text)
	assert.Equal(t, OutcomeGenerated, outcome)
}

func TestGetOrGenerateWaiterCancellationDoesNotStopFlight(t *testing.T) {
	c := newTestReportCache(t)
	fp := Fingerprint("fp")

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = c.GetOrGenerate(context.Background(), fp, func(ctx context.Context) (string, error) {
			<-release
			return "report", nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.GetOrGenerate(ctx, fp, func(context.Context) (string, error) {
		t.Fatal("second caller must join the running flight")
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.Is(err, reporterrors.ErrGeneration))

	close(release)
	<-done
}

func TestGetOrGenerateDetachesFromCallerCancellation(t *testing.T) {
	c := newTestReportCache(t)
	fp := Fingerprint("fp")

	ctx, cancel := context.WithCancel(context.Background())
	generated := make(chan error, 1)

	go func() {
		_, _, _ = c.GetOrGenerate(ctx, fp, func(fctx context.Context) (string, error) {
			time.Sleep(30 * time.Millisecond)
			generated <- fctx.Err()
			return "late report", nil
		})
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-generated:
		assert.NoError(t, err, "flight context must survive the caller's cancellation")
	case <-time.After(time.Second):
		t.Fatal("generation did not finish")
	}

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(context.Background(), fp)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestGetOrGenerateFlightTimeout(t *testing.T) {
	c := newTestReportCache(t, WithFlightTimeout(20*time.Millisecond))

	_, _, err := c.GetOrGenerate(context.Background(), "fp", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", reporterrors.NewGenerationError("test", "timed out", ctx.Err(), true)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok, _ := c.Get(context.Background(), "fp")
	assert.False(t, ok)
}

func TestPutIfAbsentFirstWriterWins(t *testing.T) {
	c := newTestReportCache(t)
	ctx := context.Background()

	got, err := c.PutIfAbsent(ctx, "fp", "one")
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	got, err = c.PutIfAbsent(ctx, "fp", "two")
	require.NoError(t, err)
	assert.Equal(t, "one", got)
}

func TestPutIfAbsentFullStoreReturnsText(t *testing.T) {
	c := NewReportCache(NewMemoryStore(MemoryConfig{MaxEntries: 1}), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := c.PutIfAbsent(ctx, "a", "A")
	require.NoError(t, err)

	got, err := c.PutIfAbsent(ctx, "b", "B")
	require.NoError(t, err)
	assert.Equal(t, "B", got)

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok)
}

func TestClearThenRegenerate(t *testing.T) {
	c := newTestReportCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	gen := func(context.Context) (string, error) {
		calls.Add(1)
		return "report", nil
	}

	_, _, err := c.GetOrGenerate(ctx, "fp", gen)
	require.NoError(t, err)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, outcome, err := c.GetOrGenerate(ctx, "fp", gen)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrGenerateRecheckHitReportsHit(t *testing.T) {
	store := &racingStore{Store: NewMemoryStore(MemoryConfig{})}
	c := NewReportCache(store, zaptest.NewLogger(t))
	ctx := context.Background()

	// The first lookup misses; the store is filled before the flight re-checks.
	store.afterFirstGet = func() {
		_, err := store.Store.Add(ctx, "fp", "from another writer")
		require.NoError(t, err)
	}

	text, outcome, err := c.GetOrGenerate(ctx, "fp", func(context.Context) (string, error) {
		t.Fatal("generate must not run when the re-check hits")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "from another writer", text)
	assert.Equal(t, OutcomeHit, outcome)
}

// racingStore runs afterFirstGet once, right after the first Get misses.
type racingStore struct {
	Store
	once          sync.Once
	afterFirstGet func()
}

func (s *racingStore) Get(ctx context.Context, fp Fingerprint) (string, bool, error) {
	text, ok, err := s.Store.Get(ctx, fp)
	s.once.Do(func() {
		if s.afterFirstGet != nil {
			s.afterFirstGet()
		}
	})
	return text, ok, err
}

func TestCloseWaitsForRunningGeneration(t *testing.T) {
	c := newTestReportCache(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = c.GetOrGenerate(context.Background(), "fp", func(context.Context) (string, error) {
			close(started)
			<-release
			return "report", nil
		})
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a generation was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the generation finished")
	}

	_, _, err := c.GetOrGenerate(context.Background(), "other", func(context.Context) (string, error) {
		t.Fatal("no generation may start after Close")
		return "", nil
	})
	assert.ErrorIs(t, err, reporterrors.ErrGeneration)
}

func TestCloseGivesUpAfterDrainTimeout(t *testing.T) {
	// no test logger: the abandoned flight finishes after the test returns
	c := NewReportCache(NewMemoryStore(MemoryConfig{}), nil, WithDrainTimeout(20*time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go func() {
		_, _, _ = c.GetOrGenerate(context.Background(), "fp", func(context.Context) (string, error) {
			close(started)
			<-release
			return "report", nil
		})
	}()
	<-started

	assert.Error(t, c.Close())
}
