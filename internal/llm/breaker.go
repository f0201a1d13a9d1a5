package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	reporterrors "weatherfish/pkg/errors"
)

// BreakerConfig controls the circuit breaker around a Generator.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"` // default: 5
	OpenTimeout         time.Duration `yaml:"open_timeout"`         // default: 30s
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`   // default: 1
}

// WithBreaker trips after consecutive retryable failures and fails fast while
// open. Non-retryable failures (bad request, bad output) do not count against
// the backend.
func WithBreaker(gen Generator, cfg BreakerConfig, logger *zap.Logger) Generator {
	if !cfg.Enabled {
		return gen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !reporterrors.IsRetryable(err)
		},
	})

	return &breaker{next: gen, cb: cb}
}

type breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

func (b *breaker) Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, prompt, cfg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", reporterrors.NewGenerationError("llm.breaker", "generation backend circuit open", err, false)
		}
		return "", err
	}
	return out.(string), nil
}
