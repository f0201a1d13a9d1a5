package llm

import (
	"context"

	"golang.org/x/sync/semaphore"

	reporterrors "weatherfish/pkg/errors"
)

// Serialized bounds how many generations run against gen at once. Local
// inference servers typically hold a single model instance, so the usual
// permit count is 1.
func Serialized(gen Generator, permits int64) Generator {
	if permits <= 0 {
		permits = 1
	}
	return &gate{next: gen, sem: semaphore.NewWeighted(permits)}
}

type gate struct {
	next Generator
	sem  *semaphore.Weighted
}

func (g *gate) Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", reporterrors.NewGenerationError("llm.gate", "waiting for generation slot", err, false)
	}
	defer g.sem.Release(1)

	return g.next.Generate(ctx, prompt, cfg)
}
