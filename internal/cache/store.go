package cache

import (
	"context"
	"errors"
)

// ErrFull is returned by Add when a bounded store has no room. Existing
// entries are never evicted to make space.
var ErrFull = errors.New("cache: store is full")

// Store holds report texts by fingerprint. Entries are insert-once: there is
// no update and no per-key delete, only Clear.
// Implemented by memory store (dev) and Redis store (prod).
type Store interface {
	Get(ctx context.Context, fp Fingerprint) (string, bool, error)
	// Add stores text if fp is absent and returns whichever text ends up
	// stored: the argument, or the entry that was already there.
	Add(ctx context.Context, fp Fingerprint, text string) (string, error)
	// Clear removes every entry and reports how many were removed.
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
