package errors

import (
	"errors"
	"sync"
)

// ErrBreakerTripped is returned when a one-shot breaker has tripped.
var ErrBreakerTripped = errors.New("breaker tripped, feature disabled for process lifetime")

// OneShotBreaker guards an optional feature that degrades permanently.
// Unlike a classic circuit breaker there is no half-open state and no reset:
// the first recorded failure disables the feature for the remainder of the
// process lifetime. Used for the reranker, whose initialization failure must
// not be retried per query.
type OneShotBreaker struct {
	name string

	mu      sync.RWMutex
	tripped bool
	reason  string
}

// NewOneShotBreaker creates a breaker with the given name for logging.
func NewOneShotBreaker(name string) *OneShotBreaker {
	return &OneShotBreaker{name: name}
}

// Name returns the breaker name.
func (b *OneShotBreaker) Name() string {
	return b.name
}

// Allow reports whether the guarded feature may be attempted.
func (b *OneShotBreaker) Allow() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.tripped
}

// Trip disables the feature permanently, recording the reason.
// Subsequent calls keep the first reason.
func (b *OneShotBreaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return
	}
	b.tripped = true
	b.reason = reason
}

// Tripped reports whether the breaker has tripped, with the recorded reason.
func (b *OneShotBreaker) Tripped() (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripped, b.reason
}

// Execute runs fn if the breaker allows it, tripping on failure.
// Returns ErrBreakerTripped without calling fn once tripped.
func (b *OneShotBreaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrBreakerTripped
	}

	if err := fn(); err != nil {
		b.Trip(err.Error())
		return err
	}
	return nil
}
