// Package resilience provides a circuit breaker used to shield the
// control loops from a persistently failing dependency. The audit
// store routes its writes through one so that a broken database makes
// writes fail fast instead of stalling every roll on I/O timeouts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes the breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that
	// trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before
	// letting a probe call through.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open
	// successes needed to close the breaker again.
	SuccessThreshold int
}

// DefaultSettings suits a local database dependency.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a three-state circuit breaker. Closed passes calls
// through, open fails them fast, half-open admits probes one at a
// time until the dependency proves itself again.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	retryAt   time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, settings Settings, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger.Named("breaker").With(zap.String("name", name)),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Do runs fn under breaker protection. While the breaker is open it
// returns ErrOpen without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	b.release(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: probe in flight: %w", b.name, ErrOpen)
		}
		b.probing = true
		return nil
	default:
		return fmt.Errorf("%s: retry after %s: %w", b.name, b.retryAt.Sub(b.now()).Round(time.Second), ErrOpen)
	}
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.settings.FailureThreshold) {
			b.trip()
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// refreshLocked moves an expired open breaker to half-open.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.now().Before(b.retryAt) {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) trip() {
	b.retryAt = b.now().Add(b.settings.RecoveryTimeout)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Time("retry_at", b.retryAt))
}
