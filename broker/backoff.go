package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"golang.org/x/time/rate"
)

type BackoffConfig struct {
	// InitialDelay is the wait before the attempt following a first failure
	InitialDelay time.Duration
	// MaxDelay caps the exponential delay
	MaxDelay time.Duration
	// MaxFailures in a row before giving up on the waiting demands
	MaxFailures int
	// AttemptsPerSecond limits connection attempts, whatever the failures
	AttemptsPerSecond float64
	Burst             int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		MaxFailures:       5,
		AttemptsPerSecond: 2,
		Burst:             3,
	}
}

// Backoff paces the connection attempts to a server
type Backoff struct {
	config   BackoffConfig
	limiter  *rate.Limiter
	mu       sync.Mutex
	failures int
}

func NewBackoff(config BackoffConfig) *Backoff {
	defaults := DefaultBackoffConfig()
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.AttemptsPerSecond <= 0 {
		config.AttemptsPerSecond = defaults.AttemptsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	return &Backoff{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.AttemptsPerSecond), config.Burst),
	}
}

// Delay before the next attempt
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures == 0 {
		return 0
	}
	delay := b.config.InitialDelay
	for i := 1; i < b.failures; i++ {
		delay *= 2
		if delay >= b.config.MaxDelay {
			return b.config.MaxDelay
		}
	}
	return delay
}

// ScheduleConnectAttempt blocks until the next connection attempt is allowed
func (b *Backoff) ScheduleConnectAttempt(ctx context.Context) error {
	if delay := b.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return b.limiter.Wait(ctx)
}

func (b *Backoff) NoteConnectSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
}

// NoteConnectFailureMaybeRetry records the failure and returns true if another attempt makes sense
func (b *Backoff) NoteConnectFailureMaybeRetry(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if errors.Is(err, lib.ErrAuthFailed) || errors.Is(err, context.Canceled) {
		return false
	}
	return b.failures < b.config.MaxFailures
}

func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}
