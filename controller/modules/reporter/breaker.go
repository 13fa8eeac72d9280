package reporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBreakerOpen is returned without contacting the backend while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open; fast-fail")

type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops hammering an unreachable backend. After MaxFailures
// consecutive failures it fails fast for ResetTimeout, then lets one call
// through as a trial call.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       BreakerState
	recentFails int
	openedAt    time.Time
}

func NewBreaker(name string, maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = HalfOpen
		log.Info().Str("breaker", b.name).Msg("probing backend")
	}
	b.mu.Unlock()

	if err := op(ctx); err != nil {
		b.onFailure(err)
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		log.Info().Str("breaker", b.name).Str("from", b.state.String()).Msg("breaker closed")
	}
	b.state = Closed
	b.recentFails = 0
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	if b.state == HalfOpen || b.recentFails >= b.maxFailures {
		if b.state != Open {
			log.Warn().Str("breaker", b.name).Int("failures", b.recentFails).Err(err).Msg("breaker opened")
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
