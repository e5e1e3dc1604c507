package assignment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/certflow/model"
)

// ErrPublisherOpen is returned while the breaker short-circuits publishes.
var ErrPublisherOpen = errors.New("event publisher circuit is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerPublisher guards an EventPublisher with a circuit breaker so a
// broker outage costs one fast failure per event instead of a network
// timeout on every mutation. After failureThreshold consecutive failures
// it rejects publishes for cooldown, then lets a single trial publish through; a
// successful trial closes the circuit.
type BreakerPublisher struct {
	next             EventPublisher
	failureThreshold int
	cooldown         time.Duration
	clock            func() time.Time

	mu            sync.Mutex
	state         breakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreakerPublisher wraps next. Non-positive arguments select 5
// failures and a 30 second cooldown.
func NewBreakerPublisher(next EventPublisher, failureThreshold int, cooldown time.Duration) *BreakerPublisher {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerPublisher{
		next:             next,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		clock:            time.Now,
	}
}

// Publish implements EventPublisher.
func (b *BreakerPublisher) Publish(ctx context.Context, event model.AssignmentEvent) error {
	if !b.allow() {
		return ErrPublisherOpen
	}
	err := b.next.Publish(ctx, event)
	b.record(err == nil)
	return err
}

// State reports the breaker state for diagnostics.
func (b *BreakerPublisher) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *BreakerPublisher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.trialInFlight = true
		return true
	case breakerHalfOpen:
		// One trial at a time.
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

func (b *BreakerPublisher) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if ok {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = b.clock()
	}
}
