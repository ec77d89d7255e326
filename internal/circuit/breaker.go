// Package circuit protects the remote mirror from hammering a bucket
// that is already failing. Every Put/Get/Delete the mirror issues goes
// through a MirrorBreaker: once enough consecutive mirror calls fail it
// stops issuing new ones for a cooldown period, then lets a single
// probe call through to decide whether the bucket has recovered.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MirrorState is where a MirrorBreaker currently sits.
type MirrorState int

const (
	// MirrorClosed lets mirror calls through normally.
	MirrorClosed MirrorState = iota
	// MirrorOpen rejects every mirror call without contacting the bucket.
	MirrorOpen
	// MirrorHalfOpen lets a bounded number of probe calls through to test
	// whether the bucket has recovered.
	MirrorHalfOpen
)

// String returns the state's name.
func (s MirrorState) String() string {
	switch s {
	case MirrorClosed:
		return "CLOSED"
	case MirrorOpen:
		return "OPEN"
	case MirrorHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes a MirrorBreaker.
type BreakerConfig struct {
	// MaxProbes bounds how many calls are let through while half-open.
	MaxProbes uint32 `yaml:"max_probes"`

	// Window is how long a closed breaker accumulates CallCounts before
	// resetting them, keeping an old run of successes from masking a
	// fresh run of failures.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long an open breaker waits before trying a probe.
	Cooldown time.Duration `yaml:"cooldown"`

	// ReadyToTrip decides whether accumulated counts should open the
	// breaker.
	ReadyToTrip func(counts CallCounts) bool `yaml:"-"`

	// OnStateChange is called whenever the breaker's state transitions.
	OnStateChange func(name string, from, to MirrorState) `yaml:"-"`

	// IsSuccessful decides whether a mirror call's error counts as a
	// failure for trip purposes.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// CallCounts tallies mirror calls within the current window.
type CallCounts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// MirrorBreaker guards one named remote-mirror endpoint.
type MirrorBreaker struct {
	name   string
	config BreakerConfig

	mu     sync.Mutex
	state  MirrorState
	counts CallCounts
	expiry time.Time
}

// NewMirrorBreaker creates a breaker for the named mirror endpoint,
// starting closed.
func NewMirrorBreaker(name string, config BreakerConfig) *MirrorBreaker {
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &MirrorBreaker{
		name:   name,
		config: config,
		state:  MirrorClosed,
		expiry: time.Now().Add(config.Window),
	}
}

// defaultReadyToTrip opens the breaker once at least 20 mirror calls
// have been made in the window and half of them failed.
func defaultReadyToTrip(counts CallCounts) bool {
	return counts.Requests >= 20 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

func defaultIsSuccessful(err error) bool {
	return err == nil
}

// Call runs fn if the breaker allows it.
func (b *MirrorBreaker) Call(fn func() error) error {
	err, _ := b.CallWithFallback(fn, nil)
	return err
}

// CallWithFallback runs fn if the breaker allows it, otherwise runs
// fallback (if non-nil) instead of touching the mirror at all.
func (b *MirrorBreaker) CallWithFallback(fn func() error, fallback func() error) (error, bool) {
	if err := b.beforeCall(); err != nil {
		if fallback != nil {
			return fallback(), true
		}
		return err, false
	}

	err := fn()
	b.afterCall(err)
	return err, false
}

// CallContext runs fn with ctx if the breaker allows it.
func (b *MirrorBreaker) CallContext(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *MirrorBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)

	if state == MirrorOpen {
		return ErrMirrorOpen
	}
	if state == MirrorHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return ErrTooManyProbes
	}

	b.counts.onRequest()
	return nil
}

func (b *MirrorBreaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *MirrorBreaker) onSuccess(state MirrorState, now time.Time) {
	b.counts.onSuccess()
	if state == MirrorHalfOpen {
		b.setState(MirrorClosed, now)
	}
}

func (b *MirrorBreaker) onFailure(state MirrorState, now time.Time) {
	b.counts.onFailure()
	switch state {
	case MirrorClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(MirrorOpen, now)
		}
	case MirrorHalfOpen:
		b.setState(MirrorOpen, now)
	}
}

func (b *MirrorBreaker) currentState(now time.Time) (MirrorState, time.Time) {
	switch b.state {
	case MirrorClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Window)
		}
	case MirrorOpen:
		if b.expiry.Before(now) {
			b.setState(MirrorHalfOpen, now)
		}
	}
	return b.state, b.expiry
}

func (b *MirrorBreaker) setState(state MirrorState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case MirrorClosed:
		b.expiry = now.Add(b.config.Window)
	case MirrorOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case MirrorHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the breaker's current state, advancing it past an
// expired cooldown or window first.
func (b *MirrorBreaker) State() MirrorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the breaker's current call counts.
func (b *MirrorBreaker) Counts() CallCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker back to closed, clearing its counts.
func (b *MirrorBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(MirrorClosed, time.Now())
}

// Name returns the mirror endpoint name this breaker guards.
func (b *MirrorBreaker) Name() string {
	return b.name
}

func (c *CallCounts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *CallCounts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *CallCounts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *CallCounts) clear() {
	*c = CallCounts{}
}

var (
	// ErrMirrorOpen is returned when the mirror breaker is open.
	ErrMirrorOpen = errors.New("mirror circuit breaker is open")

	// ErrTooManyProbes is returned when a half-open breaker already has
	// its probe budget in flight.
	ErrTooManyProbes = errors.New("too many probe calls against half-open mirror breaker")
)
