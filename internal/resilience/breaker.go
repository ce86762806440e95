package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Breaker.Do when the breaker is open and
// not yet eligible for a half-open trial.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureRateThreshold trips the breaker once the sliding window is
	// full and the failure ratio meets or exceeds this value.
	FailureRateThreshold float64
	// WindowSize is the number of recent calls tracked for the failure rate.
	WindowSize int
	// MinimumCalls is the number of calls required in the window before
	// the breaker is eligible to trip.
	MinimumCalls int
	// OpenDuration is how long the breaker stays open before allowing a
	// half-open trial.
	OpenDuration time.Duration
}

// DefaultBreakerConfig returns the baseline breaker tuning used when a
// caller doesn't need custom thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinimumCalls:         20,
		OpenDuration:         60 * time.Second,
	}
}

// Breaker is a sliding-window failure-rate circuit breaker. Ordering with
// RetryPolicy is breaker-wraps-retry: construct via Wrap so a whole
// retried operation, however many attempts it takes, counts as a single
// call against the breaker.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       breakerState
	openedAt    time.Time
	halfOpenUse bool
	window      []bool // true == success, ring buffer
	windowPos   int
	windowFull  bool
	totalCalls  int
}

// NewBreaker constructs a Breaker with cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once OpenDuration has elapsed. Only a single half-open trial is
// permitted until it resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = stateHalfOpen
			b.halfOpenUse = false
		} else {
			return false
		}
		fallthrough
	case stateHalfOpen:
		if b.halfOpenUse {
			return false
		}
		b.halfOpenUse = true
		return true
	}
	return false
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		if success {
			b.state = stateClosed
			b.totalCalls, b.windowPos, b.windowFull = 0, 0, false
		} else {
			b.state = stateOpen
			b.openedAt = time.Now()
		}
		return
	}

	b.window[b.windowPos] = success
	b.windowPos = (b.windowPos + 1) % len(b.window)
	if b.windowPos == 0 {
		b.windowFull = true
	}
	b.totalCalls++

	if b.totalCalls < b.cfg.MinimumCalls || !b.windowFull {
		return
	}

	var failures int
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window)) >= b.cfg.FailureRateThreshold {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// Do runs fn if the breaker admits the call, recording its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	var err = fn(ctx)
	b.Record(err == nil)
	return err
}

// Wrap composes a Breaker with a RetryPolicy in the mandated order:
// the breaker gates the whole retried operation as one call.
func Wrap(b *Breaker, p RetryPolicy, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Do(ctx, func(ctx context.Context) error {
			return p.Do(ctx, fn)
		})
	}
}
