// Package breaker implements the per-dependency circuit breaker used to
// gate oracle tool invocations. The check happens before any semaphore
// slot is taken, so an open breaker never wastes oracle concurrency.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

// Breaker states.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Defaults per dependency.
const (
	DefaultFailureThreshold = 3
	DefaultResetTime        = 5 * time.Minute
)

// Breaker is the state machine for one named dependency.
//
//	closed:    normal; failures count up, threshold trips to open
//	open:      reject immediately; after resetTime the next IsOpen check
//	           moves to half-open
//	half-open: one probe allowed; success closes, failure reopens
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	consecutiveFails int
	lastFailure      time.Time
	failureThreshold int
	resetTime        time.Duration
	now              func() time.Time
	log              *slog.Logger
}

// New creates a closed breaker for the named dependency.
func New(name string, failureThreshold int, resetTime time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTime <= 0 {
		resetTime = DefaultResetTime
	}
	return &Breaker{
		name:             name,
		state:            Closed,
		failureThreshold: failureThreshold,
		resetTime:        resetTime,
		now:              time.Now,
		log:              slog.With("component", "breaker", "dependency", name),
	}
}

// IsOpen reports whether calls should be rejected right now. An open
// breaker whose cooldown has elapsed transitions to half-open here and
// admits one probe.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.lastFailure) >= b.resetTime {
		b.state = HalfOpen
		b.log.Info("Breaker cooldown elapsed, allowing probe")
	}
	return b.state == Open
}

// RecordSuccess closes the breaker and zeroes the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.log.Info("Breaker closing after successful call", "from", b.state)
	}
	b.state = Closed
	b.consecutiveFails = 0
}

// RecordFailure counts a failure. At the threshold the breaker opens; a
// half-open probe failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.lastFailure = b.now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.log.Warn("Probe failed, breaker reopening")
	case Closed:
		if b.consecutiveFails >= b.failureThreshold {
			b.state = Open
			b.log.Warn("Failure threshold reached, breaker opening",
				"consecutive_fails", b.consecutiveFails)
		}
	}
}

// Snapshot returns the current state for introspection.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:             b.name,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		LastFailure:      b.lastFailure,
	}
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailure      time.Time `json:"lastFailure,omitzero"`
}

// Registry holds one breaker per named dependency, created lazily. Unknown
// dependencies pass through with a fresh closed breaker, which keeps the
// gateway forward-compatible with tool providers it has never seen.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	resetTime        time.Duration
}

// NewRegistry creates a registry with shared thresholds.
func NewRegistry(failureThreshold int, resetTime time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		resetTime:        resetTime,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.failureThreshold, r.resetTime)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the current state of every known breaker.
func (r *Registry) Snapshots() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
