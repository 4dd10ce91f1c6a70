// Package circuitbreaker implements the per-service circuit breaker that
// protects provider calls (and any other flaky downstream dependency) from
// cascading failures.
//
// # State machine
//
//	Closed ──(≥10 samples, error-rate > threshold)──► Open ──(now ≥ next_retry_at)──► HalfOpen
//	  ▲                                                                                    │
//	  └──────────────────────────(probe succeeds)────────────────────────────────────────┘
//	                   (probe fails) ───────────────────────────────────────────────► Open
//
// # Why a ring buffer, not a sliding time window
//
// The breaker classifies the last WindowSize *calls*, not the last N
// seconds. A low-traffic service should trip on a bad run of calls just as
// readily as a high-traffic one; a duration-based window would let a slow
// trickle of failures sit below the rate threshold indefinitely because the
// denominator never fills. Evaluation is also withheld until at least 10
// samples have landed, so a single cold-start failure cannot trip a breaker
// that has barely been exercised.
//
// # Concurrency
//
// All public methods (Allow, RecordSuccess, RecordFailure, State) are safe
// for concurrent use; they acquire the internal mutex for every call.
// The Registry uses a separate read-write mutex so the common read path
// (Get for an existing breaker) does not contend with the rare write path
// (a new service registered).
package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

// minSamples is the smallest sample count the breaker will evaluate. Below
// this the error rate is too noisy to act on, per the resilience layer's
// trip rule.
const minSamples = 10

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, every call executes
	StateOpen                  // every call rejected immediately
	StateHalfOpen               // exactly one probe call admitted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker's parameters. Field names and defaults
// track the resilience layer's breaker_failure_threshold /
// breaker_timeout_seconds / breaker_window_size knobs.
type Config struct {
	FailureThreshold float64       // error-rate that trips the breaker, e.g. 0.10
	TimeoutSeconds   int           // OPEN dwell time before a HALF_OPEN probe is admitted
	WindowSize       int           // ring buffer capacity (sample count, not duration)
}

// sample is a single outcome recorded in the ring buffer. true = success.
type sample struct {
	ok bool
}

// Breaker is a per-service circuit breaker backed by a fixed-size ring
// buffer of call outcomes.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	ring   []sample
	head   int // next write position in ring
	filled int // number of valid entries in ring, caps at len(ring)

	openedAt    time.Time
	nextRetryAt time.Time

	successCount uint64 // lifetime counters, exposed for the ledger row
	failureCount uint64

	// notify is invoked, outside the lock, on every failure and on every
	// state transition, so a Registry can persist the snapshot to the
	// ledger as those happen rather than only on a periodic flush.
	notify func(Snapshot)
}

// New creates a breaker with the given configuration. A zero WindowSize
// defaults to 100 and a zero TimeoutSeconds defaults to 600, matching the
// resilience layer's published defaults.
func New(cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 600
	}
	return &Breaker{
		cfg:  cfg,
		ring: make([]sample, cfg.WindowSize),
	}
}

// Allow reports whether a call should be permitted through the breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if !time.Now().Before(b.nextRetryAt) {
			b.state = StateHalfOpen
			snap, notify := b.snapshotLocked(), b.notify
			b.mu.Unlock()
			if notify != nil {
				notify(snap)
			}
			return true
		}
		b.mu.Unlock()
		return false
	case StateHalfOpen:
		// Only the call that triggered the Open→HalfOpen transition is
		// admitted; any concurrent caller finds the breaker still Open
		// in spirit and is rejected until the probe resolves.
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()
	return true
}

// RecordSuccess records a successful call. In HalfOpen this closes the
// breaker and resets the ring buffer so a prior bad run does not linger.
// Plain Closed-state successes are not persisted individually; they are
// picked up by the registry's periodic flush instead.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	b.successCount++
	transitioned := false

	switch b.state {
	case StateClosed:
		b.push(true)
	case StateHalfOpen:
		b.state = StateClosed
		b.head, b.filled = 0, 0
		b.ring = make([]sample, len(b.ring))
		transitioned = true
	}

	snap, notify := b.snapshotLocked(), b.notify
	b.mu.Unlock()

	if transitioned && notify != nil {
		notify(snap)
	}
}

// RecordFailure records a failed call. In Closed this may trip the breaker
// to Open; in HalfOpen the probe's failure reopens it with a fresh
// next_retry_at. Every failure is persisted, transition or not.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.failureCount++
	now := time.Now()

	switch b.state {
	case StateClosed:
		b.push(false)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.trip(now)
	}

	snap, notify := b.snapshotLocked(), b.notify
	b.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
}

// push appends an outcome to the ring buffer, overwriting the oldest entry
// once the buffer is full. Must be called under lock.
func (b *Breaker) push(ok bool) {
	b.ring[b.head] = sample{ok: ok}
	b.head = (b.head + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
}

// checkThreshold trips the breaker if enough samples have accumulated and
// the error rate exceeds the configured threshold. Must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	if b.filled < minSamples {
		return
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.ring[i].ok {
			failures++
		}
	}
	errorRate := float64(failures) / float64(b.filled)
	if errorRate > b.cfg.FailureThreshold {
		b.trip(now)
	}
}

// trip transitions the breaker to Open with a fresh next_retry_at. Must be
// called under lock.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.nextRetryAt = now.Add(time.Duration(b.cfg.TimeoutSeconds) * time.Second)
}

// State returns the current breaker state. It never changes the state:
// the Open→HalfOpen transition happens only in Allow, on the first call
// after next_retry_at has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes a breaker's row-shaped state for ledger persistence
// and observability (mirrors the circuit_breakers ledger table).
type Snapshot struct {
	State        State
	OpenedAt     time.Time
	NextRetryAt  time.Time
	SuccessCount uint64
	FailureCount uint64
	ErrorRate    float64
}

// Snapshot returns the breaker's current row-shaped state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// snapshotLocked builds a Snapshot from current state. Caller must hold b.mu.
func (b *Breaker) snapshotLocked() Snapshot {
	var errorRate float64
	if b.filled > 0 {
		failures := 0
		for i := 0; i < b.filled; i++ {
			if !b.ring[i].ok {
				failures++
			}
		}
		errorRate = float64(failures) / float64(b.filled)
	}

	return Snapshot{
		State:        b.state,
		OpenedAt:     b.openedAt,
		NextRetryAt:  b.nextRetryAt,
		SuccessCount: b.successCount,
		FailureCount: b.failureCount,
		ErrorRate:    errorRate,
	}
}

// Registry holds per-service circuit breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	persist  func(service string, snap Snapshot)
}

// NewRegistry creates a new breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
	}
}

// SetPersister installs the function every breaker in this registry uses
// to durably record its snapshots (on every transition, on every
// failure, and on every periodic flush). Safe to call before or after
// breakers have already been created.
func (r *Registry) SetPersister(fn func(service string, snap Snapshot)) {
	r.mu.Lock()
	r.persist = fn
	r.mu.Unlock()
}

// Get returns the breaker for a service, creating one with cfg if none
// exists yet. Subsequent calls ignore cfg and return the existing breaker.
func (r *Registry) Get(service string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = New(cfg)
	b.notify = func(snap Snapshot) {
		r.mu.RLock()
		fn := r.persist
		r.mu.RUnlock()
		if fn != nil {
			fn(service, snap)
		}
	}
	r.breakers[service] = b
	return b
}

// StartPeriodicFlush persists every breaker's current snapshot on
// interval until ctx is canceled. This is how batched success counts
// (never written per-call) get a bounded staleness even under sustained
// Closed-state traffic; it also acts as a safety net re-persisting
// transitions and failures in case an earlier notify was dropped.
func (r *Registry) StartPeriodicFlush(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.flushAll()
			}
		}
	}()
}

func (r *Registry) flushAll() {
	r.mu.RLock()
	fn := r.persist
	snaps := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		snaps[name] = b.Snapshot()
	}
	r.mu.RUnlock()

	if fn == nil {
		return
	}
	for name, snap := range snaps {
		fn(name, snap)
	}
}

// Remove deletes the breaker for a service.
func (r *Registry) Remove(service string) {
	r.mu.Lock()
	delete(r.breakers, service)
	r.mu.Unlock()
}

// Snapshot returns a map of service name to breaker state for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
