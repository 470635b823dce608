// Package breaker implements circuit breaking for calls to unreliable
// downstream collaborators.
//
// breaker.go - Single named breaker state machine
//
// State transitions:
//
//	CLOSED ──(failures >= threshold)──> OPEN
//	OPEN ──(cooldown elapsed)──> HALF_OPEN
//	HALF_OPEN ──(probe succeeds)──> CLOSED
//	HALF_OPEN ──(probe fails)──> OPEN (cooldown doubles, up to a cap)
//
// While OPEN, Call short-circuits immediately with ErrCircuitOpen without
// invoking the wrapped function. Transitions are linearizable per breaker:
// all state reads and writes happen under a single mutex.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/metrics"
)

// ErrCircuitOpen is returned by Call while the breaker is open. The
// downstream is known-unhealthy; callers must not retry inline.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the health state of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Classifier decides whether an error counts toward tripping the breaker.
// Only downstream-unavailability errors (timeouts, connection refused,
// 5xx-equivalent) should count; caller-input errors should not.
type Classifier func(err error) bool

// DefaultClassifier counts timeouts and cancellations as downstream
// failures and everything else as caller errors. Wire a custom classifier
// for dependencies with richer error taxonomies.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}

// Config holds per-breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive classified failures
	// that trips the breaker.
	FailureThreshold int
	// Cooldown is the initial OPEN duration before a probe is allowed.
	Cooldown time.Duration
	// MaxCooldown caps the exponential cooldown growth.
	MaxCooldown time.Duration
	// CallTimeout bounds each wrapped call. Distinct from Cooldown; a
	// timed-out call is a classified failure.
	CallTimeout time.Duration
	// Classify overrides DefaultClassifier when set.
	Classify Classifier
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		CallTimeout:      5 * time.Second,
	}
}

// Metrics is a point-in-time snapshot of one breaker's health.
type Metrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalShortCircuits  int64     `json:"total_short_circuits"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	CurrentCooldown     string    `json:"current_cooldown"`
}

// Breaker guards a single named downstream dependency.
type Breaker struct {
	name     string
	cfg      Config
	classify Classifier

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probing             bool

	totalCalls         int64
	totalFailures      int64
	totalShortCircuits int64

	clock func() time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	classify := cfg.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		classify: classify,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		clock:    time.Now,
	}
}

// Name returns the downstream dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Call invokes fn under the breaker's protection. While the breaker is
// open, fn is not invoked and ErrCircuitOpen is returned immediately.
// Each call runs under the configured CallTimeout; a timed-out call counts
// as a downstream failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	b.totalCalls++

	switch b.state {
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			b.totalShortCircuits++
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		// Cooldown elapsed: allow exactly one probe.
		b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			// A probe is already in flight; fail fast.
			b.totalShortCircuits++
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, b.name)
		}
		b.probing = true
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	result, err := fn(callCtx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return result, nil
	}
	if b.classify(err) {
		b.onFailure()
	} else if b.state == StateHalfOpen {
		// A caller-input error still proves the downstream is reachable.
		b.onSuccess()
	}
	return nil, err
}

// onSuccess records a successful (or reachable) downstream call.
// Caller must hold mu.
func (b *Breaker) onSuccess() {
	b.consecutiveFailures = 0
	b.probing = false
	if b.state != StateClosed {
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	}
}

// onFailure records a classified downstream failure. Caller must hold mu.
func (b *Breaker) onFailure() {
	b.totalFailures++
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.clock()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed: back to OPEN with doubled cooldown.
		b.probing = false
		b.openedAt = b.clock()
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.transition(StateOpen)
	}
}

// transition moves the breaker to a new state and emits the state-change
// metric. Caller must hold mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.RecordCircuitTransition(b.name, from.String(), to.String(), float64(to))
	logger.Info("Circuit breaker %s: %s -> %s (failures: %d, cooldown: %v)",
		b.name, from, to, b.consecutiveFailures, b.cooldown)
}

// ForceOpen trips the breaker regardless of health. Operational drills only.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.clock()
	b.transition(StateOpen)
}

// ForceClose resets the breaker regardless of health. Operational drills only.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
	b.transition(StateClosed)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time health view.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalShortCircuits:  b.totalShortCircuits,
		OpenedAt:            b.openedAt,
		CurrentCooldown:     b.cooldown.String(),
	}
}
