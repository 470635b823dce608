package breaker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

var errDownstream = errors.New("downstream unavailable")

// testConfig classifies errDownstream as a downstream failure so tests
// control tripping deterministically.
func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		CallTimeout:      5 * time.Second,
		Classify: func(err error) bool {
			return errors.Is(err, errDownstream)
		},
	}
}

// fakeClock lets tests advance the breaker's view of time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failingCall(ctx context.Context) (any, error) { return nil, errDownstream }

func succeedingCall(ctx context.Context) (any, error) { return "ok", nil }

// trip drives a closed breaker into the OPEN state.
func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < b.cfg.FailureThreshold; i++ {
		if _, err := b.Call(context.Background(), failingCall); !errors.Is(err, errDownstream) {
			t.Fatalf("call %d: error = %v, want errDownstream", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", b.cfg.FailureThreshold, got)
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New("store", testConfig())

	// One failure short of the threshold stays closed.
	for i := 0; i < b.cfg.FailureThreshold-1; i++ {
		b.Call(context.Background(), failingCall)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}

	b.Call(context.Background(), failingCall)
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("store", testConfig())

	b.Call(context.Background(), failingCall)
	b.Call(context.Background(), failingCall)
	b.Call(context.Background(), succeedingCall)

	// The streak restarted: threshold-1 more failures must not trip.
	for i := 0; i < b.cfg.FailureThreshold-1; i++ {
		b.Call(context.Background(), failingCall)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_OpenShortCircuitsWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)

	invoked := false
	_, err := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("wrapped function was invoked while breaker was open")
	}

	// Still short-circuiting just before the cooldown elapses.
	clock.Advance(b.cfg.Cooldown - time.Millisecond)
	if _, err := b.Call(context.Background(), succeedingCall); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error before cooldown elapsed = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)
	clock.Advance(b.cfg.Cooldown)

	result, err := b.Call(context.Background(), succeedingCall)
	if err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if result != "ok" {
		t.Errorf("probe result = %v, want ok", result)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}

	// Recovery resets the cooldown to its initial value.
	if got := b.Snapshot().CurrentCooldown; got != b.cfg.Cooldown.String() {
		t.Errorf("cooldown after recovery = %v, want %v", got, b.cfg.Cooldown)
	}
}

func TestBreaker_ProbeFailureDoublesCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)

	expected := b.cfg.Cooldown
	for i := 0; i < 6; i++ {
		clock.Advance(expected)
		if _, err := b.Call(context.Background(), failingCall); !errors.Is(err, errDownstream) {
			t.Fatalf("probe %d: error = %v, want errDownstream", i, err)
		}
		if got := b.State(); got != StateOpen {
			t.Fatalf("probe %d: state = %v, want open", i, got)
		}

		expected = min(expected*2, b.cfg.MaxCooldown)
		if got := b.Snapshot().CurrentCooldown; got != expected.String() {
			t.Errorf("probe %d: cooldown = %v, want %v", i, got, expected)
		}
	}

	// Cooldown is capped at MaxCooldown.
	if got := b.Snapshot().CurrentCooldown; got != b.cfg.MaxCooldown.String() {
		t.Errorf("final cooldown = %v, want cap %v", got, b.cfg.MaxCooldown)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)
	clock.Advance(b.cfg.Cooldown)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		_, err := b.Call(context.Background(), func(ctx context.Context) (any, error) {
			close(probeStarted)
			<-probeRelease
			return nil, nil
		})
		probeDone <- err
	}()

	<-probeStarted

	// A second call while the probe is in flight must fail fast.
	invoked := false
	_, err := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("second probe was invoked while first was in flight")
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	b := New("store", testConfig())
	callerErr := errors.New("no such thread")

	for i := 0; i < b.cfg.FailureThreshold*2; i++ {
		_, err := b.Call(context.Background(), func(ctx context.Context) (any, error) {
			return nil, callerErr
		})
		if !errors.Is(err, callerErr) {
			t.Fatalf("error = %v, want callerErr", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after caller errors", got)
	}
}

func TestBreaker_CallerErrorClosesHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)
	clock.Advance(b.cfg.Cooldown)

	// A caller-input error during the probe proves the downstream is
	// reachable, so the breaker closes.
	_, err := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("no such thread")
	})
	if err == nil {
		t.Fatal("expected caller error")
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := New("store", testConfig())

	b.ForceOpen()
	if _, err := b.Call(context.Background(), succeedingCall); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error after ForceOpen = %v, want ErrCircuitOpen", err)
	}

	b.ForceClose()
	if _, err := b.Call(context.Background(), succeedingCall); err != nil {
		t.Errorf("error after ForceClose = %v", err)
	}
}

func TestBreaker_SnapshotCounters(t *testing.T) {
	clock := newFakeClock()
	b := New("store", testConfig())
	b.clock = clock.Now

	trip(t, b)
	b.Call(context.Background(), succeedingCall) // short-circuited

	snap := b.Snapshot()
	if snap.Name != "store" {
		t.Errorf("Name = %v, want store", snap.Name)
	}
	if snap.State != "open" {
		t.Errorf("State = %v, want open", snap.State)
	}
	if snap.TotalCalls != int64(b.cfg.FailureThreshold)+1 {
		t.Errorf("TotalCalls = %d, want %d", snap.TotalCalls, b.cfg.FailureThreshold+1)
	}
	if snap.TotalFailures != int64(b.cfg.FailureThreshold) {
		t.Errorf("TotalFailures = %d, want %d", snap.TotalFailures, b.cfg.FailureThreshold)
	}
	if snap.TotalShortCircuits != 1 {
		t.Errorf("TotalShortCircuits = %d, want 1", snap.TotalShortCircuits)
	}
	if snap.OpenedAt.IsZero() {
		t.Error("OpenedAt is zero for an open breaker")
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, true},
		{"wrapped deadline", errors.Join(errors.New("query"), context.DeadlineExceeded), true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"caller error", errors.New("no such thread"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("DefaultClassifier(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
