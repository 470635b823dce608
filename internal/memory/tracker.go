// Package memory provides per-connection buffer accounting and the periodic
// cleanup sweep that evicts connections exceeding their buffer budget.
package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadcast/threadcast/internal/metrics"
)

// DefaultBufferLimit is the per-connection buffered-byte cap.
const DefaultBufferLimit = 1 << 20 // 1MB

// account holds the counters for one tracked connection. bufferedBytes is
// mutated by the connection's writer goroutine and read by the cleanup
// sweep, so it must stay atomic.
type account struct {
	bufferedBytes atomic.Int64
	limitBytes    int64
	lastWriteAt   atomic.Int64 // unix nanos
	createdAt     time.Time

	// Coalesced write samples for the metrics history. Guarded by sampleMu;
	// the sweep purges samples older than the retention window.
	sampleMu sync.Mutex
	samples  []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

// sampleInterval coalesces history samples so a hot connection does not
// grow its history by one entry per write.
const sampleInterval = time.Second

// Usage is a point-in-time view of one connection's buffer account.
type Usage struct {
	ConnectionID  string    `json:"connection_id"`
	BufferedBytes int64     `json:"buffered_bytes"`
	LimitBytes    int64     `json:"limit_bytes"`
	LastWriteAt   time.Time `json:"last_write_at"`
}

// Tracker tracks buffered-byte accounting per connection. It is safe for
// concurrent use: the accounts map is guarded by a RWMutex, each account's
// counters are atomic.
type Tracker struct {
	accounts     map[string]*account
	defaultLimit int64
	mu           sync.RWMutex
}

// NewTracker creates an empty tracker. defaultLimit applies to connections
// tracked without an explicit limit; zero falls back to DefaultBufferLimit.
func NewTracker(defaultLimit int64) *Tracker {
	if defaultLimit <= 0 {
		defaultLimit = DefaultBufferLimit
	}
	return &Tracker{
		accounts:     make(map[string]*account),
		defaultLimit: defaultLimit,
	}
}

// Track begins accounting for a connection. limitBytes <= 0 uses the
// tracker default. Tracking an already-tracked connection is a no-op.
func (t *Tracker) Track(connectionID string, limitBytes int64) {
	if limitBytes <= 0 {
		limitBytes = t.defaultLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.accounts[connectionID]; ok {
		return
	}
	t.accounts[connectionID] = &account{
		limitBytes: limitBytes,
		createdAt:  time.Now(),
	}
}

// RecordWrite accounts for bytes entering a connection's send queue.
func (t *Tracker) RecordWrite(connectionID string, n int64) {
	acct := t.lookup(connectionID)
	if acct == nil {
		return
	}
	acct.bufferedBytes.Add(n)
	now := time.Now()
	acct.lastWriteAt.Store(now.UnixNano())
	metrics.BufferedBytes.Add(float64(n))

	acct.sampleMu.Lock()
	if len(acct.samples) == 0 || now.Sub(acct.samples[len(acct.samples)-1].at) >= sampleInterval {
		acct.samples = append(acct.samples, sample{at: now, bytes: acct.bufferedBytes.Load()})
	}
	acct.sampleMu.Unlock()
}

// RecordRead accounts for bytes leaving a connection's send queue (either
// delivered to the network or dropped).
func (t *Tracker) RecordRead(connectionID string, n int64) {
	acct := t.lookup(connectionID)
	if acct == nil {
		return
	}
	acct.bufferedBytes.Add(-n)
	metrics.BufferedBytes.Sub(float64(n))
}

// BufferSize returns the bytes currently buffered for a connection, or 0
// if the connection is not tracked.
func (t *Tracker) BufferSize(connectionID string) int64 {
	acct := t.lookup(connectionID)
	if acct == nil {
		return 0
	}
	return acct.bufferedBytes.Load()
}

// Limit returns the buffer cap for a connection, or 0 if untracked.
func (t *Tracker) Limit(connectionID string) int64 {
	acct := t.lookup(connectionID)
	if acct == nil {
		return 0
	}
	return acct.limitBytes
}

// Untrack stops accounting for a connection and returns the bytes that
// were still buffered. The account is destroyed.
func (t *Tracker) Untrack(connectionID string) int64 {
	t.mu.Lock()
	acct, ok := t.accounts[connectionID]
	if ok {
		delete(t.accounts, connectionID)
	}
	t.mu.Unlock()

	if !ok {
		return 0
	}
	buffered := acct.bufferedBytes.Load()
	if buffered != 0 {
		metrics.BufferedBytes.Sub(float64(buffered))
	}
	return buffered
}

// AllTracked returns the IDs of every tracked connection.
func (t *Tracker) AllTracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.accounts))
	for id := range t.accounts {
		ids = append(ids, id)
	}
	return ids
}

// UsageFor returns the account view for one connection.
func (t *Tracker) UsageFor(connectionID string) (Usage, bool) {
	acct := t.lookup(connectionID)
	if acct == nil {
		return Usage{}, false
	}
	return Usage{
		ConnectionID:  connectionID,
		BufferedBytes: acct.bufferedBytes.Load(),
		LimitBytes:    acct.limitBytes,
		LastWriteAt:   time.Unix(0, acct.lastWriteAt.Load()),
	}, true
}

// TotalBuffered returns the aggregate buffered bytes across all tracked
// connections.
func (t *Tracker) TotalBuffered() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, acct := range t.accounts {
		total += acct.bufferedBytes.Load()
	}
	return total
}

// PurgeSamplesBefore drops history samples older than cutoff across all
// accounts and returns the number removed.
func (t *Tracker) PurgeSamplesBefore(cutoff time.Time) int {
	t.mu.RLock()
	accounts := make([]*account, 0, len(t.accounts))
	for _, acct := range t.accounts {
		accounts = append(accounts, acct)
	}
	t.mu.RUnlock()

	var purged int
	for _, acct := range accounts {
		acct.sampleMu.Lock()
		kept := acct.samples[:0]
		for _, s := range acct.samples {
			if s.at.After(cutoff) {
				kept = append(kept, s)
			} else {
				purged++
			}
		}
		acct.samples = kept
		acct.sampleMu.Unlock()
	}
	return purged
}

func (t *Tracker) lookup(connectionID string) *account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.accounts[connectionID]
}
