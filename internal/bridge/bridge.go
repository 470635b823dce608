package bridge

// bridge.go - Agent-event-to-wire-protocol bridge
//
// Per-thread state machine: NO_SESSION -> ACTIVE -> DRAINING -> NO_SESSION.
// At most one OPEN session is the active stream for a thread at any
// instant; attaching a new session supersedes the old holder even when a
// different authorized user holds it.
//
// Dispatch rule: events always go to the session that is the ACTIVE holder
// at the moment Notify runs. Events racing an Attach during the drain
// window land on whichever holder the bridge sees under its lock; they are
// never delivered to a DRAINING session.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadcast/threadcast/internal/breaker"
	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/metrics"
	"github.com/threadcast/threadcast/internal/wire"
)

var (
	// ErrNotAuthorized is returned by Attach when the session store denies
	// the (user, thread) pair.
	ErrNotAuthorized = errors.New("user is not authorized for thread")

	// ErrSessionSuperseded marks the expected lifecycle condition of an old
	// session being replaced. Not a failure; it triggers a graceful drain.
	ErrSessionSuperseded = errors.New("session superseded by newer attach")
)

// SessionStoreBreaker is the name under which the session store's circuit
// breaker is registered.
const SessionStoreBreaker = "session_store"

// SessionStore answers authorization lookups. It is an external
// collaborator; the bridge only ever calls it through a circuit breaker.
type SessionStore interface {
	IsAuthorized(ctx context.Context, userID, threadID string) (bool, error)
}

// Config holds bridge tuning.
type Config struct {
	// DrainGrace bounds how long a superseded session may flush before it
	// is force-closed, which bounds how long Attach's supersession takes.
	DrainGrace time.Duration
}

// threadKey identifies the (user, thread) pair the active-stream invariant
// is keyed on.
type threadKey struct {
	userID   string
	threadID string
}

// Bridge consumes agent lifecycle events and hands wire messages to the
// active session for each thread. Notify is safe for concurrent use across
// threads; it serializes only the per-session enqueue.
type Bridge struct {
	store    SessionStore
	breakers *breaker.Registry
	grace    time.Duration

	mu        sync.RWMutex
	active    map[threadKey]*Session
	byThread  map[string]*Session // thread_id -> active holder, for Notify dispatch
	byConnID  map[string]*Session // connection_id -> session, for Detach/eviction
	shutdown  bool

	droppedEvents atomic.Int64
}

// New creates a bridge. The session store is consulted through the
// registry's "session_store" breaker on every Attach.
func New(store SessionStore, breakers *breaker.Registry, cfg Config) *Bridge {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	return &Bridge{
		store:    store,
		breakers: breakers,
		grace:    cfg.DrainGrace,
		active:   make(map[threadKey]*Session),
		byThread: make(map[string]*Session),
		byConnID: make(map[string]*Session),
	}
}

// Attach makes session the active stream for its thread, superseding any
// existing holder regardless of which user holds it. The superseded session
// receives a session_superseded control message, stops receiving events,
// and closes once drained or when the grace timeout elapses.
//
// Attach fails fast with ErrCircuitOpen when the session store's breaker
// is open, and with ErrNotAuthorized when the store denies the pair.
func (b *Bridge) Attach(ctx context.Context, session *Session) error {
	authorized, err := b.checkAuthorization(ctx, session.UserID(), session.ThreadID())
	if err != nil {
		return fmt.Errorf("attach %s: %w", session.ConnectionID(), err)
	}
	if !authorized {
		return fmt.Errorf("attach %s: %w", session.ConnectionID(), ErrNotAuthorized)
	}

	key := threadKey{userID: session.UserID(), threadID: session.ThreadID()}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return fmt.Errorf("attach %s: bridge is shut down", session.ConnectionID())
	}
	// The thread's current holder is superseded even when a different user
	// owns it; supersession keyed on the pair alone would strand the old
	// session OPEN but unreachable by Notify.
	old := b.byThread[session.ThreadID()]
	if old != nil {
		oldKey := threadKey{userID: old.UserID(), threadID: old.ThreadID()}
		if b.active[oldKey] == old {
			delete(b.active, oldKey)
		}
	}
	b.active[key] = session
	b.byThread[session.ThreadID()] = session
	b.byConnID[session.ConnectionID()] = session
	b.mu.Unlock()

	if old != nil {
		b.supersede(old)
	}

	session.Start()
	metrics.RecordSessionStart()
	logger.Info("Session %s attached (user: %s, thread: %s, superseded: %v)",
		session.ConnectionID(), session.UserID(), session.ThreadID(), old != nil)
	return nil
}

// supersede drains and eventually closes a replaced session.
func (b *Bridge) supersede(old *Session) {
	if err := old.EnqueueControl(wire.TypeSessionSuperseded); err != nil {
		// Could not even queue the notice; close immediately rather than
		// leaving the client without a signal.
		logger.Error("Session %s: superseded notice failed (%v), closing", old.ConnectionID(), err)
		old.Close("superseded")
		return
	}
	old.BeginDraining(b.grace, "superseded")
}

// checkAuthorization routes the store lookup through the circuit breaker.
func (b *Bridge) checkAuthorization(ctx context.Context, userID, threadID string) (bool, error) {
	result, err := b.breakers.GetOrCreate(SessionStoreBreaker).Call(ctx, func(ctx context.Context) (any, error) {
		return b.store.IsAuthorized(ctx, userID, threadID)
	})
	if err != nil {
		return false, err
	}
	authorized, _ := result.(bool)
	return authorized, nil
}

// Notify publishes one agent lifecycle event. It is the sole entry point
// the agent pipeline uses and is fire-and-forget: delivery failures are
// absorbed and counted, never propagated back into the pipeline's call
// stack, and Notify never blocks beyond the bounded enqueue attempt.
func (b *Bridge) Notify(event wire.Event) {
	b.mu.RLock()
	session := b.byThread[event.ThreadID()]
	b.mu.RUnlock()

	if session == nil || session.State() != StateOpen {
		b.droppedEvents.Add(1)
		metrics.RecordDroppedEvent()
		return
	}

	if err := session.Enqueue(event); err != nil {
		b.droppedEvents.Add(1)
		metrics.RecordDroppedEvent()

		if errors.Is(err, ErrQueueFull) {
			// Queue is saturated with terminal messages: the consumer is
			// not keeping up and nothing droppable remains. Closing is the
			// documented tradeoff; terminal messages are delivered or the
			// connection dies.
			logger.Error("Session %s: %v, closing", session.ConnectionID(), err)
			go session.Close("queue_overflow")
		}
	}
}

// Detach handles transport-level close: the session transitions to CLOSED
// and releases the active slot if it is the current holder.
func (b *Bridge) Detach(connectionID string) {
	b.mu.Lock()
	session := b.byConnID[connectionID]
	if session == nil {
		b.mu.Unlock()
		return
	}
	delete(b.byConnID, connectionID)

	key := threadKey{userID: session.UserID(), threadID: session.ThreadID()}
	if b.active[key] == session {
		delete(b.active, key)
	}
	if b.byThread[session.ThreadID()] == session {
		delete(b.byThread, session.ThreadID())
	}
	b.mu.Unlock()

	session.Close("detached")
	metrics.RecordSessionEnd()
}

// CloseForEviction implements the cleanup manager's SessionCloser. The
// close runs in its own goroutine so a slow close cannot stall the sweep.
func (b *Bridge) CloseForEviction(connectionID string) {
	b.mu.Lock()
	session := b.byConnID[connectionID]
	if session == nil {
		b.mu.Unlock()
		return
	}
	delete(b.byConnID, connectionID)

	key := threadKey{userID: session.UserID(), threadID: session.ThreadID()}
	if b.active[key] == session {
		delete(b.active, key)
	}
	if b.byThread[session.ThreadID()] == session {
		delete(b.byThread, session.ThreadID())
	}
	b.mu.Unlock()

	go func() {
		session.Close("buffer_exceeded")
		metrics.RecordSessionEnd()
	}()
}

// ActiveSession returns the current active holder for a thread, if any.
func (b *Bridge) ActiveSession(threadID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.byThread[threadID]
	return s, ok
}

// SessionByConnection returns the session for a connection ID, if any.
func (b *Bridge) SessionByConnection(connectionID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.byConnID[connectionID]
	return s, ok
}

// DroppedEvents returns the count of events dropped because no active
// session existed or the enqueue failed.
func (b *Bridge) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

// ActiveCount returns the number of active sessions.
func (b *Bridge) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}

// Shutdown closes every session and refuses further attaches.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	sessions := make([]*Session, 0, len(b.byConnID))
	for _, s := range b.byConnID {
		sessions = append(sessions, s)
	}
	b.active = make(map[threadKey]*Session)
	b.byThread = make(map[string]*Session)
	b.byConnID = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close("server_shutdown")
	}
	logger.Info("Bridge shut down (%d sessions closed)", len(sessions))
}
