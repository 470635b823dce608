// Package bridge translates internal agent lifecycle events into wire
// messages and delivers them to per-connection sessions, enforcing ordering
// and the at-most-one-active-stream-per-session invariant.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadcast/threadcast/internal/compress"
	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/memory"
	"github.com/threadcast/threadcast/internal/metrics"
	"github.com/threadcast/threadcast/internal/wire"
)

var (
	// ErrSessionClosed is returned when enqueueing to a session that is
	// draining or closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrQueueFull is returned when a send queue holds only terminal
	// messages and cannot absorb another. The session must be closed: its
	// consumer is not keeping up and nothing droppable remains.
	ErrQueueFull = errors.New("send queue full of terminal messages")
)

// Session state machine. A session moves OPEN -> DRAINING -> CLOSED, or
// OPEN -> CLOSED directly on transport failure or eviction.
type SessionState int32

const (
	StateOpen SessionState = iota
	StateDraining
	StateClosed
)

// String returns the state name used in logs.
func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Sender is the transport-level write half of a connection. Send delivers
// one framed message; Close tears down the socket after sending a close
// frame carrying reason.
type Sender interface {
	Send(data []byte) error
	Close(reason string) error
}

// DefaultQueueSize bounds the per-session send queue.
const DefaultQueueSize = 256

// DefaultDrainGrace bounds how long a superseded session may spend
// flushing its queue before it is force-closed.
const DefaultDrainGrace = 5 * time.Second

// outbound is one queued wire message with its marshaled envelope.
type outbound struct {
	msg     *wire.Message
	encoded []byte
}

// SessionStats is a point-in-time snapshot of one session.
type SessionStats struct {
	ConnectionID      string    `json:"connection_id"`
	UserID            string    `json:"user_id"`
	ThreadID          string    `json:"thread_id"`
	State             string    `json:"state"`
	NextSequence      uint64    `json:"next_sequence"`
	QueueDepth        int       `json:"queue_depth"`
	BackpressureDrops int64     `json:"backpressure_drops"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Session is the per-connection state machine. It owns the send queue, the
// sequence counter, and close semantics. Exactly one sender goroutine per
// session writes to the network, which is what guarantees total order of
// wire messages within the session's stream.
type Session struct {
	connectionID string
	userID       string
	threadID     string
	createdAt    time.Time

	sender  Sender
	codec   *compress.Codec
	tracker *memory.Tracker

	mu           sync.Mutex
	state        SessionState
	sequence     uint64
	queue        []outbound
	queueCap     int
	lastActivity time.Time

	// wake signals the sender goroutine that the queue is non-empty or the
	// state changed. Buffered so enqueue never blocks on it.
	wake chan struct{}
	done chan struct{}

	drainTimer *time.Timer
	closeOnce  sync.Once

	backpressureDrops atomic.Int64
}

// NewSession creates a session in the OPEN state. Call Start to launch the
// sender goroutine.
func NewSession(connectionID, userID, threadID string, sender Sender, codec *compress.Codec, tracker *memory.Tracker, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	now := time.Now()
	return &Session{
		connectionID: connectionID,
		userID:       userID,
		threadID:     threadID,
		createdAt:    now,
		lastActivity: now,
		sender:       sender,
		codec:        codec,
		tracker:      tracker,
		state:        StateOpen,
		queue:        make([]outbound, 0, queueSize),
		queueCap:     queueSize,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ConnectionID returns the opaque connection identifier.
func (s *Session) ConnectionID() string { return s.connectionID }

// UserID returns the authenticated user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// ThreadID returns the logical conversation the session is bound to.
func (s *Session) ThreadID() string { return s.threadID }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch updates the last-activity timestamp (called by the transport on
// inbound frames).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Start launches the sender goroutine.
func (s *Session) Start() {
	go s.sendLoop()
}

// Enqueue assigns the next sequence number to the event, builds the wire
// message, and places it on the send queue. The sequence assignment and the
// queue append happen under one lock, so messages enter the queue in
// sequence order even under concurrent callers.
//
// When the queue is full, the oldest non-terminal message is dropped
// (terminal messages are always delivered or the connection is closed).
func (s *Session) Enqueue(event wire.Event) error {
	s.mu.Lock()

	if s.state == StateDraining {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionSuperseded, s.connectionID)
	}
	if s.state != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.connectionID)
	}

	msg, err := wire.NewMessage(s.connectionID, s.sequence, event)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	return s.enqueueLocked(msg)
}

// EnqueueControl places a control message (empty payload) on the queue.
// Unlike Enqueue it is permitted while DRAINING, so that the superseded
// notice itself can be delivered to a draining session.
func (s *Session) EnqueueControl(msgType wire.MessageType) error {
	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.connectionID)
	}

	msg := wire.NewControlMessage(msgType, s.connectionID, s.threadID, s.sequence)
	return s.enqueueLocked(msg)
}

// enqueueLocked finishes an enqueue. Caller holds mu; enqueueLocked
// releases it.
func (s *Session) enqueueLocked(msg *wire.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("marshal wire message: %w", err)
	}

	if len(s.queue) >= s.queueCap {
		if !s.dropOldestDroppableLocked() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrQueueFull, s.connectionID)
		}
	}

	s.sequence++
	s.queue = append(s.queue, outbound{msg: msg, encoded: encoded})
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.tracker.RecordWrite(s.connectionID, int64(len(encoded)))
	s.signal()
	return nil
}

// dropOldestDroppableLocked removes the oldest non-terminal queued message.
// Returns false if every queued message is terminal. Caller holds mu.
func (s *Session) dropOldestDroppableLocked() bool {
	for i, item := range s.queue {
		if item.msg.Type.Terminal() {
			continue
		}
		dropped := int64(len(item.encoded))
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.backpressureDrops.Add(1)
		metrics.RecordBackpressureDrop(string(item.msg.Type))
		s.tracker.RecordRead(s.connectionID, dropped)
		return true
	}
	return false
}

// BeginDraining transitions the session to DRAINING. No new events are
// accepted; the sender keeps flushing until the queue empties or grace
// elapses, then the session closes. Safe to call more than once.
func (s *Session) BeginDraining(grace time.Duration, reason string) {
	if grace <= 0 {
		grace = DefaultDrainGrace
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.drainTimer = time.AfterFunc(grace, func() {
		s.Close(reason)
	})
	s.mu.Unlock()

	logger.Info("Session %s draining (thread: %s, reason: %s, grace: %v)",
		s.connectionID, s.threadID, reason, grace)
	s.signal()
}

// Close force-closes the session. The transport receives a close frame
// carrying reason before the socket shuts. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		remaining := s.queue
		s.queue = nil
		s.mu.Unlock()

		var remainingBytes int64
		for _, item := range remaining {
			remainingBytes += int64(len(item.encoded))
		}
		if remainingBytes > 0 {
			s.tracker.RecordRead(s.connectionID, remainingBytes)
		}

		close(s.done)
		if err := s.sender.Close(reason); err != nil {
			logger.Error("Session %s close: %v", s.connectionID, err)
		}
		logger.Info("Session %s closed (thread: %s, reason: %s)", s.connectionID, s.threadID, reason)
	})
}

// Done is closed when the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ConnectionID:      s.connectionID,
		UserID:            s.userID,
		ThreadID:          s.threadID,
		State:             s.state.String(),
		NextSequence:      s.sequence,
		QueueDepth:        len(s.queue),
		BackpressureDrops: s.backpressureDrops.Load(),
		CreatedAt:         s.createdAt,
		LastActivityAt:    s.lastActivity,
	}
}

// signal wakes the sender goroutine without blocking.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// sendLoop is the single writer for this session. Compression happens
// here, off the caller's notify path, one message at a time: delivery
// order is queue order regardless of how long each compression takes.
func (s *Session) sendLoop() {
	for {
		item, state, ok := s.dequeue()
		if !ok {
			switch state {
			case StateClosed:
				return
			case StateDraining:
				// Queue flushed while draining: the drain is complete.
				s.Close("superseded")
				return
			default:
				select {
				case <-s.wake:
				case <-s.done:
					return
				}
				continue
			}
		}

		framed, decision := s.codec.Encode(item.encoded)
		metrics.RecordCompression(decision.Algorithm.String(), decision.OriginalSize, decision.CompressedSize, decision.Elapsed)

		err := s.sender.Send(framed)
		s.tracker.RecordRead(s.connectionID, int64(len(item.encoded)))
		if err != nil {
			logger.Error("Session %s send failed: %v", s.connectionID, err)
			s.Close("write_failed")
			return
		}
		metrics.RecordMessageSent(string(item.msg.Type))
	}
}

// dequeue pops the head of the queue. When the queue is empty it returns
// the current state so the sender can decide whether to wait, finish a
// drain, or exit.
func (s *Session) dequeue() (outbound, SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return outbound{}, s.state, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, s.state, true
}
