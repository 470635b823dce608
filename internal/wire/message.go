// Package wire defines the JSON envelope and payload types exchanged with
// streaming clients, and the internal agent event model the bridge consumes.
//
// message.go - Wire envelope and per-type payload structs
//
// The envelope format is a hard contract with clients:
//
//	{"type": ..., "session_id": ..., "thread_id": ..., "sequence": ...,
//	 "timestamp": ..., "payload": {...}}
//
// Sequence numbers are strictly increasing per session with no gaps as
// observed by a well-behaved receiver. A gap means a message was dropped
// or evicted and must be surfaced to the consumer, never renumbered.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSequenceGap indicates the receiver observed a non-contiguous sequence
// number. It is a data-loss signal, not a recoverable protocol error.
var ErrSequenceGap = errors.New("sequence gap detected")

// MessageType identifies a wire message. The set is closed: clients reject
// unknown types, so new types require a protocol version bump.
type MessageType string

const (
	TypeAgentStarted      MessageType = "agent_started"
	TypeAgentThinking     MessageType = "agent_thinking"
	TypeToolExecuting     MessageType = "tool_executing"
	TypeToolCompleted     MessageType = "tool_completed"
	TypeAgentCompleted    MessageType = "agent_completed"
	TypeAgentError        MessageType = "agent_error"
	TypeSessionSuperseded MessageType = "session_superseded"
)

// Terminal reports whether the message type ends an agent run. Terminal
// messages are never dropped under backpressure; the connection is closed
// instead if they cannot be delivered.
func (t MessageType) Terminal() bool {
	return t == TypeAgentCompleted || t == TypeAgentError
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAgentStarted, TypeAgentThinking, TypeToolExecuting,
		TypeToolCompleted, TypeAgentCompleted, TypeAgentError,
		TypeSessionSuperseded:
		return true
	}
	return false
}

// Message is the wire envelope. Immutable after creation: the bridge creates
// it, the session consumes it exactly once.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	ThreadID  string          `json:"thread_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// AgentStartedPayload announces the beginning of an agent run.
type AgentStartedPayload struct {
	AgentName       string `json:"agent_name"`
	TaskDescription string `json:"task_description"`
}

// AgentThinkingPayload carries a reasoning step.
type AgentThinkingPayload struct {
	Reasoning string `json:"reasoning"`
}

// ToolExecutingPayload announces a tool invocation. ToolName MUST remain a
// top-level payload field: clients key on payload.tool_name directly.
type ToolExecutingPayload struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolCompletedPayload carries the outcome of a tool invocation.
type ToolCompletedPayload struct {
	ToolName      string `json:"tool_name"`
	ResultSummary string `json:"result_summary"`
}

// AgentCompletedPayload is the terminal success message for a run.
type AgentCompletedPayload struct {
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

// AgentErrorPayload is the terminal failure message for a run.
type AgentErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// SessionSupersededPayload is the control message sent to a session about to
// be replaced. Clients should treat the connection as deprecated.
type SessionSupersededPayload struct{}

// NewMessage builds an immutable wire message from an internal event,
// stamping the given session identity and sequence number.
func NewMessage(sessionID string, sequence uint64, event Event) (*Message, error) {
	payload, err := json.Marshal(event.wirePayload())
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.EventKind(), err)
	}
	return &Message{
		Type:      event.EventKind(),
		SessionID: sessionID,
		ThreadID:  event.ThreadID(),
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// NewControlMessage builds a control message (one with an empty payload)
// addressed to a specific session and thread.
func NewControlMessage(msgType MessageType, sessionID, threadID string, sequence uint64) *Message {
	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		ThreadID:  threadID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage("{}"),
	}
}

// SequenceTracker validates receiver-side sequence continuity. It is used by
// clients and by tests that assert the no-gap invariant.
type SequenceTracker struct {
	next uint64
	seen bool
}

// Observe records a received sequence number. Returns ErrSequenceGap (wrapped
// with the expected and observed values) when continuity is broken. The
// tracker advances past the gap so that subsequent messages can still be
// validated.
func (s *SequenceTracker) Observe(sequence uint64) error {
	if !s.seen {
		s.seen = true
		s.next = sequence + 1
		return nil
	}
	if sequence != s.next {
		expected := s.next
		s.next = sequence + 1
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, expected, sequence)
	}
	s.next = sequence + 1
	return nil
}
