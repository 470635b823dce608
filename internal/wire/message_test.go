package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewMessage_Fields(t *testing.T) {
	event := AgentStarted{
		Thread:          "thread-1",
		AgentName:       "researcher",
		TaskDescription: "summarize the report",
	}

	msg, err := NewMessage("conn-1", 7, event)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Type != TypeAgentStarted {
		t.Errorf("Type = %v, want %v", msg.Type, TypeAgentStarted)
	}
	if msg.SessionID != "conn-1" {
		t.Errorf("SessionID = %v, want conn-1", msg.SessionID)
	}
	if msg.ThreadID != "thread-1" {
		t.Errorf("ThreadID = %v, want thread-1", msg.ThreadID)
	}
	if msg.Sequence != 7 {
		t.Errorf("Sequence = %v, want 7", msg.Sequence)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	var payload AgentStartedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if payload.AgentName != "researcher" {
		t.Errorf("payload.AgentName = %v, want researcher", payload.AgentName)
	}
	if payload.TaskDescription != "summarize the report" {
		t.Errorf("payload.TaskDescription = %v, want summarize the report", payload.TaskDescription)
	}
}

// Regression guard: tool_name must be a top-level payload field, never
// nested further.
func TestToolExecuting_ToolNameTopLevel(t *testing.T) {
	event := ToolExecuting{
		Thread:     "thread-1",
		ToolName:   "search_analyzer",
		Parameters: map[string]any{"query": "latency"},
	}

	msg, err := NewMessage("conn-1", 0, event)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}

	toolName, ok := payload["tool_name"]
	if !ok {
		t.Fatalf("payload has no top-level tool_name field: %v", payload)
	}
	if toolName != "search_analyzer" {
		t.Errorf("payload.tool_name = %v, want search_analyzer", toolName)
	}
}

func TestEventKinds(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		wantType MessageType
	}{
		{"started", AgentStarted{Thread: "t"}, TypeAgentStarted},
		{"thinking", AgentThinking{Thread: "t"}, TypeAgentThinking},
		{"tool executing", ToolExecuting{Thread: "t"}, TypeToolExecuting},
		{"tool completed", ToolCompleted{Thread: "t"}, TypeToolCompleted},
		{"completed", AgentCompleted{Thread: "t"}, TypeAgentCompleted},
		{"error", AgentError{Thread: "t"}, TypeAgentError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.EventKind(); got != tt.wantType {
				t.Errorf("EventKind() = %v, want %v", got, tt.wantType)
			}
			if got := tt.event.ThreadID(); got != "t" {
				t.Errorf("ThreadID() = %v, want t", got)
			}
		})
	}
}

func TestMessageType_Terminal(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    bool
	}{
		{TypeAgentStarted, false},
		{TypeAgentThinking, false},
		{TypeToolExecuting, false},
		{TypeToolCompleted, false},
		{TypeAgentCompleted, true},
		{TypeAgentError, true},
		{TypeSessionSuperseded, false},
	}

	for _, tt := range tests {
		if got := tt.msgType.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.msgType, got, tt.want)
		}
	}
}

func TestSequenceTracker(t *testing.T) {
	var tracker SequenceTracker

	// Contiguous sequences pass
	for seq := uint64(0); seq < 5; seq++ {
		if err := tracker.Observe(seq); err != nil {
			t.Fatalf("Observe(%d) error = %v", seq, err)
		}
	}

	// A gap is surfaced
	err := tracker.Observe(8)
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("Observe(8) error = %v, want ErrSequenceGap", err)
	}

	// The tracker advances past the gap
	if err := tracker.Observe(9); err != nil {
		t.Errorf("Observe(9) after gap error = %v", err)
	}
}

func TestSequenceTracker_FirstObservation(t *testing.T) {
	var tracker SequenceTracker

	// A tracker joining mid-stream accepts any starting point
	if err := tracker.Observe(42); err != nil {
		t.Fatalf("Observe(42) error = %v", err)
	}
	if err := tracker.Observe(43); err != nil {
		t.Errorf("Observe(43) error = %v", err)
	}
}

func TestNewControlMessage(t *testing.T) {
	msg := NewControlMessage(TypeSessionSuperseded, "conn-1", "thread-1", 3)

	if msg.Type != TypeSessionSuperseded {
		t.Errorf("Type = %v, want %v", msg.Type, TypeSessionSuperseded)
	}
	if msg.Sequence != 3 {
		t.Errorf("Sequence = %v, want 3", msg.Sequence)
	}
	if string(msg.Payload) != "{}" {
		t.Errorf("Payload = %s, want {}", msg.Payload)
	}
}
