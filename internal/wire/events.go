package wire

// events.go - Internal agent lifecycle events
//
// Events are a closed tagged union: one struct per lifecycle kind, each
// carrying exactly the fields its wire payload requires. The unexported
// wirePayload method seals the set; the agent pipeline cannot invent new
// event kinds without touching this package.
//
// The Meta field is for optional debug metadata only. Nothing in the wire
// payload is ever sourced from it.

// Event is one agent lifecycle event addressed to a logical thread.
type Event interface {
	// EventKind returns the wire message type this event maps to.
	EventKind() MessageType
	// ThreadID returns the logical conversation the event belongs to.
	ThreadID() string

	wirePayload() any
}

// AgentStarted signals the start of an agent run.
type AgentStarted struct {
	Thread          string
	AgentName       string
	TaskDescription string
	Meta            map[string]any
}

func (e AgentStarted) EventKind() MessageType { return TypeAgentStarted }
func (e AgentStarted) ThreadID() string       { return e.Thread }
func (e AgentStarted) wirePayload() any {
	return AgentStartedPayload{AgentName: e.AgentName, TaskDescription: e.TaskDescription}
}

// AgentThinking carries one reasoning step.
type AgentThinking struct {
	Thread    string
	Reasoning string
	Meta      map[string]any
}

func (e AgentThinking) EventKind() MessageType { return TypeAgentThinking }
func (e AgentThinking) ThreadID() string       { return e.Thread }
func (e AgentThinking) wirePayload() any {
	return AgentThinkingPayload{Reasoning: e.Reasoning}
}

// ToolExecuting signals a tool invocation has begun.
type ToolExecuting struct {
	Thread     string
	ToolName   string
	Parameters map[string]any
	Meta       map[string]any
}

func (e ToolExecuting) EventKind() MessageType { return TypeToolExecuting }
func (e ToolExecuting) ThreadID() string       { return e.Thread }
func (e ToolExecuting) wirePayload() any {
	return ToolExecutingPayload{ToolName: e.ToolName, Parameters: e.Parameters}
}

// ToolCompleted signals a tool invocation has finished.
type ToolCompleted struct {
	Thread        string
	ToolName      string
	ResultSummary string
	Meta          map[string]any
}

func (e ToolCompleted) EventKind() MessageType { return TypeToolCompleted }
func (e ToolCompleted) ThreadID() string       { return e.Thread }
func (e ToolCompleted) wirePayload() any {
	return ToolCompletedPayload{ToolName: e.ToolName, ResultSummary: e.ResultSummary}
}

// AgentCompleted is the terminal event of a successful run.
type AgentCompleted struct {
	Thread     string
	Result     string
	DurationMs int64
	Meta       map[string]any
}

func (e AgentCompleted) EventKind() MessageType { return TypeAgentCompleted }
func (e AgentCompleted) ThreadID() string       { return e.Thread }
func (e AgentCompleted) wirePayload() any {
	return AgentCompletedPayload{Result: e.Result, DurationMs: e.DurationMs}
}

// AgentError is the terminal event of a failed run.
type AgentError struct {
	Thread    string
	ErrorCode string
	Message   string
	Meta      map[string]any
}

func (e AgentError) EventKind() MessageType { return TypeAgentError }
func (e AgentError) ThreadID() string       { return e.Thread }
func (e AgentError) wirePayload() any {
	return AgentErrorPayload{ErrorCode: e.ErrorCode, Message: e.Message}
}
