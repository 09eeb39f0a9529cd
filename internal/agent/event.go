package agent

// EventKind identifies one streamed session event.
type EventKind string

const (
	EventQueued     EventKind = "queued"
	EventStarted    EventKind = "started"
	EventAgentStart EventKind = "agent_start"
	EventAgentEnd   EventKind = "agent_end"
	EventTurnStart  EventKind = "turn_start"
	EventTurnEnd    EventKind = "turn_end"

	EventMessageStart EventKind = "message_start"
	EventMessageEnd   EventKind = "message_end"

	EventAssistantTextDelta     EventKind = "assistant_text_delta"
	EventAssistantThinkingDelta EventKind = "assistant_thinking_delta"

	EventToolExecutionStart  EventKind = "tool_execution_start"
	EventToolExecutionUpdate EventKind = "tool_execution_update"
	EventToolExecutionEnd    EventKind = "tool_execution_end"

	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
)

// Terminal reports whether the kind ends a run's event stream.
func (k EventKind) Terminal() bool {
	return k == EventSucceeded || k == EventFailed
}

// Event is one entry in a session's event stream. Fields beyond Kind are
// populated per kind: Role and Text for message events, Provider, Model and
// StopReason on assistant message_end, ToolCallID for tool execution events
// (tool updates may arrive out of order and must be matched by id),
// ErrorMessage for failed.
type Event struct {
	Kind         EventKind
	Role         string
	Text         string
	Provider     string
	Model        string
	StopReason   string
	ToolCallID   string
	ToolName     string
	ErrorMessage string
}
