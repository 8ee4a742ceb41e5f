package types

import (
	"encoding/json"
	"time"
)

// EventType defines the kind of event emitted while serving tool calls.
type EventType string

const (
	EventTypeToolCall        EventType = "tool_call"         // EventTypeToolCall indicates a tool call was received.
	EventTypeToolResult      EventType = "tool_result"       // EventTypeToolResult indicates a successful tool call result.
	EventTypeToolResultError EventType = "tool_result_error" // EventTypeToolResultError indicates a tool call resulted in an error.
	EventTypeProgress        EventType = "progress"          // EventTypeProgress reports progress of a long tool call.
	EventTypeError           EventType = "error"             // EventTypeError indicates an error outside any tool call.
	EventTypeReady           EventType = "ready"             // EventTypeReady indicates the bridge accepts tool calls.
)

// Event is one line of the bridge's output stream.
type Event struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}

	// ToolInput is the parsed arguments of a tool call.
	ToolInput map[string]interface{}

	// ToolOutput is the result of a tool (for tool result events).
	ToolOutput interface{}

	// Error contains error information for error events.
	Error error

	// Progress is set on progress events.
	Progress *Progress

	// ToolName is the name of the tool being called (for tool events).
	ToolName string

	// CallID correlates the events of one tool call.
	CallID string

	Type EventType
	Time time.Time
}

// Progress describes how far a long operation got.
type Progress struct {
	Message string `json:"message"`
	Step    int    `json:"step"`
	Total   int    `json:"total"`
}

// NewToolCallEvent creates a tool call event.
func NewToolCallEvent(callID, toolName string, toolInput map[string]interface{}) *Event {
	return &Event{
		Type:      EventTypeToolCall,
		CallID:    callID,
		ToolName:  toolName,
		ToolInput: toolInput,
		Metadata:  make(map[string]interface{}),
		Time:      time.Now(),
	}
}

// NewToolResultEvent creates a tool result event.
func NewToolResultEvent(callID, toolName string, output interface{}) *Event {
	return &Event{
		Type:       EventTypeToolResult,
		CallID:     callID,
		ToolName:   toolName,
		ToolOutput: output,
		Metadata:   make(map[string]interface{}),
		Time:       time.Now(),
	}
}

// NewToolResultErrorEvent creates a tool error event. Typed errors carry
// their kind and remediation hint in the metadata.
func NewToolResultErrorEvent(callID, toolName string, err error) *Event {
	e := &Event{
		Type:     EventTypeToolResultError,
		CallID:   callID,
		ToolName: toolName,
		Error:    err,
		Metadata: make(map[string]interface{}),
		Time:     time.Now(),
	}
	if kind := KindOf(err); kind != "" {
		e.Metadata["kind"] = string(kind)
	}
	if hint := HintOf(err); hint != "" {
		e.Metadata["hint"] = hint
	}
	return e
}

// NewProgressEvent creates a progress event.
func NewProgressEvent(callID, toolName, message string, step, total int) *Event {
	return &Event{
		Type:     EventTypeProgress,
		CallID:   callID,
		ToolName: toolName,
		Progress: &Progress{Message: message, Step: step, Total: total},
		Metadata: make(map[string]interface{}),
		Time:     time.Now(),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(err error) *Event {
	return &Event{
		Type:     EventTypeError,
		Error:    err,
		Metadata: make(map[string]interface{}),
		Time:     time.Now(),
	}
}

// NewReadyEvent announces the available tools.
func NewReadyEvent(tools []string) *Event {
	return &Event{
		Type:     EventTypeReady,
		Metadata: map[string]interface{}{"tools": tools},
		Time:     time.Now(),
	}
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsToolEvent returns true if this is a tool-related event.
func (e *Event) IsToolEvent() bool {
	return e.Type == EventTypeToolCall ||
		e.Type == EventTypeToolResult ||
		e.Type == EventTypeToolResultError ||
		e.Type == EventTypeProgress
}

// IsErrorEvent returns true if this event carries an error.
func (e *Event) IsErrorEvent() bool {
	return e.Type == EventTypeError || e.Type == EventTypeToolResultError
}

type eventJSON struct {
	Type     EventType              `json:"type"`
	Time     time.Time              `json:"time"`
	CallID   string                 `json:"call_id,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Output   interface{}            `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Progress *Progress              `json:"progress,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON renders the event as one JSON object with the error as text.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Type:     e.Type,
		Time:     e.Time,
		CallID:   e.CallID,
		ToolName: e.ToolName,
		Input:    e.ToolInput,
		Output:   e.ToolOutput,
		Progress: e.Progress,
	}
	if e.Error != nil {
		out.Error = e.Error.Error()
	}
	if len(e.Metadata) > 0 {
		out.Metadata = e.Metadata
	}
	return json.Marshal(out)
}
