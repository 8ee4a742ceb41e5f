// Package tools defines the XML tool-call contract through which agents
// drive the bridge, and the registry that dispatches calls to tools.
package tools

import (
	"context"
	"encoding/xml"
)

// Tool is one operation an agent can invoke. Calls arrive as XML:
//
//	<tool>
//	<server_name>notebook</server_name>
//	<tool_name>ask_question</tool_name>
//	<call_id>42</call_id>
//	<arguments>
//	  <question>What does chapter 2 conclude?</question>
//	  <session_id>ab12cd34</session_id>
//	</arguments>
//	</tool>
type Tool interface {
	// Name returns the unique identifier for this tool (e.g., "ask_question")
	Name() string

	// Description returns a human-readable description of what this tool does
	Description() string

	// Schema returns the JSON schema of the tool's arguments
	Schema() map[string]interface{}

	// Execute runs the tool with the given XML arguments.
	// Returns: (result text, metadata map, error). Metadata may be nil.
	Execute(ctx context.Context, argumentsXML []byte) (string, map[string]interface{}, error)
}

// ToolCall represents a parsed tool invocation
type ToolCall struct {
	XMLName    xml.Name       `xml:"tool"`
	ServerName string         `xml:"server_name"`
	ToolName   string         `xml:"tool_name"`
	CallID     string         `xml:"call_id"`
	Arguments  ArgumentsBlock `xml:"arguments"`
}

// ArgumentsBlock holds the raw XML of the arguments element
type ArgumentsBlock struct {
	InnerXML []byte `xml:",innerxml"`
}

// GetArgumentsXML returns the arguments wrapped in <arguments> tags for unmarshaling.
func (tc *ToolCall) GetArgumentsXML() []byte {
	const prefix = "<" + argumentsTagName + ">"
	const suffix = "</" + argumentsTagName + ">"

	result := make([]byte, 0, len(prefix)+len(tc.Arguments.InnerXML)+len(suffix))
	result = append(result, prefix...)
	result = append(result, tc.Arguments.InnerXML...)
	result = append(result, suffix...)
	return result
}

// ProgressFunc receives progress of a running tool call.
type ProgressFunc func(message string, step, total int)

type progressKey struct{}

// WithProgress returns a context that carries fn to the tool being run.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ProgressFrom returns the progress reporter of ctx, or nil.
func ProgressFrom(ctx context.Context) ProgressFunc {
	fn, _ := ctx.Value(progressKey{}).(ProgressFunc)
	return fn
}

// BaseToolSchema creates a common JSON schema structure for a tool
// with the given properties and required fields
func BaseToolSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
