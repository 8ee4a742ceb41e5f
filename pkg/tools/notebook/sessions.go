package notebook

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	service "github.com/entrhq/notebook-bridge/pkg/notebook"
	"github.com/entrhq/notebook-bridge/pkg/tools"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// sessionIDInput is the argument block of the tools that name one session.
type sessionIDInput struct {
	XMLName   xml.Name `xml:"arguments"`
	SessionID string   `xml:"session_id"`
}

func parseSessionID(tool string, argsXML []byte) (string, error) {
	var input sessionIDInput
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", types.NewError(types.KindInvalidInput, fmt.Errorf("invalid arguments for %s: %w", tool, err))
	}
	return strings.TrimSpace(input.SessionID), nil
}

func sessionIDSchema(desc string) map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string", "description": desc},
		},
		[]string{"session_id"},
	)
}

func render(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

// ListSessionsTool lists the live sessions with pool statistics.
type ListSessionsTool struct {
	svc *service.Service
}

// NewListSessionsTool creates a new list sessions tool.
func NewListSessionsTool(svc *service.Service) *ListSessionsTool {
	return &ListSessionsTool{svc: svc}
}

func (t *ListSessionsTool) Name() string { return "list_sessions" }

func (t *ListSessionsTool) Description() string {
	return "List the active notebook sessions with their age, message count and last activity."
}

func (t *ListSessionsTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(map[string]interface{}{}, nil)
}

// Execute lists all sessions.
func (t *ListSessionsTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	list := t.svc.ListSessions()
	sessions := make([]map[string]interface{}, 0, len(list.Sessions))
	for _, s := range list.Sessions {
		sessions = append(sessions, map[string]interface{}{
			"id":               s.ID,
			"profile_id":       s.ProfileID,
			"notebook_url":     s.NotebookURL,
			"notebook_ref":     s.NotebookRef,
			"status":           s.Status,
			"age_seconds":      int(s.AgeSeconds),
			"inactive_seconds": int(s.InactiveSeconds),
			"message_count":    s.MessageCount,
			"last_activity":    s.LastActivityAt.Unix(),
			"headless":         s.Headless,
		})
	}
	out, err := render(map[string]interface{}{
		"active_sessions":        list.Stats.Live,
		"max_sessions":           list.Stats.Max,
		"session_timeout":        int(list.Stats.IdleTimeout.Seconds()),
		"oldest_session_seconds": int(list.Stats.OldestAge.Seconds()),
		"total_messages":         list.Stats.TotalMessages,
		"sessions":               sessions,
	})
	if err != nil {
		return "", nil, err
	}
	return out, map[string]interface{}{"active_sessions": list.Stats.Live}, nil
}

// CloseSessionTool closes one session.
type CloseSessionTool struct {
	svc *service.Service
}

// NewCloseSessionTool creates a new close session tool.
func NewCloseSessionTool(svc *service.Service) *CloseSessionTool {
	return &CloseSessionTool{svc: svc}
}

func (t *CloseSessionTool) Name() string { return "close_session" }

func (t *CloseSessionTool) Description() string {
	return "Close a notebook session and free its browser."
}

func (t *CloseSessionTool) Schema() map[string]interface{} {
	return sessionIDSchema("The session to close.")
}

// Execute closes the session.
func (t *CloseSessionTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	id, err := parseSessionID(t.Name(), argsXML)
	if err != nil {
		return "", nil, err
	}
	if err := t.svc.CloseSession(id); err != nil {
		return "", nil, err
	}
	out, err := render(map[string]interface{}{
		"status":     "success",
		"message":    fmt.Sprintf("Session %s closed successfully", id),
		"session_id": id,
	})
	return out, nil, err
}

// ResetSessionTool starts a session's conversation over.
type ResetSessionTool struct {
	svc *service.Service
}

// NewResetSessionTool creates a new reset session tool.
func NewResetSessionTool(svc *service.Service) *ResetSessionTool {
	return &ResetSessionTool{svc: svc}
}

func (t *ResetSessionTool) Name() string { return "reset_session" }

func (t *ResetSessionTool) Description() string {
	return "Reset a session's conversation history. The session is closed and its id retired; " +
		"the next ask_question without a session_id starts a clean conversation in a new session. " +
		"Returns how many messages were discarded."
}

func (t *ResetSessionTool) Schema() map[string]interface{} {
	return sessionIDSchema("The session to reset.")
}

// Execute resets the session.
func (t *ResetSessionTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	id, err := parseSessionID(t.Name(), argsXML)
	if err != nil {
		return "", nil, err
	}
	info, err := t.svc.ResetSession(id)
	if err != nil {
		return "", nil, err
	}
	out, err := render(map[string]interface{}{
		"status":           "success",
		"message":          fmt.Sprintf("Session %s reset successfully; ask without a session_id to start over", id),
		"session_id":       id,
		"messages_cleared": info.MessageCount,
	})
	return out, nil, err
}
