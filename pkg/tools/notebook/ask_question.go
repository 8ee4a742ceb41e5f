package notebook

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/entrhq/notebook-bridge/pkg/config"
	service "github.com/entrhq/notebook-bridge/pkg/notebook"
	"github.com/entrhq/notebook-bridge/pkg/tools"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// AskQuestionTool asks a notebook a question in a pooled browser session.
type AskQuestionTool struct {
	svc *service.Service
}

// NewAskQuestionTool creates a new ask question tool.
func NewAskQuestionTool(svc *service.Service) *AskQuestionTool {
	return &AskQuestionTool{svc: svc}
}

// Name returns the tool name.
func (t *AskQuestionTool) Name() string {
	return "ask_question"
}

// Description returns the tool description.
func (t *AskQuestionTool) Description() string {
	return "Ask the notebook a question and get an answer grounded in its sources. " +
		"Pass the returned session_id on follow-up questions to keep the conversation context. " +
		"Answers are slow (often 10-60s); ask complete, specific questions."
}

// Schema returns the tool's JSON schema.
func (t *AskQuestionTool) Schema() map[string]interface{} {
	boolean := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "boolean", "description": desc}
	}
	integer := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	return tools.BaseToolSchema(
		map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to ask the notebook.",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to continue. Omit to start a new session; unknown ids start a new session under a fresh id.",
			},
			"notebook_url": map[string]interface{}{
				"type":        "string",
				"description": "Notebook URL. Overrides notebook_id. Defaults to the configured notebook.",
			},
			"notebook_id": map[string]interface{}{
				"type":        "string",
				"description": "Name of a configured notebook.",
			},
			"show_browser": boolean("Show the browser window. Shorthand for browser_options.show."),
			"browser_options": map[string]interface{}{
				"type":        "object",
				"description": "Per-call browser overrides.",
				"properties": map[string]interface{}{
					"show":       boolean("Show the browser window."),
					"headless":   boolean("Run headless."),
					"timeout_ms": integer("Interaction timeout in milliseconds."),
					"viewport": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"width":  integer("Viewport width in pixels."),
							"height": integer("Viewport height in pixels."),
						},
					},
					"stealth": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"enabled":         boolean("Humanize input at all."),
							"random_delays":   boolean("Random pauses between actions."),
							"human_typing":    boolean("Type key by key."),
							"mouse_movements": boolean("Move the pointer before clicking."),
							"typing_wpm_min":  integer("Slowest typing speed."),
							"typing_wpm_max":  integer("Fastest typing speed."),
							"delay_min_ms":    integer("Shortest pause."),
							"delay_max_ms":    integer("Longest pause."),
						},
					},
				},
			},
		},
		[]string{"question"},
	)
}

// AskQuestionInput defines the input parameters of ask_question.
type AskQuestionInput struct {
	XMLName        xml.Name             `xml:"arguments"`
	Question       string               `xml:"question"`
	SessionID      string               `xml:"session_id"`
	NotebookURL    string               `xml:"notebook_url"`
	NotebookID     string               `xml:"notebook_id"`
	ShowBrowser    *bool                `xml:"show_browser"`
	BrowserOptions *BrowserOptionsInput `xml:"browser_options"`
}

// BrowserOptionsInput is the XML form of config.BrowserOptions.
type BrowserOptionsInput struct {
	Show      *bool `xml:"show"`
	Headless  *bool `xml:"headless"`
	TimeoutMs *int  `xml:"timeout_ms"`
	Viewport  *struct {
		Width  int `xml:"width"`
		Height int `xml:"height"`
	} `xml:"viewport"`
	Stealth *struct {
		Enabled        *bool `xml:"enabled"`
		RandomDelays   *bool `xml:"random_delays"`
		HumanTyping    *bool `xml:"human_typing"`
		MouseMovements *bool `xml:"mouse_movements"`
		TypingWPMMin   *int  `xml:"typing_wpm_min"`
		TypingWPMMax   *int  `xml:"typing_wpm_max"`
		DelayMinMs     *int  `xml:"delay_min_ms"`
		DelayMaxMs     *int  `xml:"delay_max_ms"`
	} `xml:"stealth"`
}

// Options converts the input to config.BrowserOptions.
func (in *BrowserOptionsInput) Options() *config.BrowserOptions {
	if in == nil {
		return nil
	}
	out := &config.BrowserOptions{Show: in.Show, Headless: in.Headless, TimeoutMs: in.TimeoutMs}
	if in.Viewport != nil {
		out.Viewport = &config.Viewport{Width: in.Viewport.Width, Height: in.Viewport.Height}
	}
	if st := in.Stealth; st != nil {
		out.Stealth = &config.StealthOptions{
			Enabled:        st.Enabled,
			RandomDelays:   st.RandomDelays,
			HumanTyping:    st.HumanTyping,
			MouseMovements: st.MouseMovements,
			TypingWPMMin:   st.TypingWPMMin,
			TypingWPMMax:   st.TypingWPMMax,
			DelayMinMs:     st.DelayMinMs,
			DelayMaxMs:     st.DelayMaxMs,
		}
	}
	return out
}

// Execute asks the question.
func (t *AskQuestionTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	var input AskQuestionInput
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", nil, types.NewError(types.KindInvalidInput, fmt.Errorf("invalid arguments for %s: %w", t.Name(), err))
	}

	ref := strings.TrimSpace(input.NotebookURL)
	if ref == "" {
		ref = strings.TrimSpace(input.NotebookID)
	}
	res, err := t.svc.Interact(ctx, service.InteractRequest{
		Question:    input.Question,
		SessionID:   strings.TrimSpace(input.SessionID),
		NotebookRef: ref,
		ShowBrowser: input.ShowBrowser,
		Options:     input.BrowserOptions.Options(),
		Progress:    service.ProgressFunc(tools.ProgressFrom(ctx)),
	})
	if err != nil {
		return "", nil, err
	}

	out, err := render(map[string]interface{}{
		"status":       "success",
		"question":     input.Question,
		"answer":       res.Answer,
		"session_id":   res.SessionID,
		"notebook_url": res.NotebookURL,
		"notebook_ref": res.NotebookRef,
		"session_info": map[string]interface{}{
			"age_seconds":   int(res.Session.AgeSeconds),
			"message_count": res.Session.MessageCount,
			"last_activity": res.Session.LastActivityAt.Unix(),
		},
	})
	if err != nil {
		return "", nil, err
	}
	return out, map[string]interface{}{
		"session_id": res.SessionID,
		"recovered":  res.Recovered,
	}, nil
}
