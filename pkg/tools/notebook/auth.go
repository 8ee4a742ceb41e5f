package notebook

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	service "github.com/entrhq/notebook-bridge/pkg/notebook"
	"github.com/entrhq/notebook-bridge/pkg/tools"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// authInput is shared by the login tools.
type authInput struct {
	XMLName     xml.Name `xml:"arguments"`
	ProfileID   string   `xml:"profile_id"`
	ShowBrowser *bool    `xml:"show_browser"`
	Account     string   `xml:"account"`
}

func parseAuth(ctx context.Context, tool string, argsXML []byte) (service.AuthRequest, error) {
	var input authInput
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return service.AuthRequest{}, types.NewError(types.KindInvalidInput, fmt.Errorf("invalid arguments for %s: %w", tool, err))
	}
	return service.AuthRequest{
		ProfileID:   strings.TrimSpace(input.ProfileID),
		ShowBrowser: input.ShowBrowser,
		AccountHint: strings.TrimSpace(input.Account),
		Progress:    service.ProgressFunc(tools.ProgressFrom(ctx)),
	}, nil
}

func authSchema(extra map[string]interface{}, required []string) map[string]interface{} {
	props := map[string]interface{}{
		"profile_id": map[string]interface{}{
			"type":        "string",
			"description": "Browser profile to log in. Defaults to the base profile shared by all sessions.",
		},
		"show_browser": map[string]interface{}{
			"type":        "boolean",
			"description": "Show the login window. Default: true.",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return tools.BaseToolSchema(props, required)
}

func renderAuth(res service.AuthResult) (string, map[string]interface{}, error) {
	out, err := render(res)
	if err != nil {
		return "", nil, err
	}
	return out, map[string]interface{}{"profile_id": res.ProfileID, "phase": string(res.Phase)}, nil
}

// SetupAuthTool opens a login window and waits for a human to log in.
type SetupAuthTool struct {
	svc *service.Service
}

// NewSetupAuthTool creates a new setup auth tool.
func NewSetupAuthTool(svc *service.Service) *SetupAuthTool {
	return &SetupAuthTool{svc: svc}
}

func (t *SetupAuthTool) Name() string { return "setup_auth" }

func (t *SetupAuthTool) Description() string {
	return "Log in to the notebook service. Opens a browser window; the user completes the login there " +
		"(up to 10 minutes). Returns at once when already logged in."
}

func (t *SetupAuthTool) Schema() map[string]interface{} { return authSchema(nil, nil) }

// Execute runs the login flow.
func (t *SetupAuthTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	req, err := parseAuth(ctx, t.Name(), argsXML)
	if err != nil {
		return "", nil, err
	}
	res, err := t.svc.SetupAuth(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return renderAuth(res)
}

// ReAuthTool discards the current login and logs in again.
type ReAuthTool struct {
	svc *service.Service
}

// NewReAuthTool creates a new re-auth tool.
func NewReAuthTool(svc *service.Service) *ReAuthTool {
	return &ReAuthTool{svc: svc}
}

func (t *ReAuthTool) Name() string { return "re_auth" }

func (t *ReAuthTool) Description() string {
	return "Switch to another account or recover from a rate limit. Closes all sessions of the profile, " +
		"clears its saved login and browsing data, then runs the login flow."
}

func (t *ReAuthTool) Schema() map[string]interface{} { return authSchema(nil, nil) }

// Execute runs the re-authentication.
func (t *ReAuthTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	req, err := parseAuth(ctx, t.Name(), argsXML)
	if err != nil {
		return "", nil, err
	}
	res, err := t.svc.ReAuth(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return renderAuth(res)
}

// SwitchAccountTool is re_auth with an account label.
type SwitchAccountTool struct {
	svc *service.Service
}

// NewSwitchAccountTool creates a new switch account tool.
func NewSwitchAccountTool(svc *service.Service) *SwitchAccountTool {
	return &SwitchAccountTool{svc: svc}
}

func (t *SwitchAccountTool) Name() string { return "switch_account" }

func (t *SwitchAccountTool) Description() string {
	return "Log the profile in with another account. The account label is only recorded for reference."
}

func (t *SwitchAccountTool) Schema() map[string]interface{} {
	return authSchema(map[string]interface{}{
		"account": map[string]interface{}{
			"type":        "string",
			"description": "Label of the account to switch to, e.g. its email address. Never a password.",
		},
	}, []string{"account"})
}

// Execute switches accounts.
func (t *SwitchAccountTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	req, err := parseAuth(ctx, t.Name(), argsXML)
	if err != nil {
		return "", nil, err
	}
	res, err := t.svc.SwitchAccount(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return renderAuth(res)
}

// HealthTool reports authentication and pool state.
type HealthTool struct {
	svc *service.Service
}

// NewHealthTool creates a new health tool.
func NewHealthTool(svc *service.Service) *HealthTool {
	return &HealthTool{svc: svc}
}

func (t *HealthTool) Name() string { return "get_health" }

func (t *HealthTool) Description() string {
	return "Check authentication, active sessions and the main settings. Call this first when something fails."
}

func (t *HealthTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(map[string]interface{}{}, nil)
}

// Execute reports health.
func (t *HealthTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	h := t.svc.Health()
	out, err := render(h)
	if err != nil {
		return "", nil, err
	}
	return out, map[string]interface{}{"authenticated": h.Authenticated}, nil
}

// All returns every notebook tool bound to svc.
func All(svc *service.Service) []tools.Tool {
	return []tools.Tool{
		NewAskQuestionTool(svc),
		NewListSessionsTool(svc),
		NewCloseSessionTool(svc),
		NewResetSessionTool(svc),
		NewSetupAuthTool(svc),
		NewReAuthTool(svc),
		NewSwitchAccountTool(svc),
		NewHealthTool(svc),
	}
}
