package auth

import (
	"fmt"
	"time"
)

// Phase is the login phase of one profile.
type Phase string

const (
	PhaseLoggedOut           Phase = "logged_out"
	PhaseAwaitingManualLogin Phase = "awaiting_manual_login"
	PhaseLoggedIn            Phase = "logged_in"
	PhaseRateLimited         Phase = "rate_limited"
)

// State is the auth knowledge about a profile. AccountHint names the
// account for the human completing a login and is never a credential.
type State struct {
	ProfileID     string    `json:"profile_id"`
	Phase         Phase     `json:"phase"`
	AccountHint   string    `json:"account_hint,omitempty"`
	LimitHint     string    `json:"limit_hint,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Usable reports whether content interactions may run in this state.
func (s State) Usable(now time.Time) bool {
	switch s.Phase {
	case PhaseLoggedIn:
		return true
	case PhaseRateLimited:
		return !now.Before(s.CooldownUntil)
	default:
		return false
	}
}

// transitions lists the allowed phase changes. Every phase may also drop to
// LoggedOut, which is handled in allowed.
//
// LoggedOut -> LoggedIn covers a profile whose persisted login is still
// valid when a surface first opens on it.
var transitions = map[Phase][]Phase{
	PhaseLoggedOut:           {PhaseAwaitingManualLogin, PhaseLoggedIn},
	PhaseAwaitingManualLogin: {PhaseLoggedIn},
	PhaseLoggedIn:            {PhaseRateLimited},
	PhaseRateLimited:         {PhaseLoggedIn, PhaseRateLimited},
}

func allowed(from, to Phase) bool {
	if to == PhaseLoggedOut {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError reports a phase change the state machine does not allow.
type TransitionError struct {
	ProfileID string
	From, To  Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("profile %s: invalid auth transition %s -> %s", e.ProfileID, e.From, e.To)
}
