package notebook

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/auth"
	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// AuthRequest scopes a login flow to one profile.
type AuthRequest struct {
	// ProfileID defaults to the base profile.
	ProfileID string
	// ShowBrowser defaults to true; a login needs a visible window.
	ShowBrowser *bool
	// AccountHint labels the account for SwitchAccount. Never a credential.
	AccountHint string
	Progress    ProgressFunc
}

func (r AuthRequest) profileID() string {
	if r.ProfileID == "" {
		return profile.BaseID
	}
	return r.ProfileID
}

// AuthResult reports a finished login flow.
type AuthResult struct {
	Status          string     `json:"status"`
	Message         string     `json:"message"`
	Authenticated   bool       `json:"authenticated"`
	ProfileID       string     `json:"profile_id"`
	Phase           auth.Phase `json:"phase"`
	DurationSeconds float64    `json:"duration_seconds"`
}

func (s *Service) authResult(st auth.State, started time.Time, message string) AuthResult {
	return AuthResult{
		Status:          "authenticated",
		Message:         message,
		Authenticated:   st.Phase == auth.PhaseLoggedIn,
		ProfileID:       st.ProfileID,
		Phase:           st.Phase,
		DurationSeconds: s.now().Sub(started).Seconds(),
	}
}

// SetupAuth opens a login window on the profile and waits for a human to
// log in. A profile that is already logged in returns at once.
func (s *Service) SetupAuth(ctx context.Context, req AuthRequest) (AuthResult, error) {
	started := s.now()
	id := req.profileID()

	err := s.auth.Require(id)
	switch {
	case err == nil:
		return s.authResult(s.auth.State(id), started, "Already authenticated"), nil
	case types.KindOf(err) == types.KindRateLimited:
		return AuthResult{}, err
	}

	req.Progress.report("Initializing authentication setup...", 0, 10)
	if _, err := s.pool.CloseProfile(ctx, id); err != nil {
		return AuthResult{}, err
	}
	owner := "auth:" + id
	prof, err := s.alloc.Claim(id, owner)
	if err != nil {
		return AuthResult{}, err
	}
	defer s.alloc.Release(prof.ID)

	st, err := s.login(ctx, prof, req, true)
	if err != nil {
		return AuthResult{}, err
	}
	req.Progress.report("Authentication saved successfully!", 10, 10)
	s.log.Infof("profile %s authenticated in %s", id, s.now().Sub(started).Round(time.Millisecond))
	return s.authResult(st, started, "Successfully authenticated and saved browser state"), nil
}

// ReAuth discards the profile's login and browsing data and runs a fresh
// login, to switch accounts or recover from a rate limit.
func (s *Service) ReAuth(ctx context.Context, req AuthRequest) (AuthResult, error) {
	started := s.now()
	st, err := s.relogin(ctx, req, s.auth.ReAuth)
	if err != nil {
		return AuthResult{}, err
	}
	return s.authResult(st, started, "Successfully re-authenticated with new account. All previous sessions have been closed."), nil
}

// SwitchAccount is ReAuth for a named account.
func (s *Service) SwitchAccount(ctx context.Context, req AuthRequest) (AuthResult, error) {
	if req.AccountHint == "" {
		return AuthResult{}, types.Errorf(types.KindInvalidInput, "account hint is required")
	}
	started := s.now()
	st, err := s.relogin(ctx, req, func(id string) (auth.State, error) {
		return s.auth.SwitchAccount(id, req.AccountHint)
	})
	if err != nil {
		return AuthResult{}, err
	}
	return s.authResult(st, started, fmt.Sprintf("Switched to account %s", req.AccountHint)), nil
}

// relogin moves the profile to a pending login before closing its sessions,
// so no new session opens on it until the login completes. A failure before
// the login window opens returns it to LoggedOut.
func (s *Service) relogin(ctx context.Context, req AuthRequest, restart func(string) (auth.State, error)) (st auth.State, err error) {
	id := req.profileID()
	if _, err := restart(id); err != nil {
		return auth.State{}, err
	}
	defer func() {
		if err != nil && s.auth.State(id).Phase == auth.PhaseAwaitingManualLogin {
			if _, rerr := s.auth.Reset(id); rerr != nil {
				s.log.Warnf("profile %s: resetting after failed login: %v", id, rerr)
			}
		}
	}()

	req.Progress.report("Closing sessions...", 0, 10)
	if err := s.closeFor(ctx, id); err != nil {
		return auth.State{}, err
	}

	owner := "auth:" + id
	prof, err := s.alloc.Claim(id, owner)
	if err != nil {
		return auth.State{}, err
	}
	defer s.alloc.Release(prof.ID)

	req.Progress.report("Clearing saved login...", 1, 10)
	if s.artifacts != nil {
		if err := s.artifacts.Clear(id); err != nil {
			return auth.State{}, err
		}
	}
	if err := s.alloc.Wipe(id, owner); err != nil {
		return auth.State{}, err
	}
	return s.login(ctx, prof, req, false)
}

// closeFor closes the sessions using profile id. Isolated sessions borrow
// the base profile's login, so re-authenticating the base closes them all.
func (s *Service) closeFor(ctx context.Context, id string) error {
	if id == profile.BaseID {
		_, err := s.pool.Drain(ctx)
		return err
	}
	_, err := s.pool.CloseProfile(ctx, id)
	return err
}

// login runs the manual login on a claimed profile and saves the resulting
// cookies.
func (s *Service) login(ctx context.Context, prof *profile.Profile, req AuthRequest, restore bool) (auth.State, error) {
	settings := s.settings()
	settings.Browser.Headless = req.ShowBrowser != nil && !*req.ShowBrowser

	req.Progress.report("Opening browser window...", 2, 10)
	surface, err := s.launcher.Launch(ctx, browser.LaunchOptionsFrom(settings, prof.Path))
	if err != nil {
		if browser.IsProfileInUse(err) {
			return auth.State{}, types.NewError(types.KindProfileLockContention, err).WithProfile(prof.ID).
				WithHint("close other Chrome windows using this profile and retry")
		}
		return auth.State{}, fmt.Errorf("failed to open login window: %w", err)
	}
	defer surface.Close()

	jar, isJar := surface.(browser.CookieJar)
	if restore && isJar && s.artifacts != nil {
		if _, err := s.artifacts.Import(ctx, prof.ID, jar); err != nil {
			s.log.Warnf("profile %s: importing saved login: %v", prof.ID, err)
		}
	}

	req.Progress.report("Waiting for login...", 3, 10)
	if err := surface.Navigate(ctx, settings.Auth.LoginURL); err != nil {
		return auth.State{}, fmt.Errorf("failed to open login page: %w", err)
	}
	st, err := s.auth.AwaitLogin(ctx, prof.ID, surface, s.probe)
	if err != nil {
		return st, err
	}

	req.Progress.report("Saving browser state...", 9, 10)
	if isJar && s.artifacts != nil {
		if err := s.artifacts.Export(ctx, prof.ID, jar); err != nil {
			s.log.Warnf("profile %s: saving login: %v", prof.ID, err)
		}
	}
	return st, nil
}
