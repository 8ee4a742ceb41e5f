package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// savedState is the on-disk cookie export of one profile.
type savedState struct {
	ProfileID string           `json:"profile_id"`
	SavedAt   time.Time        `json:"saved_at"`
	Cookies   []browser.Cookie `json:"cookies"`
}

// ArtifactStore keeps exported login cookies per profile so a fresh surface
// can be signed in without a manual login.
type ArtifactStore struct {
	dir    string
	maxAge time.Duration
	valid  func([]browser.Cookie) bool
	now    func() time.Time
}

// NewArtifactStore stores artifacts under dir. Exports older than maxAge or
// rejected by valid are ignored on import.
func NewArtifactStore(dir string, maxAge time.Duration, valid func([]browser.Cookie) bool) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if valid == nil {
		valid = func(c []browser.Cookie) bool { return len(c) > 0 }
	}
	return &ArtifactStore{dir: dir, maxAge: maxAge, valid: valid, now: time.Now}, nil
}

func (a *ArtifactStore) path(profileID string) (string, error) {
	if profileID == "" || strings.ContainsAny(profileID, `/\`) || strings.Contains(profileID, "..") {
		return "", types.Errorf(types.KindInvalidInput, "invalid profile id %q", profileID).WithProfile(profileID)
	}
	return filepath.Join(a.dir, profileID+".json"), nil
}

// Save writes cookies for profileID, replacing any earlier export.
func (a *ArtifactStore) Save(profileID string, cookies []browser.Cookie) error {
	path, err := a.path(profileID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(savedState{ProfileID: profileID, SavedAt: a.now(), Cookies: cookies}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write auth state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write auth state: %w", err)
	}
	return nil
}

// Load returns the usable cookies for profileID. Missing, stale and
// incomplete exports all yield NotFound.
func (a *ArtifactStore) Load(profileID string) ([]browser.Cookie, error) {
	path, err := a.path(profileID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Errorf(types.KindNotFound, "no saved login").WithProfile(profileID)
		}
		return nil, fmt.Errorf("failed to read auth state: %w", err)
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode auth state: %w", err)
	}
	if a.maxAge > 0 && a.now().Sub(st.SavedAt) > a.maxAge {
		return nil, types.Errorf(types.KindNotFound, "saved login from %s is too old", st.SavedAt.Format(time.RFC3339)).WithProfile(profileID)
	}
	if !a.valid(st.Cookies) {
		return nil, types.Errorf(types.KindNotFound, "saved login has no auth cookies").WithProfile(profileID)
	}
	return st.Cookies, nil
}

// Valid reports whether a usable export exists.
func (a *ArtifactStore) Valid(profileID string) bool {
	_, err := a.Load(profileID)
	return err == nil
}

// Clear deletes the export for profileID. A missing export is not an error.
func (a *ArtifactStore) Clear(profileID string) error {
	path, err := a.path(profileID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear auth state: %w", err)
	}
	return nil
}

// Export saves the cookies currently held by jar.
func (a *ArtifactStore) Export(ctx context.Context, profileID string, jar browser.CookieJar) error {
	cookies, err := jar.Cookies(ctx)
	if err != nil {
		return err
	}
	return a.Save(profileID, cookies)
}

// Import adds a usable export to jar and reports whether it did.
func (a *ArtifactStore) Import(ctx context.Context, profileID string, jar browser.CookieJar) (bool, error) {
	cookies, err := a.Load(profileID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return false, nil
		}
		return false, err
	}
	if err := jar.AddCookies(ctx, cookies); err != nil {
		return false, err
	}
	return true, nil
}
