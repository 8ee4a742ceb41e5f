package browser

import (
	"context"
	"net/url"
	"strings"
)

// NotebookProbe derives login and rate-limit signals from what a surface
// exposes: the current URL, cookies and alert banners.
type NotebookProbe struct {
	AppHost          string
	AuthSite         string
	CriticalCookies  []string
	RateLimitPhrases []string
}

// DefaultProbe returns the probe for the hosted notebook app.
func DefaultProbe() NotebookProbe {
	return NotebookProbe{
		AppHost:  "notebooklm.google.com",
		AuthSite: "google.com",
		CriticalCookies: []string{
			"SID", "HSID", "SSID", "APISID", "SAPISID",
			"OSID", "__Secure-OSID", "__Secure-1PSID", "__Secure-3PSID",
		},
		RateLimitPhrases: []string{
			"rate limit",
			"limit exceeded",
			"quota exhausted",
			"daily limit",
			"limit reached",
			"too many requests",
			"reached your limit",
			"try again later",
		},
	}
}

// LoggedIn reports whether the surface sits on the app with a usable
// session. Surfaces that expose cookies must carry at least one critical
// auth cookie.
func (p NotebookProbe) LoggedIn(ctx context.Context, s Surface) (bool, error) {
	if !s.IsAlive() {
		return false, ErrSurfaceClosed
	}
	u, err := url.Parse(s.URL())
	if err != nil || !strings.EqualFold(u.Hostname(), p.AppHost) {
		return false, nil
	}
	jar, ok := s.(CookieJar)
	if !ok {
		return true, nil
	}
	cookies, err := jar.Cookies(ctx)
	if err != nil {
		return false, err
	}
	return p.HasCriticalCookies(cookies), nil
}

// HasCriticalCookies reports whether cookies include an auth cookie of the
// auth site.
func (p NotebookProbe) HasCriticalCookies(cookies []Cookie) bool {
	want := make(map[string]bool, len(p.CriticalCookies))
	for _, name := range p.CriticalCookies {
		want[name] = true
	}
	for _, c := range FilterSite(cookies, p.AuthSite) {
		if want[c.Name] && c.Value != "" {
			return true
		}
	}
	return false
}

// RateLimited looks for a quota message among the surface's alerts. The
// matching text is returned as a hint.
func (p NotebookProbe) RateLimited(ctx context.Context, s Surface) (bool, string, error) {
	r, ok := s.(AlertReader)
	if !ok {
		return false, "", nil
	}
	texts, err := r.AlertTexts(ctx)
	if err != nil {
		return false, "", err
	}
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, phrase := range p.RateLimitPhrases {
			if strings.Contains(lower, phrase) {
				return true, text, nil
			}
		}
	}
	return false, "", nil
}
