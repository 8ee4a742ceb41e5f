package browser

import (
	"errors"
	"regexp"
	"strings"

	"github.com/entrhq/notebook-bridge/pkg/types"
)

// ErrSurfaceClosed is returned by surface operations after the page or
// context went away.
var ErrSurfaceClosed = errors.New("browser surface has been closed")

// ErrProfileInUse is returned by Launch when the browser refuses the profile
// directory because another process holds it.
var ErrProfileInUse = errors.New("profile is already in use by another browser process")

var closedPattern = regexp.MustCompile(`(?i)has been closed|Target .* closed|Browser has been closed|Context .* closed|Target closed`)

var profileInUseMarkers = []string{
	"processsingleton",
	"singletonlock",
	"profile is already in use",
}

// IsSurfaceClosed reports whether err was caused by a closed page, context or
// browser process.
func IsSurfaceClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSurfaceClosed) || errors.Is(err, types.ErrSurfaceCrashed) {
		return true
	}
	return closedPattern.MatchString(err.Error())
}

// IsProfileInUse reports whether a launch error means the profile directory
// is locked by another browser.
func IsProfileInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProfileInUse) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range profileInUseMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
