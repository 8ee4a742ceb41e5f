package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides mirrors the environment variables understood by the bridge.
// Unset variables leave their pointer nil so they never clobber file values.
type envOverrides struct {
	NotebookURL *string `envconfig:"NOTEBOOK_URL"`
	DataDir     *string `envconfig:"NOTEBOOK_DATA_DIR"`

	Headless         *bool `envconfig:"HEADLESS"`
	BrowserTimeoutMs *int  `envconfig:"BROWSER_TIMEOUT"`
	MaxSessions      *int  `envconfig:"MAX_SESSIONS"`
	SessionTimeoutS  *int  `envconfig:"SESSION_TIMEOUT"`
	LoginTimeoutMs   *int  `envconfig:"LOGIN_TIMEOUT_MS"`

	StealthEnabled        *bool `envconfig:"STEALTH_ENABLED"`
	StealthRandomDelays   *bool `envconfig:"STEALTH_RANDOM_DELAYS"`
	StealthHumanTyping    *bool `envconfig:"STEALTH_HUMAN_TYPING"`
	StealthMouseMovements *bool `envconfig:"STEALTH_MOUSE_MOVEMENTS"`
	TypingWPMMin          *int  `envconfig:"TYPING_WPM_MIN"`
	TypingWPMMax          *int  `envconfig:"TYPING_WPM_MAX"`
	MinDelayMs            *int  `envconfig:"MIN_DELAY_MS"`
	MaxDelayMs            *int  `envconfig:"MAX_DELAY_MS"`

	ProfileStrategy   *string `envconfig:"NOTEBOOK_PROFILE_STRATEGY"`
	CloneProfile      *bool   `envconfig:"NOTEBOOK_CLONE_PROFILE"`
	CleanupOnStartup  *bool   `envconfig:"NOTEBOOK_CLEANUP_ON_STARTUP"`
	CleanupOnShutdown *bool   `envconfig:"NOTEBOOK_CLEANUP_ON_SHUTDOWN"`
	InstanceTTLHours  *int    `envconfig:"NOTEBOOK_INSTANCE_TTL_HOURS"`
	InstanceMaxCount  *int    `envconfig:"NOTEBOOK_INSTANCE_MAX_COUNT"`

	LogLevel *string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays environment variables onto s.
func ApplyEnv(s Settings) (Settings, error) {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return s, fmt.Errorf("failed to read environment: %w", err)
	}
	env.apply(&s)
	return s, nil
}

func (e *envOverrides) apply(s *Settings) {
	setString(&s.NotebookURL, e.NotebookURL)
	setString(&s.DataDir, e.DataDir)

	setBool(&s.Browser.Headless, e.Headless)
	setDuration(&s.Browser.Timeout, e.BrowserTimeoutMs, time.Millisecond)
	setInt(&s.Sessions.MaxSessions, e.MaxSessions)
	setDuration(&s.Sessions.IdleTimeout, e.SessionTimeoutS, time.Second)
	setDuration(&s.Auth.LoginTimeout, e.LoginTimeoutMs, time.Millisecond)

	setBool(&s.Stealth.Enabled, e.StealthEnabled)
	setBool(&s.Stealth.RandomDelays, e.StealthRandomDelays)
	setBool(&s.Stealth.HumanTyping, e.StealthHumanTyping)
	setBool(&s.Stealth.MouseMovements, e.StealthMouseMovements)
	setInt(&s.Stealth.TypingWPMMin, e.TypingWPMMin)
	setInt(&s.Stealth.TypingWPMMax, e.TypingWPMMax)
	setDuration(&s.Stealth.DelayMin, e.MinDelayMs, time.Millisecond)
	setDuration(&s.Stealth.DelayMax, e.MaxDelayMs, time.Millisecond)

	if e.ProfileStrategy != nil {
		s.Profiles.Strategy = ProfileStrategy(*e.ProfileStrategy)
	}
	setBool(&s.Profiles.CloneOnIsolated, e.CloneProfile)
	setBool(&s.Profiles.CleanupOnStartup, e.CleanupOnStartup)
	setBool(&s.Profiles.CleanupOnShutdown, e.CleanupOnShutdown)
	setDuration(&s.Profiles.InstanceTTL, e.InstanceTTLHours, time.Hour)
	setInt(&s.Profiles.InstanceMaxCount, e.InstanceMaxCount)

	setString(&s.Logging.Level, e.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *int, unit time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * unit
	}
}
