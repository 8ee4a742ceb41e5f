package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileStrategy selects how browser profiles are assigned to sessions.
type ProfileStrategy string

const (
	// StrategyAuto uses the base profile and falls back to an isolated one
	// when the base profile is locked.
	StrategyAuto ProfileStrategy = "auto"
	// StrategySingle always uses the base profile.
	StrategySingle ProfileStrategy = "single"
	// StrategyIsolated always allocates a fresh profile directory.
	StrategyIsolated ProfileStrategy = "isolated"
)

// DefaultFollowUpReminder is appended to every answer unless disabled.
const DefaultFollowUpReminder = "\n\nEXTREMELY IMPORTANT: Is that ALL you need to know? " +
	"You can always ask another question using the same session ID. " +
	"Before replying to the user, compare this answer with their original request. " +
	"If anything is still missing, ask a follow-up question first."

// Settings is the full set of knobs of the bridge, after merging defaults,
// the config file and the environment.
type Settings struct {
	// Target notebook used when a request names none
	NotebookURL string `yaml:"notebook_url" json:"notebook_url"`

	// Named notebooks, name -> URL
	Notebooks map[string]string `yaml:"notebooks" json:"notebooks,omitempty"`

	// Data directory holding profiles, auth state and logs
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Browser  BrowserConfig  `yaml:"browser" json:"browser"`
	Stealth  StealthConfig  `yaml:"stealth" json:"stealth"`
	Sessions SessionConfig  `yaml:"sessions" json:"sessions"`
	Profiles ProfileConfig  `yaml:"profiles" json:"profiles"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Response ResponseConfig `yaml:"response" json:"response"`
}

// BrowserConfig controls how browser surfaces are launched.
type BrowserConfig struct {
	Headless bool          `yaml:"headless" json:"headless"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"` // per interaction
	Viewport Viewport      `yaml:"viewport" json:"viewport"`
	Channel  string        `yaml:"channel" json:"channel"` // "chrome" uses the installed browser

	// Launch throttle, in launches per second and burst size
	LaunchRate  float64 `yaml:"launch_rate" json:"launch_rate"`
	LaunchBurst int     `yaml:"launch_burst" json:"launch_burst"`
}

// Viewport is the page size in CSS pixels.
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// StealthConfig controls humanized input.
type StealthConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	RandomDelays   bool          `yaml:"random_delays" json:"random_delays"`
	HumanTyping    bool          `yaml:"human_typing" json:"human_typing"`
	MouseMovements bool          `yaml:"mouse_movements" json:"mouse_movements"`
	TypingWPMMin   int           `yaml:"typing_wpm_min" json:"typing_wpm_min"`
	TypingWPMMax   int           `yaml:"typing_wpm_max" json:"typing_wpm_max"`
	DelayMin       time.Duration `yaml:"delay_min" json:"delay_min"`
	DelayMax       time.Duration `yaml:"delay_max" json:"delay_max"`
}

// SessionConfig bounds the session pool.
type SessionConfig struct {
	MaxSessions int           `yaml:"max_sessions" json:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// ProfileConfig controls profile allocation and retention.
type ProfileConfig struct {
	Strategy          ProfileStrategy `yaml:"strategy" json:"strategy"`
	CloneOnIsolated   bool            `yaml:"clone_on_isolated" json:"clone_on_isolated"`
	CleanupOnStartup  bool            `yaml:"cleanup_on_startup" json:"cleanup_on_startup"`
	CleanupOnShutdown bool            `yaml:"cleanup_on_shutdown" json:"cleanup_on_shutdown"`
	InstanceTTL       time.Duration   `yaml:"instance_ttl" json:"instance_ttl"`
	InstanceMaxCount  int             `yaml:"instance_max_count" json:"instance_max_count"`
}

// AuthConfig controls the login flow.
type AuthConfig struct {
	LoginURL          string        `yaml:"login_url" json:"login_url"`
	LoginTimeout      time.Duration `yaml:"login_timeout" json:"login_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	StateMaxAge       time.Duration `yaml:"state_max_age" json:"state_max_age"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown" json:"rate_limit_cooldown"`
}

// LoggingConfig controls the log threshold.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// ResponseConfig controls answer post-processing.
type ResponseConfig struct {
	FollowUpReminder string `yaml:"follow_up_reminder" json:"follow_up_reminder"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		DataDir: defaultDataDir(),
		Browser: BrowserConfig{
			Headless:    true,
			Timeout:     30 * time.Second,
			Viewport:    Viewport{Width: 1024, Height: 768},
			Channel:     "chrome",
			LaunchRate:  1,
			LaunchBurst: 2,
		},
		Stealth: StealthConfig{
			Enabled:        true,
			RandomDelays:   true,
			HumanTyping:    true,
			MouseMovements: true,
			TypingWPMMin:   160,
			TypingWPMMax:   240,
			DelayMin:       100 * time.Millisecond,
			DelayMax:       400 * time.Millisecond,
		},
		Sessions: SessionConfig{
			MaxSessions: 10,
			IdleTimeout: 15 * time.Minute,
		},
		Profiles: ProfileConfig{
			Strategy:          StrategyAuto,
			CleanupOnStartup:  true,
			CleanupOnShutdown: true,
			InstanceTTL:       72 * time.Hour,
			InstanceMaxCount:  20,
		},
		Auth: AuthConfig{
			LoginURL:          "https://accounts.google.com/v3/signin/identifier?continue=https%3A%2F%2Fnotebooklm.google.com%2F",
			LoginTimeout:      10 * time.Minute,
			PollInterval:      time.Second,
			StateMaxAge:       24 * time.Hour,
			RateLimitCooldown: time.Hour,
		},
		Logging:  LoggingConfig{Level: "info"},
		Response: ResponseConfig{FollowUpReminder: DefaultFollowUpReminder},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "notebook-bridge")
	}
	return ".notebook-bridge"
}

// Paths derived from DataDir.
func (s Settings) ProfileDir() string   { return filepath.Join(s.DataDir, "chrome_profile") }
func (s Settings) InstancesDir() string { return filepath.Join(s.DataDir, "chrome_profile_instances") }
func (s Settings) StateDir() string     { return filepath.Join(s.DataDir, "browser_state") }
func (s Settings) LogDir() string       { return filepath.Join(s.DataDir, "logs") }
func (s Settings) AuthDBPath() string   { return filepath.Join(s.DataDir, "auth.db") }

// Validate checks ranges and enumerations.
func (s *Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if s.Browser.Timeout <= 0 {
		return fmt.Errorf("browser.timeout must be positive")
	}
	if s.Browser.Viewport.Width <= 0 || s.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must be positive, got %dx%d", s.Browser.Viewport.Width, s.Browser.Viewport.Height)
	}
	if s.Browser.LaunchRate <= 0 || s.Browser.LaunchBurst < 1 {
		return fmt.Errorf("browser.launch_rate and launch_burst must be positive")
	}
	if s.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be at least 1")
	}
	if s.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if s.Stealth.TypingWPMMin <= 0 || s.Stealth.TypingWPMMax < s.Stealth.TypingWPMMin {
		return fmt.Errorf("invalid typing wpm range [%d, %d]", s.Stealth.TypingWPMMin, s.Stealth.TypingWPMMax)
	}
	if s.Stealth.DelayMin < 0 || s.Stealth.DelayMax < s.Stealth.DelayMin {
		return fmt.Errorf("invalid delay range [%s, %s]", s.Stealth.DelayMin, s.Stealth.DelayMax)
	}
	switch s.Profiles.Strategy {
	case StrategyAuto, StrategySingle, StrategyIsolated:
	default:
		return fmt.Errorf("invalid profile strategy: %s (must be 'auto', 'single', or 'isolated')", s.Profiles.Strategy)
	}
	if s.Profiles.InstanceTTL <= 0 {
		return fmt.Errorf("profiles.instance_ttl must be positive")
	}
	if s.Profiles.InstanceMaxCount < 0 {
		return fmt.Errorf("profiles.instance_max_count cannot be negative")
	}
	if s.Auth.LoginTimeout <= 0 || s.Auth.PollInterval <= 0 {
		return fmt.Errorf("auth.login_timeout and auth.poll_interval must be positive")
	}
	if s.Auth.RateLimitCooldown < 0 {
		return fmt.Errorf("auth.rate_limit_cooldown cannot be negative")
	}
	return nil
}

// LoadFile overlays the YAML file at path onto base. A missing file leaves
// base unchanged.
func LoadFile(path string, base Settings) (Settings, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return out, nil
}

// Load resolves settings with precedence environment > file > defaults and
// validates the result. Call-site overrides are applied per request with
// BrowserOptions.Apply.
func Load(path string) (Settings, error) {
	s, err := LoadFile(path, Default())
	if err != nil {
		return s, err
	}
	s, err = ApplyEnv(s)
	if err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}
