// Package config loads harvester settings from .env, the environment and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HARVESTER"

// Driver backends.
const (
	BackendRaw      = "raw"
	BackendChromedp = "chromedp"
)

const dateLayout = "2006-01-02"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds all harvester settings.
type Config struct {
	// CDP connection
	CDPAddress   string
	CDPPort      int
	TabURLFilter string
	Backend      string
	EvalTimeout  time.Duration

	// Browser launch
	LaunchBrowser bool
	ProfileDir    string
	StartURL      string

	// Iteration
	Count          int
	ReferenceDate  string
	AssetMode      string
	LocatorFile    string
	ElementTimeout time.Duration
	PollInterval   time.Duration
	AdvanceSettle  time.Duration
	SyncRetries    int

	// Output
	OutputDir    string
	Formats      string
	JournalDir   string
	JournalMaxMB int
	HistoryDB    string

	// Service
	BindAddr     string
	Schedule     string
	NtfyEndpoint string

	// Next ports tried when BindAddr is busy
	PortAutoFallback  bool
	PortFallbackCount int

	// Logging
	LogLevel string
	LogFile  string
}

var defaults = map[string]any{
	"cdp_address":     "127.0.0.1",
	"cdp_port":        9220,
	"tab_url_filter":  "tradingview.com",
	"backend":         BackendRaw,
	"eval_timeout":    5 * time.Second,
	"launch_browser":  false,
	"profile_dir":     "./browser_profile",
	"start_url":       "https://www.tradingview.com/chart/",
	"count":           10,
	"reference_date":  "",
	"asset_mode":      "stocks",
	"locator_file":    "",
	"element_timeout": 15 * time.Second,
	"poll_interval":   250 * time.Millisecond,
	"advance_settle":  500 * time.Millisecond,
	"sync_retries":    0,
	"output_dir":      "./output",
	"formats":         "xlsx",
	"journal_dir":     "./data/journal",
	"journal_max_mb":  50,
	"history_db":      "./data/history.db",
	"bind_addr":       "127.0.0.1:8189",

	"port_auto_fallback":  true,
	"port_fallback_count": 5,

	"schedule":        "",
	"ntfy_endpoint":   "",
	"log_level":       "info",
	"log_file":        "logs/tv_harvester.log",
}

// legacyEnv maps keys to the CHROMIUM_* variables shared with the browser tooling.
var legacyEnv = map[string]string{
	"cdp_address": "CHROMIUM_CDP_ADDRESS",
	"cdp_port":    "CHROMIUM_CDP_PORT",
}

// New returns a viper instance with defaults and environment binding. The
// .env file in the working directory is loaded first when present.
func New() *viper.Viper {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), legacy)
	}
	return v
}

// BindFlags binds every flag in fs whose name, with dashes turned into
// underscores, is a config key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := defaults[key]; !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// Load reads and validates the config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CDPAddress:     v.GetString("cdp_address"),
		CDPPort:        v.GetInt("cdp_port"),
		TabURLFilter:   v.GetString("tab_url_filter"),
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		EvalTimeout:    v.GetDuration("eval_timeout"),
		LaunchBrowser:  v.GetBool("launch_browser"),
		ProfileDir:     v.GetString("profile_dir"),
		StartURL:       v.GetString("start_url"),
		Count:          v.GetInt("count"),
		ReferenceDate:  strings.TrimSpace(v.GetString("reference_date")),
		AssetMode:      v.GetString("asset_mode"),
		LocatorFile:    v.GetString("locator_file"),
		ElementTimeout: v.GetDuration("element_timeout"),
		PollInterval:   v.GetDuration("poll_interval"),
		AdvanceSettle:  v.GetDuration("advance_settle"),
		SyncRetries:    v.GetInt("sync_retries"),
		OutputDir:      v.GetString("output_dir"),
		Formats:        v.GetString("formats"),
		JournalDir:     v.GetString("journal_dir"),
		JournalMaxMB:   v.GetInt("journal_max_mb"),
		HistoryDB:      v.GetString("history_db"),
		BindAddr:       v.GetString("bind_addr"),
		Schedule:       strings.TrimSpace(v.GetString("schedule")),
		NtfyEndpoint:   v.GetString("ntfy_endpoint"),
		LogLevel:       strings.ToLower(v.GetString("log_level")),
		LogFile:        v.GetString("log_file"),

		PortAutoFallback:  v.GetBool("port_auto_fallback"),
		PortFallbackCount: v.GetInt("port_fallback_count"),
	}
	if cfg.EvalTimeout < time.Second {
		cfg.EvalTimeout = time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRaw, BackendChromedp:
	default:
		return fmt.Errorf("%w: backend %q (want %s or %s)", ErrInvalid, c.Backend, BackendRaw, BackendChromedp)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("%w: cdp port %d", ErrInvalid, c.CDPPort)
	}
	if c.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalid, c.Count)
	}
	if c.ElementTimeout <= 0 {
		return fmt.Errorf("%w: element timeout must be positive", ErrInvalid)
	}
	if c.PortFallbackCount < 0 {
		return fmt.Errorf("%w: port fallback count must not be negative", ErrInvalid)
	}
	if c.SyncRetries < 0 {
		return fmt.Errorf("%w: sync retries must not be negative", ErrInvalid)
	}
	if _, err := c.Reference(time.Now()); err != nil {
		return err
	}
	return nil
}

// Reference returns the reference date, defaulting to now's calendar day.
func (c *Config) Reference(now time.Time) (time.Time, error) {
	return ParseReferenceDate(c.ReferenceDate, now)
}

// ParseReferenceDate parses YYYY-MM-DD. Empty input yields today.
func ParseReferenceDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: reference date %q is not YYYY-MM-DD", ErrInvalid, s)
	}
	return t, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}
