package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"notioncal/internal/normalize"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Secrets may be supplied through the environment instead of
// the file; see ApplyEnv.

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "UTC"
	defaultLogLevel      = "info"
	defaultNotionBaseURL = "https://api.notion.com"
	defaultNotionVersion = "2022-06-28"
	defaultRefresh       = "*/10 * * * *"
	defaultStoreDSN      = "memory://"
)

// NotionConfig configures the Notion API client.
type NotionConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIVersion string `yaml:"api_version" json:"api_version"`
	// Token is the integration secret. Prefer NOTION_API_KEY.
	Token          string        `yaml:"token,omitempty" json:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RateLimit is requests per second; Notion allows an average of 3.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`
	PageSize  int     `yaml:"page_size" json:"page_size"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// TTL is how long a synced calendar is served before it is refreshed
	// on request.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// MaxRetries is the number of retries per request; negative disables
	// retrying.
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	ResumeWindow time.Duration `yaml:"resume_window" json:"resume_window"`
	// Refresh is a cron-style schedule string (e.g. "*/10 * * * *") for
	// background refresh. "off" disables it.
	Refresh string `yaml:"refresh" json:"refresh"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	// DSN is memory://, file:///dir (or a bare path), sqlite:///file.db,
	// postgres://... or redis://...
	DSN string `yaml:"dsn" json:"dsn"`
}

// CalendarConfig describes one published calendar backed by one database.
type CalendarConfig struct {
	// ID is used in feed URLs; defaults to DatabaseID.
	ID          string `yaml:"id" json:"id"`
	DatabaseID  string `yaml:"database_id" json:"database_id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Color       string `yaml:"color,omitempty" json:"color,omitempty"`
	// Schema maps event fields to database properties. Missing entries
	// take the defaults.
	Schema *normalize.Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the feeds and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as the reference zone for dates
	// without an offset and for all-day events (e.g. "Europe/Ljubljana").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Notion NotionConfig `yaml:"notion" json:"notion"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Store  StoreConfig  `yaml:"store" json:"store"`

	// Tokens maps an access token to the name of its holder. Feeds and the
	// API require one of them. Prefer the TOKENS environment variable.
	Tokens map[string]string `yaml:"tokens,omitempty" json:"-"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		LogLevel: defaultLogLevel,
		Notion: NotionConfig{
			BaseURL:        defaultNotionBaseURL,
			APIVersion:     defaultNotionVersion,
			RequestTimeout: 30 * time.Second,
			RateLimit:      3,
			Burst:          3,
			PageSize:       100,
		},
		Sync: SyncConfig{
			TTL:          5 * time.Minute,
			MaxRetries:   4,
			BackoffBase:  500 * time.Millisecond,
			BackoffCap:   30 * time.Second,
			CycleTimeout: 2 * time.Minute,
			ResumeWindow: 5 * time.Minute,
			Refresh:      defaultRefresh,
		},
		Store:     StoreConfig{DSN: defaultStoreDSN},
		Calendars: []CalendarConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	n := &c.Notion
	n.BaseURL = strings.TrimRight(n.BaseURL, "/")
	if n.BaseURL == "" {
		n.BaseURL = def.Notion.BaseURL
	}
	if n.APIVersion == "" {
		n.APIVersion = def.Notion.APIVersion
	}
	if n.RequestTimeout <= 0 {
		n.RequestTimeout = def.Notion.RequestTimeout
	}
	if n.RateLimit == 0 {
		n.RateLimit = def.Notion.RateLimit
	}
	if n.Burst <= 0 {
		n.Burst = def.Notion.Burst
	}
	if n.PageSize <= 0 || n.PageSize > 100 {
		n.PageSize = def.Notion.PageSize
	}

	s := &c.Sync
	if s.TTL <= 0 {
		s.TTL = def.Sync.TTL
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = def.Sync.MaxRetries
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = def.Sync.BackoffBase
	}
	if s.BackoffCap < s.BackoffBase {
		s.BackoffCap = max(def.Sync.BackoffCap, s.BackoffBase)
	}
	if s.CycleTimeout <= 0 {
		s.CycleTimeout = def.Sync.CycleTimeout
	}
	if s.ResumeWindow < 0 {
		s.ResumeWindow = 0
	}
	if s.Refresh == "" {
		s.Refresh = def.Sync.Refresh
	}

	if c.Store.DSN == "" {
		c.Store.DSN = def.Store.DSN
	}

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		cal.DatabaseID = strings.TrimSpace(cal.DatabaseID)
		cal.ID = strings.TrimSpace(cal.ID)
		if cal.ID == "" {
			cal.ID = cal.DatabaseID
		}
	}
}

// ApplyEnv overrides file values with environment variables:
// NOTION_API_KEY, TOKENS (a JSON object of token -> holder),
// NOTIONCAL_LISTEN and NOTIONCAL_STORE.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("NOTION_API_KEY")); v != "" {
		c.Notion.Token = v
	}
	if v := strings.TrimSpace(getenv("TOKENS")); v != "" {
		var tokens map[string]string
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return fmt.Errorf("config: TOKENS must be a JSON object: %w", err)
		}
		c.Tokens = tokens
	}
	if v := strings.TrimSpace(getenv("NOTIONCAL_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(getenv("NOTIONCAL_STORE")); v != "" {
		c.Store.DSN = v
	}
	return nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.DatabaseID == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: database_id is required", i))
		}
		if seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID))
		}
		seen[cal.ID] = true
	}
	return errors.Join(errs...)
}

// Location returns the reference timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchemaFor returns the effective schema of a calendar: the defaults with
// the configured entries applied on top.
func (cal CalendarConfig) SchemaFor() normalize.Schema {
	schema := normalize.DefaultSchema()
	if cal.Schema == nil {
		return schema
	}
	s := cal.Schema
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&schema.Title, s.Title},
		{&schema.Date, s.Date},
		{&schema.Location, s.Location},
		{&schema.Description, s.Description},
		{&schema.Category, s.Category},
		{&schema.Tags, s.Tags},
		{&schema.Status, s.Status},
		{&schema.Recurrence, s.Recurrence},
		{&schema.URL, s.URL},
	} {
		if f.src == "-" {
			*f.dst = ""
		} else if f.src != "" {
			*f.dst = f.src
		}
	}
	if len(s.StatusMap) > 0 {
		schema.StatusMap = s.StatusMap
	}
	return schema
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".notioncal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
