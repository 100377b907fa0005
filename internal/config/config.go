package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"aptcal/internal/interval"
	"aptcal/internal/pricing"
)

// FeedConfig is one external iCalendar feed (channel manager export)
// blocking a unit.
type FeedConfig struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// PriceConfig is the nightly rate for one occupancy. PerNight is a decimal
// string ("120.50") so no float rounding sneaks in through YAML.
type PriceConfig struct {
	Occupancy int    `yaml:"occupancy" json:"occupancy"`
	PerNight  string `yaml:"per_night" json:"per_night"`
}

// WindowConfig is a blackout window in property-local time. Start and End
// accept "2006-01-02" or "2006-01-02T15:04".
type WindowConfig struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
	Label string `yaml:"label" json:"label"`
}

// UnitConfig is a single rentable apartment instance.
type UnitConfig struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name" json:"name"`
	Prices    []PriceConfig  `yaml:"prices" json:"prices"`
	Blackouts []WindowConfig `yaml:"blackouts,omitempty" json:"blackouts,omitempty"`
	Feeds     []FeedConfig   `yaml:"feeds,omitempty" json:"feeds,omitempty"`
}

// PropertyConfig groups units; its blackouts apply to every unit.
type PropertyConfig struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name" json:"name"`
	Blackouts []WindowConfig `yaml:"blackouts,omitempty" json:"blackouts,omitempty"`
	Units     []UnitConfig   `yaml:"units" json:"units"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone of the properties (e.g. "Europe/Warsaw").
	// All stored times are wall clock in this zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// ProductID is the PRODID written on exported calendars.
	ProductID string `yaml:"product_id" json:"product_id"`

	// RefreshCron is the cron schedule for external feed sync.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is how far ahead recurring feed events are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir holds the feed download cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Properties []PropertyConfig `yaml:"properties" json:"properties"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Europe/Warsaw"
	defaultProductID   = "-//aptcal//Availability Calendar//EN"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 365
	defaultLogLevel    = "info"
	defaultCacheDir    = "/var/lib/aptcal/ics-cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		Timezone:    defaultTimezone,
		ProductID:   defaultProductID,
		RefreshCron: defaultRefreshCron,
		HorizonDays: defaultHorizonDays,
		LogLevel:    defaultLogLevel,
		CacheDir:    defaultCacheDir,
		Properties:  []PropertyConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so partially
// filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.ProductID == "" {
		c.ProductID = defaultProductID
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Properties == nil {
		c.Properties = []PropertyConfig{}
	}
	for pi := range c.Properties {
		for ui := range c.Properties[pi].Units {
			u := &c.Properties[pi].Units[ui]
			for fi := range u.Feeds {
				if u.Feeds[fi].ID == "" {
					u.Feeds[fi].ID = fmt.Sprintf("%s-feed-%d", u.ID, fi+1)
				}
			}
		}
	}
}

// Validate checks everything Normalize cannot default: the zone, the cron
// spec, ids, prices and blackout windows.
func (c *Config) Validate() error {
	var errs []error

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}

	propertyIDs := make(map[string]bool)
	unitIDs := make(map[string]bool)
	for _, p := range c.Properties {
		if p.ID == "" {
			errs = append(errs, errors.New("property with empty id"))
		} else if propertyIDs[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate property id %q", p.ID))
		}
		propertyIDs[p.ID] = true

		if err := checkWindows(p.Blackouts, loc); err != nil {
			errs = append(errs, fmt.Errorf("property %q: %w", p.ID, err))
		}
		for _, u := range p.Units {
			if u.ID == "" {
				errs = append(errs, fmt.Errorf("property %q: unit with empty id", p.ID))
			} else if unitIDs[u.ID] {
				errs = append(errs, fmt.Errorf("duplicate unit id %q", u.ID))
			}
			unitIDs[u.ID] = true

			if _, err := u.Catalog(); err != nil {
				errs = append(errs, fmt.Errorf("unit %q: %w", u.ID, err))
			}
			if err := checkWindows(u.Blackouts, loc); err != nil {
				errs = append(errs, fmt.Errorf("unit %q: %w", u.ID, err))
			}
			for _, f := range u.Feeds {
				if f.URL == "" {
					errs = append(errs, fmt.Errorf("unit %q: feed %q has no url", u.ID, f.ID))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// checkWindows parses ws and, when loc is known, rejects wall clocks that
// a DST transition skips, since those cannot be exported.
func checkWindows(ws []WindowConfig, loc *time.Location) error {
	windows, err := parseWindows(ws)
	if err != nil || loc == nil {
		return err
	}
	for _, w := range windows {
		if err := w.Interval.CheckInZone(loc); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Horizon is the feed expansion horizon.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Catalog converts the configured prices into a pricing.Catalog.
func (u UnitConfig) Catalog() (pricing.Catalog, error) {
	prices := make([]pricing.Price, 0, len(u.Prices))
	for _, p := range u.Prices {
		rate, err := decimal.NewFromString(p.PerNight)
		if err != nil {
			return nil, fmt.Errorf("price for occupancy %d: %w", p.Occupancy, err)
		}
		prices = append(prices, pricing.Price{Occupancy: p.Occupancy, PerNight: rate})
	}
	return pricing.NewCatalog(prices...)
}

// Windows parses the unit blackout windows.
func (u UnitConfig) Windows() ([]Window, error) {
	return parseWindows(u.Blackouts)
}

// Windows parses the property blackout windows.
func (p PropertyConfig) Windows() ([]Window, error) {
	return parseWindows(p.Blackouts)
}

// Window is a parsed blackout window.
type Window struct {
	Interval interval.Interval
	Label    string
}

// Parse converts the window into local interval form.
func (w WindowConfig) Parse() (Window, error) {
	start, err := interval.ParseLocal(w.Start)
	if err != nil {
		return Window{}, err
	}
	end, err := interval.ParseLocal(w.End)
	if err != nil {
		return Window{}, err
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return Window{}, err
	}
	label := w.Label
	if label == "" {
		label = "Blocked"
	}
	return Window{Interval: iv, Label: label}, nil
}

func parseWindows(ws []WindowConfig) ([]Window, error) {
	out := make([]Window, 0, len(ws))
	for i, w := range ws {
		parsed, err := w.Parse()
		if err != nil {
			return nil, fmt.Errorf("blackout %d: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
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
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
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
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".aptcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
