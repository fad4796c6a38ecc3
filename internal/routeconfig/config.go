// Package routeconfig loads and validates the engine's JSON configuration
// document (§6 "Config format"). Diffing a reloaded config against running
// pipelines is done by supervisor.Reload (§4.H).
package routeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coretrace/copyengine/internal/filter"
	"github.com/coretrace/copyengine/internal/pipeline"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/sizing"
)

// AccountRef is an opaque account identifier plus region tag (§3).
type AccountRef struct {
	Region           string  `json:"region"`
	ReferenceBalance float64 `json:"referenceBalance"`
}

// RuleSet bundles the filter/sizing/risk/phase configuration shared by one
// or more routes (§6).
type RuleSet struct {
	Filters filter.Config      `json:"filters"`
	Sizing  sizing.Config      `json:"sizing"`
	Risk    risk.Config        `json:"risk"`
	Buffer  pipeline.SLTPBuffer `json:"buffer"`
}

// Notifications controls which alert categories a route wants (§4.I).
type Notifications struct {
	ConnectionIssue bool `json:"connectionIssue"`
	OrphanDetected  bool `json:"orphanDetected"`
	DailyLimit      bool `json:"dailyLimit"`
	PhaseUpgraded   bool `json:"phaseUpgraded"`
	EmergencyStop   bool `json:"emergencyStop"`
}

// Route is the immutable-at-runtime unit of isolation (§3).
type Route struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Source          string        `json:"source"`      // account ref key
	Destination     string        `json:"destination"` // account ref key
	RuleSet         string        `json:"ruleSet"`
	Enabled         bool          `json:"enabled"`
	Notifications   Notifications `json:"notifications"`
	AutoCloseOrphan bool          `json:"autoCloseOrphans"`
}

// GlobalSettings are engine-wide defaults (§6).
type GlobalSettings struct {
	EmergencyStopLossPct float64 `json:"emergencyStopLossPct"`
	DailyDrawdownLimit   float64 `json:"dailyDrawdownLimit"`
	RolloverUTCHour      int     `json:"rolloverUtcHour"`
}

// Config is the complete engine configuration document (§6).
type Config struct {
	Accounts       map[string]AccountRef `json:"accounts"`
	RuleSets       map[string]RuleSet    `json:"ruleSets"`
	Routes         []Route               `json:"routes"`
	GlobalSettings GlobalSettings        `json:"globalSettings"`
}

// Load reads and strictly parses the JSON config document at path,
// expanding environment variables the way the teacher's YAML loader does
// (os.ExpandEnv before decode), then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := json.NewDecoder(strings.NewReader(expanded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks referential integrity and value sanity across the
// document (§7 "Config error on reload": rejected atomically, old config
// keeps running).
func (c *Config) Validate() error {
	if c.GlobalSettings.RolloverUTCHour < 0 || c.GlobalSettings.RolloverUTCHour > 23 {
		return fmt.Errorf("globalSettings.rolloverUtcHour must be 0-23")
	}

	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("route has empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true

		if _, ok := c.Accounts[r.Source]; !ok {
			return fmt.Errorf("route %q references unknown source account %q", r.ID, r.Source)
		}
		if _, ok := c.Accounts[r.Destination]; !ok {
			return fmt.Errorf("route %q references unknown destination account %q", r.ID, r.Destination)
		}
		if _, ok := c.RuleSets[r.RuleSet]; !ok {
			return fmt.Errorf("route %q references unknown rule set %q", r.ID, r.RuleSet)
		}
	}

	return nil
}

// ActiveRoutes implements operator.RouteAccounts, returning the currently
// enabled routes for the bounded-scan account resolution of §4.I.
func (c *Config) ActiveRoutes() []Route {
	return c.EnabledRoutes()
}

// EnabledRoutes returns the subset of routes with Enabled set.
func (c *Config) EnabledRoutes() []Route {
	var out []Route
	for _, r := range c.Routes {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// RouteByID looks up a route by id.
func (c *Config) RouteByID(id string) (Route, bool) {
	for _, r := range c.Routes {
		if r.ID == id {
			return r, true
		}
	}
	return Route{}, false
}

// RolloverBoundary returns today's configured UTC rollover instant, relative
// to now (§4.C "dailyRollover called by the supervisor at the configured
// wall-clock boundary").
func (c *Config) RolloverBoundary(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), c.GlobalSettings.RolloverUTCHour, 0, 0, 0, time.UTC)
}
