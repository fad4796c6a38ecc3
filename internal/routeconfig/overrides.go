package routeconfig

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// LocalOverrides lets an operator toggle routes without redeploying the
// primary JSON config — a hand-editable YAML file in the teacher's own
// config format. It is read once at startup and applied to the loaded
// config before any route starts.
type LocalOverrides struct {
	Routes map[string]struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"routes"`
}

// LoadLocalOverrides reads a routes.local.yaml file, if present, and returns
// an empty (no-op) override set if the file does not exist.
func LoadLocalOverrides(path string) (*LocalOverrides, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided local override path
	if os.IsNotExist(err) {
		return &LocalOverrides{Routes: map[string]struct {
			Enabled *bool `yaml:"enabled"`
		}{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading local overrides %q: %w", path, err)
	}

	var out LocalOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing local overrides %q: %w", path, err)
	}
	if out.Routes == nil {
		out.Routes = map[string]struct {
			Enabled *bool `yaml:"enabled"`
		}{}
	}
	return &out, nil
}

// Apply merges the override set onto cfg's routes in place, overriding only
// the Enabled flag per route id.
func (o *LocalOverrides) Apply(cfg *Config) {
	if o == nil {
		return
	}
	for i := range cfg.Routes {
		if ov, ok := o.Routes[cfg.Routes[i].ID]; ok && ov.Enabled != nil {
			cfg.Routes[i].Enabled = *ov.Enabled
		}
	}
}
