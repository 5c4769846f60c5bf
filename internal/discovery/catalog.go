// Package discovery announces the station's sensors to Home Assistant using
// retained MQTT discovery messages.
package discovery

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Source selects which live topic a sensor reads its state from.
type Source string

const (
	SourceReading Source = "reading"
	SourceAlert   Source = "alert"
)

// Sensor describes one Home Assistant entity.
type Sensor struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Unit       string `yaml:"unit,omitempty"`
	Class      string `yaml:"class,omitempty"`
	StateClass string `yaml:"state_class,omitempty"`
	Source     Source `yaml:"source,omitempty"`
}

// Device groups every sensor under one logical device in Home Assistant.
type Device struct {
	Identifiers  []string `yaml:"identifiers"`
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	Manufacturer string   `yaml:"manufacturer"`
}

// Catalog is the static sensor descriptor table. Version is the catalog's
// own revision, bumped whenever entries change, and is logged with every
// announcement.
type Catalog struct {
	Version      int      `yaml:"version"`
	EntityPrefix string   `yaml:"entity_prefix"`
	Device       Device   `yaml:"device"`
	Sensors      []Sensor `yaml:"sensors"`
}

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog from a YAML file. An empty path selects the
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range c.Sensors {
		if c.Sensors[i].Source == "" {
			c.Sensors[i].Source = SourceReading
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that sensor ids are present and unique.
func (c *Catalog) Validate() error {
	if len(c.Device.Identifiers) == 0 {
		return errors.New("device identifiers must not be empty")
	}
	seen := make(map[string]bool, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.ID == "" {
			return errors.New("sensor id must not be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate sensor id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Source != SourceReading && s.Source != SourceAlert {
			return fmt.Errorf("sensor %q: unknown source %q", s.ID, s.Source)
		}
	}
	return nil
}

// Missing returns the fields that have no reading sensor in the catalog.
func (c *Catalog) Missing(fields []string) []string {
	var missing []string
	for _, f := range fields {
		found := slices.ContainsFunc(c.Sensors, func(s Sensor) bool {
			return s.ID == f && s.Source == SourceReading
		})
		if !found {
			missing = append(missing, f)
		}
	}
	return missing
}
