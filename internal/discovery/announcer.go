package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Publisher sends a retained message to the broker.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Announcer publishes one retained discovery config per catalog sensor.
type Announcer struct {
	Catalog    *Catalog
	Prefix     string // discovery prefix, usually "homeassistant"
	NodeID     string // prefix of object ids and unique ids, e.g. "bresser"
	StateTopic string
	AlertTopic string
	Version    string
	Logger     *slog.Logger
}

type deviceDoc struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type configDoc struct {
	Name          string    `json:"name"`
	StateTopic    string    `json:"state_topic"`
	ValueTemplate string    `json:"value_template"`
	UniqueID      string    `json:"unique_id"`
	Unit          string    `json:"unit_of_measurement,omitempty"`
	DeviceClass   string    `json:"device_class,omitempty"`
	StateClass    string    `json:"state_class,omitempty"`
	Device        deviceDoc `json:"device"`
}

// ConfigTopic returns the discovery topic of a sensor.
func (a *Announcer) ConfigTopic(s Sensor) string {
	return fmt.Sprintf("%s/sensor/%s_%s/config", a.Prefix, a.NodeID, s.ID)
}

// Payload builds the discovery document of a sensor.
func (a *Announcer) Payload(s Sensor) ([]byte, error) {
	doc := configDoc{
		Name:          s.Name,
		StateTopic:    a.StateTopic,
		ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", s.ID),
		UniqueID:      fmt.Sprintf("%s_ws_%s", a.NodeID, s.ID),
		Unit:          s.Unit,
		DeviceClass:   s.Class,
		StateClass:    s.StateClass,
		Device: deviceDoc{
			Identifiers:  a.Catalog.Device.Identifiers,
			Name:         a.Catalog.Device.Name,
			Model:        a.Catalog.Device.Model,
			Manufacturer: a.Catalog.Device.Manufacturer,
			SWVersion:    a.Version,
		},
	}
	if a.Catalog.EntityPrefix != "" {
		doc.Name = a.Catalog.EntityPrefix + " " + s.Name
	}
	if s.Source == SourceAlert {
		doc.StateTopic = a.AlertTopic
		doc.ValueTemplate = "{{ value }}"
	}
	return json.Marshal(doc)
}

// Announce publishes every sensor config. Republishing overwrites the
// retained state, so it is safe on every reconnect. A failing sensor does not
// stop the remaining ones; all failures are returned together.
func (a *Announcer) Announce(p Publisher) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, s := range a.Catalog.Sensors {
		payload, err := a.Payload(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("sensor %s: %w", s.ID, err))
			continue
		}
		if err := p.PublishRetained(a.ConfigTopic(s), payload); err != nil {
			errs = append(errs, fmt.Errorf("sensor %s: %w", s.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("discovery payloads sent",
		"sensors", len(a.Catalog.Sensors),
		"prefix", a.Prefix,
		"catalog_version", a.Catalog.Version)
	return nil
}
