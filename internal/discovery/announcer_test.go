package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/reading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	published []recordedPublish
	failOn    string
}

func (f *fakePublisher) PublishRetained(topic string, payload []byte) error {
	if f.failOn != "" && strings.Contains(topic, f.failOn) {
		return errors.New("broker went away")
	}
	f.published = append(f.published, recordedPublish{topic, payload})
	return nil
}

func newTestAnnouncer(t *testing.T) *Announcer {
	t.Helper()
	c, err := DefaultCatalog()
	require.NoError(t, err)
	return &Announcer{
		Catalog:    c,
		Prefix:     "homeassistant",
		NodeID:     "bresser",
		StateTopic: "home/weather/bresser",
		AlertTopic: "home/weather/bresser/alert",
		Version:    "1.2.3",
	}
}

func TestDefaultCatalogCoversCanonicalFields(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	assert.Empty(t, c.Missing(reading.CanonicalFields()))
	assert.Equal(t, "Bresser", c.Device.Manufacturer)
}

func TestAnnounceOnePerSensor(t *testing.T) {
	a := newTestAnnouncer(t)
	p := &fakePublisher{}

	require.NoError(t, a.Announce(p))
	require.Len(t, p.published, len(a.Catalog.Sensors))

	first := p.published[0]
	assert.Equal(t, "homeassistant/sensor/bresser_indoor_temp/config", first.topic)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(first.payload, &doc))
	assert.Equal(t, "Bresser Indoor Temperature", doc["name"])
	assert.Equal(t, "home/weather/bresser", doc["state_topic"])
	assert.Equal(t, "{{ value_json.indoor_temp }}", doc["value_template"])
	assert.Equal(t, "bresser_ws_indoor_temp", doc["unique_id"])
	assert.Equal(t, "°C", doc["unit_of_measurement"])
	assert.Equal(t, "temperature", doc["device_class"])

	device := doc["device"].(map[string]any)
	assert.Equal(t, []any{"bresser_weather_station"}, device["identifiers"])
	assert.Equal(t, "7-in-1 Station", device["model"])
	assert.Equal(t, "1.2.3", device["sw_version"])
}

func TestAnnounceLogsCatalogVersion(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAnnouncer(t)
	a.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	require.NoError(t, a.Announce(&fakePublisher{}))
	assert.Contains(t, buf.String(), "catalog_version=2")
	assert.Contains(t, buf.String(), "discovery payloads sent")
}

func TestAnnounceIsIdempotent(t *testing.T) {
	a := newTestAnnouncer(t)
	p1, p2 := &fakePublisher{}, &fakePublisher{}
	require.NoError(t, a.Announce(p1))
	require.NoError(t, a.Announce(p2))
	assert.Equal(t, p1.published, p2.published)
}

func TestPayloadOmitsEmptyUnitAndClass(t *testing.T) {
	a := newTestAnnouncer(t)
	b, err := a.Payload(Sensor{ID: "station_id", Name: "Station ID", Source: SourceReading})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "unit_of_measurement")
	assert.NotContains(t, string(b), "device_class")
}

func TestPayloadAlertSensor(t *testing.T) {
	a := newTestAnnouncer(t)
	b, err := a.Payload(Sensor{ID: "cloud_polling", Name: "Cloud Polling Status", Source: SourceAlert})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "home/weather/bresser/alert", doc["state_topic"])
	assert.Equal(t, "{{ value }}", doc["value_template"])
}

func TestAnnounceContinuesAfterFailure(t *testing.T) {
	a := newTestAnnouncer(t)
	p := &fakePublisher{failOn: "bresser_wind_speed"}

	err := a.Announce(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wind_speed")
	assert.Len(t, p.published, len(a.Catalog.Sensors)-1)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no identifiers", "sensors: [{id: a, name: A}]", "identifiers"},
		{"empty id", "device: {identifiers: [x]}\nsensors: [{name: A}]", "id must not be empty"},
		{"duplicate", "device: {identifiers: [x]}\nsensors: [{id: a}, {id: a}]", "duplicate"},
		{"bad source", "device: {identifiers: [x]}\nsensors: [{id: a, source: radio}]", "unknown source"},
		{"bad yaml", "sensors: [", "parse catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "version: 7\ndevice: {identifiers: [ws], name: WS, model: 5-in-1, manufacturer: Bresser}\nsensors:\n  - id: outdoor_temp\n    name: Temp\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Version)
	assert.Equal(t, SourceReading, c.Sensors[0].Source)
	assert.Contains(t, c.Missing(reading.CanonicalFields()), "indoor_temp")

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
