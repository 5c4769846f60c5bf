// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/tlsconf"
)

const (
	defaultListenAddr      = ":443"
	defaultCertFile        = "server.pem"
	defaultTLSMinVersion   = "1.0"
	defaultUpstreamURL     = "https://api.proweatherlive.net"
	defaultUpstreamTimeout = 10 * time.Second
	defaultFallbackStatus  = 200
	defaultFallbackBody    = "success"
	defaultMQTTBroker      = "192.168.178.50"
	defaultMQTTPort        = 1883
	defaultMQTTKeepAlive   = 60 * time.Second
	defaultMQTTTopic       = "home/weather/bresser"
	defaultDiscoveryPrefix = "homeassistant"
	defaultDiscoveryDevice = "bresser"
	defaultLivenessPath    = "/api/v1/getconfig"
	defaultLivenessWindow  = 300 * time.Second
)

// ErrMissingCertificate is returned by Validate when the listener
// certificate or key cannot be found.
var ErrMissingCertificate = tlsconf.ErrMissingCertificate

// Config holds runtime configuration for the bridge.
type Config struct {
	LogLevel  string
	LogFormat string

	ListenAddr    string
	AdminAddr     string
	CertFile      string
	KeyFile       string
	TLSMinVersion string
	TLSCiphers    []string

	UpstreamURL      string
	UpstreamTimeout  time.Duration
	UpstreamInsecure bool
	UpstreamDialAddr string
	FallbackStatus   int
	FallbackBody     string

	MQTTBroker     string
	MQTTPort       int
	MQTTUser       string
	MQTTPass       string
	MQTTClientID   string
	MQTTKeepAlive  time.Duration
	MQTTTopic      string
	MQTTAlertTopic string

	DiscoveryPrefix  string
	DiscoveryDevice  string
	DiscoveryCatalog string

	RequireStationID bool
	LivenessPath     string
	LivenessWindow   time.Duration

	Version string
}

// Load reads configuration from environment variables, seeding them from
// envFile first when it exists. Variables already set in the environment
// win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		LogLevel:         env("LOG_LEVEL", "INFO"),
		LogFormat:        env("LOG_FORMAT", "text"),
		ListenAddr:       env("LISTEN_ADDR", defaultListenAddr),
		AdminAddr:        env("ADMIN_ADDR", ""),
		CertFile:         env("CERT_FILE", defaultCertFile),
		TLSMinVersion:    env("TLS_MIN_VERSION", defaultTLSMinVersion),
		TLSCiphers:       splitList(env("TLS_CIPHERS", "")),
		UpstreamURL:      env("UPSTREAM_URL", defaultUpstreamURL),
		UpstreamDialAddr: env("UPSTREAM_DIAL_ADDR", ""),
		FallbackBody:     env("FALLBACK_BODY", defaultFallbackBody),
		MQTTBroker:       env("MQTT_BROKER", defaultMQTTBroker),
		MQTTUser:         env("MQTT_USER", ""),
		MQTTPass:         env("MQTT_PASS", ""),
		MQTTClientID:     env("MQTT_CLIENT_ID", ""),
		MQTTTopic:        env("MQTT_TOPIC", defaultMQTTTopic),
		MQTTAlertTopic:   env("MQTT_ALERT_TOPIC", ""),
		DiscoveryPrefix:  env("DISCOVERY_PREFIX", defaultDiscoveryPrefix),
		DiscoveryDevice:  env("DISCOVERY_DEVICE", defaultDiscoveryDevice),
		DiscoveryCatalog: env("DISCOVERY_CATALOG", ""),
		LivenessPath:     env("LIVENESS_PATH", defaultLivenessPath),
		Version:          env("VERSION", ""),
	}
	cfg.KeyFile = env("KEY_FILE", cfg.CertFile)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.UpstreamTimeout, err = envDuration("UPSTREAM_TIMEOUT", defaultUpstreamTimeout)
	collect(err)
	cfg.MQTTKeepAlive, err = envDuration("MQTT_KEEPALIVE", defaultMQTTKeepAlive)
	collect(err)
	cfg.LivenessWindow, err = envDuration("LIVENESS_WINDOW", defaultLivenessWindow)
	collect(err)
	cfg.MQTTPort, err = envInt("MQTT_PORT", defaultMQTTPort)
	collect(err)
	cfg.FallbackStatus, err = envInt("FALLBACK_STATUS", defaultFallbackStatus)
	collect(err)
	cfg.UpstreamInsecure, err = envBool("UPSTREAM_INSECURE")
	collect(err)
	cfg.RequireStationID, err = envBool("REQUIRE_STATION_ID")
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills the values derived from other fields. It is safe to
// call again after flags changed the configuration.
func (c *Config) ApplyDefaults() {
	if c.KeyFile == "" {
		c.KeyFile = c.CertFile
	}
	if c.MQTTAlertTopic == "" && c.MQTTTopic != "" {
		c.MQTTAlertTopic = c.MQTTTopic + "/alert"
	}
	if c.MQTTClientID == "" {
		c.MQTTClientID = "bresser-bridge-" + uuid.NewString()[:8]
	}
}

// BrokerURL returns the paho broker URL for MQTTBroker and MQTTPort.
func (c Config) BrokerURL() string {
	if strings.Contains(c.MQTTBroker, "://") {
		return c.MQTTBroker
	}
	return "tcp://" + net.JoinHostPort(c.MQTTBroker, strconv.Itoa(c.MQTTPort))
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.MQTTTopic) == "" {
		errs = append(errs, errors.New("MQTT_TOPIC must not be empty"))
	}
	if strings.TrimSpace(c.MQTTAlertTopic) == "" {
		errs = append(errs, errors.New("MQTT_ALERT_TOPIC must not be empty"))
	}
	if strings.TrimSpace(c.DiscoveryPrefix) == "" {
		errs = append(errs, errors.New("DISCOVERY_PREFIX must not be empty"))
	}
	if strings.TrimSpace(c.MQTTBroker) == "" {
		errs = append(errs, errors.New("MQTT_BROKER must not be empty"))
	}
	if c.MQTTPort < 1 || c.MQTTPort > 65535 {
		errs = append(errs, fmt.Errorf("MQTT_PORT %d out of range 1..65535", c.MQTTPort))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.MQTTKeepAlive <= 0 {
		errs = append(errs, errors.New("MQTT_KEEPALIVE must be positive"))
	}
	if c.LivenessWindow <= 0 {
		errs = append(errs, errors.New("LIVENESS_WINDOW must be positive"))
	}
	if c.FallbackStatus < 100 || c.FallbackStatus > 599 {
		errs = append(errs, fmt.Errorf("FALLBACK_STATUS %d is not an HTTP status", c.FallbackStatus))
	}
	if _, err := c.Upstream(); err != nil {
		errs = append(errs, err)
	}
	if _, err := tlsconf.ParseVersion(c.TLSMinVersion); err != nil {
		errs = append(errs, err)
	}
	if _, err := tlsconf.ParseCiphers(c.TLSCiphers); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []string{c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingCertificate, f))
			break
		}
	}

	return errors.Join(errs...)
}

// Upstream parses UpstreamURL. Only absolute http and https URLs are valid.
func (c Config) Upstream() (*url.URL, error) {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_URL %q: want http(s)://host", c.UpstreamURL)
	}
	return u, nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

// envDuration accepts Go durations ("90s") and bare seconds ("300").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) (bool, error) {
	v := env(key, "")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "on":
			return true, nil
		case "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
