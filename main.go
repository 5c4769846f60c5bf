/*
Bresser MQTT bridge sits between a Bresser weather station and its vendor
cloud. The station is pointed at the bridge (usually by DNS), which
terminates its legacy TLS, publishes every reading it carries to an MQTT
broker and relays the request to the cloud so the vendor app keeps working.

Sensors are announced to Home Assistant via MQTT discovery each time the
broker connection is (re)established.
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/admin"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/broker"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/config"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/discovery"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/liveness"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/logging"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/metrics"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/reading"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/relay"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/tlsconf"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	envFile  string
	listen   string
	admin    string
	cert     string
	key      string
	upstream string
	broker   string
	port     int
	topic    string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "bresser-mqtt-bridge",
		Short: "Bridge a Bresser weather station to MQTT",
		Long: `Terminates the station's TLS connection, publishes its readings to an
MQTT broker with Home Assistant discovery and relays every request to the
vendor cloud.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.envFile)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			return run(cmd.Context(), cfg)
		},
	}

	fs := root.Flags()
	fs.StringVar(&f.envFile, "env-file", ".env", "optional file of environment variables")
	fs.StringVar(&f.listen, "listen", "", "station listener address (LISTEN_ADDR)")
	fs.StringVar(&f.admin, "admin", "", "admin HTTP address, empty disables it (ADMIN_ADDR)")
	fs.StringVar(&f.cert, "cert", "", "TLS certificate PEM (CERT_FILE)")
	fs.StringVar(&f.key, "key", "", "TLS key PEM, defaults to the certificate file (KEY_FILE)")
	fs.StringVar(&f.upstream, "upstream", "", "vendor cloud origin (UPSTREAM_URL)")
	fs.StringVar(&f.broker, "broker", "", "MQTT broker host (MQTT_BROKER)")
	fs.IntVar(&f.port, "port", 0, "MQTT broker port (MQTT_PORT)")
	fs.StringVar(&f.topic, "topic", "", "MQTT telemetry topic (MQTT_TOPIC)")
	fs.StringVar(&f.logLevel, "log-level", "", "DEBUG, INFO, WARNING, ERROR or CRITICAL (LOG_LEVEL)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveVersion(""))
		},
	})
	return root
}

// apply overrides cfg with the flags set on the command line.
func (f flags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.ListenAddr = f.listen
	}
	if changed("admin") {
		cfg.AdminAddr = f.admin
	}
	if changed("cert") {
		cfg.CertFile = f.cert
		if os.Getenv("KEY_FILE") == "" && !changed("key") {
			cfg.KeyFile = f.cert
		}
	}
	if changed("key") {
		cfg.KeyFile = f.key
	}
	if changed("upstream") {
		cfg.UpstreamURL = f.upstream
	}
	if changed("broker") {
		cfg.MQTTBroker = f.broker
	}
	if changed("port") {
		cfg.MQTTPort = f.port
	}
	if changed("topic") {
		cfg.MQTTTopic = f.topic
		if os.Getenv("MQTT_ALERT_TOPIC") == "" {
			cfg.MQTTAlertTopic = ""
		}
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	cfg.ApplyDefaults()
}

func resolveVersion(configured string) string {
	if configured != "" {
		return configured
	}
	return version
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(os.Stderr, logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		NoColor: os.Getenv("NO_COLOR") != "",
	})
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	tlsCfg, err := tlsconf.ServerConfig(tlsconf.Options{
		CertFile:   cfg.CertFile,
		KeyFile:    cfg.KeyFile,
		MinVersion: cfg.TLSMinVersion,
		Ciphers:    cfg.TLSCiphers,
	})
	if err != nil {
		return err
	}
	upstream, err := cfg.Upstream()
	if err != nil {
		return err
	}
	catalog, err := discovery.LoadCatalog(cfg.DiscoveryCatalog)
	if err != nil {
		return err
	}
	logger.Info("discovery catalog loaded",
		"catalog_version", catalog.Version,
		"sensors", len(catalog.Sensors),
		"path", cfg.DiscoveryCatalog)
	if missing := catalog.Missing(reading.CanonicalFields()); len(missing) > 0 {
		logger.Warn("discovery catalog has no entry for some fields", "fields", missing)
	}

	ver := resolveVersion(cfg.Version)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := broker.New(broker.Options{
		Broker:     cfg.BrokerURL(),
		ClientID:   cfg.MQTTClientID,
		Username:   cfg.MQTTUser,
		Password:   cfg.MQTTPass,
		KeepAlive:  cfg.MQTTKeepAlive,
		Topic:      cfg.MQTTTopic,
		AlertTopic: cfg.MQTTAlertTopic,
		Logger:     logger,
	})
	session.OnTransition(func(_, to broker.State) {
		metrics.BrokerState.Set(float64(to))
	})
	announcer := &discovery.Announcer{
		Catalog:    catalog,
		Prefix:     cfg.DiscoveryPrefix,
		NodeID:     cfg.DiscoveryDevice,
		StateTopic: cfg.MQTTTopic,
		AlertTopic: cfg.MQTTAlertTopic,
		Version:    ver,
		Logger:     logger,
	}
	session.OnConnect(func() error {
		if err := announcer.Announce(session); err != nil {
			return err
		}
		metrics.DiscoveryAnnouncements.Inc()
		return nil
	})

	tracker := liveness.NewTracker(cfg.LivenessPath, cfg.LivenessWindow, liveness.DefaultThreshold)
	engine := relay.New(relay.Options{
		Upstream:       upstream,
		Timeout:        cfg.UpstreamTimeout,
		Insecure:       cfg.UpstreamInsecure,
		DialAddr:       cfg.UpstreamDialAddr,
		FallbackStatus: cfg.FallbackStatus,
		FallbackBody:   cfg.FallbackBody,
		Logger:         logger,
		Observe: func(o relay.Outcome, d time.Duration) {
			metrics.RelayTotal.WithLabelValues(string(o)).Inc()
			metrics.RelayDuration.Observe(d.Seconds())
		},
	})

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, admin.NewRouter(admin.Sources{
			Broker:   session,
			Liveness: tracker,
			Version:  ver,
		}), logger)
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("starting bridge",
		"version", ver,
		"upstream", upstream.String(),
		"broker", cfg.BrokerURL(),
		"topic", cfg.MQTTTopic)

	session.Start()
	defer session.Stop()

	p := &proxy{
		mapper:  reading.Mapper{RequireStationID: cfg.RequireStationID},
		tracker: tracker,
		bus:     session,
		relay:   engine,
		logger:  logger,
	}
	if err := p.Run(ctx, cfg.ListenAddr, tlsCfg); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}
