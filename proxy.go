package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/liveness"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/metrics"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/reading"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/relay"
)

const (
	shutdownGrace = 5 * time.Second

	// Telemetry waiting to be handed to the broker session.
	publishQueueSize = 128
)

// publisher is the telemetry side of the broker session.
type publisher interface {
	PublishReading(reading.Reading) bool
	PublishAlert(liveness.Status) bool
}

type proxy struct {
	mapper  reading.Mapper
	tracker *liveness.Tracker
	bus     publisher
	relay   http.Handler
	logger  *slog.Logger

	now func() time.Time

	mu        sync.Mutex
	queueOnce sync.Once
	queue     chan func()
}

// Run binds addr, serves TLS until ctx is cancelled and then drains
// in-flight requests.
func (p *proxy) Run(ctx context.Context, addr string, cfg *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return p.serve(ctx, ln, cfg)
}

func (p *proxy) serve(ctx context.Context, ln net.Listener, cfg *tls.Config) error {
	srv := &http.Server{
		Handler:   p,
		TLSConfig: cfg,

		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,

		// Disable HTTP/2.
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),

		// Handshake failures from scanners are noise.
		ErrorLog: slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			p.logger.Warn("listener shutdown", "error", err)
		}
	}()

	p.logger.Info("listening for station", "addr", ln.Addr().String())
	if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP handles every station request regardless of method or path:
// the query is mapped and published, the cloud poll cadence is tracked and
// the request is relayed upstream. Publishing never delays the response and
// telemetry reaches the broker in the order requests arrived.
func (p *proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger := p.logger.With("request_id", uuid.NewString())
	metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	logger.Info("station request", "method", req.Method, "path", req.URL.Path, "remote", req.RemoteAddr)
	logger.Debug("station query", "query", req.URL.RawQuery)

	params := req.URL.Query()
	// Alerts are queued in the order the tracker observed them.
	p.mu.Lock()
	status := p.track(logger, req.URL.Path)
	p.enqueue(logger, func() { p.publish(logger, status, params) })
	p.mu.Unlock()

	p.relay.ServeHTTP(w, req.WithContext(relay.WithLogger(req.Context(), logger)))
}

// track records a liveness poll and returns its status, or "" when path is
// not the polled endpoint.
func (p *proxy) track(logger *slog.Logger, path string) liveness.Status {
	if !p.tracker.Matches(path) {
		return ""
	}
	status := p.tracker.Observe(p.clock())
	metrics.AlertsTotal.WithLabelValues(string(status)).Inc()
	if status == liveness.StatusProblem {
		logger.Warn("station polls the cloud too often", "path", path)
	}
	return status
}

// enqueue hands fn to the single telemetry worker, which runs queued work
// in request order. A full queue drops fn rather than delay the station.
func (p *proxy) enqueue(logger *slog.Logger, fn func()) {
	p.queueOnce.Do(func() {
		p.queue = make(chan func(), publishQueueSize)
		go func() {
			for fn := range p.queue {
				fn()
			}
		}()
	})
	select {
	case p.queue <- fn:
	default:
		metrics.PublishesDropped.WithLabelValues("queue").Inc()
		logger.Warn("telemetry queue full, dropping request telemetry")
	}
}

// publish sends the request's alert, if status is set, and then the reading
// carried by its query.
func (p *proxy) publish(logger *slog.Logger, status liveness.Status, params url.Values) {
	if status != "" {
		p.alert(logger, status)
	}
	p.sniff(logger, params)
}

// sniff publishes the reading carried by a query, if any.
func (p *proxy) sniff(logger *slog.Logger, params url.Values) {
	r, ok := p.mapper.Map(params)
	if !ok {
		if len(params) > 0 {
			logger.Debug("no reading in query", "keys", len(params))
		}
		return
	}
	if !p.bus.PublishReading(r) {
		metrics.PublishesDropped.WithLabelValues("reading").Inc()
		return
	}
	metrics.ReadingsPublished.Inc()
	if id, ok := r.StationID(); ok {
		logger.Debug("reading published", "station_id", id, "fields", r.Len())
	}
}

func (p *proxy) alert(logger *slog.Logger, status liveness.Status) {
	if !p.bus.PublishAlert(status) {
		metrics.PublishesDropped.WithLabelValues("alert").Inc()
		return
	}
	logger.Debug("alert published", "status", status)
}

func (p *proxy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}
