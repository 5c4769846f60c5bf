// Package admin serves the plain-HTTP operator endpoints: Prometheus
// metrics, a health check and a JSON debug dump.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/broker"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/liveness"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/metrics"
)

// BrokerState reports the MQTT session state.
type BrokerState interface {
	State() broker.State
}

// LivenessState reports the cloud polling tracker.
type LivenessState interface {
	Snapshot() liveness.Snapshot
}

// Sources feed the health and debug endpoints.
type Sources struct {
	Broker   BrokerState
	Liveness LivenessState
	Version  string
}

// NewRouter wires the admin routes.
func NewRouter(src Sources) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", src.health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/debug", src.debug).Methods(http.MethodGet)
	return r
}

func (s Sources) health(w http.ResponseWriter, _ *http.Request) {
	state := broker.Disconnected
	if s.Broker != nil {
		state = s.Broker.State()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if state != broker.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintln(w, state)
}

type debugInfo struct {
	Broker        string             `json:"broker"`
	Liveness      *liveness.Snapshot `json:"liveness,omitempty"`
	NumGoroutines int                `json:"num_goroutines"`
	Version       string             `json:"version,omitempty"`
}

func (s Sources) debug(w http.ResponseWriter, _ *http.Request) {
	d := debugInfo{
		Broker:        broker.Disconnected.String(),
		NumGoroutines: runtime.NumGoroutine(),
		Version:       s.Version,
	}
	if s.Broker != nil {
		d.Broker = s.Broker.State().String()
	}
	if s.Liveness != nil {
		snap := s.Liveness.Snapshot()
		d.Liveness = &snap
	}

	b, err := json.Marshal(&d)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// Server is the admin HTTP listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server for addr. Start binds it.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "admin"),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
