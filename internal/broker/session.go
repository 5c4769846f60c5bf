// Package broker keeps the bridge's single MQTT connection alive and
// publishes readings, alerts and discovery documents over it.
//
// Publishing is best effort. A message published while the session is not
// connected is dropped and logged; nothing is queued or retried, so the bus
// only ever carries fresh readings.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/liveness"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/reading"
)

// ErrNotConnected is returned for retained publishes without a connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures a Session.
type Options struct {
	Broker               string // e.g. tcp://192.168.178.50:1883
	ClientID             string
	Username             string
	Password             string
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	PublishTimeout       time.Duration

	Topic      string
	AlertTopic string

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session owns one long-lived MQTT connection.
type Session struct {
	opts   Options
	client mqtt.Client
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	transitions []TransitionFunc
	hooks       []func() error

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// New creates a disconnected session. Call Start to connect.
func New(opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		opts:   opts,
		logger: opts.Logger.With("component", "mqtt"),
		state:  Disconnected,
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(false).
		// Reconnects go through connectLoop so every failed attempt is
		// reported as Disconnected.
		SetAutoReconnect(false).
		SetOnConnectHandler(s.handleConnect).
		SetConnectionLostHandler(s.handleConnectionLost)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	s.client = mqtt.NewClient(co)
	return s
}

// OnTransition registers fn to observe state changes.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, fn)
}

// OnConnect registers a hook that runs on every successful connection,
// before the session reports Connected and accepts publishes.
func (s *Session) OnConnect(hook func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	fns := append([]TransitionFunc(nil), s.transitions...)
	s.mu.Unlock()

	s.logger.Debug("state change", "from", from, "to", to)
	for _, fn := range fns {
		fn(from, to)
	}
}

// Start begins connecting in the background and returns immediately. Failed
// attempts are retried with capped exponential backoff until Stop is called,
// and a lost connection starts the same loop again.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.spawnLocked()
}

// spawnLocked starts a connect loop unless the session is stopping.
// s.mu must be held.
func (s *Session) spawnLocked() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.loops.Add(1)
	go s.connectLoop(s.ctx)
}

func (s *Session) connectLoop(ctx context.Context) {
	defer s.loops.Done()

	delay := min(time.Second, s.opts.MaxReconnectInterval)
	for {
		if ctx.Err() != nil {
			return
		}
		s.transition(Connecting)
		token := s.client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			if ctx.Err() != nil {
				// Stop raced with a successful connect.
				s.client.Disconnect(0)
			}
			return
		}

		s.transition(Disconnected)
		wait := delay + time.Duration(rand.Int64N(int64(delay/4)+1))
		s.logger.Warn("MQTT connection failed, retrying", "broker", s.opts.Broker, "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		delay *= 2
		if delay > s.opts.MaxReconnectInterval {
			delay = s.opts.MaxReconnectInterval
		}
	}
}

// Stop ends reconnection attempts and disconnects.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.client.Disconnect(250)
	s.loops.Wait()
	s.transition(Disconnected)
}

func (s *Session) handleConnect(c mqtt.Client) {
	s.logger.Info("connected to MQTT broker", "broker", s.opts.Broker)

	s.mu.Lock()
	hooks := append([]func() error(nil), s.hooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(); err != nil {
			s.logger.Error("on-connect hook failed", "error", err)
		}
	}
	if !c.IsConnectionOpen() {
		return
	}
	s.transition(Connected)
}

func (s *Session) handleConnectionLost(_ mqtt.Client, err error) {
	s.transition(Disconnected)
	s.logger.Warn("MQTT connection lost, reconnecting", "broker", s.opts.Broker, "error", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked()
}

// PublishReading publishes r as a JSON object on the telemetry topic. It
// reports whether the message was handed to the client.
func (s *Session) PublishReading(r reading.Reading) bool {
	payload, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("encode reading", "error", err)
		return false
	}
	return s.publish(s.opts.Topic, payload)
}

// PublishAlert publishes the bare status string on the alert topic.
func (s *Session) PublishAlert(status liveness.Status) bool {
	return s.publish(s.opts.AlertTopic, []byte(status))
}

func (s *Session) publish(topic string, payload []byte) bool {
	if st := s.State(); st != Connected {
		s.logger.Warn("MQTT not connected, dropping message", "topic", topic, "state", st)
		return false
	}

	token := s.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(s.opts.PublishTimeout) {
			s.logger.Warn("MQTT publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("MQTT publish failed", "topic", topic, "error", err)
			return
		}
		s.logger.Debug("published", "topic", topic, "payload", string(payload))
	}()
	return true
}

// PublishRetained publishes a retained message and waits for it to be sent.
// It works during the on-connect hooks, before the session reports
// Connected.
func (s *Session) PublishRetained(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(s.opts.PublishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
