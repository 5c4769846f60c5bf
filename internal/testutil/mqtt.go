// Package testutil provides an in-process MQTT broker and subscriber helpers
// for tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Broker is an in-process MQTT broker bound to a loopback port.
type Broker struct {
	Addr   string // host:port
	server *mqttserver.Server
	once   sync.Once
}

// URL returns the tcp:// URL of the broker.
func (b *Broker) URL() string { return "tcp://" + b.Addr }

// FreeAddr reserves and releases a loopback port.
func FreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// StartBroker starts a broker on a free port. It is closed on test cleanup.
func StartBroker(t *testing.T) *Broker {
	t.Helper()
	return StartBrokerAt(t, FreeAddr(t))
}

// StartBrokerAt starts a broker on addr.
func StartBrokerAt(t *testing.T, addr string) *Broker {
	t.Helper()
	server := mqttserver.New(&mqttserver.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	go func() {
		_ = server.Serve()
	}()

	b := &Broker{Addr: addr, server: server}
	t.Cleanup(b.Close)
	return b
}

// Close stops the broker. It is safe to call more than once.
func (b *Broker) Close() {
	b.once.Do(func() {
		_ = b.server.Close()
	})
}

// Message is a message received by a Subscriber.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Subscriber collects messages from a topic filter.
type Subscriber struct {
	client mqtt.Client

	mu       sync.Mutex
	messages []Message
}

// Subscribe connects a paho client to b and subscribes to filter.
func Subscribe(t *testing.T, b *Broker, filter string) *Subscriber {
	t.Helper()
	s := &Subscriber{}
	opts := mqtt.NewClientOptions().
		AddBroker(b.URL()).
		SetClientID(fmt.Sprintf("test-subscriber-%d", time.Now().UnixNano())).
		SetConnectTimeout(2 * time.Second)
	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "subscriber connect timed out")
	require.NoError(t, token.Error())

	token = s.client.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages = append(s.messages, Message{
			Topic:    m.Topic(),
			Payload:  string(m.Payload()),
			Retained: m.Retained(),
		})
	})
	require.True(t, token.WaitTimeout(5*time.Second), "subscribe timed out")
	require.NoError(t, token.Error())

	t.Cleanup(func() { s.client.Disconnect(100) })
	return s
}

// Messages returns a copy of the messages received so far.
func (s *Subscriber) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Count returns the number of messages received so far.
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
