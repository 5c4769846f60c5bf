package broker

import (
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Baumfaust/bresser-mqtt-bridge/internal/discovery"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/liveness"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/reading"
	"github.com/Baumfaust/bresser-mqtt-bridge/internal/testutil"
)

const (
	testTopic      = "home/weather/bresser"
	testAlertTopic = "home/weather/bresser/alert"
)

func newTestSession(t *testing.T, brokerURL, clientID string) *Session {
	t.Helper()
	s := New(Options{
		Broker:               brokerURL,
		ClientID:             clientID,
		KeepAlive:            5 * time.Second,
		ConnectTimeout:       time.Second,
		MaxReconnectInterval: 500 * time.Millisecond,
		Topic:                testTopic,
		AlertTopic:           testAlertTopic,
	})
	t.Cleanup(s.Stop)
	return s
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		10*time.Second, 20*time.Millisecond, "session never reached %s", want)
}

func testReading(t *testing.T) reading.Reading {
	t.Helper()
	r, ok := reading.Mapper{}.Map(url.Values{"tmi": {"21.5"}, "wsid": {"ST01"}})
	require.True(t, ok)
	return r
}

func TestConnectAnnouncesDiscoveryRetained(t *testing.T) {
	b := testutil.StartBroker(t)

	catalog, err := discovery.DefaultCatalog()
	require.NoError(t, err)
	announcer := &discovery.Announcer{
		Catalog:    catalog,
		Prefix:     "homeassistant",
		NodeID:     "bresser",
		StateTopic: testTopic,
		AlertTopic: testAlertTopic,
	}

	s := newTestSession(t, b.URL(), "bridge-discovery")
	var announced atomic.Int32
	s.OnConnect(func() error {
		announced.Add(1)
		return announcer.Announce(s)
	})
	s.Start()
	waitForState(t, s, Connected)
	assert.Equal(t, int32(1), announced.Load())

	// A late subscriber only sees retained messages.
	sub := testutil.Subscribe(t, b, "homeassistant/sensor/+/config")
	require.Eventually(t, func() bool { return sub.Count() == len(catalog.Sensors) },
		5*time.Second, 20*time.Millisecond)

	topics := make(map[string]bool)
	for _, m := range sub.Messages() {
		assert.True(t, m.Retained, m.Topic)
		topics[m.Topic] = true
	}
	assert.Len(t, topics, len(catalog.Sensors))
	assert.True(t, topics["homeassistant/sensor/bresser_outdoor_temp/config"])
}

func TestPublishWhileConnected(t *testing.T) {
	b := testutil.StartBroker(t)
	sub := testutil.Subscribe(t, b, "home/weather/#")

	s := newTestSession(t, b.URL(), "bridge-publish")
	s.Start()
	waitForState(t, s, Connected)

	assert.True(t, s.PublishReading(testReading(t)))
	assert.True(t, s.PublishAlert(liveness.StatusProblem))

	require.Eventually(t, func() bool { return sub.Count() == 2 }, 5*time.Second, 20*time.Millisecond)
	got := make(map[string]string)
	for _, m := range sub.Messages() {
		got[m.Topic] = m.Payload
		assert.False(t, m.Retained)
	}
	assert.JSONEq(t, `{"indoor_temp":21.5,"station_id":"ST01"}`, got[testTopic])
	assert.Equal(t, "Problem", got[testAlertTopic])
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	b := testutil.StartBroker(t)
	sub := testutil.Subscribe(t, b, "home/weather/#")

	// Never started, so the session stays disconnected.
	s := newTestSession(t, b.URL(), "bridge-dropped")
	require.Equal(t, Disconnected, s.State())

	assert.False(t, s.PublishReading(testReading(t)))
	assert.False(t, s.PublishAlert(liveness.StatusOK))
	assert.ErrorIs(t, s.PublishRetained("homeassistant/x", []byte("{}")), ErrNotConnected)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, sub.Count())
}

func TestStartDoesNotBlockWithoutBroker(t *testing.T) {
	s := newTestSession(t, "tcp://"+testutil.FreeAddr(t), "bridge-unreachable")

	var mu sync.Mutex
	var seen []State
	s.OnTransition(func(_, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})

	start := time.Now()
	s.Start()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []State{Connecting, Disconnected, Connecting}, seen[:3])
	mu.Unlock()
	assert.False(t, s.PublishAlert(liveness.StatusOK))
}

func TestReconnectReannounces(t *testing.T) {
	addr := testutil.FreeAddr(t)
	b := testutil.StartBrokerAt(t, addr)

	s := newTestSession(t, "tcp://"+addr, "bridge-reconnect")
	var connects atomic.Int32
	s.OnConnect(func() error {
		connects.Add(1)
		return nil
	})
	var lost atomic.Bool
	s.OnTransition(func(from, to State) {
		if from == Connected && to == Disconnected {
			lost.Store(true)
		}
	})
	s.Start()
	waitForState(t, s, Connected)
	require.Equal(t, int32(1), connects.Load())

	b.Close()
	require.Eventually(t, lost.Load, 10*time.Second, 20*time.Millisecond)
	assert.False(t, s.PublishAlert(liveness.StatusOK))

	testutil.StartBrokerAt(t, addr)
	waitForState(t, s, Connected)
	assert.Equal(t, int32(2), connects.Load())
}

func TestFailedReconnectReportsDisconnected(t *testing.T) {
	b := testutil.StartBroker(t)
	s := newTestSession(t, b.URL(), "bridge-outage")

	var mu sync.Mutex
	var seen []State
	s.OnTransition(func(_, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})
	s.Start()
	waitForState(t, s, Connected)

	b.Close()

	// After the loss every failed attempt must land in Disconnected again:
	// Connected, Disconnected, then at least two Connecting/Disconnected rounds.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		i := slices.Index(seen, Connected)
		if i < 0 {
			return false
		}
		return countState(seen[i+1:], Disconnected) >= 3
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	after := append([]State(nil), seen[slices.Index(seen, Connected)+1:]...)
	mu.Unlock()
	assert.Equal(t, Disconnected, after[0])
	for i := 1; i < len(after); i++ {
		assert.NotEqual(t, after[i-1], after[i], "transitions must alternate: %v", after)
	}
	assert.False(t, s.PublishReading(testReading(t)))
}

func countState(states []State, want State) int {
	n := 0
	for _, st := range states {
		if st == want {
			n++
		}
	}
	return n
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(42).String())
}
