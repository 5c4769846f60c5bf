// Package liveness derives an alert status from the cadence of the station's
// cloud polling requests.
//
// The alert fires on frequent polling, not on silence: three or more polls
// within the window of each other raise Problem, and a gap longer than the
// window clears it. Firmware that loops on a failing cloud call polls fast;
// a healthy station polls rarely.
package liveness

import (
	"strings"
	"sync"
	"time"
)

// Status is the alert published for each polling request.
type Status string

const (
	StatusOK      Status = "OK"
	StatusProblem Status = "Problem"
)

const (
	// DefaultWindow is the gap after which the consecutive count resets.
	DefaultWindow = 300 * time.Second
	// DefaultThreshold is the consecutive count at which Problem is raised.
	DefaultThreshold = 3
)

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	LastRequest time.Time `json:"last_request"`
	Consecutive int       `json:"consecutive"`
	Status      Status    `json:"status"`
}

// Tracker holds the cadence state shared by all request handlers.
type Tracker struct {
	pathSegment string
	window      time.Duration
	threshold   int

	mu     sync.Mutex
	last   time.Time
	count  int
	status Status
}

// NewTracker returns a tracker for requests whose path contains pathSegment.
// A zero window or threshold selects the default.
func NewTracker(pathSegment string, window time.Duration, threshold int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		pathSegment: pathSegment,
		window:      window,
		threshold:   threshold,
		status:      StatusOK,
	}
}

// Matches reports whether a request path is a polling request.
func (t *Tracker) Matches(path string) bool {
	return t.pathSegment != "" && strings.Contains(path, t.pathSegment)
}

// Observe records a polling request at now and returns the resulting status.
func (t *Tracker) Observe(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last.IsZero() || now.Sub(t.last) > t.window {
		t.count = 1
	} else {
		t.count++
	}
	t.last = now

	t.status = StatusOK
	if t.count >= t.threshold {
		t.status = StatusProblem
	}
	return t.status
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LastRequest: t.last,
		Consecutive: t.count,
		Status:      t.status,
	}
}
