package activity

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/criteo/worker-autoscaler/pkg/utils"
)

var receivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_receives_total",
	Help: "Total number of receive calls seen by the activity tracker",
}, []string{"outcome"})

// Snapshot is a point in time copy of the tracked activity.
// A zero time means the event never happened.
type Snapshot struct {
	LastReceiveAttempt  time.Time
	LastEmptyReceive    time.Time
	ConsecutiveNonEmpty int64
}

// Tracker records the outcome of receive calls.
// It is on the hot path of every worker so it only uses atomics: under
// concurrent receives the last write wins, which is good enough for a
// heuristic signal.
type Tracker struct {
	now func() time.Time

	// Unix nanoseconds, 0 means never
	lastReceiveAttempt atomic.Int64
	lastEmptyReceive   atomic.Int64

	consecutiveNonEmpty atomic.Int64
}

// NewTracker creates a tracker using now as clock, time.Now if nil
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Record stamps the outcome of a receive call that just returned
func (t *Tracker) Record(hadMessage bool) {
	ts := t.now().UnixNano()
	t.lastReceiveAttempt.Store(ts)
	if hadMessage {
		t.lastEmptyReceive.Store(0)
		t.consecutiveNonEmpty.Add(1)
		receivesTotal.WithLabelValues("message").Inc()
		return
	}
	t.lastEmptyReceive.Store(ts)
	t.consecutiveNonEmpty.Store(0)
	receivesTotal.WithLabelValues("empty").Inc()
}

// Snapshot returns a copy of the current activity state
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		LastReceiveAttempt:  fromNanos(t.lastReceiveAttempt.Load()),
		LastEmptyReceive:    fromNanos(t.lastEmptyReceive.Load()),
		ConsecutiveNonEmpty: t.consecutiveNonEmpty.Load(),
	}
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
