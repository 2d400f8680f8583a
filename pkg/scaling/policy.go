package scaling

import (
	"time"

	"github.com/criteo/worker-autoscaler/pkg/activity"
)

const (
	defaultWindow                      = time.Second
	defaultSuccessiveReceivesThreshold = 100
)

// Action is the outcome of a scale decision
type Action int

const (
	Hold Action = iota
	Grow
	Shrink
)

func (a Action) String() string {
	switch a {
	case Grow:
		return "grow"
	case Shrink:
		return "shrink"
	default:
		return "hold"
	}
}

// Policy turns the tracked receive activity into an Action
type Policy struct {
	// Window is the debounce period for both the shrink and the grow signal
	Window time.Duration
	// Grow when more receives than this returned a message in a row, 0 disables the rule
	SuccessiveReceivesThreshold int64
}

// DefaultPolicy uses a 1s window and grows after 100 successive receives
func DefaultPolicy() Policy {
	return Policy{Window: defaultWindow, SuccessiveReceivesThreshold: defaultSuccessiveReceivesThreshold}
}

// Decide is evaluated at now:
//   - a worker found the queue empty less than Window ago: shrink
//   - no worker attempted a receive for more than Window, they are all busy: grow
//   - receives kept returning messages more than SuccessiveReceivesThreshold times: grow
//   - otherwise hold
//
// The shrink signal is checked first so a fresh empty receive always wins.
// Timestamps that never happened are infinitely old.
func (p Policy) Decide(s activity.Snapshot, now time.Time) Action {
	if !s.LastEmptyReceive.IsZero() && now.Sub(s.LastEmptyReceive) < p.Window {
		return Shrink
	}
	if s.LastReceiveAttempt.IsZero() || now.Sub(s.LastReceiveAttempt) > p.Window {
		return Grow
	}
	if p.SuccessiveReceivesThreshold > 0 && s.ConsecutiveNonEmpty > p.SuccessiveReceivesThreshold {
		return Grow
	}
	return Hold
}
