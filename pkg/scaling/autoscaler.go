package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/criteo/worker-autoscaler/pkg/activity"
	"github.com/criteo/worker-autoscaler/pkg/scheduler"
	"github.com/criteo/worker-autoscaler/pkg/utils"
)

// InitialWorkers is the worker count a pool under auto-scaling starts with
const InitialWorkers = 1

const taskName = "AutoScale"

var workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: utils.MetricPrefix + "_workers",
	Help: "Worker count last set by the auto-scaler",
})

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_scale_decisions_total",
	Help: "Total number of applied scale decisions",
}, []string{"action"})

// WorkerPool is the runtime's control over its live workers
type WorkerPool interface {
	Count() int
	SetCount(n int)
}

// State is the lifecycle stage of an AutoScaler
type State int

const (
	Uninitialized State = iota
	Running
	Disposed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Disposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

// Option configures an AutoScaler
type Option func(*AutoScaler)

// WithPolicy overrides the policy derived from the configuration
func WithPolicy(p Policy) Option {
	return func(a *AutoScaler) { a.policy = p }
}

// WithClock sets the time source used when deciding
func WithClock(now func() time.Time) Option {
	return func(a *AutoScaler) { a.now = now }
}

// AutoScaler adjusts the worker count of a pool by at most one worker every
// adjustment interval, based on the receive activity recorded by a tracker.
type AutoScaler struct {
	logger     log.Logger
	maxWorkers int
	policy     Policy
	pool       WorkerPool
	tracker    *activity.Tracker
	task       scheduler.Task
	now        func() time.Time

	mu    sync.Mutex
	state State
}

func NewAutoScaler(cfg Config, pool WorkerPool, tracker *activity.Tracker, tasks scheduler.TaskFactory, logger log.Logger, opts ...Option) (*AutoScaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid auto-scaling configuration")
	}
	if pool == nil || tracker == nil || tasks == nil || logger == nil {
		return nil, errors.New("auto-scaler needs a worker pool, a tracker, a task factory and a logger")
	}

	a := &AutoScaler{
		logger:     logger,
		maxWorkers: cfg.MaxWorkers,
		policy:     Policy{Window: defaultWindow, SuccessiveReceivesThreshold: cfg.SuccessiveReceivesThreshold},
		pool:       pool,
		tracker:    tracker,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.task = tasks.Create(taskName, a.tick, cfg.AdjustmentInterval())
	return a, nil
}

// Initialize starts the periodic adjustment
func (a *AutoScaler) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Running:
		return nil
	case Disposed:
		return errors.New("auto-scaler has been disposed")
	}
	level.Info(a.logger).Log("msg", fmt.Sprintf("Initializing auto-scaler - will add up to %d workers", a.maxWorkers))
	a.task.Start()
	a.state = Running
	return nil
}

// Dispose stops the periodic adjustment and waits for a tick in progress.
// Calling it more than once is a no-op.
func (a *AutoScaler) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Disposed {
		return
	}
	a.state = Disposed
	defer a.task.Dispose()
	level.Info(a.logger).Log("msg", "Stopping auto-scaler")
}

// State returns the current lifecycle stage
func (a *AutoScaler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AutoScaler) tick(ctx context.Context) error {
	a.Tick(ctx)
	return nil
}

// Tick runs one adjustment and returns the action that was applied
func (a *AutoScaler) Tick(ctx context.Context) Action {
	if ctx.Err() != nil {
		return Hold
	}
	current := a.pool.Count()
	// the pool has not been started yet or some other code has set it to zero
	if current == 0 {
		return Hold
	}

	action := a.policy.Decide(a.tracker.Snapshot(), a.now())
	switch action {
	case Grow:
		if current >= a.maxWorkers {
			return Hold
		}
		a.setWorkers(current + 1)
	case Shrink:
		if current <= 1 {
			return Hold
		}
		a.setWorkers(current - 1)
	default:
		return Hold
	}
	decisionsTotal.WithLabelValues(action.String()).Inc()
	return action
}

func (a *AutoScaler) setWorkers(n int) {
	level.Debug(a.logger).Log("msg", fmt.Sprintf("Auto-scale to %d workers", n))
	a.pool.SetCount(n)
	workersGauge.Set(float64(n))
}
