package scheduler

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

	"github.com/criteo/worker-autoscaler/pkg/utils"
)

var TaskSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_scheduler_task_success",
	Help: "Total number of successful periodic task runs",
}, []string{"task_name"})

var TaskFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_scheduler_task_failure",
	Help: "Total number of failed periodic task runs",
}, []string{"task_name"})

var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    utils.MetricPrefix + "_scheduler_task_duration_seconds",
	Help:    "Duration of periodic task runs",
	Buckets: utils.MetricHistogramBuckets,
}, []string{"task_name"})

// TaskFunc is the action run every interval.
// The context is cancelled when the task is disposed.
type TaskFunc func(ctx context.Context) error

// Noop do nothing. It is a noop function to use as a task when there is nothing to do
func Noop(context.Context) error {
	return nil
}

// Task is a periodic action that can be started once and disposed once
type Task interface {
	Start()
	Dispose()
}

// TaskFactory creates periodic tasks
type TaskFactory interface {
	Create(name string, fn TaskFunc, interval time.Duration) Task
}

type PeriodicTaskFactory struct {
	logger log.Logger
}

func NewPeriodicTaskFactory(logger log.Logger) PeriodicTaskFactory {
	return PeriodicTaskFactory{logger: logger}
}

func (f PeriodicTaskFactory) Create(name string, fn TaskFunc, interval time.Duration) Task {
	return NewPeriodicTask(log.With(f.logger, "task_name", name), name, fn, interval)
}

// PeriodicTask runs its function on a ticker in a single goroutine, so runs
// never overlap. Ticks missed while a run is in progress are dropped.
type PeriodicTask struct {
	logger      log.Logger
	name        string
	fn          TaskFunc
	interval    time.Duration
	controlChan chan bool
	done        chan struct{}

	mu       sync.Mutex
	started  bool
	disposed bool
}

func NewPeriodicTask(logger log.Logger, name string, fn TaskFunc, interval time.Duration) *PeriodicTask {
	return &PeriodicTask{
		logger:      logger,
		name:        name,
		fn:          fn,
		interval:    interval,
		controlChan: make(chan bool),
		done:        make(chan struct{}),
	}
}

// Start launches the ticking goroutine. Calling it twice, or after Dispose, has no effect.
func (pt *PeriodicTask) Start() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.started || pt.disposed {
		return
	}
	pt.started = true
	level.Debug(pt.logger).Log("msg", fmt.Sprintf("Starting periodic task %s every %s", pt.name, pt.interval))
	go pt.run()
}

// Dispose stops the task and waits for a run in progress to return
func (pt *PeriodicTask) Dispose() {
	pt.mu.Lock()
	if pt.disposed {
		pt.mu.Unlock()
		return
	}
	pt.disposed = true
	started := pt.started
	pt.mu.Unlock()

	close(pt.controlChan)
	if started {
		<-pt.done
	}
	level.Debug(pt.logger).Log("msg", fmt.Sprintf("Periodic task %s disposed", pt.name))
}

func (pt *PeriodicTask) run() {
	defer close(pt.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel a run in progress as soon as Dispose is called
	go func() {
		select {
		case <-pt.controlChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pt.controlChan:
			return
		case <-ticker.C:
			// Dispose may have raced with the tick
			select {
			case <-pt.controlChan:
				return
			default:
			}
			pt.runOnce(ctx)
		}
	}
}

func (pt *PeriodicTask) runOnce(ctx context.Context) {
	start := time.Now()
	err := pt.call(ctx)
	TaskDuration.WithLabelValues(pt.name).Observe(time.Since(start).Seconds())
	if err != nil {
		level.Error(pt.logger).Log("msg", "Error while running periodic task", "err", err)
		TaskFailureTotal.WithLabelValues(pt.name).Inc()
		return
	}
	TaskSuccessTotal.WithLabelValues(pt.name).Inc()
}

func (pt *PeriodicTask) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("periodic task %s panicked: %v", pt.name, r)
		}
	}()
	return pt.fn(ctx)
}
