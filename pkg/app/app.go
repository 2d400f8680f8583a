package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/criteo/worker-autoscaler/pkg/activity"
	"github.com/criteo/worker-autoscaler/pkg/scaling"
	"github.com/criteo/worker-autoscaler/pkg/scheduler"
	"github.com/criteo/worker-autoscaler/pkg/setpoint"
	"github.com/criteo/worker-autoscaler/pkg/transport"
	pebbletransport "github.com/criteo/worker-autoscaler/pkg/transport/pebble"
	"github.com/criteo/worker-autoscaler/pkg/workers"
)

// App wires a transport, a worker pool and the auto-scaler together
type App struct {
	logger    log.Logger
	config    Config
	tasks     scheduler.TaskFactory
	transport *activity.TrackingTransport
	closeFn   func() error
	pool      *workers.Pool
	scaler    *scaling.AutoScaler
	counter   *workers.Counter
}

// New builds the application. handler may be nil, a handler sleeping for
// the configured load delay is used then.
func New(logger log.Logger, config Config, handler workers.Handler) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		logger: logger,
		config: config,
		tasks:  scheduler.NewPeriodicTaskFactory(log.With(logger, "component", "scheduler")),
	}
	if handler == nil {
		handler = a.sleepingHandler
	}

	inner, closeFn, err := openTransport(config.Transport)
	if err != nil {
		return nil, err
	}
	a.closeFn = closeFn

	tracker := activity.NewTracker(nil)
	a.transport = activity.NewTrackingTransport(inner, tracker)

	poolConfig := config.Pool
	poolConfig.MaxParallelism = config.AutoScaling.Parallelism()
	a.pool, err = workers.NewPool(log.With(logger, "component", "pool"), a.transport, handler, poolConfig)
	if err != nil {
		a.close()
		return nil, err
	}

	a.scaler, err = scaling.NewAutoScaler(config.AutoScaling, a.pool, tracker, a.tasks, log.With(logger, "component", "autoscaler"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.warnOnSlowBackoff()

	if config.Load.ChartInterval > 0 {
		smoother, err := setpoint.NewFromFloat(0.05, 0.5)
		if err != nil {
			a.close()
			return nil, err
		}
		a.counter = workers.NewCounter(a.tasks, a.pool, config.Load.ChartInterval, smoother)
		a.counter.OnReading(func(r workers.Reading) {
			level.Info(logger).Log("msg", r.String())
		})
	}
	return a, nil
}

func openTransport(cfg TransportConfig) (transport.Transport, func() error, error) {
	switch cfg.Kind {
	case TransportPebble:
		t, err := pebbletransport.Open(pebbletransport.Options{DataDir: cfg.DataDir, Address: cfg.Address, Sync: cfg.Sync})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case TransportInMem:
		return transport.NewInMemTransport(transport.NewInMemNetwork(), cfg.Address), func() error { return nil }, nil
	}
	return nil, nil, errors.Errorf("unknown transport kind %q", cfg.Kind)
}

// Transport is the tracked transport the workers receive from
func (a *App) Transport() transport.Transport {
	return a.transport
}

func (a *App) Workers() int {
	return a.pool.Count()
}

// Run starts everything, enqueues the configured load and blocks until ctx is done
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.pool.Start(ctx, scaling.InitialWorkers); err != nil {
		return err
	}
	defer a.pool.Stop()

	if err := a.scaler.Initialize(); err != nil {
		return err
	}
	defer a.scaler.Dispose()

	if a.counter != nil {
		a.counter.Start()
		defer a.counter.Close()
	}

	for i := 0; i < a.config.Load.Messages; i++ {
		msg := transport.NewMessage([]byte(fmt.Sprintf("THIS IS MESSAGE %d", i)))
		if err := a.transport.Send(ctx, a.transport.Address(), msg); err != nil {
			return errors.Wrapf(err, "failed to enqueue load message %d", i)
		}
	}
	if a.config.Load.Messages > 0 {
		level.Info(a.logger).Log("msg", fmt.Sprintf("Enqueued %d messages", a.config.Load.Messages))
	}

	<-ctx.Done()
	return nil
}

func (a *App) close() {
	if a.closeFn == nil {
		return
	}
	if err := a.closeFn(); err != nil {
		level.Error(a.logger).Log("msg", "Error while closing transport", "err", err)
	}
	a.closeFn = nil
}

func (a *App) sleepingHandler(ctx context.Context, msg *transport.Message) error {
	level.Debug(a.logger).Log("msg", fmt.Sprintf("Handling %s", msg.ID))
	timer := time.NewTimer(a.config.Load.HandlerDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) warnOnSlowBackoff() {
	window := scaling.DefaultPolicy().Window
	for _, d := range a.config.Pool.IdleBackoff {
		if d >= window {
			level.Warn(a.logger).Log("msg", fmt.Sprintf("Idle backoff %s is not shorter than the %s decision window, idle workers will look busy", d, window))
			return
		}
	}
}
