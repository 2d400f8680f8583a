package workers

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
	"golang.org/x/sync/semaphore"

	"github.com/criteo/worker-autoscaler/pkg/transport"
	"github.com/criteo/worker-autoscaler/pkg/utils"
)

var handledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_pool_messages_handled_total",
	Help: "Total number of messages handled by the worker pool",
}, []string{"result"})

var handlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    utils.MetricPrefix + "_pool_handler_duration_seconds",
	Help:    "Time spent handling a message",
	Buckets: utils.MetricHistogramBuckets,
})

var receiveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: utils.MetricPrefix + "_pool_receive_failures_total",
	Help: "Total number of failed receive calls made by workers",
})

// Handler processes one message
type Handler func(ctx context.Context, msg *transport.Message) error

type PoolConfig struct {
	// Max number of messages handled at the same time across all workers
	MaxParallelism int `yaml:"-"`
	// Successive waits of a worker that keeps finding the queue empty.
	// The last value is repeated.
	IdleBackoff []time.Duration `yaml:"idle_backoff,omitempty"`
}

var (
	defaultPoolConfig = PoolConfig{
		IdleBackoff: []time.Duration{
			10 * time.Millisecond, 50 * time.Millisecond,
			100 * time.Millisecond, 250 * time.Millisecond},
	}
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *PoolConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultPoolConfig
	type plain PoolConfig
	err := unmarshal((*plain)(c))
	if err != nil {
		return err
	}
	return nil
}

// Pool runs a resizable set of workers, each pulling messages from the
// transport and passing them to the handler.
type Pool struct {
	logger      log.Logger
	transport   transport.Transport
	handler     Handler
	backoff     []time.Duration
	parallelism *semaphore.Weighted

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers []*worker
	nextID  int
	wg      sync.WaitGroup
}

type worker struct {
	logger      log.Logger
	controlChan chan bool
}

func NewPool(logger log.Logger, t transport.Transport, h Handler, cfg PoolConfig) (*Pool, error) {
	if t == nil || h == nil {
		return nil, errors.New("worker pool needs a transport and a handler")
	}
	if cfg.MaxParallelism < 1 {
		return nil, errors.Errorf("max parallelism must be at least 1, got %d", cfg.MaxParallelism)
	}
	backoff := cfg.IdleBackoff
	if len(backoff) == 0 {
		backoff = defaultPoolConfig.IdleBackoff
	}
	return &Pool{
		logger:      logger,
		transport:   t,
		handler:     h,
		backoff:     backoff,
		parallelism: semaphore.NewWeighted(int64(cfg.MaxParallelism)),
	}, nil
}

// Start launches n workers. Workers stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return errors.New("worker pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	level.Info(p.logger).Log("msg", fmt.Sprintf("Starting worker pool on %s with %d workers", p.transport.Address(), n))
	p.resize(n)
	return nil
}

// Stop terminates all the workers and waits for the messages in progress
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.resize(0)
	p.mu.Unlock()
	p.wg.Wait()
}

// Count returns the number of live workers
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SetCount adds or removes workers. It does not wait: a removed worker
// finishes the message it is handling before exiting.
func (p *Pool) SetCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		level.Warn(p.logger).Log("msg", "Ignoring worker count change on a stopped pool", "count", n)
		return
	}
	p.resize(n)
}

// resize must be called with mu held
func (p *Pool) resize(n int) {
	if n < 0 {
		n = 0
	}
	for len(p.workers) < n {
		p.nextID++
		w := &worker{
			logger:      log.With(p.logger, "worker", p.nextID),
			controlChan: make(chan bool),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.work(p.ctx, w)
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		close(p.workers[last].controlChan)
		p.workers[last] = nil
		p.workers = p.workers[:last]
	}
}

func (p *Pool) work(ctx context.Context, w *worker) {
	defer p.wg.Done()
	level.Debug(w.logger).Log("msg", "Worker started")
	defer level.Debug(w.logger).Log("msg", "Worker stopped")

	idle := 0
	for {
		select {
		case <-w.controlChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := p.parallelism.Acquire(ctx, 1); err != nil {
			return
		}
		msg, err := p.transport.Receive(ctx)
		if err != nil || msg == nil {
			p.parallelism.Release(1)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				level.Error(w.logger).Log("msg", "Error while receiving", "err", err)
				receiveFailuresTotal.Inc()
			}
			if !p.wait(ctx, w, p.backoffFor(idle)) {
				return
			}
			idle++
			continue
		}

		idle = 0
		p.handle(ctx, w, msg)
		p.parallelism.Release(1)
	}
}

func (p *Pool) handle(ctx context.Context, w *worker, msg *transport.Message) {
	start := time.Now()
	err := callHandler(ctx, p.handler, msg)
	handlerDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		level.Error(w.logger).Log("msg", fmt.Sprintf("Error while handling message %s", msg.ID), "err", err)
		handledTotal.WithLabelValues("failure").Inc()
		return
	}
	handledTotal.WithLabelValues("success").Inc()
}

func callHandler(ctx context.Context, h Handler, msg *transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (p *Pool) backoffFor(idle int) time.Duration {
	if idle >= len(p.backoff) {
		return p.backoff[len(p.backoff)-1]
	}
	return p.backoff[idle]
}

// wait returns false when the worker must stop
func (p *Pool) wait(ctx context.Context, w *worker, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.controlChan:
		return false
	case <-ctx.Done():
		return false
	}
}
