package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criteo/worker-autoscaler/pkg/scheduler"
	"github.com/criteo/worker-autoscaler/pkg/setpoint"
)

// CountSource is anything exposing a live worker count
type CountSource interface {
	Count() int
}

// Reading is one sample of the worker count
type Reading struct {
	Time  time.Time
	Count int
	// Workers is Count, smoothed when the counter has a set point
	Workers decimal.Decimal
}

// String renders the reading as a bar chart line, e.g.
//
//	2024-05-01T10:00:00: *** (3)
//
// A fractional smoothed value gets a trailing dot.
func (r Reading) String() string {
	bar := strings.Repeat("*", int(r.Workers.IntPart()))
	if !r.Workers.Equal(r.Workers.Floor()) {
		bar += "."
	}
	return fmt.Sprintf("%s: %s (%s)", r.Time.Format("2006-01-02T15:04:05"), bar, r.Workers.Round(1).String())
}

// Counter samples a worker count at a fixed interval
type Counter struct {
	source   CountSource
	smoother *setpoint.SetPoint
	task     scheduler.Task

	mu       sync.Mutex
	readings []Reading
	handlers []func(Reading)
}

// NewCounter creates a counter sampling source every interval. smoother is
// optional, when given readings follow its value instead of the raw count.
func NewCounter(tasks scheduler.TaskFactory, source CountSource, interval time.Duration, smoother *setpoint.SetPoint) *Counter {
	c := &Counter{source: source, smoother: smoother}
	c.task = tasks.Create("WorkerCounter", c.sample, interval)
	return c
}

// OnReading registers a callback invoked for every new reading
func (c *Counter) OnReading(handler func(Reading)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Start takes a first reading right away then keeps sampling
func (c *Counter) Start() {
	c.AddReading()
	c.task.Start()
}

func (c *Counter) Close() {
	c.task.Dispose()
}

func (c *Counter) sample(context.Context) error {
	c.AddReading()
	return nil
}

// AddReading samples the source once
func (c *Counter) AddReading() Reading {
	count := c.source.Count()
	workers := decimal.NewFromInt(int64(count))

	c.mu.Lock()
	if c.smoother != nil {
		c.smoother.Target = workers
		c.smoother.Tick()
		workers = c.smoother.Value()
	}
	reading := Reading{Time: time.Now(), Count: count, Workers: workers}
	c.readings = append(c.readings, reading)
	handlers := make([]func(Reading), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(reading)
	}
	return reading
}

func (c *Counter) Readings() []Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	readings := make([]Reading, len(c.readings))
	copy(readings, c.readings)
	return readings
}

// Average of the raw worker counts seen so far, zero without readings
func (c *Counter) Average() decimal.Decimal {
	readings := c.Readings()
	if len(readings) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, r := range readings {
		sum = sum.Add(decimal.NewFromInt(int64(r.Count)))
	}
	return sum.Div(decimal.NewFromInt(int64(len(readings))))
}

// Max raw worker count seen so far
func (c *Counter) Max() int {
	max := 0
	for _, r := range c.Readings() {
		if r.Count > max {
			max = r.Count
		}
	}
	return max
}
