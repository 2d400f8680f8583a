package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/criteo/worker-autoscaler/pkg/scaling"
	"github.com/criteo/worker-autoscaler/pkg/transport"
	"github.com/criteo/worker-autoscaler/pkg/workers"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	err := yaml.UnmarshalStrict([]byte("autoscaling:\n  max_workers: 4\n"), &cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.AutoScaling.MaxWorkers)
	assert.Equal(t, 10, cfg.AutoScaling.AdjustmentIntervalSeconds)
	assert.Equal(t, TransportInMem, cfg.Transport.Kind)
	assert.Equal(t, "autoscaler", cfg.Transport.Address)
	assert.Equal(t, 10*time.Second, cfg.Load.HandlerDelay)
	assert.NoError(t, cfg.Validate())
}

func TestConfigCustomValues(t *testing.T) {
	content := `
autoscaling:
  max_workers: 8
  adjustment_interval_seconds: 2
transport:
  kind: pebble
  data_dir: /tmp/queue
pool:
  idle_backoff: [5ms, 20ms]
load:
  messages: 12
  handler_delay: 3s
  chart_interval: 0s
`
	var cfg Config
	require.NoError(t, yaml.UnmarshalStrict([]byte(content), &cfg))

	assert.Equal(t, TransportPebble, cfg.Transport.Kind)
	assert.Equal(t, "autoscaler", cfg.Transport.Address)
	assert.Equal(t, "/tmp/queue", cfg.Transport.DataDir)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 20 * time.Millisecond}, cfg.Pool.IdleBackoff)
	assert.Equal(t, 12, cfg.Load.Messages)
	assert.Equal(t, 3*time.Second, cfg.Load.HandlerDelay)
	assert.Equal(t, time.Duration(0), cfg.Load.ChartInterval)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no max workers", func(c *Config) { c.AutoScaling.MaxWorkers = 0 }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "kafka" }},
		{"empty address", func(c *Config) { c.Transport.Address = "" }},
		{"pebble without data dir", func(c *Config) { c.Transport.Kind = TransportPebble; c.Transport.DataDir = "" }},
		{"negative messages", func(c *Config) { c.Load.Messages = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.AutoScaling.MaxWorkers = 0
	_, err := New(log.NewNopLogger(), cfg, nil)
	assert.Error(t, err)
}

func TestRunHandlesLoadWithInMemTransport(t *testing.T) {
	runLoad(t, newTestConfig())
}

func TestRunHandlesLoadWithPebbleTransport(t *testing.T) {
	cfg := newTestConfig()
	cfg.Transport.Kind = TransportPebble
	cfg.Transport.DataDir = t.TempDir()
	runLoad(t, cfg)
}

func TestRunStopsWhenContextIsDone(t *testing.T) {
	cfg := newTestConfig()
	cfg.Load.Messages = 0
	cfg.Load.ChartInterval = 5 * time.Millisecond
	a, err := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the context was done")
	}
	assert.Equal(t, 0, a.Workers())
}

func runLoad(t *testing.T, cfg Config) {
	var handled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := func(ctx context.Context, msg *transport.Message) error {
		if handled.Add(1) == int32(cfg.Load.Messages) {
			cancel()
		}
		return nil
	}
	a, err := New(log.NewNopLogger(), cfg, handler)
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("only %d of %d messages were handled", handled.Load(), cfg.Load.Messages)
	}
	assert.Equal(t, int32(cfg.Load.Messages), handled.Load())
}

func newTestConfig() Config {
	return Config{
		AutoScaling: scaling.DefaultConfig(4),
		Transport:   defaultTransportConfig,
		Pool:        workers.PoolConfig{IdleBackoff: []time.Duration{time.Millisecond}},
		Load:        LoadConfig{Messages: 5},
	}
}
