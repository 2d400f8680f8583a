package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/criteo/worker-autoscaler/pkg/transport"
)

var fastBackoff = []time.Duration{time.Millisecond}

func newTestPool(t *testing.T, tr transport.Transport, h Handler, parallelism int) *Pool {
	p, err := NewPool(log.NewNopLogger(), tr, h, PoolConfig{MaxParallelism: parallelism, IdleBackoff: fastBackoff})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return p
}

func sendMessages(t *testing.T, tr transport.Transport, n int) {
	for i := 0; i < n; i++ {
		if err := tr.Send(context.Background(), tr.Address(), transport.NewMessage([]byte(fmt.Sprint(i)))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolHandlesAllMessages(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	var handled atomic.Int32
	p := newTestPool(t, tr, func(ctx context.Context, msg *transport.Message) error {
		if handled.Add(1)%3 == 0 {
			return errors.New("fake handler error")
		}
		return nil
	}, 4)

	sendMessages(t, tr, 50)
	if err := p.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return handled.Load() == 50 }, "all messages to be handled")
	if p.Count() != 3 {
		t.Errorf("Expected 3 workers, got %d", p.Count())
	}
}

func TestPoolSetCount(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	p := newTestPool(t, tr, func(context.Context, *transport.Message) error { return nil }, 10)

	if p.Count() != 0 {
		t.Fatalf("Pool should have no workers before start")
	}
	p.SetCount(5)
	if p.Count() != 0 {
		t.Fatalf("SetCount should be ignored before start")
	}

	if err := p.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(context.Background(), 1); err == nil {
		t.Errorf("Second start should fail")
	}
	p.SetCount(4)
	if p.Count() != 4 {
		t.Errorf("Expected 4 workers, got %d", p.Count())
	}
	p.SetCount(2)
	if p.Count() != 2 {
		t.Errorf("Expected 2 workers, got %d", p.Count())
	}
	p.Stop()
	if p.Count() != 0 {
		t.Errorf("Expected no worker after stop, got %d", p.Count())
	}
}

func TestRemovedWorkerFinishesItsMessage(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	started := make(chan bool, 1)
	release := make(chan bool)
	var finished atomic.Bool
	p := newTestPool(t, tr, func(ctx context.Context, msg *transport.Message) error {
		started <- true
		<-release
		finished.Store(true)
		return nil
	}, 1)

	sendMessages(t, tr, 1)
	if err := p.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	p.SetCount(0)
	if p.Count() != 0 {
		t.Fatalf("SetCount should not wait for the message in progress")
	}
	stopped := make(chan bool)
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned before the message in progress was handled")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	if !finished.Load() {
		t.Errorf("Handler did not complete")
	}
}

func TestPoolParallelismLimit(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	var inFlight, maxInFlight, handled atomic.Int32
	var mu sync.Mutex
	p := newTestPool(t, tr, func(ctx context.Context, msg *transport.Message) error {
		n := inFlight.Add(1)
		mu.Lock()
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		handled.Add(1)
		return nil
	}, 2)

	sendMessages(t, tr, 20)
	if err := p.Start(context.Background(), 6); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 20 }, "all messages to be handled")
	if maxInFlight.Load() > 2 {
		t.Errorf("At most 2 messages should be handled at once, saw %d", maxInFlight.Load())
	}
}

func TestPoolSurvivesPanickingHandler(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	var calls atomic.Int32
	p := newTestPool(t, tr, func(ctx context.Context, msg *transport.Message) error {
		calls.Add(1)
		panic("boom")
	}, 1)

	sendMessages(t, tr, 3)
	if err := p.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()
	waitFor(t, time.Second, func() bool { return calls.Load() == 3 }, "all messages to reach the handler")
}

func TestNewPoolValidation(t *testing.T) {
	tr := transport.NewInMemTransport(transport.NewInMemNetwork(), "work")
	h := func(context.Context, *transport.Message) error { return nil }

	if _, err := NewPool(log.NewNopLogger(), nil, h, PoolConfig{MaxParallelism: 1}); err == nil {
		t.Errorf("Missing transport should be refused")
	}
	if _, err := NewPool(log.NewNopLogger(), tr, nil, PoolConfig{MaxParallelism: 1}); err == nil {
		t.Errorf("Missing handler should be refused")
	}
	if _, err := NewPool(log.NewNopLogger(), tr, h, PoolConfig{}); err == nil {
		t.Errorf("Zero parallelism should be refused")
	}
	p, err := NewPool(log.NewNopLogger(), tr, h, PoolConfig{MaxParallelism: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if len(p.backoff) != len(defaultPoolConfig.IdleBackoff) {
		t.Errorf("Default backoff should be used when none is configured")
	}
	if p.backoffFor(100) != 250*time.Millisecond {
		t.Errorf("Backoff should stay on its last value, got %s", p.backoffFor(100))
	}
}
