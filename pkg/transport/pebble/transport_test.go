package pebbletransport

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/criteo/worker-autoscaler/pkg/transport"
)

func openTestTransport(t *testing.T, dir string) *Transport {
	tr, err := Open(Options{DataDir: dir, Address: "work"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return tr
}

func TestSendReceiveOrder(t *testing.T) {
	ctx := context.Background()
	tr := openTestTransport(t, t.TempDir())
	defer tr.Close()

	for i := 0; i < 300; i++ {
		if err := tr.Send(ctx, "work", transport.NewMessage([]byte(fmt.Sprint(i)))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 300; i++ {
		msg, err := tr.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if msg == nil || string(msg.Body) != fmt.Sprint(i) {
			t.Fatalf("Expected message %d, got %+v", i, msg)
		}
	}
	msg, err := tr.Receive(ctx)
	if msg != nil || err != nil {
		t.Errorf("Empty queue should return (nil, nil), got (%+v, %v)", msg, err)
	}
}

func TestMessagesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tr := openTestTransport(t, dir)
	sent := transport.NewMessage([]byte("durable"))
	sent.Headers["kind"] = "test"
	if err := tr.Send(ctx, "work", sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr = openTestTransport(t, dir)
	defer tr.Close()
	if err := tr.Send(ctx, "work", transport.NewMessage([]byte("after reopen"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg, err := tr.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Unexpected receive result (%+v, %v)", msg, err)
	}
	if msg.ID != sent.ID || string(msg.Body) != "durable" || msg.Headers["kind"] != "test" {
		t.Errorf("Message mismatch after reopen: %+v", msg)
	}
	msg, err = tr.Receive(ctx)
	if err != nil || msg == nil || string(msg.Body) != "after reopen" {
		t.Errorf("Sequence did not continue after reopen: (%+v, %v)", msg, err)
	}
}

func TestSendToUnknownQueue(t *testing.T) {
	tr := openTestTransport(t, t.TempDir())
	defer tr.Close()

	err := tr.Send(context.Background(), "other", transport.NewMessage(nil))
	if !errors.Is(err, transport.ErrQueueNotFound) {
		t.Fatalf("Expected ErrQueueNotFound, got %v", err)
	}
	if err := tr.CreateQueue("other"); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	if err := tr.Send(context.Background(), "other", transport.NewMessage(nil)); err != nil {
		t.Errorf("Send should work once the queue exists: %v", err)
	}
	// other queue messages are not visible to this transport
	msg, err := tr.Receive(context.Background())
	if msg != nil || err != nil {
		t.Errorf("Expected empty receive, got (%+v, %v)", msg, err)
	}
}

func TestInvalidAddress(t *testing.T) {
	if _, err := Open(Options{DataDir: t.TempDir(), Address: "a/b"}); err == nil {
		t.Errorf("Address with a slash should be refused")
	}
	if _, err := Open(Options{Address: "work"}); err == nil {
		t.Errorf("Missing DataDir should be refused")
	}
}

func TestConcurrentReceiversGetEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	tr := openTestTransport(t, t.TempDir())
	defer tr.Close()

	const total = 200
	for i := 0; i < total; i++ {
		if err := tr.Send(ctx, "work", transport.NewMessage([]byte(fmt.Sprint(i)))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := tr.Receive(ctx)
				if err != nil {
					t.Errorf("Receive failed: %v", err)
					return
				}
				if msg == nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("Expected %d distinct messages, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Message %s received %d times", id, count)
		}
	}
}
