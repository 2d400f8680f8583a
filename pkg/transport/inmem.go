package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InMemNetwork holds a set of named FIFO queues shared by in-memory transports
type InMemNetwork struct {
	mu     sync.Mutex
	queues map[string][]*Message
}

func NewInMemNetwork() *InMemNetwork {
	return &InMemNetwork{queues: make(map[string][]*Message)}
}

func (n *InMemNetwork) createQueue(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.queues[address]; !ok {
		n.queues[address] = []*Message{}
	}
}

func (n *InMemNetwork) deliver(address string, msg *Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[address]
	if !ok {
		return errors.Wrapf(ErrQueueNotFound, "cannot deliver message %s to %s", msg.ID, address)
	}
	n.queues[address] = append(q, msg)
	return nil
}

func (n *InMemNetwork) pop(address string) (*Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[address]
	if !ok {
		return nil, errors.Wrapf(ErrQueueNotFound, "cannot receive from %s", address)
	}
	if len(q) == 0 {
		return nil, nil
	}
	msg := q[0]
	q[0] = nil
	n.queues[address] = q[1:]
	return msg, nil
}

// Count returns the number of messages waiting in the queue
func (n *InMemNetwork) Count(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queues[address])
}

// InMemTransport is a Transport reading from one queue of an InMemNetwork
type InMemTransport struct {
	network *InMemNetwork
	address string
}

// NewInMemTransport creates a transport bound to address, creating its queue
func NewInMemTransport(network *InMemNetwork, address string) *InMemTransport {
	network.createQueue(address)
	return &InMemTransport{network: network, address: address}
}

func (t *InMemTransport) CreateQueue(address string) error {
	t.network.createQueue(address)
	return nil
}

func (t *InMemTransport) Send(ctx context.Context, destination string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.deliver(destination, msg)
}

func (t *InMemTransport) Receive(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.network.pop(t.address)
}

func (t *InMemTransport) Address() string {
	return t.address
}
