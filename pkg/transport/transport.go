package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrQueueNotFound = errors.New("queue not found")

// Message is the unit of work exchanged through a Transport
type Message struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

// NewMessage creates a message with a fresh random ID
func NewMessage(body []byte) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Headers: map[string]string{},
		Body:    body,
	}
}

// Transport is the channel abstraction workers pull messages from
type Transport interface {
	// CreateQueue makes sure the queue with the given address exists
	CreateQueue(address string) error
	// Send delivers msg to the destination queue
	Send(ctx context.Context, destination string, msg *Message) error
	// Receive takes the next message of the transport's own queue.
	// It returns (nil, nil) when the queue is empty and ctx.Err() if ctx is done.
	Receive(ctx context.Context) (*Message, error)
	// Address of the queue Receive reads from
	Address() string
}
