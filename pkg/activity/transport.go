package activity

import (
	"context"

	"github.com/criteo/worker-autoscaler/pkg/transport"
)

var _ transport.Transport = (*TrackingTransport)(nil)

// TrackingTransport decorates a transport so that every receive is recorded
// by a Tracker. All other operations are forwarded untouched.
type TrackingTransport struct {
	inner   transport.Transport
	tracker *Tracker
}

func NewTrackingTransport(inner transport.Transport, tracker *Tracker) *TrackingTransport {
	return &TrackingTransport{inner: inner, tracker: tracker}
}

func (t *TrackingTransport) CreateQueue(address string) error {
	return t.inner.CreateQueue(address)
}

func (t *TrackingTransport) Send(ctx context.Context, destination string, msg *transport.Message) error {
	return t.inner.Send(ctx, destination, msg)
}

// Receive forwards to the wrapped transport and records the outcome once it
// returns. A failed receive is passed through as is and not recorded.
func (t *TrackingTransport) Receive(ctx context.Context) (*transport.Message, error) {
	msg, err := t.inner.Receive(ctx)
	if err != nil {
		receivesTotal.WithLabelValues("error").Inc()
		return msg, err
	}
	t.tracker.Record(msg != nil)
	return msg, nil
}

func (t *TrackingTransport) Address() string {
	return t.inner.Address()
}

// Unwrap returns the decorated transport
func (t *TrackingTransport) Unwrap() transport.Transport {
	return t.inner
}
