package pubsubapi

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadySettled is returned when a message is acked or nacked twice
var ErrAlreadySettled = errors.New("message already acknowledged")

// Message is one notification delivered by an EventSource.  Exactly one of
// Ack or Nack must be called; both complete even if ctx has been cancelled.
type Message interface {
	ID() string
	Data() []byte
	PublishTime() time.Time
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Handler processes one message and settles it
type Handler func(ctx context.Context, msg Message)

// EventSource delivers messages one at a time to a handler until ctx is
// cancelled.  The message being handled when ctx is cancelled is allowed to
// finish before Receive returns.
type EventSource interface {
	Receive(ctx context.Context, h Handler) error
}
