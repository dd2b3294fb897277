// Package events publishes loan activity to a message broker so that
// downstream consumers (notifications, reporting) can react to catalog
// activity without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Channel is the broker channel loan events are published to.
const Channel = "loans"

// Event types.
const (
	TypeCheckedOut = "book.checked_out"
	TypeReturned   = "book.returned"
)

// Event describes a single loan state transition.
type Event struct {
	Type     string    `json:"type"`
	BookID   int       `json:"book_id"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	Borrower string    `json:"borrower"`
	At       time.Time `json:"at"`
}

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Bus wraps a backend with a loan-event API.
type Bus struct {
	backend Backend
}

// NewBus constructs a Bus for the provided backend.
func NewBus(backend Backend) *Bus {
	return &Bus{backend: backend}
}

// PublishLoanEvent sends a loan event to the loans channel.
func (b *Bus) PublishLoanEvent(ctx context.Context, event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	attrs := map[string]string{"type": event.Type}
	return b.backend.Publish(ctx, Channel, data, attrs)
}

// SubscribeLoanEvents consumes loan events from the loans channel.
func (b *Bus) SubscribeLoanEvents(ctx context.Context, handler func(ctx context.Context, event Event) error) error {
	return b.backend.Subscribe(ctx, Channel, func(ctx context.Context, msg Message) error {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return err
		}
		return handler(ctx, event)
	})
}

// Close closes the underlying backend.
func (b *Bus) Close() error {
	return b.backend.Close()
}
