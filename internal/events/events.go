// Package events publishes order lifecycle events after their transaction
// commits. Delivery is best effort: a failed publish is logged and counted,
// never rolled back into the order state.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
)

// EventVersion is the schema version of Event.
const EventVersion = 1

// Event is the wire form of one order transition.
type Event struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`

	OrderID       string            `json:"order_id"`
	OrderToken    string            `json:"order_token"`
	UserID        string            `json:"user_id"`
	Side          model.Side        `json:"side"`
	Status        model.OrderStatus `json:"status"`
	QuantityGrams decimal.Decimal   `json:"quantity_grams"`
	PricePerGram  decimal.Decimal   `json:"price_per_gram"`
	TotalPayable  decimal.Decimal   `json:"total_payable"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// FromOrder builds the event of type eventType for o. The event ID is
// derived from the order token and type, so a redelivered event keeps its ID.
func FromOrder(eventType string, o *model.Order, at time.Time) Event {
	return Event{
		EventID:       DeterministicEventID(o.OrderToken, eventType),
		EventType:     eventType,
		EventVersion:  EventVersion,
		Timestamp:     at.UTC(),
		OrderID:       o.ID,
		OrderToken:    o.OrderToken,
		UserID:        o.UserID,
		Side:          o.Side,
		Status:        o.Status,
		QuantityGrams: o.QuantityGrams,
		PricePerGram:  o.LockedPricePerGram,
		TotalPayable:  o.TotalPayable,
		ExpiresAt:     o.ExpiresAt,
	}
}

// DeterministicEventID hashes parts into a stable UUID.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Fanout delivers each event to every publisher and joins their errors.
type Fanout struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewFanout creates a fan-out over publishers, skipping nil entries.
func NewFanout(logger *slog.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			f.logger.Error("event publish failed",
				"event_type", ev.EventType,
				"order_token", ev.OrderToken,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// observe records one delivery attempt for sink.
func observe(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.EventPublishes.WithLabelValues(sink, status).Inc()
}
