// Package events carries exchange notifications to subscribers after a
// state change has committed. Delivery is best-effort: a failed publish is
// logged and never undoes the change that caused it.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypePricePublished = "price_published"
	TypeTradeExecuted  = "trade_executed"
)

// Event is the payload broadcast to WebSocket clients and written to Kafka.
// It never contains a seller's weight. BuyerID reaches Kafka only.
type Event struct {
	Type      string          `json:"type"`
	SellerID  string          `json:"seller_id"`
	BuyerID   string          `json:"buyer_id,omitempty"`
	TradeID   string          `json:"trade_id,omitempty"`
	Side      string          `json:"side,omitempty"`
	Quantity  int64           `json:"quantity,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Date      string          `json:"date,omitempty"`
	Session   string          `json:"session,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	ch chan Event
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{ch: make(chan Event, capacity)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
