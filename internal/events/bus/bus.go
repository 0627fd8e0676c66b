// Package bus provides a thin publish/subscribe abstraction over NATS for
// fire-and-forget lifecycle notifications. It is never on the critical
// path of a caller response; callers that cannot reach NATS still get a
// working (degraded) bus via NewNoop.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event is the envelope published on every subject.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent constructs an Event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      raw,
		Timestamp: time.Now(),
	}, nil
}

// EventHandler processes a received Event.
type EventHandler func(event *Event)

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the interface components depend on; NATS-backed in
// production, mocked in tests.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// natsBus is the production EventBus backed by a NATS connection.
type natsBus struct {
	conn *nats.Conn
}

// Connect dials url. If the connection cannot be established, it returns a
// degraded no-op bus rather than failing startup: lifecycle correctness
// never depends on the bus being reachable.
func Connect(url string) EventBus {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return NewNoop()
	}
	return &natsBus{conn: conn}
}

func (b *natsBus) Publish(_ context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, payload)
}

func (b *natsBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(&ev)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(&ev)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, err
	}
	var resp Event
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *natsBus) Close() {
	b.conn.Close()
}

func (b *natsBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// noopBus discards everything; used when NATS is unreachable or disabled.
type noopBus struct{}

// NewNoop returns a bus that drops every publish and accepts (but never
// fires) every subscription.
func NewNoop() EventBus { return noopBus{} }

func (noopBus) Publish(context.Context, string, *Event) error { return nil }
func (noopBus) Subscribe(string, EventHandler) (Subscription, error) {
	return noopSubscription{}, nil
}
func (noopBus) QueueSubscribe(string, string, EventHandler) (Subscription, error) {
	return noopSubscription{}, nil
}
func (noopBus) Request(context.Context, string, *Event, time.Duration) (*Event, error) {
	return nil, fmt.Errorf("bus: no-op bus cannot serve requests")
}
func (noopBus) Close()            {}
func (noopBus) IsConnected() bool { return false }

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
