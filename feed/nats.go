package feed

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"eventledger/domain"
)

// NATSPublisher publishes events on a subject per event type under a
// namespace, for deployments that run a bus instead of storage queues.
type NATSPublisher struct {
	conn      *nats.Conn
	namespace string
}

// NewNATSPublisher connects to the given server URL.
func NewNATSPublisher(url, namespace string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, namespace: namespace}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.namespace+"."+ev.Type, data); err != nil {
		return err
	}
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber drives a handler from the bus feed. The handler returning
// an error leaves the message unacknowledged for redelivery.
type NATSSubscriber struct {
	conn      *nats.Conn
	namespace string
	sub       *nats.Subscription
}

func NewNATSSubscriber(url, namespace string) (*NATSSubscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: conn, namespace: namespace}, nil
}

// Subscribe delivers every event under the namespace to handler.
func (s *NATSSubscriber) Subscribe(handler func(context.Context, domain.Event) error) error {
	sub, err := s.conn.Subscribe(s.namespace+".>", func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		_ = handler(context.Background(), ev)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}
