// Package feed carries appended events to the projection side. Providers are
// selected at construction; delivery is at-least-once and consumers must
// tolerate redelivery.
package feed

import (
	"context"
	"fmt"

	"eventledger/domain"
)

// Publisher pushes one event onto the change feed.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
	Close() error
}

// Provider names for Config.Provider.
const (
	ProviderQueue = "queue"
	ProviderNATS  = "nats"
)

// Config selects and parameterises a feed provider.
type Config struct {
	Provider string

	// queue provider
	ConnectionString string
	QueueName        string

	// nats provider
	NATSURL   string
	Namespace string
}

// NewPublisher constructs the configured provider. Unknown providers fail
// here, not at first use.
func NewPublisher(cfg Config) (Publisher, error) {
	switch cfg.Provider {
	case ProviderQueue:
		return NewQueuePublisher(cfg.ConnectionString, cfg.QueueName)
	case ProviderNATS:
		return NewNATSPublisher(cfg.NATSURL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unsupported feed provider %q", cfg.Provider)
	}
}
