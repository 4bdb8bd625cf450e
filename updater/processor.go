package main

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventledger/domain"
)

type eventApplier interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

type processor struct {
	apply   eventApplier
	rc      *redis.Client
	channel string
}

// process applies one feed event and, on success, notifies subscribers that
// the read model moved. Notification failures are logged only; the read
// model is already updated and the message must still settle.
func (p *processor) process(ctx context.Context, ev domain.Event) error {
	if err := p.apply.HandleEvent(ctx, ev); err != nil {
		return err
	}
	if p.rc == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	if err := p.rc.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Errorf("Unable to publish read model update for %s to %s: %v", ev.AggregateID, p.channel, err)
	}
	return nil
}
