package assignment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/certflow/model"
)

// EventPublisher announces assignment mutations after they are saved.
type EventPublisher interface {
	Publish(ctx context.Context, event model.AssignmentEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, model.AssignmentEvent) error { return nil }

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements EventPublisher.
func (p *RedisPublisher) Publish(ctx context.Context, event model.AssignmentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal assignment event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// RecordingPublisher keeps published events in memory. For testing.
type RecordingPublisher struct {
	events chan model.AssignmentEvent
}

// NewRecordingPublisher creates a publisher buffering up to size events.
func NewRecordingPublisher(size int) *RecordingPublisher {
	return &RecordingPublisher{events: make(chan model.AssignmentEvent, size)}
}

// Publish implements EventPublisher. It drops events once the buffer is
// full.
func (p *RecordingPublisher) Publish(_ context.Context, event model.AssignmentEvent) error {
	select {
	case p.events <- event:
	default:
	}
	return nil
}

// Types drains the buffer and returns the event types in publish order.
func (p *RecordingPublisher) Types() []string {
	var out []string
	for {
		select {
		case e := <-p.events:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}
