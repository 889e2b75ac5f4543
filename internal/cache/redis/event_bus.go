package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const eventChannel = "jackpot:events"

// Envelope is a committed market event relayed between instances.
type Envelope struct {
	Origin   string          `json:"origin"`
	MarketID string          `json:"market_id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// EventBus relays committed events over Redis Pub/Sub so WS clients on every
// instance see them.
type EventBus struct {
	rdb    *redis.Client
	origin string
	log    *slog.Logger
}

func NewEventBus(c *Client, origin string, log *slog.Logger) *EventBus {
	return &EventBus{rdb: c.rdb, origin: origin, log: log.With("component", "event_bus")}
}

// Publish matches engine.PublishFunc. Failures are logged; the event is
// already durable in the event log.
func (b *EventBus) Publish(marketID, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.log.Warn("marshal event", "type", msgType, "err", err)
		return
	}
	env, _ := json.Marshal(Envelope{Origin: b.origin, MarketID: marketID, Type: msgType, Data: raw})
	if err := b.rdb.Publish(context.Background(), eventChannel, env).Err(); err != nil {
		b.log.Warn("publish event", "type", msgType, "err", err)
	}
}

// Run delivers events from other instances to deliver until ctx ends.
func (b *EventBus) Run(ctx context.Context, deliver func(marketID, msgType string, data any)) error {
	pubsub := b.rdb.Subscribe(ctx, eventChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", eventChannel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				b.log.Warn("bad event envelope", "err", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.MarketID, env.Type, env.Data)
		}
	}
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
