package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/metrics"
)

// Visibility field names carried alongside the event body. The fan-out
// strips them before writing to a socket.
const (
	FieldFromUser    = "from_user"
	FieldIncludeSelf = "include_self"
	FieldSelfOnly    = "self_only"
)

// Event is one published message: an arbitrary JSON object plus the
// optional visibility fields.
type Event struct {
	Payload map[string]interface{}
}

// FromUser returns the publishing user id, if stamped.
func (e Event) FromUser() string {
	s, _ := e.Payload[FieldFromUser].(string)
	return s
}

// IncludeSelf reports whether the sender wants its own copy.
func (e Event) IncludeSelf() bool {
	b, _ := e.Payload[FieldIncludeSelf].(bool)
	return b
}

// SelfOnly returns the sole recipient user id, if set.
func (e Event) SelfOnly() string {
	s, _ := e.Payload[FieldSelfOnly].(string)
	return s
}

// StripVisibility returns the payload without the routing fields.
func (e Event) StripVisibility() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		switch k {
		case FieldFromUser, FieldIncludeSelf, FieldSelfOnly:
		default:
			out[k] = v
		}
	}
	return out
}

// Broadcaster is a Redis pub/sub channel abstraction. Every subscriber of
// a channel receives every message published after its subscription was
// established; delivery is at-most-once across a broker outage.
type Broadcaster struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a broadcaster over the shared Redis client.
func New(client *redis.Client, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{client: client, logger: logger}
}

// Publish enqueues payload on channel. Non-blocking beyond the Redis
// round-trip; no delivery guarantee is recorded.
func (b *Broadcaster) Publish(ctx context.Context, channel string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	metrics.BroadcastsPublished.Inc()
	return nil
}

// Subscription is a scoped channel subscription. Close releases the
// underlying Redis subscription; it is safe to call on every exit path.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
}

// Events is the stream of decoded events for the channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unsubscribes and releases the stream.
func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}

// Subscribe acquires a subscription to channel. It does not return until
// the broker has confirmed the subscription, so events published afterwards
// are guaranteed to reach this subscriber.
//
// Subscription loss surfaces as a closed Events channel: the receive
// loop reads the socket directly instead of the client's auto-retrying
// channel, so a broker failure ends the stream rather than silently
// pausing it. Consumers decide whether to resubscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.events)
		for {
			raw, err := pubsub.Receive(context.Background())
			if err != nil {
				select {
				case <-sub.done: // Close() tore down the connection
				default:
					b.logger.Warn("Broadcast subscription lost",
						zap.String("channel", channel),
						zap.Error(err),
					)
				}
				return
			}
			msg, ok := raw.(*redis.Message)
			if !ok {
				continue
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				b.logger.Warn("Dropping undecodable broadcast",
					zap.String("channel", channel),
					zap.Error(err),
				)
				continue
			}
			select {
			case sub.events <- Event{Payload: payload}:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}
