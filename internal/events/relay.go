package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/launchbay/engine/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "engine:events"

type relayEnvelope struct {
	Origin    string          `json:"origin"`
	Channel   string          `json:"channel"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Relay bridges bus publishes across processes over a redis pub/sub channel.
// The worker publishes pipeline events through its local bus; the relay
// carries them to the API process where hub subscribers live. Messages are
// tagged with an origin id so a process never re-delivers its own publishes.
type Relay struct {
	rdb    *redis.Client
	bus    *Bus
	origin string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(rdb *redis.Client, bus *Bus) *Relay {
	r := &Relay{
		rdb:    rdb,
		bus:    bus,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}
	bus.WithForwarder(r.forward)
	return r
}

// Start subscribes to the relay channel and injects remote events into the
// local bus until ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.rdb.Subscribe(ctx, relayChannel)
	go func() {
		defer close(r.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.receive(msg.Payload)
			}
		}
	}()
}

// Stop terminates the subscription loop and waits for it to exit.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Relay) forward(e Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		logger.L().Warn("relay: marshal event payload failed", zap.String("channel", e.Channel), zap.Error(err))
		return
	}
	env := relayEnvelope{
		Origin:    r.origin,
		Channel:   e.Channel,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.L().Warn("relay: marshal envelope failed", zap.Error(err))
		return
	}
	// Fire and forget: a redis hiccup costs liveness, not correctness.
	if err := r.rdb.Publish(context.Background(), relayChannel, data).Err(); err != nil {
		logger.L().Warn("relay: publish failed", zap.String("channel", e.Channel), zap.Error(err))
	}
}

func (r *Relay) receive(data string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		logger.L().Warn("relay: malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			logger.L().Warn("relay: malformed payload", zap.String("channel", env.Channel), zap.Error(err))
			return
		}
	}
	e := Event{Channel: env.Channel, Payload: payload}
	if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		e.Timestamp = ts
	}
	r.bus.Dispatch(e)
}
