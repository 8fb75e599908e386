// Package bus fans cache invalidations out to every service replica
// over a redis pub/sub channel. Events carry ids only, never category
// data: each replica drops its entries and recomputes from its own
// store.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel invalidations travel on.
const Channel = "catmap:invalidate"

// Connect opens a redis client and verifies it with a ping.
func Connect(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

type event struct {
	All bool    `json:"all,omitempty"`
	IDs []int64 `json:"ids,omitempty"`
}

// Broadcaster publishes invalidations. It satisfies the category
// package's ResetBroadcaster.
type Broadcaster struct {
	client *redis.Client
}

func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

func (b *Broadcaster) Reset(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return b.publish(ctx, event{IDs: ids})
}

func (b *Broadcaster) ResetAll(ctx context.Context) error {
	return b.publish(ctx, event{All: true})
}

func (b *Broadcaster) publish(ctx context.Context, ev event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, Channel, payload).Err()
}

// Listener applies invalidations published by other replicas.
type Listener struct {
	client *redis.Client
	log    *zap.Logger
}

func NewListener(client *redis.Client, log *zap.Logger) *Listener {
	return &Listener{client: client, log: log}
}

// Run subscribes and dispatches until ctx is canceled. The publishing
// replica receives its own events too; the extra local reset they cause
// is an idempotent no-op.
func (l *Listener) Run(ctx context.Context, onReset func(ids ...int64), onResetAll func()) error {
	sub := l.client.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				l.log.Warn("bad invalidate payload", zap.Error(err), zap.String("payload", msg.Payload))
				continue
			}

			switch {
			case ev.All:
				onResetAll()
			case len(ev.IDs) > 0:
				onReset(ev.IDs...)
			}
		}
	}
}
