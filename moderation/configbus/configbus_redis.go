package configbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis pub/sub bus. Publishers also receive their own messages.
type RedisBus struct {
	Client *redis.Client
	Logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{Client: client, Logger: logger.With("component", "configbus")}
}

func (b *RedisBus) Publish(ctx context.Context, c Change) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.Client.Publish(ctx, Channel, buf).Err(); err != nil {
		return fmt.Errorf("publishing config change: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	sub := b.Client.Subscribe(ctx, Channel)
	// wait for the subscription confirmation so no publish after return is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribing to %s: %w", Channel, err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					b.Logger.Warn("ignoring malformed config change", "err", err, "payload", msg.Payload)
					continue
				}
				h(ctx, c)
			}
		}
	}()
	return nil
}
