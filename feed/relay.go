package feed

import (
	"context"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Relay fans change notifications out to every instance through Redis
// pub/sub.
type Relay struct {
	rdb     *redis.Client
	channel string
	log     echo.Logger
}

func NewRelay(rdb *redis.Client, appID string, logger echo.Logger) *Relay {
	return &Relay{rdb: rdb, channel: appID + ":feed:changed", log: logger}
}

func (r *Relay) Channel() string { return r.channel }

func (r *Relay) Publish(ctx context.Context) error {
	return r.rdb.Publish(ctx, r.channel, "posts").Err()
}

// Subscribe calls onMessage for every change published by any instance.
// It returns once the subscription is confirmed by the server.
func (r *Relay) Subscribe(ctx context.Context, onMessage func()) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							r.log.Errorf("panic in feed relay: %v\n%s", rec, debug.Stack())
						}
					}()
					onMessage()
				}()
			}
		}
	}()
	return nil
}
