package progress

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "catalogsync:progress"

// RedisNotifier publishes progress events over Redis pub/sub so observers
// in other processes can follow runs.
type RedisNotifier struct {
	rdb     *goredis.Client
	channel string
	origin  string
}

// NewRedisNotifier connects to addr and verifies the connection.
func NewRedisNotifier(ctx context.Context, addr, channel, origin string) (*RedisNotifier, error) {
	if addr == "" {
		return nil, eris.New("progress: redis addr required")
	}
	if channel == "" {
		channel = DefaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "progress: redis ping")
	}

	return &RedisNotifier{rdb: rdb, channel: channel, origin: origin}, nil
}

// Publish encodes ev as JSON and publishes it on the channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = n.origin
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "progress: encode event")
	}
	return eris.Wrap(n.rdb.Publish(ctx, n.channel, raw).Err(), "progress: redis publish")
}

// Forward subscribes to the channel and hands every event published by
// another process to onEvent until ctx is done.
func (n *RedisNotifier) Forward(ctx context.Context, onEvent func(Event)) error {
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return eris.Wrap(err, "progress: redis subscribe")
	}

	go func() {
		defer sub.Close() //nolint:errcheck
		n.relay(ctx, sub.Channel(), onEvent)
	}()
	return nil
}

// relay decodes messages from ch and hands on those published by other
// processes until ctx is done or ch closes.
func (n *RedisNotifier) relay(ctx context.Context, ch <-chan *goredis.Message, onEvent func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			ev, err := decodeEvent(m.Payload)
			if err != nil {
				zap.L().Warn("bad progress payload on redis", zap.Error(err))
				continue
			}
			if ev.Origin == n.origin {
				continue
			}
			onEvent(ev)
		}
	}
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, eris.Wrap(err, "progress: decode event")
	}
	return ev, nil
}
