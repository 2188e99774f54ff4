package bus

import (
	"context"
	"sync"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/CodesWhat/concord-sub001/tools/safe"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus uses a Redis PUBLISH/SUBSCRIBE channel. Redis pub/sub is
// at-most-once: a node that is disconnected while a message is published
// never sees it.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	ownsRDB bool

	mu     sync.Mutex
	ps     *goredis.PubSub
	closed bool
}

// NewRedisBus wraps an existing client. When owns is true Close also closes
// the client.
func NewRedisBus(rdb *goredis.Client, channel string, owns bool) *RedisBus {
	safe.MustNotNil(rdb, "redis client")
	return &RedisBus{rdb: rdb, channel: channel, ownsRDB: owns}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Publish(ctx context.Context, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "channel", b.channel)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.ps != nil {
		b.mu.Unlock()
		return errs.New("redis bus already subscribed", "channel", b.channel)
	}
	ps := b.rdb.Subscribe(ctx, b.channel)
	b.ps = ps
	b.mu.Unlock()

	// 等待订阅确认，之后再发布的消息一定能收到
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		b.mu.Lock()
		b.ps = nil
		b.mu.Unlock()
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "channel", b.channel)
	}

	ch := ps.Channel()
	safe.Go("redis-bus-consume", func() {
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, []byte(msg.Payload))
			}
		}
	})
	logger.Info("[bus] redis subscribed", zap.String("channel", b.channel))
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.ps
	b.ps = nil
	b.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	if b.ownsRDB {
		return b.rdb.Close()
	}
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
