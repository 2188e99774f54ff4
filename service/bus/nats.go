package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsConfig 连接参数
type NatsConfig struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus 使用 core NATS subject，无持久化，每个节点独立订阅（不用队列组）。
type NatsBus struct {
	nc      *nats.Conn
	subject string

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("nats servers missing")
	}
	if cfg.Subject == "" {
		return nil, errs.ErrArgs.WrapMsg("nats subject missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[bus] nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[bus] nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrBusUnavailable.WrapMsg(err.Error(), "servers", cfg.Servers)
	}
	return &NatsBus{nc: nc, subject: cfg.Subject}, nil
}

func (b *NatsBus) Name() string { return "nats" }

func (b *NatsBus) Publish(ctx context.Context, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "subject", b.subject)
	}
	// Flush 确认服务端已收到；FlushWithContext 需要 deadline
	if _, ok := ctx.Deadline(); ok {
		if err := b.nc.FlushWithContext(ctx); err != nil {
			return errs.ErrBusUnavailable.WrapMsg(err.Error(), "subject", b.subject)
		}
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sub != nil {
		return errs.New("nats bus already subscribed", "subject", b.subject)
	}
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		h(ctx, append([]byte(nil), m.Data...))
	})
	if err != nil {
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "subject", b.subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "subject", b.subject)
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.sub == sub {
			_ = sub.Unsubscribe()
			b.sub = nil
		}
		b.mu.Unlock()
	}()
	logger.Info("[bus] nats subscribed", zap.String("subject", b.subject))
	return nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.sub != nil {
		_ = b.sub.Drain()
		b.sub = nil
	}
	b.mu.Unlock()
	return b.nc.Drain()
}

func (b *NatsBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
