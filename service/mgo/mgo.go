package mgo

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 5
	baseBackoff        = 200 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// Config represents the MongoDB configuration.
type Config struct {
	URI         string
	Database    string
	MaxPoolSize int
	MaxRetry    int
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) DB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// Connect 带退避重试地连接并 Ping，鉴权类错误不重试。
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo database is required")
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = defaultMaxPoolSize
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetServerSelectionTimeout(5 * time.Second)

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetry; attempt++ {
		cli, err := mongo.Connect(ctx, opts)
		if err == nil {
			if err = cli.Ping(ctx, nil); err == nil {
				return &Client{cli: cli, db: cli.Database(cfg.Database)}, nil
			}
			_ = cli.Disconnect(context.Background())
		}
		lastErr = err
		if !shouldRetry(ctx, err) {
			break
		}
		logger.Warn("[mongo] connect failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))

		// 退避 + 抖动
		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.Wrap(ctx.Err())
		case <-timer.C:
		}
	}
	return nil, errs.WrapMsg(lastErr, "mongo connect", "database", cfg.Database)
}

// shouldRetry determines whether an error should trigger a retry.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) {
			// 13 Unauthorized, 18 AuthenticationFailed
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}
