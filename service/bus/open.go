package bus

import (
	"context"

	"github.com/CodesWhat/concord-sub001/global/config"
	"github.com/CodesWhat/concord-sub001/service/storage/redis"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	goredis "github.com/redis/go-redis/v9"
)

// Open builds the bus selected by cfg.BusKind. rdb is reused for the redis
// backend when non-nil; otherwise a dedicated client is dialed.
func Open(ctx context.Context, cfg config.GatewayConfig, rdb *goredis.Client) (Bus, error) {
	switch cfg.BusKind {
	case config.BusMemory, "":
		return NewLoopback(), nil

	case config.BusRedis:
		if rdb != nil {
			return NewRedisBus(rdb, cfg.BusChannel, false), nil
		}
		c, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, errs.ErrBusUnavailable.WrapMsg(err.Error())
		}
		return NewRedisBus(c, cfg.BusChannel, true), nil

	case config.BusNats:
		return NewNatsBus(NatsConfig{
			Servers:  cfg.NatsServers,
			Name:     "concord-" + cfg.NodeID,
			User:     cfg.NatsUser,
			Password: cfg.NatsPassword,
			Subject:  cfg.BusChannel,
		})

	case config.BusKafka:
		return NewKafkaBus(KafkaConfig{
			Brokers:        cfg.KafkaBrokers,
			Topic:          cfg.KafkaTopic,
			GroupPrefix:    cfg.KafkaGroupPrefix,
			NodeID:         cfg.NodeID,
			EnsureTopic:    true,
			PublishTimeout: cfg.BusPublishTimeout,
		})
	}
	return nil, errs.ErrArgs.WrapMsg("unknown bus kind", "kind", cfg.BusKind)
}
