package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/CodesWhat/concord-sub001/tools/safe"
	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// KafkaConfig 连接参数。每个节点使用独立的消费组（GroupPrefix+NodeID），
// 所以每条消息会被所有节点各消费一次。
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	GroupPrefix       string
	NodeID            string
	Version           sarama.KafkaVersion
	ReplicationFactor int16
	EnsureTopic       bool
	PublishTimeout    time.Duration // 也用作 Producer.Timeout
}

type KafkaBus struct {
	cfg    KafkaConfig
	client sarama.Client
	prod   sarama.SyncProducer

	mu     sync.Mutex
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errs.ErrArgs.WrapMsg("kafka brokers or topic missing")
	}
	if cfg.Version == (sarama.KafkaVersion{}) {
		cfg.Version = sarama.V2_1_0_0
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}

	sc := sarama.NewConfig()
	sc.Version = cfg.Version
	sc.ClientID = "concord-" + cfg.NodeID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	if cfg.PublishTimeout > 0 {
		sc.Producer.Timeout = cfg.PublishTimeout
	}
	// 单分区保证所有节点看到同一顺序
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errs.ErrBusUnavailable.WrapMsg(err.Error(), "brokers", cfg.Brokers)
	}
	if cfg.EnsureTopic {
		if err := ensureTopic(client, cfg.Topic, cfg.ReplicationFactor); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.ErrBusUnavailable.WrapMsg(err.Error())
	}
	return &KafkaBus{cfg: cfg, client: client, prod: prod}, nil
}

func ensureTopic(client sarama.Client, topic string, rf int16) error {
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return errs.WrapMsg(err, "kafka cluster admin")
	}
	// admin.Close 会关闭底层 client，这里不调用

	descs, err := admin.DescribeTopics([]string{topic})
	if err == nil && len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
		return nil
	}
	td := &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: rf,
		ConfigEntries: map[string]*string{
			"cleanup.policy": strPtr("delete"),
			"retention.ms":   strPtr("3600000"),
		},
	}
	if err := admin.CreateTopic(topic, td, false); err != nil {
		var te *sarama.TopicError
		if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return errs.WrapMsg(err, "create topic", "topic", topic)
	}
	logger.Info("[bus] kafka topic created", zap.String("topic", topic))
	return nil
}

func strPtr(s string) *string { return &s }

func (b *KafkaBus) Name() string { return "kafka" }

// Publish 同步发送，等待时间受 ctx 约束。SyncProducer 不接收 ctx，发送放到
// 单独的 goroutine；ctx 先到期时直接返回，那次发送由 sarama 自身的超时和重试收尾。
func (b *KafkaBus) Publish(ctx context.Context, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.cfg.Topic,
		Partition: 0,
		Value:     sarama.ByteEncoder(data),
	}
	result := make(chan error, 1)
	go func() {
		_, _, err := b.prod.SendMessage(msg)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return errs.ErrBusUnavailable.WrapMsg(err.Error(), "topic", b.cfg.Topic)
		}
		return nil
	case <-ctx.Done():
		return errs.WrapMsg(ctx.Err(), "kafka publish", "topic", b.cfg.Topic)
	}
}

type groupHandler struct {
	ctx   context.Context
	h     Handler
	ready chan struct{}
	once  sync.Once
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	g.once.Do(func() { close(g.ready) })
	return nil
}

func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		g.h(g.ctx, msg.Value)
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Subscribe 加入本节点独占的消费组，等到第一次 rebalance 完成后返回。
func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.group != nil {
		b.mu.Unlock()
		return errs.New("kafka bus already subscribed", "topic", b.cfg.Topic)
	}
	groupID := b.cfg.GroupPrefix + b.cfg.NodeID
	group, err := sarama.NewConsumerGroupFromClient(groupID, b.client)
	if err != nil {
		b.mu.Unlock()
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "group", groupID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.group = group
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	gh := &groupHandler{ctx: runCtx, h: h, ready: make(chan struct{})}

	safe.Go("kafka-bus-errors", func() {
		for err := range group.Errors() {
			logger.Warn("[bus] kafka consumer group error", zap.String("group", groupID), zap.Error(err))
		}
	})
	go func() {
		defer close(done)
		for {
			if err := group.Consume(runCtx, []string{b.cfg.Topic}, gh); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Warn("[bus] kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-gh.ready:
		logger.Info("[bus] kafka subscribed", zap.String("topic", b.cfg.Topic), zap.String("group", groupID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	group, cancel, done := b.group, b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Close()
		<-done
	}
	_ = b.prod.Close()
	return b.client.Close()
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
