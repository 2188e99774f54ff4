package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools"
	"github.com/google/uuid"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNats   = "nats"
	BusKafka  = "kafka"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// GatewayConfig is the full process configuration of one gateway node.
type GatewayConfig struct {
	NodeID      string
	HTTPAddr    string
	GRPCAddr    string // 空则不启动 gRPC 控制面
	AdvertiseIP string
	WSPath      string

	AllowedOrigins []string
	InternalSecret string // 内部 notify 接口的共享密钥

	// 协议时序
	HeartbeatInterval time.Duration
	SweepEvery        time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	// 每连接参数
	SendQueueSize int
	WriteWait     time.Duration
	MaxFrameBytes int64
	FramesPerMin  int
	FrameBurst    int
	MaxPerUser    int

	FanoutWorkers int

	// 跨进程总线
	BusKind           string
	BusChannel        string
	BusPublishTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsServers  []string
	NatsUser     string
	NatsPassword string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroupPrefix string

	// 数据访问
	StoreKind   string
	StoreSeed   string // memory 存储的 JSON 种子文件
	DatabaseURL string

	// 会话校验
	JWTSecret         string
	JWTIssuer         string
	MongoURI          string
	MongoDatabase     string
	MongoSessionCheck bool

	PresenceEnabled bool
	PresenceTTL     time.Duration

	NacosAddr      string
	NacosNamespace string
	NacosService   string

	Log logger.Options
}

// Load reads the configuration from the environment. Flags applied by the
// command line override the returned values before Normalize is called.
func Load() GatewayConfig {
	return GatewayConfig{
		NodeID:      tools.GetEnv("GATEWAY_ID", ""),
		HTTPAddr:    tools.GetEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    tools.GetEnv("GRPC_ADDR", ":50052"),
		AdvertiseIP: tools.GetEnv("ADVERTISE_IP", ""),
		WSPath:      tools.GetEnv("WS_PATH", "/gateway"),

		AllowedOrigins: tools.GetEnvList("ALLOWED_ORIGINS", nil),
		InternalSecret: tools.GetEnv("INTERNAL_SECRET", ""),

		HeartbeatInterval: tools.GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SweepEvery:        tools.GetEnvDuration("HEARTBEAT_SWEEP", 15*time.Second),
		HeartbeatTimeout:  tools.GetEnvDuration("HEARTBEAT_TIMEOUT", 0),
		HandshakeTimeout:  tools.GetEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),

		SendQueueSize: tools.GetEnvInt("SEND_QUEUE_SIZE", 256),
		WriteWait:     tools.GetEnvDuration("WRITE_WAIT", 10*time.Second),
		MaxFrameBytes: int64(tools.GetEnvInt("MAX_FRAME_BYTES", 64*1024)),
		FramesPerMin:  tools.GetEnvInt("FRAMES_PER_MIN", 120),
		FrameBurst:    tools.GetEnvInt("FRAME_BURST", 20),
		MaxPerUser:    tools.GetEnvInt("MAX_CONN_PER_USER", 0),

		FanoutWorkers: tools.GetEnvInt("FANOUT_WORKERS", 64),

		BusKind:           strings.ToLower(tools.GetEnv("BUS_KIND", BusMemory)),
		BusChannel:        tools.GetEnv("BUS_CHANNEL", "concord.gateway.dispatch"),
		BusPublishTimeout: tools.GetEnvDuration("BUS_PUBLISH_TIMEOUT", 2*time.Second),

		RedisAddr:     tools.GetEnv("REDIS_ADDR", ""),
		RedisPassword: tools.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       tools.GetEnvInt("REDIS_DB", 0),

		NatsServers:  tools.GetEnvList("NATS_SERVERS", nil),
		NatsUser:     tools.GetEnv("NATS_USER", ""),
		NatsPassword: tools.GetEnv("NATS_PASSWORD", ""),

		KafkaBrokers:     tools.GetEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:       tools.GetEnv("KAFKA_TOPIC", ""),
		KafkaGroupPrefix: tools.GetEnv("KAFKA_GROUP_PREFIX", "concord-gateway-"),

		StoreKind:   strings.ToLower(tools.GetEnv("STORE_KIND", StoreMemory)),
		StoreSeed:   tools.GetEnv("STORE_SEED", ""),
		DatabaseURL: tools.GetEnv("DATABASE_URL", ""),

		JWTSecret:         tools.GetEnv("JWT_SECRET", ""),
		JWTIssuer:         tools.GetEnv("JWT_ISSUER", ""),
		MongoURI:          tools.GetEnv("MONGO_URI", ""),
		MongoDatabase:     tools.GetEnv("MONGO_DATABASE", "concord"),
		MongoSessionCheck: tools.GetEnvBool("MONGO_SESSION_CHECK", false),

		PresenceEnabled: tools.GetEnvBool("PRESENCE_ENABLED", false),
		PresenceTTL:     tools.GetEnvDuration("PRESENCE_TTL", 0),

		NacosAddr:      tools.GetEnv("NACOS_ADDR", ""),
		NacosNamespace: tools.GetEnv("NACOS_NAMESPACE", ""),
		NacosService:   tools.GetEnv("NACOS_SERVICE", "concord-gateway"),

		Log: logger.Options{
			Level: tools.GetEnv("LOG_LEVEL", "info"),
			JSON:  tools.GetEnvBool("LOG_JSON", false),
			File:  tools.GetEnv("LOG_FILE", ""),
		},
	}
}

// Normalize fills defaults and rejects inconsistent combinations.
func (c *GatewayConfig) Normalize() error {
	if c.NodeID == "" {
		c.NodeID = "gw-" + uuid.NewString()[:8]
	}
	if c.WSPath == "" {
		c.WSPath = "/gateway"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = c.HeartbeatInterval / 2
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BusPublishTimeout <= 0 {
		c.BusPublishTimeout = 2 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 4 * c.SweepEvery
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = c.BusChannel
	}

	switch c.BusKind {
	case "", BusMemory:
		c.BusKind = BusMemory
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("bus %q requires REDIS_ADDR", c.BusKind)
		}
	case BusNats:
		if len(c.NatsServers) == 0 {
			return fmt.Errorf("bus %q requires NATS_SERVERS", c.BusKind)
		}
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("bus %q requires KAFKA_BROKERS", c.BusKind)
		}
	default:
		return fmt.Errorf("unknown bus kind %q", c.BusKind)
	}

	switch c.StoreKind {
	case "", StoreMemory:
		c.StoreKind = StoreMemory
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store %q requires DATABASE_URL", c.StoreKind)
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.StoreKind)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MongoSessionCheck && c.MongoURI == "" {
		return fmt.Errorf("MONGO_SESSION_CHECK requires MONGO_URI")
	}
	if c.PresenceEnabled && c.RedisAddr == "" {
		return fmt.Errorf("PRESENCE_ENABLED requires REDIS_ADDR")
	}
	return nil
}
