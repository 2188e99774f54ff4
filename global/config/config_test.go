package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	cfg := Load()
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.SweepEvery != 15*time.Second {
		t.Errorf("SweepEvery = %v", cfg.SweepEvery)
	}
	if cfg.HeartbeatTimeout != 60*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 2x interval", cfg.HeartbeatTimeout)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
	if cfg.BusKind != BusMemory || cfg.StoreKind != StoreMemory {
		t.Errorf("kinds = %q/%q", cfg.BusKind, cfg.StoreKind)
	}
	if !strings.HasPrefix(cfg.NodeID, "gw-") {
		t.Errorf("NodeID = %q", cfg.NodeID)
	}
	if cfg.KafkaTopic != cfg.BusChannel {
		t.Errorf("KafkaTopic = %q", cfg.KafkaTopic)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := map[string]func(c *GatewayConfig){
		"no secret":        func(c *GatewayConfig) { c.JWTSecret = "" },
		"redis w/o addr":   func(c *GatewayConfig) { c.BusKind = BusRedis },
		"nats w/o servers": func(c *GatewayConfig) { c.BusKind = BusNats },
		"kafka w/o broker": func(c *GatewayConfig) { c.BusKind = BusKafka },
		"unknown bus":      func(c *GatewayConfig) { c.BusKind = "carrier-pigeon" },
		"pg w/o dsn":       func(c *GatewayConfig) { c.StoreKind = StorePostgres },
		"mongo w/o uri":    func(c *GatewayConfig) { c.MongoSessionCheck = true },
		"presence w/o rds": func(c *GatewayConfig) { c.PresenceEnabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := GatewayConfig{JWTSecret: "s"}
			mutate(&c)
			if err := c.Normalize(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
