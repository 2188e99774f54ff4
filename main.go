package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CodesWhat/concord-sub001/global/config"
	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "concord-gateway: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:           "concord-gateway",
		Short:         "Realtime websocket gateway: sessions, heartbeats and event fanout",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Normalize(); err != nil {
				return err
			}
			logger.Init(cfg.Log)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "gateway node id (default gw-<uuid>)")
	f.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP/websocket listen address")
	f.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC control listen address, empty to disable")
	f.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "websocket upgrade path")
	f.StringVar(&cfg.BusKind, "bus", cfg.BusKind, "broadcast bus: memory|redis|nats|kafka")
	f.StringVar(&cfg.StoreKind, "store", cfg.StoreKind, "data store: memory|postgres")
	f.StringVar(&cfg.StoreSeed, "seed", cfg.StoreSeed, "JSON seed file for the memory store")
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for bus/presence")
	f.BoolVar(&cfg.PresenceEnabled, "presence", cfg.PresenceEnabled, "track presence across nodes in redis")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat interval advertised in HELLO")
	f.IntVar(&cfg.MaxPerUser, "max-per-user", cfg.MaxPerUser, "max connections per user, 0 = unlimited")
	f.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug|info|warn|error")
	f.BoolVar(&cfg.Log.JSON, "log-json", cfg.Log.JSON, "JSON log encoding")

	return cmd
}
