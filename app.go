package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CodesWhat/concord-sub001/global/config"
	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/middleware"
	midsec "github.com/CodesWhat/concord-sub001/middleware/security"
	"github.com/CodesWhat/concord-sub001/module/notify"
	"github.com/CodesWhat/concord-sub001/service/bus"
	"github.com/CodesWhat/concord-sub001/service/control"
	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/service/gateway/handlers"
	"github.com/CodesWhat/concord-sub001/service/metrics"
	"github.com/CodesWhat/concord-sub001/service/mgo"
	"github.com/CodesWhat/concord-sub001/service/nacos"
	"github.com/CodesWhat/concord-sub001/service/session"
	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/service/storage/memstore"
	"github.com/CodesWhat/concord-sub001/service/storage/pgstore"
	"github.com/CodesWhat/concord-sub001/service/storage/presence"
	"github.com/CodesWhat/concord-sub001/service/storage/redis"
	"github.com/CodesWhat/concord-sub001/tools"
	"github.com/CodesWhat/concord-sub001/tools/safe"
	"github.com/CodesWhat/concord-sub001/tools/security"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownGrace = 10 * time.Second

// closer 按注册的逆序释放资源
type closer struct {
	fns []func()
}

func (c *closer) add(f func()) { c.fns = append(c.fns, f) }

func (c *closer) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

func run(ctx context.Context, cfg config.GatewayConfig) error {
	log := logger.Named("main").With(zap.String("node", cfg.NodeID))
	var cleanup closer
	defer cleanup.run()

	// 1) redis：总线和在线状态共用
	var rdb *goredis.Client
	if cfg.RedisAddr != "" && (cfg.BusKind == config.BusRedis || cfg.PresenceEnabled) {
		c, err := redis.NewClient(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		rdb = c
		cleanup.add(func() { _ = rdb.Close() })
	}

	// 2) 跨进程总线，关闭由 gateway.Shutdown 负责
	b, err := bus.Open(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	// 3) 数据访问
	store, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		_ = b.Close()
		return err
	}

	// 4) 会话校验
	validator, err := openValidator(ctx, cfg, &cleanup)
	if err != nil {
		_ = b.Close()
		return err
	}

	var pres gateway.Presence
	if cfg.PresenceEnabled && rdb != nil {
		pres = presence.New(rdb, cfg.NodeID, cfg.PresenceTTL)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	origins := middleware.NewOriginPolicy(cfg.AllowedOrigins)
	opts := gateway.OptionsFromConfig(cfg)
	opts.CheckOrigin = origins.Check

	gw, err := gateway.NewServer(opts, gateway.Deps{
		Bus:       b,
		Store:     store,
		Validator: validator,
		Presence:  pres,
		Metrics:   metrics.New(reg),
	})
	if err != nil {
		_ = b.Close()
		return err
	}
	handlers.Register(gw)
	if err := gw.Start(ctx); err != nil {
		_ = b.Close()
		return err
	}

	// 5) HTTP：websocket、健康检查、指标、内部接口
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	mids := middleware.NewManager()
	mids.Add(middleware.AccessLog(logger.Named("http")))
	r.Use(gin.Recovery(), mids.Use())

	r.GET(cfg.WSPath, gw.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"node_id": cfg.NodeID, "bus": gw.BusName(), "stats": gw.Registry().Stats()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	notify.New(gw).Mount(r, midsec.DefaultOptions(cfg.InternalSecret))

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	safe.Go("http", func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("ws", cfg.WSPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	// 6) gRPC 控制面
	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return shutdown(log, gw, httpSrv, nil, nil, err)
		}
		gs, _ = control.NewGRPCServer(control.NewService(gw), logger.Named("control"))
		safe.Go("grpc", func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := gs.Serve(lis); err != nil {
				errCh <- err
			}
		})
	}

	// 7) 服务发现 + 远程 origin 配置
	var registrar *nacos.Registrar
	if cfg.NacosAddr != "" {
		registrar, err = startNacos(ctx, cfg, gw.BusName(), origins, log)
		if err != nil {
			log.Warn("nacos unavailable, running without discovery", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		log.Info("signal received")
		return shutdown(log, gw, httpSrv, gs, registrar, nil)
	case err := <-errCh:
		return shutdown(log, gw, httpSrv, gs, registrar, err)
	}
}

// shutdown 先从注册中心摘除，再关连接（1001），最后停 HTTP/gRPC
func shutdown(log *zap.Logger, gw *gateway.Server, httpSrv *http.Server, gs *grpc.Server, registrar *nacos.Registrar, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if registrar != nil {
		if err := registrar.Deregister(); err != nil {
			log.Warn("nacos deregister failed", zap.Error(err))
		}
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if gs != nil {
		gs.GracefulStop()
	}
	log.Info("gateway stopped")
	return cause
}

func openStore(ctx context.Context, cfg config.GatewayConfig, cleanup *closer) (storage.DataStore, error) {
	switch cfg.StoreKind {
	case config.StorePostgres:
		s, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		cleanup.add(s.Close)
		return s, nil
	default:
		if cfg.StoreSeed == "" {
			return memstore.New(), nil
		}
		return memstore.Load(cfg.StoreSeed)
	}
}

func openValidator(ctx context.Context, cfg config.GatewayConfig, cleanup *closer) (session.Validator, error) {
	opts := security.DefaultOptions([]byte(cfg.JWTSecret))
	opts.Issuer = cfg.JWTIssuer
	if !cfg.MongoSessionCheck {
		return session.NewJWT(opts, nil), nil
	}
	cli, err := mgo.Connect(ctx, mgo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, err
	}
	cleanup.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = cli.Close(ctx)
	})
	return session.NewJWT(opts, session.NewMongoSessions(cli.DB())), nil
}

func startNacos(ctx context.Context, cfg config.GatewayConfig, busName string, origins *middleware.OriginPolicy, log *zap.Logger) (*nacos.Registrar, error) {
	ncfg := nacos.Config{Addrs: []string{cfg.NacosAddr}, Namespace: cfg.NacosNamespace}
	naming, err := nacos.NewNamingClient(ncfg)
	if err != nil {
		return nil, err
	}
	port, err := listenPort(cfg.HTTPAddr)
	if err != nil {
		return nil, err
	}
	ip := cfg.AdvertiseIP
	if ip == "" {
		ip = tools.OutboundIP()
	}
	registrar := nacos.NewRegistrar(naming, nacos.Instance{
		Service:  cfg.NacosService,
		IP:       ip,
		Port:     port,
		Metadata: nacos.Metadata(cfg.NodeID, busName, cfg.GRPCAddr),
	}, logger.Named("nacos"))
	if err := registrar.Register(); err != nil {
		return nil, err
	}

	if cfgCli, err := nacos.NewConfigClient(ncfg); err != nil {
		log.Warn("nacos config client failed", zap.Error(err))
	} else if err := nacos.Watch(ctx, cfgCli, cfg.NacosService+".origins", "", func(data string) {
		list := tools.SplitList(data)
		origins.Set(list)
		log.Info("allowed origins updated", zap.Strings("origins", list))
	}); err != nil {
		log.Warn("origin watch failed", zap.Error(err))
	}
	return registrar, nil
}

func listenPort(addr string) (uint64, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(p, 10, 64)
}
