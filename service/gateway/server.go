package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CodesWhat/concord-sub001/global/config"
	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/service/bus"
	"github.com/CodesWhat/concord-sub001/service/metrics"
	"github.com/CodesWhat/concord-sub001/service/session"
	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/CodesWhat/concord-sub001/tools/ids"
	"github.com/CodesWhat/concord-sub001/tools/safe"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options 网关运行参数
type Options struct {
	NodeID            string
	HeartbeatInterval time.Duration
	SweepEvery        time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	SendQueueSize int
	WriteWait     time.Duration
	MaxFrameBytes int64
	FramesPerMin  int // <=0 不限速
	FrameBurst    int
	MaxPerUser    int // <=0 不限制

	FanoutWorkers  int
	PublishTimeout time.Duration

	CheckOrigin func(r *http.Request) bool
	Clock       func() time.Time // nil => time.Now
}

func (o *Options) norm() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = o.HeartbeatInterval / 2
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 2 * o.HeartbeatInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	if o.FramesPerMin > 0 && o.FrameBurst <= 0 {
		o.FrameBurst = 20
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		NodeID:            cfg.NodeID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepEvery:        cfg.SweepEvery,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		WriteWait:         cfg.WriteWait,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		FramesPerMin:      cfg.FramesPerMin,
		FrameBurst:        cfg.FrameBurst,
		MaxPerUser:        cfg.MaxPerUser,
		FanoutWorkers:     cfg.FanoutWorkers,
		PublishTimeout:    cfg.BusPublishTimeout,
	}
}

// Deps are the collaborators. Bus defaults to an in-process loopback and
// Presence to LocalPresence; Store and Validator are required.
type Deps struct {
	Bus       bus.Bus
	Store     storage.DataStore
	Validator session.Validator
	Presence  Presence
	Metrics   *metrics.Metrics
}

type Server struct {
	opts      Options
	reg       *Registry
	fanout    *Fanout
	monitor   *Monitor
	disp      *Dispatcher
	bus       bus.Bus
	store     storage.DataStore
	validator session.Validator
	presence  Presence
	metrics   *metrics.Metrics
	ids       *ids.Generator
	upgrader  websocket.Upgrader
	log       *zap.Logger

	mu      sync.Mutex
	conns   map[string]*Conn // 所有打开的 socket，含未认证
	closing bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewServer(opts Options, deps Deps) (*Server, error) {
	opts.norm()
	safe.MustNotNil(deps.Store, "data store")
	safe.MustNotNil(deps.Validator, "session validator")
	if deps.Bus == nil {
		deps.Bus = bus.NewLoopback()
	}
	if deps.Presence == nil {
		deps.Presence = LocalPresence{}
	}
	log := logger.Named("gateway").With(zap.String("node", opts.NodeID))

	reg := NewRegistry()
	reg.now = opts.Clock
	fan, err := NewFanout(reg, deps.Bus, opts.NodeID, opts.PublishTimeout, opts.FanoutWorkers, deps.Metrics, log.Named("fanout"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		reg:       reg,
		fanout:    fan,
		disp:      NewDispatcher(),
		bus:       deps.Bus,
		store:     deps.Store,
		validator: deps.Validator,
		presence:  deps.Presence,
		metrics:   deps.Metrics,
		ids:       ids.NewGenerator(ids.NodeIDFromName(opts.NodeID)),
		log:       log,
		conns:     make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	s.monitor = NewMonitor(reg, opts.SweepEvery, opts.HeartbeatTimeout, log.Named("heartbeat"))
	s.monitor.now = opts.Clock
	s.monitor.evict = s.Evict
	s.monitor.onSweep = s.refreshPresence
	return s, nil
}

func (s *Server) Options() Options             { return s.opts }
func (s *Server) Registry() *Registry          { return s.reg }
func (s *Server) Fanout() *Fanout              { return s.fanout }
func (s *Server) Monitor() *Monitor            { return s.monitor }
func (s *Server) Dispatcher() *Dispatcher      { return s.disp }
func (s *Server) Store() storage.DataStore     { return s.store }
func (s *Server) Validator() session.Validator { return s.validator }
func (s *Server) Presence() Presence           { return s.presence }
func (s *Server) Metrics() *metrics.Metrics    { return s.metrics }
func (s *Server) Log() *zap.Logger             { return s.log }
func (s *Server) Now() time.Time               { return s.opts.Clock() }
func (s *Server) Register(h Handler)           { s.disp.Register(h) }
func (s *Server) BusName() string              { return s.bus.Name() }

// Start subscribes to the bus and starts the heartbeat sweep. The returned
// error is fatal: without a subscription this node would never deliver.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := s.bus.Subscribe(runCtx, s.fanout.HandleBusMessage); err != nil {
		cancel()
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "bus", s.bus.Name())
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	safe.Go("heartbeat-monitor", func() { s.monitor.Run(runCtx) })
	s.log.Info("gateway started",
		zap.String("bus", s.bus.Name()),
		zap.Duration("heartbeat_interval", s.opts.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", s.opts.HeartbeatTimeout))
	return nil
}

// HandleWS 供 gin 路由使用
func (s *Server) HandleWS(c *gin.Context) {
	s.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConn(s.ids.NextString(), ws, session.FromRequest(r), connOptions{
		queue:     s.opts.SendQueueSize,
		writeWait: s.opts.WriteWait,
		perMin:    s.opts.FramesPerMin,
		burst:     s.opts.FrameBurst,
		now:       s.opts.Clock(),
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseShutdown, "shutting down"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnOpened()
	go c.writeLoop()
	go func() {
		defer s.wg.Done()
		s.serveConn(c)
	}()
}

func (s *Server) serveConn(c *Conn) {
	log := s.log.With(zap.String("conn", c.id), zap.String("remote", c.remote))
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection panic", zap.Error(errs.ErrPanic(r)))
		}
		c.Close(websocket.CloseNormalClosure, "")
		s.Release(c)
		<-c.done

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.metrics.ConnClosed()
		log.Debug("connection closed")
	}()

	c.ws.SetReadLimit(s.opts.MaxFrameBytes)

	hello, err := NewFrame(OpHello, HelloPayload{
		HeartbeatInterval: s.opts.HeartbeatInterval.Milliseconds(),
		NodeID:            s.opts.NodeID,
	})
	if err != nil {
		log.Error("encode hello", zap.Error(err))
		return
	}
	c.Send(hello)

	timer := time.AfterFunc(s.opts.HandshakeTimeout, func() {
		if c.IdentifyStarted() || c.Identified() {
			return
		}
		log.Info("closing connection", zap.Error(CloseError(CloseHandshakeTimeout)))
		s.metrics.Evicted("handshake_timeout")
		c.Close(CloseHandshakeTimeout, "handshake timeout")
	})
	defer timer.Stop()

	ctx := context.Background()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("read error", zap.Error(err))
			}
			return
		}
		if !c.allow() {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if !c.Identified() && f.Op != OpIdentify && f.Op != OpHeartbeat {
			continue
		}
		h := s.disp.Get(f.Op)
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, s, c, &f); err != nil {
			log.Debug("handler error", zap.Int("op", int(f.Op)), zap.Error(err))
		}
	}
}

// Identify registers c for userID and makes it eligible for fanout.
func (s *Server) Identify(c *Conn, userID string, serverIDs []string) {
	s.reg.Register(c, userID, serverIDs)
	c.markIdentified(userID)
	s.metrics.SetIdentified(s.reg.Len())
}

// Evict closes c with code and releases its registry entry immediately.
func (s *Server) Evict(c *Conn, code int, reason string) {
	s.metrics.Evicted(strings.ReplaceAll(reason, " ", "_"))
	c.Close(code, reason)
	s.Release(c)
}

// Release unregisters c; when it was the user's last local connection and
// no other node holds the user, an offline presence event goes to every
// server the connection was registered in. Safe to call more than once.
func (s *Server) Release(c *Conn) {
	removed, ok := s.reg.Unregister(c)
	if !ok {
		return
	}
	s.metrics.SetIdentified(s.reg.Len())
	if !removed.LastConnection {
		return
	}

	uid := removed.State.UserID
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	defer cancel()

	offline, err := s.presence.Offline(ctx, uid)
	if err != nil {
		s.log.Warn("presence offline failed, using local state", zap.String("user", uid), zap.Error(err))
		offline = true
	}
	// 期间用户可能已在本节点重新连上
	if !offline || s.reg.HasLiveConnection(uid) {
		return
	}
	s.BroadcastPresence(ctx, uid, StatusOffline, removed.State.ServerIDs)
}

func (s *Server) BroadcastPresence(ctx context.Context, userID, status string, serverIDs []string) {
	for _, sid := range serverIDs {
		p := PresencePayload{UserID: userID, Status: status, ServerID: sid}
		if err := s.fanout.NotifyServer(ctx, sid, EventPresenceUpdate, p); err != nil {
			s.log.Warn("presence broadcast failed", zap.String("user", userID), zap.String("server", sid), zap.Error(err))
		}
	}
}

func (s *Server) refreshPresence(ctx context.Context) {
	users := s.reg.Users()
	if len(users) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	if err := s.presence.Refresh(rctx, users); err != nil {
		s.log.Warn("presence refresh failed", zap.Int("users", len(users)), zap.Error(err))
	}
}

// OpenConnections counts every open socket, identified or not.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection with 1001, waits for their goroutines
// (bounded by ctx), then stops the sweep and closes the bus.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("gateway shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.Close(CloseShutdown, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if cancel != nil {
		cancel()
	}
	s.fanout.Close()
	if err := s.bus.Close(); err != nil {
		s.log.Warn("bus close failed", zap.Error(err))
	}
	return waitErr
}
