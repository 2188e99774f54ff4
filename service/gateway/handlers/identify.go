package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/tools/decode"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IdentifyHandler authenticates the connection, loads the READY snapshot,
// registers the connection and announces the user online.
type IdentifyHandler struct {
	Timeout time.Duration // 校验+加载快照的上限
}

func NewIdentifyHandler() *IdentifyHandler {
	return &IdentifyHandler{Timeout: 10 * time.Second}
}

func (h *IdentifyHandler) Op() gateway.Opcode { return gateway.OpIdentify }

func (h *IdentifyHandler) Handle(ctx context.Context, s *gateway.Server, c *gateway.Conn, f *gateway.Frame) error {
	// 重复 IDENTIFY 直接忽略
	if c.Identified() || !c.BeginIdentify() {
		return nil
	}
	start := time.Now()
	log := s.Log().With(zap.String("conn", c.ID()))

	creds := c.Credentials()
	var props map[string]string
	if p, err := decode.DecodeJSON[gateway.IdentifyPayload](f.D); err == nil {
		creds.Token = p.Token
		props = p.Properties
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	ident, err := s.Validator().Validate(ctx, creds)
	if err != nil {
		log.Info("identify rejected", zap.Error(err))
		s.Metrics().Evicted("auth_failed")
		c.Close(gateway.CloseAuthFailed, "authentication failed")
		return nil
	}
	log = log.With(zap.String("user", ident.UserID))

	snap, err := loadSnapshot(ctx, s.Store(), ident.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrAuthFailed) {
			log.Info("identify rejected: no profile")
		} else {
			log.Warn("load ready snapshot failed", zap.Error(err))
		}
		s.Metrics().Evicted("auth_failed")
		c.Close(gateway.CloseAuthFailed, "authentication failed")
		return nil
	}
	if c.Closed() {
		return nil
	}

	serverIDs := make([]string, 0, len(snap.Servers))
	for _, sv := range snap.Servers {
		serverIDs = append(serverIDs, sv.ID)
	}
	s.Identify(c, ident.UserID, serverIDs)

	// 先注册新连接再挤掉旧的，用户连接数不会降到 0，不触发 offline
	if limit := s.Options().MaxPerUser; limit > 0 {
		evictOldest(s, c, ident.UserID, limit)
	}

	snap.SessionID = c.ID()
	ready, err := gateway.NewFrame(gateway.OpReady, snap)
	if err != nil {
		return errs.WrapMsg(err, "encode ready")
	}
	c.Send(ready)
	s.Metrics().ObserveHandshake(time.Since(start).Seconds())
	log.Info("identified", zap.Int("servers", len(serverIDs)), zap.Int("channels", len(snap.Channels)), zap.Any("properties", props))

	if err := s.Presence().Online(ctx, ident.UserID); err != nil {
		log.Warn("presence online failed", zap.Error(err))
	}
	s.BroadcastPresence(ctx, ident.UserID, gateway.StatusOnline, serverIDs)
	return nil
}

// loadSnapshot 并行加载 READY 所需数据；channels 依赖 server 列表，与其同组顺序执行。
func loadSnapshot(ctx context.Context, store storage.DataStore, userID string) (*gateway.ReadyPayload, error) {
	var (
		snap    gateway.ReadyPayload
		profile *storage.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		servers, err := store.ServersForUser(gctx, userID)
		if err != nil {
			return errs.WrapMsg(err, "servers for user")
		}
		ids := make([]string, 0, len(servers))
		for _, sv := range servers {
			ids = append(ids, sv.ID)
		}
		channels, err := store.ChannelsForServers(gctx, ids)
		if err != nil {
			return errs.WrapMsg(err, "channels for servers")
		}
		snap.Servers, snap.Channels = servers, channels
		return nil
	})
	g.Go(func() error {
		p, err := store.Profile(gctx, userID)
		if err != nil {
			return errs.WrapMsg(err, "profile")
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		rs, err := store.ReadStates(gctx, userID)
		if err != nil {
			return errs.WrapMsg(err, "read states")
		}
		snap.ReadStates = rs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, errs.ErrAuthFailed.WrapMsg("profile not found", "user", userID)
	}
	snap.User = *profile
	if snap.Servers == nil {
		snap.Servers = []storage.Server{}
	}
	if snap.Channels == nil {
		snap.Channels = []storage.Channel{}
	}
	if snap.ReadStates == nil {
		snap.ReadStates = []storage.ReadState{}
	}
	return &snap, nil
}

// evictOldest 把 userID 除 keep 之外的连接压到 limit-1 个，被挤掉的连接以 4008 关闭
func evictOldest(s *gateway.Server, keep *gateway.Conn, userID string, limit int) {
	var conns []*gateway.Conn
	for _, c := range s.Registry().ConnectionsForUser(userID) {
		if c != keep {
			conns = append(conns, c)
		}
	}
	for len(conns) >= limit {
		oldest := 0
		for i, c := range conns {
			if c.CreatedAt().Before(conns[oldest].CreatedAt()) {
				oldest = i
			}
		}
		victim := conns[oldest]
		s.Log().Info("session replaced", zap.String("user", userID), zap.String("conn", victim.ID()))
		s.Evict(victim, gateway.CloseSessionReplaced, "session replaced")
		conns = append(conns[:oldest], conns[oldest+1:]...)
	}
}
