package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor sweeps the registry on a fixed period and evicts connections
// whose last heartbeat is older than the timeout. One ticker per process,
// no per-connection timers.
type Monitor struct {
	reg     *Registry
	timeout time.Duration
	every   time.Duration
	now     func() time.Time
	evict   func(c *Conn, code int, reason string)
	onSweep func(ctx context.Context)
	log     *zap.Logger
}

func NewMonitor(reg *Registry, every, timeout time.Duration, log *zap.Logger) *Monitor {
	m := &Monitor{
		reg:     reg,
		timeout: timeout,
		every:   every,
		now:     time.Now,
		log:     log,
	}
	m.evict = func(c *Conn, code int, reason string) {
		c.Close(code, reason)
		reg.Unregister(c)
	}
	return m
}

// SweepOnce evicts every connection silent for longer than the timeout at
// now and returns them.
func (m *Monitor) SweepOnce(now time.Time) []*Conn {
	var expired []*Conn
	for _, c := range m.reg.All() {
		if now.Sub(c.LastHeartbeat()) > m.timeout {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		m.log.Info("evicting connection",
			zap.Error(CloseError(CloseHeartbeatTimeout)),
			zap.String("conn", c.ID()),
			zap.String("user", c.UserID()),
			zap.Time("last_heartbeat", c.LastHeartbeat()))
		m.evict(c, CloseHeartbeatTimeout, "heartbeat timeout")
	}
	return expired
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepOnce(m.now())
			if m.onSweep != nil {
				m.onSweep(ctx)
			}
		}
	}
}
