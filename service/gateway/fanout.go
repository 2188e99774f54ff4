package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CodesWhat/concord-sub001/service/bus"
	"github.com/CodesWhat/concord-sub001/service/metrics"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetServer  TargetKind = "server"
	TargetChannel TargetKind = "channel"
)

// DispatchPayload is what crosses the bus. Data is never inspected.
type DispatchPayload struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	TargetKind TargetKind      `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	ServerID   string          `json:"server_id,omitempty"` // channel 目标所属 server
	Origin     string          `json:"origin,omitempty"`
}

func (p DispatchPayload) valid() bool {
	if p.Event == "" || p.TargetID == "" {
		return false
	}
	switch p.TargetKind {
	case TargetUser, TargetServer:
		return true
	case TargetChannel:
		return p.ServerID != ""
	}
	return false
}

// 超过该数量的目标连接交给协程池并发投递
const inlineDeliverMax = 64

// Fanout publishes every notification on the bus and delivers whatever the
// bus hands back to locally registered connections.
type Fanout struct {
	reg            *Registry
	bus            bus.Bus
	nodeID         string
	publishTimeout time.Duration
	pool           *ants.Pool
	metrics        *metrics.Metrics
	log            *zap.Logger
}

func NewFanout(reg *Registry, b bus.Bus, nodeID string, publishTimeout time.Duration, workers int, m *metrics.Metrics, log *zap.Logger) (*Fanout, error) {
	f := &Fanout{
		reg:            reg,
		bus:            b,
		nodeID:         nodeID,
		publishTimeout: publishTimeout,
		metrics:        m,
		log:            log,
	}
	if workers > 0 {
		pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
			log.Error("fanout worker panic", zap.Error(errs.ErrPanic(r)))
		}))
		if err != nil {
			return nil, errs.WrapMsg(err, "fanout pool")
		}
		f.pool = pool
	}
	return f, nil
}

func (f *Fanout) NotifyUser(ctx context.Context, userID, event string, data any) error {
	return f.dispatch(ctx, DispatchPayload{Event: event, TargetKind: TargetUser, TargetID: userID}, data)
}

func (f *Fanout) NotifyServer(ctx context.Context, serverID, event string, data any) error {
	return f.dispatch(ctx, DispatchPayload{Event: event, TargetKind: TargetServer, TargetID: serverID}, data)
}

func (f *Fanout) NotifyChannel(ctx context.Context, channelID, serverID, event string, data any) error {
	return f.dispatch(ctx, DispatchPayload{Event: event, TargetKind: TargetChannel, TargetID: channelID, ServerID: serverID}, data)
}

// dispatch only returns an error for a payload that cannot be encoded or
// addressed. Bus failures are logged and counted.
func (f *Fanout) dispatch(ctx context.Context, p DispatchPayload, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return errs.ErrArgs.WrapMsg("encode event data", "event", p.Event, "err", err)
	}
	p.Data = raw
	p.Origin = f.nodeID
	if !p.valid() {
		return errs.ErrArgs.WrapMsg("invalid dispatch target", "kind", p.TargetKind, "target", p.TargetID)
	}
	msg, err := json.Marshal(p)
	if err != nil {
		return errs.ErrArgs.WrapMsg("encode dispatch payload", "err", err)
	}

	pctx, cancel := context.WithTimeout(ctx, f.publishTimeout)
	defer cancel()
	err = f.bus.Publish(pctx, msg)
	f.metrics.Published(err)
	if err != nil {
		f.log.Warn("bus publish failed",
			zap.String("bus", f.bus.Name()),
			zap.String("event", p.Event),
			zap.String("target_kind", string(p.TargetKind)),
			zap.String("target", p.TargetID),
			zap.Error(err))
	}
	return nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errs.New("data is not valid json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errs.New("data is not valid json")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// HandleBusMessage is the bus subscriber. Undecodable messages are dropped.
func (f *Fanout) HandleBusMessage(_ context.Context, data []byte) {
	var p DispatchPayload
	if err := json.Unmarshal(data, &p); err != nil || !p.valid() {
		f.metrics.Malformed()
		f.log.Debug("drop malformed bus message", zap.Int("len", len(data)), zap.Error(err))
		return
	}
	f.Deliver(p)
}

// Deliver resolves p against the local registry and queues one EVENT frame
// per connection. It returns once every frame is queued or dropped, so
// consecutive payloads reach a given connection in bus order.
func (f *Fanout) Deliver(p DispatchPayload) int {
	var conns []*Conn
	switch p.TargetKind {
	case TargetUser:
		conns = f.reg.ConnectionsForUser(p.TargetID)
	case TargetServer:
		conns = f.reg.ConnectionsForServer(p.TargetID)
	case TargetChannel:
		conns = f.reg.ConnectionsForChannel(p.TargetID, p.ServerID)
	}
	if len(conns) == 0 {
		return 0
	}

	if f.pool == nil || len(conns) <= inlineDeliverMax {
		return f.sendAll(conns, p)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for start := 0; start < len(conns); start += inlineDeliverMax {
		end := start + inlineDeliverMax
		if end > len(conns) {
			end = len(conns)
		}
		chunk := conns[start:end]
		wg.Add(1)
		err := f.pool.Submit(func() {
			defer wg.Done()
			n := f.sendAll(chunk, p)
			mu.Lock()
			delivered += n
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			n := f.sendAll(chunk, p)
			mu.Lock()
			delivered += n
			mu.Unlock()
		}
	}
	wg.Wait()
	return delivered
}

func (f *Fanout) sendAll(conns []*Conn, p DispatchPayload) int {
	n := 0
	for _, c := range conns {
		if c.SendEvent(p.Event, p.Data) {
			n++
			f.metrics.Delivered(p.Event)
		} else {
			f.metrics.Dropped(p.Event)
		}
	}
	return n
}

func (f *Fanout) Close() {
	if f.pool != nil {
		f.pool.Release()
	}
}
