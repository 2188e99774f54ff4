package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CodesWhat/concord-sub001/service/bus"
	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/service/session"
	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/service/storage/memstore"
	"github.com/gorilla/websocket"
)

var tokens = map[string]string{"t1": "u1", "t2": "u2", "ghost": "nobody"}

func seedStore() *memstore.Store {
	s := memstore.New()
	s.Apply(memstore.Seed{
		Servers:  []storage.Server{{ID: "s1", Name: "one", OwnerID: "u1"}},
		Members:  map[string][]string{"u1": {"s1"}, "u2": {"s1"}},
		Channels: []storage.Channel{{ID: "c1", ServerID: "s1", Name: "general"}},
		Profiles: []storage.Profile{
			{ID: "u1", Username: "alice"},
			{ID: "u2", Username: "bob"},
		},
		ReadStates: map[string][]storage.ReadState{"u1": {{ChannelID: "c1", LastMessageID: "m1"}}},
	})
	return s
}

type harness struct {
	srv *gateway.Server
	url string
}

func newHarness(t *testing.T, opts gateway.Options, b bus.Bus) *harness {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = "gw-test"
	}
	srv, err := gateway.NewServer(opts, gateway.Deps{
		Bus:       b,
		Store:     seedStore(),
		Validator: session.Static(tokens),
	})
	if err != nil {
		t.Fatal(err)
	}
	Register(srv)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &harness{srv: srv, url: "ws" + strings.TrimPrefix(hs.URL, "http")}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	c := &client{t: t, ws: ws}
	if f := c.read(); f.Op != gateway.OpHello {
		t.Fatalf("first frame op = %d, want HELLO", f.Op)
	}
	return c
}

func (c *client) send(op gateway.Opcode, d any) {
	c.t.Helper()
	raw, _ := json.Marshal(d)
	if err := c.ws.WriteJSON(gateway.Frame{Op: op, D: raw}); err != nil {
		c.t.Fatal(err)
	}
}

func (c *client) identify(token string) gateway.ReadyPayload {
	c.t.Helper()
	c.send(gateway.OpIdentify, gateway.IdentifyPayload{Token: token})
	f := c.read()
	if f.Op != gateway.OpReady {
		c.t.Fatalf("op = %d, want READY", f.Op)
	}
	var ready gateway.ReadyPayload
	if err := json.Unmarshal(f.D, &ready); err != nil {
		c.t.Fatal(err)
	}
	return ready
}

func (c *client) readTimeout(d time.Duration) (gateway.Frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	var f gateway.Frame
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		c.t.Fatalf("server sent non-json frame: %q", raw)
	}
	return f, nil
}

func (c *client) read() gateway.Frame {
	c.t.Helper()
	f, err := c.readTimeout(2 * time.Second)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// readEvent 跳过非目标事件，直到读到 event 或超时
func (c *client) readEvent(event string) gateway.Frame {
	c.t.Helper()
	for {
		f := c.read()
		if f.Op == gateway.OpEvent && f.T == event {
			return f
		}
	}
}

func (c *client) expectClose(code int) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, err := c.readTimeout(time.Until(deadline))
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			if ce.Code != code {
				c.t.Fatalf("close code = %d, want %d", ce.Code, code)
			}
			return
		}
		c.t.Fatalf("read error %v, want close %d", err, code)
	}
	c.t.Fatalf("no close %d before deadline", code)
}

func (c *client) closeNormally() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func presenceOf(t *testing.T, f gateway.Frame) gateway.PresencePayload {
	t.Helper()
	var p gateway.PresencePayload
	if err := json.Unmarshal(f.D, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHelloAdvertisesInterval(t *testing.T) {
	h := newHarness(t, gateway.Options{HeartbeatInterval: 30 * time.Second}, nil)
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	var f gateway.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	var hello gateway.HelloPayload
	_ = json.Unmarshal(f.D, &hello)
	if f.Op != gateway.OpHello || hello.HeartbeatInterval != 30000 {
		t.Fatalf("hello = %+v %+v", f, hello)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, gateway.Options{HandshakeTimeout: 100 * time.Millisecond}, nil)
	c := h.dial(t)
	c.expectClose(gateway.CloseHandshakeTimeout)
}

func TestAuthFailed(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.send(gateway.OpIdentify, gateway.IdentifyPayload{Token: "wrong"})
	c.expectClose(gateway.CloseAuthFailed)
}

func TestMissingProfileIsAuthFailure(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.send(gateway.OpIdentify, gateway.IdentifyPayload{Token: "ghost"})
	c.expectClose(gateway.CloseAuthFailed)
	if h.srv.Registry().HasLiveConnection("nobody") {
		t.Fatal("unauthenticated user registered")
	}
}

func TestReadySnapshot(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	ready := c.identify("t1")

	if ready.User.Username != "alice" || ready.SessionID == "" {
		t.Fatalf("user = %+v session=%q", ready.User, ready.SessionID)
	}
	if len(ready.Servers) != 1 || ready.Servers[0].ID != "s1" {
		t.Fatalf("servers = %+v", ready.Servers)
	}
	if len(ready.Channels) != 1 || len(ready.ReadStates) != 1 {
		t.Fatalf("channels=%+v read_states=%+v", ready.Channels, ready.ReadStates)
	}
	if users := h.srv.Registry().InterestedUsers("s1"); len(users) != 1 || users[0] != "u1" {
		t.Fatalf("interest set = %v", users)
	}
}

func TestCookieCredential(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	hdr := map[string][]string{"Cookie": {"token=t2"}}
	ws, _, err := websocket.DefaultDialer.Dial(h.url, hdr)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	c := &client{t: t, ws: ws}
	c.read() // HELLO
	if ready := c.identify(""); ready.User.ID != "u2" {
		t.Fatalf("ready user = %+v", ready.User)
	}
}

func TestDuplicateIdentifyIgnored(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.identify("t1")
	c.readEvent(gateway.EventPresenceUpdate)

	c.send(gateway.OpIdentify, gateway.IdentifyPayload{Token: "t1"})
	c.send(gateway.OpHeartbeat, nil)
	if f := c.read(); f.Op != gateway.OpHeartbeatAck {
		t.Fatalf("op = %d, second IDENTIFY must be ignored", f.Op)
	}
	if st := h.srv.Registry().Stats(); st.Connections != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPreIdentifyFramesIgnored(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.send(gateway.OpEvent, map[string]string{"x": "y"})
	c.send(gateway.Opcode(99), nil)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	c.send(gateway.OpHeartbeat, nil)
	if f := c.read(); f.Op != gateway.OpHeartbeatAck {
		t.Fatalf("op = %d, want HEARTBEAT_ACK", f.Op)
	}
	c.identify("t1")
}

func TestEventFrameShape(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.identify("t1")
	first := c.readEvent(gateway.EventPresenceUpdate)

	err := h.srv.Fanout().NotifyUser(context.Background(), "u1", gateway.EventMessageCreate, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]json.RawMessage
	_ = json.Unmarshal(raw, &wire)
	if string(wire["op"]) != "2" || string(wire["t"]) != `"MESSAGE_CREATE"` || string(wire["d"]) != `{"text":"hi"}` {
		t.Fatalf("wire frame = %s", raw)
	}
	var s uint64
	_ = json.Unmarshal(wire["s"], &s)
	if s != first.S+1 {
		t.Fatalf("s = %d, want %d", s, first.S+1)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	h := newHarness(t, gateway.Options{
		HeartbeatInterval: 100 * time.Millisecond,
		SweepEvery:        25 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
	}, nil)
	c := h.dial(t)
	c.identify("t1")
	c.expectClose(gateway.CloseHeartbeatTimeout)
	waitUntil(t, func() bool { return !h.srv.Registry().HasLiveConnection("u1") })
	if users := h.srv.Registry().InterestedUsers("s1"); len(users) != 0 {
		t.Fatalf("interest set = %v", users)
	}
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	h := newHarness(t, gateway.Options{
		HeartbeatInterval: 100 * time.Millisecond,
		SweepEvery:        25 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
	}, nil)
	c := h.dial(t)
	c.identify("t1")
	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		c.send(gateway.OpHeartbeat, nil)
	}
	if !h.srv.Registry().HasLiveConnection("u1") {
		t.Fatal("heartbeating connection was evicted")
	}
}

func TestOfflineOnLastConnection(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	observer := h.dial(t)
	observer.identify("t2")
	observer.readEvent(gateway.EventPresenceUpdate) // 自己上线

	tab1 := h.dial(t)
	tab1.identify("t1")
	tab2 := h.dial(t)
	tab2.identify("t1")
	for i := 0; i < 2; i++ {
		if p := presenceOf(t, observer.readEvent(gateway.EventPresenceUpdate)); p.UserID != "u1" || p.Status != gateway.StatusOnline {
			t.Fatalf("presence = %+v", p)
		}
	}

	tab1.closeNormally()
	waitUntil(t, func() bool { return len(h.srv.Registry().ConnectionsForUser("u1")) == 1 })
	if users := h.srv.Registry().InterestedUsers("s1"); len(users) != 2 {
		t.Fatalf("u1 left interest set early: %v", users)
	}

	tab2.closeNormally()
	p := presenceOf(t, observer.readEvent(gateway.EventPresenceUpdate))
	if p.UserID != "u1" || p.Status != gateway.StatusOffline || p.ServerID != "s1" {
		t.Fatalf("presence = %+v", p)
	}
	// 只广播一次
	if f, err := observer.readTimeout(200 * time.Millisecond); err == nil && f.T == gateway.EventPresenceUpdate {
		t.Fatalf("extra presence frame %+v", f)
	}
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	h := newHarness(t, gateway.Options{MaxPerUser: 1}, nil)
	observer := h.dial(t)
	observer.identify("t2")
	observer.readEvent(gateway.EventPresenceUpdate)

	old := h.dial(t)
	old.identify("t1")
	if p := presenceOf(t, observer.readEvent(gateway.EventPresenceUpdate)); p.UserID != "u1" || p.Status != gateway.StatusOnline {
		t.Fatalf("presence = %+v", p)
	}
	time.Sleep(5 * time.Millisecond)
	fresh := h.dial(t)
	fresh.identify("t1")

	old.expectClose(gateway.CloseSessionReplaced)
	if conns := h.srv.Registry().ConnectionsForUser("u1"); len(conns) != 1 {
		t.Fatalf("u1 has %d connections", len(conns))
	}

	// 替换期间 u1 从未离线
	var seen []gateway.PresencePayload
	for {
		f, err := observer.readTimeout(300 * time.Millisecond)
		if err != nil {
			break
		}
		if f.Op == gateway.OpEvent && f.T == gateway.EventPresenceUpdate {
			seen = append(seen, presenceOf(t, f))
		}
	}
	for _, p := range seen {
		if p.UserID == "u1" && p.Status == gateway.StatusOffline {
			t.Fatalf("u1 reported offline during replacement: %+v", seen)
		}
	}
	if len(seen) != 1 || seen[0].Status != gateway.StatusOnline {
		t.Fatalf("presence after replacement = %+v", seen)
	}
}

func TestShutdownClosesWith1001(t *testing.T) {
	h := newHarness(t, gateway.Options{}, nil)
	c := h.dial(t)
	c.identify("t1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	c.expectClose(gateway.CloseShutdown)
}

func TestCrossProcessEndToEnd(t *testing.T) {
	hub := bus.NewMemoryHub()
	p1 := newHarness(t, gateway.Options{NodeID: "gw-1"}, hub.Join())
	p2 := newHarness(t, gateway.Options{NodeID: "gw-2"}, hub.Join())

	c := p2.dial(t)
	c.identify("t1")
	c.readEvent(gateway.EventPresenceUpdate)

	if err := p1.srv.Fanout().NotifyServer(context.Background(), "s1", gateway.EventMessageCreate, map[string]string{"id": "m2"}); err != nil {
		t.Fatal(err)
	}
	f := c.readEvent(gateway.EventMessageCreate)
	if string(f.D) != `{"id":"m2"}` {
		t.Fatalf("d = %s", f.D)
	}
	if p1.srv.Registry().HasLiveConnection("u1") {
		t.Fatal("process 1 must not hold u1")
	}
}
