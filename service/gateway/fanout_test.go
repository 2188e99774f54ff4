package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/CodesWhat/concord-sub001/service/bus"
	"go.uber.org/zap"
)

func newTestFanout(t *testing.T, b bus.Bus, workers int) (*Fanout, *Registry) {
	t.Helper()
	r := NewRegistry()
	f, err := NewFanout(r, b, "node-test", time.Second, workers, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Close)
	if err := b.Subscribe(context.Background(), f.HandleBusMessage); err != nil {
		t.Fatal(err)
	}
	return f, r
}

func TestNotifyUserScenario(t *testing.T) {
	f, r := newTestFanout(t, bus.NewLoopback(), 0)
	c1 := testConn("c1")
	r.Register(c1, "u1", nil)
	for i := 0; i < 5; i++ {
		c1.SendEvent("TYPING_START", nil)
	}
	drain(t, c1)

	if err := f.NotifyUser(context.Background(), "u1", EventMessageCreate, map[string]string{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, c1)
	if len(frames) != 1 {
		t.Fatalf("frames = %+v", frames)
	}
	got := frames[0]
	if got.Op != OpEvent || got.T != "MESSAGE_CREATE" || got.S != 6 || string(got.D) != `{"text":"hi"}` {
		t.Fatalf("frame = %+v d=%s", got, got.D)
	}
}

func TestMultiConnectionFanout(t *testing.T) {
	f, r := newTestFanout(t, bus.NewLoopback(), 0)
	tab1, tab2 := testConn("tab1"), testConn("tab2")
	r.Register(tab1, "A", []string{"s1"})
	r.Register(tab2, "A", []string{"s1"})
	tab1.SendEvent("E", nil) // tab1 已有一个事件

	_ = f.NotifyUser(context.Background(), "A", EventMessageCreate, nil)

	f1, f2 := drain(t, tab1), drain(t, tab2)
	if len(f1) != 2 || len(f2) != 1 {
		t.Fatalf("tab1=%d tab2=%d frames", len(f1), len(f2))
	}
	if f1[1].S != 2 || f2[0].S != 1 {
		t.Fatalf("sequences tab1=%d tab2=%d", f1[1].S, f2[0].S)
	}
}

func TestNotifyServerAndChannel(t *testing.T) {
	f, r := newTestFanout(t, bus.NewLoopback(), 0)
	in, out := testConn("in"), testConn("out")
	r.Register(in, "u1", []string{"s1"})
	r.Register(out, "u2", []string{"s2"})

	ctx := context.Background()
	_ = f.NotifyServer(ctx, "s1", EventMemberJoin, nil)
	_ = f.NotifyChannel(ctx, "ch1", "s1", EventMessageCreate, nil)

	if got := drain(t, in); len(got) != 2 || got[1].T != EventMessageCreate {
		t.Fatalf("in = %+v", got)
	}
	if got := drain(t, out); len(got) != 0 {
		t.Fatalf("out = %+v", got)
	}
}

func TestCrossProcessDelivery(t *testing.T) {
	hub := bus.NewMemoryHub()
	f1, _ := newTestFanout(t, hub.Join(), 0)
	_, r2 := newTestFanout(t, hub.Join(), 0)

	c := testConn("p2-conn")
	r2.Register(c, "u9", []string{"s1"})

	if err := f1.NotifyServer(context.Background(), "s1", EventMessageCreate, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, c)
	if len(frames) != 1 || frames[0].S != 1 || string(frames[0].D) != `{"n":1}` {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestLargeFanoutUsesPool(t *testing.T) {
	f, r := newTestFanout(t, bus.NewLoopback(), 4)
	conns := make([]*Conn, 0, 300)
	for i := 0; i < 300; i++ {
		c := testConn(fmt.Sprintf("c%d", i))
		r.Register(c, fmt.Sprintf("u%d", i), []string{"big"})
		conns = append(conns, c)
	}
	p := DispatchPayload{Event: "E", Data: json.RawMessage(`1`), TargetKind: TargetServer, TargetID: "big"}
	if n := f.Deliver(p); n != 300 {
		t.Fatalf("delivered %d", n)
	}
	if n := f.Deliver(p); n != 300 {
		t.Fatalf("delivered %d", n)
	}
	for _, c := range conns {
		frames := drain(t, c)
		if len(frames) != 2 || frames[0].S != 1 || frames[1].S != 2 {
			t.Fatalf("%s frames = %+v", c.ID(), frames)
		}
	}
}

func TestMalformedBusMessageDropped(t *testing.T) {
	f, r := newTestFanout(t, bus.NewLoopback(), 0)
	c := testConn("c1")
	r.Register(c, "u1", nil)

	for _, raw := range []string{`not json`, `{}`, `{"event":"E","target_kind":"galaxy","target_id":"u1"}`, `{"event":"E","target_kind":"channel","target_id":"c"}`} {
		f.HandleBusMessage(context.Background(), []byte(raw))
	}
	if got := drain(t, c); len(got) != 0 {
		t.Fatalf("malformed payload delivered: %+v", got)
	}
}

type failingBus struct{ bus.Bus }

func (failingBus) Publish(context.Context, []byte) error { return errors.New("broker down") }
func (failingBus) Name() string                           { return "failing" }

func TestPublishFailureDoesNotFailCaller(t *testing.T) {
	f, err := NewFanout(NewRegistry(), failingBus{}, "n", time.Second, 0, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.NotifyUser(context.Background(), "u1", "E", nil); err != nil {
		t.Fatalf("publish failure surfaced to caller: %v", err)
	}
}

func TestInvalidDataRejected(t *testing.T) {
	f, _ := newTestFanout(t, bus.NewLoopback(), 0)
	if err := f.NotifyUser(context.Background(), "u1", "E", json.RawMessage(`{bad`)); err == nil {
		t.Fatal("invalid json data should be rejected")
	}
	if err := f.NotifyServer(context.Background(), "", "E", nil); err == nil {
		t.Fatal("empty target should be rejected")
	}
}
