package control

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/CodesWhat/concord-sub001/service/bus"
	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/service/session"
	"github.com/CodesWhat/concord-sub001/service/storage/memstore"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type published struct {
	mu   sync.Mutex
	msgs []gateway.DispatchPayload
}

func (p *published) handle(_ context.Context, data []byte) {
	var d gateway.DispatchPayload
	if err := json.Unmarshal(data, &d); err != nil {
		return
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, d)
	p.mu.Unlock()
}

func (p *published) snapshot() []gateway.DispatchPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.DispatchPayload(nil), p.msgs...)
}

func setup(t *testing.T) (*Client, *published) {
	t.Helper()
	hub := bus.NewMemoryHub()
	gw, err := gateway.NewServer(gateway.Options{NodeID: "gw-ctl"}, gateway.Deps{
		Bus:       hub.Join(),
		Store:     memstore.New(),
		Validator: session.Static(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := &published{}
	observer := hub.Join()
	if err := observer.Subscribe(context.Background(), seen.handle); err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(NewService(gw), zap.NewNop())
	go func() { _ = gs.Serve(lis) }()

	cli, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
		gs.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		_ = observer.Close()
	})
	return cli, seen
}

func TestNotifyPublishes(t *testing.T) {
	cli, seen := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := cli.NotifyUser(ctx, &NotifyRequest{Target: "u1", Event: gateway.EventDMCreate, Data: json.RawMessage(`{"id":"d1"}`)}); err != nil {
		t.Fatal(err)
	}
	rep, err := cli.NotifyChannel(ctx, &NotifyRequest{Target: "c1", ServerID: "s1", Event: gateway.EventMessageCreate, Data: json.RawMessage(`{"id":"m1"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Accepted {
		t.Fatal("reply not accepted")
	}

	msgs := seen.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages", len(msgs))
	}
	if msgs[0].TargetKind != gateway.TargetUser || msgs[0].TargetID != "u1" || string(msgs[0].Data) != `{"id":"d1"}` {
		t.Fatalf("user payload = %+v", msgs[0])
	}
	if msgs[1].TargetKind != gateway.TargetChannel || msgs[1].ServerID != "s1" || msgs[1].Origin != "gw-ctl" {
		t.Fatalf("channel payload = %+v", msgs[1])
	}
}

func TestNotifyInvalidArgument(t *testing.T) {
	cli, seen := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cases := []struct {
		name string
		call func() error
	}{
		{"missing target", func() error {
			_, err := cli.NotifyServer(ctx, &NotifyRequest{Event: gateway.EventMemberJoin})
			return err
		}},
		{"missing event", func() error {
			_, err := cli.NotifyUser(ctx, &NotifyRequest{Target: "u1"})
			return err
		}},
		{"channel without server", func() error {
			_, err := cli.NotifyChannel(ctx, &NotifyRequest{Target: "c1", Event: gateway.EventTypingStart})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := status.Code(tc.call()); code != codes.InvalidArgument {
				t.Fatalf("code = %v, want InvalidArgument", code)
			}
		})
	}
	if n := len(seen.snapshot()); n != 0 {
		t.Fatalf("rejected requests published %d messages", n)
	}
}

func TestStatsAndHealth(t *testing.T) {
	cli, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := cli.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.NodeID != "gw-ctl" || st.Bus != "memory" || st.Connections != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if !cli.Healthy(ctx) {
		t.Fatal("health check not serving")
	}
}
