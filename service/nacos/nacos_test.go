package nacos

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

func TestServerConfigs(t *testing.T) {
	got, err := serverConfigs([]string{"10.0.0.1:8848, nacos.local", "10.0.0.2:9848"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d servers", len(got))
	}
	if got[1].IpAddr != "nacos.local" || got[1].Port != 8848 {
		t.Fatalf("default port not applied: %+v", got[1])
	}
	if got[2].Port != 9848 {
		t.Fatalf("port = %d", got[2].Port)
	}

	if _, err := serverConfigs(nil); err == nil {
		t.Fatal("empty address list accepted")
	}
	if _, err := serverConfigs([]string{"h:notaport"}); err == nil {
		t.Fatal("bad port accepted")
	}
}

func TestMetadata(t *testing.T) {
	md := Metadata("gw-1", "redis", "")
	if md["node_id"] != "gw-1" || md["bus"] != "redis" {
		t.Fatalf("metadata = %v", md)
	}
	if _, ok := md["grpc"]; ok {
		t.Fatal("grpc key set without an address")
	}
}

// 需要真实的 nacos：NACOS_ADDR=127.0.0.1:8848
func TestRegisterRoundTrip(t *testing.T) {
	addr := os.Getenv("NACOS_ADDR")
	if addr == "" {
		t.Skip("NACOS_ADDR not set")
	}
	cfg := Config{Addrs: []string{addr}, CacheDir: t.TempDir(), LogDir: t.TempDir()}
	naming, err := NewNamingClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer naming.CloseClient()

	reg := NewRegistrar(naming, Instance{
		Service:  "concord-gateway-test",
		IP:       "127.0.0.1",
		Port:     18080,
		Metadata: Metadata("gw-test", "memory", ""),
	}, zap.NewNop())
	if err := reg.Register(); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		peers, err := reg.Peers()
		if err == nil {
			for _, p := range peers {
				if p.Metadata["node_id"] == "gw-test" {
					return
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("registered instance never listed")
}

func TestWatchConfig(t *testing.T) {
	addr := os.Getenv("NACOS_ADDR")
	if addr == "" {
		t.Skip("NACOS_ADDR not set")
	}
	cli, err := NewConfigClient(Config{Addrs: []string{addr}, CacheDir: t.TempDir(), LogDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.CloseClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 4)
	if _, err := cli.PublishConfig(vo.ConfigParam{DataId: "concord-test-origins", Group: DefaultGroup, Content: "a.example"}); err != nil {
		t.Fatal(err)
	}
	if err := Watch(ctx, cli, "concord-test-origins", "", func(s string) { got <- s }); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != "a.example" {
			t.Fatalf("initial content %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial content")
	}
}
