package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls GatewayControl on one gateway node.
type Client struct {
	cc     *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// Dial 创建客户端（惰性连接，首次调用时建立）
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, health: grpc_health_v1.NewHealthClient(cc)}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func call[T any](ctx context.Context, c *Client, method string, in any) (*T, error) {
	out := new(T)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NotifyUser(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return call[NotifyReply](ctx, c, "NotifyUser", req)
}

func (c *Client) NotifyServer(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return call[NotifyReply](ctx, c, "NotifyServer", req)
}

func (c *Client) NotifyChannel(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return call[NotifyReply](ctx, c, "NotifyChannel", req)
}

func (c *Client) Stats(ctx context.Context) (*StatsReply, error) {
	return call[StatsReply](ctx, c, "Stats", &StatsRequest{})
}

// Healthy 用标准健康检查探测控制面
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	return err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (c *Client) Close() error { return c.cc.Close() }
