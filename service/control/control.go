package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const ServiceName = "concord.gateway.v1.GatewayControl"

// NotifyRequest 是内部服务投递事件的统一入参，HTTP notify 接口也复用它。
type NotifyRequest struct {
	Target   string          `json:"target"`
	ServerID string          `json:"server_id,omitempty"` // 仅 channel 目标需要
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

type NotifyReply struct {
	Accepted bool `json:"accepted"`
}

type StatsRequest struct{}

type StatsReply struct {
	NodeID      string `json:"node_id"`
	Bus         string `json:"bus"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Servers     int    `json:"servers"`
}

// ControlServer is implemented by Service.
type ControlServer interface {
	NotifyUser(context.Context, *NotifyRequest) (*NotifyReply, error)
	NotifyServer(context.Context, *NotifyRequest) (*NotifyReply, error)
	NotifyChannel(context.Context, *NotifyRequest) (*NotifyReply, error)
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
}

// ErrInvalidRequest 参数错误，gRPC 映射为 InvalidArgument，HTTP 映射为 400
var ErrInvalidRequest = errs.ErrArgs

// Notify 校验请求并交给 fanout。kind 取 gateway.TargetUser/Server/Channel。
func Notify(ctx context.Context, f *gateway.Fanout, kind gateway.TargetKind, req *NotifyRequest) error {
	if req == nil {
		return ErrInvalidRequest.WrapMsg("empty request")
	}
	req.Target = strings.TrimSpace(req.Target)
	req.Event = strings.TrimSpace(req.Event)
	if req.Target == "" || req.Event == "" {
		return ErrInvalidRequest.WrapMsg("target and event are required")
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	switch kind {
	case gateway.TargetUser:
		return f.NotifyUser(ctx, req.Target, req.Event, data)
	case gateway.TargetServer:
		return f.NotifyServer(ctx, req.Target, req.Event, data)
	case gateway.TargetChannel:
		if req.ServerID == "" {
			return ErrInvalidRequest.WrapMsg("server_id is required for channel targets")
		}
		return f.NotifyChannel(ctx, req.Target, req.ServerID, req.Event, data)
	default:
		return ErrInvalidRequest.WrapMsg("unknown target kind", "kind", kind)
	}
}

// Service exposes one gateway node over gRPC.
type Service struct {
	gw  *gateway.Server
	log *zap.Logger
}

var _ ControlServer = (*Service)(nil)

func NewService(gw *gateway.Server) *Service {
	return &Service{gw: gw, log: gw.Log().Named("control")}
}

func (s *Service) notify(ctx context.Context, kind gateway.TargetKind, req *NotifyRequest) (*NotifyReply, error) {
	if err := Notify(ctx, s.gw.Fanout(), kind, req); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &NotifyReply{Accepted: true}, nil
}

func (s *Service) NotifyUser(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return s.notify(ctx, gateway.TargetUser, req)
}

func (s *Service) NotifyServer(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return s.notify(ctx, gateway.TargetServer, req)
}

func (s *Service) NotifyChannel(ctx context.Context, req *NotifyRequest) (*NotifyReply, error) {
	return s.notify(ctx, gateway.TargetChannel, req)
}

func (s *Service) Stats(context.Context, *StatsRequest) (*StatsReply, error) {
	st := s.gw.Registry().Stats()
	return &StatsReply{
		NodeID:      s.gw.Options().NodeID,
		Bus:         s.gw.BusName(),
		Connections: st.Connections,
		Users:       st.Users,
		Servers:     st.Servers,
	}, nil
}

func unary[Req any](method string, call func(ControlServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc 手写的服务描述，消息体走 JSON codec
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("NotifyUser", func(s ControlServer, ctx context.Context, r *NotifyRequest) (any, error) { return s.NotifyUser(ctx, r) }),
		unary("NotifyServer", func(s ControlServer, ctx context.Context, r *NotifyRequest) (any, error) { return s.NotifyServer(ctx, r) }),
		unary("NotifyChannel", func(s ControlServer, ctx context.Context, r *NotifyRequest) (any, error) { return s.NotifyChannel(ctx, r) }),
		unary("Stats", func(s ControlServer, ctx context.Context, r *StatsRequest) (any, error) { return s.Stats(ctx, r) }),
	},
	Metadata: "concord/gateway/control",
}

// NewGRPCServer 注册控制面和健康检查
func NewGRPCServer(svc ControlServer, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(recoverInterceptor(log)))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(gs, hs)
	return gs, hs
}

func recoverInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("control panic", zap.String("method", info.FullMethod), zap.Error(errs.ErrPanic(r)))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		resp, err = handler(ctx, req)
		if err != nil {
			log.Debug("control call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}
