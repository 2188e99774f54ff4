package handlers

import (
	"context"

	"github.com/CodesWhat/concord-sub001/service/gateway"
)

type HeartbeatHandler struct{}

func NewHeartbeatHandler() *HeartbeatHandler { return &HeartbeatHandler{} }

func (h *HeartbeatHandler) Op() gateway.Opcode { return gateway.OpHeartbeat }

// Handle 刷新心跳时间并回 ACK，不校验 payload
func (h *HeartbeatHandler) Handle(_ context.Context, s *gateway.Server, c *gateway.Conn, _ *gateway.Frame) error {
	c.Touch(s.Now())
	c.Send(gateway.Frame{Op: gateway.OpHeartbeatAck})
	return nil
}
