package notify

import (
	"errors"
	"net/http"

	"github.com/CodesWhat/concord-sub001/middleware"
	midsec "github.com/CodesWhat/concord-sub001/middleware/security"
	"github.com/CodesWhat/concord-sub001/service/control"
	"github.com/CodesWhat/concord-sub001/service/gateway"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/gin-gonic/gin"
)

// Handler 内部服务通过 HTTP 向网关投递事件
type Handler struct {
	gw *gateway.Server
}

func New(gw *gateway.Server) *Handler {
	return &Handler{gw: gw}
}

// Mount 注册 /internal/notify/* 和 /internal/stats
func (h *Handler) Mount(r gin.IRouter, auth *midsec.Options) {
	g := r.Group("/internal")
	opt := middleware.RouteOpt{IsAuth: true, Auth: auth}
	middleware.POST(g, "/notify/user", h.notify(gateway.TargetUser), opt)
	middleware.POST(g, "/notify/server", h.notify(gateway.TargetServer), opt)
	middleware.POST(g, "/notify/channel", h.notify(gateway.TargetChannel), opt)
	middleware.GET(g, "/stats", h.Stats, opt)
}

func (h *Handler) notify(kind gateway.TargetKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req control.NotifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errs.ErrArgs.WithDetail(err.Error()))
			return
		}
		if err := control.Notify(c.Request.Context(), h.gw.Fanout(), kind, &req); err != nil {
			if errors.Is(err, control.ErrInvalidRequest) {
				c.AbortWithStatusJSON(http.StatusBadRequest, errs.ErrArgs.WithDetail(err.Error()))
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, errs.ErrInternal)
			return
		}
		c.JSON(http.StatusAccepted, control.NotifyReply{Accepted: true})
	}
}

func (h *Handler) Stats(c *gin.Context) {
	st := h.gw.Registry().Stats()
	c.JSON(http.StatusOK, control.StatsReply{
		NodeID:      h.gw.Options().NodeID,
		Bus:         h.gw.BusName(),
		Connections: st.Connections,
		Users:       st.Users,
		Servers:     st.Servers,
	})
}
