package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/gin-gonic/gin"
)

// 内部接口鉴权用到的请求头
const (
	HeaderInternalToken = "X-Internal-Token"
	CtxCallerKey        = "internalCaller" // string，调用方标识（可选）
	HeaderCaller        = "X-Caller"
)

type Options struct {
	Secret                    string // 为空时所有请求放行（开发环境）
	HeaderToken               string // 默认 X-Internal-Token
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions(secret string) *Options {
	return &Options{
		Secret:                    secret,
		HeaderToken:               HeaderInternalToken,
		EnableAuthorizationBearer: true,
	}
}

// TokenFrom 先读专用头，再兼容 Authorization: Bearer xxx
func TokenFrom(r *http.Request, opts *Options) string {
	token := strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	return token
}

// Middleware 校验内部调用方的共享密钥
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions("")
	}
	if opts.HeaderToken == "" {
		opts.HeaderToken = HeaderInternalToken
	}
	secret := []byte(opts.Secret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		token := TokenFrom(c.Request, opts)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthFailed)
			return
		}
		if caller := strings.TrimSpace(c.GetHeader(HeaderCaller)); caller != "" {
			c.Set(CtxCallerKey, caller)
		}
		c.Next()
	}
}
