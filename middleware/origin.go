package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// CheckOrigin 返回 websocket 升级用的 Origin 校验。
// allowed 为空时放行所有来源；支持 "*" 和 "*.example.com" 形式。
// 没有 Origin 头的请求（非浏览器客户端）总是放行。
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	patterns := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			patterns = append(patterns, a)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		host := strings.ToLower(u.Hostname())
		full := strings.ToLower(u.Scheme + "://" + u.Host)
		for _, p := range patterns {
			switch {
			case p == "*":
				return true
			case strings.HasPrefix(p, "*."):
				if strings.HasSuffix(host, p[1:]) {
					return true
				}
			case strings.Contains(p, "://"):
				if p == full {
					return true
				}
			case p == host || p == strings.ToLower(u.Host):
				return true
			}
		}
		return false
	}
}

// OriginPolicy 支持运行期替换允许列表（配置中心推送）
type OriginPolicy struct {
	check atomic.Pointer[func(*http.Request) bool]
}

func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{}
	p.Set(allowed)
	return p
}

func (p *OriginPolicy) Set(allowed []string) {
	f := CheckOrigin(allowed)
	p.check.Store(&f)
}

func (p *OriginPolicy) Check(r *http.Request) bool {
	return (*p.check.Load())(r)
}
