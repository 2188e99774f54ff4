// Package session maps a client credential to a user identity.
package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/CodesWhat/concord-sub001/tools/errs"
)

const CookieName = "token"

// Credentials 客户端可能携带凭证的几个位置，按 Token > Bearer > Cookie 取第一个非空值。
type Credentials struct {
	Token  string // IDENTIFY d.token
	Bearer string // Authorization: Bearer xxx
	Cookie string // token cookie
}

// FromRequest captures the transport-level credentials at upgrade time.
func FromRequest(r *http.Request) Credentials {
	var c Credentials
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.Bearer = strings.TrimSpace(authz[len("bearer "):])
		}
	}
	if ck, err := r.Cookie(CookieName); err == nil {
		c.Cookie = ck.Value
	}
	return c
}

func (c Credentials) Pick() string {
	switch {
	case c.Token != "":
		return c.Token
	case c.Bearer != "":
		return c.Bearer
	default:
		return c.Cookie
	}
}

type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Validator returns errs.ErrAuthFailed (possibly wrapped) for any credential
// that does not map to a user.
type Validator interface {
	Validate(ctx context.Context, creds Credentials) (*Identity, error)
}

type ValidatorFunc func(ctx context.Context, creds Credentials) (*Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, creds Credentials) (*Identity, error) {
	return f(ctx, creds)
}

// Static accepts token -> user id pairs; used by tests and local runs.
func Static(tokens map[string]string) Validator {
	return ValidatorFunc(func(_ context.Context, creds Credentials) (*Identity, error) {
		uid, ok := tokens[creds.Pick()]
		if !ok || creds.Pick() == "" {
			return nil, errs.ErrAuthFailed.WrapMsg("unknown token")
		}
		return &Identity{UserID: uid}, nil
	})
}
