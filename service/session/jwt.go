package session

import (
	"context"

	"github.com/CodesWhat/concord-sub001/logger"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/CodesWhat/concord-sub001/tools/security"
	"go.uber.org/zap"
)

// RevocationChecker reports whether a token (by hash) still belongs to a
// valid server-side session.
type RevocationChecker interface {
	Valid(ctx context.Context, tokenHash string) (bool, error)
}

type JWTValidator struct {
	opts    security.Options
	checker RevocationChecker
}

// NewJWT builds a validator; checker may be nil to trust the signature alone.
func NewJWT(opts security.Options, checker RevocationChecker) *JWTValidator {
	return &JWTValidator{opts: opts, checker: checker}
}

func (v *JWTValidator) Validate(ctx context.Context, creds Credentials) (*Identity, error) {
	token := creds.Pick()
	if token == "" {
		return nil, errs.ErrAuthFailed.WrapMsg("missing credential")
	}
	claims, err := security.Verify(v.opts, token, "")
	if err != nil {
		return nil, errs.ErrAuthFailed.WrapMsg(err.Error())
	}
	if v.checker != nil {
		ok, err := v.checker.Valid(ctx, security.HashToken(token))
		if err != nil {
			// 会话库不可用时拒绝，宁可让客户端重连
			logger.Warn("[session] revocation check failed", zap.String("user", claims.Subject), zap.Error(err))
			return nil, errs.ErrAuthFailed.WrapMsg("session check unavailable")
		}
		if !ok {
			return nil, errs.ErrAuthFailed.WrapMsg("session revoked", "user", claims.Subject)
		}
	}
	return &Identity{UserID: claims.Subject, Name: claims.Name, Avatar: claims.Avatar}, nil
}
