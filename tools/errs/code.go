package errs

// 通用错误码
const (
	ServerInternalError = 500
	ArgsError           = 1001

	AuthFailedError       = 2001
	HandshakeTimeoutError = 2002
	HeartbeatTimeoutError = 2003

	BusUnavailableError = 3001
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs     = NewCodeError(ArgsError, "ArgsError")

	ErrAuthFailed       = NewCodeError(AuthFailedError, "AuthFailed")
	ErrHandshakeTimeout = NewCodeError(HandshakeTimeoutError, "HandshakeTimeout")
	ErrHeartbeatTimeout = NewCodeError(HeartbeatTimeoutError, "HeartbeatTimeout")

	ErrBusUnavailable = NewCodeError(BusUnavailableError, "BusUnavailable")
)
