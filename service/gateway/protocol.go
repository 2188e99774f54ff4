package gateway

import (
	"encoding/json"

	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/tools/errs"
)

type Opcode int

const (
	OpHello        Opcode = 0
	OpReady        Opcode = 1
	OpEvent        Opcode = 2
	OpHeartbeatAck Opcode = 3
	OpIdentify     Opcode = 4 // client -> server
	OpHeartbeat    Opcode = 5 // client -> server
	OpResume       Opcode = 6 // client -> server，保留未实现
)

// 关闭码
const (
	CloseShutdown         = 1001
	CloseHandshakeTimeout = 4003
	CloseAuthFailed       = 4004
	CloseSessionReplaced  = 4008
	CloseHeartbeatTimeout = 4009
)

// CloseError 返回关闭码对应的错误码，没有对应时为 nil
func CloseError(code int) error {
	switch code {
	case CloseHandshakeTimeout:
		return errs.ErrHandshakeTimeout
	case CloseAuthFailed:
		return errs.ErrAuthFailed
	case CloseHeartbeatTimeout:
		return errs.ErrHeartbeatTimeout
	}
	return nil
}

// Frame is the single wire shape. T and S are only set on EVENT frames.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	T  string          `json:"t,omitempty"`
	S  uint64          `json:"s,omitempty"`
}

// Event kinds. Producers may use others; the gateway never inspects them.
const (
	EventMessageCreate       = "MESSAGE_CREATE"
	EventMessageUpdate       = "MESSAGE_UPDATE"
	EventMessageDelete       = "MESSAGE_DELETE"
	EventTypingStart         = "TYPING_START"
	EventPresenceUpdate      = "PRESENCE_UPDATE"
	EventMemberJoin          = "MEMBER_JOIN"
	EventMemberLeave         = "MEMBER_LEAVE"
	EventMemberBan           = "MEMBER_BAN"
	EventMemberUnban         = "MEMBER_UNBAN"
	EventReactionAdd         = "REACTION_ADD"
	EventReactionRemove      = "REACTION_REMOVE"
	EventReadStateUpdate     = "READ_STATE_UPDATE"
	EventThreadCreate        = "THREAD_CREATE"
	EventThreadUpdate        = "THREAD_UPDATE"
	EventThreadMessageCreate = "THREAD_MESSAGE_CREATE"
	EventVoiceStateUpdate    = "VOICE_STATE_UPDATE"
	EventDMCreate            = "DM_CREATE"
)

type HelloPayload struct {
	HeartbeatInterval int64  `json:"heartbeat_interval"` // 毫秒
	NodeID            string `json:"node_id,omitempty"`
}

type IdentifyPayload struct {
	Token      string            `json:"token"`
	Properties map[string]string `json:"properties,omitempty"` // os / browser / device
}

type ReadyPayload struct {
	SessionID  string              `json:"session_id"`
	User       storage.Profile     `json:"user"`
	Servers    []storage.Server    `json:"servers"`
	Channels   []storage.Channel   `json:"channels"`
	ReadStates []storage.ReadState `json:"read_states"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type PresencePayload struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
}

// NewFrame marshals d into a non-event frame.
func NewFrame(op Opcode, d any) (Frame, error) {
	if d == nil {
		return Frame{Op: op}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, D: raw}, nil
}
