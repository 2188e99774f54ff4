// Package storage defines the read-only data access the gateway needs at
// handshake time. Every lookup returns an empty result, not an error, when
// nothing matches.
package storage

import "context"

type Server struct {
	ID      string `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Icon    string `db:"icon" json:"icon,omitempty"`
	OwnerID string `db:"owner_id" json:"owner_id"`
}

type Channel struct {
	ID       string `db:"id" json:"id"`
	ServerID string `db:"server_id" json:"server_id"`
	Name     string `db:"name" json:"name"`
	Type     int    `db:"type" json:"type"`
	Topic    string `db:"topic" json:"topic,omitempty"`
	Position int    `db:"position" json:"position"`
}

type Profile struct {
	ID          string `db:"id" json:"id"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name,omitempty"`
	Avatar      string `db:"avatar" json:"avatar,omitempty"`
	Status      string `db:"status" json:"status,omitempty"`
}

type ReadState struct {
	ChannelID     string `db:"channel_id" json:"channel_id"`
	LastMessageID string `db:"last_message_id" json:"last_message_id,omitempty"`
	MentionCount  int    `db:"mention_count" json:"mention_count"`
}

// DataStore 握手时加载快照所需的只读查询
type DataStore interface {
	ServersForUser(ctx context.Context, userID string) ([]Server, error)
	ChannelsForServers(ctx context.Context, serverIDs []string) ([]Channel, error)
	// Profile returns (nil, nil) when the user has no profile row.
	Profile(ctx context.Context, userID string) (*Profile, error)
	ReadStates(ctx context.Context, userID string) ([]ReadState, error)
}
