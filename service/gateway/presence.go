package gateway

import "context"

// Presence decides whether a user whose last local connection closed is
// offline everywhere. The Redis implementation lives in
// service/storage/presence.
type Presence interface {
	Online(ctx context.Context, userID string) error
	// Offline reports true when no other node holds the user.
	Offline(ctx context.Context, userID string) (bool, error)
	Refresh(ctx context.Context, userIDs []string) error
}

// LocalPresence trusts the local registry alone.
type LocalPresence struct{}

func (LocalPresence) Online(context.Context, string) error          { return nil }
func (LocalPresence) Offline(context.Context, string) (bool, error) { return true, nil }
func (LocalPresence) Refresh(context.Context, []string) error       { return nil }
