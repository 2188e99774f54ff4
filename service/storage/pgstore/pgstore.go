package pgstore

import (
	"context"
	"errors"

	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	qServersForUser = `
SELECT s.id, s.name, COALESCE(s.icon, '') AS icon, s.owner_id
FROM servers s
JOIN server_members m ON m.server_id = s.id
WHERE m.user_id = $1
ORDER BY s.id`

	qChannelsForServers = `
SELECT id, server_id, name, type, COALESCE(topic, '') AS topic, position
FROM channels
WHERE server_id = ANY($1)
ORDER BY server_id, position`

	qProfile = `
SELECT id, username, COALESCE(display_name, '') AS display_name,
       COALESCE(avatar, '') AS avatar, COALESCE(status, '') AS status
FROM users
WHERE id = $1`

	qReadStates = `
SELECT channel_id, COALESCE(last_message_id, '') AS last_message_id, mention_count
FROM read_states
WHERE user_id = $1`
)

// Store reads handshake data from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.DataStore = (*Store)(nil)

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.WrapMsg(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) ServersForUser(ctx context.Context, userID string) ([]storage.Server, error) {
	rows, err := s.pool.Query(ctx, qServersForUser, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "query servers", "user", userID)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[storage.Server])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan servers", "user", userID)
	}
	return out, nil
}

func (s *Store) ChannelsForServers(ctx context.Context, serverIDs []string) ([]storage.Channel, error) {
	if len(serverIDs) == 0 {
		return []storage.Channel{}, nil
	}
	rows, err := s.pool.Query(ctx, qChannelsForServers, serverIDs)
	if err != nil {
		return nil, errs.WrapMsg(err, "query channels")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[storage.Channel])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan channels")
	}
	return out, nil
}

func (s *Store) Profile(ctx context.Context, userID string) (*storage.Profile, error) {
	rows, err := s.pool.Query(ctx, qProfile, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "query profile", "user", userID)
	}
	p, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[storage.Profile])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "scan profile", "user", userID)
	}
	return &p, nil
}

func (s *Store) ReadStates(ctx context.Context, userID string) ([]storage.ReadState, error) {
	rows, err := s.pool.Query(ctx, qReadStates, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "query read states", "user", userID)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[storage.ReadState])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan read states", "user", userID)
	}
	return out, nil
}
