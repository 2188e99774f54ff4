package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/CodesWhat/concord-sub001/tools/errs"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// leaveScript 删除本节点字段并清理过期字段，返回仍存活的节点数。
var leaveScript = goredis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
local now = tonumber(ARGV[2])
local vals = redis.call('HGETALL', KEYS[1])
local live = 0
for i = 1, #vals, 2 do
  if tonumber(vals[i + 1]) > now then
    live = live + 1
  else
    redis.call('HDEL', KEYS[1], vals[i])
  end
end
if live == 0 then
  redis.call('DEL', KEYS[1])
end
return live
`)

// RedisPresence records which gateway nodes hold at least one connection
// for a user: hash presence:<user>, field <node>, value = expiry unix second.
// A node that dies without cleaning up stops refreshing, so its field is
// treated as gone once the expiry passes.
type RedisPresence struct {
	rdb    *goredis.Client
	nodeID string
	ttl    time.Duration
	now    func() time.Time
}

func New(rdb *goredis.Client, nodeID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPresence{rdb: rdb, nodeID: nodeID, ttl: ttl, now: time.Now}
}

// WithClock 替换时间源（测试用）
func (p *RedisPresence) WithClock(now func() time.Time) *RedisPresence {
	p.now = now
	return p
}

func key(userID string) string { return keyPrefix + userID }

func (p *RedisPresence) expiry() string {
	return strconv.FormatInt(p.now().Add(p.ttl).Unix(), 10)
}

// Online marks this node as holding the user.
func (p *RedisPresence) Online(ctx context.Context, userID string) error {
	k := key(userID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, k, p.nodeID, p.expiry())
		pipe.Expire(ctx, k, p.ttl)
		return nil
	})
	if err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

// Offline removes this node and reports whether no other live node holds
// the user.
func (p *RedisPresence) Offline(ctx context.Context, userID string) (bool, error) {
	live, err := leaveScript.Run(ctx, p.rdb, []string{key(userID)}, p.nodeID, p.now().Unix()).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return live == 0, nil
}

// Refresh extends this node's entries for every user it still holds.
func (p *RedisPresence) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	exp := p.expiry()
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, u := range userIDs {
			k := key(u)
			pipe.HSet(ctx, k, p.nodeID, exp)
			pipe.Expire(ctx, k, p.ttl)
		}
		return nil
	})
	if err != nil {
		return errs.WrapMsg(err, "presence refresh", "users", len(userIDs))
	}
	return nil
}

// Nodes lists the nodes whose entry for the user has not expired.
func (p *RedisPresence) Nodes(ctx context.Context, userID string) ([]string, error) {
	vals, err := p.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence nodes", "user", userID)
	}
	now := p.now().Unix()
	out := make([]string, 0, len(vals))
	for node, v := range vals {
		exp, err := strconv.ParseInt(v, 10, 64)
		if err == nil && exp > now {
			out = append(out, node)
		}
	}
	return out, nil
}
