package gateway

import (
	"sort"
	"sync"
	"time"
)

// ConnectionState is the session metadata of an identified connection.
// ServerIDs is captured at handshake and not updated afterwards.
type ConnectionState struct {
	UserID       string
	ServerIDs    []string
	RegisteredAt time.Time
}

// Removed is what Unregister hands back to the close path.
type Removed struct {
	State ConnectionState
	// LastConnection is true when the user has no other live connection on
	// this node.
	LastConnection bool
}

type entry struct {
	conn  *Conn
	state ConnectionState
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Servers     int `json:"servers"`
}

// Registry indexes identified connections by id, user and server. A single
// RWMutex guards all three maps so every public call sees them consistent.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]*entry           // conn id -> entry
	byUser   map[string]map[string]*Conn // user -> conn id -> conn
	byServer map[string]map[string]int   // server -> user -> 引用该 server 的连接数
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:   make(map[string]*entry),
		byUser:   make(map[string]map[string]*Conn),
		byServer: make(map[string]map[string]int),
		now:      time.Now,
	}
}

// Register records c as identified for userID. Registering the same
// connection again replaces its previous state.
func (r *Registry) Register(c *Conn, userID string, serverIDs []string) {
	state := ConnectionState{
		UserID:       userID,
		ServerIDs:    dedupe(serverIDs),
		RegisteredAt: r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[c.id]; ok {
		r.removeLocked(c.id)
	}
	r.byConn[c.id] = &entry{conn: c, state: state}

	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]*Conn)
		r.byUser[userID] = m
	}
	m[c.id] = c

	for _, sid := range state.ServerIDs {
		users := r.byServer[sid]
		if users == nil {
			users = make(map[string]int)
			r.byServer[sid] = users
		}
		users[userID]++
	}
}

// Unregister removes c. The second return is false when c was not
// registered, which is expected when close paths race.
func (r *Registry) Unregister(c *Conn) (Removed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c.id)
}

func (r *Registry) removeLocked(connID string) (Removed, bool) {
	e, ok := r.byConn[connID]
	if !ok {
		return Removed{}, false
	}
	delete(r.byConn, connID)

	uid := e.state.UserID
	last := true
	if m := r.byUser[uid]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, uid)
		} else {
			last = false
		}
	}

	for _, sid := range e.state.ServerIDs {
		users := r.byServer[sid]
		if users == nil {
			continue
		}
		if users[uid] <= 1 {
			delete(users, uid)
		} else {
			users[uid]--
		}
		if len(users) == 0 {
			delete(r.byServer, sid)
		}
	}
	return Removed{State: e.state, LastConnection: last}, true
}

func (r *Registry) ConnectionsForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionsForServer(serverID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.byServer[serverID]
	if len(users) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(users))
	for uid := range users {
		for _, c := range r.byUser[uid] {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsForChannel resolves to the owning server's interest set;
// channelID is not used for narrowing.
func (r *Registry) ConnectionsForChannel(channelID, serverID string) []*Conn {
	_ = channelID
	return r.ConnectionsForServer(serverID)
}

func (r *Registry) HasLiveConnection(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// InterestedUsers returns the interest set of serverID, sorted.
func (r *Registry) InterestedUsers(serverID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byServer[serverID]))
	for uid := range r.byServer[serverID] {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) State(c *Conn) (ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[c.id]
	if !ok {
		return ConnectionState{}, false
	}
	return e.state, true
}

// All returns every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byConn))
	for _, e := range r.byConn {
		out = append(out, e.conn)
	}
	return out
}

func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.byConn),
		Users:       len(r.byUser),
		Servers:     len(r.byServer),
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
