package memstore

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/CodesWhat/concord-sub001/service/storage"
	"github.com/CodesWhat/concord-sub001/tools/errs"
)

// Store is an in-process DataStore for single-node deployments and tests.
type Store struct {
	mu         sync.RWMutex
	servers    map[string]storage.Server
	members    map[string]map[string]struct{} // user -> servers
	channels   map[string][]storage.Channel   // server -> channels
	profiles   map[string]storage.Profile
	readStates map[string][]storage.ReadState
}

var _ storage.DataStore = (*Store)(nil)

func New() *Store {
	return &Store{
		servers:    make(map[string]storage.Server),
		members:    make(map[string]map[string]struct{}),
		channels:   make(map[string][]storage.Channel),
		profiles:   make(map[string]storage.Profile),
		readStates: make(map[string][]storage.ReadState),
	}
}

// Seed is the on-disk shape accepted by Load.
type Seed struct {
	Servers    []storage.Server               `json:"servers"`
	Members    map[string][]string            `json:"members"` // user -> server ids
	Channels   []storage.Channel              `json:"channels"`
	Profiles   []storage.Profile              `json:"profiles"`
	ReadStates map[string][]storage.ReadState `json:"read_states"`
}

// Load 从 JSON 文件加载种子数据
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapMsg(err, "read seed", "path", path)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, errs.WrapMsg(err, "decode seed", "path", path)
	}
	s := New()
	s.Apply(seed)
	return s, nil
}

func (s *Store) Apply(seed Seed) {
	for _, sv := range seed.Servers {
		s.PutServer(sv)
	}
	for _, ch := range seed.Channels {
		s.PutChannel(ch)
	}
	for _, p := range seed.Profiles {
		s.PutProfile(p)
	}
	for user, servers := range seed.Members {
		for _, sid := range servers {
			s.AddMember(user, sid)
		}
	}
	for user, states := range seed.ReadStates {
		for _, rs := range states {
			s.PutReadState(user, rs)
		}
	}
}

func (s *Store) PutServer(sv storage.Server) {
	s.mu.Lock()
	s.servers[sv.ID] = sv
	s.mu.Unlock()
}

func (s *Store) AddMember(userID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.members[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.members[userID] = set
	}
	set[serverID] = struct{}{}
}

func (s *Store) RemoveMember(userID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[userID], serverID)
}

func (s *Store) PutChannel(ch storage.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.channels[ch.ServerID]
	for i := range list {
		if list[i].ID == ch.ID {
			list[i] = ch
			return
		}
	}
	s.channels[ch.ServerID] = append(list, ch)
}

func (s *Store) PutProfile(p storage.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *Store) PutReadState(userID string, rs storage.ReadState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.readStates[userID]
	for i := range list {
		if list[i].ChannelID == rs.ChannelID {
			list[i] = rs
			return
		}
	}
	s.readStates[userID] = append(list, rs)
}

func (s *Store) ServersForUser(_ context.Context, userID string) ([]storage.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Server, 0, len(s.members[userID]))
	for sid := range s.members[userID] {
		if sv, ok := s.servers[sid]; ok {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ChannelsForServers(_ context.Context, serverIDs []string) ([]storage.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Channel, 0)
	for _, sid := range serverIDs {
		out = append(out, s.channels[sid]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *Store) Profile(_ context.Context, userID string) (*storage.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ReadStates(_ context.Context, userID string) ([]storage.ReadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.ReadState{}, s.readStates[userID]...), nil
}
