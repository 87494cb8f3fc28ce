// Package repotest 提供 repo 接口的内存实现，供上层服务的单元测试使用
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
)

// Store 所有内存 repo 共享的数据
type Store struct {
	mu sync.Mutex

	servers  map[int64]*model.LeafServer
	adapters map[int64]*model.Adapter
	syncs    map[int64]*model.SyncConfig
	bindings map[int64]*model.BindingConfig
	players  map[int64]*model.Player
	accounts map[int64]*model.SocialAccount
	visits   map[[2]int64]struct{}
	messages map[int64]*model.QueueMessage

	nextID int64

	// Err 非空时所有读写都返回该错误
	Err error
}

// NewStore 创建空的内存存储
func NewStore() *Store {
	return &Store{
		servers:  make(map[int64]*model.LeafServer),
		adapters: make(map[int64]*model.Adapter),
		syncs:    make(map[int64]*model.SyncConfig),
		bindings: make(map[int64]*model.BindingConfig),
		players:  make(map[int64]*model.Player),
		accounts: make(map[int64]*model.SocialAccount),
		visits:   make(map[[2]int64]struct{}),
		messages: make(map[int64]*model.QueueMessage),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// SetErr 设置注入的错误
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Messages 返回全部队列消息的快照，按 ID 升序
func (s *Store) Messages() []model.QueueMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Servers 服务器 repo
func (s *Store) Servers() repo.ServerRepo { return &serverRepo{s} }

// Adapters 适配器 repo
func (s *Store) Adapters() repo.AdapterRepo { return &adapterRepo{s} }

// Syncs 同步配置 repo
func (s *Store) Syncs() repo.SyncRepo { return &syncRepo{s} }

// Bindings 绑定策略 repo
func (s *Store) Bindings() repo.BindingRepo { return &bindingRepo{s} }

// Players 玩家 repo
func (s *Store) Players() repo.PlayerRepo { return &playerRepo{s} }

// Queue 队列 repo
func (s *Store) Queue() repo.QueueRepo { return &queueRepo{s} }

type serverRepo struct{ s *Store }

func (r *serverRepo) GetServer(_ context.Context, id int64) (*model.LeafServer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	srv, ok := r.s.servers[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

func (r *serverRepo) GetServerByToken(_ context.Context, token string) (*model.LeafServer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	for _, srv := range r.s.servers {
		if token != "" && srv.Token == token {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *serverRepo) ListServers(_ context.Context) ([]*model.LeafServer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	out := make([]*model.LeafServer, 0, len(r.s.servers))
	for _, srv := range r.s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *serverRepo) ListServersByAdapter(ctx context.Context, adapterID int64) ([]*model.LeafServer, error) {
	all, err := r.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, srv := range all {
		if srv.AdapterID != nil && *srv.AdapterID == adapterID {
			out = append(out, srv)
		}
	}
	return out, nil
}

func (r *serverRepo) UpsertServer(_ context.Context, server *model.LeafServer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	if server.ID == 0 {
		server.ID = r.s.id()
	}
	cp := *server
	r.s.servers[server.ID] = &cp
	return nil
}

func (r *serverRepo) UpdateClientInfo(_ context.Context, id int64, software, version string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	srv, ok := r.s.servers[id]
	if !ok {
		return repo.ErrNotFound
	}
	srv.Software = software
	srv.Version = version
	return nil
}

func (r *serverRepo) DeleteServer(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.servers[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.s.servers, id)
	delete(r.s.syncs, id)
	delete(r.s.bindings, id)
	for mid, m := range r.s.messages {
		if m.ServerID == id {
			delete(r.s.messages, mid)
		}
	}
	return nil
}

func (r *serverRepo) Close() error { return nil }

type adapterRepo struct{ s *Store }

func (r *adapterRepo) GetAdapter(_ context.Context, id int64) (*model.Adapter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	a, ok := r.s.adapters[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *adapterRepo) ListEnabledAdapters(_ context.Context) ([]*model.Adapter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []*model.Adapter
	for _, a := range r.s.adapters {
		if a.Enabled {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *adapterRepo) UpsertAdapter(_ context.Context, adapter *model.Adapter) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if adapter.ID == 0 {
		adapter.ID = r.s.id()
	}
	cp := *adapter
	r.s.adapters[adapter.ID] = &cp
	return nil
}

func (r *adapterRepo) DeleteAdapter(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.adapters[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.s.adapters, id)
	for _, srv := range r.s.servers {
		if srv.AdapterID != nil && *srv.AdapterID == id {
			srv.AdapterID = nil
		}
	}
	return nil
}

func (r *adapterRepo) Close() error { return nil }

type syncRepo struct{ s *Store }

func (r *syncRepo) GetSyncConfig(_ context.Context, serverID int64) (*model.SyncConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	cfg, ok := r.s.syncs[serverID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *cfg
	cp.GroupIDs = append([]string(nil), cfg.GroupIDs...)
	cp.FilterRules = make([]*model.FilterRule, 0, len(cfg.FilterRules))
	for _, rule := range cfg.FilterRules {
		rc := *rule
		cp.FilterRules = append(cp.FilterRules, &rc)
	}
	return &cp, nil
}

func (r *syncRepo) UpsertSyncConfig(_ context.Context, cfg *model.SyncConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	cp := *cfg
	if old, ok := r.s.syncs[cfg.ServerID]; ok {
		cp.FilterRules = old.FilterRules
	} else {
		cp.FilterRules = nil
	}
	r.s.syncs[cfg.ServerID] = &cp
	return nil
}

func (r *syncRepo) ReplaceFilterRules(_ context.Context, serverID int64, rules []*model.FilterRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	cfg, ok := r.s.syncs[serverID]
	if !ok {
		cfg = &model.SyncConfig{ServerID: serverID}
		r.s.syncs[serverID] = cfg
	}
	cfg.FilterRules = make([]*model.FilterRule, 0, len(rules))
	for i, rule := range rules {
		rc := *rule
		rc.ID = r.s.id()
		rc.ServerID = serverID
		rc.Position = i
		cfg.FilterRules = append(cfg.FilterRules, &rc)
	}
	return nil
}

func (r *syncRepo) Close() error { return nil }

type bindingRepo struct{ s *Store }

func (r *bindingRepo) GetBindingConfig(_ context.Context, serverID int64) (*model.BindingConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	cfg, ok := r.s.bindings[serverID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (r *bindingRepo) ListBindingConfigs(_ context.Context) ([]*model.BindingConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	out := make([]*model.BindingConfig, 0, len(r.s.bindings))
	for _, cfg := range r.s.bindings {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (r *bindingRepo) UpsertBindingConfig(_ context.Context, cfg *model.BindingConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cfg
	r.s.bindings[cfg.ServerID] = &cp
	return nil
}

func (r *bindingRepo) Close() error { return nil }

type playerRepo struct{ s *Store }

func (r *playerRepo) UpsertPlayer(_ context.Context, player *model.Player) (*model.Player, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	for _, p := range r.s.players {
		if p.UUID == player.UUID {
			p.Name = player.Name
			p.IP = player.IP
			p.UpdatedAt = time.Now()
			cp := *p
			return &cp, nil
		}
	}
	p := &model.Player{ID: r.s.id(), Name: player.Name, UUID: player.UUID, IP: player.IP, UpdatedAt: time.Now()}
	r.s.players[p.ID] = p
	cp := *p
	return &cp, nil
}

func (r *playerRepo) AddPlayerServer(_ context.Context, playerID, serverID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.visits[[2]int64{playerID, serverID}] = struct{}{}
	return nil
}

func (r *playerRepo) find(match func(*model.Player) bool) (*model.Player, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var found *model.Player
	for _, p := range r.s.players {
		if match(p) && (found == nil || p.UpdatedAt.After(found.UpdatedAt)) {
			found = p
		}
	}
	if found == nil {
		return nil, repo.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *playerRepo) GetPlayerByUUID(_ context.Context, uuid string) (*model.Player, error) {
	return r.find(func(p *model.Player) bool { return p.UUID == uuid })
}

func (r *playerRepo) GetPlayerByName(_ context.Context, name string) (*model.Player, error) {
	return r.find(func(p *model.Player) bool { return p.Name == name })
}

func (r *playerRepo) GetSocialAccount(_ context.Context, id int64) (*model.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *playerRepo) LinkSocialAccount(_ context.Context, playerID int64, account *model.SocialAccount) (*model.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	p, ok := r.s.players[playerID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	var linked *model.SocialAccount
	for _, a := range r.s.accounts {
		if a.UID == account.UID && a.Network == account.Network {
			a.Name = account.Name
			linked = a
			break
		}
	}
	if linked == nil {
		linked = &model.SocialAccount{ID: r.s.id(), UID: account.UID, Network: account.Network, Name: account.Name}
		r.s.accounts[linked.ID] = linked
	}
	id := linked.ID
	p.SocialAccountID = &id
	cp := *linked
	return &cp, nil
}

func (r *playerRepo) UnlinkSocialAccount(_ context.Context, playerID, accountID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return false, r.s.Err
	}
	p, ok := r.s.players[playerID]
	if !ok || p.SocialAccountID == nil || *p.SocialAccountID != accountID {
		return false, nil
	}
	p.SocialAccountID = nil
	return true, nil
}

func (r *playerRepo) Close() error { return nil }

type queueRepo struct{ s *Store }

func (r *queueRepo) CreateMessage(_ context.Context, msg *model.QueueMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	msg.ID = r.s.id()
	msg.Status = model.QueueStatusPending
	msg.RetryCount = 0
	msg.ClaimedUntil = nil
	msg.CreatedAt = time.Now()
	cp := *msg
	r.s.messages[msg.ID] = &cp
	return nil
}

func (r *queueRepo) GetMessage(_ context.Context, id int64) (*model.QueueMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	m, ok := r.s.messages[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *queueRepo) ListPendingServerIDs(_ context.Context) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range r.s.messages {
		if m.Status != model.QueueStatusPending {
			continue
		}
		if _, ok := seen[m.ServerID]; !ok {
			seen[m.ServerID] = struct{}{}
			ids = append(ids, m.ServerID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func claimable(m *model.QueueMessage, now time.Time) bool {
	return m.Status == model.QueueStatusPending && (m.ClaimedUntil == nil || !m.ClaimedUntil.After(now))
}

func (r *queueRepo) ListPendingMessages(_ context.Context, serverID int64, now time.Time, limit int) ([]*model.QueueMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []*model.QueueMessage
	for _, m := range r.s.messages {
		if m.ServerID == serverID && claimable(m, now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *queueRepo) ClaimMessage(_ context.Context, id int64, now, until time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return false, r.s.Err
	}
	m, ok := r.s.messages[id]
	if !ok || !claimable(m, now) {
		return false, nil
	}
	m.ClaimedUntil = &until
	return true, nil
}

func (r *queueRepo) finish(id int64, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	if m, ok := r.s.messages[id]; ok && m.Status == model.QueueStatusPending {
		m.Status = status
		m.ClaimedUntil = nil
	}
	return nil
}

func (r *queueRepo) MarkSuccess(_ context.Context, id int64) error {
	return r.finish(id, model.QueueStatusSuccess)
}

func (r *queueRepo) MarkFailed(_ context.Context, id int64) error {
	return r.finish(id, model.QueueStatusFailed)
}

func (r *queueRepo) IncrementRetry(_ context.Context, id int64, ceiling int, holdUntil *time.Time) (*model.QueueMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	m, ok := r.s.messages[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if m.Status == model.QueueStatusPending {
		m.RetryCount++
		if m.RetryCount >= ceiling {
			m.Status = model.QueueStatusFailed
		}
		m.ClaimedUntil = nil
		if holdUntil != nil {
			until := *holdUntil
			m.ClaimedUntil = &until
		}
	}
	cp := *m
	return &cp, nil
}

func (r *queueRepo) UpdateContent(_ context.Context, id int64, content string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m, ok := r.s.messages[id]; ok && m.Status == model.QueueStatusPending {
		m.Content = content
	}
	return nil
}

func (r *queueRepo) GetStats(_ context.Context, serverID int64) (*model.QueueStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	stats := &model.QueueStats{LastUpdated: time.Now()}
	for _, m := range r.s.messages {
		if m.ServerID != serverID {
			continue
		}
		switch m.Status {
		case model.QueueStatusPending:
			stats.Pending++
		case model.QueueStatusSuccess:
			stats.Success++
		case model.QueueStatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

func (r *queueRepo) Close() error { return nil }
