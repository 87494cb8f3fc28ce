// Package status 汇总子服双侧连接状态，带尽力而为的 LRU 缓存。
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultTTL       = 5 * time.Second
)

// GameSide 游戏侧状态来源
type GameSide interface {
	Status(serverID int64) model.GameSideStatus
}

// ChatSide 聊天侧状态来源
type ChatSide interface {
	Status(adapterID int64) model.ChatSideStatus
}

// Service 连接状态查询。
// fresh 在 TTL 内直接命中；last 保留最近一次成功计算的结果，仅在重新计算失败时使用。
type Service struct {
	servers repo.ServerRepo
	syncs   repo.SyncRepo
	game    GameSide
	chat    ChatSide
	logger  clog.Logger

	fresh *expirable.LRU[int64, model.ConnectionStatus]
	last  *lru.Cache[int64, model.ConnectionStatus]
}

// NewService 创建状态服务，ttl 为 0 时使用默认值
func NewService(servers repo.ServerRepo, syncs repo.SyncRepo, game GameSide, chat ChatSide, ttl time.Duration, logger clog.Logger) (*Service, error) {
	last, err := lru.New[int64, model.ConnectionStatus](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		servers: servers,
		syncs:   syncs,
		game:    game,
		chat:    chat,
		logger:  logger.WithNamespace("status"),
		fresh:   expirable.NewLRU[int64, model.ConnectionStatus](defaultCacheSize, nil, ttl),
		last:    last,
	}, nil
}

// Get 返回子服连接状态。缓存未过期时直接返回；重新计算失败时退回到旧值
func (s *Service) Get(ctx context.Context, serverID int64) (*model.ConnectionStatus, error) {
	if st, ok := s.fresh.Get(serverID); ok {
		return &st, nil
	}

	st, err := s.compute(ctx, serverID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.fresh.Remove(serverID)
			s.last.Remove(serverID)
			return nil, err
		}
		if cached, ok := s.last.Get(serverID); ok {
			s.logger.Warn("failed to compute status, serving cached value",
				clog.Int64("server_id", serverID), clog.Error(err))
			return &cached, nil
		}
		return nil, err
	}

	s.fresh.Add(serverID, *st)
	s.last.Add(serverID, *st)
	return st, nil
}

// Invalidate 丢弃某个子服未过期的缓存，下次查询重新计算
func (s *Service) Invalidate(serverID int64) {
	s.fresh.Remove(serverID)
}

func (s *Service) compute(ctx context.Context, serverID int64) (*model.ConnectionStatus, error) {
	server, err := s.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	st := &model.ConnectionStatus{
		ServerID: serverID,
		GameSide: s.game.Status(serverID),
	}
	if server.AdapterID != nil {
		st.ChatSide = s.chat.Status(*server.AdapterID)
	}

	cfg, err := s.syncs.GetSyncConfig(ctx, serverID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		st.ChatSide.GroupCount = len(cfg.GroupIDs)
	}
	return st, nil
}
