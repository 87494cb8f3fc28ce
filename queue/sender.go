package queue

import (
	"context"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
)

// ChatSender 聊天侧发送能力，由统一路由实现
type ChatSender interface {
	SendGroupMessage(ctx context.Context, adapterID int64, groupID, text string) bool
}

// GameSender 游戏侧发送能力，由协议网关实现
type GameSender interface {
	Broadcast(serverID int64, message string) bool
}

// DirectSender 按消息方向直接投递，供 worker 与重试使用
type DirectSender struct {
	servers  repo.ServerRepo
	adapters repo.AdapterRepo
	syncs    repo.SyncRepo
	chat     ChatSender
	game     GameSender
	logger   clog.Logger
}

// NewDirectSender 创建直接投递器
func NewDirectSender(
	servers repo.ServerRepo,
	adapters repo.AdapterRepo,
	syncs repo.SyncRepo,
	chat ChatSender,
	game GameSender,
	logger clog.Logger,
) *DirectSender {
	return &DirectSender{
		servers:  servers,
		adapters: adapters,
		syncs:    syncs,
		chat:     chat,
		game:     game,
		logger:   logger.WithNamespace("direct_sender"),
	}
}

// Deliver 实现 Deliverer
func (s *DirectSender) Deliver(ctx context.Context, msg *model.QueueMessage) bool {
	switch msg.Direction {
	case model.DirectionGameToChat:
		return s.SendToChat(ctx, msg.ServerID, msg.Content)
	case model.DirectionChatToGame:
		return s.SendToGame(msg.ServerID, msg.Content)
	default:
		s.logger.Warn("unknown message direction",
			clog.Int64("id", msg.ID),
			clog.String("direction", msg.Direction))
		return false
	}
}

// SendToChat 发送到子服绑定的适配器上配置的所有群，任意一个群成功即视为成功
func (s *DirectSender) SendToChat(ctx context.Context, serverID int64, text string) bool {
	server, err := s.servers.GetServer(ctx, serverID)
	if err != nil {
		s.logger.Warn("server not found", clog.Int64("server_id", serverID), clog.Error(err))
		return false
	}
	if server.AdapterID == nil {
		s.logger.Debug("server has no adapter", clog.Int64("server_id", serverID))
		return false
	}
	adapter, err := s.adapters.GetAdapter(ctx, *server.AdapterID)
	if err != nil || !adapter.Enabled {
		s.logger.Debug("adapter unavailable",
			clog.Int64("server_id", serverID),
			clog.Int64("adapter_id", *server.AdapterID))
		return false
	}
	cfg, err := s.syncs.GetSyncConfig(ctx, serverID)
	if err != nil {
		s.logger.Warn("sync config not found", clog.Int64("server_id", serverID), clog.Error(err))
		return false
	}

	sent := false
	for _, groupID := range cfg.GroupIDs {
		if s.chat.SendGroupMessage(ctx, adapter.ID, groupID, text) {
			sent = true
		}
	}
	return sent
}

// SendToGame 通过网关向子服广播，不等待确认
func (s *DirectSender) SendToGame(serverID int64, text string) bool {
	return s.game.Broadcast(serverID, text)
}
