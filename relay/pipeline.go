// Package relay 实现跨平台消息转发管道：过滤 → 模板 → 入队
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/filter"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/render"
	"github.com/CrashVibe/FGATE-Nexus-sub000/queue"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"go.opentelemetry.io/otel/attribute"
)

// 未配置模板时使用的默认模板
const (
	DefaultGameToChatTemplate = "[{server}] {player}: {message}"
	DefaultChatToGameTemplate = "[{groupId}] {sender}: {message}"
)

// 管道处理结果
const (
	OutcomeQueued   = "queued"
	OutcomeDropped  = "dropped"
	OutcomeDisabled = "disabled"
	OutcomeError    = "error"
)

// Message 一条待转发的原始消息
type Message struct {
	ServerID  int64
	Direction string
	// Sender 游戏侧为玩家名，聊天侧为群昵称
	Sender  string
	Text    string
	GroupID string
	// Extra 额外的模板变量，例如 uuid、userId、playerCount
	Extra render.Context
}

// Pipeline 转发管道。只负责入队，从不同步发送
type Pipeline struct {
	servers repo.ServerRepo
	syncs   repo.SyncRepo
	queue   *queue.Manager
	engine  *render.Engine
	logger  clog.Logger
	now     func() time.Time

	afterEnqueue func(msg *model.QueueMessage)
}

// NewPipeline 创建转发管道
func NewPipeline(servers repo.ServerRepo, syncs repo.SyncRepo, q *queue.Manager, engine *render.Engine, logger clog.Logger) *Pipeline {
	if engine == nil {
		engine = render.New()
	}
	return &Pipeline{
		servers: servers,
		syncs:   syncs,
		queue:   q,
		engine:  engine,
		logger:  logger.WithNamespace("relay"),
		now:     time.Now,
	}
}

// OnEnqueued 设置入队后的回调，用于旁路立即投递。回调不得阻塞
func (p *Pipeline) OnEnqueued(fn func(msg *model.QueueMessage)) {
	p.afterEnqueue = fn
}

// Process 执行完整管道，返回入队的消息；同步关闭或消息被过滤时返回 nil
func (p *Pipeline) Process(ctx context.Context, m Message) (*model.QueueMessage, error) {
	ctx, span := observability.StartSpan(ctx, "relay.process",
		attribute.Int64("relay.server_id", m.ServerID),
		attribute.String("relay.direction", m.Direction))
	defer span.End()

	msg, outcome, err := p.process(ctx, m)
	observability.RecordRelay(ctx, m.Direction, outcome)
	if err != nil {
		span.RecordError(err)
	}
	return msg, err
}

func (p *Pipeline) process(ctx context.Context, m Message) (*model.QueueMessage, string, error) {
	cfg, err := p.syncs.GetSyncConfig(ctx, m.ServerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, OutcomeDisabled, nil
		}
		return nil, OutcomeError, fmt.Errorf("load sync config: %w", err)
	}
	if !cfg.DirectionEnabled(m.Direction) {
		return nil, OutcomeDisabled, nil
	}
	if m.Direction == model.DirectionChatToGame && !cfg.HasGroup(m.GroupID) {
		return nil, OutcomeDisabled, nil
	}

	server, err := p.servers.GetServer(ctx, m.ServerID)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("load server: %w", err)
	}

	content, dropped := p.render(cfg, server, m, p.now())
	if dropped {
		return nil, OutcomeDropped, nil
	}

	msg := &model.QueueMessage{
		ServerID:   m.ServerID,
		Direction:  m.Direction,
		Content:    content,
		Sender:     m.Sender,
		RawMessage: m.Text,
		GroupID:    m.GroupID,
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		return nil, OutcomeError, err
	}

	if p.afterEnqueue != nil {
		p.afterEnqueue(msg)
	}
	return msg, OutcomeQueued, nil
}

// Rerender 用持久化的原始文本重新校验配置并渲染，ok 为 false 表示消息不应再投递
func (p *Pipeline) Rerender(ctx context.Context, msg *model.QueueMessage) (content string, ok bool, err error) {
	cfg, err := p.syncs.GetSyncConfig(ctx, msg.ServerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if !cfg.DirectionEnabled(msg.Direction) {
		return "", false, nil
	}
	if msg.Direction == model.DirectionChatToGame && !cfg.HasGroup(msg.GroupID) {
		return "", false, nil
	}
	server, err := p.servers.GetServer(ctx, msg.ServerID)
	if err != nil {
		return "", false, err
	}

	content, dropped := p.render(cfg, server, Message{
		ServerID:  msg.ServerID,
		Direction: msg.Direction,
		Sender:    msg.Sender,
		Text:      msg.RawMessage,
		GroupID:   msg.GroupID,
	}, msg.CreatedAt)
	return content, !dropped, nil
}

func (p *Pipeline) render(cfg *model.SyncConfig, server *model.LeafServer, m Message, ts time.Time) (string, bool) {
	res := filter.Apply(m.Text, m.Direction, cfg.FilterRules)
	for _, rule := range res.Invalid {
		p.logger.Warn("skipping invalid filter rule",
			clog.Int64("server_id", m.ServerID),
			clog.Int64("rule_id", rule.ID),
			clog.String("pattern", rule.Keyword))
	}
	if res.Dropped {
		p.logger.Debug("message dropped by filter",
			clog.Int64("server_id", m.ServerID),
			clog.Int64("rule_id", res.Rule.ID))
		return "", true
	}

	tpl := cfg.Template(m.Direction)
	if tpl == "" {
		tpl = DefaultGameToChatTemplate
		if m.Direction == model.DirectionChatToGame {
			tpl = DefaultChatToGameTemplate
		}
	}

	data := render.Context{
		"server":     server.Name,
		"serverName": server.Name,
		"serverId":   server.ID,
		"sender":     m.Sender,
		"message":    res.Text,
		"groupId":    m.GroupID,
		"timestamp":  ts,
	}
	if m.Direction == model.DirectionGameToChat {
		data["player"] = m.Sender
	} else {
		data["nickname"] = m.Sender
	}
	for k, v := range m.Extra {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	return p.engine.Render(tpl, data), false
}
