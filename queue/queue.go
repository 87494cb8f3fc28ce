// Package queue 实现持久化消息队列：入队、统计、直接投递与周期性补偿投递
package queue

import (
	"context"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
)

const (
	// MaxRetries 投递失败的重试上限，达到后消息置为 failed
	MaxRetries = 3
	// BatchSize 每个子服每轮最多处理的消息数
	BatchSize = 20
)

// Deliverer 把一条队列消息直接投递到目标端，不再经过过滤和模板
type Deliverer interface {
	Deliver(ctx context.Context, msg *model.QueueMessage) bool
}

// DelivererFunc 函数适配器
type DelivererFunc func(ctx context.Context, msg *model.QueueMessage) bool

// Deliver 实现 Deliverer
func (f DelivererFunc) Deliver(ctx context.Context, msg *model.QueueMessage) bool {
	return f(ctx, msg)
}

// Manager 队列入口，供转发管道入队与管理端读取统计
type Manager struct {
	queue  repo.QueueRepo
	logger clog.Logger
}

// NewManager 创建队列管理器
func NewManager(queue repo.QueueRepo, logger clog.Logger) *Manager {
	return &Manager{
		queue:  queue,
		logger: logger.WithNamespace("queue"),
	}
}

// Enqueue 写入一条待投递消息，msg.ID 在返回后可用
func (m *Manager) Enqueue(ctx context.Context, msg *model.QueueMessage) error {
	if err := m.queue.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	m.logger.Debug("message enqueued",
		clog.Int64("id", msg.ID),
		clog.Int64("server_id", msg.ServerID),
		clog.String("direction", msg.Direction))
	return nil
}

// Stats 返回某子服的队列统计
func (m *Manager) Stats(ctx context.Context, serverID int64) (*model.QueueStats, error) {
	return m.queue.GetStats(ctx, serverID)
}
