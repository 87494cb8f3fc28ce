package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
)

type queueRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewQueueRepo 创建 QueueRepo 实例
func NewQueueRepo(database db.DB, opts ...Option) (QueueRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("queue_repo", opts)
	if err != nil {
		return nil, err
	}
	return &queueRepo{db: database, logger: logger}, nil
}

func (r *queueRepo) CreateMessage(ctx context.Context, msg *model.QueueMessage) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.ServerID == 0 {
		return fmt.Errorf("server_id cannot be zero")
	}
	msg.Status = model.QueueStatusPending
	msg.RetryCount = 0
	msg.ClaimedUntil = nil

	if err := r.db.DB(ctx).Create(msg).Error; err != nil {
		r.logger.Error("消息入队失败",
			clog.Int64("server_id", msg.ServerID),
			clog.String("direction", msg.Direction),
			clog.Error(err))
		return fmt.Errorf("failed to create queue message: %w", err)
	}
	return nil
}

func (r *queueRepo) GetMessage(ctx context.Context, id int64) (*model.QueueMessage, error) {
	var msg model.QueueMessage
	if err := r.db.DB(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to get queue message %d: %w", id, notFound(err))
	}
	return &msg, nil
}

func (r *queueRepo) ListPendingServerIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Where("status = ?", model.QueueStatusPending).
		Distinct().
		Pluck("server_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending servers: %w", err)
	}
	return ids, nil
}

func (r *queueRepo) ListPendingMessages(ctx context.Context, serverID int64, now time.Time, limit int) ([]*model.QueueMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var messages []*model.QueueMessage
	if err := r.db.DB(ctx).
		Where("server_id = ? AND status = ?", serverID, model.QueueStatusPending).
		Where("claimed_until IS NULL OR claimed_until <= ?", now).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return messages, nil
}

func (r *queueRepo) ClaimMessage(ctx context.Context, id int64, now, until time.Time) (bool, error) {
	result := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Where("id = ? AND status = ?", id, model.QueueStatusPending).
		Where("claimed_until IS NULL OR claimed_until <= ?", now).
		Update("claimed_until", until)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim message: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *queueRepo) MarkSuccess(ctx context.Context, id int64) error {
	return r.finish(ctx, id, model.QueueStatusSuccess)
}

func (r *queueRepo) MarkFailed(ctx context.Context, id int64) error {
	return r.finish(ctx, id, model.QueueStatusFailed)
}

// finish 终态写入只对 pending 生效，重复调用无副作用
func (r *queueRepo) finish(ctx context.Context, id int64, status string) error {
	err := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Where("id = ? AND status = ?", id, model.QueueStatusPending).
		Updates(map[string]any{
			"status":        status,
			"claimed_until": nil,
		}).Error
	if err != nil {
		r.logger.Error("更新消息状态失败",
			clog.Int64("id", id),
			clog.String("status", status),
			clog.Error(err))
		return fmt.Errorf("failed to mark message %s: %w", status, err)
	}
	return nil
}

func (r *queueRepo) IncrementRetry(ctx context.Context, id int64, ceiling int, holdUntil *time.Time) (*model.QueueMessage, error) {
	err := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Where("id = ? AND status = ?", id, model.QueueStatusPending).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"status":        gorm.Expr("CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END", ceiling),
			"claimed_until": holdUntil,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to increment retry: %w", err)
	}
	return r.GetMessage(ctx, id)
}

func (r *queueRepo) UpdateContent(ctx context.Context, id int64, content string) error {
	err := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Where("id = ? AND status = ?", id, model.QueueStatusPending).
		Update("content", content).Error
	if err != nil {
		return fmt.Errorf("failed to update content: %w", err)
	}
	return nil
}

func (r *queueRepo) GetStats(ctx context.Context, serverID int64) (*model.QueueStats, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := r.db.DB(ctx).Model(&model.QueueMessage{}).
		Select("status, COUNT(*) AS count").
		Where("server_id = ?", serverID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &model.QueueStats{LastUpdated: time.Now()}
	for _, s := range rows {
		switch s.Status {
		case model.QueueStatusPending:
			stats.Pending = s.Count
		case model.QueueStatusSuccess:
			stats.Success = s.Count
		case model.QueueStatusFailed:
			stats.Failed = s.Count
		}
		stats.Total += s.Count
	}
	return stats, nil
}

func (r *queueRepo) Close() error {
	return nil
}
