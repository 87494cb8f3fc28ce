package repo

import (
	"context"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type syncRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewSyncRepo 创建 SyncRepo 实例
func NewSyncRepo(database db.DB, opts ...Option) (SyncRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("sync_repo", opts)
	if err != nil {
		return nil, err
	}
	return &syncRepo{db: database, logger: logger}, nil
}

func (r *syncRepo) GetSyncConfig(ctx context.Context, serverID int64) (*model.SyncConfig, error) {
	var cfg model.SyncConfig
	err := r.db.DB(ctx).
		Preload("FilterRules", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("position ASC, id ASC")
		}).
		Where("server_id = ?", serverID).
		First(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get sync config %d: %w", serverID, notFound(err))
	}
	return &cfg, nil
}

func (r *syncRepo) UpsertSyncConfig(ctx context.Context, cfg *model.SyncConfig) error {
	if cfg == nil || cfg.ServerID == 0 {
		return fmt.Errorf("sync config must reference a server")
	}
	if err := r.db.DB(ctx).Omit(clause.Associations).Save(cfg).Error; err != nil {
		r.logger.Error("保存同步配置失败", clog.Int64("server_id", cfg.ServerID), clog.Error(err))
		return fmt.Errorf("failed to save sync config: %w", err)
	}
	return nil
}

func (r *syncRepo) ReplaceFilterRules(ctx context.Context, serverID int64, rules []*model.FilterRule) error {
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", serverID).Delete(&model.FilterRule{}).Error; err != nil {
			return fmt.Errorf("failed to clear filter rules: %w", err)
		}
		if len(rules) == 0 {
			return nil
		}
		for i, rule := range rules {
			rule.ID = 0
			rule.ServerID = serverID
			rule.Position = i
		}
		if err := tx.Create(&rules).Error; err != nil {
			return fmt.Errorf("failed to create filter rules: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("替换过滤规则失败",
			clog.Int64("server_id", serverID),
			clog.Int("count", len(rules)),
			clog.Error(err))
		return err
	}
	return nil
}

func (r *syncRepo) Close() error {
	return nil
}
