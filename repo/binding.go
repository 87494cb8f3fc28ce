package repo

import (
	"context"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
)

type bindingRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewBindingRepo 创建 BindingRepo 实例
func NewBindingRepo(database db.DB, opts ...Option) (BindingRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("binding_repo", opts)
	if err != nil {
		return nil, err
	}
	return &bindingRepo{db: database, logger: logger}, nil
}

func (r *bindingRepo) GetBindingConfig(ctx context.Context, serverID int64) (*model.BindingConfig, error) {
	var cfg model.BindingConfig
	if err := r.db.DB(ctx).Where("server_id = ?", serverID).First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("failed to get binding config %d: %w", serverID, notFound(err))
	}
	return &cfg, nil
}

func (r *bindingRepo) ListBindingConfigs(ctx context.Context) ([]*model.BindingConfig, error) {
	var cfgs []*model.BindingConfig
	if err := r.db.DB(ctx).Order("server_id ASC").Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list binding configs: %w", err)
	}
	return cfgs, nil
}

func (r *bindingRepo) UpsertBindingConfig(ctx context.Context, cfg *model.BindingConfig) error {
	if cfg == nil || cfg.ServerID == 0 {
		return fmt.Errorf("binding config must reference a server")
	}
	if err := r.db.DB(ctx).Save(cfg).Error; err != nil {
		r.logger.Error("保存绑定配置失败", clog.Int64("server_id", cfg.ServerID), clog.Error(err))
		return fmt.Errorf("failed to save binding config: %w", err)
	}
	return nil
}

func (r *bindingRepo) Close() error {
	return nil
}
