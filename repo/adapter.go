package repo

import (
	"context"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
)

type adapterRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewAdapterRepo 创建 AdapterRepo 实例
func NewAdapterRepo(database db.DB, opts ...Option) (AdapterRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("adapter_repo", opts)
	if err != nil {
		return nil, err
	}
	return &adapterRepo{db: database, logger: logger}, nil
}

func (r *adapterRepo) GetAdapter(ctx context.Context, id int64) (*model.Adapter, error) {
	var adapter model.Adapter
	if err := r.db.DB(ctx).Where("id = ?", id).First(&adapter).Error; err != nil {
		return nil, fmt.Errorf("failed to get adapter %d: %w", id, notFound(err))
	}
	return &adapter, nil
}

func (r *adapterRepo) ListEnabledAdapters(ctx context.Context) ([]*model.Adapter, error) {
	var adapters []*model.Adapter
	if err := r.db.DB(ctx).Where("enabled = ?", true).Order("id ASC").Find(&adapters).Error; err != nil {
		return nil, fmt.Errorf("failed to list adapters: %w", err)
	}
	return adapters, nil
}

func (r *adapterRepo) UpsertAdapter(ctx context.Context, adapter *model.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	if _, err := adapter.Detail(); err != nil {
		return fmt.Errorf("invalid adapter: %w", err)
	}
	if err := r.db.DB(ctx).Save(adapter).Error; err != nil {
		r.logger.Error("保存适配器失败", clog.Int64("adapter_id", adapter.ID), clog.Error(err))
		return fmt.Errorf("failed to save adapter: %w", err)
	}
	return nil
}

// DeleteAdapter 删除适配器，并解除子服上的引用
func (r *adapterRepo) DeleteAdapter(ctx context.Context, id int64) error {
	return r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Model(&model.LeafServer{}).Where("adapter_id = ?", id).Update("adapter_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach servers: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&model.Adapter{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete adapter: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *adapterRepo) Close() error {
	return nil
}
