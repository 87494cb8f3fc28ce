package repo

import (
	"context"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
)

type serverRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewServerRepo 创建 ServerRepo 实例
func NewServerRepo(database db.DB, opts ...Option) (ServerRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("server_repo", opts)
	if err != nil {
		return nil, err
	}
	return &serverRepo{db: database, logger: logger}, nil
}

func (r *serverRepo) GetServer(ctx context.Context, id int64) (*model.LeafServer, error) {
	var server model.LeafServer
	if err := r.db.DB(ctx).Where("id = ?", id).First(&server).Error; err != nil {
		return nil, fmt.Errorf("failed to get server %d: %w", id, notFound(err))
	}
	return &server, nil
}

func (r *serverRepo) GetServerByToken(ctx context.Context, token string) (*model.LeafServer, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var server model.LeafServer
	if err := r.db.DB(ctx).Where("token = ?", token).First(&server).Error; err != nil {
		return nil, fmt.Errorf("failed to get server by token: %w", notFound(err))
	}
	return &server, nil
}

func (r *serverRepo) ListServers(ctx context.Context) ([]*model.LeafServer, error) {
	var servers []*model.LeafServer
	if err := r.db.DB(ctx).Order("id ASC").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

func (r *serverRepo) ListServersByAdapter(ctx context.Context, adapterID int64) ([]*model.LeafServer, error) {
	var servers []*model.LeafServer
	if err := r.db.DB(ctx).Where("adapter_id = ?", adapterID).Order("id ASC").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers by adapter: %w", err)
	}
	return servers, nil
}

func (r *serverRepo) UpsertServer(ctx context.Context, server *model.LeafServer) error {
	if server == nil {
		return fmt.Errorf("server cannot be nil")
	}
	if server.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err := r.db.DB(ctx).Save(server).Error; err != nil {
		r.logger.Error("保存子服失败", clog.String("name", server.Name), clog.Error(err))
		return fmt.Errorf("failed to save server: %w", err)
	}
	return nil
}

func (r *serverRepo) UpdateClientInfo(ctx context.Context, id int64, software, version string) error {
	result := r.db.DB(ctx).Model(&model.LeafServer{}).Where("id = ?", id).Updates(map[string]any{
		"software": software,
		"version":  version,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update client info: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *serverRepo) DeleteServer(ctx context.Context, id int64) error {
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		for _, m := range []any{&model.QueueMessage{}, &model.FilterRule{}, &model.SyncConfig{}, &model.BindingConfig{}, &model.PlayerServer{}} {
			if err := tx.Where("server_id = ?", id).Delete(m).Error; err != nil {
				return fmt.Errorf("failed to delete %T: %w", m, err)
			}
		}
		result := tx.Where("id = ?", id).Delete(&model.LeafServer{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete server: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		r.logger.Error("删除子服失败", clog.Int64("server_id", id), clog.Error(err))
		return err
	}
	r.logger.Info("删除子服成功", clog.Int64("server_id", id))
	return nil
}

func (r *serverRepo) Close() error {
	// db 实例由外部管理
	return nil
}
