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

type playerRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewPlayerRepo 创建 PlayerRepo 实例
func NewPlayerRepo(database db.DB, opts ...Option) (PlayerRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("player_repo", opts)
	if err != nil {
		return nil, err
	}
	return &playerRepo{db: database, logger: logger}, nil
}

func (r *playerRepo) UpsertPlayer(ctx context.Context, player *model.Player) (*model.Player, error) {
	if player == nil || player.UUID == "" {
		return nil, fmt.Errorf("player uuid cannot be empty")
	}

	gormDB := r.db.DB(ctx)
	// uuid 冲突时只刷新名字和 IP，保留已有的账号关联
	err := gormDB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "ip", "updated_at"}),
	}).Omit("social_account_id").Create(&model.Player{
		Name: player.Name,
		UUID: player.UUID,
		IP:   player.IP,
	}).Error
	if err != nil {
		r.logger.Error("保存玩家失败", clog.String("uuid", player.UUID), clog.Error(err))
		return nil, fmt.Errorf("failed to upsert player: %w", err)
	}
	return r.GetPlayerByUUID(ctx, player.UUID)
}

func (r *playerRepo) AddPlayerServer(ctx context.Context, playerID, serverID int64) error {
	err := r.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model.PlayerServer{
		PlayerID: playerID,
		ServerID: serverID,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to add player server: %w", err)
	}
	return nil
}

func (r *playerRepo) GetPlayerByUUID(ctx context.Context, uuid string) (*model.Player, error) {
	var player model.Player
	if err := r.db.DB(ctx).Where("uuid = ?", uuid).First(&player).Error; err != nil {
		return nil, fmt.Errorf("failed to get player by uuid: %w", notFound(err))
	}
	return &player, nil
}

func (r *playerRepo) GetPlayerByName(ctx context.Context, name string) (*model.Player, error) {
	var player model.Player
	if err := r.db.DB(ctx).Where("name = ?", name).Order("updated_at DESC").First(&player).Error; err != nil {
		return nil, fmt.Errorf("failed to get player by name: %w", notFound(err))
	}
	return &player, nil
}

func (r *playerRepo) GetSocialAccount(ctx context.Context, id int64) (*model.SocialAccount, error) {
	var account model.SocialAccount
	if err := r.db.DB(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to get social account %d: %w", id, notFound(err))
	}
	return &account, nil
}

func (r *playerRepo) LinkSocialAccount(ctx context.Context, playerID int64, account *model.SocialAccount) (*model.SocialAccount, error) {
	if account == nil || account.UID == "" || account.Network == "" {
		return nil, fmt.Errorf("account uid and network cannot be empty")
	}

	var linked model.SocialAccount
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		err := tx.Where(model.SocialAccount{UID: account.UID, Network: account.Network}).
			Assign(model.SocialAccount{Name: account.Name}).
			FirstOrCreate(&linked).Error
		if err != nil {
			return fmt.Errorf("failed to resolve social account: %w", err)
		}

		result := tx.Model(&model.Player{}).Where("id = ?", playerID).Update("social_account_id", linked.ID)
		if result.Error != nil {
			return fmt.Errorf("failed to link player: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		r.logger.Error("绑定社交账号失败",
			clog.Int64("player_id", playerID),
			clog.String("uid", account.UID),
			clog.Error(err))
		return nil, err
	}

	r.logger.Info("绑定社交账号成功",
		clog.Int64("player_id", playerID),
		clog.Int64("account_id", linked.ID))
	return &linked, nil
}

func (r *playerRepo) UnlinkSocialAccount(ctx context.Context, playerID, accountID int64) (bool, error) {
	result := r.db.DB(ctx).Model(&model.Player{}).
		Where("id = ? AND social_account_id = ?", playerID, accountID).
		Update("social_account_id", nil)
	if result.Error != nil {
		return false, fmt.Errorf("failed to unlink player: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *playerRepo) Close() error {
	return nil
}
