package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"gorm.io/gorm"
)

// ErrNotFound 记录不存在
var ErrNotFound = xerrors.New("record not found")

// ServerRepo 子服数据访问接口
type ServerRepo interface {
	// GetServer 按 ID 获取子服
	GetServer(ctx context.Context, id int64) (*model.LeafServer, error)
	// GetServerByToken 按鉴权 token 获取子服
	GetServerByToken(ctx context.Context, token string) (*model.LeafServer, error)
	// ListServers 列出全部子服
	ListServers(ctx context.Context) ([]*model.LeafServer, error)
	// ListServersByAdapter 列出绑定到某个适配器的子服
	ListServersByAdapter(ctx context.Context, adapterID int64) ([]*model.LeafServer, error)
	// UpsertServer 创建或更新子服
	UpsertServer(ctx context.Context, server *model.LeafServer) error
	// UpdateClientInfo 记录子服上报的软件与协议版本
	UpdateClientInfo(ctx context.Context, id int64, software, version string) error
	// DeleteServer 删除子服，级联删除队列、同步配置与绑定策略
	DeleteServer(ctx context.Context, id int64) error
	Close() error
}

// AdapterRepo 适配器配置数据访问接口
type AdapterRepo interface {
	GetAdapter(ctx context.Context, id int64) (*model.Adapter, error)
	ListEnabledAdapters(ctx context.Context) ([]*model.Adapter, error)
	UpsertAdapter(ctx context.Context, adapter *model.Adapter) error
	DeleteAdapter(ctx context.Context, id int64) error
	Close() error
}

// SyncRepo 同步配置数据访问接口
type SyncRepo interface {
	// GetSyncConfig 获取同步配置，FilterRules 按 position 升序
	GetSyncConfig(ctx context.Context, serverID int64) (*model.SyncConfig, error)
	// UpsertSyncConfig 创建或更新同步配置（不含过滤规则）
	UpsertSyncConfig(ctx context.Context, cfg *model.SyncConfig) error
	// ReplaceFilterRules 在一个事务内整体替换过滤规则
	ReplaceFilterRules(ctx context.Context, serverID int64, rules []*model.FilterRule) error
	Close() error
}

// BindingRepo 绑定策略数据访问接口
type BindingRepo interface {
	GetBindingConfig(ctx context.Context, serverID int64) (*model.BindingConfig, error)
	ListBindingConfigs(ctx context.Context) ([]*model.BindingConfig, error)
	UpsertBindingConfig(ctx context.Context, cfg *model.BindingConfig) error
	Close() error
}

// PlayerRepo 玩家与社交账号数据访问接口
type PlayerRepo interface {
	// UpsertPlayer 按 UUID 创建或更新玩家（名字与 IP），返回最新记录
	UpsertPlayer(ctx context.Context, player *model.Player) (*model.Player, error)
	// AddPlayerServer 将子服加入玩家去过的服务器集合，重复添加无副作用
	AddPlayerServer(ctx context.Context, playerID, serverID int64) error
	GetPlayerByUUID(ctx context.Context, uuid string) (*model.Player, error)
	GetPlayerByName(ctx context.Context, name string) (*model.Player, error)
	GetSocialAccount(ctx context.Context, id int64) (*model.SocialAccount, error)
	// LinkSocialAccount 事务内按 (uid, network) 查找或创建账号，并关联到玩家
	LinkSocialAccount(ctx context.Context, playerID int64, account *model.SocialAccount) (*model.SocialAccount, error)
	// UnlinkSocialAccount 仅当玩家当前关联的正是 accountID 时解除关联
	UnlinkSocialAccount(ctx context.Context, playerID, accountID int64) (bool, error)
	Close() error
}

// QueueRepo 消息队列数据访问接口
// 所有状态变更只作用于 pending 记录，终态不可再变
type QueueRepo interface {
	CreateMessage(ctx context.Context, msg *model.QueueMessage) error
	GetMessage(ctx context.Context, id int64) (*model.QueueMessage, error)
	// ListPendingServerIDs 列出存在待投递消息的子服
	ListPendingServerIDs(ctx context.Context) ([]int64, error)
	// ListPendingMessages 拉取某子服未被占用的待投递消息，按时间倒序
	ListPendingMessages(ctx context.Context, serverID int64, now time.Time, limit int) ([]*model.QueueMessage, error)
	// ClaimMessage 占用消息直到 until，返回是否抢占成功
	ClaimMessage(ctx context.Context, id int64, now, until time.Time) (bool, error)
	MarkSuccess(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	// IncrementRetry 重试次数加一，达到 ceiling 时置为 failed；holdUntil 非空时继续占用消息
	IncrementRetry(ctx context.Context, id int64, ceiling int, holdUntil *time.Time) (*model.QueueMessage, error)
	// UpdateContent 重新渲染后更新待投递内容
	UpdateContent(ctx context.Context, id int64, content string) error
	GetStats(ctx context.Context, serverID int64) (*model.QueueStats, error)
	Close() error
}

// Option 配置 repo 的选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// newLogger 提供默认 logger
func newLogger(namespace string, opts []Option) (clog.Logger, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger != nil {
		return o.logger.WithNamespace(namespace), nil
	}
	logger, err := clog.New(&clog.Config{
		Level:  "info",
		Format: "json",
		Output: "/dev/null",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}
	return logger.WithNamespace(namespace), nil
}

// notFound 把 gorm 的记录不存在转换为 ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
