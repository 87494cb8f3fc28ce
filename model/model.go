package model

import (
	"time"

	"github.com/ceyewan/genesis/xerrors"
)

// 消息方向
const (
	DirectionGameToChat = "gameToChat"
	DirectionChatToGame = "chatToGame"
)

// 队列消息状态，success 与 failed 为终态
const (
	QueueStatusPending = "pending"
	QueueStatusSuccess = "success"
	QueueStatusFailed  = "failed"
)

// 过滤规则匹配方式与适用方向
const (
	MatchModeExact    = "exact"
	MatchModeContains = "contains"
	MatchModeRegex    = "regex"

	FilterDirectionBoth = "both"
)

// 适配器类型与连接方向
const (
	AdapterTypeOneBot = "onebot"

	ConnectionReverse = "reverse"
	ConnectionForward = "forward"
)

// 社交账号所属网络
const (
	NetworkQQ = "qq"
)

// 验证码字符集
const (
	CodeModeMixed  = "mixed"
	CodeModeNumber = "number"
	CodeModeLetter = "letter"
	CodeModeUpper  = "upper"
	CodeModeLower  = "lower"
)

var ErrUnknownAdapterType = xerrors.New("unknown adapter type")

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源。
// 表结构通过 `nexus init` 调用 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表                 索引名                    列                         类型       用途
//	────────────────── ──────────────────────── ────────────────────────── ────────── ───────────────────────────
//	t_leaf_server      PK                       id                         自增主键   -
//	t_leaf_server      uniq_server_token        token                      唯一       握手时按 token 鉴权
//	t_leaf_server      idx_server_adapter       adapter_id                 普通       按适配器反查绑定的服务器
//	t_adapter          PK                       id                         自增主键   -
//	t_queue_message    PK                       id                         自增主键   -
//	t_queue_message    idx_queue_server_status  (server_id, status)        复合       worker 拉取待投递消息 / 统计
//	t_sync_config      PK                       server_id                  主键       每服一份同步配置
//	t_filter_rule      idx_filter_server_pos    (server_id, position)      复合       按顺序加载过滤规则
//	t_binding_config   PK                       server_id                  主键       每服一份绑定策略
//	t_player           uniq_player_uuid         uuid                       唯一       按游戏 UUID 查玩家
//	t_player           idx_player_account       social_account_id          普通       按社交账号反查玩家
//	t_player_server    PK                       (player_id, server_id)     复合主键   玩家去过的服务器集合
//	t_social_account   uniq_account_uid_network (uid, network)             唯一复合   同一网络下账号唯一
//
// ============================================================================

// LeafServer 子服（游戏服务器）
type LeafServer struct {
	ID        int64  `gorm:"primaryKey;column:id;autoIncrement"`
	Name      string `gorm:"column:name;type:varchar(128);not null"`
	Token     string `gorm:"column:token;type:varchar(128);not null;uniqueIndex:uniq_server_token"`
	AdapterID *int64 `gorm:"column:adapter_id;index:idx_server_adapter"`
	Software  string `gorm:"column:software;type:varchar(64)"`
	Version   string `gorm:"column:version;type:varchar(64)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adapter 聊天机器人适配器连接配置
type Adapter struct {
	ID            int64  `gorm:"primaryKey;column:id;autoIncrement"`
	Type          string `gorm:"column:type;type:varchar(32);not null"`
	Direction     string `gorm:"column:direction;type:varchar(16);not null"`
	Enabled       bool   `gorm:"column:enabled"`
	Address       string `gorm:"column:address;type:varchar(255)"`
	Token         string `gorm:"column:token;type:varchar(255)"`
	AutoReconnect bool   `gorm:"column:auto_reconnect"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AdapterDetail 按适配器类型区分的连接参数
type AdapterDetail interface {
	Kind() string
}

// OneBotDetail OneBot v11 协议的连接参数
type OneBotDetail struct {
	Direction     string
	Address       string
	Token         string
	AutoReconnect bool
}

// Kind 实现 AdapterDetail
func (OneBotDetail) Kind() string { return AdapterTypeOneBot }

// Detail 解析适配器记录为具体类型的参数
func (a *Adapter) Detail() (AdapterDetail, error) {
	switch a.Type {
	case AdapterTypeOneBot:
		return OneBotDetail{
			Direction:     a.Direction,
			Address:       a.Address,
			Token:         a.Token,
			AutoReconnect: a.AutoReconnect,
		}, nil
	default:
		return nil, ErrUnknownAdapterType
	}
}

// QueueMessage 待投递的跨平台消息
// ClaimedUntil 非空且晚于当前时间时，表示消息正被某条投递路径占用
type QueueMessage struct {
	ID           int64      `gorm:"primaryKey;column:id;autoIncrement"`
	ServerID     int64      `gorm:"column:server_id;not null;index:idx_queue_server_status,priority:1"`
	Direction    string     `gorm:"column:direction;type:varchar(16);not null"`
	Content      string     `gorm:"column:content;type:text"`
	Status       string     `gorm:"column:status;type:varchar(16);not null;default:pending;index:idx_queue_server_status,priority:2"`
	RetryCount   int        `gorm:"column:retry_count;type:int;default:0"`
	Sender       string     `gorm:"column:sender;type:varchar(128)"`
	RawMessage   string     `gorm:"column:raw_message;type:text"`
	GroupID      string     `gorm:"column:group_id;type:varchar(64)"`
	ClaimedUntil *time.Time `gorm:"column:claimed_until"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncConfig 每个子服的消息同步配置
type SyncConfig struct {
	ServerID           int64         `gorm:"primaryKey;column:server_id;autoIncrement:false"`
	Enabled            bool          `gorm:"column:enabled;default:false"`
	GameToChatEnabled  bool          `gorm:"column:game_to_chat_enabled"`
	ChatToGameEnabled  bool          `gorm:"column:chat_to_game_enabled"`
	GroupIDs           []string      `gorm:"column:group_ids;type:text;serializer:json"`
	GameToChatTemplate string        `gorm:"column:game_to_chat_template;type:text"`
	ChatToGameTemplate string        `gorm:"column:chat_to_game_template;type:text"`
	FilterRules        []*FilterRule `gorm:"foreignKey:ServerID;references:ServerID"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DirectionEnabled 判断某个方向是否需要同步
func (c *SyncConfig) DirectionEnabled(direction string) bool {
	if c == nil || !c.Enabled {
		return false
	}
	switch direction {
	case DirectionGameToChat:
		return c.GameToChatEnabled
	case DirectionChatToGame:
		return c.ChatToGameEnabled
	default:
		return false
	}
}

// Template 返回方向对应的消息模板
func (c *SyncConfig) Template(direction string) string {
	if direction == DirectionChatToGame {
		return c.ChatToGameTemplate
	}
	return c.GameToChatTemplate
}

// HasGroup 判断群号是否在同步范围内
func (c *SyncConfig) HasGroup(groupID string) bool {
	for _, id := range c.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// FilterRule 关键词过滤规则，Replacement 为空表示直接丢弃消息
type FilterRule struct {
	ID          int64  `gorm:"primaryKey;column:id;autoIncrement"`
	ServerID    int64  `gorm:"column:server_id;not null;index:idx_filter_server_pos,priority:1"`
	Position    int    `gorm:"column:position;type:int;default:0;index:idx_filter_server_pos,priority:2"`
	Keyword     string `gorm:"column:keyword;type:varchar(255);not null"`
	MatchMode   string `gorm:"column:match_mode;type:varchar(16);not null;default:contains"`
	Direction   string `gorm:"column:direction;type:varchar(16);not null;default:both"`
	Replacement string `gorm:"column:replacement;type:varchar(255)"`
	Enabled     bool   `gorm:"column:enabled"`
}

// BindingConfig 每个子服的账号绑定策略
type BindingConfig struct {
	ServerID             int64  `gorm:"primaryKey;column:server_id;autoIncrement:false"`
	BindPrefix           string `gorm:"column:bind_prefix;type:varchar(32)"`
	UnbindPrefix         string `gorm:"column:unbind_prefix;type:varchar(32)"`
	RequireBinding       bool   `gorm:"column:require_binding;default:false"`
	AllowUnbind          bool   `gorm:"column:allow_unbind"`
	CodeMode             string `gorm:"column:code_mode;type:varchar(16);default:mixed"`
	CodeLength           int    `gorm:"column:code_length;type:int;default:6"`
	CodeExpireMinutes    int    `gorm:"column:code_expire_minutes;type:int;default:5"`
	KickMessage          string `gorm:"column:kick_message;type:text"`
	UnbindKickMessage    string `gorm:"column:unbind_kick_message;type:text"`
	BindSuccessMessage   string `gorm:"column:bind_success_message;type:text"`
	BindFailMessage      string `gorm:"column:bind_fail_message;type:text"`
	UnbindSuccessMessage string `gorm:"column:unbind_success_message;type:text"`
	UnbindFailMessage    string `gorm:"column:unbind_fail_message;type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DefaultBindingConfig 新服务器的默认绑定策略
func DefaultBindingConfig(serverID int64) *BindingConfig {
	return &BindingConfig{
		ServerID:             serverID,
		BindPrefix:           "/绑定 ",
		UnbindPrefix:         "/解绑 ",
		RequireBinding:       false,
		AllowUnbind:          true,
		CodeMode:             CodeModeMixed,
		CodeLength:           6,
		CodeExpireMinutes:    5,
		KickMessage:          "{name}，请在群内发送 {prefix}{code} 完成绑定，验证码 {time} 分钟内有效",
		UnbindKickMessage:    "{name}，你的账号已解绑",
		BindSuccessMessage:   "#user 已成功绑定玩家 #player",
		BindFailMessage:      "验证码 #code 无效或已过期",
		UnbindSuccessMessage: "#user 已解绑玩家 #player",
		UnbindFailMessage:    "#user 无法解绑玩家 #player",
	}
}

// Player 玩家身份
type Player struct {
	ID              int64  `gorm:"primaryKey;column:id;autoIncrement"`
	Name            string `gorm:"column:name;type:varchar(64);not null"`
	UUID            string `gorm:"column:uuid;type:varchar(64);not null;uniqueIndex:uniq_player_uuid"`
	IP              string `gorm:"column:ip;type:varchar(64)"`
	SocialAccountID *int64 `gorm:"column:social_account_id;index:idx_player_account"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PlayerServer 玩家与子服的关联
type PlayerServer struct {
	PlayerID  int64 `gorm:"primaryKey;column:player_id;autoIncrement:false"`
	ServerID  int64 `gorm:"primaryKey;column:server_id;autoIncrement:false"`
	CreatedAt time.Time
}

// SocialAccount 聊天平台账号
type SocialAccount struct {
	ID        int64  `gorm:"primaryKey;column:id;autoIncrement"`
	UID       string `gorm:"column:uid;type:varchar(64);not null;uniqueIndex:uniq_account_uid_network,priority:1"`
	Network   string `gorm:"column:network;type:varchar(32);not null;uniqueIndex:uniq_account_uid_network,priority:2"`
	Name      string `gorm:"column:name;type:varchar(128)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (LeafServer) TableName() string    { return "t_leaf_server" }
func (Adapter) TableName() string       { return "t_adapter" }
func (QueueMessage) TableName() string  { return "t_queue_message" }
func (SyncConfig) TableName() string    { return "t_sync_config" }
func (FilterRule) TableName() string    { return "t_filter_rule" }
func (BindingConfig) TableName() string { return "t_binding_config" }
func (Player) TableName() string        { return "t_player" }
func (PlayerServer) TableName() string  { return "t_player_server" }
func (SocialAccount) TableName() string { return "t_social_account" }

// AllModels 返回所有需要自动迁移的模型
func AllModels() []any {
	return []any{
		&LeafServer{},
		&Adapter{},
		&QueueMessage{},
		&SyncConfig{},
		&FilterRule{},
		&BindingConfig{},
		&Player{},
		&PlayerServer{},
		&SocialAccount{},
	}
}

// ============================================================================
// 非持久化模型
// ============================================================================

// QueueStats 队列统计
type QueueStats struct {
	Pending     int64     `json:"pending"`
	Success     int64     `json:"success"`
	Failed      int64     `json:"failed"`
	Total       int64     `json:"total"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// GameSideStatus 游戏侧连接状态
type GameSideStatus struct {
	Connected   bool      `json:"connected"`
	LastSeen    time.Time `json:"lastSeen"`
	PlayerCount int       `json:"playerCount"`
}

// ChatSideStatus 聊天侧连接状态
type ChatSideStatus struct {
	Connected  bool      `json:"connected"`
	LastSeen   time.Time `json:"lastSeen"`
	GroupCount int       `json:"groupCount"`
}

// ConnectionStatus 子服双侧连接状态
type ConnectionStatus struct {
	ServerID int64          `json:"serverId"`
	GameSide GameSideStatus `json:"gameSide"`
	ChatSide ChatSideStatus `json:"chatSide"`
}
