package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
)

// Config Nexus 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 服务主机名
		HTTPPort int    `mapstructure:"http_port"` // HTTP 端口，子服与机器人的 WebSocket 也挂在这里
	} `mapstructure:"service"`

	Log      clog.Config                `mapstructure:"log"`
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"`

	WS        WSConfig        `mapstructure:"ws"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Status    StatusConfig    `mapstructure:"status"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`

	Observability observability.Config `mapstructure:"observability"`
}

// WSConfig WebSocket 相关配置
type WSConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
}

// GatewayConfig 子服协议网关配置
type GatewayConfig struct {
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"` // 调用子服的超时
	SendBuffer int           `mapstructure:"send_buffer"`
}

// AdapterConfig 机器人适配器配置
type AdapterConfig struct {
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
}

// QueueConfig 投递队列配置
type QueueConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Lease      time.Duration `mapstructure:"lease"`
}

// RelayConfig 转发配置
type RelayConfig struct {
	// InlineDelivery 入队后是否立即旁路投递，未配置时开启
	InlineDelivery *bool           `mapstructure:"inline_delivery"`
	RetryDelays    []time.Duration `mapstructure:"retry_delays"`
}

// StatusConfig 连接状态缓存配置
type StatusConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RateLimitConfig WebSocket 握手限流
type RateLimitConfig struct {
	Disable bool    `mapstructure:"disable"`
	Rate    float64 `mapstructure:"rate"`  // 每秒令牌数
	Burst   int     `mapstructure:"burst"` // 突发容量
}

// GetHost 获取服务主机名，优先使用配置，其次环境变量 HOSTNAME
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// GetRPCTimeout 调用子服的超时，默认 10s
func (c *GatewayConfig) GetRPCTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return 10 * time.Second
}

// GetReconnectDelay 意外断开后的重连延迟，默认 5s
func (c *AdapterConfig) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return 5 * time.Second
}

// GetHeartbeatInterval 正向连接的状态探测间隔，默认 30s
func (c *AdapterConfig) GetHeartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return 30 * time.Second
}

// GetInterval worker 扫描间隔，默认 1s
func (c *QueueConfig) GetInterval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Second
}

// GetBatchSize 每个子服每轮最多处理的消息数，默认 20
func (c *QueueConfig) GetBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 20
}

// GetMaxRetries 重试上限，默认 3
func (c *QueueConfig) GetMaxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// InlineEnabled 是否开启旁路投递
func (c *RelayConfig) InlineEnabled() bool {
	return c.InlineDelivery == nil || *c.InlineDelivery
}

// GetRetryDelays 旁路重试的延迟表，默认 2s、5s、15s
func (c *RelayConfig) GetRetryDelays() []time.Duration {
	if len(c.RetryDelays) > 0 {
		return c.RetryDelays
	}
	return []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}
}

// GetRate 握手限流速率，默认每秒 5 次
func (c *RateLimitConfig) GetRate() float64 {
	if c.Rate > 0 {
		return c.Rate
	}
	return 5
}

// GetBurst 握手限流突发容量，默认 10
func (c *RateLimitConfig) GetBurst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return 10
}

// Load 创建并加载 Nexus 配置
// 配置加载顺序：环境变量 > .env > nexus.{env}.yaml > nexus.yaml
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "nexus",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "NEXUS",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("NEXUS_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}
	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Nexus Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
