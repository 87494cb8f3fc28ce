package observability

// Config 可观测性配置
type Config struct {
	// ServiceName 上报时使用的服务名，空时取 ServiceName 常量
	ServiceName string        `mapstructure:"service_name"`
	Trace       TraceConfig   `mapstructure:"trace"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig OTLP 追踪
type TraceConfig struct {
	Disable  bool    `mapstructure:"disable"`  // 只生成 TraceID，不上报
	Endpoint string  `mapstructure:"endpoint"` // 默认 localhost:4317
	Insecure bool    `mapstructure:"insecure"`
	Sampler  float64 `mapstructure:"sampler"` // 0 视为 1
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Disable       bool   `mapstructure:"disable"`
	Port          int    `mapstructure:"port"` // 默认 9094
	Path          string `mapstructure:"path"` // 默认 /metrics
	EnableRuntime bool   `mapstructure:"enable_runtime"`
}

func (c *Config) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return ServiceName
}
