// Package observability 提供 Nexus 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）。
// 未调用 Init 时所有记录函数都是空操作，单元测试无需初始化。
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName 默认服务名称
	ServiceName = "fgate-nexus"

	// TracerName Tracer 名称
	TracerName = "nexus-service"
)

var (
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 子服连接
	leafConnectionsActive metrics.Gauge
	leafConnectionsTotal  metrics.Counter
	leafRejectedTotal     metrics.Counter
	leafRPCTotal          metrics.Counter
	leafRPCErrorsTotal    metrics.Counter

	// 适配器连接
	adapterConnectionsActive metrics.Gauge
	adapterReconnectsTotal   metrics.Counter
	adapterEventsTotal       metrics.Counter

	// 消息转发
	relayMessagesTotal    metrics.Counter
	queueDeliveryTotal    metrics.Counter
	queueDeliveryDuration metrics.Histogram

	// 账号绑定
	bindingTotal metrics.Counter

	// HTTP
	httpRequestsTotal   metrics.Counter
	httpRequestDuration metrics.Histogram
	httpErrorsTotal     metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		if cfg.Metrics.Disable {
			return
		}
		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	var err error
	if shutdown != nil {
		err = shutdown(ctx)
	}
	if meter != nil {
		if mErr := meter.Shutdown(ctx); mErr != nil && err == nil {
			err = mErr
		}
	}
	return err
}

func initTrace(cfg *Config) (func(context.Context) error, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	if cfg.Trace.Disable {
		// 只生成 TraceID 不上报
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(cfg.serviceName()),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagator)
		return tp.Shutdown, nil
	}

	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.serviceName())))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return tp.Shutdown, nil
}

func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   cfg.serviceName(),
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9094
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}
	return metrics.New(metricsCfg)
}

func initBusinessMetrics() {
	leafConnectionsActive, _ = meter.Gauge(
		"nexus_leaf_connections_active",
		"Current number of connected leaf servers",
	)
	leafConnectionsTotal, _ = meter.Counter(
		"nexus_leaf_connections_total",
		"Total number of accepted leaf server connections",
	)
	leafRejectedTotal, _ = meter.Counter(
		"nexus_leaf_rejected_total",
		"Total number of rejected leaf server handshakes",
	)
	leafRPCTotal, _ = meter.Counter(
		"nexus_leaf_rpc_total",
		"Total number of JSON-RPC requests received from leaf servers",
	)
	leafRPCErrorsTotal, _ = meter.Counter(
		"nexus_leaf_rpc_errors_total",
		"Total number of JSON-RPC error responses",
	)

	adapterConnectionsActive, _ = meter.Gauge(
		"nexus_adapter_connections_active",
		"Current number of live adapter connections",
	)
	adapterReconnectsTotal, _ = meter.Counter(
		"nexus_adapter_reconnects_total",
		"Total number of scheduled adapter reconnects",
	)
	adapterEventsTotal, _ = meter.Counter(
		"nexus_adapter_events_total",
		"Total number of inbound chat network events",
	)

	relayMessagesTotal, _ = meter.Counter(
		"nexus_relay_messages_total",
		"Total number of messages handled by the relay pipeline",
	)
	queueDeliveryTotal, _ = meter.Counter(
		"nexus_queue_delivery_total",
		"Total number of queued message delivery attempts",
	)
	queueDeliveryDuration, _ = meter.Histogram(
		"nexus_queue_delivery_duration_seconds",
		"Queued message delivery latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}),
	)

	bindingTotal, _ = meter.Counter(
		"nexus_binding_total",
		"Total number of binding operations",
	)

	httpRequestsTotal, _ = meter.Counter(
		"nexus_http_requests_total",
		"Total number of HTTP requests",
	)
	httpRequestDuration, _ = meter.Histogram(
		"nexus_http_request_duration_seconds",
		"HTTP request latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)
	httpErrorsTotal, _ = meter.Counter(
		"nexus_http_errors_total",
		"Total number of HTTP errors",
	)
}

// ============================================================================
// Trace 辅助函数
// ============================================================================

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// GetTraceID 返回当前 Span 的 TraceID，没有有效 Span 时返回空串
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// NewLogger 创建带 Trace Context 的日志器
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// SetLeafConnectionsActive 设置当前在线的子服数
func SetLeafConnectionsActive(ctx context.Context, count int) {
	if leafConnectionsActive != nil {
		leafConnectionsActive.Set(ctx, float64(count))
	}
}

// RecordLeafConnected 记录子服接入
func RecordLeafConnected(ctx context.Context) {
	if leafConnectionsTotal != nil {
		leafConnectionsTotal.Inc(ctx)
	}
}

// RecordLeafRejected 记录握手被拒绝
func RecordLeafRejected(ctx context.Context, reason string) {
	if leafRejectedTotal != nil {
		leafRejectedTotal.Inc(ctx, metrics.L("reason", reason))
	}
}

// RecordLeafRPC 记录子服请求
func RecordLeafRPC(ctx context.Context, method string) {
	if leafRPCTotal != nil {
		leafRPCTotal.Inc(ctx, metrics.L("method", method))
	}
}

// RecordLeafRPCError 记录错误响应
func RecordLeafRPCError(ctx context.Context, code int) {
	if leafRPCErrorsTotal != nil {
		leafRPCErrorsTotal.Inc(ctx, metrics.L("code", fmt.Sprint(code)))
	}
}

// SetAdapterConnectionsActive 设置当前在线的适配器连接数
func SetAdapterConnectionsActive(ctx context.Context, count int) {
	if adapterConnectionsActive != nil {
		adapterConnectionsActive.Set(ctx, float64(count))
	}
}

// RecordAdapterReconnect 记录一次重连调度
func RecordAdapterReconnect(ctx context.Context, direction string) {
	if adapterReconnectsTotal != nil {
		adapterReconnectsTotal.Inc(ctx, metrics.L("direction", direction))
	}
}

// RecordAdapterEvent 记录聊天侧事件
func RecordAdapterEvent(ctx context.Context, kind string) {
	if adapterEventsTotal != nil {
		adapterEventsTotal.Inc(ctx, metrics.L("kind", kind))
	}
}

// RecordRelay 记录转发管道结果（queued / dropped / disabled / error）
func RecordRelay(ctx context.Context, direction, result string) {
	if relayMessagesTotal != nil {
		relayMessagesTotal.Inc(ctx, metrics.L("direction", direction), metrics.L("result", result))
	}
}

// RecordDelivery 记录一次投递尝试
func RecordDelivery(ctx context.Context, direction string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	if queueDeliveryTotal != nil {
		queueDeliveryTotal.Inc(ctx, metrics.L("direction", direction), metrics.L("result", result))
	}
	if queueDeliveryDuration != nil {
		queueDeliveryDuration.Record(ctx, duration.Seconds(), metrics.L("direction", direction))
	}
}

// RecordBinding 记录绑定操作结果
func RecordBinding(ctx context.Context, op, result string) {
	if bindingTotal != nil {
		bindingTotal.Inc(ctx, metrics.L("op", op), metrics.L("result", result))
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.Inc(ctx, labels...)
	}
	if httpRequestDuration != nil {
		httpRequestDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordHTTPError 记录 HTTP 错误
func RecordHTTPError(ctx context.Context, labels ...metrics.Label) {
	if httpErrorsTotal != nil {
		httpErrorsTotal.Inc(ctx, labels...)
	}
}
