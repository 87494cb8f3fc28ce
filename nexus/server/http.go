// Package server 组装 Nexus 的 HTTP 入口：两类 WebSocket 握手、只读状态接口与健康检查。
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/middleware"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/health"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// LeafHandler 子服 WebSocket 握手
type LeafHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// ReverseHandler 机器人反向 WebSocket 握手
type ReverseHandler interface {
	ServeReverse(w http.ResponseWriter, r *http.Request, adapterID int64)
}

// StatusProvider 子服连接状态
type StatusProvider interface {
	Get(ctx context.Context, serverID int64) (*model.ConnectionStatus, error)
}

// StatsProvider 子服队列统计
type StatsProvider interface {
	Stats(ctx context.Context, serverID int64) (*model.QueueStats, error)
}

// Handlers HTTP 层依赖的业务入口
type Handlers struct {
	Leaf    LeafHandler
	Reverse ReverseHandler
	Status  StatusProvider
	Stats   StatsProvider
}

// HTTPServer HTTP 服务包装器
type HTTPServer struct {
	addr     string
	logger   clog.Logger
	handlers Handlers
	probe    *health.Probe
	limiter  ratelimit.Limiter
	limit    ratelimit.Limit
	engine   *gin.Engine
	mu       sync.Mutex
	server   *http.Server
}

// NewHTTPServer 创建 HTTP 服务，limiter 为 nil 时不限流
func NewHTTPServer(addr string, logger clog.Logger, h Handlers, probe *health.Probe, limiter ratelimit.Limiter, limit ratelimit.Limit) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		logger:   logger.WithNamespace("http"),
		handlers: h,
		probe:    probe,
		limiter:  limiter,
		limit:    limit,
	}
	s.engine = s.routes()
	return s
}

// Handler 返回路由，测试时可直接挂到 httptest
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(s.logger))

	// 健康检查不打请求日志
	router.GET("/health", gin.WrapF(s.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(s.probe.ReadinessHandler()))

	ws := router.Group("/ws", middleware.Logger(s.logger))
	if s.limiter != nil {
		ws.Use(middleware.RateLimit(s.limiter, s.limit, s.logger))
	}
	ws.GET("/leaf", s.handleLeaf)
	ws.GET("/onebot/:adapter_id", s.handleOneBot)

	api := router.Group("/api", middleware.Logger(s.logger))
	api.GET("/servers/:id/status", s.handleStatus)
	api.GET("/servers/:id/queue/stats", s.handleQueueStats)

	return router
}

func (s *HTTPServer) handleLeaf(c *gin.Context) {
	s.handlers.Leaf.HandleWebSocket(c.Writer, c.Request)
}

func (s *HTTPServer) handleOneBot(c *gin.Context) {
	id, ok := pathID(c, "adapter_id")
	if !ok {
		return
	}
	s.handlers.Reverse.ServeReverse(c.Writer, c.Request, id)
}

func (s *HTTPServer) handleStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := s.handlers.Status.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *HTTPServer) handleQueueStats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := s.handlers.Stats.Stats(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *HTTPServer) writeError(c *gin.Context, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error("request failed", clog.String("path", c.FullPath()), clog.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// Start 监听端口并在后台提供服务
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.server = &http.Server{Handler: s.engine}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("http server started", clog.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", clog.Error(err))
		}
	}()
	return nil
}

// Stop 停止 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
