// Package nexus 管理中心服务的生命周期：加载配置、连接数据库、装配各组件并统一关闭。
package nexus

import (
	"context"
	"fmt"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/adapter"
	"github.com/CrashVibe/FGATE-Nexus-sub000/binding"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/connection"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/socket"
	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/config"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/server"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/health"
	"github.com/CrashVibe/FGATE-Nexus-sub000/queue"
	"github.com/CrashVibe/FGATE-Nexus-sub000/relay"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/CrashVibe/FGATE-Nexus-sub000/router"
	"github.com/CrashVibe/FGATE-Nexus-sub000/status"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/genesis/xerrors"
)

// Nexus 服务生命周期管理器
type Nexus struct {
	config *config.Config
	logger clog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	postgresConn connector.PostgreSQLConnector
	database     db.DB

	repos repos

	connMgr    *connection.Manager
	adapterMgr *adapter.Manager
	worker     *queue.Worker
	retrier    *relay.Retrier

	httpServer  *server.HTTPServer
	healthProbe *health.Probe
	workerDone  chan struct{}
	started     bool
}

type repos struct {
	servers  repo.ServerRepo
	adapters repo.AdapterRepo
	syncs    repo.SyncRepo
	bindings repo.BindingRepo
	players  repo.PlayerRepo
	queue    repo.QueueRepo
}

// New 创建 Nexus 实例
func New() (*Nexus, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Nexus{
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
	}
	if err := n.initComponents(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Nexus) initComponents() error {
	if err := observability.Init(&n.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	logger, err := observability.NewLogger(&n.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	n.logger = logger

	if err := n.initDatabase(); err != nil {
		return err
	}
	if err := n.initRepos(); err != nil {
		return err
	}
	return n.initServices()
}

func (n *Nexus) initDatabase() error {
	conn, err := connector.NewPostgreSQL(&n.config.Postgres, connector.WithLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create postgresql connector")
	}
	n.postgresConn = conn
	if err := conn.Connect(n.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect postgresql")
	}

	database, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(conn), db.WithLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db")
	}
	n.database = database
	return nil
}

func (n *Nexus) initRepos() error {
	opt := repo.WithLogger(n.logger)
	var err error
	if n.repos.servers, err = repo.NewServerRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create server repo")
	}
	if n.repos.adapters, err = repo.NewAdapterRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create adapter repo")
	}
	if n.repos.syncs, err = repo.NewSyncRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create sync repo")
	}
	if n.repos.bindings, err = repo.NewBindingRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create binding repo")
	}
	if n.repos.players, err = repo.NewPlayerRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create player repo")
	}
	if n.repos.queue, err = repo.NewQueueRepo(n.database, opt); err != nil {
		return xerrors.Wrapf(err, "failed to create queue repo")
	}
	return nil
}

// initServices 装配业务组件
func (n *Nexus) initServices() error {
	cfg := n.config
	r := n.repos

	var statusSvc *status.Service
	invalidate := func(serverID int64) {
		if statusSvc != nil {
			statusSvc.Invalidate(serverID)
		}
	}

	// 1. 两侧连接层
	n.connMgr = connection.NewManager(n.logger, invalidate, invalidate)
	n.adapterMgr = adapter.NewManager(r.adapters, adapter.Config{
		ReconnectDelay:    cfg.Adapter.GetReconnectDelay(),
		HeartbeatInterval: cfg.Adapter.GetHeartbeatInterval(),
		ActionTimeout:     cfg.Adapter.ActionTimeout,
		DialTimeout:       cfg.Adapter.DialTimeout,
		ReadBufferSize:    cfg.WS.ReadBufferSize,
		WriteBufferSize:   cfg.WS.WriteBufferSize,
		MaxMessageSize:    cfg.WS.MaxMessageSize,
	}, n.logger)

	// 2. 转发管道与绑定状态机
	queueMgr := queue.NewManager(r.queue, n.logger)
	pipeline := relay.NewPipeline(r.servers, r.syncs, queueMgr, nil, n.logger)
	bindingSvc := binding.NewService(r.bindings, r.players, n.connMgr, n.logger)

	// 3. 统一路由
	rt := router.New(r.adapters, r.servers, bindingSvc, pipeline, n.logger)
	rt.Register(model.AdapterTypeOneBot, n.adapterMgr)
	n.adapterMgr.SetEventHandler(rt.HandleOneBotEvent)

	// 4. 投递
	sender := queue.NewDirectSender(r.servers, r.adapters, r.syncs, rt, n.connMgr, n.logger)
	n.worker = queue.NewWorker(r.queue, sender, queue.WorkerConfig{
		Interval:   cfg.Queue.GetInterval(),
		BatchSize:  cfg.Queue.GetBatchSize(),
		MaxRetries: cfg.Queue.GetMaxRetries(),
		Lease:      cfg.Queue.Lease,
	}, n.logger)
	if cfg.Relay.InlineEnabled() {
		n.retrier = relay.NewRetrier(r.queue, sender, pipeline, relay.RetrierConfig{
			Delays:     cfg.Relay.GetRetryDelays(),
			MaxRetries: cfg.Queue.GetMaxRetries(),
			Lease:      cfg.Queue.Lease,
		}, n.logger)
		pipeline.OnEnqueued(n.retrier.Dispatch)
	}

	// 5. 子服协议网关
	dispatcher := socket.NewDispatcher(n.logger, n.connMgr, bindingSvc, pipeline)
	leafHandler := socket.NewHandler(n.logger, n.connMgr, r.servers, dispatcher, socket.Config{
		ReadBufferSize:  cfg.WS.ReadBufferSize,
		WriteBufferSize: cfg.WS.WriteBufferSize,
		Conn: connection.Config{
			MaxMessageSize: cfg.WS.MaxMessageSize,
			PingInterval:   cfg.WS.PingInterval,
			PongTimeout:    cfg.WS.PongTimeout,
			RPCTimeout:     cfg.Gateway.GetRPCTimeout(),
			SendBuffer:     cfg.Gateway.SendBuffer,
		},
	})

	// 6. 状态查询
	var err error
	statusSvc, err = status.NewService(r.servers, r.syncs, n.connMgr, n.adapterMgr, cfg.Status.CacheTTL, n.logger)
	if err != nil {
		return err
	}

	// 7. HTTP 入口
	var limiter ratelimit.Limiter
	if !cfg.RateLimit.Disable {
		limiter, err = ratelimit.New(&ratelimit.Config{
			Driver: ratelimit.DriverStandalone,
		}, ratelimit.WithLogger(n.logger))
		if err != nil {
			return xerrors.Wrapf(err, "failed to create rate limiter")
		}
	}
	n.healthProbe = health.NewProbe()
	n.healthProbe.AddCheck("postgres", func(ctx context.Context) error {
		sqlDB, err := n.database.DB(ctx).DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	n.httpServer = server.NewHTTPServer(cfg.GetHTTPAddr(), n.logger, server.Handlers{
		Leaf:    leafHandler,
		Reverse: n.adapterMgr,
		Status:  statusSvc,
		Stats:   queueMgr,
	}, n.healthProbe, limiter, ratelimit.Limit{
		Rate:  cfg.RateLimit.GetRate(),
		Burst: cfg.RateLimit.GetBurst(),
	})
	return nil
}

// Run 启动所有组件
func (n *Nexus) Run() error {
	n.logger.Info("starting nexus...", clog.String("host", n.config.GetHost()))
	n.healthProbe.SetReady(false)
	n.healthProbe.SetShutdown(false)

	n.started = true
	go func() {
		defer close(n.workerDone)
		n.worker.Start(n.ctx)
	}()

	if err := n.adapterMgr.Start(n.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to start adapters")
	}
	if err := n.httpServer.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start http server")
	}

	n.healthProbe.SetReady(true)
	n.logger.Info("nexus started", clog.String("addr", n.config.GetHTTPAddr()))
	return nil
}

// Close 优雅关闭资源
func (n *Nexus) Close() error {
	if n.logger != nil {
		n.logger.Info("shutting down nexus...")
	}
	if n.healthProbe != nil {
		n.healthProbe.SetReady(false)
		n.healthProbe.SetShutdown(true)
	}

	// 1. 停止接入新连接
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.httpServer.Stop(ctx)
		cancel()
	}

	// 2. 断开两侧连接，停止重试与投递
	if n.adapterMgr != nil {
		n.adapterMgr.Close()
	}
	if n.connMgr != nil {
		n.connMgr.Close()
	}
	if n.retrier != nil {
		n.retrier.Close()
	}
	n.cancel()
	if n.started {
		select {
		case <-n.workerDone:
		case <-time.After(5 * time.Second):
		}
	}

	// 3. 释放数据库
	if n.database != nil {
		n.database.Close()
	}
	if n.postgresConn != nil {
		n.postgresConn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Shutdown(ctx); err != nil && n.logger != nil {
		n.logger.Warn("observability shutdown failed", clog.Error(err))
	}

	if n.logger != nil {
		n.logger.Info("nexus shutdown complete")
	}
	return nil
}
