// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表 + Seed 种子数据。
// 通过 `nexus init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
)

// Config 初始化所需的配置（复用 nexus.yaml）
type Config struct {
	Log        clog.Config                `mapstructure:"log"`
	PostgreSQL connector.PostgreSQLConfig `mapstructure:"postgres"`
	Seed       SeedConfig                 `mapstructure:"seed"`
}

// SeedConfig 初始数据
type SeedConfig struct {
	Adapters []AdapterSeed `mapstructure:"adapters"`
	Servers  []ServerSeed  `mapstructure:"servers"`
}

// AdapterSeed 一个初始适配器，按 ID 判断是否已存在
type AdapterSeed struct {
	ID            int64  `mapstructure:"id"`
	Direction     string `mapstructure:"direction"`
	Address       string `mapstructure:"address"`
	Token         string `mapstructure:"token"`
	AutoReconnect bool   `mapstructure:"auto_reconnect"`
}

// ServerSeed 一个初始子服，按 token 判断是否已存在
type ServerSeed struct {
	Name      string `mapstructure:"name"`
	Token     string `mapstructure:"token"`
	AdapterID int64  `mapstructure:"adapter_id"`
}

// Repos 种子数据写入的仓储
type Repos struct {
	Servers  repo.ServerRepo
	Adapters repo.AdapterRepo
	Syncs    repo.SyncRepo
	Bindings repo.BindingRepo
}

// Run 执行数据库初始化：建表 + 种子数据
func Run() error {
	// 1. 加载配置
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化日志
	logger, _ := clog.New(&cfg.Log)
	logger.Info("starting database initialization...")

	// 3. 连接 PostgreSQL
	postgresConn, err := connector.NewPostgreSQL(&cfg.PostgreSQL, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("postgresql connector: %w", err)
	}
	defer postgresConn.Close()

	ctx := context.Background()
	if err := postgresConn.Connect(ctx); err != nil {
		return fmt.Errorf("postgresql connect: %w", err)
	}

	dbInstance, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(postgresConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer dbInstance.Close()

	// 4. AutoMigrate 建表 + 索引
	logger.Info("running AutoMigrate...")
	if err := dbInstance.DB(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("AutoMigrate completed")

	// 5. Seed 种子数据
	repos, err := newRepos(dbInstance, logger)
	if err != nil {
		return err
	}
	logger.Info("seeding initial data...")
	if err := Seed(ctx, repos, &cfg.Seed, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	logger.Info("database initialization finished successfully")
	return nil
}

func newRepos(database db.DB, logger clog.Logger) (*Repos, error) {
	opt := repo.WithLogger(logger)
	servers, err := repo.NewServerRepo(database, opt)
	if err != nil {
		return nil, err
	}
	adapters, err := repo.NewAdapterRepo(database, opt)
	if err != nil {
		return nil, err
	}
	syncs, err := repo.NewSyncRepo(database, opt)
	if err != nil {
		return nil, err
	}
	bindings, err := repo.NewBindingRepo(database, opt)
	if err != nil {
		return nil, err
	}
	return &Repos{Servers: servers, Adapters: adapters, Syncs: syncs, Bindings: bindings}, nil
}

// Seed 写入配置中的适配器与子服，并为每个子服补齐默认的同步配置与绑定策略。
// 已存在的记录保持不变。
func Seed(ctx context.Context, r *Repos, seed *SeedConfig, logger clog.Logger) error {
	for _, a := range seed.Adapters {
		if err := seedAdapter(ctx, r, a, logger); err != nil {
			return err
		}
	}
	for _, s := range seed.Servers {
		if err := seedServer(ctx, r, s, logger); err != nil {
			return err
		}
	}

	servers, err := r.Servers.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	for _, srv := range servers {
		if err := ensureServerConfigs(ctx, r, srv.ID, logger); err != nil {
			return err
		}
	}
	return nil
}

func seedAdapter(ctx context.Context, r *Repos, a AdapterSeed, logger clog.Logger) error {
	if a.ID <= 0 {
		return fmt.Errorf("seed adapter: id is required")
	}
	_, err := r.Adapters.GetAdapter(ctx, a.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("seed adapter %d: %w", a.ID, err)
	}

	direction := a.Direction
	if direction == "" {
		direction = model.ConnectionReverse
	}
	if err := r.Adapters.UpsertAdapter(ctx, &model.Adapter{
		ID:            a.ID,
		Type:          model.AdapterTypeOneBot,
		Direction:     direction,
		Enabled:       true,
		Address:       a.Address,
		Token:         a.Token,
		AutoReconnect: a.AutoReconnect,
	}); err != nil {
		return fmt.Errorf("seed adapter %d: %w", a.ID, err)
	}
	logger.Info("adapter ready", clog.Int64("adapter_id", a.ID), clog.String("direction", direction))
	return nil
}

func seedServer(ctx context.Context, r *Repos, s ServerSeed, logger clog.Logger) error {
	if s.Token == "" {
		return fmt.Errorf("seed server %q: token is required", s.Name)
	}
	_, err := r.Servers.GetServerByToken(ctx, s.Token)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("seed server %q: %w", s.Name, err)
	}

	srv := &model.LeafServer{Name: s.Name, Token: s.Token}
	if s.AdapterID > 0 {
		id := s.AdapterID
		srv.AdapterID = &id
	}
	if err := r.Servers.UpsertServer(ctx, srv); err != nil {
		return fmt.Errorf("seed server %q: %w", s.Name, err)
	}
	logger.Info("leaf server ready", clog.Int64("server_id", srv.ID), clog.String("name", srv.Name))
	return nil
}

func ensureServerConfigs(ctx context.Context, r *Repos, serverID int64, logger clog.Logger) error {
	_, err := r.Syncs.GetSyncConfig(ctx, serverID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := r.Syncs.UpsertSyncConfig(ctx, &model.SyncConfig{
			ServerID:          serverID,
			GameToChatEnabled: true,
			ChatToGameEnabled: true,
		}); err != nil {
			return fmt.Errorf("seed sync config %d: %w", serverID, err)
		}
		logger.Info("default sync config created", clog.Int64("server_id", serverID))
	case err != nil:
		return fmt.Errorf("load sync config %d: %w", serverID, err)
	}

	_, err = r.Bindings.GetBindingConfig(ctx, serverID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := r.Bindings.UpsertBindingConfig(ctx, model.DefaultBindingConfig(serverID)); err != nil {
			return fmt.Errorf("seed binding config %d: %w", serverID, err)
		}
		logger.Info("default binding config created", clog.Int64("server_id", serverID))
	case err != nil:
		return fmt.Errorf("load binding config %d: %w", serverID, err)
	}
	return nil
}

// loadConfig 加载配置（复用 nexus.yaml）
func loadConfig() (*Config, error) {
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
	return &cfg, nil
}
