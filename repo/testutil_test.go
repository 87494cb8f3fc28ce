package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

// pgHarness 整个包共享一个 PostgreSQL 容器，每个用例开始前清空全部表
type pgHarness struct {
	once sync.Once
	err  error

	container testcontainers.Container
	conn      connector.PostgreSQLConnector
	db        db.DB
	tables    []string
}

var harness pgHarness

func getTestLogger(t *testing.T) clog.Logger {
	t.Helper()
	return clog.Discard()
}

func (h *pgHarness) start() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := h.runContainer(ctx)
	if err != nil {
		h.err = err
		return
	}

	logger := clog.Discard()
	h.conn, err = connector.NewPostgreSQL(cfg, connector.WithLogger(logger))
	if err != nil {
		h.err = fmt.Errorf("new connector: %w", err)
		return
	}
	// 端口就绪后数据库可能仍在初始化
	for attempt := 0; attempt < 20; attempt++ {
		if err = h.conn.Connect(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		h.err = fmt.Errorf("connect postgres: %w", err)
		return
	}

	h.db, err = db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(h.conn), db.WithLogger(logger))
	if err != nil {
		h.err = fmt.Errorf("new db: %w", err)
		return
	}

	gormDB := h.db.DB(ctx)
	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		h.err = fmt.Errorf("auto migrate: %w", err)
		return
	}
	for _, m := range model.AllModels() {
		stmt := &gorm.Statement{DB: gormDB}
		if err := stmt.Parse(m); err != nil {
			h.err = fmt.Errorf("parse %T: %w", m, err)
			return
		}
		h.tables = append(h.tables, stmt.Schema.Table)
	}
}

func (h *pgHarness) runContainer(ctx context.Context) (cfg *connector.PostgreSQLConfig, err error) {
	defer func() {
		// testcontainers 在找不到 Docker 时可能直接 panic
		if r := recover(); r != nil {
			err = fmt.Errorf("start postgres container: %v", r)
		}
	}()

	h.container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "nexus_test",
				"POSTGRES_USER":     "nexus",
				"POSTGRES_PASSWORD": "nexus123",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	host, err := h.container.Host(ctx)
	if err != nil {
		return nil, err
	}
	mapped, err := h.container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return nil, err
	}

	return &connector.PostgreSQLConfig{
		Name:            "repo-test",
		Host:            host,
		Port:            port,
		Username:        "nexus",
		Password:        "nexus123",
		Database:        "nexus_test",
		SSLMode:         "disable",
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  5 * time.Second,
		Timezone:        "UTC",
	}, nil
}

func (h *pgHarness) truncate(t *testing.T) {
	t.Helper()
	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(h.tables, ", "))
	if err := h.db.DB(context.Background()).Exec(stmt).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func (h *pgHarness) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h.db != nil {
		_ = h.db.Close()
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

var errNoDocker = errors.New("docker unavailable")

func classify(err error) error {
	msg := err.Error()
	for _, hint := range []string{"docker.sock", "rootless Docker not found", "Cannot connect to the Docker daemon"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", errNoDocker, err)
		}
	}
	return err
}

// setupTestContext 返回一个空库，没有 Docker 时跳过用例
func setupTestContext(t *testing.T) (db.DB, func()) {
	t.Helper()
	harness.once.Do(harness.start)
	if harness.err != nil {
		if err := classify(harness.err); errors.Is(err, errNoDocker) {
			t.Skipf("skip: %v", err)
		}
		t.Fatalf("postgres harness: %v", harness.err)
	}

	harness.truncate(t)
	return harness.db, func() { harness.truncate(t) }
}

func TestMain(m *testing.M) {
	code := m.Run()
	harness.stop()
	os.Exit(code)
}
