package queue

import (
	"context"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig worker 参数
type WorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	// Lease 单次投递对消息的占用时长
	Lease time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = MaxRetries
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	return c
}

// Worker 周期性扫描待投递消息并直接投递
type Worker struct {
	queue     repo.QueueRepo
	deliverer Deliverer
	cfg       WorkerConfig
	logger    clog.Logger
	now       func() time.Time
}

// NewWorker 创建 worker
func NewWorker(queue repo.QueueRepo, deliverer Deliverer, cfg WorkerConfig, logger clog.Logger) *Worker {
	return &Worker{
		queue:     queue,
		deliverer: deliverer,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithNamespace("queue_worker"),
		now:       time.Now,
	}
}

// Start 启动投递循环，直到 ctx 取消
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting queue worker",
		clog.Duration("interval", w.cfg.Interval),
		clog.Int("batch_size", w.cfg.BatchSize))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick 执行一轮投递：各子服之间并发，子服内部按批顺序处理
func (w *Worker) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in queue worker", clog.Any("panic", r))
		}
	}()

	serverIDs, err := w.queue.ListPendingServerIDs(ctx)
	if err != nil {
		w.logger.Error("failed to list pending servers", clog.Error(err))
		return
	}
	if len(serverIDs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, serverID := range serverIDs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("panic while processing server queue",
						clog.Int64("server_id", serverID),
						clog.Any("panic", r))
				}
			}()
			w.processServer(gctx, serverID)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) processServer(ctx context.Context, serverID int64) {
	messages, err := w.queue.ListPendingMessages(ctx, serverID, w.now(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to list pending messages",
			clog.Int64("server_id", serverID),
			clog.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}

	w.logger.Debug("processing pending messages",
		clog.Int64("server_id", serverID),
		clog.Int("count", len(messages)))

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *model.QueueMessage) {
	if msg.RetryCount >= w.cfg.MaxRetries {
		if err := w.queue.MarkFailed(ctx, msg.ID); err != nil {
			w.logger.Error("failed to mark message failed", clog.Int64("id", msg.ID), clog.Error(err))
		}
		return
	}

	now := w.now()
	claimed, err := w.queue.ClaimMessage(ctx, msg.ID, now, now.Add(w.cfg.Lease))
	if err != nil {
		w.logger.Error("failed to claim message", clog.Int64("id", msg.ID), clog.Error(err))
		return
	}
	if !claimed {
		// 另一条投递路径已占用
		return
	}

	Attempt(ctx, w.queue, w.deliverer, msg, w.cfg.MaxRetries, nil, w.logger)
}

// Attempt 投递一条已被占用的消息并记录结果，失败时重试次数加一。
// holdUntil 非空时，失败后继续占用消息到该时刻（供延迟重试使用）。
// 返回投递是否成功以及更新后的消息（失败时）。
func Attempt(
	ctx context.Context,
	queue repo.QueueRepo,
	deliverer Deliverer,
	msg *model.QueueMessage,
	maxRetries int,
	holdUntil *time.Time,
	logger clog.Logger,
) (bool, *model.QueueMessage) {
	ctx, span := observability.StartSpan(ctx, "queue.deliver",
		attribute.Int64("queue.message_id", msg.ID),
		attribute.String("queue.direction", msg.Direction))
	defer span.End()

	start := time.Now()
	ok := deliverer.Deliver(ctx, msg)
	observability.RecordDelivery(ctx, msg.Direction, ok, time.Since(start))

	if ok {
		if err := queue.MarkSuccess(ctx, msg.ID); err != nil {
			logger.Error("failed to mark message success", clog.Int64("id", msg.ID), clog.Error(err))
		}
		return true, nil
	}

	updated, err := queue.IncrementRetry(ctx, msg.ID, maxRetries, holdUntil)
	if err != nil {
		logger.Error("failed to increment retry", clog.Int64("id", msg.ID), clog.Error(err))
		return false, nil
	}
	if updated.Status == model.QueueStatusFailed {
		logger.Warn("message reached max retries, marked as failed",
			clog.Int64("id", msg.ID),
			clog.Int64("server_id", msg.ServerID),
			clog.Int("retry_count", updated.RetryCount))
	} else {
		logger.Debug("message delivery failed, will retry",
			clog.Int64("id", msg.ID),
			clog.Int("retry_count", updated.RetryCount))
	}
	return false, updated
}
