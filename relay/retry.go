package relay

import (
	"context"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/queue"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
)

// DefaultRetryDelays 旁路投递失败后的重试间隔，超出部分重复最后一项
var DefaultRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}

// Rerenderer 重新校验并渲染队列消息
type Rerenderer interface {
	Rerender(ctx context.Context, msg *model.QueueMessage) (string, bool, error)
}

// RetrierConfig 延迟重试参数
type RetrierConfig struct {
	Delays     []time.Duration
	MaxRetries int
	Lease      time.Duration
}

// Retrier 入队后立即旁路投递一次，失败后按延迟表单次定时重试。
// 与 worker 共用同一消息，投递前必须先占用消息，占用失败即放弃本路径。
type Retrier struct {
	queue     repo.QueueRepo
	deliverer queue.Deliverer
	renderer  Rerenderer
	cfg       RetrierConfig
	logger    clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

// NewRetrier 创建延迟重试器
func NewRetrier(q repo.QueueRepo, deliverer queue.Deliverer, renderer Rerenderer, cfg RetrierConfig, logger clog.Logger) *Retrier {
	if len(cfg.Delays) == 0 {
		cfg.Delays = DefaultRetryDelays
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.MaxRetries
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		queue:     q,
		deliverer: deliverer,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logger.WithNamespace("relay_retry"),
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[int64]*time.Timer),
	}
}

// Dispatch 异步尝试立即投递一条刚入队的消息，不阻塞调用方
func (r *Retrier) Dispatch(msg *model.QueueMessage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	cp := *msg
	go func() {
		defer r.wg.Done()
		r.attempt(&cp, false)
	}()
}

// delay 第 retryCount 次失败后的等待时间
func (r *Retrier) delay(retryCount int) time.Duration {
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(r.cfg.Delays) {
		i = len(r.cfg.Delays) - 1
	}
	return r.cfg.Delays[i]
}

func (r *Retrier) attempt(msg *model.QueueMessage, rerender bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in relay retry", clog.Int64("id", msg.ID), clog.Any("panic", rec))
		}
	}()

	ctx := r.ctx
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	claimed, err := r.queue.ClaimMessage(ctx, msg.ID, now, now.Add(r.cfg.Lease))
	if err != nil {
		r.logger.Error("failed to claim message", clog.Int64("id", msg.ID), clog.Error(err))
		return
	}
	if !claimed {
		// worker 正在处理或消息已是终态
		return
	}

	if rerender {
		content, ok, err := r.renderer.Rerender(ctx, msg)
		if err != nil {
			// 暂时无法校验配置，交还给 worker
			r.logger.Warn("failed to rerender message, handing over to worker",
				clog.Int64("id", msg.ID), clog.Error(err))
			if _, err := r.queue.IncrementRetry(ctx, msg.ID, r.cfg.MaxRetries, nil); err != nil {
				r.logger.Error("failed to increment retry", clog.Int64("id", msg.ID), clog.Error(err))
			}
			return
		}
		if !ok {
			r.logger.Info("sync disabled or message filtered, giving up",
				clog.Int64("id", msg.ID),
				clog.Int64("server_id", msg.ServerID))
			if err := r.queue.MarkFailed(ctx, msg.ID); err != nil {
				r.logger.Error("failed to mark message failed", clog.Int64("id", msg.ID), clog.Error(err))
			}
			return
		}
		if content != msg.Content {
			if err := r.queue.UpdateContent(ctx, msg.ID, content); err != nil {
				r.logger.Warn("failed to update content", clog.Int64("id", msg.ID), clog.Error(err))
			}
			msg.Content = content
		}
	}

	wait := r.delay(msg.RetryCount + 1)
	holdUntil := time.Now().Add(wait)
	ok, updated := queue.Attempt(ctx, r.queue, r.deliverer, msg, r.cfg.MaxRetries, &holdUntil, r.logger)
	if ok || updated == nil || updated.Status != model.QueueStatusPending {
		return
	}
	r.schedule(updated, wait)
}

func (r *Retrier) schedule(msg *model.QueueMessage, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.timers[msg.ID]; ok {
		old.Stop()
	}

	r.logger.Debug("scheduling relay retry",
		clog.Int64("id", msg.ID),
		clog.Int("retry_count", msg.RetryCount),
		clog.Duration("delay", wait))

	id := msg.ID
	r.timers[id] = time.AfterFunc(wait, func() {
		r.mu.Lock()
		delete(r.timers, id)
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		defer r.wg.Done()

		current, err := r.queue.GetMessage(r.ctx, id)
		if err != nil {
			r.logger.Warn("failed to reload message", clog.Int64("id", id), clog.Error(err))
			return
		}
		if current.Status != model.QueueStatusPending {
			return
		}
		r.attempt(current, true)
	})
}

// Pending 当前等待中的定时重试数
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close 停止所有定时重试并等待进行中的投递结束，未完成的消息由 worker 接管
func (r *Retrier) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
