// Package health 提供存活与就绪探针。
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc 一项就绪检查，返回 nil 表示通过
type CheckFunc func(ctx context.Context) error

// Probe 维护健康检查状态，可挂载到任意 HTTP 路由。
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool

	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewProbe 创建健康探针状态。
func NewProbe() *Probe {
	return &Probe{
		checks:  make(map[string]CheckFunc),
		timeout: 2 * time.Second,
	}
}

// SetReady 设置服务就绪状态。
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 设置服务关闭状态。
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// AddCheck 注册一项就绪检查，同名覆盖
func (p *Probe) AddCheck(name string, fn CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = fn
}

// Failing 执行全部检查，返回未通过的检查名（有序）
func (p *Probe) Failing(ctx context.Context) []string {
	p.mu.RLock()
	checks := make(map[string]CheckFunc, len(p.checks))
	for name, fn := range p.checks {
		checks[name] = fn
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var failing []string
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

// LivenessHandler 返回 liveness handler（/health）。
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	}
}

// ReadinessHandler 返回 readiness handler（/ready）。
// 未就绪、正在关闭或任一检查失败时返回 503。
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !p.ready.Load() || p.shutdown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
		if failing := p.Failing(r.Context()); len(failing) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failing": failing})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
