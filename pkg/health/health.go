// Package health 存活、就绪与依赖检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status   Status        `json:"status"`
	Latency  time.Duration `json:"latency"`
	Message  string        `json:"message,omitempty"`
	Optional bool          `json:"optional,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registered struct {
	checker  Checker
	optional bool
}

// Health 汇总依赖状态。关键依赖（数据库、Redis、对象存储）失败时整体 down，
// 可选依赖（消费循环等）失败只降级。
type Health struct {
	mu       sync.RWMutex
	checkers []registered
	ready    atomic.Bool
	timeout  time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// Register 注册关键依赖
func (h *Health) Register(c Checker) {
	h.add(c, false)
}

// RegisterOptional 注册失败时只降级的依赖
func (h *Health) RegisterOptional(c Checker) {
	h.add(c, true)
}

func (h *Health) add(c Checker, optional bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, registered{checker: c, optional: optional})
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 进程能响应即 up
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 未标记就绪或关键依赖不可用时 down
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	if !h.IsReady() {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

// Health 与 Ready 相同，但未就绪时仍报告依赖的真实汇总
func (h *Health) Health(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	status := summarize(deps)
	if !h.IsReady() && status == StatusUp {
		status = StatusDown
	}
	return Response{Status: status, Dependencies: deps}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]registered(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var g errgroup.Group
	for _, reg := range checkers {
		g.Go(func() error {
			name := reg.checker.Name()
			if name == "" {
				name = "unknown"
			}
			res := h.checkOne(ctx, reg.checker)
			res.Optional = reg.optional

			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// checkOne 超时后不再等待探针返回，结果通道带缓冲，探针 goroutine 可自行退出
func (h *Health) checkOne(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	depCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() { resCh <- c.Check(depCtx) }()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-depCtx.Done():
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		switch {
		case r.Status == StatusUp:
		case r.Optional:
			overall = StatusDegraded
		case r.Status == StatusDown:
			return StatusDown
		default:
			overall = StatusDegraded
		}
	}
	return overall
}

// statusCode 降级仍可接流量
func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Live())
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Health(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}
