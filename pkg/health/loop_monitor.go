package health

import (
	"sync"
	"time"
)

// defaultLoopMaxAge 未指定阈值时的最大静默时长
const defaultLoopMaxAge = 10 * time.Second

// LoopMonitor 记录后台循环（流消费者、恢复调度）的心跳与最近错误。
// 零值可用。
type LoopMonitor struct {
	mu       sync.RWMutex
	lastBeat time.Time
	lastErr  string
	failures int
	handled  uint64
}

// Tick 记录一次心跳
func (m *LoopMonitor) Tick() {
	m.mu.Lock()
	m.lastBeat = time.Now()
	m.mu.Unlock()
}

// SetError 记录最近一次错误，nil 忽略
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err.Error()
	m.failures++
	m.mu.Unlock()
}

// Handled 记录一条消息处理成功，并清零连续失败计数
func (m *LoopMonitor) Handled() {
	m.mu.Lock()
	m.handled++
	m.failures = 0
	m.mu.Unlock()
}

func (m *LoopMonitor) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Stats 返回累计处理数与连续失败数
func (m *LoopMonitor) Stats() (handled uint64, consecutiveFailures int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handled, m.failures
}

// Healthy 心跳在 maxAge 内即视为健康；从未心跳返回 false。
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	m.mu.RLock()
	beat, lastErr := m.lastBeat, m.lastErr
	m.mu.RUnlock()

	if beat.IsZero() {
		return false, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = defaultLoopMaxAge
	}
	age := now.Sub(beat)
	if age < 0 {
		age = 0
	}
	return age <= maxAge, age, lastErr
}
