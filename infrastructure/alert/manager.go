package alert

import (
	"fmt"
	"sync"
	"time"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // "INFO", "WARNING", "ERROR"
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器，同一 Level+Message 在限流间隔内只发一次
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 发送到所有通道；全部失败时返回最后一个错误，被限流时静默忽略
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(alert.Level + ":" + alert.Message) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			ok++
		}
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) SendInfo(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "INFO", Message: message, Fields: fields})
}

func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "WARNING", Message: message, Fields: fields})
}

func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "ERROR", Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}

// FailureTracker 统计数据源连续失败次数：
// 达到阈值时发 WARNING，之后第一次成功时发 INFO。
type FailureTracker struct {
	mgr       *Manager
	threshold int

	mu          sync.Mutex
	consecutive map[string]int
	alerted     map[string]bool
}

// NewFailureTracker threshold <= 0 时按 3 处理。mgr 为 nil 时只计数。
func NewFailureTracker(mgr *Manager, threshold int) *FailureTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &FailureTracker{
		mgr:         mgr,
		threshold:   threshold,
		consecutive: make(map[string]int),
		alerted:     make(map[string]bool),
	}
}

// Failure 记录一次失败，返回当前连续失败次数。
func (f *FailureTracker) Failure(source, kind string, err error) int {
	f.mu.Lock()
	f.consecutive[source]++
	n := f.consecutive[source]
	fire := n >= f.threshold && !f.alerted[source]
	if fire {
		f.alerted[source] = true
	}
	f.mu.Unlock()

	if fire && f.mgr != nil {
		_ = f.mgr.SendWarning("order source failing", map[string]interface{}{
			"source":      source,
			"kind":        kind,
			"consecutive": n,
			"error":       err.Error(),
		})
	}
	return n
}

// Success 清零计数；之前告警过则发送恢复通知。
func (f *FailureTracker) Success(source string) {
	f.mu.Lock()
	n := f.consecutive[source]
	recovered := f.alerted[source]
	delete(f.consecutive, source)
	delete(f.alerted, source)
	f.mu.Unlock()

	if recovered && f.mgr != nil {
		_ = f.mgr.SendInfo("order source recovered", map[string]interface{}{
			"source":       source,
			"failedBefore": n,
		})
	}
}

// Consecutive 当前连续失败次数
func (f *FailureTracker) Consecutive(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecutive[source]
}
