package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier-feed-go/config"
	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/refresh"
	"courier-feed-go/source"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 按注册顺序启动，逆序停止
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件，失败时回滚已启动的组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，返回所有错误的合并
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// httpServerComponent 先 Listen 再在后台 Serve，端口占用等错误在 Start 时返回
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger
	onStop  func() // Shutdown 之前调用，用于断开 websocket

	mu      sync.Mutex
	server  *http.Server
	bound   string
	started bool
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", h.name, h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.server = srv
	h.bound = ln.Addr().String()

	go func() {
		h.logger.Info(fmt.Sprintf("%s listening on %s", h.name, h.bound))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()

	h.started = true
	return nil
}

// Addr 实际监听地址（配置 :0 时用于测试）
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}
	if h.onStop != nil {
		h.onStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info(fmt.Sprintf("%s stopped", h.name))
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// schedulerComponent 包装刷新任务
type schedulerComponent struct {
	scheduler *refresh.Scheduler
	logger    *logger.Logger
	stopWait  time.Duration

	mu     sync.Mutex
	handle *refresh.Handle
}

func (s *schedulerComponent) Name() string { return "refresh_scheduler" }

func (s *schedulerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	s.handle = s.scheduler.Start(ctx)
	s.logger.Info("refresh scheduler started", zap.Duration("interval", s.scheduler.Interval))
	return nil
}

func (s *schedulerComponent) Stop() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	h.Cancel()
	wait := s.stopWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-h.Done():
		s.logger.Info("refresh scheduler stopped")
		return nil
	case <-time.After(wait):
		return errors.New("refresh scheduler did not stop in time")
	}
}

func (s *schedulerComponent) Health() error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return errors.New("not started")
	}
	select {
	case <-h.Done():
		return errors.New("scheduler exited")
	default:
		return nil
	}
}

// SetInterval 配置热更新时调用
func (s *schedulerComponent) SetInterval(d time.Duration) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		h.SetInterval(d)
	}
}

// streamComponent 管理 websocket 数据源的后台连接
type streamComponent struct {
	stream *source.StreamAdapter
}

func (s *streamComponent) Name() string                    { return "source_stream" }
func (s *streamComponent) Start(ctx context.Context) error { return s.stream.Start(ctx) }
func (s *streamComponent) Health() error                   { return nil }
func (s *streamComponent) Stop() error {
	s.stream.Stop()
	return nil
}

// watcherComponent 监听配置文件，把新的刷新周期推给调度器
type watcherComponent struct {
	watcher *config.Watcher
	onCfg   func(config.AppConfig)
	logger  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watcherComponent) Name() string { return "config_watcher" }

func (w *watcherComponent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.watcher.Start(ctx, w.onCfg); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
		}
	}()
	return nil
}

func (w *watcherComponent) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return nil
}

func (w *watcherComponent) Health() error { return nil }
