package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 用 fsnotify 监听配置文件，变化后重新加载并回调。
// 监听所在目录，兼容编辑器"写临时文件再重命名"的保存方式。
type Watcher struct {
	Path     string
	Cooldown time.Duration
	Logger   *zap.Logger

	mu         sync.Mutex
	lastReload time.Time
}

// Start 阻塞直到 ctx 结束；onUpdate 只收到校验通过的配置。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	target := filepath.Clean(w.Path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(onUpdate)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// reload 冷却期内的事件直接忽略
func (w *Watcher) reload(onUpdate func(AppConfig)) {
	w.mu.Lock()
	if w.Cooldown > 0 && time.Since(w.lastReload) < w.Cooldown {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.Path)
	if err != nil {
		w.Logger.Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.lastReload = time.Now()
	w.mu.Unlock()
	w.Logger.Info("config reloaded", zap.String("path", w.Path), zap.Int("refreshIntervalMs", cfg.Refresh.IntervalMs))
	if onUpdate != nil {
		onUpdate(cfg)
	}
}
