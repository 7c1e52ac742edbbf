package container

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier-feed-go/acceptance"
	"courier-feed-go/api"
	"courier-feed-go/config"
	"courier-feed-go/infrastructure/alert"
	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/infrastructure/monitor"
	"courier-feed-go/location"
	"courier-feed-go/normalize"
	"courier-feed-go/refresh"
	"courier-feed-go/source"
)

// Container 一个司机会话的全部组件：每个会话一个引擎实例，不使用全局状态
type Container struct {
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	failures *alert.FailureTracker

	// 数据源与核心服务
	locator   location.Provider
	adapter   source.Adapter
	stream    *source.StreamAdapter
	engine    *acceptance.Engine
	scheduler *refresh.Scheduler
	hub       *api.Hub
	session   api.Session

	// 生命周期管理
	lifecycle     *LifecycleManager
	schedulerComp *schedulerComponent
	apiServer     *httpServerComponent
	metricsServer *httpServerComponent
	intervalMs    atomic.Int64
}

// New 从配置文件创建，配置文件变化时热更新刷新周期
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 直接使用内存中的配置（不监听文件）
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件。会话开始时在这里获取一次位置。
func (c *Container) Build(ctx context.Context) error {
	if err := config.Validate(*c.cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildSource(); err != nil {
		return fmt.Errorf("build source failed: %w", err)
	}
	if err := c.buildCoreServices(ctx); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("session", c.session.ID),
		zap.String("source", c.adapter.Name()),
		zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())

	c.alerts = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger.Logger)},
		time.Duration(c.cfg.Alert.ThrottleSec)*time.Second,
	)
	c.failures = alert.NewFailureTracker(c.alerts, c.cfg.Alert.FailureThreshold)
	return nil
}

func (c *Container) buildSource() error {
	sc := c.cfg.Source
	switch sc.Kind {
	case config.SourceMock:
		c.adapter = source.NewMockAdapter(sc.Name, sc.MockGenerate, sc.Seed)
	case config.SourceHTTP:
		ha := &source.HTTPAdapter{
			AdapterName: sc.Name,
			BaseURL:     sc.BaseURL,
			Path:        sc.Path,
			APIKey:      sc.APIKey,
			HTTPClient:  source.NewDefaultHTTPClient(),
			Timeout:     c.cfg.SourceTimeout(),
		}
		if sc.RateLimit > 0 {
			ha.Limiter = source.NewTokenBucket(sc.RateLimit, sc.Burst)
		}
		c.adapter = ha
	case config.SourceStream:
		c.stream = &source.StreamAdapter{
			AdapterName: sc.Name,
			URL:         sc.StreamURL,
		}
		c.adapter = c.stream
	default:
		return fmt.Errorf("unknown source kind %q", sc.Kind)
	}
	return nil
}

func (c *Container) buildCoreServices(ctx context.Context) error {
	balance, err := c.cfg.Balance()
	if err != nil {
		return err
	}
	c.engine, err = acceptance.New(balance, c.logger, c.monitor)
	if err != nil {
		return err
	}

	if c.locator == nil {
		p := location.DefaultPoint
		if c.cfg.Location.Lat != nil && c.cfg.Location.Lng != nil {
			p = location.Point{Lat: *c.cfg.Location.Lat, Lng: *c.cfg.Location.Lng}
		}
		c.locator = location.Static{Point: &p}
	}
	hint := source.Hint{Query: c.cfg.Location.Query}
	if pt, err := c.locator.CurrentLocation(ctx); err != nil {
		// 定位失败不影响会话，只是没有位置提示
		c.logger.Warn("location unavailable", zap.Error(err))
	} else {
		hint.Location = &pt
	}
	if c.stream != nil {
		c.stream.Hint = hint
	}

	c.scheduler = &refresh.Scheduler{
		Interval:   c.cfg.RefreshInterval(),
		Timeout:    c.cfg.SourceTimeout(),
		Immediate:  c.cfg.Refresh.Immediate,
		Adapter:    c.adapter,
		Normalizer: normalize.New(c.cfg.Source.Seed),
		Sink:       c.engine,
		Hint:       hint,
		Logger:     c.logger,
		Monitor:    c.monitor,
		Failures:   c.failures,
	}

	c.session = api.Session{
		ID:        uuid.NewString(),
		Source:    c.adapter.Name(),
		Location:  hint.Location,
		Query:     hint.Query,
		StartedAt: time.Now().UTC(),
	}
	c.hub = api.NewHub(c.engine, c.logger, c.monitor)
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.stream != nil {
		c.lifecycle.Register(&streamComponent{stream: c.stream})
	}

	c.intervalMs.Store(int64(c.cfg.Refresh.IntervalMs))
	c.schedulerComp = &schedulerComponent{scheduler: c.scheduler, logger: c.logger}
	c.lifecycle.Register(c.schedulerComp)

	c.apiServer = &httpServerComponent{
		name:    "api_server",
		handler: api.NewServer(c.engine, c.scheduler, c.session, c.hub, c.logger).Handler(),
		addr:    c.cfg.Server.APIAddr,
		logger:  c.logger,
		onStop:  c.hub.Close,
	}
	c.lifecycle.Register(c.apiServer)

	if c.cfg.Server.MetricsAddr != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Server.MetricsAddr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}

	if c.configPath != "" {
		c.lifecycle.Register(&watcherComponent{
			watcher: &config.Watcher{Path: c.configPath, Cooldown: time.Second, Logger: c.logger.Logger},
			onCfg:   c.applyConfig,
			logger:  c.logger,
		})
	}
}

// applyConfig 只有刷新周期支持热更新，其余字段需要重启
func (c *Container) applyConfig(cfg config.AppConfig) {
	next := int64(cfg.Refresh.IntervalMs)
	if c.intervalMs.Swap(next) != next {
		c.schedulerComp.SetInterval(cfg.RefreshInterval())
		c.logger.Info("refresh interval updated", zap.Int64("intervalMs", next))
	}
}

func (c *Container) Start(ctx context.Context) error {
	if c.logger == nil {
		return errors.New("container not built")
	}
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止。会话状态只在内存中，停止即丢弃。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	snap := c.engine.Snapshot()
	c.logger.Info("session closed",
		zap.String("session", c.session.ID),
		zap.Int("orders", len(snap.Orders)),
		zap.Int("accepted", len(snap.Accepted)),
		zap.String("committed", snap.Committed.String()))
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Engine() *acceptance.Engine { return c.engine }
func (c *Container) Session() api.Session       { return c.session }

// APIAddr 实际监听地址
func (c *Container) APIAddr() string {
	if c.apiServer == nil {
		return ""
	}
	return c.apiServer.Addr()
}

func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}
