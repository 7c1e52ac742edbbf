package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"courier-feed-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string         `yaml:"env"`
	Session  SessionConfig  `yaml:"session"`
	Source   SourceConfig   `yaml:"source"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Location LocationConfig `yaml:"location"`
	Log      logger.Config  `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Alert    AlertConfig    `yaml:"alert"`
}

type SessionConfig struct {
	// WalletBalance 用字符串保存，避免浮点误差，例如 "2000" 或 "1999.50"
	WalletBalance string `yaml:"walletBalance"`
}

// SourceConfig 选择订单数据源。Kind: mock | http | stream
type SourceConfig struct {
	Kind         string `yaml:"kind"`
	Name         string `yaml:"name"`
	BaseURL      string `yaml:"baseURL"`
	Path         string `yaml:"path"`
	StreamURL    string `yaml:"streamURL"`
	APIKey       string `yaml:"apiKey"`
	TimeoutMs    int    `yaml:"timeoutMs"`
	MockGenerate int    `yaml:"mockGenerate"` // mock 源每次额外生成的订单数
	Seed         uint64 `yaml:"seed"`         // 占位数据的随机种子
	// RateLimit http 源每秒最多请求次数，0 表示不限速
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

type RefreshConfig struct {
	IntervalMs int  `yaml:"intervalMs"`
	Immediate  bool `yaml:"immediate"`
}

// LocationConfig Lat/Lng 都为空时使用默认坐标
type LocationConfig struct {
	Lat   *float64 `yaml:"lat"`
	Lng   *float64 `yaml:"lng"`
	Query string   `yaml:"query"`
}

type ServerConfig struct {
	APIAddr     string `yaml:"apiAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
}

type AlertConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	ThrottleSec      int `yaml:"throttleSec"`
}

const (
	SourceMock   = "mock"
	SourceHTTP   = "http"
	SourceStream = "stream"
)

// Default 返回开发环境可直接运行的配置。
func Default() AppConfig {
	return AppConfig{
		Env:     "dev",
		Session: SessionConfig{WalletBalance: "2000"},
		Source: SourceConfig{
			Kind:         SourceMock,
			Name:         "mock",
			TimeoutMs:    10000,
			MockGenerate: 2,
			Seed:         1,
		},
		Refresh: RefreshConfig{IntervalMs: 30000, Immediate: true},
		Log:     logger.DefaultConfig(),
		Server:  ServerConfig{APIAddr: ":8080", MetricsAddr: ":9090"},
		Alert:   AlertConfig{FailureThreshold: 3, ThrottleSec: 300},
	}
}

// Load reads YAML config from path on top of Default() and validates it.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("COURIER_SOURCE_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("COURIER_WALLET_BALANCE"); v != "" {
		cfg.Session.WalletBalance = v
	}
	return cfg, Validate(cfg)
}

// Balance 解析钱包余额。
func (c AppConfig) Balance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Session.WalletBalance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("session.walletBalance: %w", err)
	}
	return d, nil
}

func (c AppConfig) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalMs) * time.Millisecond
}

func (c AppConfig) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutMs) * time.Millisecond
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	bal, err := cfg.Balance()
	if err != nil {
		return err
	}
	if bal.IsNegative() {
		return errors.New("session.walletBalance must be >= 0")
	}
	if cfg.Refresh.IntervalMs <= 0 {
		return errors.New("refresh.intervalMs must be > 0")
	}
	if cfg.Source.TimeoutMs < 0 {
		return errors.New("source.timeoutMs must be >= 0")
	}
	if cfg.Source.RateLimit < 0 || cfg.Source.Burst < 0 {
		return errors.New("source.rateLimit and source.burst must be >= 0")
	}
	switch cfg.Source.Kind {
	case SourceMock:
		if cfg.Source.MockGenerate < 0 {
			return errors.New("source.mockGenerate must be >= 0")
		}
	case SourceHTTP:
		if cfg.Source.BaseURL == "" {
			return errors.New("source.baseURL is required for http source")
		}
	case SourceStream:
		if cfg.Source.StreamURL == "" {
			return errors.New("source.streamURL is required for stream source")
		}
	default:
		return fmt.Errorf("unknown source.kind %q", cfg.Source.Kind)
	}
	if cfg.Source.Name == "" {
		return errors.New("source.name is required")
	}
	if (cfg.Location.Lat == nil) != (cfg.Location.Lng == nil) {
		return errors.New("location.lat and location.lng must be set together")
	}
	if cfg.Alert.FailureThreshold < 0 || cfg.Alert.ThrottleSec < 0 {
		return errors.New("alert settings must be >= 0")
	}
	return nil
}
