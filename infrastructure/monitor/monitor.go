package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。所有 Record/Update 方法对 nil 接收者是空操作。
type Monitor struct {
	registry *prometheus.Registry

	// 刷新指标
	ticks          *prometheus.CounterVec
	ticksSkipped   prometheus.Counter
	tickLatency    prometheus.Histogram
	adapterErrors  *prometheus.CounterVec
	normalizeDrops prometheus.Counter

	// 订单池指标
	ordersMerged  prometheus.Counter
	ordersSkipped prometheus.Counter
	poolSize      prometheus.Gauge

	// 接单指标
	acceptOutcomes *prometheus.CounterVec
	rejectOutcomes *prometheus.CounterVec
	committedValue prometheus.Gauge
	walletBalance  prometheus.Gauge

	// 推送指标
	feedClients prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "courier",
		Subsystem: "feed",
	}
}

// New 创建新的Monitor实例，指标注册在私有 Registry 上
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ticks_total",
			Help:      "刷新次数（按结果）",
		}, []string{"result"}),
		ticksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ticks_skipped_total",
			Help:      "上一轮未结束而跳过的刷新次数",
		}),
		tickLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_latency_seconds",
			Help:      "单次刷新耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		adapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "adapter_errors_total",
			Help:      "数据源错误次数（按分类）",
		}, []string{"adapter", "kind"}),
		normalizeDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "normalize_errors_total",
			Help:      "归一化失败被丢弃的记录数",
		}),

		ordersMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_merged_total",
			Help:      "新加入订单池的订单数",
		}),
		ordersSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_duplicate_total",
			Help:      "因 id 已存在被跳过的订单数",
		}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pool_size",
			Help:      "订单池当前大小",
		}),

		acceptOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "accept_total",
			Help:      "接单请求结果",
		}, []string{"result"}),
		rejectOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reject_total",
			Help:      "拒单请求结果",
		}, []string{"result"}),
		committedValue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "committed_value",
			Help:      "已接订单金额之和",
		}),
		walletBalance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "wallet_balance",
			Help:      "钱包余额",
		}),

		feedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "feed_clients",
			Help:      "当前 websocket 推送连接数",
		}),
	}
}

// RecordTick 记录一次刷新的结果与耗时
func (m *Monitor) RecordTick(result string, seconds float64) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickLatency.Observe(seconds)
}

func (m *Monitor) RecordTickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Monitor) RecordAdapterError(adapter, kind string) {
	if m == nil {
		return
	}
	m.adapterErrors.WithLabelValues(adapter, kind).Inc()
}

func (m *Monitor) RecordNormalizeError() {
	if m == nil {
		return
	}
	m.normalizeDrops.Inc()
}

// RecordMerge 记录一次合并
func (m *Monitor) RecordMerge(added, skipped, size int) {
	if m == nil {
		return
	}
	m.ordersMerged.Add(float64(added))
	m.ordersSkipped.Add(float64(skipped))
	m.poolSize.Set(float64(size))
}

func (m *Monitor) RecordAccept(result string) {
	if m == nil {
		return
	}
	m.acceptOutcomes.WithLabelValues(result).Inc()
}

func (m *Monitor) RecordReject(result string) {
	if m == nil {
		return
	}
	m.rejectOutcomes.WithLabelValues(result).Inc()
}

// UpdateWallet 更新余额与已占用金额
func (m *Monitor) UpdateWallet(balance, committed float64) {
	if m == nil {
		return
	}
	m.walletBalance.Set(balance)
	m.committedValue.Set(committed)
}

func (m *Monitor) UpdateFeedClients(n int) {
	if m == nil {
		return
	}
	m.feedClients.Set(float64(n))
}

// Handler 返回HTTP处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回注册表
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
