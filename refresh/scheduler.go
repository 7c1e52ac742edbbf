package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"courier-feed-go/infrastructure/alert"
	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/infrastructure/monitor"
	"courier-feed-go/normalize"
	"courier-feed-go/order"
	"courier-feed-go/source"
)

// DefaultInterval 默认刷新周期
const DefaultInterval = 30 * time.Second

var ErrBusy = errors.New("refresh already in progress")

// Merger 刷新结果的唯一写入口，acceptance.Engine 实现它。
type Merger interface {
	Merge(batch []order.Order) order.MergeResult
}

// Ticker 可替换的定时器，测试里用手动触发的实现。
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time   { return s.t.C }
func (s stdTicker) Reset(d time.Duration) { s.t.Reset(d) }
func (s stdTicker) Stop()                 { s.t.Stop() }

func newStdTicker(d time.Duration) Ticker { return stdTicker{t: time.NewTicker(d)} }

// TickResult 一次刷新的结果。
type TickResult struct {
	Fetched   int               `json:"fetched"`
	Dropped   int               `json:"dropped"` // 归一化失败
	Merge     order.MergeResult `json:"merge"`
	Discarded bool              `json:"discarded"` // 已取消，结果未写入
	Skipped   bool              `json:"skipped"`   // 上一轮未结束
	Duration  time.Duration     `json:"duration"`
	Err       error             `json:"-"`
}

func (r TickResult) label() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Discarded:
		return "discarded"
	case r.Err != nil:
		return "error"
	}
	return "ok"
}

// Scheduler 周期性地 拉取 -> 归一化 -> 合并。
// 同一时刻最多一轮在执行，到点时上一轮未结束则跳过本轮。
type Scheduler struct {
	Interval   time.Duration
	Timeout    time.Duration // 单次拉取超时，0 表示只受 ctx 限制
	Immediate  bool          // 启动后立即执行一轮
	Adapter    source.Adapter
	Normalizer *normalize.Normalizer
	Sink       Merger
	Hint       source.Hint
	Logger     *logger.Logger
	Monitor    *monitor.Monitor
	Failures   *alert.FailureTracker
	NewTicker  func(time.Duration) Ticker

	busy     atomic.Bool
	fetching atomic.Bool // 适配器调用仍在进行（包括超时后被放弃的那次）
	mu       sync.Mutex
	handle   *Handle
}

// Handle 一个运行中的刷新任务。
type Handle struct {
	mu        sync.Mutex // 与合并步骤共用
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
	reset     chan time.Duration
}

// Cancel 返回后不会再有任何合并发生；进行中的拉取结果被丢弃。
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Done 后台 goroutine 退出后关闭。
func (h *Handle) Done() <-chan struct{} { return h.done }

// SetInterval 修改周期，从下一次到点开始生效。
func (h *Handle) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case h.reset <- d:
	case <-h.done:
	}
}

// merge 在 Handle 锁内合并；已取消则丢弃。h 为 nil 时直接合并。
func (h *Handle) merge(sink Merger, batch []order.Order) (order.MergeResult, bool) {
	if h == nil {
		return sink.Merge(batch), true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return order.MergeResult{}, false
	}
	return sink.Merge(batch), true
}

func (s *Scheduler) defaults() {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Normalizer == nil {
		s.Normalizer = normalize.New(0)
	}
	if s.Logger == nil {
		s.Logger = logger.NewNop()
	}
	if s.NewTicker == nil {
		s.NewTicker = newStdTicker
	}
}

// Start 启动后台刷新，立即返回。
func (s *Scheduler) Start(ctx context.Context) *Handle {
	s.defaults()
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		reset:  make(chan time.Duration),
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	t := s.NewTicker(s.Interval)
	go s.loop(ctx, h, t)
	return h
}

func (s *Scheduler) loop(ctx context.Context, h *Handle, t Ticker) {
	var wg sync.WaitGroup
	defer func() {
		t.Stop()
		wg.Wait()
		close(h.done)
	}()

	fire := func() {
		if !s.acquire() {
			s.Monitor.RecordTickSkipped()
			s.Logger.Debug("tick skipped, previous refresh still running")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.busy.Store(false)
			s.runTick(ctx, h)
		}()
	}

	if s.Immediate {
		fire()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-h.reset:
			t.Reset(d)
			s.Logger.Info("refresh interval changed")
		case <-t.C():
			fire()
		}
	}
}

// Tick 立即执行一轮。上一轮未结束时返回 Skipped 且 Err 为 ErrBusy。
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.defaults()
	if !s.acquire() {
		s.Monitor.RecordTickSkipped()
		return TickResult{Skipped: true, Err: ErrBusy}
	}
	defer s.busy.Store(false)
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return s.runTick(ctx, h)
}

// acquire 占用执行权。上一轮还在执行，或上一轮超时后适配器调用仍未返回时失败。
func (s *Scheduler) acquire() bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	if s.fetching.Load() {
		s.busy.Store(false)
		return false
	}
	return true
}

// Idle 没有进行中的轮次，也没有未返回的适配器调用。
func (s *Scheduler) Idle() bool {
	return !s.busy.Load() && !s.fetching.Load()
}

func (s *Scheduler) runTick(ctx context.Context, h *Handle) TickResult {
	start := time.Now()
	name := s.Adapter.Name()
	res := TickResult{}

	raw, err := s.fetch(ctx)
	if err == nil {
		res.Fetched = len(raw)
		origin := normalize.Origin{Name: name, Kind: s.Adapter.Kind()}
		batch := make([]order.Order, 0, len(raw))
		for i, p := range raw {
			o, nerr := s.Normalizer.Normalize(origin, i, p)
			if nerr != nil {
				res.Dropped++
				s.Monitor.RecordNormalizeError()
				s.Logger.LogError(nerr, map[string]interface{}{"source": name, "index": i})
				continue
			}
			batch = append(batch, o)
		}
		var merged bool
		res.Merge, merged = h.merge(s.Sink, batch)
		res.Discarded = !merged
	} else if h != nil && h.Cancelled() {
		res.Discarded = true
	} else {
		res.Err = err
	}
	res.Duration = time.Since(start)

	kind := ""
	if res.Err != nil {
		kind = string(source.KindOf(res.Err))
		s.Monitor.RecordAdapterError(name, kind)
		s.Logger.LogError(res.Err, map[string]interface{}{"source": name, "kind": kind})
		if s.Failures != nil {
			s.Failures.Failure(name, kind, res.Err)
		}
	} else if !res.Discarded && s.Failures != nil {
		s.Failures.Success(name)
	}
	s.Monitor.RecordTick(res.label(), res.Duration.Seconds())
	s.Logger.LogTick(map[string]interface{}{
		"source":    name,
		"result":    res.label(),
		"fetched":   res.Fetched,
		"added":     res.Merge.Added,
		"skipped":   res.Merge.Skipped,
		"dropped":   res.Dropped,
		"errorKind": kind,
		"latencyMs": res.Duration.Milliseconds(),
	})
	return res
}

type fetchResult struct {
	raw []source.RawPayload
	err error
}

// fetch 在锁外执行；超时或取消时不等待适配器返回，迟到的结果直接丢弃。
// 被放弃的调用返回之前 fetching 保持为 true，后续轮次会被跳过。
func (s *Scheduler) fetch(ctx context.Context) ([]source.RawPayload, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	ch := make(chan fetchResult, 1)
	s.fetching.Store(true)
	go func() {
		defer s.fetching.Store(false)
		raw, err := s.Adapter.Fetch(ctx, s.Hint)
		ch <- fetchResult{raw: raw, err: err}
	}()
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, &source.Error{Adapter: s.Adapter.Name(), Kind: source.KindOf(ctx.Err()), Err: ctx.Err()}
	}
}
