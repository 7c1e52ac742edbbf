package acceptance

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/infrastructure/monitor"
	"courier-feed-go/order"
)

var (
	ErrUnknownOrder        = errors.New("unknown order")
	ErrAlreadyAccepted     = errors.New("order already accepted")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrNotAccepted         = errors.New("order not accepted")
	ErrNegativeBalance     = errors.New("wallet balance must not be negative")
)

// Error 接单/拒单失败，携带失败时的金额快照。
type Error struct {
	Op        string
	OrderID   string
	Value     decimal.Decimal
	Committed decimal.Decimal
	Balance   decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	if errors.Is(e.Err, ErrInsufficientBalance) {
		return fmt.Sprintf("%s %s: %v (value %s, committed %s, balance %s)",
			e.Op, e.OrderID, e.Err, e.Value, e.Committed, e.Balance)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code 把错误映射为对外的结果码，nil 表示成功。
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrAlreadyAccepted):
		return "already_accepted"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotAccepted):
		return "not_accepted"
	}
	return "internal"
}

// EventType 引擎状态变化类型
type EventType string

const (
	EventMerge  EventType = "merge"
	EventAccept EventType = "accept"
	EventReject EventType = "reject"
)

// Event 在状态变化之后、锁释放之后发出。
type Event struct {
	Type    EventType
	OrderID string
	Merge   order.MergeResult
}

// Snapshot 同一时刻的订单、已接集合与金额。
type Snapshot struct {
	Orders    []order.Order
	Accepted  []string
	Balance   decimal.Decimal
	Committed decimal.Decimal
}

// Available 余额减去已占用金额。
func (s Snapshot) Available() decimal.Decimal {
	return s.Balance.Sub(s.Committed)
}

// IsAccepted 在快照内判断订单是否已接。
func (s Snapshot) IsAccepted(id string) bool {
	for _, a := range s.Accepted {
		if a == id {
			return true
		}
	}
	return false
}

// Engine 一个会话的订单池、钱包和已接订单集合。
// mu 是合并、查询、接单、拒单共用的唯一互斥域；
// 不变式：已接订单金额之和 <= 钱包余额。余额本身从不扣减。
type Engine struct {
	mu       sync.RWMutex
	pool     *order.Pool
	balance  decimal.Decimal
	accepted map[string]struct{}
	seq      []string // 接单顺序

	logger  *logger.Logger
	monitor *monitor.Monitor

	lmu       sync.Mutex
	listeners []func(Event)
}

// New 创建引擎。logger、monitor 可为 nil。
func New(balance decimal.Decimal, log *logger.Logger, mon *monitor.Monitor) (*Engine, error) {
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeBalance, balance)
	}
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		pool:     order.NewPool(),
		balance:  balance,
		accepted: make(map[string]struct{}),
		logger:   log,
		monitor:  mon,
	}
	mon.UpdateWallet(balance.InexactFloat64(), 0)
	return e, nil
}

// Subscribe 注册状态变化回调，回调在锁外同步执行。
func (e *Engine) Subscribe(fn func(Event)) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lmu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.lmu.Lock()
	ls := make([]func(Event), len(e.listeners))
	copy(ls, e.listeners)
	e.lmu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Merge 把一批订单并入订单池，一批是一个原子单元。
func (e *Engine) Merge(batch []order.Order) order.MergeResult {
	e.mu.Lock()
	res := e.pool.Merge(batch)
	size := e.pool.Len()
	e.mu.Unlock()

	e.monitor.RecordMerge(res.Added, res.Skipped, size)
	e.logger.LogEvent("merge", map[string]interface{}{
		"added":    res.Added,
		"skipped":  res.Skipped,
		"invalid":  res.Invalid,
		"poolSize": size,
	})
	if res.Added > 0 {
		e.emit(Event{Type: EventMerge, Merge: res})
	}
	return res
}

// CanAccept 订单存在、未接且余额足够时返回 true。仅作提示，Accept 会重新检查。
func (e *Engine) CanAccept(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.checkLocked(id)
	return err == nil
}

// checkLocked 调用方需持有 mu。
func (e *Engine) checkLocked(id string) (order.Order, error) {
	o, err := e.pool.Get(id)
	if err != nil {
		return order.Order{}, ErrUnknownOrder
	}
	if _, ok := e.accepted[id]; ok {
		return o, ErrAlreadyAccepted
	}
	if e.committedLocked().Add(o.Value).GreaterThan(e.balance) {
		return o, ErrInsufficientBalance
	}
	return o, nil
}

// Accept 检查与写入在同一临界区内完成。
func (e *Engine) Accept(id string) error {
	e.mu.Lock()
	o, err := e.checkLocked(id)
	if err == nil {
		e.accepted[id] = struct{}{}
		e.seq = append(e.seq, id)
	}
	committed := e.committedLocked()
	balance := e.balance
	e.mu.Unlock()

	result := "accepted"
	if err != nil {
		result = Code(err)
	}
	e.monitor.RecordAccept(result)
	e.monitor.UpdateWallet(balance.InexactFloat64(), committed.InexactFloat64())
	e.logger.LogOrder("order_accept", id, map[string]interface{}{
		"result":    result,
		"value":     o.Value.String(),
		"committed": committed.String(),
		"balance":   balance.String(),
	})
	if err != nil {
		return &Error{Op: "accept", OrderID: id, Value: o.Value, Committed: committed, Balance: balance, Err: err}
	}
	e.emit(Event{Type: EventAccept, OrderID: id})
	return nil
}

// Reject 取消已接订单，释放占用金额。未接过的 id（包括未知 id）返回 ErrNotAccepted。
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	_, ok := e.accepted[id]
	if ok {
		delete(e.accepted, id)
		for i, a := range e.seq {
			if a == id {
				e.seq = append(e.seq[:i], e.seq[i+1:]...)
				break
			}
		}
	}
	committed := e.committedLocked()
	balance := e.balance
	e.mu.Unlock()

	result := "rejected"
	if !ok {
		result = Code(ErrNotAccepted)
	}
	e.monitor.RecordReject(result)
	e.monitor.UpdateWallet(balance.InexactFloat64(), committed.InexactFloat64())
	e.logger.LogOrder("order_reject", id, map[string]interface{}{
		"result":    result,
		"committed": committed.String(),
	})
	if !ok {
		return &Error{Op: "reject", OrderID: id, Committed: committed, Balance: balance, Err: ErrNotAccepted}
	}
	e.emit(Event{Type: EventReject, OrderID: id})
	return nil
}

// CommittedValue 已接订单金额之和，每次从已接集合重新计算。
func (e *Engine) CommittedValue() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.committedLocked()
}

func (e *Engine) committedLocked() decimal.Decimal {
	sum := decimal.Zero
	for id := range e.accepted {
		// 订单池只追加，已接 id 一定存在
		if o, err := e.pool.Get(id); err == nil {
			sum = sum.Add(o.Value)
		}
	}
	return sum
}

func (e *Engine) WalletBalance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

func (e *Engine) IsAccepted(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.accepted[id]
	return ok
}

// Accepted 按接单顺序返回已接订单 id。
func (e *Engine) Accepted() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.seq...)
}

// Orders 按插入顺序返回订单池快照。
func (e *Engine) Orders() []order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.All()
}

func (e *Engine) Order(id string) (order.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, err := e.pool.Get(id)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return o, nil
}

// Snapshot 在一次读锁内取出展示层需要的全部状态。
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Orders:    e.pool.All(),
		Accepted:  append([]string(nil), e.seq...),
		Balance:   e.balance,
		Committed: e.committedLocked(),
	}
}
