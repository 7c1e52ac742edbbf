package order

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("order not found")

// MergeResult 一次合并的统计。
type MergeResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid,omitempty"` // 空 id 或负金额，不入池
}

// Pool 维护当前可见的全部订单：按 id 去重、只追加、保持插入顺序。
// 自带读写锁，单独使用时也是并发安全的；入池和读出时都做深拷贝。
type Pool struct {
	mu    sync.RWMutex
	byID  map[string]Order
	order []string
}

func NewPool() *Pool {
	return &Pool{
		byID: make(map[string]Order),
	}
}

// Merge 插入新 id 的订单，已存在的 id 直接跳过（不做字段级合并）。
// 同一批次内重复的 id 同样只保留第一条；不满足 Valid 的订单计入 Invalid。
func (p *Pool) Merge(orders []Order) MergeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res MergeResult
	for _, o := range orders {
		if !o.Valid() {
			res.Invalid++
			continue
		}
		if _, ok := p.byID[o.ID]; ok {
			res.Skipped++
			continue
		}
		p.byID[o.ID] = o.Clone()
		p.order = append(p.order, o.ID)
		res.Added++
	}
	return res
}

// Get 按 id 查询订单。
func (p *Pool) Get(id string) (Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.byID[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

// All 返回按插入顺序排列的快照，调用方可以在并发 Merge 时安全遍历。
func (p *Pool) All() []Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Order, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id].Clone())
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}
