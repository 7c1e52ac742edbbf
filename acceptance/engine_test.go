package acceptance

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier-feed-go/infrastructure/monitor"
	"courier-feed-go/order"
)

func ord(id string, value int64) order.Order {
	return order.Order{ID: id, Value: decimal.NewFromInt(value), SourceStatus: order.StatusMock}
}

func newEngine(t *testing.T, balance int64, orders ...order.Order) *Engine {
	t.Helper()
	e, err := New(decimal.NewFromInt(balance), nil, nil)
	require.NoError(t, err)
	e.Merge(orders)
	return e
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func TestWalletScenario(t *testing.T) {
	e := newEngine(t, 2000, ord("A", 500), ord("B", 800), ord("C", 900))

	require.NoError(t, e.Accept("A"))
	assertDecimal(t, 500, e.CommittedValue())
	require.NoError(t, e.Accept("B"))
	assertDecimal(t, 1300, e.CommittedValue())

	assert.False(t, e.CanAccept("C"))
	err := e.Accept("C")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var ae *Error
	require.True(t, errors.As(err, &ae))
	assertDecimal(t, 1300, ae.Committed)
	assertDecimal(t, 900, ae.Value)
	assertDecimal(t, 1300, e.CommittedValue())

	require.NoError(t, e.Reject("A"))
	assertDecimal(t, 800, e.CommittedValue())
	require.NoError(t, e.Accept("C"))
	assertDecimal(t, 1700, e.CommittedValue())

	assert.Equal(t, []string{"B", "C"}, e.Accepted())
	assertDecimal(t, 2000, e.WalletBalance())
}

func TestAcceptErrors(t *testing.T) {
	e := newEngine(t, 100, ord("A", 100))

	assert.ErrorIs(t, e.Accept("missing"), ErrUnknownOrder)
	require.NoError(t, e.Accept("A"))
	assert.ErrorIs(t, e.Accept("A"), ErrAlreadyAccepted)
	assert.Equal(t, "already_accepted", Code(e.Accept("A")))
	assertDecimal(t, 100, e.CommittedValue())
}

func TestAcceptExactBalance(t *testing.T) {
	e := newEngine(t, 100, ord("A", 60), ord("B", 40))
	require.NoError(t, e.Accept("A"))
	require.NoError(t, e.Accept("B"))
	assertDecimal(t, 100, e.CommittedValue())
}

func TestZeroBalanceAcceptsFreeOrdersOnly(t *testing.T) {
	e := newEngine(t, 0, ord("free", 0), ord("paid", 1))
	assert.NoError(t, e.Accept("free"))
	assert.ErrorIs(t, e.Accept("paid"), ErrInsufficientBalance)
}

func TestNegativeBalanceRejected(t *testing.T) {
	_, err := New(decimal.NewFromInt(-1), nil, nil)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestRejectIsStrict(t *testing.T) {
	e := newEngine(t, 1000, ord("A", 10))
	assert.ErrorIs(t, e.Reject("A"), ErrNotAccepted)
	assert.ErrorIs(t, e.Reject("unknown"), ErrNotAccepted)

	require.NoError(t, e.Accept("A"))
	require.NoError(t, e.Reject("A"))
	assert.False(t, e.IsAccepted("A"))
	assert.ErrorIs(t, e.Reject("A"), ErrNotAccepted)
	assert.True(t, e.CommittedValue().IsZero())
	// 拒单后可以再次接单
	require.NoError(t, e.Accept("A"))
}

func TestOrderLookup(t *testing.T) {
	e := newEngine(t, 10, ord("A", 1))
	o, err := e.Order("A")
	require.NoError(t, err)
	assert.Equal(t, "A", o.ID)
	_, err = e.Order("B")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestMergeThroughEngine(t *testing.T) {
	e := newEngine(t, 10)
	res := e.Merge([]order.Order{ord("1", 1), ord("2", 2), ord("3", 3)})
	assert.Equal(t, order.MergeResult{Added: 3}, res)
	res = e.Merge([]order.Order{ord("3", 99), ord("4", 4)})
	assert.Equal(t, order.MergeResult{Added: 1, Skipped: 1}, res)

	orders := e.Orders()
	require.Len(t, orders, 4)
	assertDecimal(t, 3, orders[2].Value)
	assert.Equal(t, "4", orders[3].ID)
}

func TestSnapshotIsConsistent(t *testing.T) {
	e := newEngine(t, 2000, ord("A", 500), ord("B", 800))
	require.NoError(t, e.Accept("B"))
	s := e.Snapshot()
	assert.Len(t, s.Orders, 2)
	assert.Equal(t, []string{"B"}, s.Accepted)
	assert.True(t, s.IsAccepted("B"))
	assert.False(t, s.IsAccepted("A"))
	assertDecimal(t, 800, s.Committed)
	assertDecimal(t, 1200, s.Available())
}

func TestEventsAfterStateChange(t *testing.T) {
	e := newEngine(t, 100)
	var got []Event
	e.Subscribe(func(ev Event) {
		// 回调在锁外执行，可以回读引擎
		_ = e.Snapshot()
		got = append(got, ev)
	})
	e.Merge([]order.Order{ord("A", 10)})
	e.Merge([]order.Order{ord("A", 10)}) // 全部重复，不通知
	require.NoError(t, e.Accept("A"))
	_ = e.Accept("A")
	require.NoError(t, e.Reject("A"))

	require.Len(t, got, 3)
	assert.Equal(t, EventMerge, got[0].Type)
	assert.Equal(t, 1, got[0].Merge.Added)
	assert.Equal(t, Event{Type: EventAccept, OrderID: "A"}, got[1])
	assert.Equal(t, EventReject, got[2].Type)
}

func TestMetricsRecorded(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	e, err := New(decimal.NewFromInt(100), nil, mon)
	require.NoError(t, err)
	e.Merge([]order.Order{ord("A", 60), ord("B", 60)})
	require.NoError(t, e.Accept("A"))
	_ = e.Accept("B")

	reg := mon.Registry()
	n, err := testutil.GatherAndCount(reg, "courier_feed_accept_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(reg, "courier_feed_committed_value")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentAcceptIsAtomic(t *testing.T) {
	// 余额只够接其中一单
	const n = 50
	orders := make([]order.Order, n)
	for i := range orders {
		orders[i] = ord(fmt.Sprintf("o%d", i), 60)
	}
	e := newEngine(t, 100, orders...)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if e.Accept(id) == nil {
				ok.Add(1)
			}
		}(orders[i].ID)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assertDecimal(t, 60, e.CommittedValue())
}

func TestConcurrentAcceptSameOrder(t *testing.T) {
	e := newEngine(t, 1000, ord("A", 10))
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Accept("A") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, []string{"A"}, e.Accepted())
}

func TestBalanceInvariantUnderRandomInterleavings(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewPCG(seed, 99))
		balance := int64(r.IntN(3000))
		e := newEngine(t, balance)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			wr := rand.New(rand.NewPCG(seed, uint64(w)))
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					id := fmt.Sprintf("o%d", wr.IntN(30))
					switch wr.IntN(3) {
					case 0:
						e.Merge([]order.Order{ord(id, int64(wr.IntN(800)))})
					case 1:
						_ = e.Accept(id)
					default:
						_ = e.Reject(id)
					}
					s := e.Snapshot()
					if s.Committed.GreaterThan(s.Balance) {
						t.Errorf("seed %d: committed %s > balance %s", seed, s.Committed, s.Balance)
						return
					}
				}
			}()
		}
		wg.Wait()

		// 已接集合中的每个 id 都在池中，committed 与逐项求和一致
		s := e.Snapshot()
		sum := decimal.Zero
		for _, id := range s.Accepted {
			o, err := e.Order(id)
			require.NoError(t, err)
			sum = sum.Add(o.Value)
		}
		assert.True(t, sum.Equal(s.Committed), "seed %d", seed)
		assert.False(t, s.Committed.GreaterThan(decimal.NewFromInt(balance)))
	}
}

func TestNegativeValueOrderNeverCommitted(t *testing.T) {
	e := newEngine(t, 100)
	res := e.Merge([]order.Order{ord("neg", -500), ord("big", 550)})
	assert.Equal(t, order.MergeResult{Added: 1, Invalid: 1}, res)

	assert.ErrorIs(t, e.Accept("neg"), ErrUnknownOrder)
	assert.ErrorIs(t, e.Accept("big"), ErrInsufficientBalance)
	assert.ErrorIs(t, e.Reject("neg"), ErrNotAccepted)

	assertDecimal(t, 0, e.CommittedValue())
	assert.True(t, e.CommittedValue().LessThanOrEqual(e.WalletBalance()))
}
