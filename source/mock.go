package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

// SeedPayloads 会话开始时展示的占位订单。
func SeedPayloads() []RawPayload {
	return []RawPayload{
		{
			"id":           "1",
			"value":        50,
			"items":        []any{"Burger", "Fries", "Coke"},
			"pickup":       "Restaurant A",
			"drop":         "Customer X",
			"deliveryTime": "30 minutes",
		},
		{
			"id":           "2",
			"value":        75,
			"items":        []any{"Pizza", "Salad"},
			"pickup":       "Restaurant B",
			"drop":         "Customer Y",
			"deliveryTime": "45 minutes",
		},
		{
			"id":           "3",
			"value":        120,
			"items":        []any{"Sushi", "Sake"},
			"pickup":       "Restaurant C",
			"drop":         "Customer Z",
			"deliveryTime": "60 minutes",
		},
	}
}

var (
	mockStores   = []string{"Biryani Blues", "Chaayos", "Haldiram's", "Domino's", "Wow! Momo", "Burger Singh"}
	mockCuisines = []string{"North Indian, Mughlai", "Beverages, Snacks", "Sweets, Street Food", "Pizzas, Italian", "Tibetan, Chinese", "Burgers, Fast Food"}
	mockDishes   = []string{"Paneer Tikka", "Masala Chai", "Chole Bhature", "Farmhouse Pizza", "Steamed Momos", "Veg Burger", "Dal Makhani", "Gulab Jamun"}
)

// MockAdapter 开发用数据源：每次返回种子订单，并额外生成 Generate 条新订单。
// Failures 非空时依次消费，用于模拟抓取失败。
type MockAdapter struct {
	AdapterName string
	Seeds       []RawPayload
	Generate    int

	mu       sync.Mutex
	seq      int
	rnd      *rand.Rand
	Failures []error
}

func NewMockAdapter(name string, generate int, seed uint64) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{
		AdapterName: name,
		Seeds:       SeedPayloads(),
		Generate:    generate,
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (m *MockAdapter) Name() string { return m.AdapterName }
func (m *MockAdapter) Kind() Kind   { return KindMock }

func (m *MockAdapter) Fetch(ctx context.Context, hint Hint) ([]RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(m.AdapterName, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Failures) > 0 {
		err := m.Failures[0]
		m.Failures = m.Failures[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]RawPayload, 0, len(m.Seeds)+m.Generate)
	for _, s := range m.Seeds {
		out = append(out, clonePayload(s))
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewPCG(1, 2))
	}
	for i := 0; i < m.Generate; i++ {
		m.seq++
		out = append(out, m.generate(hint))
	}
	return out, nil
}

func (m *MockAdapter) generate(hint Hint) RawPayload {
	si := m.rnd.IntN(len(mockStores))
	items := make([]any, 0, 3)
	for j := 0; j < 1+m.rnd.IntN(3); j++ {
		items = append(items, map[string]any{
			"name":     mockDishes[m.rnd.IntN(len(mockDishes))],
			"price":    fmt.Sprintf("₹%d", 80+m.rnd.IntN(300)),
			"category": "Recommended",
		})
	}
	area := hint.Query
	if area == "" {
		area = "N/A"
	}
	return RawPayload{
		"id":             fmt.Sprintf("%s-gen-%d", m.AdapterName, m.seq),
		"productName":    mockStores[si],
		"pricePerPerson": fmt.Sprintf("₹%d for one", 150+m.rnd.IntN(500)),
		"deliveryTime":   fmt.Sprintf("%d mins", 20+m.rnd.IntN(40)),
		"foodTypes":      mockCuisines[si],
		"rating":         fmt.Sprintf("%.1f", 3.5+m.rnd.Float64()*1.5),
		"pickup":         mockStores[si] + ", " + area,
		"foodItems":      items,
	}
}

func clonePayload(p RawPayload) RawPayload {
	out := make(RawPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
