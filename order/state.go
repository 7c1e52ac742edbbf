package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceStatus 标记订单来自真实抓取还是占位数据。
type SourceStatus string

const (
	StatusLive SourceStatus = "Live"
	StatusMock SourceStatus = "Mock"
)

// Address 结构化地址。
type Address struct {
	Street     string `json:"street"`
	Area       string `json:"area"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Landmark   string `json:"landmark,omitempty"`
}

// StoreInfo 商户信息。
type StoreInfo struct {
	Name         string  `json:"name"`
	Address      string  `json:"address"`
	Phone        string  `json:"phone,omitempty"`
	OpeningHours string  `json:"openingHours,omitempty"`
	Open         bool    `json:"open"`
	Rating       float64 `json:"rating"`
	TotalRatings int     `json:"totalRatings,omitempty"`
}

// LineItem 订单中的一道菜。
type LineItem struct {
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
}

// Order 归一化后的订单，创建后不可修改。
// Distance / Pickup / Drop 为 nil 表示来源没有提供。
type Order struct {
	ID                    string          `json:"id"`
	Value                 decimal.Decimal `json:"value"`
	Distance              *float64        `json:"distance,omitempty"`
	Pickup                *Address        `json:"pickup,omitempty"`
	Drop                  *Address        `json:"drop,omitempty"`
	PickupText            string          `json:"pickupText,omitempty"`
	DropText              string          `json:"dropText,omitempty"`
	EstimatedDeliveryTime string          `json:"estimatedDeliveryTime"`
	CuisineTags           []string        `json:"cuisineTags,omitempty"`
	Rating                float64         `json:"rating"`
	Store                 StoreInfo       `json:"store"`
	LineItems             []LineItem      `json:"lineItems,omitempty"`
	ImageURL              string          `json:"imageUrl,omitempty"`
	SourceStatus          SourceStatus    `json:"sourceStatus"`
	Source                string          `json:"source"`
	ObservedAt            time.Time       `json:"observedAt"`
}

// Valid 订单能否进入订单池：id 非空且金额不为负。
func (o Order) Valid() bool {
	return o.ID != "" && !o.Value.IsNegative()
}

// Clone 深拷贝切片和指针字段，快照的修改不会影响池内订单。
func (o Order) Clone() Order {
	if o.Distance != nil {
		d := *o.Distance
		o.Distance = &d
	}
	if o.Pickup != nil {
		a := *o.Pickup
		o.Pickup = &a
	}
	if o.Drop != nil {
		a := *o.Drop
		o.Drop = &a
	}
	if o.CuisineTags != nil {
		o.CuisineTags = append([]string(nil), o.CuisineTags...)
	}
	if o.LineItems != nil {
		o.LineItems = append([]LineItem(nil), o.LineItems...)
	}
	return o
}
