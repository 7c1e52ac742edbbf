package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"courier-feed-go/order"
	"courier-feed-go/source"
)

// DefaultValue 价格无法解析时使用的订单金额。
var DefaultValue = decimal.NewFromInt(100)

var ErrUnusablePayload = errors.New("unusable payload")

// NormalizationError 原始数据结构上不可用（只丢弃这一条）。
type NormalizationError struct {
	Source string
	Index  int
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s[%d]: %s", e.Source, e.Index, e.Reason)
}

func (e *NormalizationError) Is(target error) bool { return target == ErrUnusablePayload }

// Origin 描述产出原始数据的适配器。
type Origin struct {
	Name string
	Kind source.Kind
}

// Normalizer 把单条原始数据转换为 order.Order。
// 只有 Mock 来源才会补全距离和地址；Live 来源缺失时保持 nil。
type Normalizer struct {
	Seed  uint64
	Clock func() time.Time
}

func New(seed uint64) *Normalizer {
	return &Normalizer{Seed: seed, Clock: time.Now}
}

func (n *Normalizer) now() time.Time {
	if n.Clock == nil {
		return time.Now().UTC()
	}
	return n.Clock().UTC()
}

// Normalize 的输出只取决于输入、Seed 和时钟。
func (n *Normalizer) Normalize(src Origin, index int, raw source.RawPayload) (order.Order, error) {
	if raw == nil {
		return order.Order{}, &NormalizationError{Source: src.Name, Index: index, Reason: "nil payload"}
	}
	id, err := payloadID(src, index, raw)
	if err != nil {
		return order.Order{}, err
	}
	mock := src.Kind == source.KindMock

	o := order.Order{
		ID:                    id,
		Value:                 parseValue(raw),
		EstimatedDeliveryTime: str(raw, "N/A", "deliveryTime", "estimatedDeliveryTime"),
		CuisineTags:           splitTags(str(raw, "", "foodTypes", "cuisine")),
		Rating:                parseFloat(raw["rating"]),
		ImageURL:              str(raw, "", "imageUrl"),
		PickupText:            str(raw, "", "pickup", "pickupLocation"),
		DropText:              str(raw, "", "drop", "dropLocation"),
		Source:                src.Name,
		SourceStatus:          order.StatusLive,
		ObservedAt:            n.now(),
	}
	if mock {
		o.SourceStatus = order.StatusMock
	}
	o.Store = parseStore(raw)
	o.LineItems = parseItems(raw)
	if math.IsNaN(o.Rating) || o.Rating < 0 {
		o.Rating = 0
	}

	if d, ok := parseDistance(raw["distance"]); ok {
		o.Distance = &d
	} else if mock {
		d := n.fakeDistance(id)
		o.Distance = &d
	}

	details := asMap(raw["addressDetails"])
	o.Pickup = parseAddress(details["pickup"])
	o.Drop = parseAddress(details["dropoff"])
	if mock {
		if o.Pickup == nil {
			o.Pickup = n.fakeAddress(id, "pickup")
		}
		if o.Drop == nil {
			o.Drop = n.fakeAddress(id, "drop")
		}
	}
	if o.PickupText == "" && o.Store.Address != "" && o.Store.Address != "N/A" {
		o.PickupText = o.Store.Address
	}
	if o.DropText == "" && o.Drop != nil {
		o.DropText = o.Drop.Street + ", " + o.Drop.Area
	}
	return o, nil
}

func payloadID(src Origin, index int, raw source.RawPayload) (string, error) {
	switch v := raw["id"].(type) {
	case nil:
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", &NormalizationError{Source: src.Name, Index: index, Reason: fmt.Sprintf("id has unsupported type %T", v)}
	}
	if src.Name == "" {
		return "", &NormalizationError{Source: src.Name, Index: index, Reason: "missing id and adapter name"}
	}
	return fmt.Sprintf("%s-%d", src.Name, index+1), nil
}

// parseValue 依次尝试 value / pricePerPerson / price。
func parseValue(raw source.RawPayload) decimal.Decimal {
	for _, key := range []string{"value", "pricePerPerson", "price"} {
		v, present := raw[key]
		if !present || v == nil {
			continue
		}
		if d, ok := parseMoney(v); ok && !d.IsNegative() {
			return d
		}
		return DefaultValue
	}
	return DefaultValue
}

// parseMoney 数字直接使用；字符串先剥掉非数字字符再解析。
func parseMoney(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		cleaned := extractNumber(x)
		if cleaned == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(cleaned)
		return d, err == nil
	}
	return decimal.Zero, false
}

// extractNumber 取出字符串中的第一个数字，忽略货币符号、千分位和单位。
// "₹1,250.50 for two" -> "1250.50"，"Rs. 300" -> "300"，"₹abc" -> ""
func extractNumber(s string) string {
	start := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return ""
	}
	var b strings.Builder
	dot := false
	if start > 0 && s[start-1] == '.' {
		b.WriteString("0.")
		dot = true
	}
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == ',':
		case c == '.' && !dot && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			dot = true
			b.WriteByte(c)
		default:
			return b.String()
		}
	}
	return b.String()
}

func parseFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(extractNumber(x), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func parseDistance(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok && extractNumber(s) == "" {
		return 0, false
	}
	d := parseFloat(v)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	if d < 0 {
		d = 0
	}
	return d, true
}

func str(raw map[string]any, def string, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return def
}

func splitTags(s string) []string {
	if s == "" || s == "N/A" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStore(raw source.RawPayload) order.StoreInfo {
	name := str(raw, "N/A", "storeName", "productName")
	st := order.StoreInfo{
		Name:    name,
		Address: str(raw, "", "address"),
		Rating:  parseFloat(raw["rating"]),
		Open:    true,
	}
	details := asMap(raw["storeDetails"])
	if details == nil {
		return st
	}
	st.Name = str(details, st.Name, "name")
	st.Address = str(details, st.Address, "address")
	st.Phone = str(details, "", "phone")
	st.OpeningHours = str(details, "", "openingHours")
	if r, ok := details["rating"]; ok {
		st.Rating = parseFloat(r)
	}
	st.TotalRatings = int(parseFloat(details["totalRatings"]))
	if open, ok := details["isOpen"].(bool); ok {
		st.Open = open
	}
	return st
}

func parseItems(raw source.RawPayload) []order.LineItem {
	list, ok := raw["foodItems"].([]any)
	if !ok {
		list, _ = raw["items"].([]any)
	}
	var out []order.LineItem
	for _, it := range list {
		switch x := it.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out = append(out, order.LineItem{Name: s, Price: decimal.Zero, Category: "Uncategorized"})
			}
		default:
			m := asMap(x)
			name := str(m, "", "name")
			if name == "" {
				continue
			}
			price, ok := parseMoney(m["price"])
			if !ok || price.IsNegative() {
				price = decimal.Zero
			}
			out = append(out, order.LineItem{
				Name:        name,
				Price:       price,
				Category:    str(m, "Uncategorized", "category"),
				Description: str(m, "", "description"),
			})
		}
	}
	return out
}

func parseAddress(v any) *order.Address {
	m := asMap(v)
	if m == nil {
		return nil
	}
	a := &order.Address{
		Street:     str(m, "", "street"),
		Area:       str(m, "", "area"),
		City:       str(m, "", "city"),
		PostalCode: str(m, "", "pincode", "postalCode"),
		Landmark:   str(m, "", "landmark"),
	}
	if *a == (order.Address{}) {
		return nil
	}
	return a
}

// asMap 兼容 JSON 解码出的 map 与代码中构造的 RawPayload。
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case source.RawPayload:
		return m
	}
	return nil
}

var (
	cities    = []string{"Mumbai", "Delhi", "Bangalore", "Hyderabad", "Chennai", "Kolkata", "Pune", "Ahmedabad"}
	areas     = []string{"Sector 1", "Sector 2", "Sector 3", "Sector 4", "Sector 5", "Sector 6", "Sector 7", "Sector 8"}
	streets   = []string{"Main Street", "Park Road", "Lake View", "Garden Road", "Market Street", "Church Road", "School Lane", "Hospital Road"}
	landmarks = []string{"Park", "Mall", "Station", "Hospital", "School"}
)

// rng 以 (Seed, id, salt) 派生，保证同一订单每次生成相同的补全值。
func (n *Normalizer) rng(id, salt string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(salt))
	return rand.New(rand.NewPCG(n.Seed, h.Sum64()))
}

// fakeDistance 取值 [1.0, 6.0) km，保留一位小数。
func (n *Normalizer) fakeDistance(id string) float64 {
	r := n.rng(id, "distance")
	return float64(10+r.IntN(50)) / 10
}

func (n *Normalizer) fakeAddress(id, salt string) *order.Address {
	r := n.rng(id, salt)
	return &order.Address{
		Street:     streets[r.IntN(len(streets))],
		Area:       areas[r.IntN(len(areas))],
		City:       cities[r.IntN(len(cities))],
		PostalCode: strconv.Itoa(100000 + r.IntN(900000)),
		Landmark:   "Near " + landmarks[r.IntN(len(landmarks))],
	}
}
