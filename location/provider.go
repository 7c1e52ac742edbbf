package location

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("location unavailable")

// Point 经纬度。
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lng)
}

// Provider 一次性获取当前位置，只在会话开始时调用。
type Provider interface {
	CurrentLocation(ctx context.Context) (Point, error)
}

// DefaultPoint 未配置坐标时使用的位置。
var DefaultPoint = Point{Lat: 37.7749, Lng: -122.4194}

// Static 返回配置中的固定坐标；Point 为 nil 时报告不可用。
type Static struct {
	Point *Point
}

func (s Static) CurrentLocation(ctx context.Context) (Point, error) {
	if err := ctx.Err(); err != nil {
		return Point{}, err
	}
	if s.Point == nil {
		return Point{}, ErrUnavailable
	}
	if s.Point.Lat < -90 || s.Point.Lat > 90 || s.Point.Lng < -180 || s.Point.Lng > 180 {
		return Point{}, fmt.Errorf("%w: invalid coordinates %s", ErrUnavailable, s.Point)
	}
	return *s.Point, nil
}
