package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"courier-feed-go/location"
)

// RawPayload 是适配器返回的未归一化字段集合，没有固定 schema。
type RawPayload map[string]any

// Kind 区分真实抓取与占位/开发数据源。
type Kind string

const (
	KindLive Kind = "live"
	KindMock Kind = "mock"
)

// Hint 搜索位置提示。Location 为 nil 表示定位不可用。
type Hint struct {
	Query    string
	Location *location.Point
}

// Adapter 从某个外卖平台拉取原始订单。
type Adapter interface {
	Name() string
	Kind() Kind
	Fetch(ctx context.Context, hint Hint) ([]RawPayload, error)
}

// ErrorKind 适配器错误分类。
type ErrorKind string

const (
	NetworkFailure ErrorKind = "network_failure"
	LayoutMismatch ErrorKind = "layout_mismatch"
	Timeout        ErrorKind = "timeout"
)

var (
	ErrNetworkFailure = errors.New("network failure")
	ErrLayoutMismatch = errors.New("layout mismatch")
	ErrTimeout        = errors.New("timeout")
)

// Error 一次 Fetch 的失败，errors.Is 可匹配对应分类的哨兵错误。
type Error struct {
	Adapter string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Adapter, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetworkFailure:
		return e.Kind == NetworkFailure
	case ErrLayoutMismatch:
		return e.Kind == LayoutMismatch
	case ErrTimeout:
		return e.Kind == Timeout
	}
	return false
}

// KindOf 返回错误分类；非适配器错误按网络失败处理。
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return NetworkFailure
}

// classify 把传输层错误映射到 Timeout / NetworkFailure。
func classify(adapter string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Adapter: adapter, Kind: Timeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Adapter: adapter, Kind: Timeout, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &Error{Adapter: adapter, Kind: Timeout, Err: err}
	}
	return &Error{Adapter: adapter, Kind: NetworkFailure, Err: err}
}
