package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamAdapter 订阅平台的 WebSocket 推送，后台缓存收到的订单，
// Fetch 时一次性取走。连接断开后自动重连。
type StreamAdapter struct {
	AdapterName  string
	URL          string
	Hint         Hint
	Dialer       *websocket.Dialer
	MaxBuffer    int
	RetryBackoff time.Duration

	mu        sync.Mutex
	buf       []RawPayload
	dropped   int
	connected bool
	lastErr   error
	layoutErr error
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

type subscribeMsg struct {
	Type  string   `json:"type"`
	Query string   `json:"query,omitempty"`
	Lat   *float64 `json:"lat,omitempty"`
	Lng   *float64 `json:"lng,omitempty"`
}

func (s *StreamAdapter) Name() string { return s.AdapterName }
func (s *StreamAdapter) Kind() Kind   { return KindLive }

// Start 启动后台连接（立即返回）。
func (s *StreamAdapter) Start(ctx context.Context) error {
	if s.URL == "" {
		return errors.New("stream url is required")
	}
	if s.Dialer == nil {
		s.Dialer = websocket.DefaultDialer
	}
	if s.MaxBuffer <= 0 {
		s.MaxBuffer = 1000
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx)
	return nil
}

// Stop 关闭连接并等待后台 goroutine 退出。
func (s *StreamAdapter) Stop() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Fetch 取走缓冲区中的全部订单。
func (s *StreamAdapter) Fetch(ctx context.Context, hint Hint) ([]RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(s.AdapterName, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	if len(out) > 0 {
		s.layoutErr = nil
		return out, nil
	}
	if s.layoutErr != nil {
		err := s.layoutErr
		s.layoutErr = nil
		return nil, &Error{Adapter: s.AdapterName, Kind: LayoutMismatch, Err: err}
	}
	if !s.connected {
		err := s.lastErr
		if err == nil {
			err = errors.New("stream not connected")
		}
		return nil, &Error{Adapter: s.AdapterName, Kind: NetworkFailure, Err: err}
	}
	return nil, nil
}

// Dropped 因缓冲区满而丢弃的订单数。
func (s *StreamAdapter) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *StreamAdapter) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			s.setDisconnected(err)
			if !sleepCtx(ctx, s.RetryBackoff) {
				return
			}
			continue
		}
		if err := conn.WriteJSON(s.subscription()); err != nil {
			_ = conn.Close()
			s.setDisconnected(err)
			if !sleepCtx(ctx, s.RetryBackoff) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.lastErr = nil
		s.mu.Unlock()

		err = s.readLoop(conn)
		s.setDisconnected(err)
		if !sleepCtx(ctx, s.RetryBackoff) {
			return
		}
	}
}

func (s *StreamAdapter) readLoop(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		payloads, err := decodeStreamMessage(msg)
		if err != nil {
			s.mu.Lock()
			s.layoutErr = err
			s.mu.Unlock()
			continue
		}
		s.push(payloads)
	}
}

// push 追加到缓冲区，超出 MaxBuffer 时丢弃最旧的订单。
func (s *StreamAdapter) push(payloads []RawPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, payloads...)
	if s.MaxBuffer > 0 {
		if over := len(s.buf) - s.MaxBuffer; over > 0 {
			s.buf = s.buf[over:]
			s.dropped += over
		}
	}
}

func (s *StreamAdapter) setDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.connected = false
	if err != nil {
		s.lastErr = err
	}
}

func (s *StreamAdapter) subscription() subscribeMsg {
	m := subscribeMsg{Type: "subscribe", Query: s.Hint.Query}
	if s.Hint.Location != nil {
		lat, lng := s.Hint.Location.Lat, s.Hint.Location.Lng
		m.Lat, m.Lng = &lat, &lng
	}
	return m
}

// decodeStreamMessage 支持单个订单对象、订单数组或 {"orders": [...]}。
func decodeStreamMessage(msg []byte) ([]RawPayload, error) {
	var arr []RawPayload
	if err := json.Unmarshal(msg, &arr); err == nil {
		return arr, nil
	}
	var obj RawPayload
	if err := json.Unmarshal(msg, &obj); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if raw, ok := obj["orders"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, errors.New("orders field is not a list")
		}
		out := make([]RawPayload, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errors.New("order entry is not an object")
			}
			out = append(out, RawPayload(m))
		}
		return out, nil
	}
	return []RawPayload{obj}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
