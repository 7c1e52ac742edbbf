package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier-feed-go/location"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("tick: %w", &Error{Adapter: "swiggy", Kind: Timeout})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrNetworkFailure))
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, NetworkFailure, KindOf(errors.New("boom")))
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
}

func TestMockAdapterSeedsAndGenerates(t *testing.T) {
	m := NewMockAdapter("dev", 2, 42)
	first, err := m.Fetch(context.Background(), Hint{Query: "Sector 62, Noida"})
	require.NoError(t, err)
	second, err := m.Fetch(context.Background(), Hint{})
	require.NoError(t, err)

	assert.Len(t, first, 5)
	assert.Len(t, second, 5)
	assert.Equal(t, "1", first[0]["id"])
	// 生成的订单 id 在多次拉取之间不重复
	ids := map[any]bool{}
	for _, p := range append(first[3:], second[3:]...) {
		assert.False(t, ids[p["id"]], "duplicate generated id %v", p["id"])
		ids[p["id"]] = true
	}
	assert.Equal(t, KindMock, m.Kind())
}

func TestMockAdapterScriptedFailure(t *testing.T) {
	m := NewMockAdapter("dev", 0, 1)
	m.Failures = []error{&Error{Adapter: "dev", Kind: Timeout}}
	_, err := m.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrTimeout)
	got, err := m.Fetch(context.Background(), Hint{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestHTTPAdapterDecodesListing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("q") != "Sector 62" || r.URL.Query().Get("lat") == "" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"restaurants":[{"productName":"Chaayos","pricePerPerson":"₹250 for one"},{"id":"x"}]}`)
	}))
	defer ts.Close()

	a := &HTTPAdapter{AdapterName: "swiggy", BaseURL: ts.URL, APIKey: "k", HTTPClient: ts.Client()}
	got, err := a.Fetch(context.Background(), Hint{Query: "Sector 62", Location: &location.Point{Lat: 28.6, Lng: 77.3}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Chaayos", got[0]["productName"])
	assert.Equal(t, KindLive, a.Kind())
}

func TestHTTPAdapterArrayAndCards(t *testing.T) {
	for name, body := range map[string]string{
		"array": `[{"id":"a"}]`,
		"cards": `{"data":{"cards":[{"id":"a"}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}))
			defer ts.Close()
			a := &HTTPAdapter{AdapterName: "swiggy", BaseURL: ts.URL, HTTPClient: ts.Client()}
			got, err := a.Fetch(context.Background(), Hint{})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0]["id"])
		})
	}
}

func TestHTTPAdapterLayoutMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><div class="_1HEuF"></div></html>`)
	}))
	defer ts.Close()
	a := &HTTPAdapter{AdapterName: "swiggy", BaseURL: ts.URL, HTTPClient: ts.Client()}
	_, err := a.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"unexpected":true}`)
	}))
	defer ts2.Close()
	a.BaseURL = ts2.URL
	a.HTTPClient = ts2.Client()
	_, err = a.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestHTTPAdapterStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	a := &HTTPAdapter{AdapterName: "swiggy", BaseURL: ts.URL, HTTPClient: ts.Client()}
	_, err := a.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrNetworkFailure)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPAdapterTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)
	a := &HTTPAdapter{AdapterName: "swiggy", BaseURL: ts.URL, HTTPClient: ts.Client(), Timeout: 20 * time.Millisecond}
	_, err := a.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPAdapterWithoutClient(t *testing.T) {
	a := &HTTPAdapter{AdapterName: "swiggy"}
	_, err := a.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrNetworkFailure)
}

func TestDecodeStreamMessage(t *testing.T) {
	got, err := decodeStreamMessage([]byte(`{"orders":[{"id":"a"},{"id":"b"}]}`))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = decodeStreamMessage([]byte(`{"id":"solo"}`))
	require.NoError(t, err)
	assert.Equal(t, "solo", got[0]["id"])

	_, err = decodeStreamMessage([]byte(`not json`))
	assert.Error(t, err)
	_, err = decodeStreamMessage([]byte(`{"orders":"nope"}`))
	assert.Error(t, err)
}

func TestStreamAdapterBuffersPushedOrders(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeMsg, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"orders":[{"id":"s-1"},{"id":"s-2"}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"s-3"}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	s := &StreamAdapter{
		AdapterName:  "swiggy-stream",
		URL:          "ws" + strings.TrimPrefix(ts.URL, "http"),
		Hint:         Hint{Query: "Sector 62", Location: &location.Point{Lat: 1, Lng: 2}},
		RetryBackoff: 10 * time.Millisecond,
	}
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, "Sector 62", sub.Query)
		require.NotNil(t, sub.Lat)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	var got []RawPayload
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		batch, err := s.Fetch(context.Background(), Hint{})
		if err == nil {
			got = append(got, batch...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "s-3", got[2]["id"])

	// 缓冲区已清空，连接仍在：空结果且无错误
	batch, err := s.Fetch(context.Background(), Hint{})
	assert.NoError(t, err)
	assert.Empty(t, batch)
}

func TestStreamAdapterNotConnected(t *testing.T) {
	s := &StreamAdapter{AdapterName: "swiggy-stream"}
	_, err := s.Fetch(context.Background(), Hint{})
	assert.ErrorIs(t, err, ErrNetworkFailure)
	assert.Error(t, s.Start(context.Background()))
}

func TestStreamAdapterBufferLimit(t *testing.T) {
	s := &StreamAdapter{AdapterName: "x", MaxBuffer: 2}
	s.mu.Lock()
	s.connected = true
	s.buf = []RawPayload{{"id": "a"}}
	s.mu.Unlock()

	payloads, err := decodeStreamMessage([]byte(`[{"id":"b"},{"id":"c"}]`))
	require.NoError(t, err)
	s.push(payloads)

	got, err := s.Fetch(context.Background(), Hint{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "b", got[0]["id"])
	assert.Equal(t, 1, s.Dropped())
}
