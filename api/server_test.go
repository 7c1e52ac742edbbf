package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier-feed-go/acceptance"
	"courier-feed-go/location"
	"courier-feed-go/order"
	"courier-feed-go/refresh"
	"courier-feed-go/source"
)

func newTestServer(t *testing.T, refresher Refresher) (*acceptance.Engine, *Hub, *httptest.Server) {
	t.Helper()
	e, err := acceptance.New(decimal.NewFromInt(2000), nil, nil)
	require.NoError(t, err)
	e.Merge([]order.Order{
		{ID: "A", Value: decimal.NewFromInt(500)},
		{ID: "B", Value: decimal.NewFromInt(800)},
		{ID: "C", Value: decimal.NewFromInt(900)},
	})
	hub := NewHub(e, nil, nil)
	sess := Session{ID: "s-1", Source: "dev", Location: &location.DefaultPoint, StartedAt: time.Now()}
	ts := httptest.NewServer(NewServer(e, refresher, sess, hub, nil).Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return e, hub, ts
}

func post(t *testing.T, ts *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func get(t *testing.T, ts *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestAcceptRejectOverHTTP(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	code, _ := post(t, ts, "/orders/A/accept")
	assert.Equal(t, http.StatusOK, code)
	code, body := post(t, ts, "/orders/B/accept")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1300", body["wallet"].(map[string]any)["committed"])

	code, body = post(t, ts, "/orders/C/accept")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "insufficient_balance", body["error"])
	assert.Equal(t, "Cannot accept order: insufficient wallet balance", body["message"])

	code, body = post(t, ts, "/orders/A/accept")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_accepted", body["error"])

	code, body = post(t, ts, "/orders/nope/accept")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown_order", body["error"])

	code, _ = post(t, ts, "/orders/A/reject")
	assert.Equal(t, http.StatusOK, code)
	code, body = post(t, ts, "/orders/A/reject")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_accepted", body["error"])

	code, _ = post(t, ts, "/orders/C/accept")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, ts, "/wallet")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2000", body["balance"])
	assert.Equal(t, "1700", body["committed"])
	assert.Equal(t, "300", body["available"])
}

func TestOrdersListing(t *testing.T) {
	e, _, ts := newTestServer(t, nil)
	require.NoError(t, e.Accept("B"))

	code, body := get(t, ts, "/orders")
	require.Equal(t, http.StatusOK, code)
	orders := body["orders"].([]any)
	require.Len(t, orders, 3)
	first := orders[0].(map[string]any)
	assert.Equal(t, "A", first["id"])
	assert.Equal(t, false, first["accepted"])
	assert.Equal(t, true, orders[1].(map[string]any)["accepted"])

	code, body = get(t, ts, "/orders/C")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "900", body["value"])
	code, _ = get(t, ts, "/orders/Z")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionAndHealth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	code, body := get(t, ts, "/session")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s-1", body["id"])
	assert.InDelta(t, 37.7749, body["location"].(map[string]any)["lat"], 1e-9)

	code, body = get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	// 没有 refresher 时不注册 /refresh
	resp, err := ts.Client().Post(ts.URL+"/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type stubRefresher struct{ res refresh.TickResult }

func (s stubRefresher) Tick(context.Context) refresh.TickResult { return s.res }

func TestRefreshEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, stubRefresher{res: refresh.TickResult{Fetched: 4, Merge: order.MergeResult{Added: 3, Skipped: 1}}})
	code, body := post(t, ts, "/refresh")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, body["added"])
	assert.Equal(t, 1.0, body["skipped"])

	_, _, busy := newTestServer(t, stubRefresher{res: refresh.TickResult{Skipped: true, Err: refresh.ErrBusy}})
	code, body = post(t, busy, "/refresh")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "refresh_in_progress", body["error"])

	_, _, failing := newTestServer(t, stubRefresher{res: refresh.TickResult{Err: &source.Error{Adapter: "x", Kind: source.Timeout}}})
	code, _ = post(t, failing, "/refresh")
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/orders/A/accept")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func readFeed(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestFeedPushesSnapshots(t *testing.T) {
	e, hub, ts := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readFeed(t, conn)
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "connect", msg.Reason)
	assert.Len(t, msg.Orders, 3)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Accept("A"))
	msg = readFeed(t, conn)
	assert.Equal(t, "accept", msg.Reason)
	assert.Equal(t, "A", msg.OrderID)
	assert.True(t, msg.Wallet.Committed.Equal(decimal.NewFromInt(500)))
	assert.True(t, msg.Orders[0].Accepted)

	e.Merge([]order.Order{{ID: "D", Value: decimal.NewFromInt(1)}})
	msg = readFeed(t, conn)
	assert.Equal(t, "merge", msg.Reason)
	assert.Len(t, msg.Orders, 4)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
