package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"courier-feed-go/acceptance"
	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/infrastructure/monitor"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 8
)

// FeedMessage websocket 推送的内容，每次都是完整快照。
type FeedMessage struct {
	Type    string      `json:"type"`
	Reason  string      `json:"reason"`
	OrderID string      `json:"orderId,omitempty"`
	Orders  []orderView `json:"orders"`
	Wallet  walletView  `json:"wallet"`
	At      time.Time   `json:"at"`
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub 管理 /feed 的 websocket 连接，引擎状态变化后向所有连接推送快照。
// 发送缓冲满的慢连接会被断开。
type Hub struct {
	engine   *acceptance.Engine
	logger   *logger.Logger
	monitor  *monitor.Monitor
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*feedClient
	closed  bool
}

func NewHub(engine *acceptance.Engine, log *logger.Logger, mon *monitor.Monitor) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	h := &Hub{
		engine:  engine,
		logger:  log,
		monitor: mon,
		clients: make(map[string]*feedClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	engine.Subscribe(h.onEvent)
	return h
}

func (h *Hub) onEvent(ev acceptance.Event) {
	h.Broadcast(string(ev.Type), ev.OrderID)
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast 推送当前快照。
func (h *Hub) Broadcast(reason, orderID string) {
	msg, err := h.encode(reason, orderID)
	if err != nil {
		h.logger.Error("encode feed message failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("feed client too slow, dropping", zap.String("client", id))
			h.removeLocked(id)
		}
	}
}

func (h *Hub) encode(reason, orderID string) ([]byte, error) {
	snap := h.engine.Snapshot()
	return json.Marshal(FeedMessage{
		Type:    "snapshot",
		Reason:  reason,
		OrderID: orderID,
		Orders:  ordersView(snap),
		Wallet:  newWalletView(snap),
		At:      time.Now().UTC(),
	})
}

// ServeHTTP 升级连接并先推送一次快照。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	c := &feedClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	first, err := h.encode("connect", "")
	if err != nil {
		_ = conn.Close()
		return
	}
	c.send <- first

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.monitor.UpdateFeedClients(n)
	h.logger.Info("feed client connected", zap.String("client", c.id))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop 只处理控制帧，连接断开后注销客户端。
func (h *Hub) readLoop(c *feedClient) {
	defer h.remove(c.id)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *feedClient) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	h.removeLocked(id)
	n := len(h.clients)
	h.mu.Unlock()
	h.monitor.UpdateFeedClients(n)
}

func (h *Hub) removeLocked(id string) {
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		c.close()
	}
}

// Close 断开所有连接，之后的新连接直接关闭。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id := range h.clients {
		h.removeLocked(id)
	}
	h.mu.Unlock()
	h.monitor.UpdateFeedClients(0)
}
