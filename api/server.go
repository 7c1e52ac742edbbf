package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"courier-feed-go/acceptance"
	"courier-feed-go/infrastructure/logger"
	"courier-feed-go/location"
	"courier-feed-go/order"
	"courier-feed-go/refresh"
)

// Refresher 手动刷新入口，refresh.Scheduler 实现它。
type Refresher interface {
	Tick(ctx context.Context) refresh.TickResult
}

// Session 会话开始时确定的信息。
type Session struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Location  *location.Point `json:"location"`
	Query     string          `json:"query,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
}

// Server 司机端的 HTTP 接口：只读查询加接单/拒单两个写入口。
type Server struct {
	engine    *acceptance.Engine
	refresher Refresher
	session   Session
	hub       *Hub
	logger    *logger.Logger
}

func NewServer(engine *acceptance.Engine, refresher Refresher, session Session, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{engine: engine, refresher: refresher, session: session, hub: hub, logger: log}
}

// Handler 注册全部路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /orders/{id}", s.handleOrder)
	mux.HandleFunc("POST /orders/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /orders/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /wallet", s.handleWallet)
	mux.HandleFunc("GET /session", s.handleSession)
	if s.refresher != nil {
		mux.HandleFunc("POST /refresh", s.handleRefresh)
	}
	if s.hub != nil {
		mux.Handle("GET /feed", s.hub)
	}
	return mux
}

type orderView struct {
	order.Order
	Accepted bool `json:"accepted"`
}

type walletView struct {
	Balance   decimal.Decimal `json:"balance"`
	Committed decimal.Decimal `json:"committed"`
	Available decimal.Decimal `json:"available"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ordersView(snap acceptance.Snapshot) []orderView {
	accepted := make(map[string]bool, len(snap.Accepted))
	for _, id := range snap.Accepted {
		accepted[id] = true
	}
	out := make([]orderView, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		out = append(out, orderView{Order: o, Accepted: accepted[o.ID]})
	}
	return out
}

func newWalletView(snap acceptance.Snapshot) walletView {
	return walletView{Balance: snap.Balance, Committed: snap.Committed, Available: snap.Available()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "orders": len(s.engine.Orders())})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": ordersView(snap),
		"wallet": newWalletView(snap),
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := s.engine.Order(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView{Order: o, Accepted: s.engine.IsAccepted(id)})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Accept(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMutation(w, id)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Reject(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMutation(w, id)
}

func (s *Server) writeMutation(w http.ResponseWriter, id string) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":  id,
		"accepted": snap.IsAccepted(id),
		"wallet":   newWalletView(snap),
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newWalletView(s.engine.Snapshot()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := s.refresher.Tick(r.Context())
	status := http.StatusOK
	body := map[string]any{
		"fetched":   res.Fetched,
		"dropped":   res.Dropped,
		"added":     res.Merge.Added,
		"skipped":   res.Merge.Skipped,
		"discarded": res.Discarded,
		"latencyMs": res.Duration.Milliseconds(),
	}
	switch {
	case errors.Is(res.Err, refresh.ErrBusy):
		status = http.StatusConflict
		body["error"] = "refresh_in_progress"
	case res.Err != nil:
		status = http.StatusBadGateway
		body["error"] = res.Err.Error()
	}
	writeJSON(w, status, body)
}

// writeError 把引擎错误映射为状态码
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := acceptance.Code(err)
	body := errorBody{Error: code, Message: err.Error()}
	status := http.StatusInternalServerError
	switch code {
	case "unknown_order":
		status = http.StatusNotFound
	case "already_accepted", "not_accepted":
		status = http.StatusConflict
	case "insufficient_balance":
		status = http.StatusUnprocessableEntity
		body.Message = "Cannot accept order: insufficient wallet balance"
	default:
		s.logger.Error("unexpected engine error", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
