package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"oms/internal/core"
	"oms/internal/store"
)

var (
	wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oms_ws_active_connections",
		Help: "Current number of active WebSocket subscribers",
	})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oms_ws_rejected_total",
		Help: "WebSocket connections rejected before subscribing",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// EventFeed is the live event source, satisfied by the dispatcher event ring.
type EventFeed interface {
	Subscribe(buffer int) (<-chan core.Event, func())
}

// subscribeFrame is the first frame a client must send after the upgrade.
type subscribeFrame struct {
	XAPIKey    string   `json:"x_api_key"`
	AccountID  int64    `json:"account_id"`
	Namespaces []string `json:"namespaces"`
}

// Server upgrades HTTP connections, authenticates the subscribe frame,
// replies with open-order and open-position snapshots and then streams
// deltas from the hub.
type Server struct {
	hub            *Hub
	store          *store.Store
	feed           EventFeed
	logger         core.ILogger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	mu     sync.Mutex
	srv    *http.Server
	cancel context.CancelFunc
}

// NewServer wires the WebSocket fan-out server.
func NewServer(st *store.Store, feed EventFeed, allowedOrigins []string, logger core.ILogger) *Server {
	s := &Server{
		hub:            NewHub(logger),
		store:          st,
		feed:           feed,
		logger:         logger.WithField("component", "ws_server"),
		allowedOrigins: allowedOrigins,
		rateLimit:      10,
		rateBurst:      20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the hub, mainly for tests and health reporting.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the hub pump and the HTTP listener.
func (s *Server) Start(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)

	events, unsubscribe := s.feed.Subscribe(1024)
	go func() {
		defer unsubscribe()
		s.hub.Run(ctx, events)
	}()

	s.mu.Lock()
	s.cancel = cancel
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("WebSocket server listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down and closes every subscriber.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, srv := s.cancel, s.srv
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (bots, CLIs) send no Origin header.
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}
	s.logger.Warn("Rejected WebSocket origin", "origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	limiter := s.ipLimiter(remoteIP(r))
	if !limiter.Allow() {
		wsRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client, err := s.subscribe(r.Context(), conn)
	if err != nil {
		wsRejectedTotal.WithLabelValues("auth").Inc()
		_ = conn.WriteJSON(Message{Type: TypeError, Data: err.Error()})
		return
	}

	wsActiveConnections.Inc()
	defer wsActiveConnections.Dec()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()
	s.hub.Unregister(client)
}

// subscribe reads and authorizes the initial frame, registers the client and
// queues the state snapshots.
func (s *Server) subscribe(ctx context.Context, conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var frame subscribeFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, errors.New("expected a subscribe frame")
	}
	if frame.AccountID == 0 {
		return nil, errors.New("account_id is required")
	}

	key, err := s.store.FetchAPIKey(ctx, s.store.DB(), frame.XAPIKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("invalid api key")
	}
	if err != nil {
		return nil, err
	}
	if key.Role != core.RoleAdmin {
		perm, err := s.store.FetchAPIKeyAccountPermissions(ctx, s.store.DB(), key.ID, frame.AccountID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !perm.CanRead) {
			return nil, errors.New("no read access to this account")
		}
		if err != nil {
			return nil, err
		}
	}

	client := NewClient(uuid.NewString(), frame.AccountID, frame.Namespaces)
	s.hub.Register(client)

	client.Send(Message{Type: TypeSubscribed, AccountID: frame.AccountID})
	if err := s.sendSnapshots(ctx, client, frame.AccountID); err != nil {
		s.hub.Unregister(client)
		return nil, err
	}
	return client, nil
}

// sendSnapshots queues the current open orders and open positions so the
// client starts from a consistent base before deltas arrive.
func (s *Server) sendSnapshots(ctx context.Context, client *Client, accountID int64) error {
	orders, err := s.store.ListOpenOrders(ctx, s.store.DB(), accountID)
	if err != nil {
		return err
	}
	orderRows := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		orderRows = append(orderRows, orderSnapshot(o))
	}
	client.Send(Message{Type: TypeSnapshotOrders, AccountID: accountID, Data: orderRows})

	positions, err := s.store.ListOpenPositions(ctx, s.store.DB(), accountID)
	if err != nil {
		return err
	}
	positionRows := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		positionRows = append(positionRows, positionSnapshot(p))
	}
	client.Send(Message{Type: TypeSnapshotPositions, AccountID: accountID, Data: positionRows})
	return nil
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive; clients do not send data after the
// subscribe frame.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orderSnapshot(o *core.Order) map[string]any {
	row := map[string]any{
		"id":                o.ID,
		"strategy_id":       o.StrategyID,
		"position_id":       o.PositionID,
		"symbol":            o.Symbol,
		"side":              o.Side,
		"order_type":        o.OrderType,
		"qty":               o.Qty.String(),
		"filled_qty":        o.FilledQty.String(),
		"status":            o.Status,
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": o.ExchangeOrderID,
		"reason":            o.Reason,
	}
	if o.Price != nil {
		row["price"] = o.Price.String()
	}
	return row
}

func positionSnapshot(p *core.Position) map[string]any {
	row := map[string]any{
		"id":          p.ID,
		"strategy_id": p.StrategyID,
		"symbol":      p.Symbol,
		"side":        p.Side,
		"qty":         p.Qty.String(),
		"avg_price":   p.AvgPrice.String(),
		"reason":      p.Reason,
	}
	if p.StopLoss != nil {
		row["stop_loss"] = p.StopLoss.String()
	}
	if p.StopGain != nil {
		row["stop_gain"] = p.StopGain.String()
	}
	return row
}
