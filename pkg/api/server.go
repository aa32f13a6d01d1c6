// Package api exposes the vault over HTTP and streams NAV snapshots over
// WebSocket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/vault"
)

// Server serves the vault's external surface.
type Server struct {
	engine *vault.VaultEngine
	logger log.Logger

	upgrader  websocket.Upgrader
	clients   map[*wsClient]bool
	clientsMu sync.RWMutex

	srv    *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates an API server bound to the engine. NAV snapshots are
// broadcast to all connected WebSocket clients as they are produced.
func NewServer(engine *vault.VaultEngine, logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	engine.Oracle.OnUpdate(s.broadcastNAV)
	return s
}

// Start serves HTTP on the given port until Stop is called.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deposit", s.handleDeposit)
	mux.HandleFunc("POST /withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /strike", s.handleStrike)
	mux.HandleFunc("POST /strike/deposit", s.handleStrikeDeposit)
	mux.HandleFunc("GET /nav", s.handleNAV)
	mux.HandleFunc("GET /position", s.handlePosition)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("API server listening", "port", port)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() {
	s.cancel()
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Warn("API server shutdown", "error", err)
		}
	}
	s.clientsMu.Lock()
	for c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	s.clients = make(map[*wsClient]bool)
	s.clientsMu.Unlock()
	s.wg.Wait()
}

type depositRequest struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Caller   string `json:"caller"`
	Amount   string `json:"amount"`
}

type strikeRequest struct {
	Holder string `json:"holder"`
	Price  string `json:"price"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad amount %q", req.Amount))
		return
	}
	shares, err := s.engine.Deposit(amount, req.Holder)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, map[string]string{"shares": shares.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad amount %q", req.Amount))
		return
	}
	if req.Receiver == "" {
		req.Receiver = req.Owner
	}
	if req.Caller == "" {
		req.Caller = req.Owner
	}
	payout, err := s.engine.Withdraw(amount, req.Receiver, req.Owner, req.Caller)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, map[string]string{"payout": payout.String()})
}

func (s *Server) handleStrike(w http.ResponseWriter, r *http.Request) {
	var req strikeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad price %q", req.Price))
		return
	}
	if err := s.engine.Strikes.SetStrikePoint(req.Holder, price); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStrikeDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad amount %q", req.Amount))
		return
	}
	if err := s.engine.Strikes.DepositPending(req.Holder, amount); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "pending"})
}

func (s *Server) handleNAV(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.engine.Oracle.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	holder := r.URL.Query().Get("holder")
	if holder == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("holder required"))
		return
	}
	pos, err := s.engine.Ledger.Position(holder)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, map[string]string{
		"entryPrice":  pos.EntryPrice.String(),
		"entryShares": pos.EntryShares.String(),
		"balance":     s.engine.Ledger.BalanceOf(holder).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	hf, err := s.engine.Leverage.HealthFactor()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	ltv, err := s.engine.Leverage.CurrentLTVBps()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := map[string]interface{}{"ltvBps": ltv}
	if math.IsInf(hf, 1) {
		resp["healthFactor"] = "inf"
	} else {
		resp["healthFactor"] = hf
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = true
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("Client connected", "total", total)

	s.wg.Add(1)
	go s.writePump(client)
}

func (s *Server) writePump(client *wsClient) {
	defer s.wg.Done()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) broadcastNAV(snap *vault.NAVSnapshot) {
	data, err := json.Marshal(map[string]interface{}{
		"type":      "nav_update",
		"data":      snap,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("Failed to marshal NAV broadcast", "error", err)
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Slow client, drop the update rather than block valuation.
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
