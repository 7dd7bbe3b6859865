// Package rpc provides the payee daemon: a JSON-RPC 2.0 server that accepts
// channels, verifies incremental payments and settles the latest one, plus a
// websocket feed of channel events and a client for the payer side.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/chain"
	"github.com/klingon-exchange/spill/internal/channel"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/logging"
)

// Server is a JSON-RPC 2.0 server acting as the payee of any number of
// channels.
type Server struct {
	network *chain.Params
	key     *wallet.KeyPair
	store   *storage.Storage
	backend backend.Backend
	policy  Policy
	log     *logging.Logger
	wsHub   *WSHub
	hubOnce sync.Once
	started time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex

	channels   map[string]*openChannel
	funding    map[wire.OutPoint]string // funding outpoint -> session
	channelsMu sync.RWMutex
}

// Policy limits the channels the payee accepts.
type Policy struct {
	// MinRefundDelay is the shortest delay accepted, in blocks. Time based
	// delays are compared at ten minutes per block.
	MinRefundDelay uint16

	// MaxCapacity caps the channel capacity in satoshis. Zero means no cap.
	MaxCapacity int64
}

// Config wires a Server to its payee key and optional collaborators.
type Config struct {
	Network *chain.Params
	Key     *wallet.KeyPair

	// Store journals sessions when set.
	Store *storage.Storage

	// Backend lets channel_close broadcast the settled payment.
	Backend backend.Backend

	Policy Policy
	Log    *logging.Logger
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ChannelRejected is returned when channel validation rejects a request.
// The error data carries the channel error category.
const ChannelRejected = -32000

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}

	s := &Server{
		network:  cfg.Network,
		key:      cfg.Key,
		store:    cfg.Store,
		backend:  cfg.Backend,
		policy:   cfg.Policy,
		log:      log.Component("rpc"),
		wsHub:    NewWSHub(log.Component("ws")),
		started:  time.Now(),
		handlers: make(map[string]Handler),
		channels: make(map[string]*openChannel),
		funding:  make(map[wire.OutPoint]string),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["channel_info"] = s.channelInfo
	s.handlers["channel_open"] = s.channelOpen
	s.handlers["channel_pay"] = s.channelPay
	s.handlers["channel_status"] = s.channelStatus
	s.handlers["channel_list"] = s.channelList
	s.handlers["channel_close"] = s.channelClose
}

// Handler returns the HTTP handler serving JSON-RPC on / and events on /ws.
// It starts the websocket hub on first use.
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.wsHub.Run() })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		s.log.Debug("Request failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps a handler error to a JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	var chErr *channel.Error
	switch {
	case errors.Is(err, errInvalidParams), errors.Is(err, errUnknownSession):
		return InvalidParams, nil
	case errors.As(err, &chErr):
		return ChannelRejected, chErr.Kind.String()
	case errors.Is(err, errPolicy):
		return ChannelRejected, "policy"
	case errors.Is(err, errFundingInUse):
		return ChannelRejected, "funding"
	case errors.Is(err, errChannelClosed), errors.Is(err, errNoPayment):
		return ChannelRejected, "session"
	default:
		return InternalError, nil
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, id, InternalError, "failed to encode result", nil)
		return
	}

	resp := Response{
		JSONRPC: "2.0",
		Result:  data,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
