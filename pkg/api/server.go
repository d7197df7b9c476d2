// Package api exposes the engine's read surface: REST endpoints for
// markets, books, and trades, plus a WebSocket bridge onto the broadcast
// hub. All writes flow through the ledger, never through this API.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/openclob/ledgersync/pkg/broadcast"
	"github.com/openclob/ledgersync/pkg/core/market"
	"github.com/openclob/ledgersync/pkg/core/orderbook"
	"github.com/openclob/ledgersync/pkg/ingest"
	"github.com/openclob/ledgersync/pkg/storage"
)

// BookSource resolves the live order book for a market symbol.
type BookSource interface {
	Book(symbol string) *orderbook.OrderBook
	Cursor() uint64
}

// ingestorSource adapts the ingestor's cursor type.
type ingestorSource struct{ ing *ingest.Ingestor }

func (s ingestorSource) Book(symbol string) *orderbook.OrderBook { return s.ing.Book(symbol) }
func (s ingestorSource) Cursor() uint64                          { return uint64(s.ing.Cursor()) }

// Server handles REST API and WebSocket connections
type Server struct {
	registry *market.Registry
	books    BookSource
	store    storage.Store
	hub      *broadcast.Hub
	router   *mux.Router
}

// NewServer creates a new API server backed by the given engine surfaces.
func NewServer(registry *market.Registry, ing *ingest.Ingestor, store storage.Store, hub *broadcast.Hub) *Server {
	s := &Server{
		registry: registry,
		books:    ingestorSource{ing: ing},
		store:    store,
		hub:      hub,
		router:   mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Engine status
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the fully wired HTTP handler including CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()

	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = MarketInfo{
			Symbol:     m.Symbol,
			BaseAsset:  m.BaseAsset,
			QuoteAsset: m.QuoteAsset,
			Status:     m.Status.String(),
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]

	m, err := s.registry.Get(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}

	respondJSON(w, MarketInfo{
		Symbol:     m.Symbol,
		BaseAsset:  m.BaseAsset,
		QuoteAsset: m.QuoteAsset,
		Status:     m.Status.String(),
	})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]

	book := s.books.Book(symbol)
	if book == nil {
		respondError(w, http.StatusNotFound, "orderbook not found", "")
		return
	}

	depth := 20
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}

	snap := book.Snapshot(depth)
	respondJSON(w, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	trades, err := s.store.RecentTrades(symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade lookup failed", err.Error())
		return
	}

	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = TradeInfo{
			ID:        t.ID,
			Symbol:    t.Market,
			Price:     t.Price,
			Qty:       t.Qty,
			Buyer:     t.Buyer,
			Seller:    t.Seller,
			Timestamp: t.ExecutedAt.UnixMilli(),
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, EngineStatus{
		Cursor:  s.books.Cursor(),
		Markets: len(s.registry.List()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
