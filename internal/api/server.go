// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/internal/monitor"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultLimit = 50

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.Mutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	engine     *engine.Engine
	scheduler  *monitor.Scheduler
	metrics    *metrics.Registry
	started    time.Time
}

// NewServer creates a new API server. reg may be nil to disable /metrics.
func NewServer(logger *zap.Logger, config *types.ServerConfig, eng *engine.Engine, scheduler *monitor.Scheduler, hub *Hub, reg *metrics.Registry) *Server {
	if config == nil {
		def := types.DefaultServerConfig()
		config = &def
	}
	server := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		hub:       hub,
		engine:    eng,
		scheduler: scheduler,
		metrics:   reg,
		started:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(config.AllowedOrigins),
		},
	}

	server.setupRoutes()
	return server
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Risk
	api.HandleFunc("/risk/metrics", s.handleRiskMetrics).Methods("GET")
	api.HandleFunc("/risk/assessment", s.handleRiskAssessment).Methods("GET")
	api.HandleFunc("/risk/stocks", s.handleStockRisk).Methods("GET")
	api.HandleFunc("/risk/stocks/{symbol}", s.handleStockRisk).Methods("GET")

	// Market environment
	api.HandleFunc("/regime/current", s.handleRegimeCurrent).Methods("GET")
	api.HandleFunc("/regime/history", s.handleRegimeHistory).Methods("GET")

	// Factor weights
	api.HandleFunc("/weights/current", s.handleWeightsCurrent).Methods("GET")
	api.HandleFunc("/weights/history", s.handleWeightsHistory).Methods("GET")
	api.HandleFunc("/weights/override", s.handleSetOverride).Methods("PUT")
	api.HandleFunc("/weights/override", s.handleClearOverride).Methods("DELETE")

	api.HandleFunc("/ranking", s.handleRanking).Methods("GET")
	api.HandleFunc("/factors/performance", s.handleFactorPerformance).Methods("GET")

	// Stop-loss
	api.HandleFunc("/stoploss", s.handleListStops).Methods("GET")
	api.HandleFunc("/stoploss/{symbol}", s.handleOpenStop).Methods("POST")
	api.HandleFunc("/stoploss/{symbol}", s.handleCloseStop).Methods("DELETE")

	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/cycle/run", s.handleRunCycle).Methods("POST")
	api.HandleFunc("/monitor", s.handleMonitor).Methods("GET")

	if s.metrics != nil && s.config.EnableMetrics {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// WebSocket
	if s.hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
}

// Router exposes the route table for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler wraps the router with CORS
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine error kinds onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidInput), errors.Is(err, types.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stoploss.ErrPositionActive), errors.Is(err, monitor.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, stoploss.ErrPositionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"cycles": s.engine.Cycles(),
	}
	if last, ok := s.engine.LastReport(); ok {
		resp["lastCycle"] = last.FinishedAt
	}
	if s.hub != nil {
		resp["clients"] = s.hub.ClientCount()
	}
	if s.scheduler != nil {
		resp["monitoring"] = s.scheduler.IsRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lastReport(w http.ResponseWriter) (*engine.CycleReport, bool) {
	report, ok := s.engine.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no assessment cycle has run yet")
	}
	return report, ok
}

// handleRiskMetrics returns the latest portfolio risk metrics
func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	report, ok := s.lastReport(w)
	if !ok {
		return
	}
	if report.Metrics == nil {
		writeError(w, http.StatusNotFound, "latest cycle produced no risk metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle":   report.ID,
		"metrics": report.Metrics,
	})
}

// handleRiskAssessment returns the latest risk assessment report
func (s *Server) handleRiskAssessment(w http.ResponseWriter, r *http.Request) {
	report, ok := s.lastReport(w)
	if !ok {
		return
	}
	if report.Assessment == nil {
		writeError(w, http.StatusNotFound, "latest cycle produced no assessment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle":      report.ID,
		"assessment": report.Assessment,
		"thresholds": s.engine.Config().Thresholds,
	})
}

// handleStockRisk assesses single-stock risk for a path symbol, a
// comma-separated symbols query, or the whole universe
func (s *Server) handleStockRisk(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if symbol, ok := mux.Vars(r)["symbol"]; ok {
		symbols = []string{symbol}
	} else if raw := r.URL.Query().Get("symbols"); raw != "" {
		for _, sym := range strings.Split(raw, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				symbols = append(symbols, sym)
			}
		}
	}

	assessments, batch, err := s.engine.AssessStocks(r.Context(), symbols)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if symbol, single := mux.Vars(r)["symbol"]; single {
		for _, a := range assessments {
			if a.Symbol == symbol {
				writeJSON(w, http.StatusOK, a)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("no fundamentals for %s", symbol))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"batch":       batch,
	})
}

// handleRegimeCurrent returns the current market environment
func (s *Server) handleRegimeCurrent(w http.ResponseWriter, r *http.Request) {
	env, ok := s.engine.Components().Tracker.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "market environment not classified yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment":     env,
		"recommendations": regime.Recommendations(env),
	})
}

// handleRegimeHistory returns recent environment records and statistics
func (s *Server) handleRegimeHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tracker := s.engine.Components().Tracker
	history := tracker.History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
		"stats":   tracker.Stats(),
	})
}

// handleWeightsCurrent returns the active factor weights
func (s *Server) handleWeightsCurrent(w http.ResponseWriter, r *http.Request) {
	controller := s.engine.Components().Weights
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"weights":  controller.Current(),
		"override": controller.OverrideActive(),
	})
}

// handleWeightsHistory returns superseded weight sets
func (s *Server) handleWeightsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history := s.engine.Components().Weights.History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// OverrideRequest is the body of PUT /weights/override
type OverrideRequest struct {
	Weights map[types.FactorKind]float64 `json:"weights"`
}

// handleSetOverride installs a manual weight set
func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	set, err := s.engine.Components().Weights.SetOverride(r.Context(), req.Weights)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleClearOverride resumes regime-driven weights
func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	set, err := s.engine.Components().Weights.ClearOverride(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleRanking returns the latest ranked stocks
func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, ok := s.lastReport(w)
	if !ok {
		return
	}
	ranking := report.Ranking
	if limit > 0 && len(ranking) > limit {
		ranking = ranking[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle":         report.ID,
		"weightVersion": report.Weights.Version,
		"ranking":       ranking,
		"count":         len(ranking),
	})
}

// handleFactorPerformance returns realized returns per factor
func (s *Server) handleFactorPerformance(w http.ResponseWriter, r *http.Request) {
	perf := s.engine.Components().Performance
	if perf == nil {
		writeError(w, http.StatusNotFound, "factor performance tracking is disabled")
		return
	}
	best, ok := perf.Best()
	resp := map[string]interface{}{
		"factors": perf.Summary(),
	}
	if ok {
		resp["best"] = best
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListStops returns every tracked stop
func (s *Server) handleListStops(w http.ResponseWriter, r *http.Request) {
	states := s.engine.Components().Stops.States()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stops": states,
		"count": len(states),
	})
}

// OpenStopRequest is the body of POST /stoploss/{symbol}
type OpenStopRequest struct {
	Strategy   types.StopStrategy `json:"strategy"`
	EntryPrice decimal.Decimal    `json:"entryPrice"`
}

// handleOpenStop opens a trailing stop for a symbol
func (s *Server) handleOpenStop(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var req OpenStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	state, err := s.engine.Components().Stops.Open(r.Context(), symbol, req.Strategy, req.EntryPrice)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// handleCloseStop stops tracking a symbol
func (s *Server) handleCloseStop(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.engine.Components().Stops.Close(r.Context(), symbol); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"symbol": symbol,
		"status": "closed",
	})
}

// handleAlerts returns the most recent alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recent := s.engine.Components().Alerts.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": recent,
		"count":  len(recent),
	})
}

// handleRunCycle runs an assessment cycle immediately
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var (
		report *engine.CycleReport
		err    error
	)
	if s.scheduler != nil {
		report, err = s.scheduler.RunNow(r.Context())
	} else {
		report, err = s.engine.RunCycle(r.Context())
		if err == nil && s.hub != nil {
			s.hub.PublishCycle(report)
		}
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleMonitor returns the monitoring session statistics
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, "monitoring is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.Register(client)

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
