// Package adminapi is the engine's control-plane HTTP surface: liveness and
// readiness probes, a Prometheus scrape endpoint, a manual Emergency Stop
// trigger/clear, and a read-only snapshot of open positions.
//
// Grounded on r3e-network-service_layer/cmd/gateway's mux.Router + JSON
// handler-closure style (healthHandler/readyHandler returning
// http.HandlerFunc closures over injected dependencies) and its CORS
// wiring, generalized from a multi-tenant REST gateway to this engine's
// small fixed set of operator endpoints.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/risk"
)

// EmergencyCloser closes every open position (spec §4.9: "Close all
// positions (market reduce-only)"), used by the manual trigger endpoint.
type EmergencyCloser interface {
	CloseAll(reason string) error
}

// Server hosts the admin HTTP API.
type Server struct {
	logger  *zap.Logger
	posReg  *positionregistry.Registry
	dataReg *dataregistry.Registry
	riskMgr *risk.Manager
	closer  EmergencyCloser
	metricsHandler http.Handler

	httpServer *http.Server
}

// New builds a Server listening on addr. metricsHandler is typically
// promhttp.Handler() — kept as an http.Handler parameter so this package
// does not import prometheus directly.
func New(logger *zap.Logger, addr string, posReg *positionregistry.Registry, dataReg *dataregistry.Registry, riskMgr *risk.Manager, closer EmergencyCloser, metricsHandler http.Handler, allowedOrigins []string) *Server {
	s := &Server{
		logger: logger.Named("admin_api"), posReg: posReg, dataReg: dataReg,
		riskMgr: riskMgr, closer: closer, metricsHandler: metricsHandler,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	router.HandleFunc("/positions", s.positionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/risk/state", s.riskStateHandler).Methods(http.MethodGet)
	router.HandleFunc("/risk/emergency-stop", s.triggerEmergencyStopHandler).Methods(http.MethodPost)
	router.HandleFunc("/risk/emergency-stop", s.clearEmergencyStopHandler).Methods(http.MethodDelete)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin API until it errors or is shut
// down via Shutdown. Matches http.Server's own contract so callers run it
// in a goroutine the way the teacher runs its gateway server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin api listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "perpscalp-engine",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.dataReg.DroppedUpdateCount() > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":               "ready",
			"dropped_tick_updates": s.dataReg.DroppedUpdateCount(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	positions := s.posReg.GetAll()
	out := make(map[string]any, len(positions))
	for symbol, pos := range positions {
		out[symbol] = map[string]any{
			"side":            pos.Side,
			"entry_price":     pos.EntryPrice.String(),
			"mark_price":      pos.MarkPrice.String(),
			"size_coins":      pos.SizeCoins.String(),
			"unrealized_pnl":  pos.UnrealizedPnL.String(),
			"leverage":        pos.Leverage,
			"open_time":       pos.OpenTime.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) riskStateHandler(w http.ResponseWriter, r *http.Request) {
	state := s.riskMgr.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"emergency_stop_active": state.Active,
		"stop_time":             formatTimeOrEmpty(state.StopTime),
		"stop_balance":          decimalOrEmpty(state.StopBalance),
	})
}

func (s *Server) triggerEmergencyStopHandler(w http.ResponseWriter, r *http.Request) {
	if s.closer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "emergency closer not wired"})
		return
	}
	if err := s.closer.CloseAll("manual_admin_trigger"); err != nil {
		s.logger.Error("manual emergency stop failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "emergency_stop_triggered"})
}

func (s *Server) clearEmergencyStopHandler(w http.ResponseWriter, r *http.Request) {
	s.riskMgr.ClearEmergencyStop()
	writeJSON(w, http.StatusOK, map[string]any{"status": "emergency_stop_cleared"})
}

func formatTimeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decimalOrEmpty(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
