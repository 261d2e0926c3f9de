package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/modules/trading"
	"github.com/aristath/papertrader/internal/signals"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports process and database health
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK

	dbs := map[string]string{}
	for name, db := range map[string]interface {
		QuickCheck(ctx context.Context) error
	}{
		"state":  s.cfg.StateDB,
		"ledger": s.cfg.LedgerDB,
	} {
		if err := db.QuickCheck(ctx); err != nil {
			dbs[name] = err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		} else {
			dbs[name] = "ok"
		}
	}

	// Short CPU sample so the handler stays fast
	cpuAvg := 0.0
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuAvg = pcts[0]
	}

	memPct := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		memPct = stat.UsedPercent
	}

	s.writeJSON(w, httpStatus, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"databases":      dbs,
		"cpu_percent":    cpuAvg,
		"memory_percent": memPct,
		"market_open":    s.cfg.Calendar.IsOpen(time.Now()),
	})
}

// handleMarketStatus reports the calendar's view of the market
// GET /api/market/status
func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	resp := map[string]interface{}{
		"open":        s.cfg.Calendar.IsOpen(now),
		"trading_day": s.cfg.Calendar.IsTradingDay(now),
	}

	if nextOpen, err := s.cfg.Calendar.NextOpen(now); err == nil {
		resp["next_open"] = nextOpen.Format(time.RFC3339)
	}
	if nextClose, err := s.cfg.Calendar.NextClose(now); err == nil {
		resp["next_close"] = nextClose.Format(time.RFC3339)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type startSessionRequest struct {
	UserID       int64   `json:"user_id"`
	Capital      float64 `json:"capital,omitempty"`
	MaxPositions int     `json:"max_positions,omitempty"`
	RiskPct      float64 `json:"risk_pct,omitempty"`
}

type adjustSessionRequest struct {
	RiskPct      *float64 `json:"risk_pct,omitempty"`
	MaxPositions *int     `json:"max_positions,omitempty"`
	AddCapital   *float64 `json:"add_capital,omitempty"`
}

// handleStartSession starts a new paper-trading session
// POST /api/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := s.cfg.SessionService.StartSession(trading.StartSessionParams{
		UserID:       req.UserID,
		Capital:      req.Capital,
		MaxPositions: req.MaxPositions,
		RiskPct:      req.RiskPct,
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, session)
}

// handleAdjustSession updates risk percent, max positions or cash on a
// live session
// PATCH /api/sessions/{sessionID}
func (s *Server) handleAdjustSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req adjustSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RiskPct == nil && req.MaxPositions == nil && req.AddCapital == nil {
		s.writeError(w, http.StatusBadRequest, "nothing to adjust")
		return
	}

	session, err := s.cfg.SessionService.AdjustSession(sessionID, trading.AdjustSessionParams{
		RiskPct:      req.RiskPct,
		MaxPositions: req.MaxPositions,
		AddCapital:   req.AddCapital,
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleGetSession returns a session by id
// GET /api/sessions/{sessionID}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleStopSession closes all open positions and deactivates the session
// POST /api/sessions/{sessionID}/stop
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.cfg.SessionService.StopSession(sessionID)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleSnapshot returns the live portfolio snapshot
// GET /api/sessions/{sessionID}/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	snapshot, err := s.cfg.Accountant.PortfolioSnapshot(session)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleListPositions returns the session's open positions
// GET /api/sessions/{sessionID}/positions
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	positions, err := s.cfg.Positions.ListOpenBySession(session.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleListOrders returns the session's pending orders, kept separate from
// open positions so a queued request is visibly distinct from a holding
// GET /api/sessions/{sessionID}/orders
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	orders, err := s.cfg.Orders.ListBySession(session.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// handleListTrades returns the session's completed trades, oldest first
// GET /api/sessions/{sessionID}/trades
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	trades, err := s.cfg.Trades.ListBySession(session.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// handleAnalytics returns full-history statistics and recommendations
// GET /api/sessions/{sessionID}/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	summary, err := s.cfg.Analytics.Summarize(session.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":         summary,
		"recommendations": s.cfg.Analytics.Recommendations(summary),
	})
}

type entryRequest struct {
	RequestedBy int64           `json:"requested_by"`
	Signal      signals.Payload `json:"signal"`
}

// handleRequestEntry routes an ad-hoc entry request: immediate execution
// while the market is open, otherwise queued for the next open
// POST /api/sessions/{sessionID}/buy
func (s *Server) handleRequestEntry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signal, err := signals.Parse(req.Signal)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.cfg.SessionService.RequestEntry(sessionID, signal, req.RequestedBy)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	switch {
	case outcome.Position != nil:
		s.writeJSON(w, http.StatusCreated, map[string]interface{}{
			"status":   "executed",
			"position": outcome.Position,
		})
	case outcome.Order != nil:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "queued",
			"order":  outcome.Order,
		})
	default:
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status": "rejected",
			"reason": string(outcome.Reason),
			"detail": outcome.Reason.Message(),
		})
	}
}

// handleIngestSignal accepts one external signal into the feed
// POST /api/signals
func (s *Server) handleIngestSignal(w http.ResponseWriter, r *http.Request) {
	var payload signals.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signal, err := signals.Parse(payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Signals.Save(&signal); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, signal)
}

// loadSession resolves the sessionID URL parameter, writing the error
// response itself when the session cannot be served
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.cfg.Sessions.GetByID(sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if session == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}
