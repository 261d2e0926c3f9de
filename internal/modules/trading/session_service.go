package trading

import (
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/market"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionDefaults are applied when a start request omits a parameter
type SessionDefaults struct {
	Capital      float64
	MaxPositions int
	RiskPct      float64
}

// SessionService handles the session lifecycle and ad-hoc entry requests.
// Entry requests route to an immediate execution while the market is open
// and into the pending queue otherwise.
type SessionService struct {
	sessions  *portfolio.SessionRepository
	positions *portfolio.PositionRepository
	engine    *Engine
	queue     *Queue
	calendar  *market.Calendar
	prices    domain.PriceOracle
	defaults  SessionDefaults
	log       zerolog.Logger
}

// NewSessionService creates a new session service
func NewSessionService(
	sessions *portfolio.SessionRepository,
	positions *portfolio.PositionRepository,
	engine *Engine,
	queue *Queue,
	calendar *market.Calendar,
	prices domain.PriceOracle,
	defaults SessionDefaults,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		positions: positions,
		engine:    engine,
		queue:     queue,
		calendar:  calendar,
		prices:    prices,
		defaults:  defaults,
		log:       log.With().Str("component", "session_service").Logger(),
	}
}

// StartSessionParams are the user-settable session parameters. Zero values
// fall back to the configured defaults.
type StartSessionParams struct {
	UserID       int64
	Capital      float64
	MaxPositions int
	RiskPct      float64
}

// StartSession creates and activates a new session for the user. A user can
// have at most one active session at a time.
func (s *SessionService) StartSession(params StartSessionParams) (*domain.Session, error) {
	existing, err := s.sessions.GetActiveByUser(params.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing sessions for user %d: %w", params.UserID, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("user %d already has an active session (%s)", params.UserID, existing.ID)
	}

	if params.Capital == 0 {
		params.Capital = s.defaults.Capital
	}
	if params.MaxPositions == 0 {
		params.MaxPositions = s.defaults.MaxPositions
	}
	if params.RiskPct == 0 {
		params.RiskPct = s.defaults.RiskPct
	}

	session := &domain.Session{
		ID:             uuid.New().String(),
		UserID:         params.UserID,
		Active:         true,
		StartedAt:      time.Now(),
		InitialCapital: params.Capital,
		CurrentCapital: params.Capital,
		PeakCapital:    params.Capital,
		MaxPositions:   params.MaxPositions,
		RiskPct:        params.RiskPct,
	}

	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session parameters: %w", err)
	}

	if err := s.sessions.Create(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Info().
		Str("session_id", session.ID).
		Int64("user_id", session.UserID).
		Float64("capital", session.InitialCapital).
		Int("max_positions", session.MaxPositions).
		Float64("risk_pct", session.RiskPct).
		Msg("Session started")

	return session, nil
}

// AdjustSessionParams are the parameters that can change on a live session.
// Nil fields are left untouched. AddCapital is a cash delta; a negative
// delta withdraws cash but may not take the balance below zero.
type AdjustSessionParams struct {
	RiskPct      *float64
	MaxPositions *int
	AddCapital   *float64
}

// AdjustSession updates risk percent, max positions or cash on an active
// session. Capital deltas shift InitialCapital and PeakCapital by the same
// amount so realized PnL and drawdown are unaffected by deposits.
func (s *SessionService) AdjustSession(sessionID string, params AdjustSessionParams) (*domain.Session, error) {
	session, err := s.sessions.GetByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if !session.Active {
		return nil, fmt.Errorf("session %s is not active", sessionID)
	}

	if params.RiskPct != nil {
		session.RiskPct = *params.RiskPct
	}
	if params.MaxPositions != nil {
		if *params.MaxPositions < session.OpenPositions {
			return nil, fmt.Errorf("max positions %d is below the %d currently open", *params.MaxPositions, session.OpenPositions)
		}
		session.MaxPositions = *params.MaxPositions
	}
	if params.AddCapital != nil {
		if session.CurrentCapital+*params.AddCapital < 0 {
			return nil, fmt.Errorf("withdrawal of %.2f exceeds available cash %.2f", -*params.AddCapital, session.CurrentCapital)
		}
		session.CurrentCapital += *params.AddCapital
		session.InitialCapital += *params.AddCapital
		session.PeakCapital += *params.AddCapital
	}

	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session parameters: %w", err)
	}

	if err := s.sessions.Update(session); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}

	s.log.Info().
		Str("session_id", session.ID).
		Float64("risk_pct", session.RiskPct).
		Int("max_positions", session.MaxPositions).
		Float64("current_capital", session.CurrentCapital).
		Msg("Session adjusted")

	return session, nil
}

// StopSession closes every open position at the latest available price,
// then deactivates the session. The session row is kept; its trades remain
// in the ledger. Positions whose exit fails stay open and keep the session
// active so a retry can finish the job.
func (s *SessionService) StopSession(sessionID string) (*domain.Session, error) {
	session, err := s.sessions.GetByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if !session.Active {
		return nil, fmt.Errorf("session %s is already stopped", sessionID)
	}

	open, err := s.positions.ListOpenBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions for session %s: %w", sessionID, err)
	}

	var exitErrs int
	for i := range open {
		position := &open[i]

		price, err := s.prices.GetCurrentPrice(position.Symbol)
		if err != nil {
			// No live price at stop time, settle at the last monitored price
			s.log.Warn().
				Err(err).
				Str("symbol", position.Symbol).
				Msg("No live price at session stop, using last known price")
			price = position.CurrentPrice
			if price <= 0 {
				price = position.EntryPrice
			}
		}

		if _, err := s.engine.ExitPosition(session, position, price, domain.ExitSessionStopped); err != nil {
			s.log.Error().
				Err(err).
				Str("symbol", position.Symbol).
				Int64("position_id", position.ID).
				Msg("Failed to close position during session stop")
			exitErrs++
		}
	}

	if exitErrs > 0 {
		return nil, fmt.Errorf("failed to close %d position(s); session %s left active", exitErrs, sessionID)
	}

	now := time.Now()
	session.Active = false
	session.EndedAt = &now
	if err := s.sessions.Update(session); err != nil {
		return nil, fmt.Errorf("failed to deactivate session %s: %w", sessionID, err)
	}

	s.log.Info().
		Str("session_id", session.ID).
		Int("closed_positions", len(open)).
		Float64("final_capital", session.CurrentCapital).
		Float64("total_pnl", session.TotalPnL).
		Msg("Session stopped")

	return session, nil
}

// EntryOutcome describes how an ad-hoc entry request was handled
type EntryOutcome struct {
	Position *domain.Position    // set when executed immediately
	Order    *domain.PendingOrder // set when queued for the next open
	Reason   domain.RejectReason  // set when rejected
}

// RequestEntry handles a user-requested entry for a signal. While the
// market is open the entry executes immediately; otherwise it is queued for
// replay at the next open, one pending order per symbol.
func (s *SessionService) RequestEntry(sessionID string, signal domain.Signal, requestedBy int64) (*EntryOutcome, error) {
	if err := signal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}

	session, err := s.sessions.GetByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if !session.Active {
		return nil, fmt.Errorf("session %s is not active", sessionID)
	}

	if s.calendar.IsOpen(time.Now()) {
		price, err := s.prices.GetCurrentPrice(signal.Symbol)
		if err != nil {
			return nil, fmt.Errorf("no live price for %s: %w", signal.Symbol, err)
		}

		position, reason, err := s.engine.EnterPosition(session, signal, price)
		if err != nil {
			return nil, err
		}
		if reason != domain.ReasonNone {
			return &EntryOutcome{Reason: reason}, nil
		}
		return &EntryOutcome{Position: position}, nil
	}

	// Market closed, queue for the next open
	hasPending, err := s.queue.orders.HasPendingForSymbol(sessionID, signal.Symbol)
	if err != nil {
		return nil, err
	}
	if hasPending {
		return nil, fmt.Errorf("an order for %s is already pending in session %s", signal.Symbol, sessionID)
	}

	order, err := s.queue.Enqueue(session, signal, requestedBy)
	if err != nil {
		return nil, err
	}
	return &EntryOutcome{Order: order}, nil
}
