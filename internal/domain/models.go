// Package domain defines the core paper-trading types shared across modules.
// The domain layer is pure: no persistence, logging or transport dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// SignalTier represents the recommendation strength of an externally
// produced buy signal.
type SignalTier string

const (
	TierStrongBuy SignalTier = "STRONG_BUY"
	TierBuy       SignalTier = "BUY"
	TierWeakBuy   SignalTier = "WEAK_BUY"
)

// IsValid checks if the signal tier is valid
func (t SignalTier) IsValid() bool {
	return t == TierStrongBuy || t == TierBuy || t == TierWeakBuy
}

// SignalTierFromString creates a SignalTier from string (case-insensitive)
func SignalTierFromString(value string) (SignalTier, error) {
	if value == "" {
		return "", fmt.Errorf("invalid signal tier: empty string")
	}

	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "STRONG_BUY", "STRONGBUY":
		return TierStrongBuy, nil
	case "BUY":
		return TierBuy, nil
	case "WEAK_BUY", "WEAKBUY":
		return TierWeakBuy, nil
	default:
		return "", fmt.Errorf("invalid signal tier: %s", value)
	}
}

// ExitReason records why a position was closed. The monitoring loop checks
// reasons in a fixed priority order; the first three values also encode that
// order (stop-loss before target before trailing stop).
type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTargetHit      ExitReason = "TARGET_HIT"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitSellSignal     ExitReason = "SELL_SIGNAL"
	ExitSessionStopped ExitReason = "SESSION_STOPPED"
	ExitManual         ExitReason = "MANUAL"
)

// IsValid checks if the exit reason is one of the closed set
func (r ExitReason) IsValid() bool {
	switch r {
	case ExitStopLoss, ExitTargetHit, ExitTrailingStop,
		ExitSellSignal, ExitSessionStopped, ExitManual:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of a pending order. PENDING is the only
// non-terminal status; a terminal order is never replayed again.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// IsTerminal returns true once the order has reached its final status
func (s OrderStatus) IsTerminal() bool {
	return s == OrderExecuted || s == OrderFailed || s == OrderCancelled
}

// RejectReason is the closed set of expected entry-validation outcomes.
// These are business conditions surfaced to the caller, not errors.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonDuplicatePosition RejectReason = "DUPLICATE_POSITION"
	ReasonCapacityExceeded  RejectReason = "CAPACITY_EXCEEDED"
	ReasonPriceDrift        RejectReason = "PRICE_DRIFT"
	ReasonInvalidStop       RejectReason = "INVALID_STOP"
	ReasonPositionTooSmall  RejectReason = "POSITION_TOO_SMALL"
)

// Message returns a human-readable explanation for a rejection
func (r RejectReason) Message() string {
	switch r {
	case ReasonDuplicatePosition:
		return "an open position already exists for this symbol"
	case ReasonCapacityExceeded:
		return "session is at capacity or has insufficient available cash"
	case ReasonPriceDrift:
		return "current price drifted more than 3% from the signal price"
	case ReasonInvalidStop:
		return "stop-loss distance is zero or negative"
	case ReasonPositionTooSmall:
		return "risk budget yields zero shares at this stop distance"
	}
	return ""
}

// Session is one user's simulated trading account.
type Session struct {
	ID             string     `json:"id"`
	UserID         int64      `json:"user_id"`
	Active         bool       `json:"active"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	InitialCapital float64    `json:"initial_capital"`
	CurrentCapital float64    `json:"current_capital"` // Available cash
	PeakCapital    float64    `json:"peak_capital"`    // High-water mark of total capital
	MaxPositions   int        `json:"max_positions"`
	OpenPositions  int        `json:"open_positions"`
	RiskPct        float64    `json:"risk_pct"`
	TotalTrades    int        `json:"total_trades"`
	Wins           int        `json:"wins"`
	Losses         int        `json:"losses"`
	TotalPnL       float64    `json:"total_pnl"`
	MaxDrawdownPct float64    `json:"max_drawdown_pct"`
}

// Validate checks session parameter sanity
func (s *Session) Validate() error {
	if s.UserID == 0 {
		return fmt.Errorf("session user id cannot be zero")
	}
	if s.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive")
	}
	if s.MaxPositions <= 0 {
		return fmt.Errorf("max positions must be positive")
	}
	if s.RiskPct <= 0 || s.RiskPct >= 1 {
		return fmt.Errorf("risk pct must be in (0, 1)")
	}
	return nil
}

// Position is one open simulated holding in one symbol.
type Position struct {
	ID            int64      `json:"id"`
	SessionID     string     `json:"session_id"`
	Symbol        string     `json:"symbol"`
	EntryAt       time.Time  `json:"entry_at"`
	EntryPrice    float64    `json:"entry_price"`
	Shares        int64      `json:"shares"`
	EntryValue    float64    `json:"entry_value"`
	TargetPrice   float64    `json:"target_price"`
	StopLoss      float64    `json:"stop_loss"` // Original stop, never moved by trailing updates
	TrailingStop  *float64   `json:"trailing_stop,omitempty"`
	Tier          SignalTier `json:"tier"`
	Confidence    float64    `json:"confidence"`
	RiskReward    float64    `json:"risk_reward"`
	CurrentPrice  float64    `json:"current_price"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	HighestPrice  float64    `json:"highest_price"`
	DaysHeld      int        `json:"days_held"`
	Open          bool       `json:"open"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// InProfit reports whether the position is above breakeven at the given price
func (p *Position) InProfit(currentPrice float64) bool {
	return currentPrice > p.EntryPrice
}

// Trade is the immutable record of one completed position lifecycle.
type Trade struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Symbol     string     `json:"symbol"`
	Shares     int64      `json:"shares"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	EntryValue float64    `json:"entry_value"`
	ExitValue  float64    `json:"exit_value"`
	EntryAt    time.Time  `json:"entry_at"`
	ExitAt     time.Time  `json:"exit_at"`
	ExitReason ExitReason `json:"exit_reason"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	RMultiple  float64    `json:"r_multiple"`
	DaysHeld   int        `json:"days_held"`
	Winner     bool       `json:"winner"`
	Tier       SignalTier `json:"tier"`
	Confidence float64    `json:"confidence"`
}

// PendingOrder is an entry request deferred because the market was closed.
type PendingOrder struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Symbol      string      `json:"symbol"`
	RequestedBy int64       `json:"requested_by"`
	Signal      Signal      `json:"signal"`
	Status      OrderStatus `json:"status"`
	PositionID  *int64      `json:"position_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ExecutedAt  *time.Time  `json:"executed_at,omitempty"`
}

// Signal is an externally produced buy recommendation, immutable once received.
type Signal struct {
	Symbol          string     `json:"symbol"`
	Tier            SignalTier `json:"tier"`
	Confidence      float64    `json:"confidence"`
	PriceAtAnalysis float64    `json:"price_at_analysis"`
	TargetPrice     float64    `json:"target_price"`
	StopLoss        float64    `json:"stop_loss"`
	RiskReward      float64    `json:"risk_reward"`
	AnalyzedAt      time.Time  `json:"analyzed_at"`
}

// Validate validates signal data at the ingestion boundary and normalizes the symbol
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal symbol cannot be empty")
	}
	if !s.Tier.IsValid() {
		return fmt.Errorf("invalid signal tier: %s", s.Tier)
	}
	if s.PriceAtAnalysis <= 0 {
		return fmt.Errorf("price at analysis must be positive")
	}
	if s.TargetPrice <= 0 {
		return fmt.Errorf("target price must be positive")
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("stop loss must be positive")
	}
	if s.StopLoss >= s.PriceAtAnalysis {
		return fmt.Errorf("stop loss must be below the analysis price")
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence must be in [0, 100]")
	}
	if s.AnalyzedAt.IsZero() {
		return fmt.Errorf("analysis timestamp is required")
	}

	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	return nil
}

// Age returns how old the signal is relative to now
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.AnalyzedAt)
}
