package trading

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/aristath/papertrader/internal/database"
	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	"github.com/aristath/papertrader/internal/notify"
	"github.com/rs/zerolog"
)

// maxPriceDriftPct rejects entries when the live price has moved more than
// this fraction away from the price the signal was computed at.
const maxPriceDriftPct = 0.03

// trailingPctByTier maps signal tiers to trailing-stop distances. Higher
// confidence tiers trail tighter.
var trailingPctByTier = map[domain.SignalTier]float64{
	domain.TierStrongBuy: 0.05,
	domain.TierBuy:       0.08,
	domain.TierWeakBuy:   0.10,
}

// Engine validates and performs position entries and exits, and owns the
// trailing-stop ratchet. It is the only writer of session capital and
// position state: entry and exit each run in one state.db transaction so
// the capital debit/credit and counter update commit together.
type Engine struct {
	stateDB    *sql.DB
	sessions   *portfolio.SessionRepository
	positions  *portfolio.PositionRepository
	trades     *TradeRepository
	accountant *portfolio.Accountant
	notifier   *notify.Notifier
	log        zerolog.Logger
}

// NewEngine creates a new execution engine.
// notifier may be nil (no notifications are emitted, used in tests).
func NewEngine(
	stateDB *sql.DB,
	sessions *portfolio.SessionRepository,
	positions *portfolio.PositionRepository,
	trades *TradeRepository,
	accountant *portfolio.Accountant,
	notifier *notify.Notifier,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		stateDB:    stateDB,
		sessions:   sessions,
		positions:  positions,
		trades:     trades,
		accountant: accountant,
		notifier:   notifier,
		log:        log.With().Str("component", "execution_engine").Logger(),
	}
}

// ValidateEntry checks whether a signal can become a position right now.
// Returns the computed sizing and ReasonNone on success, or a reject
// reason describing the first failed check.
func (e *Engine) ValidateEntry(session *domain.Session, signal domain.Signal, currentPrice float64) (portfolio.Sizing, domain.RejectReason, error) {
	existing, err := e.positions.GetOpenBySymbol(session.ID, signal.Symbol)
	if err != nil {
		return portfolio.Sizing{}, domain.ReasonNone, err
	}
	if existing != nil {
		return portfolio.Sizing{}, domain.ReasonDuplicatePosition, nil
	}

	sizing, reason := e.accountant.SizePosition(session, currentPrice, signal.StopLoss, session.RiskPct)
	if reason != domain.ReasonNone {
		return portfolio.Sizing{}, reason, nil
	}

	if !e.accountant.CanOpen(session, sizing.NotionalValue) {
		return portfolio.Sizing{}, domain.ReasonCapacityExceeded, nil
	}

	drift := math.Abs(currentPrice-signal.PriceAtAnalysis) / signal.PriceAtAnalysis
	if drift > maxPriceDriftPct {
		return portfolio.Sizing{}, domain.ReasonPriceDrift, nil
	}

	return sizing, domain.ReasonNone, nil
}

// EnterPosition re-validates the entry and, on success, creates an OPEN
// position, debits the session's cash by the notional value and increments
// the open-position counter, all in a single transaction. Fails closed:
// any validation rejection returns a nil position with the reason.
func (e *Engine) EnterPosition(session *domain.Session, signal domain.Signal, currentPrice float64) (*domain.Position, domain.RejectReason, error) {
	sizing, reason, err := e.ValidateEntry(session, signal, currentPrice)
	if err != nil {
		return nil, domain.ReasonNone, err
	}
	if reason != domain.ReasonNone {
		e.log.Debug().
			Str("session_id", session.ID).
			Str("symbol", signal.Symbol).
			Str("reason", string(reason)).
			Msg("Entry rejected")
		return nil, reason, nil
	}

	now := time.Now()
	position := &domain.Position{
		SessionID:    session.ID,
		Symbol:       signal.Symbol,
		EntryAt:      now,
		EntryPrice:   currentPrice,
		Shares:       sizing.Shares,
		EntryValue:   sizing.NotionalValue,
		TargetPrice:  signal.TargetPrice,
		StopLoss:     signal.StopLoss,
		Tier:         signal.Tier,
		Confidence:   signal.Confidence,
		RiskReward:   signal.RiskReward,
		CurrentPrice: currentPrice,
		HighestPrice: currentPrice,
		Open:         true,
	}

	// Snapshot for rollback of the in-memory session on transaction failure
	capitalBefore := session.CurrentCapital
	openBefore := session.OpenPositions

	session.CurrentCapital -= sizing.NotionalValue
	session.OpenPositions++

	err = database.WithTransaction(e.stateDB, func(tx *sql.Tx) error {
		if err := e.positions.CreateTx(tx, position); err != nil {
			return err
		}
		return e.sessions.UpdateTx(tx, session)
	})
	if err != nil {
		session.CurrentCapital = capitalBefore
		session.OpenPositions = openBefore
		return nil, domain.ReasonNone, fmt.Errorf("failed to enter position %s: %w", signal.Symbol, err)
	}

	e.log.Info().
		Str("session_id", session.ID).
		Str("symbol", position.Symbol).
		Int64("shares", position.Shares).
		Float64("entry_price", currentPrice).
		Float64("notional", sizing.NotionalValue).
		Float64("actual_risk_pct", sizing.ActualRiskPct).
		Msg("Position opened")

	if e.notifier != nil {
		e.notifier.Publish(&notify.EntryOpenedEvent{User: session.UserID, Position: *position})
	}

	return position, domain.ReasonNone, nil
}

// ExitPosition closes an open position at exitPrice, credits the session's
// cash with the exit notional, updates win/loss counters, cumulative P&L
// and drawdown, and records the immutable trade. Realized P&L and the
// R-multiple use the entry notional and the original stop distance, not the
// trailing-updated stop. Calling this on an already-closed position is a
// programming error and returns an error without touching any state.
func (e *Engine) ExitPosition(session *domain.Session, position *domain.Position, exitPrice float64, reason domain.ExitReason) (*domain.Trade, error) {
	if !position.Open {
		return nil, fmt.Errorf("position %d (%s) is already closed", position.ID, position.Symbol)
	}
	if !reason.IsValid() {
		return nil, fmt.Errorf("invalid exit reason: %s", reason)
	}

	now := time.Now()
	exitValue := float64(position.Shares) * exitPrice
	pnl := exitValue - position.EntryValue

	pnlPct := 0.0
	if position.EntryValue != 0 {
		pnlPct = pnl / position.EntryValue * 100
	}

	riskPerShare := math.Abs(position.EntryPrice - position.StopLoss)
	riskDollars := riskPerShare * float64(position.Shares)
	rMultiple := 0.0
	if riskDollars > 0 {
		rMultiple = pnl / riskDollars
	}

	daysHeld := int(now.Sub(position.EntryAt).Hours() / 24)

	trade := &domain.Trade{
		SessionID:  session.ID,
		Symbol:     position.Symbol,
		Shares:     position.Shares,
		EntryPrice: position.EntryPrice,
		ExitPrice:  exitPrice,
		EntryValue: position.EntryValue,
		ExitValue:  exitValue,
		EntryAt:    position.EntryAt,
		ExitAt:     now,
		ExitReason: reason,
		PnL:        pnl,
		PnLPct:     pnlPct,
		RMultiple:  rMultiple,
		DaysHeld:   daysHeld,
		Winner:     pnl > 0,
		Tier:       position.Tier,
		Confidence: position.Confidence,
	}

	capitalBefore := session.CurrentCapital
	openBefore := session.OpenPositions
	winsBefore, lossesBefore := session.Wins, session.Losses
	totalBefore, pnlBefore := session.TotalTrades, session.TotalPnL
	drawdownBefore := session.MaxDrawdownPct
	peakBefore := session.PeakCapital

	session.CurrentCapital += exitValue
	session.OpenPositions--
	session.TotalTrades++
	session.TotalPnL += pnl
	if trade.Winner {
		session.Wins++
	} else {
		session.Losses++
	}
	// The exiting row is still open in the database at this point and its
	// value now lives in CurrentCapital, so it must not be counted again.
	e.updateDrawdown(session, position.ID)

	err := database.WithTransaction(e.stateDB, func(tx *sql.Tx) error {
		if err := e.positions.CloseTx(tx, position.ID, now); err != nil {
			return err
		}
		return e.sessions.UpdateTx(tx, session)
	})
	if err != nil {
		session.CurrentCapital = capitalBefore
		session.OpenPositions = openBefore
		session.Wins, session.Losses = winsBefore, lossesBefore
		session.TotalTrades, session.TotalPnL = totalBefore, pnlBefore
		session.MaxDrawdownPct = drawdownBefore
		session.PeakCapital = peakBefore
		return nil, fmt.Errorf("failed to exit position %d: %w", position.ID, err)
	}

	position.Open = false
	position.ClosedAt = &now
	position.CurrentPrice = exitPrice

	// The ledger lives in its own database, so the trade insert cannot join
	// the state transaction. The integrity job reconciles counters; a
	// missing ledger row is logged loudly and visible in the next summary.
	if err := e.trades.Create(trade); err != nil {
		e.log.Error().
			Err(err).
			Str("symbol", trade.Symbol).
			Str("session_id", session.ID).
			Msg("Position closed but trade ledger insert failed")
	}

	e.log.Info().
		Str("session_id", session.ID).
		Str("symbol", position.Symbol).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("r_multiple", rMultiple).
		Msg("Position closed")

	if e.notifier != nil {
		e.notifier.Publish(&notify.PositionClosedEvent{User: session.UserID, Trade: *trade})
	}

	return trade, nil
}

// UpdateTrailingStop advances the highest-seen price and returns the new
// trailing stop, or nil when no update applies. The stop is ratcheted: it
// activates only once the candidate clears the original stop-loss, never
// moves down, and is never applied while the position is at or below
// breakeven. The caller persists the mutated position.
func (e *Engine) UpdateTrailingStop(position *domain.Position, currentPrice float64) *float64 {
	if currentPrice > position.HighestPrice {
		position.HighestPrice = currentPrice
	}

	if !position.InProfit(currentPrice) {
		return nil
	}

	pct, ok := trailingPctByTier[position.Tier]
	if !ok {
		pct = trailingPctByTier[domain.TierWeakBuy]
	}

	candidate := position.HighestPrice * (1 - pct)

	// Activation gate: the trail only arms above the original stop
	if candidate <= position.StopLoss {
		return nil
	}

	// Ratchet: never move the stop down
	if position.TrailingStop != nil && candidate <= *position.TrailingStop {
		return nil
	}

	position.TrailingStop = &candidate
	return &candidate
}

// CheckExits evaluates the exit conditions in fixed priority order and
// returns the reason of the first match: stop-loss, then target, then
// trailing stop.
func (e *Engine) CheckExits(position *domain.Position, currentPrice float64) (domain.ExitReason, bool) {
	if currentPrice <= position.StopLoss {
		return domain.ExitStopLoss, true
	}
	if currentPrice >= position.TargetPrice {
		return domain.ExitTargetHit, true
	}
	if position.TrailingStop != nil && currentPrice <= *position.TrailingStop {
		return domain.ExitTrailingStop, true
	}
	return "", false
}

// updateDrawdown refreshes the session's max drawdown against its peak
// capital high-water mark
func (e *Engine) updateDrawdown(session *domain.Session, excludePositionID int64) {
	total, err := e.accountant.TotalCapitalExcluding(session, excludePositionID)
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to compute total capital for drawdown")
		return
	}

	if session.PeakCapital <= 0 {
		return
	}

	drawdown := (session.PeakCapital - total) / session.PeakCapital * 100
	if drawdown > session.MaxDrawdownPct {
		session.MaxDrawdownPct = drawdown
	}
}
