// Package trading owns position lifecycle execution: entry validation and
// sizing, risk-managed exits, the trailing-stop ratchet, the pending-order
// queue and the immutable trade ledger.
package trading

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// TradeRepository handles trade ledger operations. Trades are append-only:
// one insert at position exit, no updates, no deletes.
type TradeRepository struct {
	ledgerDB *sql.DB // ledger.db - trades table
	log      zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(ledgerDB *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "trade").Logger(),
	}
}

const tradeColumns = `id, session_id, symbol, shares, entry_price, exit_price,
	entry_value, exit_value, entry_at, exit_at, exit_reason, pnl, pnl_pct,
	r_multiple, days_held, winner, tier, confidence`

// Create inserts a new trade record and fills in the generated id
func (r *TradeRepository) Create(trade *domain.Trade) error {
	query := `
		INSERT INTO trades
		(session_id, symbol, shares, entry_price, exit_price, entry_value,
		 exit_value, entry_at, exit_at, exit_reason, pnl, pnl_pct, r_multiple,
		 days_held, winner, tier, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.ledgerDB.Exec(query,
		trade.SessionID,
		trade.Symbol,
		trade.Shares,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.EntryValue,
		trade.ExitValue,
		trade.EntryAt.Format(time.RFC3339),
		trade.ExitAt.Format(time.RFC3339),
		string(trade.ExitReason),
		trade.PnL,
		trade.PnLPct,
		trade.RMultiple,
		trade.DaysHeld,
		boolToInt(trade.Winner),
		string(trade.Tier),
		trade.Confidence,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get trade id: %w", err)
	}
	trade.ID = id

	r.log.Info().
		Str("session_id", trade.SessionID).
		Str("symbol", trade.Symbol).
		Str("reason", string(trade.ExitReason)).
		Float64("pnl", trade.PnL).
		Msg("Trade recorded")

	return nil
}

// ListBySession returns a session's trades ordered by exit date
func (r *TradeRepository) ListBySession(sessionID string) ([]domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE session_id = ? ORDER BY exit_at"
	return r.list(query, sessionID)
}

// ListBySessionSince returns a session's trades exited at or after since,
// ordered by exit date
func (r *TradeRepository) ListBySessionSince(sessionID string, since time.Time) ([]domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE session_id = ? AND exit_at >= ? ORDER BY exit_at"
	return r.list(query, sessionID, since.Format(time.RFC3339))
}

// GrossRealized sums realized profits and losses separately for a session.
// Implements portfolio.TradeStats for profit-factor computation.
func (r *TradeRepository) GrossRealized(sessionID string) (float64, float64, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN pnl > 0 THEN pnl ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl < 0 THEN -pnl ELSE 0 END), 0)
		FROM trades WHERE session_id = ?
	`

	var grossProfit, grossLoss float64
	if err := r.ledgerDB.QueryRow(query, sessionID).Scan(&grossProfit, &grossLoss); err != nil {
		return 0, 0, fmt.Errorf("failed to sum realized pnl for %s: %w", sessionID, err)
	}
	return grossProfit, grossLoss, nil
}

func (r *TradeRepository) list(query string, args ...interface{}) ([]domain.Trade, error) {
	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

func scanTrade(rows *sql.Rows) (*domain.Trade, error) {
	var t domain.Trade
	var entryAt, exitAt, reason, tier string
	var winner int

	err := rows.Scan(
		&t.ID, &t.SessionID, &t.Symbol, &t.Shares, &t.EntryPrice, &t.ExitPrice,
		&t.EntryValue, &t.ExitValue, &entryAt, &exitAt, &reason,
		&t.PnL, &t.PnLPct, &t.RMultiple, &t.DaysHeld, &winner, &tier, &t.Confidence,
	)
	if err != nil {
		return nil, err
	}

	t.ExitReason = domain.ExitReason(reason)
	t.Tier = domain.SignalTier(tier)
	t.Winner = winner != 0

	t.EntryAt, err = time.Parse(time.RFC3339, entryAt)
	if err != nil {
		return nil, fmt.Errorf("invalid entry_at for trade %d: %w", t.ID, err)
	}
	t.ExitAt, err = time.Parse(time.RFC3339, exitAt)
	if err != nil {
		return nil, fmt.Errorf("invalid exit_at for trade %d: %w", t.ID, err)
	}

	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
