package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// PositionRepository handles position database operations
type PositionRepository struct {
	stateDB *sql.DB // state.db - positions table
	log     zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(stateDB *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "position").Logger(),
	}
}

const positionColumns = `id, session_id, symbol, entry_at, entry_price, shares,
	entry_value, target_price, stop_loss, trailing_stop, tier, confidence,
	risk_reward, current_price, unrealized_pnl, highest_price, days_held, open, closed_at`

// CreateTx inserts a new open position within a transaction and fills in
// the generated id. The partial unique index on (session_id, symbol) rejects
// a second open position for the same symbol at the database level.
func (r *PositionRepository) CreateTx(tx *sql.Tx, position *domain.Position) error {
	query := `
		INSERT INTO positions
		(session_id, symbol, entry_at, entry_price, shares, entry_value,
		 target_price, stop_loss, trailing_stop, tier, confidence, risk_reward,
		 current_price, unrealized_pnl, highest_price, days_held, open, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.Exec(query,
		position.SessionID,
		strings.ToUpper(strings.TrimSpace(position.Symbol)),
		position.EntryAt.Format(time.RFC3339),
		position.EntryPrice,
		position.Shares,
		position.EntryValue,
		position.TargetPrice,
		position.StopLoss,
		position.TrailingStop,
		string(position.Tier),
		position.Confidence,
		position.RiskReward,
		position.CurrentPrice,
		position.UnrealizedPnL,
		position.HighestPrice,
		position.DaysHeld,
		boolToInt(position.Open),
		nullTimePtr(position.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get position id: %w", err)
	}
	position.ID = id

	return nil
}

// GetByID returns the position with the given id, or nil if not found
func (r *PositionRepository) GetByID(id int64) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE id = ?"

	position, err := scanPosition(r.stateDB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return position, nil
}

// GetOpenBySymbol returns the session's open position for a symbol, or nil
func (r *PositionRepository) GetOpenBySymbol(sessionID, symbol string) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE session_id = ? AND symbol = ? AND open = 1"

	position, err := scanPosition(r.stateDB.QueryRow(query, sessionID, strings.ToUpper(strings.TrimSpace(symbol))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position %s/%s: %w", sessionID, symbol, err)
	}
	return position, nil
}

// ListOpenBySession returns all open positions of a session in entry order
func (r *PositionRepository) ListOpenBySession(sessionID string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE session_id = ? AND open = 1 ORDER BY entry_at"
	return r.list(query, sessionID)
}

// CountOpenBySession recounts open positions straight from the positions
// table. This is the integrity check's source of truth for healing the
// session's cached counter.
func (r *PositionRepository) CountOpenBySession(sessionID string) (int, error) {
	var count int
	err := r.stateDB.QueryRow(
		"SELECT COUNT(*) FROM positions WHERE session_id = ? AND open = 1", sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions for %s: %w", sessionID, err)
	}
	return count, nil
}

// UpdateMonitoring persists the fields refreshed on every monitoring tick
func (r *PositionRepository) UpdateMonitoring(position *domain.Position) error {
	query := `
		UPDATE positions SET
			current_price = ?, unrealized_pnl = ?, highest_price = ?,
			trailing_stop = ?, days_held = ?
		WHERE id = ? AND open = 1
	`

	_, err := r.stateDB.Exec(query,
		position.CurrentPrice,
		position.UnrealizedPnL,
		position.HighestPrice,
		position.TrailingStop,
		position.DaysHeld,
		position.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %d: %w", position.ID, err)
	}
	return nil
}

// CloseTx marks a position closed within a transaction. It only touches rows
// still open, so a concurrent double close surfaces as zero rows affected.
func (r *PositionRepository) CloseTx(tx *sql.Tx, positionID int64, closedAt time.Time) error {
	result, err := tx.Exec(
		"UPDATE positions SET open = 0, closed_at = ? WHERE id = ? AND open = 1",
		closedAt.Format(time.RFC3339), positionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close position %d: %w", positionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result for position %d: %w", positionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("position %d is already closed", positionID)
	}

	return nil
}

func (r *PositionRepository) list(query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := r.stateDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *position)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var entryAt string
	var trailingStop sql.NullFloat64
	var tier string
	var open int
	var closedAt sql.NullString

	err := row.Scan(
		&p.ID, &p.SessionID, &p.Symbol, &entryAt, &p.EntryPrice, &p.Shares,
		&p.EntryValue, &p.TargetPrice, &p.StopLoss, &trailingStop, &tier,
		&p.Confidence, &p.RiskReward, &p.CurrentPrice, &p.UnrealizedPnL,
		&p.HighestPrice, &p.DaysHeld, &open, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Tier = domain.SignalTier(tier)
	p.Open = open != 0

	if trailingStop.Valid {
		v := trailingStop.Float64
		p.TrailingStop = &v
	}

	p.EntryAt, err = time.Parse(time.RFC3339, entryAt)
	if err != nil {
		return nil, fmt.Errorf("invalid entry_at for position %d: %w", p.ID, err)
	}

	if closedAt.Valid && closedAt.String != "" {
		t, err := time.Parse(time.RFC3339, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid closed_at for position %d: %w", p.ID, err)
		}
		p.ClosedAt = &t
	}

	return &p, nil
}
