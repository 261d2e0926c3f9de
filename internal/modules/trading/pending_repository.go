package trading

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// PendingOrderRepository handles pending-order database operations.
// The signal snapshot is serialized to JSON here, at the persistence
// boundary; in-memory orders always carry the typed domain.Signal.
type PendingOrderRepository struct {
	stateDB *sql.DB // state.db - pending_orders table
	log     zerolog.Logger
}

// NewPendingOrderRepository creates a new pending order repository
func NewPendingOrderRepository(stateDB *sql.DB, log zerolog.Logger) *PendingOrderRepository {
	return &PendingOrderRepository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "pending_order").Logger(),
	}
}

const pendingColumns = `id, session_id, symbol, requested_by, signal, status,
	position_id, error, attempts, created_at, updated_at, executed_at`

// Create inserts a new pending order
func (r *PendingOrderRepository) Create(order *domain.PendingOrder) error {
	signalJSON, err := json.Marshal(order.Signal)
	if err != nil {
		return fmt.Errorf("failed to serialize signal snapshot: %w", err)
	}

	query := `
		INSERT INTO pending_orders
		(id, session_id, symbol, requested_by, signal, status, position_id,
		 error, attempts, created_at, updated_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.stateDB.Exec(query,
		order.ID,
		order.SessionID,
		strings.ToUpper(strings.TrimSpace(order.Symbol)),
		order.RequestedBy,
		string(signalJSON),
		string(order.Status),
		order.PositionID,
		nullString(order.Error),
		order.Attempts,
		order.CreatedAt.Format(time.RFC3339),
		order.UpdatedAt.Format(time.RFC3339),
		nullTime(order.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending order: %w", err)
	}

	r.log.Info().
		Str("order_id", order.ID).
		Str("session_id", order.SessionID).
		Str("symbol", order.Symbol).
		Msg("Pending order queued")

	return nil
}

// GetByID returns a pending order by id, or nil if not found
func (r *PendingOrderRepository) GetByID(id string) (*domain.PendingOrder, error) {
	query := "SELECT " + pendingColumns + " FROM pending_orders WHERE id = ?"

	order, err := scanPendingOrder(r.stateDB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending order %s: %w", id, err)
	}
	return order, nil
}

// ListPending returns all PENDING orders in insertion order.
// Terminal orders (EXECUTED, FAILED, CANCELLED) are never listed for replay.
func (r *PendingOrderRepository) ListPending() ([]domain.PendingOrder, error) {
	query := "SELECT " + pendingColumns + " FROM pending_orders WHERE status = 'PENDING' ORDER BY created_at, id"
	return r.list(query)
}

// ListBySession returns a session's orders newest first
func (r *PendingOrderRepository) ListBySession(sessionID string) ([]domain.PendingOrder, error) {
	query := "SELECT " + pendingColumns + " FROM pending_orders WHERE session_id = ? ORDER BY created_at DESC"
	return r.list(query, sessionID)
}

// HasPendingForSymbol reports whether a PENDING order exists for the
// session and symbol. The surrounding request layer uses this to prevent
// duplicate queued entries.
func (r *PendingOrderRepository) HasPendingForSymbol(sessionID, symbol string) (bool, error) {
	var count int
	err := r.stateDB.QueryRow(
		"SELECT COUNT(*) FROM pending_orders WHERE session_id = ? AND symbol = ? AND status = 'PENDING'",
		sessionID, strings.ToUpper(strings.TrimSpace(symbol)),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending orders for %s/%s: %w", sessionID, symbol, err)
	}
	return count > 0, nil
}

// MarkExecuted transitions a PENDING order to EXECUTED with the resulting
// position id. The status guard makes the transition happen at most once.
func (r *PendingOrderRepository) MarkExecuted(orderID string, positionID int64, executedAt time.Time) error {
	return r.transition(orderID,
		`UPDATE pending_orders SET status = 'EXECUTED', position_id = ?, executed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		positionID, executedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339), orderID)
}

// MarkFailed transitions a PENDING order to FAILED with a human-readable
// error message and bumps the attempt counter
func (r *PendingOrderRepository) MarkFailed(orderID, errorMessage string) error {
	return r.transition(orderID,
		`UPDATE pending_orders SET status = 'FAILED', error = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		errorMessage, time.Now().Format(time.RFC3339), orderID)
}

// MarkCancelled transitions a PENDING order to CANCELLED
func (r *PendingOrderRepository) MarkCancelled(orderID, reason string) error {
	return r.transition(orderID,
		`UPDATE pending_orders SET status = 'CANCELLED', error = ?, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		reason, time.Now().Format(time.RFC3339), orderID)
}

func (r *PendingOrderRepository) transition(orderID, query string, args ...interface{}) error {
	result, err := r.stateDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition pending order %s: %w", orderID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result for order %s: %w", orderID, err)
	}
	if affected == 0 {
		return fmt.Errorf("pending order %s is not in PENDING state", orderID)
	}

	return nil
}

func (r *PendingOrderRepository) list(query string, args ...interface{}) ([]domain.PendingOrder, error) {
	rows, err := r.stateDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.PendingOrder
	for rows.Next() {
		order, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending orders: %w", err)
	}

	return orders, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingOrder(row rowScanner) (*domain.PendingOrder, error) {
	var o domain.PendingOrder
	var signalJSON, status, createdAt, updatedAt string
	var positionID sql.NullInt64
	var errMsg, executedAt sql.NullString

	err := row.Scan(
		&o.ID, &o.SessionID, &o.Symbol, &o.RequestedBy, &signalJSON, &status,
		&positionID, &errMsg, &o.Attempts, &createdAt, &updatedAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(signalJSON), &o.Signal); err != nil {
		return nil, fmt.Errorf("invalid signal snapshot for order %s: %w", o.ID, err)
	}

	o.Status = domain.OrderStatus(status)
	if positionID.Valid {
		v := positionID.Int64
		o.PositionID = &v
	}
	if errMsg.Valid {
		o.Error = errMsg.String
	}

	o.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for order %s: %w", o.ID, err)
	}
	o.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at for order %s: %w", o.ID, err)
	}
	if executedAt.Valid && executedAt.String != "" {
		t, err := time.Parse(time.RFC3339, executedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid executed_at for order %s: %w", o.ID, err)
		}
		o.ExecutedAt = &t
	}

	return &o, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
