package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// SessionRepository handles session database operations
type SessionRepository struct {
	stateDB *sql.DB // state.db - sessions table
	log     zerolog.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(stateDB *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "session").Logger(),
	}
}

const sessionColumns = `id, user_id, active, started_at, ended_at, initial_capital,
	current_capital, peak_capital, max_positions, open_positions, risk_pct,
	total_trades, wins, losses, total_pnl, max_drawdown_pct`

// Create inserts a new session record
func (r *SessionRepository) Create(session *domain.Session) error {
	query := `
		INSERT INTO sessions
		(id, user_id, active, started_at, ended_at, initial_capital,
		 current_capital, peak_capital, max_positions, open_positions, risk_pct,
		 total_trades, wins, losses, total_pnl, max_drawdown_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.stateDB.Exec(query,
		session.ID,
		session.UserID,
		boolToInt(session.Active),
		session.StartedAt.Format(time.RFC3339),
		nullTimePtr(session.EndedAt),
		session.InitialCapital,
		session.CurrentCapital,
		session.PeakCapital,
		session.MaxPositions,
		session.OpenPositions,
		session.RiskPct,
		session.TotalTrades,
		session.Wins,
		session.Losses,
		session.TotalPnL,
		session.MaxDrawdownPct,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Info().
		Str("session_id", session.ID).
		Int64("user_id", session.UserID).
		Float64("capital", session.InitialCapital).
		Msg("Session created")

	return nil
}

// GetByID returns the session with the given id, or nil if not found
func (r *SessionRepository) GetByID(id string) (*domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE id = ?"

	session, err := scanSession(r.stateDB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

// GetActiveByUser returns the user's active session, or nil if none
func (r *SessionRepository) GetActiveByUser(userID int64) (*domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE user_id = ? AND active = 1"

	session, err := scanSession(r.stateDB.QueryRow(query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session for user %d: %w", userID, err)
	}
	return session, nil
}

// ListActive returns all active sessions in stable (creation) order
func (r *SessionRepository) ListActive() ([]domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE active = 1 ORDER BY started_at"

	rows, err := r.stateDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Update persists all mutable session fields
func (r *SessionRepository) Update(session *domain.Session) error {
	return r.update(r.stateDB, session)
}

// UpdateTx persists all mutable session fields within a transaction
func (r *SessionRepository) UpdateTx(tx *sql.Tx, session *domain.Session) error {
	return r.update(tx, session)
}

// execer abstracts *sql.DB and *sql.Tx for dual-mode repository methods
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (r *SessionRepository) update(e execer, session *domain.Session) error {
	query := `
		UPDATE sessions SET
			active = ?, ended_at = ?, current_capital = ?, peak_capital = ?,
			max_positions = ?, open_positions = ?, risk_pct = ?,
			total_trades = ?, wins = ?, losses = ?, total_pnl = ?, max_drawdown_pct = ?
		WHERE id = ?
	`

	result, err := e.Exec(query,
		boolToInt(session.Active),
		nullTimePtr(session.EndedAt),
		session.CurrentCapital,
		session.PeakCapital,
		session.MaxPositions,
		session.OpenPositions,
		session.RiskPct,
		session.TotalTrades,
		session.Wins,
		session.Losses,
		session.TotalPnL,
		session.MaxDrawdownPct,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}

	return nil
}

// SetOpenPositions overwrites the cached open-position counter.
// Used by the integrity check to heal drift against the positions table.
func (r *SessionRepository) SetOpenPositions(sessionID string, count int) error {
	_, err := r.stateDB.Exec("UPDATE sessions SET open_positions = ? WHERE id = ?", count, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set open position count for %s: %w", sessionID, err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var active int
	var startedAt string
	var endedAt sql.NullString

	err := row.Scan(
		&s.ID, &s.UserID, &active, &startedAt, &endedAt,
		&s.InitialCapital, &s.CurrentCapital, &s.PeakCapital,
		&s.MaxPositions, &s.OpenPositions, &s.RiskPct,
		&s.TotalTrades, &s.Wins, &s.Losses, &s.TotalPnL, &s.MaxDrawdownPct,
	)
	if err != nil {
		return nil, err
	}

	s.Active = active != 0

	s.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at for session %s: %w", s.ID, err)
	}

	if endedAt.Valid && endedAt.String != "" {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid ended_at for session %s: %w", s.ID, err)
		}
		s.EndedAt = &t
	}

	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
