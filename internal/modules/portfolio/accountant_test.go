package portfolio

import (
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/papertrader/internal/database"
	"github.com/aristath/papertrader/internal/domain"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStateDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(database.StateSchema)
	require.NoError(t, err)

	return db
}

func newTestSession() *domain.Session {
	return &domain.Session{
		ID:             "sess-1",
		UserID:         42,
		Active:         true,
		StartedAt:      time.Now(),
		InitialCapital: 500000,
		CurrentCapital: 500000,
		PeakCapital:    500000,
		MaxPositions:   10,
		RiskPct:        0.01,
	}
}

func newAccountant(t *testing.T, db *sql.DB) *Accountant {
	t.Helper()
	positions := NewPositionRepository(db, zerolog.Nop())
	return NewAccountant(positions, nil, zerolog.Nop())
}

func TestSizePositionRiskFormula(t *testing.T) {
	a := newAccountant(t, newStateDB(t))
	session := newTestSession()

	// 1% of 500k = 5000 risk budget, $5 per-share risk, 1000 shares.
	// Notional (100k) lands exactly on the 20%-of-cash cap.
	sizing, reason := a.SizePosition(session, 100, 95, 0.01)

	assert.Equal(t, domain.ReasonNone, reason)
	assert.Equal(t, int64(1000), sizing.Shares)
	assert.Equal(t, 100000.0, sizing.NotionalValue)
	assert.Equal(t, 5000.0, sizing.RiskAmount)
	assert.InDelta(t, 0.01, sizing.ActualRiskPct, 1e-9)
	assert.False(t, sizing.Capped, "exactly at the cap is not over it")
}

func TestSizePositionNotionalCap(t *testing.T) {
	a := newAccountant(t, newStateDB(t))
	session := newTestSession()

	// $1 per-share risk would allow 5000 shares = 500k notional, far over
	// the 20% cap; shares shrink so notional equals the cap exactly.
	sizing, reason := a.SizePosition(session, 100, 99, 0.01)

	assert.Equal(t, domain.ReasonNone, reason)
	assert.True(t, sizing.Capped)
	assert.Equal(t, int64(1000), sizing.Shares)
	assert.Equal(t, 100000.0, sizing.NotionalValue)
	assert.Less(t, sizing.ActualRiskPct, 0.01, "capped sizing reports realized, not requested, risk")
	assert.InDelta(t, 1000.0/500000.0, sizing.ActualRiskPct, 1e-9)
}

func TestSizePositionInvalidStop(t *testing.T) {
	a := newAccountant(t, newStateDB(t))
	session := newTestSession()

	_, reason := a.SizePosition(session, 100, 100, 0.01)
	assert.Equal(t, domain.ReasonInvalidStop, reason)

	_, reason = a.SizePosition(session, 100, 0, 0.01)
	assert.Equal(t, domain.ReasonInvalidStop, reason)

	// A stop above the entry is nonsense for a long position
	_, reason = a.SizePosition(session, 100, 105, 0.01)
	assert.Equal(t, domain.ReasonInvalidStop, reason)

	_, reason = a.SizePosition(session, 100, -5, 0.01)
	assert.Equal(t, domain.ReasonInvalidStop, reason)
}

func TestSizePositionTooSmall(t *testing.T) {
	a := newAccountant(t, newStateDB(t))
	session := newTestSession()
	session.CurrentCapital = 100

	// 1% of $100 = $1 risk budget against a $5 per-share risk: zero shares
	_, reason := a.SizePosition(session, 100, 95, 0.01)
	assert.Equal(t, domain.ReasonPositionTooSmall, reason)
}

func TestCanOpen(t *testing.T) {
	a := newAccountant(t, newStateDB(t))
	session := newTestSession()

	assert.True(t, a.CanOpen(session, 100000))

	session.OpenPositions = session.MaxPositions
	assert.False(t, a.CanOpen(session, 100000), "at the position limit")

	session.OpenPositions = 0
	session.CurrentCapital = 50000
	assert.False(t, a.CanOpen(session, 100000), "not enough cash")

	session.CurrentCapital = 0
	assert.False(t, a.CanOpen(session, 0), "no cash at all")
}

func TestUnrealizedPnL(t *testing.T) {
	a := newAccountant(t, newStateDB(t))

	position := &domain.Position{
		EntryPrice: 100,
		Shares:     1000,
		EntryValue: 100000,
		StopLoss:   95,
	}

	result := a.UnrealizedPnL(position, 110)
	assert.Equal(t, 10000.0, result.PnL)
	assert.InDelta(t, 10.0, result.PnLPct, 1e-9)
	assert.InDelta(t, 2.0, result.RMultiple, 1e-9) // 10000 / (5 * 1000)
}

func TestUnrealizedPnLZeroRiskDenominator(t *testing.T) {
	a := newAccountant(t, newStateDB(t))

	position := &domain.Position{
		EntryPrice: 100,
		Shares:     1000,
		EntryValue: 100000,
		StopLoss:   100, // zero risk distance
	}

	result := a.UnrealizedPnL(position, 110)
	assert.Equal(t, 0.0, result.RMultiple)
}

func TestTotalCapitalUsesCurrentPrices(t *testing.T) {
	db := newStateDB(t)
	positions := NewPositionRepository(db, zerolog.Nop())
	a := NewAccountant(positions, nil, zerolog.Nop())

	session := newTestSession()
	session.CurrentCapital = 400000

	insertOpenPosition(t, db, session.ID, "AAPL", 1000, 100, 110)

	total, err := a.TotalCapital(session)
	require.NoError(t, err)

	// 400k cash + 1000 shares at the current price of 110
	assert.Equal(t, 510000.0, total)
	assert.Equal(t, 510000.0, session.PeakCapital, "peak follows a new high-water mark")

	// Peak never decreases
	session.CurrentCapital = 100000
	_, err = a.TotalCapital(session)
	require.NoError(t, err)
	assert.Equal(t, 510000.0, session.PeakCapital)
}

func TestPortfolioSnapshotDeployedAtCurrentPrices(t *testing.T) {
	db := newStateDB(t)
	positions := NewPositionRepository(db, zerolog.Nop())
	a := NewAccountant(positions, nil, zerolog.Nop())

	session := newTestSession()
	session.CurrentCapital = 300000
	session.TotalTrades = 4
	session.Wins = 3

	insertOpenPosition(t, db, session.ID, "AAPL", 1000, 100, 120)
	insertOpenPosition(t, db, session.ID, "MSFT", 500, 200, 190)

	snap, err := a.PortfolioSnapshot(session)
	require.NoError(t, err)

	// 1000*120 + 500*190, valued at current prices
	assert.Equal(t, 215000.0, snap.DeployedCapital)
	assert.Equal(t, 300000.0, snap.AvailableCapital)
	assert.Equal(t, 515000.0, snap.TotalCapital)
	// (120-100)*1000 + (190-200)*500
	assert.Equal(t, 15000.0, snap.UnrealizedPnL)
	assert.InDelta(t, 75.0, snap.WinRate, 1e-9)
	assert.Equal(t, 2, snap.OpenPositions)
	assert.InDelta(t, 3.0, snap.OverallReturnPct, 1e-9)
}

func insertOpenPosition(t *testing.T, db *sql.DB, sessionID, symbol string, shares int64, entryPrice, currentPrice float64) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO positions
		(session_id, symbol, entry_at, entry_price, shares, entry_value,
		 target_price, stop_loss, tier, confidence, risk_reward,
		 current_price, unrealized_pnl, highest_price, days_held, open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'BUY', 70, 2.0, ?, 0, ?, 0, 1)`,
		sessionID, symbol, time.Now().Format(time.RFC3339),
		entryPrice, shares, float64(shares)*entryPrice,
		entryPrice*1.2, entryPrice*0.95,
		currentPrice, currentPrice,
	)
	require.NoError(t, err)
}
