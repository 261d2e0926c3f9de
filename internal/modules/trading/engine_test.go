package trading

import (
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/papertrader/internal/database"
	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	stateDB   *sql.DB
	ledgerDB  *sql.DB
	sessions  *portfolio.SessionRepository
	positions *portfolio.PositionRepository
	trades    *TradeRepository
	engine    *Engine
	orders    *PendingOrderRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	stateDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { stateDB.Close() })
	_, err = stateDB.Exec(database.StateSchema)
	require.NoError(t, err)

	ledgerDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })
	_, err = ledgerDB.Exec(database.LedgerSchema)
	require.NoError(t, err)

	log := zerolog.Nop()
	sessions := portfolio.NewSessionRepository(stateDB, log)
	positions := portfolio.NewPositionRepository(stateDB, log)
	trades := NewTradeRepository(ledgerDB, log)
	accountant := portfolio.NewAccountant(positions, trades, log)
	engine := NewEngine(stateDB, sessions, positions, trades, accountant, nil, log)
	orders := NewPendingOrderRepository(stateDB, log)

	return &testEnv{
		stateDB:   stateDB,
		ledgerDB:  ledgerDB,
		sessions:  sessions,
		positions: positions,
		trades:    trades,
		engine:    engine,
		orders:    orders,
	}
}

func (env *testEnv) createSession(t *testing.T) *domain.Session {
	t.Helper()

	session := &domain.Session{
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
	require.NoError(t, env.sessions.Create(session))
	return session
}

func buySignal(symbol string) domain.Signal {
	return domain.Signal{
		Symbol:          symbol,
		Tier:            domain.TierBuy,
		Confidence:      70,
		PriceAtAnalysis: 100,
		TargetPrice:     120,
		StopLoss:        95,
		RiskReward:      4,
		AnalyzedAt:      time.Now(),
	}
}

func TestEnterPositionCapitalConservation(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)
	require.NotNil(t, position)

	assert.Equal(t, int64(1000), position.Shares)
	assert.Equal(t, 100000.0, position.EntryValue)
	assert.Equal(t, 400000.0, session.CurrentCapital, "cash debited by the notional")
	assert.Equal(t, 1, session.OpenPositions)

	// The mutation is persisted, not just in memory
	persisted, err := env.sessions.GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 400000.0, persisted.CurrentCapital)
	assert.Equal(t, 1, persisted.OpenPositions)

	stored, err := env.positions.GetOpenBySymbol(session.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Open)
	assert.Equal(t, position.ID, stored.ID)
}

func TestEnterPositionRejectsDuplicateSymbol(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	_, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)

	// Same symbol again, even with a different signal
	second := buySignal("AAPL")
	second.Tier = domain.TierStrongBuy
	second.Confidence = 95

	position, reason, err := env.engine.EnterPosition(session, second, 100)
	require.NoError(t, err)
	assert.Nil(t, position)
	assert.Equal(t, domain.ReasonDuplicatePosition, reason)
}

func TestEnterPositionRejectsPriceDrift(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	// Signal price 100, live price 104: 4% drift, over the 3% limit
	position, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 104)
	require.NoError(t, err)
	assert.Nil(t, position)
	assert.Equal(t, domain.ReasonPriceDrift, reason)

	// 2% drift passes
	_, reason, err = env.engine.EnterPosition(session, buySignal("AAPL"), 102)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNone, reason)
}

func TestEnterPositionRejectsAtCapacity(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)
	session.MaxPositions = 1
	require.NoError(t, env.sessions.Update(session))

	_, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)

	position, reason, err := env.engine.EnterPosition(session, buySignal("MSFT"), 100)
	require.NoError(t, err)
	assert.Nil(t, position)
	assert.Equal(t, domain.ReasonCapacityExceeded, reason)
	assert.Equal(t, 1, session.OpenPositions)
}

func TestExitPositionCapitalConservation(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, _, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	cashAfterEntry := session.CurrentCapital

	trade, err := env.engine.ExitPosition(session, position, 110, domain.ExitTargetHit)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// 1000 shares at 110
	assert.Equal(t, cashAfterEntry+110000, session.CurrentCapital)
	assert.Equal(t, 0, session.OpenPositions)
	assert.Equal(t, 1, session.TotalTrades)
	assert.Equal(t, 1, session.Wins)
	assert.Equal(t, 10000.0, session.TotalPnL)

	assert.Equal(t, 10000.0, trade.PnL)
	assert.InDelta(t, 10.0, trade.PnLPct, 1e-9)
	assert.InDelta(t, 2.0, trade.RMultiple, 1e-9) // 10000 / (5 * 1000)
	assert.True(t, trade.Winner)
	assert.Equal(t, domain.ExitTargetHit, trade.ExitReason)

	// The ledger holds the immutable record
	stored, err := env.trades.ListBySession(session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "AAPL", stored[0].Symbol)
}

func TestExitPositionUsesOriginalStopForR(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, _, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)

	// Ratchet the trailing stop well above the original stop
	env.engine.UpdateTrailingStop(position, 115)
	require.NotNil(t, position.TrailingStop)

	trade, err := env.engine.ExitPosition(session, position, 105, domain.ExitTrailingStop)
	require.NoError(t, err)

	// R uses the entry risk distance (5), not the trailing stop distance
	assert.InDelta(t, 1.0, trade.RMultiple, 1e-9)
}

func TestExitPositionTwiceIsAnError(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, _, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)

	_, err = env.engine.ExitPosition(session, position, 110, domain.ExitTargetHit)
	require.NoError(t, err)

	cashAfterExit := session.CurrentCapital
	_, err = env.engine.ExitPosition(session, position, 120, domain.ExitManual)
	assert.Error(t, err, "closing a closed position is a programming error")
	assert.Equal(t, cashAfterExit, session.CurrentCapital, "failed double exit touches nothing")

	trades, err := env.trades.ListBySession(session.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "no duplicate trade")
}

func TestExitPositionLoss(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, _, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)

	trade, err := env.engine.ExitPosition(session, position, 95, domain.ExitStopLoss)
	require.NoError(t, err)

	assert.Equal(t, -5000.0, trade.PnL)
	assert.InDelta(t, -1.0, trade.RMultiple, 1e-9)
	assert.False(t, trade.Winner)
	assert.Equal(t, 1, session.Losses)

	// Total capital after the exit is 495k: the peak must hold at the
	// initial 500k, not ratchet up from double-counting the exited shares.
	assert.Equal(t, 500000.0, session.PeakCapital)
	assert.InDelta(t, 1.0, session.MaxDrawdownPct, 1e-9, "losing exit registers drawdown")
}

func TestExitPositionFailureRestoresPeak(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)

	position, _, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)

	// Close the row out from under the engine so the close transaction
	// fails on the status guard while the in-memory position is still open
	_, err = env.stateDB.Exec("UPDATE positions SET open = 0 WHERE id = ?", position.ID)
	require.NoError(t, err)

	_, err = env.engine.ExitPosition(session, position, 110, domain.ExitTargetHit)
	require.Error(t, err)

	assert.Equal(t, 400000.0, session.CurrentCapital)
	assert.Equal(t, 1, session.OpenPositions)
	assert.Equal(t, 500000.0, session.PeakCapital, "failed exit must not move the peak")
	assert.Equal(t, 0.0, session.MaxDrawdownPct)
	assert.Equal(t, 0, session.TotalTrades)
}

func TestCheckExitsPriority(t *testing.T) {
	env := newTestEnv(t)

	trailing := 108.0
	position := &domain.Position{
		EntryPrice:   100,
		StopLoss:     95,
		TargetPrice:  90, // pathological: target below stop
		TrailingStop: &trailing,
	}

	// Price at/below stop AND at/above target: stop-loss wins
	reason, triggered := env.engine.CheckExits(position, 95)
	assert.True(t, triggered)
	assert.Equal(t, domain.ExitStopLoss, reason)

	position.TargetPrice = 120
	reason, triggered = env.engine.CheckExits(position, 120)
	assert.True(t, triggered)
	assert.Equal(t, domain.ExitTargetHit, reason)

	reason, triggered = env.engine.CheckExits(position, 107)
	assert.True(t, triggered)
	assert.Equal(t, domain.ExitTrailingStop, reason)

	_, triggered = env.engine.CheckExits(position, 115)
	assert.False(t, triggered)
}

func TestUpdateTrailingStopRatchet(t *testing.T) {
	env := newTestEnv(t)

	position := &domain.Position{
		EntryPrice:   100,
		StopLoss:     95,
		Tier:         domain.TierBuy, // 8% trail
		HighestPrice: 100,
	}

	// At breakeven or below: no trailing stop
	assert.Nil(t, env.engine.UpdateTrailingStop(position, 100))
	assert.Nil(t, env.engine.UpdateTrailingStop(position, 99))
	assert.Nil(t, position.TrailingStop)

	// In profit but candidate (101.96) still clears the original stop
	stop := env.engine.UpdateTrailingStop(position, 110.83)
	require.NotNil(t, stop)
	assert.InDelta(t, 110.83*0.92, *stop, 1e-9)
	assert.Equal(t, 110.83, position.HighestPrice)

	first := *position.TrailingStop

	// Price falls back: highest price and stop both hold
	assert.Nil(t, env.engine.UpdateTrailingStop(position, 105))
	assert.Equal(t, first, *position.TrailingStop)
	assert.Equal(t, 110.83, position.HighestPrice)

	// New high ratchets the stop up
	stop = env.engine.UpdateTrailingStop(position, 120)
	require.NotNil(t, stop)
	assert.Greater(t, *stop, first)
	assert.LessOrEqual(t, *stop, position.HighestPrice)
}

func TestUpdateTrailingStopActivationGate(t *testing.T) {
	env := newTestEnv(t)

	position := &domain.Position{
		EntryPrice:   100,
		StopLoss:     95,
		Tier:         domain.TierWeakBuy, // 10% trail
		HighestPrice: 100,
	}

	// In profit, but 101 * 0.90 = 90.9 is below the original stop: not armed
	assert.Nil(t, env.engine.UpdateTrailingStop(position, 101))
	assert.Nil(t, position.TrailingStop)

	// 110 * 0.90 = 99 clears the stop: armed
	stop := env.engine.UpdateTrailingStop(position, 110)
	require.NotNil(t, stop)
	assert.InDelta(t, 99.0, *stop, 1e-9)
}

func TestTrailingStopTierDistances(t *testing.T) {
	env := newTestEnv(t)

	for tier, wantStop := range map[domain.SignalTier]float64{
		domain.TierStrongBuy: 190.0, // 5%
		domain.TierBuy:       184.0, // 8%
		domain.TierWeakBuy:   180.0, // 10%
	} {
		position := &domain.Position{
			EntryPrice:   100,
			StopLoss:     95,
			Tier:         tier,
			HighestPrice: 100,
		}

		stop := env.engine.UpdateTrailingStop(position, 200)
		require.NotNil(t, stop, "tier %s", tier)
		assert.InDelta(t, wantStop, *stop, 1e-9, "tier %s", tier)
	}
}

func TestOpenPositionCountBounds(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t)
	session.MaxPositions = 3
	require.NoError(t, env.sessions.Update(session))

	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN", "META"}
	for _, symbol := range symbols {
		env.engine.EnterPosition(session, buySignal(symbol), 100)
		assert.GreaterOrEqual(t, session.OpenPositions, 0)
		assert.LessOrEqual(t, session.OpenPositions, session.MaxPositions)
	}
	assert.Equal(t, 3, session.OpenPositions)
}
