package trading

import (
	"testing"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/market"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, env *testEnv, oracle *fakeOracle) *SessionService {
	t.Helper()

	cal, err := market.NewCalendar(zerolog.Nop())
	require.NoError(t, err)

	queue := newTestQueue(t, env, oracle)

	return NewSessionService(
		env.sessions, env.positions, env.engine, queue, cal, oracle,
		SessionDefaults{Capital: 500000, MaxPositions: 10, RiskPct: 0.01},
		zerolog.Nop(),
	)
}

func TestStartSessionAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	assert.True(t, session.Active)
	assert.Equal(t, 500000.0, session.InitialCapital)
	assert.Equal(t, 500000.0, session.CurrentCapital)
	assert.Equal(t, 500000.0, session.PeakCapital)
	assert.Equal(t, 10, session.MaxPositions)
	assert.Equal(t, 0.01, session.RiskPct)
	assert.NotEmpty(t, session.ID)

	stored, err := env.sessions.GetActiveByUser(42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, session.ID, stored.ID)
}

func TestStartSessionHonorsOverrides(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{
		UserID:       42,
		Capital:      100000,
		MaxPositions: 5,
		RiskPct:      0.02,
	})
	require.NoError(t, err)

	assert.Equal(t, 100000.0, session.InitialCapital)
	assert.Equal(t, 5, session.MaxPositions)
	assert.Equal(t, 0.02, session.RiskPct)
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	_, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	_, err = svc.StartSession(StartSessionParams{UserID: 42})
	assert.Error(t, err, "one active session per user")

	// A different user is fine
	_, err = svc.StartSession(StartSessionParams{UserID: 43})
	assert.NoError(t, err)
}

func TestAdjustSessionUpdatesParameters(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	riskPct := 0.02
	maxPositions := 4
	adjusted, err := svc.AdjustSession(session.ID, AdjustSessionParams{
		RiskPct:      &riskPct,
		MaxPositions: &maxPositions,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.02, adjusted.RiskPct)
	assert.Equal(t, 4, adjusted.MaxPositions)
	assert.Equal(t, 500000.0, adjusted.CurrentCapital, "cash untouched")

	stored, err := env.sessions.GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.02, stored.RiskPct)
	assert.Equal(t, 4, stored.MaxPositions)
}

func TestAdjustSessionCapitalDeltaShiftsBaselines(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	delta := 100000.0
	adjusted, err := svc.AdjustSession(session.ID, AdjustSessionParams{AddCapital: &delta})
	require.NoError(t, err)

	assert.Equal(t, 600000.0, adjusted.CurrentCapital)
	assert.Equal(t, 600000.0, adjusted.InitialCapital)
	assert.Equal(t, 600000.0, adjusted.PeakCapital)
	assert.Equal(t, 0.0, adjusted.TotalPnL, "deposit is not pnl")
}

func TestAdjustSessionRejectsBadValues(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	_, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)

	// Cannot shrink max positions below the open count
	zero := 0
	_, err = svc.AdjustSession(session.ID, AdjustSessionParams{MaxPositions: &zero})
	assert.Error(t, err)

	// Risk pct must stay in (0, 1)
	bad := 1.5
	_, err = svc.AdjustSession(session.ID, AdjustSessionParams{RiskPct: &bad})
	assert.Error(t, err)

	// Withdrawal cannot exceed cash on hand
	huge := -1000000.0
	_, err = svc.AdjustSession(session.ID, AdjustSessionParams{AddCapital: &huge})
	assert.Error(t, err)

	// Untouched after the failed adjustments
	stored, err := env.sessions.GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.01, stored.RiskPct)
	assert.Equal(t, 10, stored.MaxPositions)
}

func TestAdjustSessionRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)
	_, err = svc.StopSession(session.ID)
	require.NoError(t, err)

	riskPct := 0.02
	_, err = svc.AdjustSession(session.ID, AdjustSessionParams{RiskPct: &riskPct})
	assert.Error(t, err)
}

func TestStopSessionClosesAllPositions(t *testing.T) {
	env := newTestEnv(t)
	oracle := &fakeOracle{price: 100}
	svc := newTestService(t, env, oracle)

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	_, reason, err := env.engine.EnterPosition(session, buySignal("AAPL"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)
	_, reason, err = env.engine.EnterPosition(session, buySignal("MSFT"), 100)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNone, reason)

	oracle.price = 110

	stopped, err := svc.StopSession(session.ID)
	require.NoError(t, err)

	assert.False(t, stopped.Active)
	require.NotNil(t, stopped.EndedAt)
	assert.Equal(t, 0, stopped.OpenPositions)

	open, err := env.positions.ListOpenBySession(session.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := env.trades.ListBySession(session.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, trade := range trades {
		assert.Equal(t, domain.ExitSessionStopped, trade.ExitReason)
		assert.Equal(t, 110.0, trade.ExitPrice)
	}
}

func TestStopSessionTwiceIsAnError(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	session, err := svc.StartSession(StartSessionParams{UserID: 42})
	require.NoError(t, err)

	_, err = svc.StopSession(session.ID)
	require.NoError(t, err)

	_, err = svc.StopSession(session.ID)
	assert.Error(t, err)
}

func TestStopSessionUnknownID(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, &fakeOracle{price: 100})

	_, err := svc.StopSession("nope")
	assert.Error(t, err)
}
