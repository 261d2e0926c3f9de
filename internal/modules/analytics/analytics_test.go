package analytics

import (
	"testing"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrades struct {
	trades []domain.Trade
}

func (f *fakeTrades) ListBySession(string) ([]domain.Trade, error) {
	return f.trades, nil
}

func (f *fakeTrades) ListBySessionSince(_ string, since time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.trades {
		if !t.ExitAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func trade(pnl, r float64, reason domain.ExitReason, tier domain.SignalTier, daysHeld int) domain.Trade {
	return domain.Trade{
		Symbol:     "TEST",
		PnL:        pnl,
		RMultiple:  r,
		ExitReason: reason,
		Tier:       tier,
		DaysHeld:   daysHeld,
		Winner:     pnl > 0,
		ExitAt:     time.Now(),
	}
}

func TestSummarizeEmptyHistory(t *testing.T) {
	e := New(&fakeTrades{}, zerolog.Nop())

	s, err := e.Summarize("sess-1")
	require.NoError(t, err)

	assert.Equal(t, 0, s.TotalTrades)
	assert.Equal(t, 0.0, s.WinRate)
	assert.Empty(t, s.ByExitReason)
	assert.Nil(t, s.BestTrade)
}

func TestSummarizeAggregates(t *testing.T) {
	source := &fakeTrades{trades: []domain.Trade{
		trade(1000, 2, domain.ExitTargetHit, domain.TierStrongBuy, 3),
		trade(500, 1, domain.ExitTrailingStop, domain.TierStrongBuy, 5),
		trade(-500, -1, domain.ExitStopLoss, domain.TierWeakBuy, 1),
		trade(-250, -0.5, domain.ExitStopLoss, domain.TierWeakBuy, 3),
	}}
	e := New(source, zerolog.Nop())

	s, err := e.Summarize("sess-1")
	require.NoError(t, err)

	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.Equal(t, 750.0, s.TotalPnL)
	assert.Equal(t, 1500.0, s.GrossProfit)
	assert.Equal(t, 750.0, s.GrossLoss)
	assert.InDelta(t, 2.0, s.ProfitFactor, 1e-9)
	assert.Equal(t, 750.0, s.AvgWin)
	assert.Equal(t, 375.0, s.AvgLoss)
	assert.InDelta(t, 3.0, s.AvgDaysHeld, 1e-9)
	assert.InDelta(t, 0.375, s.AvgRMultiple, 1e-9) // (2+1-1-0.5)/4
	assert.InDelta(t, 187.5, s.Expectancy, 1e-9)
	assert.Greater(t, s.RStdDev, 0.0)

	require.NotNil(t, s.BestTrade)
	assert.Equal(t, 1000.0, s.BestTrade.PnL)
	require.NotNil(t, s.WorstTrade)
	assert.Equal(t, -500.0, s.WorstTrade.PnL)

	stops := s.ByExitReason[domain.ExitStopLoss]
	require.NotNil(t, stops)
	assert.Equal(t, 2, stops.Count)
	assert.Equal(t, -750.0, stops.PnL)
	assert.Equal(t, 0.0, stops.WinRate)

	strong := s.ByTier[domain.TierStrongBuy]
	require.NotNil(t, strong)
	assert.Equal(t, 2, strong.Count)
	assert.InDelta(t, 1.5, strong.AvgR, 1e-9)
	assert.InDelta(t, 100.0, strong.WinRate, 1e-9)
}

func TestSummarizeSinceFilters(t *testing.T) {
	old := trade(100, 1, domain.ExitTargetHit, domain.TierBuy, 1)
	old.ExitAt = time.Now().AddDate(0, 0, -30)
	recent := trade(200, 2, domain.ExitTargetHit, domain.TierBuy, 1)

	e := New(&fakeTrades{trades: []domain.Trade{old, recent}}, zerolog.Nop())

	s, err := e.SummarizeSince("sess-1", time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)

	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 200.0, s.TotalPnL)
}

func TestRecommendationsSmallSample(t *testing.T) {
	e := New(&fakeTrades{}, zerolog.Nop())

	s := &Summary{TotalTrades: 4, WinRate: 0}
	assert.Empty(t, e.Recommendations(s), "fewer than five trades says nothing")
}

func TestRecommendationsLowWinRate(t *testing.T) {
	source := &fakeTrades{trades: []domain.Trade{
		trade(100, 1, domain.ExitTargetHit, domain.TierBuy, 1),
		trade(-100, -1, domain.ExitStopLoss, domain.TierBuy, 1),
		trade(-100, -1, domain.ExitStopLoss, domain.TierBuy, 1),
		trade(-100, -1, domain.ExitStopLoss, domain.TierBuy, 1),
		trade(-100, -1, domain.ExitStopLoss, domain.TierBuy, 1),
	}}
	e := New(source, zerolog.Nop())

	s, err := e.Summarize("sess-1")
	require.NoError(t, err)

	recs := e.Recommendations(s)
	assert.NotEmpty(t, recs)

	joined := ""
	for _, r := range recs {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "Win rate")
}
