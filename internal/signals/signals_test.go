package signals

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

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(database.StateSchema)
	require.NoError(t, err)

	return NewRepository(db, zerolog.Nop())
}

func validPayload() Payload {
	return Payload{
		Symbol:          "aapl",
		Tier:            "strong_buy",
		Confidence:      85,
		PriceAtAnalysis: 100,
		TargetPrice:     120,
		StopLoss:        95,
		AnalyzedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}

func TestParseNormalizesAndComputesRiskReward(t *testing.T) {
	signal, err := Parse(validPayload())
	require.NoError(t, err)

	assert.Equal(t, "AAPL", signal.Symbol)
	assert.Equal(t, domain.TierStrongBuy, signal.Tier)
	// (120-100) / (100-95)
	assert.InDelta(t, 4.0, signal.RiskReward, 1e-9)
}

func TestParseKeepsProvidedRiskReward(t *testing.T) {
	p := validPayload()
	p.RiskReward = 3.5

	signal, err := Parse(p)
	require.NoError(t, err)
	assert.Equal(t, 3.5, signal.RiskReward)
}

func TestParseRejections(t *testing.T) {
	mutations := map[string]func(*Payload){
		"unknown tier":    func(p *Payload) { p.Tier = "SELL" },
		"bad timestamp":   func(p *Payload) { p.AnalyzedAt = "yesterday" },
		"stop over price": func(p *Payload) { p.StopLoss = 105 },
		"empty symbol":    func(p *Payload) { p.Symbol = "" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := validPayload()
			mutate(&p)
			_, err := Parse(p)
			assert.Error(t, err)
		})
	}
}

func saveSignal(t *testing.T, repo *Repository, symbol string, tier domain.SignalTier, confidence float64, analyzedAt time.Time) {
	t.Helper()

	signal := &domain.Signal{
		Symbol:          symbol,
		Tier:            tier,
		Confidence:      confidence,
		PriceAtAnalysis: 100,
		TargetPrice:     120,
		StopLoss:        95,
		RiskReward:      4,
		AnalyzedAt:      analyzedAt,
	}
	require.NoError(t, repo.Save(signal))
}

func TestFreshBuysOrderedByConfidence(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()

	saveSignal(t, repo, "AAPL", domain.TierBuy, 70, now)
	saveSignal(t, repo, "MSFT", domain.TierStrongBuy, 90, now)
	saveSignal(t, repo, "GOOG", domain.TierWeakBuy, 55, now)

	fresh, err := repo.FreshBuys(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 3)

	assert.Equal(t, "MSFT", fresh[0].Symbol)
	assert.Equal(t, "AAPL", fresh[1].Symbol)
	assert.Equal(t, "GOOG", fresh[2].Symbol)
}

func TestFreshBuysExcludesOldSignals(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()

	saveSignal(t, repo, "AAPL", domain.TierBuy, 70, now.AddDate(0, 0, -2))
	saveSignal(t, repo, "MSFT", domain.TierBuy, 60, now)

	fresh, err := repo.FreshBuys(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "MSFT", fresh[0].Symbol)
}

func TestFreshBuysLatestPerSymbol(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()

	saveSignal(t, repo, "AAPL", domain.TierWeakBuy, 50, now.Add(-30*time.Minute))
	saveSignal(t, repo, "AAPL", domain.TierStrongBuy, 90, now)

	fresh, err := repo.FreshBuys(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, domain.TierStrongBuy, fresh[0].Tier)
	assert.Equal(t, 90.0, fresh[0].Confidence)
}

func TestPruneOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()

	saveSignal(t, repo, "AAPL", domain.TierBuy, 70, now.AddDate(0, 0, -10))
	saveSignal(t, repo, "MSFT", domain.TierBuy, 60, now)

	deleted, err := repo.PruneOlderThan(now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	fresh, err := repo.FreshBuys(now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}
