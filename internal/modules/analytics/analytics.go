// Package analytics aggregates closed trades into performance statistics
// and improvement recommendations. It is a read-only consumer of the trade
// ledger and never mutates session or position state.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// TradeSource is the ledger read access the engine needs
type TradeSource interface {
	ListBySession(sessionID string) ([]domain.Trade, error)
	ListBySessionSince(sessionID string, since time.Time) ([]domain.Trade, error)
}

// Engine computes post-hoc statistics over completed trades
type Engine struct {
	trades TradeSource
	log    zerolog.Logger
}

// New creates a new analytics engine
func New(trades TradeSource, log zerolog.Logger) *Engine {
	return &Engine{
		trades: trades,
		log:    log.With().Str("component", "analytics").Logger(),
	}
}

// ReasonStats is the per-exit-reason breakdown
type ReasonStats struct {
	Count   int     `json:"count"`
	Wins    int     `json:"wins"`
	PnL     float64 `json:"pnl"`
	AvgPnL  float64 `json:"avg_pnl"`
	WinRate float64 `json:"win_rate"`
}

// TierStats is the per-signal-tier breakdown
type TierStats struct {
	Count   int     `json:"count"`
	Wins    int     `json:"wins"`
	PnL     float64 `json:"pnl"`
	AvgR    float64 `json:"avg_r"`
	WinRate float64 `json:"win_rate"`
}

// Summary holds the aggregate statistics for a set of trades
type Summary struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"` // percent
	TotalPnL     float64 `json:"total_pnl"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"` // positive magnitude
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"` // positive magnitude
	BestTrade    *domain.Trade `json:"best_trade,omitempty"`
	WorstTrade   *domain.Trade `json:"worst_trade,omitempty"`
	AvgDaysHeld  float64 `json:"avg_days_held"`
	AvgRMultiple float64 `json:"avg_r_multiple"`
	RStdDev      float64 `json:"r_std_dev"`
	Expectancy   float64 `json:"expectancy"` // mean P&L per trade

	ByExitReason map[domain.ExitReason]*ReasonStats `json:"by_exit_reason"`
	ByTier       map[domain.SignalTier]*TierStats   `json:"by_tier"`
}

// Summarize computes statistics over a session's full trade history
func (e *Engine) Summarize(sessionID string) (*Summary, error) {
	trades, err := e.trades.ListBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for session %s: %w", sessionID, err)
	}
	return e.compute(trades), nil
}

// SummarizeSince computes statistics over trades closed at or after the
// cutoff, used for daily and weekly reports
func (e *Engine) SummarizeSince(sessionID string, since time.Time) (*Summary, error) {
	trades, err := e.trades.ListBySessionSince(sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for session %s since %s: %w",
			sessionID, since.Format("2006-01-02"), err)
	}
	return e.compute(trades), nil
}

func (e *Engine) compute(trades []domain.Trade) *Summary {
	s := &Summary{
		ByExitReason: make(map[domain.ExitReason]*ReasonStats),
		ByTier:       make(map[domain.SignalTier]*TierStats),
	}
	if len(trades) == 0 {
		return s
	}

	rMultiples := make([]float64, 0, len(trades))
	var daysHeldSum int

	for i := range trades {
		t := &trades[i]
		s.TotalTrades++
		s.TotalPnL += t.PnL
		daysHeldSum += t.DaysHeld
		rMultiples = append(rMultiples, t.RMultiple)

		if t.Winner {
			s.Wins++
			s.GrossProfit += t.PnL
		} else {
			s.Losses++
			s.GrossLoss += -t.PnL
		}

		if s.BestTrade == nil || t.PnL > s.BestTrade.PnL {
			s.BestTrade = t
		}
		if s.WorstTrade == nil || t.PnL < s.WorstTrade.PnL {
			s.WorstTrade = t
		}

		rs, ok := s.ByExitReason[t.ExitReason]
		if !ok {
			rs = &ReasonStats{}
			s.ByExitReason[t.ExitReason] = rs
		}
		rs.Count++
		rs.PnL += t.PnL
		if t.Winner {
			rs.Wins++
		}

		ts, ok := s.ByTier[t.Tier]
		if !ok {
			ts = &TierStats{}
			s.ByTier[t.Tier] = ts
		}
		ts.Count++
		ts.PnL += t.PnL
		ts.AvgR += t.RMultiple
		if t.Winner {
			ts.Wins++
		}
	}

	n := float64(s.TotalTrades)
	s.WinRate = float64(s.Wins) / n * 100
	s.AvgDaysHeld = float64(daysHeldSum) / n
	s.Expectancy = s.TotalPnL / n

	if s.Wins > 0 {
		s.AvgWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = s.GrossLoss / float64(s.Losses)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}

	s.AvgRMultiple = stat.Mean(rMultiples, nil)
	if len(rMultiples) > 1 {
		s.RStdDev = math.Sqrt(stat.Variance(rMultiples, nil))
	}

	for _, rs := range s.ByExitReason {
		rs.AvgPnL = rs.PnL / float64(rs.Count)
		rs.WinRate = float64(rs.Wins) / float64(rs.Count) * 100
	}
	for _, ts := range s.ByTier {
		ts.AvgR /= float64(ts.Count)
		ts.WinRate = float64(ts.Wins) / float64(ts.Count) * 100
	}

	return s
}

// Recommendations derives rule-based improvement suggestions from a summary.
// Returns an empty slice when the sample is too small to say anything.
func (e *Engine) Recommendations(s *Summary) []string {
	var recs []string

	if s.TotalTrades < 5 {
		return recs
	}

	if s.WinRate < 40 {
		recs = append(recs, fmt.Sprintf(
			"Win rate is %.0f%%. Consider restricting entries to STRONG_BUY signals until it recovers.", s.WinRate))
	}

	if s.ProfitFactor > 0 && s.ProfitFactor < 1 {
		recs = append(recs, fmt.Sprintf(
			"Profit factor is %.2f (losing more than winning). Review stop-loss distances on recent losers.", s.ProfitFactor))
	}

	if s.AvgLoss > 0 && s.AvgWin > 0 && s.AvgLoss > s.AvgWin {
		recs = append(recs, fmt.Sprintf(
			"Average loss ($%.2f) exceeds average win ($%.2f). Winners may be cut too early by tight trailing stops.",
			s.AvgLoss, s.AvgWin))
	}

	if rs, ok := s.ByExitReason[domain.ExitStopLoss]; ok && s.TotalTrades >= 10 {
		stopShare := float64(rs.Count) / float64(s.TotalTrades)
		if stopShare > 0.5 {
			recs = append(recs, fmt.Sprintf(
				"%.0f%% of exits hit the stop-loss. Entries may be chasing drifted prices; check signal freshness.",
				stopShare*100))
		}
	}

	// Flag the worst-performing tier when tiers diverge meaningfully
	type tierPerf struct {
		tier domain.SignalTier
		avgR float64
		n    int
	}
	var tiers []tierPerf
	for tier, ts := range s.ByTier {
		if ts.Count >= 3 {
			tiers = append(tiers, tierPerf{tier, ts.AvgR, ts.Count})
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].avgR < tiers[j].avgR })
	if len(tiers) >= 2 && tiers[0].avgR < 0 && tiers[len(tiers)-1].avgR > 0 {
		recs = append(recs, fmt.Sprintf(
			"%s signals average %.2fR while %s average %+.2fR. Consider blocking the weaker tier.",
			tiers[0].tier, tiers[0].avgR, tiers[len(tiers)-1].tier, tiers[len(tiers)-1].avgR))
	}

	return recs
}
