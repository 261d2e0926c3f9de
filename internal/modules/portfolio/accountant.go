// Package portfolio provides capital bookkeeping for paper-trading sessions:
// risk-based position sizing, capacity checks, unrealized P&L and portfolio
// aggregation. The accountant only reads state; every capital mutation
// happens in the execution engine so that each session has a single writer.
package portfolio

import (
	"math"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultRiskPct is the fraction of session cash risked per position when a
// session does not override it.
const DefaultRiskPct = 0.01

// maxNotionalPct caps a single position's entry value at this fraction of
// session cash, regardless of what the risk formula allows.
const maxNotionalPct = 0.20

// Sizing is the result of risk-based position sizing
type Sizing struct {
	Shares        int64   `json:"shares"`
	NotionalValue float64 `json:"notional_value"`
	RiskAmount    float64 `json:"risk_amount"`
	// ActualRiskPct is the realized risk after the notional cap was applied.
	// It can be lower than the requested risk percentage.
	ActualRiskPct float64 `json:"actual_risk_pct"`
	Capped        bool    `json:"capped"`
}

// Snapshot aggregates the live state of one session's portfolio.
// DeployedCapital is valued at current prices, not entry prices; summing
// AvailableCapital with entry-valued deployment would misstate total capital.
type Snapshot struct {
	SessionID        string  `json:"session_id"`
	AvailableCapital float64 `json:"available_capital"`
	DeployedCapital  float64 `json:"deployed_capital"`
	TotalCapital     float64 `json:"total_capital"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	OpenPositions    int     `json:"open_positions"`
	TotalTrades      int     `json:"total_trades"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	OverallReturnPct float64 `json:"overall_return_pct"`
}

// PnLResult holds unrealized P&L figures for one position
type PnLResult struct {
	PnL       float64 `json:"pnl"`
	PnLPct    float64 `json:"pnl_pct"`
	RMultiple float64 `json:"r_multiple"`
}

// TradeStats supplies realized gross profit and gross loss for a session.
// Defined here to avoid an import cycle with the trading package, which
// owns the trade ledger repository.
type TradeStats interface {
	GrossRealized(sessionID string) (grossProfit, grossLoss float64, err error)
}

// Accountant performs capital bookkeeping calculations
type Accountant struct {
	positions  *PositionRepository
	tradeStats TradeStats
	log        zerolog.Logger
}

// NewAccountant creates a new portfolio accountant.
// tradeStats may be nil, in which case profit factor reports zero.
func NewAccountant(positions *PositionRepository, tradeStats TradeStats, log zerolog.Logger) *Accountant {
	return &Accountant{
		positions:  positions,
		tradeStats: tradeStats,
		log:        log.With().Str("component", "accountant").Logger(),
	}
}

// SizePosition computes share count from the session's risk budget:
// riskAmount = cash * riskPct, shares = floor(riskAmount / (entry - stop)),
// then shrinks shares so the notional never exceeds 20% of cash.
// Returns a zero-value Sizing and a reject reason for expected failures.
func (a *Accountant) SizePosition(session *domain.Session, entryPrice, stopLoss, riskPct float64) (Sizing, domain.RejectReason) {
	if riskPct <= 0 {
		riskPct = DefaultRiskPct
	}

	// Long-only: the stop must be positive and strictly below the entry
	if stopLoss <= 0 || stopLoss >= entryPrice {
		return Sizing{}, domain.ReasonInvalidStop
	}
	perShareRisk := entryPrice - stopLoss

	cash := session.CurrentCapital
	riskAmount := cash * riskPct
	shares := int64(math.Floor(riskAmount / perShareRisk))
	if shares <= 0 {
		return Sizing{}, domain.ReasonPositionTooSmall
	}

	capped := false
	maxNotional := cash * maxNotionalPct
	if float64(shares)*entryPrice > maxNotional {
		shares = int64(math.Floor(maxNotional / entryPrice))
		capped = true
		if shares <= 0 {
			return Sizing{}, domain.ReasonPositionTooSmall
		}
	}

	notional := float64(shares) * entryPrice

	// Report the realized risk, not the requested one: capping shrinks the
	// dollar amount actually at risk.
	actualRiskPct := riskPct
	if cash > 0 {
		actualRiskPct = float64(shares) * perShareRisk / cash
	}

	return Sizing{
		Shares:        shares,
		NotionalValue: notional,
		RiskAmount:    float64(shares) * perShareRisk,
		ActualRiskPct: actualRiskPct,
		Capped:        capped,
	}, domain.ReasonNone
}

// CanOpen reports whether the session may open one more position.
// requiredCapital <= 0 means "any positive cash is enough".
func (a *Accountant) CanOpen(session *domain.Session, requiredCapital float64) bool {
	if session.OpenPositions >= session.MaxPositions {
		return false
	}
	if session.CurrentCapital <= 0 {
		return false
	}
	if requiredCapital > 0 && session.CurrentCapital < requiredCapital {
		return false
	}
	return true
}

// UnrealizedPnL computes the position's open P&L at currentPrice.
// The R-multiple denominator is the entry risk distance; it is defined as
// zero when that distance is zero.
func (a *Accountant) UnrealizedPnL(position *domain.Position, currentPrice float64) PnLResult {
	pnl := float64(position.Shares)*currentPrice - position.EntryValue

	pnlPct := 0.0
	if position.EntryValue != 0 {
		pnlPct = pnl / position.EntryValue * 100
	}

	riskPerShare := math.Abs(position.EntryPrice - position.StopLoss)
	denominator := riskPerShare * float64(position.Shares)
	rMultiple := 0.0
	if denominator > 0 {
		rMultiple = pnl / denominator
	}

	return PnLResult{PnL: pnl, PnLPct: pnlPct, RMultiple: rMultiple}
}

// TotalCapital returns cash plus open positions valued at their current
// price (entry value as fallback when no price has been recorded yet).
// The session's peak capital is a monotonic high-water mark: it is raised
// in memory when exceeded but never lowered.
func (a *Accountant) TotalCapital(session *domain.Session) (float64, error) {
	return a.TotalCapitalExcluding(session, 0)
}

// TotalCapitalExcluding is TotalCapital with one position left out of the
// valuation. The exit path calls it at the instant the exit notional is
// already credited to CurrentCapital while the exiting row is still open,
// so counting that row would value the position twice.
func (a *Accountant) TotalCapitalExcluding(session *domain.Session, excludeID int64) (float64, error) {
	positions, err := a.positions.ListOpenBySession(session.ID)
	if err != nil {
		return 0, err
	}

	total := session.CurrentCapital
	for _, pos := range positions {
		if excludeID != 0 && pos.ID == excludeID {
			continue
		}
		if pos.CurrentPrice > 0 {
			total += float64(pos.Shares) * pos.CurrentPrice
		} else {
			total += pos.EntryValue
		}
	}

	if total > session.PeakCapital {
		session.PeakCapital = total
	}

	return total, nil
}

// PortfolioSnapshot aggregates the session's live portfolio state
func (a *Accountant) PortfolioSnapshot(session *domain.Session) (*Snapshot, error) {
	positions, err := a.positions.ListOpenBySession(session.ID)
	if err != nil {
		return nil, err
	}

	deployed := 0.0
	unrealized := 0.0
	for _, pos := range positions {
		price := pos.CurrentPrice
		if price <= 0 {
			price = pos.EntryPrice
		}
		deployed += float64(pos.Shares) * price
		unrealized += a.UnrealizedPnL(&pos, price).PnL
	}

	winRate := 0.0
	if session.TotalTrades > 0 {
		winRate = float64(session.Wins) / float64(session.TotalTrades) * 100
	}

	profitFactor, err := a.profitFactor(session.ID)
	if err != nil {
		return nil, err
	}

	total := session.CurrentCapital + deployed
	overallReturn := 0.0
	if session.InitialCapital > 0 {
		overallReturn = (total - session.InitialCapital) / session.InitialCapital * 100
	}

	return &Snapshot{
		SessionID:        session.ID,
		AvailableCapital: session.CurrentCapital,
		DeployedCapital:  deployed,
		TotalCapital:     total,
		UnrealizedPnL:    unrealized,
		OpenPositions:    len(positions),
		TotalTrades:      session.TotalTrades,
		WinRate:          winRate,
		ProfitFactor:     profitFactor,
		OverallReturnPct: overallReturn,
	}, nil
}

// profitFactor is grossProfit / grossLoss over closed trades, 0 when there
// are no losses.
func (a *Accountant) profitFactor(sessionID string) (float64, error) {
	if a.tradeStats == nil {
		return 0, nil
	}
	grossProfit, grossLoss, err := a.tradeStats.GrossRealized(sessionID)
	if err != nil {
		return 0, err
	}
	if grossLoss <= 0 {
		return 0, nil
	}
	return grossProfit / grossLoss, nil
}
