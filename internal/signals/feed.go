package signals

import (
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
)

// Payload is the wire shape of one signal from the external feed
type Payload struct {
	Symbol          string  `json:"symbol"`
	Tier            string  `json:"tier"`
	Confidence      float64 `json:"confidence"`
	PriceAtAnalysis float64 `json:"price_at_analysis"`
	TargetPrice     float64 `json:"target_price"`
	StopLoss        float64 `json:"stop_loss"`
	RiskReward      float64 `json:"risk_reward,omitempty"`
	AnalyzedAt      string  `json:"analyzed_at"` // RFC3339
}

// Parse converts a feed payload into a validated domain signal. The tier
// string is parsed into the closed tier set and risk/reward is computed
// from the price levels when the feed omits it.
func Parse(p Payload) (domain.Signal, error) {
	tier, err := domain.SignalTierFromString(p.Tier)
	if err != nil {
		return domain.Signal{}, err
	}

	analyzedAt, err := time.Parse(time.RFC3339, p.AnalyzedAt)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("invalid analyzed_at %q: %w", p.AnalyzedAt, err)
	}

	signal := domain.Signal{
		Symbol:          p.Symbol,
		Tier:            tier,
		Confidence:      p.Confidence,
		PriceAtAnalysis: p.PriceAtAnalysis,
		TargetPrice:     p.TargetPrice,
		StopLoss:        p.StopLoss,
		RiskReward:      p.RiskReward,
		AnalyzedAt:      analyzedAt,
	}

	if signal.RiskReward == 0 {
		risk := signal.PriceAtAnalysis - signal.StopLoss
		reward := signal.TargetPrice - signal.PriceAtAnalysis
		if risk > 0 {
			signal.RiskReward = reward / risk
		}
	}

	if err := signal.Validate(); err != nil {
		return domain.Signal{}, err
	}

	return signal, nil
}
