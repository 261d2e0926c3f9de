// Package signals is the ingestion boundary for externally produced buy
// signals. Payloads are parsed into typed domain.Signal values and
// validated here; nothing downstream ever sees a raw signal blob.
package signals

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/rs/zerolog"
)

// Repository stores ingested signals and serves the buy loop's daily query
type Repository struct {
	stateDB *sql.DB
	log     zerolog.Logger
}

// NewRepository creates a new signal repository
func NewRepository(stateDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "signals").Logger(),
	}
}

// Save validates and stores a signal. The signal's symbol is normalized by
// validation before the insert.
func (r *Repository) Save(signal *domain.Signal) error {
	if err := signal.Validate(); err != nil {
		return fmt.Errorf("rejected signal: %w", err)
	}

	query := `
		INSERT INTO signals
		(symbol, tier, confidence, price_at_analysis, target_price, stop_loss,
		 risk_reward, analyzed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.stateDB.Exec(query,
		signal.Symbol,
		string(signal.Tier),
		signal.Confidence,
		signal.PriceAtAnalysis,
		signal.TargetPrice,
		signal.StopLoss,
		signal.RiskReward,
		signal.AnalyzedAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save signal for %s: %w", signal.Symbol, err)
	}

	r.log.Debug().
		Str("symbol", signal.Symbol).
		Str("tier", string(signal.Tier)).
		Float64("confidence", signal.Confidence).
		Msg("Signal ingested")

	return nil
}

// FreshBuys returns buy-tier signals analyzed at or after the cutoff,
// ordered by descending confidence. When a symbol was analyzed more than
// once in the window, only its most recent signal is returned.
func (r *Repository) FreshBuys(since time.Time) ([]domain.Signal, error) {
	query := `
		SELECT symbol, tier, confidence, price_at_analysis, target_price,
		       stop_loss, risk_reward, analyzed_at
		FROM signals
		WHERE analyzed_at >= ?
		  AND id IN (SELECT MAX(id) FROM signals WHERE analyzed_at >= ? GROUP BY symbol)
		ORDER BY confidence DESC, symbol
	`

	cutoff := since.UTC().Format(time.RFC3339)
	rows, err := r.stateDB.Query(query, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query fresh signals: %w", err)
	}
	defer rows.Close()

	var result []domain.Signal
	for rows.Next() {
		var s domain.Signal
		var tier, analyzedAt string

		err := rows.Scan(&s.Symbol, &tier, &s.Confidence, &s.PriceAtAnalysis,
			&s.TargetPrice, &s.StopLoss, &s.RiskReward, &analyzedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		s.Tier, err = domain.SignalTierFromString(tier)
		if err != nil {
			// A bad row should not block the whole feed
			r.log.Warn().Str("symbol", s.Symbol).Str("tier", tier).Msg("Skipping signal with unknown tier")
			continue
		}

		s.AnalyzedAt, err = time.Parse(time.RFC3339, analyzedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid analyzed_at for signal %s: %w", s.Symbol, err)
		}

		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return result, nil
}

// PruneOlderThan deletes signals analyzed before the cutoff. The signals
// table is a rolling feed, not a historical archive.
func (r *Repository) PruneOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.stateDB.Exec(
		"DELETE FROM signals WHERE analyzed_at < ?",
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune signals: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.log.Debug().Int64("deleted", deleted).Msg("Pruned old signals")
	}
	return deleted, nil
}
