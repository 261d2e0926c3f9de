package trading

import (
	"fmt"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxSignalAge is the oldest a signal snapshot may be before a replay
// without a live price refuses to execute it.
const maxSignalAge = 60 * time.Minute

// Queue holds entry requests made while the market was closed and replays
// them shortly after the next open. It does not enforce per-symbol
// uniqueness; the request layer checks HasPendingForSymbol before queueing.
type Queue struct {
	engine    *Engine
	orders    *PendingOrderRepository
	sessions  SessionSource
	positions PositionSource
	prices    domain.PriceOracle
	log       zerolog.Logger
	now       func() time.Time // overridable in tests
}

// SessionSource is the session lookup the queue needs
type SessionSource interface {
	GetByID(id string) (*domain.Session, error)
}

// PositionSource is the position lookup the queue needs
type PositionSource interface {
	GetOpenBySymbol(sessionID, symbol string) (*domain.Position, error)
}

// NewQueue creates a new pending order queue
func NewQueue(
	engine *Engine,
	orders *PendingOrderRepository,
	sessions SessionSource,
	positions PositionSource,
	prices domain.PriceOracle,
	log zerolog.Logger,
) *Queue {
	return &Queue{
		engine:    engine,
		orders:    orders,
		sessions:  sessions,
		positions: positions,
		prices:    prices,
		log:       log.With().Str("component", "pending_queue").Logger(),
		now:       time.Now,
	}
}

// Enqueue records an entry request for replay at the next market open
func (q *Queue) Enqueue(session *domain.Session, signal domain.Signal, requestedBy int64) (*domain.PendingOrder, error) {
	now := q.now()
	order := &domain.PendingOrder{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		Symbol:      signal.Symbol,
		RequestedBy: requestedBy,
		Signal:      signal,
		Status:      domain.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.orders.Create(order); err != nil {
		return nil, fmt.Errorf("failed to queue order for %s: %w", signal.Symbol, err)
	}

	return order, nil
}

// ReplayResult summarizes one replay pass over the queue
type ReplayResult struct {
	Executed  int
	Failed    int
	Cancelled int
	Skipped   int // left PENDING because of an infrastructure error
}

// Replay processes every PENDING order in insertion order. Each order
// reaches a terminal status at most once: cancelled when its session is
// gone or the symbol already has an open position, failed on a stale
// signal without a live price or on a validation rejection, executed on a
// successful entry. Orders hit by an infrastructure error stay PENDING and
// are picked up by the next replay.
func (q *Queue) Replay() (ReplayResult, error) {
	var result ReplayResult

	pending, err := q.orders.ListPending()
	if err != nil {
		return result, fmt.Errorf("failed to list pending orders: %w", err)
	}

	if len(pending) == 0 {
		return result, nil
	}

	q.log.Info().Int("count", len(pending)).Msg("Replaying pending orders")

	for i := range pending {
		order := &pending[i]
		q.replayOne(order, &result)
	}

	q.log.Info().
		Int("executed", result.Executed).
		Int("failed", result.Failed).
		Int("cancelled", result.Cancelled).
		Int("skipped", result.Skipped).
		Msg("Pending order replay complete")

	return result, nil
}

func (q *Queue) replayOne(order *domain.PendingOrder, result *ReplayResult) {
	olog := q.log.With().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("session_id", order.SessionID).
		Logger()

	session, err := q.sessions.GetByID(order.SessionID)
	if err != nil {
		olog.Error().Err(err).Msg("Failed to load session for pending order")
		result.Skipped++
		return
	}
	if session == nil || !session.Active {
		q.cancel(order, "session no longer active", &olog)
		result.Cancelled++
		return
	}

	existing, err := q.positions.GetOpenBySymbol(order.SessionID, order.Symbol)
	if err != nil {
		olog.Error().Err(err).Msg("Failed to check open positions for pending order")
		result.Skipped++
		return
	}
	if existing != nil {
		q.cancel(order, "already have position", &olog)
		result.Cancelled++
		return
	}

	price, err := q.prices.GetCurrentPrice(order.Symbol)
	if err != nil {
		age := order.Signal.Age(q.now())
		if age > maxSignalAge {
			q.fail(order, fmt.Sprintf("stale signal (%s old), no live price available", age.Round(time.Minute)), &olog)
			result.Failed++
			return
		}
		olog.Warn().
			Err(err).
			Dur("signal_age", age).
			Msg("Live price unavailable, falling back to signal price")
		price = order.Signal.PriceAtAnalysis
	}

	position, reason, err := q.engine.EnterPosition(session, order.Signal, price)
	if err != nil {
		olog.Error().Err(err).Msg("Pending order entry failed")
		result.Skipped++
		return
	}
	if reason != domain.ReasonNone {
		q.fail(order, reason.Message(), &olog)
		result.Failed++
		return
	}

	if err := q.orders.MarkExecuted(order.ID, position.ID, q.now()); err != nil {
		// The position exists; a stuck PENDING row here would replay and
		// then cancel as a duplicate tomorrow, so just log it.
		olog.Error().Err(err).Int64("position_id", position.ID).Msg("Executed order but failed to mark it")
		return
	}

	olog.Info().Int64("position_id", position.ID).Msg("Pending order executed")
	result.Executed++
}

func (q *Queue) cancel(order *domain.PendingOrder, reason string, olog *zerolog.Logger) {
	if err := q.orders.MarkCancelled(order.ID, reason); err != nil {
		olog.Error().Err(err).Msg("Failed to cancel pending order")
		return
	}
	olog.Info().Str("reason", reason).Msg("Pending order cancelled")
}

func (q *Queue) fail(order *domain.PendingOrder, message string, olog *zerolog.Logger) {
	if err := q.orders.MarkFailed(order.ID, message); err != nil {
		olog.Error().Err(err).Msg("Failed to mark pending order failed")
		return
	}
	olog.Info().Str("error", message).Msg("Pending order failed")
}
