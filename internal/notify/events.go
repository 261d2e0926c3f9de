// Package notify decouples trade execution from notification delivery.
// Components publish a closed set of events onto a buffered channel after
// their state transition is durable; a dedicated notifier goroutine renders
// and delivers them. A delivery failure is logged and dropped, never
// propagated back to the execution path.
package notify

import (
	"fmt"

	"github.com/aristath/papertrader/internal/domain"
)

// EventType identifies the kind of notification event
type EventType string

const (
	EntryOpened    EventType = "entry_opened"
	PositionClosed EventType = "position_closed"
	SummaryReady   EventType = "summary_ready"
)

// Event is the interface all notification events implement
type Event interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
	// UserID returns the session owner the notification is addressed to
	UserID() int64
	// Render produces the outgoing message text
	Render() string
}

// EntryOpenedEvent is published after a position entry has been committed
type EntryOpenedEvent struct {
	User     int64
	Position domain.Position
}

// EventType returns the event type for EntryOpenedEvent
func (e *EntryOpenedEvent) EventType() EventType { return EntryOpened }

// UserID returns the addressee
func (e *EntryOpenedEvent) UserID() int64 { return e.User }

// Render produces the trade-entry alert text
func (e *EntryOpenedEvent) Render() string {
	p := e.Position
	return fmt.Sprintf(
		"Opened %s: %d shares @ %.2f (%.2f total)\nTarget: %.2f | Stop: %.2f | Tier: %s",
		p.Symbol, p.Shares, p.EntryPrice, p.EntryValue, p.TargetPrice, p.StopLoss, p.Tier,
	)
}

// PositionClosedEvent is published after a position exit has been committed
type PositionClosedEvent struct {
	User  int64
	Trade domain.Trade
}

// EventType returns the event type for PositionClosedEvent
func (e *PositionClosedEvent) EventType() EventType { return PositionClosed }

// UserID returns the addressee
func (e *PositionClosedEvent) UserID() int64 { return e.User }

// Render produces the trade-exit alert text
func (e *PositionClosedEvent) Render() string {
	t := e.Trade
	outcome := "LOSS"
	if t.Winner {
		outcome = "WIN"
	}
	return fmt.Sprintf(
		"Closed %s [%s]: %d shares @ %.2f\n%s %.2f (%.2f%%, %.2fR) after %d day(s)",
		t.Symbol, t.ExitReason, t.Shares, t.ExitPrice, outcome, t.PnL, t.PnLPct, t.RMultiple, t.DaysHeld,
	)
}

// SummaryReadyEvent is published when a periodic summary has been computed
type SummaryReadyEvent struct {
	User  int64
	Title string
	Body  string
}

// EventType returns the event type for SummaryReadyEvent
func (e *SummaryReadyEvent) EventType() EventType { return SummaryReady }

// UserID returns the addressee
func (e *SummaryReadyEvent) UserID() int64 { return e.User }

// Render produces the summary message text
func (e *SummaryReadyEvent) Render() string {
	return e.Title + "\n" + e.Body
}
