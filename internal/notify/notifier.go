package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink delivers a rendered notification to one user. Implementations must
// be safe for use from the notifier goroutine and should apply their own
// timeouts; the notifier never retries.
type Sink interface {
	Send(userID int64, text string) error
}

// Notifier consumes events from a buffered channel and hands them to a
// sink. It runs on its own goroutine so that notification latency or
// failure never blocks a committed trade execution.
type Notifier struct {
	events chan Event
	sink   Sink
	log    zerolog.Logger
}

// NewNotifier creates a notifier with the given sink
func NewNotifier(sink Sink, log zerolog.Logger) *Notifier {
	return &Notifier{
		events: make(chan Event, 64),
		sink:   sink,
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

// Publish enqueues an event without blocking. If the buffer is full the
// event is dropped with a warning; notifications are best-effort.
func (n *Notifier) Publish(event Event) {
	select {
	case n.events <- event:
	default:
		n.log.Warn().
			Str("event", string(event.EventType())).
			Int64("user_id", event.UserID()).
			Msg("Notification buffer full, dropping event")
	}
}

// Run consumes events until the context is cancelled. Intended to be
// started as a goroutine at process start.
func (n *Notifier) Run(ctx context.Context) {
	n.log.Info().Msg("Notifier started")

	for {
		select {
		case <-ctx.Done():
			n.log.Info().Msg("Notifier stopped")
			return
		case event := <-n.events:
			n.deliver(event)
		}
	}
}

func (n *Notifier) deliver(event Event) {
	if err := n.sink.Send(event.UserID(), event.Render()); err != nil {
		// Never propagated: a failed notification must not affect the
		// already-committed state transition that caused it.
		n.log.Error().
			Err(err).
			Str("event", string(event.EventType())).
			Int64("user_id", event.UserID()).
			Msg("Failed to deliver notification")
		return
	}

	n.log.Debug().
		Str("event", string(event.EventType())).
		Int64("user_id", event.UserID()).
		Msg("Notification delivered")
}

// LogSink writes notifications to the log. Used in development and as a
// fallback when no Telegram token is configured.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("sink", "log").Logger()}
}

// Send logs the notification text
func (s *LogSink) Send(userID int64, text string) error {
	s.log.Info().Int64("user_id", userID).Str("text", text).Msg("Notification")
	return nil
}
