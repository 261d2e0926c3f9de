package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/papertrader/internal/domain"
	"github.com/aristath/papertrader/internal/market"
	"github.com/aristath/papertrader/internal/modules/analytics"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	"github.com/aristath/papertrader/internal/modules/trading"
	"github.com/aristath/papertrader/internal/notify"
	"github.com/aristath/papertrader/internal/signals"
	"github.com/rs/zerolog"
)

const (
	// buyDelay is how long after the open the buy pass fires, letting the
	// opening auction settle before prices are trusted.
	buyDelay = 5 * time.Minute

	// monitorInterval is the monitoring tick while the market is open
	monitorInterval = 5 * time.Minute

	// maxSleepChunk caps each sleep so long waits re-check the clock and
	// stay responsive to cancellation
	maxSleepChunk = 15 * time.Minute

	// dailySummarySchedule fires 30 minutes after the close on weekdays
	dailySummarySchedule = "0 30 16 * * MON-FRI"

	// weeklySummarySchedule fires Friday evening after the daily summary
	weeklySummarySchedule = "0 0 17 * * FRI"
)

// Deps are the collaborators the orchestrator drives
type Deps struct {
	Calendar  *market.Calendar
	Sessions  *portfolio.SessionRepository
	Positions *portfolio.PositionRepository
	Account   *portfolio.Accountant
	Engine    *trading.Engine
	Queue     *trading.Queue
	Signals   *signals.Repository
	Prices    domain.PriceOracle
	Analytics *analytics.Engine
	Notifier  *notify.Notifier
}

// Orchestrator runs the trading day as a small set of independent loops
// over persisted session state. Loops coordinate only through the
// database; there is no shared in-memory state between them. Errors inside
// a loop iteration are logged and the loop continues; only a calendar
// configuration error stops a loop.
type Orchestrator struct {
	deps Deps
	cron *CronScheduler
	log  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		cron: NewCron(deps.Calendar.Location(), log),
		log:  log.With().Str("component", "orchestrator").Logger(),
	}
}

// Start launches the loops and registers the summary jobs
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.cron.AddJob(dailySummarySchedule, &dailySummaryJob{o}); err != nil {
		return fmt.Errorf("failed to register daily summary job: %w", err)
	}
	if err := o.cron.AddJob(weeklySummarySchedule, &weeklySummaryJob{o}); err != nil {
		return fmt.Errorf("failed to register weekly summary job: %w", err)
	}
	o.cron.Start()

	o.wg.Add(3)
	go o.buyLoop(ctx)
	go o.monitorLoop(ctx)
	go o.integrityLoop(ctx)

	o.log.Info().Msg("Orchestrator started")
	return nil
}

// Stop cancels all loops and waits for their current iteration to finish
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.cron.Stop()
	o.wg.Wait()
	o.log.Info().Msg("Orchestrator stopped")
}

// nextDailyTrigger returns the first instant strictly after now that falls
// at the given offset from the open on a trading day
func (o *Orchestrator) nextDailyTrigger(now time.Time, offset time.Duration) (time.Time, error) {
	cal := o.deps.Calendar
	now = now.In(cal.Location())

	for i := 0; i <= 30; i++ {
		day := now.AddDate(0, 0, i)
		if !cal.IsTradingDay(day) {
			continue
		}
		trigger := cal.OpenOn(day).Add(offset)
		if trigger.After(now) {
			return trigger, nil
		}
	}
	return time.Time{}, market.ErrNoTradingDay
}

// nextMidSessionTrigger returns the first session midpoint strictly after
// now. The half-window offset is computed per trading day from that day's
// open and close rather than a fixed duration.
func (o *Orchestrator) nextMidSessionTrigger(now time.Time) (time.Time, error) {
	cal := o.deps.Calendar
	now = now.In(cal.Location())

	for i := 0; i <= 30; i++ {
		day := now.AddDate(0, 0, i)
		if !cal.IsTradingDay(day) {
			continue
		}
		open := cal.OpenOn(day)
		trigger := open.Add(cal.CloseOn(day).Sub(open) / 2)
		if trigger.After(now) {
			return trigger, nil
		}
	}
	return time.Time{}, market.ErrNoTradingDay
}

// sleepUntil sleeps in capped chunks until the target instant. Returns
// false when the context is cancelled first.
func (o *Orchestrator) sleepUntil(ctx context.Context, target time.Time) bool {
	for {
		d := time.Until(target)
		if d <= 0 {
			return true
		}
		if d > maxSleepChunk {
			d = maxSleepChunk
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// buyLoop fires once per trading day shortly after the open: replays the
// pending queue, then feeds the day's buy signals into each active session.
func (o *Orchestrator) buyLoop(ctx context.Context) {
	defer o.wg.Done()
	log := o.log.With().Str("loop", "buy").Logger()

	for {
		trigger, err := o.nextDailyTrigger(time.Now(), buyDelay)
		if errors.Is(err, market.ErrNoTradingDay) {
			log.Error().Err(err).Msg("Calendar misconfigured, stopping loop")
			return
		}

		log.Debug().Time("next", trigger).Msg("Sleeping until next buy pass")
		if !o.sleepUntil(ctx, trigger) {
			return
		}

		o.runBuyPass(log)
	}
}

func (o *Orchestrator) runBuyPass(log zerolog.Logger) {
	if _, err := o.deps.Queue.Replay(); err != nil {
		log.Error().Err(err).Msg("Pending order replay failed")
	}

	now := time.Now().In(o.deps.Calendar.Location())
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	sigs, err := o.deps.Signals.FreshBuys(startOfDay)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load signal feed")
		return
	}
	if len(sigs) == 0 {
		log.Info().Msg("No fresh signals today")
		return
	}

	sessions, err := o.deps.Sessions.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active sessions")
		return
	}

	log.Info().Int("signals", len(sigs)).Int("sessions", len(sessions)).Msg("Running buy pass")

	for i := range sessions {
		session := &sessions[i]

		for _, sig := range sigs {
			if session.OpenPositions >= session.MaxPositions {
				break
			}

			price, err := o.deps.Prices.GetCurrentPrice(sig.Symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("No live price, skipping signal")
				continue
			}

			_, reason, err := o.deps.Engine.EnterPosition(session, sig, price)
			if err != nil {
				log.Error().Err(err).Str("symbol", sig.Symbol).Str("session_id", session.ID).Msg("Entry failed")
				continue
			}
			if reason != domain.ReasonNone {
				log.Debug().
					Str("symbol", sig.Symbol).
					Str("session_id", session.ID).
					Str("reason", string(reason)).
					Msg("Signal not taken")
			}
		}
	}
}

// monitorLoop prices every open position every few minutes while the
// market is open, executing triggered exits and ratcheting trailing stops.
// While the market is closed it sleeps until the next open.
func (o *Orchestrator) monitorLoop(ctx context.Context) {
	defer o.wg.Done()
	log := o.log.With().Str("loop", "monitor").Logger()

	for {
		now := time.Now()
		if !o.deps.Calendar.IsOpen(now) {
			open, err := o.deps.Calendar.NextOpen(now)
			if err != nil {
				log.Error().Err(err).Msg("Calendar misconfigured, stopping loop")
				return
			}
			log.Debug().Time("next_open", open).Msg("Market closed, sleeping until open")
			if !o.sleepUntil(ctx, open) {
				return
			}
			continue
		}

		o.runMonitorPass(log)

		if !o.sleepUntil(ctx, time.Now().Add(monitorInterval)) {
			return
		}
	}
}

func (o *Orchestrator) runMonitorPass(log zerolog.Logger) {
	sessions, err := o.deps.Sessions.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active sessions")
		return
	}

	for i := range sessions {
		session := &sessions[i]

		open, err := o.deps.Positions.ListOpenBySession(session.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to list open positions")
			continue
		}

		for j := range open {
			o.monitorPosition(session, &open[j], log)
		}
	}
}

func (o *Orchestrator) monitorPosition(session *domain.Session, position *domain.Position, log zerolog.Logger) {
	price, err := o.deps.Prices.GetCurrentPrice(position.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", position.Symbol).Msg("No live price, skipping tick")
		return
	}

	position.CurrentPrice = price
	pnl := o.deps.Account.UnrealizedPnL(position, price)
	position.UnrealizedPnL = pnl.PnL
	position.DaysHeld = int(time.Since(position.EntryAt).Hours() / 24)

	if reason, triggered := o.deps.Engine.CheckExits(position, price); triggered {
		if _, err := o.deps.Engine.ExitPosition(session, position, price, reason); err != nil {
			log.Error().
				Err(err).
				Str("symbol", position.Symbol).
				Str("reason", string(reason)).
				Msg("Exit failed")
		}
		return
	}

	o.deps.Engine.UpdateTrailingStop(position, price)

	if err := o.deps.Positions.UpdateMonitoring(position); err != nil {
		log.Error().Err(err).Str("symbol", position.Symbol).Msg("Failed to persist monitoring update")
	}
}

// integrityLoop runs once per trading day mid-session and heals any drift
// between each session's cached open-position counter and the actual count
// in the positions table.
func (o *Orchestrator) integrityLoop(ctx context.Context) {
	defer o.wg.Done()
	log := o.log.With().Str("loop", "integrity").Logger()

	for {
		trigger, err := o.nextMidSessionTrigger(time.Now())
		if errors.Is(err, market.ErrNoTradingDay) {
			log.Error().Err(err).Msg("Calendar misconfigured, stopping loop")
			return
		}

		if !o.sleepUntil(ctx, trigger) {
			return
		}

		o.runIntegrityPass(log)
	}
}

func (o *Orchestrator) runIntegrityPass(log zerolog.Logger) {
	sessions, err := o.deps.Sessions.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active sessions")
		return
	}

	for i := range sessions {
		session := &sessions[i]

		actual, err := o.deps.Positions.CountOpenBySession(session.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to count open positions")
			continue
		}

		if actual == session.OpenPositions {
			continue
		}

		log.Warn().
			Str("session_id", session.ID).
			Int("cached", session.OpenPositions).
			Int("actual", actual).
			Msg("Open position counter drift detected, healing")

		if err := o.deps.Sessions.SetOpenPositions(session.ID, actual); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to heal position counter")
		}
	}
}

// dailySummaryJob aggregates each session's day into a report
type dailySummaryJob struct{ o *Orchestrator }

func (j *dailySummaryJob) Name() string { return "daily_summary" }

func (j *dailySummaryJob) Run() error {
	o := j.o
	now := time.Now().In(o.deps.Calendar.Location())
	if !o.deps.Calendar.IsTradingDay(now) {
		return nil
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	sessions, err := o.deps.Sessions.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	for i := range sessions {
		session := &sessions[i]

		summary, err := o.deps.Analytics.SummarizeSince(session.ID, startOfDay)
		if err != nil {
			o.log.Error().Err(err).Str("session_id", session.ID).Msg("Daily summary failed")
			continue
		}

		snapshot, err := o.deps.Account.PortfolioSnapshot(session)
		if err != nil {
			o.log.Error().Err(err).Str("session_id", session.ID).Msg("Snapshot for daily summary failed")
			continue
		}

		title := fmt.Sprintf("Daily summary %s", now.Format("2006-01-02"))
		body := formatDailyBody(summary, snapshot)

		o.deps.Notifier.Publish(&notify.SummaryReadyEvent{
			User:  session.UserID,
			Title: title,
			Body:  body,
		})
	}

	return nil
}

// weeklySummaryJob aggregates the week's trades and recomputes
// improvement recommendations from the full trade history
type weeklySummaryJob struct{ o *Orchestrator }

func (j *weeklySummaryJob) Name() string { return "weekly_summary" }

func (j *weeklySummaryJob) Run() error {
	o := j.o
	now := time.Now().In(o.deps.Calendar.Location())
	weekAgo := now.AddDate(0, 0, -7)

	sessions, err := o.deps.Sessions.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	for i := range sessions {
		session := &sessions[i]

		week, err := o.deps.Analytics.SummarizeSince(session.ID, weekAgo)
		if err != nil {
			o.log.Error().Err(err).Str("session_id", session.ID).Msg("Weekly summary failed")
			continue
		}

		all, err := o.deps.Analytics.Summarize(session.ID)
		if err != nil {
			o.log.Error().Err(err).Str("session_id", session.ID).Msg("Full history summary failed")
			continue
		}

		title := fmt.Sprintf("Weekly summary, week ending %s", now.Format("2006-01-02"))
		body := formatWeeklyBody(week, o.deps.Analytics.Recommendations(all))

		o.deps.Notifier.Publish(&notify.SummaryReadyEvent{
			User:  session.UserID,
			Title: title,
			Body:  body,
		})
	}

	return nil
}

func formatDailyBody(s *analytics.Summary, snap *portfolio.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Closed trades: %d (%dW / %dL)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Fprintf(&b, "Day P&L: %+.2f\n", s.TotalPnL)
	fmt.Fprintf(&b, "Available: $%.2f | Deployed: $%.2f\n", snap.AvailableCapital, snap.DeployedCapital)
	fmt.Fprintf(&b, "Unrealized: %+.2f | Return: %+.2f%%", snap.UnrealizedPnL, snap.OverallReturnPct)

	return b.String()
}

func formatWeeklyBody(week *analytics.Summary, recs []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Trades this week: %d (%dW / %dL)\n", week.TotalTrades, week.Wins, week.Losses)
	fmt.Fprintf(&b, "Week P&L: %+.2f\n", week.TotalPnL)
	if week.TotalTrades > 0 {
		fmt.Fprintf(&b, "Win rate: %.0f%% | Avg R: %+.2f\n", week.WinRate, week.AvgRMultiple)
	}

	if len(recs) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, r := range recs {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
