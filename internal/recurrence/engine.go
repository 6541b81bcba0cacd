package recurrence

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

// Catch-up policies for schedules whose next_fire_date lies several periods
// in the past.
const (
	// CatchUpOnePerCycle fires once per cycle and advances from the stored
	// date, so every missed period is eventually billed.
	CatchUpOnePerCycle = "one_per_cycle"
	// CatchUpCollapse fires once and jumps to the first date after today.
	CatchUpCollapse = "collapse"
)

// Repository is the persistence boundary for recurring schedules.
type Repository interface {
	// FindDue returns active schedules with next_fire_date <= today, within
	// their start/end bounds and under their occurrence cap.
	FindDue(ctx context.Context, today time.Time) ([]types.RecurringSchedule, error)

	// Advance records one firing if the stored next_fire_date still equals
	// adv.ExpectedNextFire. It increments occurrences_generated, sets
	// next_fire_date and last_fired_at, and deactivates the schedule when the
	// cap is reached, all atomically. Returns false if another worker won.
	Advance(ctx context.Context, adv types.ScheduleAdvance) (bool, error)

	// Deactivate soft-disables a schedule.
	Deactivate(ctx context.Context, id string) error
}

// Notifier delivers the post-generation notice for a schedule that has a
// contact channel configured.
type Notifier interface {
	InvoiceGenerated(ctx context.Context, s types.RecurringSchedule, inv *types.Invoice) error
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFired
	outcomeFailed
)

// Engine runs recurrence cycles.
type Engine struct {
	repo      Repository
	generator types.InvoiceGenerator
	notifier  Notifier
	cfg       config.RecurrenceConfig
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. notifier may be nil to disable notices.
func NewEngine(repo Repository, generator types.InvoiceGenerator, notifier Notifier, cfg config.RecurrenceConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		if cfg.Timezone != "" {
			logger.Warn("unknown recurrence timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		}
		loc = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 5 * time.Minute
	}
	return &Engine{
		repo:      repo,
		generator: generator,
		notifier:  notifier,
		cfg:       cfg,
		location:  loc,
		logger:    logger,
		now:       time.Now,
	}
}

// Today returns the current calendar date in the configured timezone.
func (e *Engine) Today() time.Time {
	return DateOf(e.now().In(e.location))
}

// RunCycle fires every schedule due on today. Schedules are processed in
// parallel up to the configured concurrency; one schedule's generation
// failure is logged and never stops the others.
//
// A repository failure aborts the cycle and is returned together with the
// partial summary. Nothing is written for schedules that were not reached;
// they stay due for the next cycle.
func (e *Engine) RunCycle(ctx context.Context, today time.Time) (types.CycleSummary, error) {
	today = DateOf(today)

	due, err := e.repo.FindDue(ctx, today)
	if err != nil {
		return types.CycleSummary{}, fmt.Errorf("finding due schedules: %w", err)
	}

	e.logger.InfoContext(ctx, "recurrence cycle started",
		"today", today.Format(time.DateOnly),
		"due_count", len(due),
	)

	var (
		mu      sync.Mutex
		summary types.CycleSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, s := range due {
		g.Go(func() error {
			res, err := e.fire(gctx, s, today)

			mu.Lock()
			switch res {
			case outcomeFired:
				summary.Fired++
			case outcomeFailed:
				summary.Failed++
			default:
				summary.Skipped++
			}
			mu.Unlock()

			return err
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.ErrorContext(ctx, "recurrence cycle aborted",
			"fired", summary.Fired,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
			"error", err,
		)
		return summary, fmt.Errorf("recurrence cycle aborted: %w", err)
	}

	e.logger.InfoContext(ctx, "recurrence cycle complete",
		"fired", summary.Fired,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

// fire processes one schedule. A non-nil error means the cycle must abort.
func (e *Engine) fire(ctx context.Context, s types.RecurringSchedule, today time.Time) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcomeSkipped, err
	}
	if !Eligible(&s, today) {
		e.logger.DebugContext(ctx, "schedule no longer eligible", "schedule_id", s.ID)
		return outcomeSkipped, nil
	}

	next, err := e.nextFire(s, today)
	if err != nil {
		e.logger.ErrorContext(ctx, "cannot compute next fire date",
			"schedule_id", s.ID,
			"frequency", s.Frequency,
			"interval", s.Interval,
			"error", err,
		)
		return outcomeFailed, nil
	}

	key := IdempotencyKey(s.ID, s.NextFireDate)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GeneratorTimeout)
	inv, err := e.generator.Generate(callCtx, types.InvoiceRequest{
		CustomerID: s.CustomerID,
		ScheduleID: s.ID,
		DueDate:    DateOf(s.NextFireDate),
		Payload:    s.PayloadTemplate,
	}, key)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSkipped, ctx.Err()
		}
		e.logger.ErrorContext(ctx, "invoice generation failed, schedule stays due",
			"schedule_id", s.ID,
			"customer_id", s.CustomerID,
			"next_fire_date", s.NextFireDate.Format(time.DateOnly),
			"idempotency_key", key,
			"error", err,
		)
		return outcomeFailed, nil
	}

	advanced, err := e.repo.Advance(ctx, types.ScheduleAdvance{
		ScheduleID:       s.ID,
		ExpectedNextFire: s.NextFireDate,
		NextFire:         next,
		FiredAt:          e.now().UTC(),
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("advancing schedule %s: %w", s.ID, err)
	}
	if !advanced {
		// The invoice call above reused the winner's idempotency key, so no
		// second invoice exists.
		e.logger.WarnContext(ctx, "schedule advanced by another worker",
			"schedule_id", s.ID,
			"expected_next_fire_date", s.NextFireDate.Format(time.DateOnly),
		)
		return outcomeSkipped, nil
	}

	e.logger.InfoContext(ctx, "schedule fired",
		"schedule_id", s.ID,
		"invoice_id", inv.ID,
		"next_fire_date", next.Format(time.DateOnly),
	)
	e.notify(ctx, s, inv)
	return outcomeFired, nil
}

func (e *Engine) nextFire(s types.RecurringSchedule, today time.Time) (time.Time, error) {
	next, err := NextDate(DateOf(s.NextFireDate), s.Frequency, s.Interval)
	if err != nil {
		return time.Time{}, err
	}
	if e.cfg.CatchUp != CatchUpCollapse {
		return next, nil
	}
	for !next.After(today) {
		if next, err = NextDate(next, s.Frequency, s.Interval); err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}

// notify is best effort: a failure is logged and never undoes the firing.
func (e *Engine) notify(ctx context.Context, s types.RecurringSchedule, inv *types.Invoice) {
	if e.notifier == nil || s.Notify == nil || !e.cfg.NotifyOnGeneration {
		return
	}
	if err := e.notifier.InvoiceGenerated(ctx, s, inv); err != nil {
		e.logger.WarnContext(ctx, "failed to enqueue invoice notice",
			"schedule_id", s.ID,
			"channel", s.Notify.Type,
			"error", err,
		)
	}
}

// Deactivate soft-disables a schedule on operator request.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	if err := e.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "schedule deactivated", "schedule_id", id)
	return nil
}

// IdempotencyKey derives the invoice idempotency key for one firing of a
// schedule. It depends only on the schedule ID and the due date being
// billed, so every retry of that firing presents the same key.
func IdempotencyKey(scheduleID string, due time.Time) string {
	sum := blake2b.Sum256([]byte(scheduleID + "|" + DateOf(due).Format(time.DateOnly)))
	return "rec_" + hex.EncodeToString(sum[:16])
}
