// Package pipeline walks a date range day by day, downloading each day's
// results and filing them into per-day folders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-harvest-news/ledger"
	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/reconcile"
	"github.com/google/uuid"
)

// Searcher narrows the portal search to one day and counts its results.
type Searcher interface {
	ApplyDateFilter(ctx context.Context, day models.Date) error
	CountResults(ctx context.Context) (int, error)
}

// BatchRunner downloads every batch of a day's results.
type BatchRunner interface {
	ProcessDay(ctx context.Context, day models.Date, resultCount int) error
}

// Reconciler moves the files a day produced out of staging.
type Reconciler interface {
	Snapshot() (reconcile.Snapshot, error)
	Reconcile(ctx context.Context, day models.Date, before reconcile.Snapshot) (reconcile.Result, error)
}

// Orchestrator runs days strictly one after another. Staging is shared
// between days, so a day's files must be reconciled before the next day
// requests anything.
type Orchestrator struct {
	runID   string
	search  Searcher
	ledger  ledger.Ledger
	batches BatchRunner
	files   Reconciler
	report  OutputWriter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewOrchestrator wires the components of a run. An empty runID gets a
// random one.
func NewOrchestrator(runID string, search Searcher, l ledger.Ledger, batches BatchRunner, files Reconciler, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if runID == "" {
		runID = uuid.NewString()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		runID:   runID,
		search:  search,
		ledger:  l,
		batches: batches,
		files:   files,
		metrics: m,
		log:     log.With(slog.String("component", "pipeline")),
		now:     time.Now,
	}
}

// SetReport streams every day outcome to w as soon as the day ends.
func (o *Orchestrator) SetReport(w OutputWriter) {
	o.report = w
}

// RunID identifies this run in logs and reports.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run processes every day of r in ascending order. Failed days are recorded
// and skipped over; only cancellation or a ledger failure stops the run
// early, in which case the partial summary is returned with the error.
func (o *Orchestrator) Run(ctx context.Context, r models.DateRange) (*models.Summary, error) {
	summary := &models.Summary{RunID: o.runID, StartedAt: o.now()}
	o.log.Info("run started", slog.String("range", r.String()), slog.Int("days", r.Len()))

	var runErr error
	for day := range r.All() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		outcome, err := o.processDay(ctx, day)
		if outcome != nil {
			summary.Days = append(summary.Days, *outcome)
			o.writeReport(*outcome)
		}
		if err != nil {
			runErr = err
			break
		}
	}

	summary.FinishedAt = o.now()
	o.log.Info("run finished",
		slog.Int("done", summary.Count(models.StatusDone)),
		slog.Int("skipped", summary.Skipped()),
		slog.Int("failed", summary.Count(models.StatusFailed)),
		slog.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, runErr
}

// processDay returns a non-nil error only when the run must stop.
func (o *Orchestrator) processDay(ctx context.Context, day models.Date) (*models.DayOutcome, error) {
	log := o.log.With(slog.String("date", day.String()))
	start := o.now()

	rec, ok, err := o.ledger.Get(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("read ledger for %s: %w", day, err)
	}
	if !ok {
		rec = models.NewProgressRecord(day, start)
	}
	if rec.Status == models.StatusDone {
		log.Debug("already done, skipping")
		o.metrics.IncDay("skipped")
		return &models.DayOutcome{
			Date:        day,
			Status:      models.StatusDone,
			ResultCount: rec.Results(),
			FilesMoved:  rec.FilesMoved,
			Skipped:     true,
		}, nil
	}

	rec.Reset()
	rec.Status = models.StatusInProgress
	rec.ResultCount = nil
	rec.LastError = ""
	rec.LastUpdated = start
	if err := o.ledger.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark %s in progress: %w", day, err)
	}

	count, moved, dayErr := o.download(ctx, day)
	outcome := &models.DayOutcome{
		Date:        day,
		ResultCount: count,
		FilesMoved:  moved,
		Duration:    o.now().Sub(start),
	}

	if ctx.Err() != nil {
		// Left in progress; the next run redoes the whole day.
		log.Warn("interrupted", slog.Any("error", ctx.Err()))
		outcome.Status = models.StatusInProgress
		outcome.Err = ctx.Err()
		return outcome, ctx.Err()
	}

	outcome.Status = models.StatusDone
	if dayErr != nil {
		outcome.Status = models.StatusFailed
		outcome.Err = ErrDayProcessing{Date: day, Err: dayErr}
	}

	if err := o.finish(ctx, day, outcome); err != nil {
		if outcome.Status != models.StatusDone {
			return outcome, fmt.Errorf("record %s as failed: %w", day, err)
		}
		// The ledger refused the completed record; keep the day redoable.
		outcome.Status = models.StatusFailed
		outcome.Err = ErrDayProcessing{Date: day, Err: fmt.Errorf("commit: %w", err)}
		if err := o.finish(ctx, day, outcome); err != nil {
			return outcome, fmt.Errorf("record %s as failed: %w", day, err)
		}
	}

	o.metrics.IncDay(string(outcome.Status))
	o.metrics.ObserveDay(outcome.Duration)
	if outcome.Err != nil {
		log.Error("day failed", slog.Any("error", outcome.Err), slog.Duration("elapsed", outcome.Duration))
	} else {
		log.Info("day done",
			slog.Int("results", count),
			slog.Int("files", moved),
			slog.Duration("elapsed", outcome.Duration),
		)
	}
	return outcome, nil
}

// download filters, downloads and reconciles one day.
func (o *Orchestrator) download(ctx context.Context, day models.Date) (count, moved int, err error) {
	before, err := o.files.Snapshot()
	if err != nil {
		return 0, 0, reconcile.ErrReconciliation{Date: day, Err: fmt.Errorf("snapshot staging: %w", err)}
	}

	if err := o.search.ApplyDateFilter(ctx, day); err != nil {
		return 0, 0, err
	}
	count, err = o.search.CountResults(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count results: %w", err)
	}
	if err := o.update(ctx, day, func(rec *models.ProgressRecord) {
		rec.SetResultCount(count)
	}); err != nil {
		return count, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}

	if err := o.batches.ProcessDay(ctx, day, count); err != nil {
		return count, 0, err
	}

	res, err := o.files.Reconcile(ctx, day, before)
	if err != nil {
		return count, res.Moved, err
	}
	return count, res.Moved, nil
}

func (o *Orchestrator) finish(ctx context.Context, day models.Date, outcome *models.DayOutcome) error {
	return o.update(ctx, day, func(rec *models.ProgressRecord) {
		rec.Status = outcome.Status
		rec.FilesMoved = outcome.FilesMoved
		rec.Duration = outcome.Duration
		rec.LastError = ""
		if outcome.Err != nil {
			rec.LastError = outcome.Err.Error()
		}
	})
}

// update re-reads the day's record so batch progress written by the
// controller is kept, applies fn and persists the result.
func (o *Orchestrator) update(ctx context.Context, day models.Date, fn func(*models.ProgressRecord)) error {
	rec, ok, err := o.ledger.Get(ctx, day)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ledger record vanished")
	}
	fn(&rec)
	rec.LastUpdated = o.now()
	return o.ledger.Upsert(ctx, rec)
}

func (o *Orchestrator) writeReport(outcome models.DayOutcome) {
	if o.report == nil {
		return
	}
	if err := o.report.Write(o.runID, []models.DayOutcome{outcome}); err != nil {
		o.log.Error("write report", slog.Any("error", err))
	}
}
