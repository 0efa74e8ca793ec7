package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aluiziolira/go-harvest-news/ledger"
	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/portal"
)

// Downloader is the part of portal.Session the controller drives.
type Downloader interface {
	RequestBatchDownload(ctx context.Context, batch models.BatchSpec) error
	AwaitDownloadReady(ctx context.Context, timeout time.Duration) error
}

var _ Downloader = portal.Session(nil)

// Options tunes the per-batch wait and retry behaviour.
type Options struct {
	BatchSize       int
	ReadyTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// DefaultOptions mirrors the portal's limits: 250 documents per request and
// up to two minutes for a delivery to be prepared.
func DefaultOptions() Options {
	return Options{
		BatchSize:       models.MaxBatchSize,
		ReadyTimeout:    2 * time.Minute,
		MaxRetries:      3,
		RetryBackoff:    5 * time.Second,
		RetryBackoffMax: time.Minute,
	}
}

// Controller downloads a day's results batch by batch. Batches are strictly
// sequential; the portal serialises deliveries per session.
type Controller struct {
	session Downloader
	ledger  ledger.Ledger
	opts    Options
	metrics *metrics.Metrics
	log     *slog.Logger

	// sleep waits for d or until ctx is done; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController builds a controller persisting batch progress to l.
func NewController(session Downloader, l ledger.Ledger, opts Options, m *metrics.Metrics, log *slog.Logger) *Controller {
	if opts.BatchSize <= 0 || opts.BatchSize > models.MaxBatchSize {
		opts.BatchSize = models.MaxBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		session: session,
		ledger:  l,
		opts:    opts,
		metrics: m,
		log:     log.With(slog.String("component", "batch")),
		sleep:   sleepContext,
	}
}

// ProcessDay requests every batch of day's resultCount results. After each
// delivered batch the day's ledger record gains one completed batch. A batch
// that keeps failing aborts the day with ErrBatchDownload.
func (c *Controller) ProcessDay(ctx context.Context, day models.Date, resultCount int) error {
	batches := Plan(resultCount, c.opts.BatchSize)
	log := c.log.With(slog.String("date", day.String()))
	log.Info("downloading day", slog.Int("results", resultCount), slog.Int("batches", len(batches)))

	for i, b := range batches {
		if err := c.runBatch(ctx, b); err != nil {
			c.metrics.IncBatch("failed")
			return ErrBatchDownload{Date: day, Batch: b, Err: err}
		}
		c.metrics.IncBatch("completed")
		if err := c.recordBatch(ctx, day, b); err != nil {
			return fmt.Errorf("record batch %s of %s: %w", b, day, err)
		}
		log.Debug("batch delivered",
			slog.String("batch", b.String()),
			slog.Int("done", i+1),
			slog.Int("total", len(batches)),
		)
	}
	return nil
}

// runBatch requests b and waits for delivery, retrying with capped
// exponential backoff while the failure is retryable.
func (c *Controller) runBatch(ctx context.Context, b models.BatchSpec) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.IncRetries()
			delay := c.backoff(attempt)
			c.log.Warn("retrying batch",
				slog.String("batch", b.String()),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := c.session.RequestBatchDownload(ctx, b)
		if err == nil {
			err = c.session.AwaitDownloadReady(ctx, c.opts.ReadyTimeout)
		}
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.metrics.IncError(portal.ErrorTypeLabel(err))
		lastErr = err
		if !portal.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.opts.MaxRetries+1, lastErr)
}

func (c *Controller) recordBatch(ctx context.Context, day models.Date, b models.BatchSpec) error {
	rec, ok, err := c.ledger.Get(ctx, day)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no ledger record for day")
	}
	rec.BatchesCompleted++
	rec.Downloaded += b.Size()
	rec.LastUpdated = time.Now()
	return c.ledger.Upsert(ctx, rec)
}

func (c *Controller) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := c.opts.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	max := c.opts.RetryBackoffMax
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max {
			break
		}
		if delay > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
