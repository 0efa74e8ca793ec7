package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-harvest-news/ledger"
	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/portal"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPlanCoversResultsExactlyOnce(t *testing.T) {
	for _, count := range []int{0, 1, 249, 250, 251, 499, 500, 501, 560, 1234, 10000} {
		batches := Plan(count, models.MaxBatchSize)

		next := 1
		for i, b := range batches {
			if b.Start != next {
				t.Fatalf("count=%d batch %d starts at %d, want %d", count, i, b.Start, next)
			}
			if b.End < b.Start {
				t.Fatalf("count=%d batch %d is empty: %v", count, i, b)
			}
			if i < len(batches)-1 && b.Size() != models.MaxBatchSize {
				t.Fatalf("count=%d batch %d has size %d, want %d", count, i, b.Size(), models.MaxBatchSize)
			}
			if b.Size() > models.MaxBatchSize {
				t.Fatalf("count=%d batch %d exceeds limit: %d", count, i, b.Size())
			}
			next = b.End + 1
		}
		if next != count+1 {
			t.Fatalf("count=%d batches end at %d, want %d", count, next-1, count)
		}
	}
}

func TestPlanExamples(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  []models.BatchSpec
	}{
		{name: "zero", count: 0, want: nil},
		{name: "exact page", count: 250, want: []models.BatchSpec{{Start: 1, End: 250}}},
		{name: "one over", count: 251, want: []models.BatchSpec{{Start: 1, End: 250}, {Start: 251, End: 251}}},
		{name: "short tail", count: 560, want: []models.BatchSpec{{Start: 1, End: 250}, {Start: 251, End: 500}, {Start: 501, End: 560}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.count, models.MaxBatchSize)
			if len(got) != len(tt.want) {
				t.Fatalf("Plan(%d) = %v, want %v", tt.count, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Plan(%d)[%d] = %v, want %v", tt.count, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// scriptedDownloader fails awaits according to script, keyed by call order.
type scriptedDownloader struct {
	mu        sync.Mutex
	requests  []models.BatchSpec
	awaits    int
	awaitErrs []error
	inFlight  bool
	overlap   bool
}

func (d *scriptedDownloader) RequestBatchDownload(ctx context.Context, b models.BatchSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		d.overlap = true
	}
	d.inFlight = true
	d.requests = append(d.requests, b)
	return nil
}

func (d *scriptedDownloader) AwaitDownloadReady(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	idx := d.awaits
	d.awaits++
	if idx < len(d.awaitErrs) {
		return d.awaitErrs[idx]
	}
	return nil
}

func newTestController(t *testing.T, d Downloader, opts Options) (*Controller, *ledger.Memory, *[]time.Duration) {
	t.Helper()
	l := ledger.NewMemory()
	c := NewController(d, l, opts, metrics.New(), nil)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, delay time.Duration) error {
		slept = append(slept, delay)
		return ctx.Err()
	}
	return c, l, &slept
}

func seedInProgress(t *testing.T, l ledger.Ledger, day models.Date, count int) {
	t.Helper()
	rec := models.NewProgressRecord(day, time.Now())
	rec.Status = models.StatusInProgress
	rec.SetResultCount(count)
	if err := l.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestProcessDayRequestsBatchesInOrderAndRecordsProgress(t *testing.T) {
	day := models.NewDate(2025, time.January, 5)
	d := &scriptedDownloader{}
	c, l, _ := newTestController(t, d, DefaultOptions())
	seedInProgress(t, l, day, 560)

	if err := c.ProcessDay(context.Background(), day, 560); err != nil {
		t.Fatalf("process day: %v", err)
	}

	want := []models.BatchSpec{{Start: 1, End: 250}, {Start: 251, End: 500}, {Start: 501, End: 560}}
	if len(d.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", d.requests, want)
	}
	for i := range want {
		if d.requests[i] != want[i] {
			t.Fatalf("request %d = %v, want %v", i, d.requests[i], want[i])
		}
	}
	if d.overlap {
		t.Fatalf("a batch was requested before the previous one was delivered")
	}

	rec, _, _ := l.Get(context.Background(), day)
	if rec.BatchesCompleted != 3 {
		t.Fatalf("batches completed = %d, want 3", rec.BatchesCompleted)
	}
	if rec.Downloaded != 560 {
		t.Fatalf("downloaded = %d, want 560", rec.Downloaded)
	}
}

func TestProcessDayRetriesTransientFailures(t *testing.T) {
	day := models.NewDate(2025, time.January, 6)
	d := &scriptedDownloader{awaitErrs: []error{
		portal.ErrTimeout{Err: errors.New("no ready signal")},
		portal.ErrRateLimited{Err: errors.New("429")},
	}}
	opts := DefaultOptions()
	opts.MaxRetries = 3
	opts.RetryBackoff = time.Second
	opts.RetryBackoffMax = 10 * time.Second
	c, l, slept := newTestController(t, d, opts)
	seedInProgress(t, l, day, 100)

	if err := c.ProcessDay(context.Background(), day, 100); err != nil {
		t.Fatalf("process day: %v", err)
	}
	if len(d.requests) != 3 {
		t.Fatalf("requests = %d, want 3 (two retries)", len(d.requests))
	}
	for _, r := range d.requests {
		if r != (models.BatchSpec{Start: 1, End: 100}) {
			t.Fatalf("retry requested a different batch: %v", r)
		}
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("backoff delays = %v, want [1s 2s]", *slept)
	}
	if got := testutil.ToFloat64(c.metrics.RetriesTotal); got != 2 {
		t.Fatalf("retries metric = %v, want 2", got)
	}
}

func TestProcessDayEscalatesAfterRetriesExhausted(t *testing.T) {
	day := models.NewDate(2025, time.January, 7)
	timeout := portal.ErrTimeout{Err: errors.New("no ready signal")}
	d := &scriptedDownloader{awaitErrs: []error{nil, timeout, timeout, timeout}}
	opts := DefaultOptions()
	opts.MaxRetries = 2
	c, l, _ := newTestController(t, d, opts)
	seedInProgress(t, l, day, 300)

	err := c.ProcessDay(context.Background(), day, 300)
	var batchErr ErrBatchDownload
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected ErrBatchDownload, got %v", err)
	}
	if batchErr.Batch != (models.BatchSpec{Start: 251, End: 300}) || !batchErr.Date.Equal(day) {
		t.Fatalf("unexpected failing batch: %+v", batchErr)
	}
	if portal.ErrorTypeLabel(err) != "timeout" {
		t.Fatalf("cause not preserved: %v", err)
	}
	if len(d.requests) != 4 {
		t.Fatalf("requests = %d, want 1 + 3 attempts", len(d.requests))
	}

	rec, _, _ := l.Get(context.Background(), day)
	if rec.BatchesCompleted != 1 {
		t.Fatalf("batches completed = %d, want 1", rec.BatchesCompleted)
	}
}

func TestProcessDayDoesNotRetryPermanentFailures(t *testing.T) {
	day := models.NewDate(2025, time.January, 8)
	d := &scriptedDownloader{awaitErrs: []error{portal.ErrForbidden{Err: errors.New("session expired")}}}
	c, l, slept := newTestController(t, d, DefaultOptions())
	seedInProgress(t, l, day, 10)

	if err := c.ProcessDay(context.Background(), day, 10); err == nil {
		t.Fatalf("expected failure")
	}
	if len(d.requests) != 1 || len(*slept) != 0 {
		t.Fatalf("permanent failure was retried: requests=%d sleeps=%d", len(d.requests), len(*slept))
	}
}

func TestProcessDayZeroResultsRequestsNothing(t *testing.T) {
	day := models.NewDate(2025, time.January, 9)
	d := &scriptedDownloader{}
	c, l, _ := newTestController(t, d, DefaultOptions())
	seedInProgress(t, l, day, 0)

	if err := c.ProcessDay(context.Background(), day, 0); err != nil {
		t.Fatalf("process day: %v", err)
	}
	if len(d.requests) != 0 {
		t.Fatalf("requests = %d, want 0", len(d.requests))
	}
}

func TestProcessDayStopsOnCancellation(t *testing.T) {
	day := models.NewDate(2025, time.January, 10)
	ctx, cancel := context.WithCancel(context.Background())
	d := &scriptedDownloader{awaitErrs: []error{portal.ErrTimeout{Err: errors.New("slow")}}}
	c, l, _ := newTestController(t, d, DefaultOptions())
	c.sleep = func(ctx context.Context, delay time.Duration) error {
		cancel()
		return ctx.Err()
	}
	seedInProgress(t, l, day, 10)

	err := c.ProcessDay(ctx, day, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	opts := DefaultOptions()
	opts.RetryBackoff = 200 * time.Millisecond
	opts.RetryBackoffMax = 500 * time.Millisecond
	c := NewController(&scriptedDownloader{}, ledger.NewMemory(), opts, nil, nil)

	if delay := c.backoff(4); delay > opts.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, opts.RetryBackoffMax)
	}
	if delay := c.backoff(1); delay != 200*time.Millisecond {
		t.Fatalf("first delay = %v, want 200ms", delay)
	}

	long := NewController(&scriptedDownloader{}, ledger.NewMemory(), DefaultOptions(), nil, nil)
	for _, attempt := range []int{31, 32, 35, 60, 64, 1000} {
		if delay := long.backoff(attempt); delay != time.Minute {
			t.Fatalf("attempt %d delay = %v, want 1m", attempt, delay)
		}
	}

	uncapped := DefaultOptions()
	uncapped.RetryBackoffMax = 0
	c = NewController(&scriptedDownloader{}, ledger.NewMemory(), uncapped, nil, nil)
	if delay := c.backoff(100); delay <= 0 {
		t.Fatalf("uncapped delay = %v, want positive", delay)
	}
}
