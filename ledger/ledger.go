// Package ledger persists per-day progress so a harvest can resume after an
// interruption. Every mutation is durable before Upsert returns.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/parser"
)

// Ledger is the durable Date -> ProgressRecord mapping. A record left
// in_progress by a crashed run is reported as pending with its batch
// progress cleared.
type Ledger interface {
	Get(ctx context.Context, day models.Date) (models.ProgressRecord, bool, error)
	Upsert(ctx context.Context, rec models.ProgressRecord) error
	All(ctx context.Context) ([]models.ProgressRecord, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Open opens the ledger stored at path with the named backend.
func Open(backend, path string) (Ledger, error) {
	switch backend {
	case BackendCSV, "":
		l, err := OpenCSV(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case BackendSQLite:
		l, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", backend)
	}
}

// Seed creates a pending record for every day of r that has none yet.
// Existing records are left untouched. It returns the number created.
func Seed(ctx context.Context, l Ledger, r models.DateRange, now time.Time) (int, error) {
	created := 0
	for day := range r.All() {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		_, ok, err := l.Get(ctx, day)
		if err != nil {
			return created, err
		}
		if ok {
			continue
		}
		if err := l.Upsert(ctx, models.NewProgressRecord(day, now)); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Tally counts records per status.
func Tally(records []models.ProgressRecord) map[models.Status]int {
	out := make(map[models.Status]int, len(models.Statuses))
	for _, rec := range records {
		out[rec.Status]++
	}
	return out
}

func prepare(rec models.ProgressRecord) (models.ProgressRecord, error) {
	if err := parser.ValidateRecord(&rec, models.MaxBatchSize); err != nil {
		return rec, fmt.Errorf("invalid progress record: %w", err)
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now()
	}
	rec.LastUpdated = rec.LastUpdated.UTC()
	return rec, nil
}

// recoverInterrupted turns an interrupted day back into a pending one.
func recoverInterrupted(rec models.ProgressRecord) models.ProgressRecord {
	if rec.Status == models.StatusInProgress {
		rec.Reset()
	}
	return rec
}

func sortRecords(records []models.ProgressRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})
}

func cloneRecord(rec models.ProgressRecord) models.ProgressRecord {
	if rec.ResultCount != nil {
		n := *rec.ResultCount
		rec.ResultCount = &n
	}
	return rec
}
