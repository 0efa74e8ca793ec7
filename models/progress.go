package models

import (
	"fmt"
	"time"
)

// MaxBatchSize is the largest number of documents the portal delivers in a
// single download request.
const MaxBatchSize = 250

// Status is the lifecycle state of a day in the progress ledger.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusDone, StatusFailed}

// ParseStatus validates a persisted status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// ProgressRecord is the ledger entry for one day.
type ProgressRecord struct {
	Date             Date
	Status           Status
	ResultCount      *int
	BatchesCompleted int
	Downloaded       int
	FilesMoved       int
	Duration         time.Duration
	LastError        string
	LastUpdated      time.Time
}

// NewProgressRecord returns a pending record for d.
func NewProgressRecord(d Date, now time.Time) ProgressRecord {
	return ProgressRecord{Date: d, Status: StatusPending, LastUpdated: now.UTC()}
}

// SetResultCount stores n as the day's result count.
func (r *ProgressRecord) SetResultCount(n int) {
	r.ResultCount = &n
}

// Results returns the result count, or 0 when it is unknown.
func (r ProgressRecord) Results() int {
	if r.ResultCount == nil {
		return 0
	}
	return *r.ResultCount
}

// ExpectedBatches is ceil(resultCount / batchSize); 0 while the count is
// unknown.
func (r ProgressRecord) ExpectedBatches(batchSize int) int {
	if r.ResultCount == nil || batchSize <= 0 {
		return 0
	}
	return (*r.ResultCount + batchSize - 1) / batchSize
}

// Reset drops per-attempt progress so the day is redone from scratch.
func (r *ProgressRecord) Reset() {
	r.Status = StatusPending
	r.BatchesCompleted = 0
	r.Downloaded = 0
	r.FilesMoved = 0
}

// BatchSpec is a 1-based inclusive slice of a day's results.
type BatchSpec struct {
	Start int
	End   int
}

// Size returns the number of documents in the batch.
func (b BatchSpec) Size() int {
	return b.End - b.Start + 1
}

// String renders the batch the way the portal range field expects it.
func (b BatchSpec) String() string {
	return fmt.Sprintf("%d-%d", b.Start, b.End)
}

// DayOutcome is the final state of one day within a run.
type DayOutcome struct {
	Date        Date
	Status      Status
	ResultCount int
	FilesMoved  int
	Skipped     bool
	Duration    time.Duration
	Err         error
}

// Summary holds the overall result of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Days       []DayOutcome
}

// Count returns how many days ended in status.
func (s *Summary) Count(status Status) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Days {
		if d.Status == status {
			n++
		}
	}
	return n
}

// Skipped returns how many days were already done before the run.
func (s *Summary) Skipped() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Days {
		if d.Skipped {
			n++
		}
	}
	return n
}

// Failed returns the outcomes of days that ended failed.
func (s *Summary) Failed() []DayOutcome {
	if s == nil {
		return nil
	}
	var out []DayOutcome
	for _, d := range s.Days {
		if d.Status == StatusFailed {
			out = append(out, d)
		}
	}
	return out
}
