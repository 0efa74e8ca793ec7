package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-harvest-news/models"
)

// FilterLayout is the day format the portal's timeline inputs expect.
const FilterLayout = "02/01/2006"

// ValidateRecord ensures a ledger record is internally consistent before it
// is persisted.
func ValidateRecord(r *models.ProgressRecord, batchSize int) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("record missing date")
	}
	if _, err := models.ParseStatus(string(r.Status)); err != nil {
		return fmt.Errorf("record %s: %w", r.Date, err)
	}
	if r.ResultCount != nil && *r.ResultCount < 0 {
		return fmt.Errorf("record %s has negative result count %d", r.Date, *r.ResultCount)
	}
	if r.BatchesCompleted < 0 {
		return fmt.Errorf("record %s has negative batch count %d", r.Date, r.BatchesCompleted)
	}
	if r.Status == models.StatusDone {
		if r.ResultCount == nil {
			return fmt.Errorf("record %s is done without a result count", r.Date)
		}
		if want := r.ExpectedBatches(batchSize); r.BatchesCompleted != want {
			return fmt.Errorf("record %s is done with %d batches, want %d", r.Date, r.BatchesCompleted, want)
		}
	}
	return nil
}

// ParseResultCount converts the portal's displayed result count to an int.
// The portal renders thousands separators and a trailing "+" for capped
// counts ("1.234+"); anything unparseable counts as zero.
func ParseResultCount(raw string) int {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, "+", "")
	cleaned = strings.TrimSpace(cleaned)
	n, err := strconv.Atoi(cleaned)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// FormatFilterDate renders d for the portal's date filter.
func FormatFilterDate(d models.Date) string {
	return d.Format(FilterLayout)
}

// ParseBool reads the "True"/"False" flags of legacy progress files.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
