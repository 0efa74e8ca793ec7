package parser

import (
	"testing"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
)

func intPtr(n int) *int { return &n }

func TestValidateRecord(t *testing.T) {
	day := models.NewDate(2025, time.January, 3)
	tests := []struct {
		name    string
		record  *models.ProgressRecord
		wantErr bool
	}{
		{
			name:    "pending without count",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusPending},
			wantErr: false,
		},
		{
			name:    "done with matching batches",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusDone, ResultCount: intPtr(560), BatchesCompleted: 3},
			wantErr: false,
		},
		{
			name:    "done with zero results",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusDone, ResultCount: intPtr(0)},
			wantErr: false,
		},
		{
			name:    "nil record",
			record:  nil,
			wantErr: true,
		},
		{
			name:    "missing date",
			record:  &models.ProgressRecord{Status: models.StatusPending},
			wantErr: true,
		},
		{
			name:    "unknown status",
			record:  &models.ProgressRecord{Date: day, Status: "complete"},
			wantErr: true,
		},
		{
			name:    "done without count",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusDone},
			wantErr: true,
		},
		{
			name:    "done with short batch count",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusDone, ResultCount: intPtr(251), BatchesCompleted: 1},
			wantErr: true,
		},
		{
			name:    "negative count",
			record:  &models.ProgressRecord{Date: day, Status: models.StatusFailed, ResultCount: intPtr(-1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.record, models.MaxBatchSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseResultCount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{name: "plain", input: "560", expected: 560},
		{name: "thousands separator", input: "1.234", expected: 1234},
		{name: "capped count", input: "10.000+", expected: 10000},
		{name: "whitespace", input: "  42 ", expected: 42},
		{name: "comma separator", input: "2,500", expected: 2500},
		{name: "empty", input: "", expected: 0},
		{name: "garbage", input: "n/a", expected: 0},
		{name: "negative", input: "-3", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseResultCount(tt.input); got != tt.expected {
				t.Errorf("ParseResultCount(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatFilterDate(t *testing.T) {
	got := FormatFilterDate(models.NewDate(2025, time.March, 7))
	if got != "07/03/2025" {
		t.Errorf("FormatFilterDate() = %q, want %q", got, "07/03/2025")
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"True", true},
		{"true", true},
		{"1", true},
		{"False", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := ParseBool(tt.input); got != tt.expected {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}
