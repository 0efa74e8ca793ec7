package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
)

// OutputWriter receives the outcome of every day of a run.
type OutputWriter interface {
	Write(runID string, outcomes []models.DayOutcome) error
	Close() error
	Validate() error
}

// reportRow is the serialised form of a DayOutcome.
type reportRow struct {
	RunID       string  `json:"run_id"`
	Date        string  `json:"date"`
	Status      string  `json:"status"`
	Skipped     bool    `json:"skipped"`
	ResultCount int     `json:"result_count"`
	FilesMoved  int     `json:"files_moved"`
	Seconds     float64 `json:"seconds"`
	Error       string  `json:"error,omitempty"`
}

func newReportRow(runID string, o models.DayOutcome) reportRow {
	row := reportRow{
		RunID:       runID,
		Date:        o.Date.String(),
		Status:      string(o.Status),
		Skipped:     o.Skipped,
		ResultCount: o.ResultCount,
		FilesMoved:  o.FilesMoved,
		Seconds:     o.Duration.Round(10 * time.Millisecond).Seconds(),
	}
	if o.Err != nil {
		row.Error = o.Err.Error()
	}
	return row
}

var reportHeader = []string{"run_id", "date", "status", "skipped", "result_count", "files_moved", "seconds", "error"}

// CSVWriter writes day outcomes to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(reportHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends outcomes to the CSV output.
func (cw *CSVWriter) Write(runID string, outcomes []models.DayOutcome) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, o := range outcomes {
		row := newReportRow(runID, o)
		record := []string{
			row.RunID,
			row.Date,
			row.Status,
			strconv.FormatBool(row.Skipped),
			strconv.Itoa(row.ResultCount),
			strconv.Itoa(row.FilesMoved),
			strconv.FormatFloat(row.Seconds, 'f', 2, 64),
			row.Error,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends outcomes in JSONL format.
func (jw *JSONWriter) Write(runID string, outcomes []models.DayOutcome) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, o := range outcomes {
		if err := jw.encoder.Encode(newReportRow(runID, o)); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
