package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/parser"
)

var csvHeader = []string{
	"date",
	"status",
	"result_count",
	"batches_completed",
	"num_downloaded",
	"files_moved",
	"time_taken",
	"last_error",
	"last_updated",
}

// CSVLedger keeps the ledger as a human-readable CSV file. The whole file is
// rewritten through a temporary file and renamed into place on every upsert.
type CSVLedger struct {
	path string

	mu      sync.Mutex
	records map[string]models.ProgressRecord
}

// OpenCSV loads the ledger at path, creating it when missing. Files written
// in the older progress layout (date,completed,num_docs,...) are
// imported and rewritten in the current layout on the next upsert.
func OpenCSV(path string) (*CSVLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	l := &CSVLedger{
		path:    filepath.Clean(path),
		records: make(map[string]models.ProgressRecord),
	}

	f, err := os.Open(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := l.persistLocked(); err != nil {
			return nil, err
		}
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	records, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}
	for _, rec := range records {
		key := rec.Date.String()
		if _, dup := l.records[key]; dup {
			return nil, fmt.Errorf("read ledger %s: duplicate date %s", l.path, key)
		}
		l.records[key] = recoverInterrupted(rec)
	}
	return l, nil
}

// Path returns the file backing the ledger.
func (l *CSVLedger) Path() string {
	return l.path
}

func (l *CSVLedger) Get(ctx context.Context, day models.Date) (models.ProgressRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ProgressRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[day.String()]
	return cloneRecord(rec), ok, nil
}

func (l *CSVLedger) Upsert(ctx context.Context, rec models.ProgressRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := prepare(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := prepared.Date.String()
	previous, existed := l.records[key]
	l.records[key] = cloneRecord(prepared)
	if err := l.persistLocked(); err != nil {
		if existed {
			l.records[key] = previous
		} else {
			delete(l.records, key)
		}
		return err
	}
	return nil
}

func (l *CSVLedger) All(ctx context.Context) ([]models.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(), nil
}

// Close is a no-op; every upsert is already on disk.
func (l *CSVLedger) Close() error {
	return nil
}

func (l *CSVLedger) sortedLocked() []models.ProgressRecord {
	out := make([]models.ProgressRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out
}

func (l *CSVLedger) persistLocked() error {
	if err := ensureDir(l.path); err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, rec := range l.sortedLocked() {
		if err := writer.Write(encodeRow(rec)); err != nil {
			f.Close()
			return fmt.Errorf("write ledger record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func encodeRow(rec models.ProgressRecord) []string {
	count := ""
	if rec.ResultCount != nil {
		count = strconv.Itoa(*rec.ResultCount)
	}
	return []string{
		rec.Date.String(),
		string(rec.Status),
		count,
		strconv.Itoa(rec.BatchesCompleted),
		strconv.Itoa(rec.Downloaded),
		strconv.Itoa(rec.FilesMoved),
		strconv.FormatFloat(rec.Duration.Seconds(), 'f', 2, 64),
		rec.LastError,
		rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
}

func readCSV(r io.Reader) ([]models.ProgressRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	if _, ok := columns["date"]; !ok {
		return nil, fmt.Errorf("missing date column")
	}

	decode := decodeRow
	if _, legacy := columns["completed"]; legacy {
		decode = decodeLegacyRow
	}

	var out []models.ProgressRecord
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		rec, err := decode(field)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

func decodeRow(field func(string) string) (models.ProgressRecord, error) {
	day, err := models.ParseDate(field("date"))
	if err != nil {
		return models.ProgressRecord{}, err
	}
	status, err := models.ParseStatus(field("status"))
	if err != nil {
		return models.ProgressRecord{}, err
	}
	rec := models.ProgressRecord{Date: day, Status: status, LastError: field("last_error")}
	if raw := field("result_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return models.ProgressRecord{}, fmt.Errorf("result_count: %w", err)
		}
		rec.SetResultCount(n)
	}
	if rec.BatchesCompleted, err = atoiDefault(field("batches_completed")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("batches_completed: %w", err)
	}
	if rec.Downloaded, err = atoiDefault(field("num_downloaded")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("num_downloaded: %w", err)
	}
	if rec.FilesMoved, err = atoiDefault(field("files_moved")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("files_moved: %w", err)
	}
	if rec.Duration, err = secondsDefault(field("time_taken")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("time_taken: %w", err)
	}
	if raw := field("last_updated"); raw != "" {
		if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return models.ProgressRecord{}, fmt.Errorf("last_updated: %w", err)
		}
	}
	return rec, nil
}

func decodeLegacyRow(field func(string) string) (models.ProgressRecord, error) {
	day, err := models.ParseDate(field("date"))
	if err != nil {
		return models.ProgressRecord{}, err
	}
	rec := models.ProgressRecord{Date: day, Status: models.StatusPending}
	if !parser.ParseBool(field("completed")) {
		return rec, nil
	}

	docs, err := atoiDefault(field("num_docs"))
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("num_docs: %w", err)
	}
	rec.Status = models.StatusDone
	rec.SetResultCount(docs)
	rec.BatchesCompleted = rec.ExpectedBatches(models.MaxBatchSize)
	if rec.Downloaded, err = atoiDefault(field("num_downloaded")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("num_downloaded: %w", err)
	}
	if rec.Duration, err = secondsDefault(field("time_taken")); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("time_taken: %w", err)
	}
	return rec, nil
}

func atoiDefault(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func secondsDefault(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)).Round(10 * time.Millisecond), nil
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
