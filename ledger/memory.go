package ledger

import (
	"context"
	"sync"

	"github.com/aluiziolira/go-harvest-news/models"
)

// Memory is a process-local ledger used by tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.ProgressRecord
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.ProgressRecord)}
}

func (m *Memory) Get(ctx context.Context, day models.Date) (models.ProgressRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ProgressRecord{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[day.String()]
	return cloneRecord(rec), ok, nil
}

func (m *Memory) Upsert(ctx context.Context, rec models.ProgressRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := prepare(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[prepared.Date.String()] = cloneRecord(prepared)
	m.mu.Unlock()
	return nil
}

func (m *Memory) All(ctx context.Context) ([]models.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]models.ProgressRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// Crash simulates a process restart: interrupted days become pending.
func (m *Memory) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		m.records[key] = recoverInterrupted(rec)
	}
}
