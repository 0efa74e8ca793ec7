package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	migrationTable  = "schema_migrations"
	sqliteDayLayout = "2006-01-02"
)

// SQLite persists the ledger in a SQLite database.
type SQLite struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens the database at path, applies embedded migrations and
// resets days left in_progress by an interrupted run.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := ensureDir(cleanPath); err != nil {
		return nil, err
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrationFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if _, err := sqlDB.Exec(
		`UPDATE progress
		    SET status = ?, batches_completed = 0, num_downloaded = 0, files_moved = 0
		  WHERE status = ?`,
		string(models.StatusPending),
		string(models.StatusInProgress),
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reset interrupted days: %w", err)
	}
	return &SQLite{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLite) Get(ctx context.Context, day models.Date) (models.ProgressRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ProgressRecord{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT day, status, result_count, batches_completed, num_downloaded, files_moved, duration_ms, last_error, updated_at
		   FROM progress WHERE day = ?`,
		day.Format(sqliteDayLayout),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProgressRecord{}, false, nil
	}
	if err != nil {
		return models.ProgressRecord{}, false, fmt.Errorf("get progress %s: %w", day, err)
	}
	return rec, true, nil
}

func (s *SQLite) Upsert(ctx context.Context, rec models.ProgressRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := prepare(rec)
	if err != nil {
		return err
	}
	var count sql.NullInt64
	if prepared.ResultCount != nil {
		count = sql.NullInt64{Int64: int64(*prepared.ResultCount), Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO progress (
		   day, status, result_count, batches_completed, num_downloaded, files_moved, duration_ms, last_error, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   status = excluded.status,
		   result_count = excluded.result_count,
		   batches_completed = excluded.batches_completed,
		   num_downloaded = excluded.num_downloaded,
		   files_moved = excluded.files_moved,
		   duration_ms = excluded.duration_ms,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		prepared.Date.Format(sqliteDayLayout),
		string(prepared.Status),
		count,
		prepared.BatchesCompleted,
		prepared.Downloaded,
		prepared.FilesMoved,
		prepared.Duration.Milliseconds(),
		prepared.LastError,
		toMillis(prepared.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert progress %s: %w", prepared.Date, err)
	}
	return nil
}

func (s *SQLite) All(ctx context.Context) ([]models.ProgressRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT day, status, result_count, batches_completed, num_downloaded, files_moved, duration_ms, last_error, updated_at
		   FROM progress ORDER BY day`,
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []models.ProgressRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.ProgressRecord, error) {
	var (
		day        string
		status     string
		count      sql.NullInt64
		durationMS int64
		updatedAt  int64
		rec        models.ProgressRecord
	)
	if err := row.Scan(&day, &status, &count, &rec.BatchesCompleted, &rec.Downloaded, &rec.FilesMoved, &durationMS, &rec.LastError, &updatedAt); err != nil {
		return models.ProgressRecord{}, err
	}
	t, err := time.Parse(sqliteDayLayout, day)
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("parse day %q: %w", day, err)
	}
	rec.Date = models.DateOf(t)
	if rec.Status, err = models.ParseStatus(status); err != nil {
		return models.ProgressRecord{}, err
	}
	if count.Valid {
		rec.SetResultCount(int(count.Int64))
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.LastUpdated = fromMillis(updatedAt)
	return rec, nil
}

// applyMigrations executes embedded migrations at most once per file.
func applyMigrations(sqlDB *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`,
		migrationTable,
	)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrations, root+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file,
			toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
