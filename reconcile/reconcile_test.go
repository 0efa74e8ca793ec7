package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testDay = models.NewDate(2025, time.March, 14)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReconcileMovesOnlyNewFiles(t *testing.T) {
	staging := t.TempDir()
	output := t.TempDir()
	writeFile(t, filepath.Join(staging, "a.docx"), "a")
	writeFile(t, filepath.Join(staging, "b.docx"), "b")

	r := New(staging, output, PolicySkip, nil, nil)
	before, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	writeFile(t, filepath.Join(staging, "c.docx"), "c")
	writeFile(t, filepath.Join(staging, "d.docx"), "d")

	res, err := r.Reconcile(context.Background(), testDay, before)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Moved != 2 {
		t.Fatalf("moved = %d, want 2", res.Moved)
	}

	dayDir := filepath.Join(output, "14-03-2025")
	if got := dirNames(t, dayDir); !slices.Equal(got, []string{"c.docx", "d.docx"}) {
		t.Fatalf("day folder = %v, want [c.docx d.docx]", got)
	}
	if got := dirNames(t, staging); !slices.Equal(got, []string{"a.docx", "b.docx"}) {
		t.Fatalf("staging = %v, want [a.docx b.docx]", got)
	}
	if readFile(t, filepath.Join(dayDir, "c.docx")) != "c" {
		t.Fatalf("content of c.docx changed")
	}
}

func TestReconcileIgnoresDirectoriesAndPartialDownloads(t *testing.T) {
	staging := t.TempDir()
	output := filepath.Join(staging, "days")

	r := New(staging, output, PolicySkip, nil, nil)
	before, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	writeFile(t, filepath.Join(staging, "13-03-2025", "old.docx"), "old")
	writeFile(t, filepath.Join(staging, "batch.docx.crdownload"), "partial")
	writeFile(t, filepath.Join(staging, "batch2.part"), "partial")
	writeFile(t, filepath.Join(staging, "ready.docx"), "ready")

	res, err := r.Reconcile(context.Background(), testDay, before)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Moved != 1 || !slices.Equal(res.Files, []string{"ready.docx"}) {
		t.Fatalf("result = %+v, want only ready.docx", res)
	}
	if _, err := os.Stat(filepath.Join(staging, "batch.docx.crdownload")); err != nil {
		t.Fatalf("partial download was touched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "13-03-2025", "old.docx")); err != nil {
		t.Fatalf("day folder inside staging was touched: %v", err)
	}
}

func TestReconcileCollisionPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		wantDay     []string
		wantStaging []string
		wantMoved   int
		wantSkipped int
		wantRenamed int
	}{
		{
			name:        "skip leaves incoming file in staging",
			policy:      PolicySkip,
			wantDay:     []string{"report.docx"},
			wantStaging: []string{"report.docx"},
			wantSkipped: 1,
		},
		{
			name:        "rename picks first free suffix",
			policy:      PolicyRename,
			wantDay:     []string{"report.docx", "report_1.docx", "report_2.docx"},
			wantStaging: nil,
			wantMoved:   1,
			wantRenamed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			staging := t.TempDir()
			output := t.TempDir()
			dayDir := TargetDir(output, testDay)
			writeFile(t, filepath.Join(dayDir, "report.docx"), "existing")
			if tt.policy == PolicyRename {
				writeFile(t, filepath.Join(dayDir, "report_1.docx"), "existing too")
			}

			r := New(staging, output, tt.policy, nil, nil)
			before, err := r.Snapshot()
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			writeFile(t, filepath.Join(staging, "report.docx"), "incoming")

			res, err := r.Reconcile(context.Background(), testDay, before)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Moved != tt.wantMoved || res.Skipped != tt.wantSkipped || res.Renamed != tt.wantRenamed {
				t.Fatalf("result = %+v", res)
			}
			if readFile(t, filepath.Join(dayDir, "report.docx")) != "existing" {
				t.Fatalf("existing file was overwritten")
			}

			gotDay := dirNames(t, dayDir)
			if tt.policy == PolicyRename {
				if readFile(t, filepath.Join(dayDir, "report_2.docx")) != "incoming" {
					t.Fatalf("renamed file has wrong content")
				}
			}
			if !slices.Equal(gotDay, tt.wantDay) {
				t.Fatalf("day folder = %v, want %v", gotDay, tt.wantDay)
			}
			if got := dirNames(t, staging); !slices.Equal(got, tt.wantStaging) {
				t.Fatalf("staging = %v, want %v", got, tt.wantStaging)
			}
		})
	}
}

func TestReconcileRecordsMetrics(t *testing.T) {
	staging := t.TempDir()
	m := metrics.New()
	r := New(staging, t.TempDir(), PolicySkip, m, nil)

	writeFile(t, filepath.Join(staging, "x.docx"), "x")
	if _, err := r.Reconcile(context.Background(), testDay, Snapshot{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := testutil.ToFloat64(m.FilesTotal.WithLabelValues("moved")); got != 1 {
		t.Fatalf("moved metric = %v, want 1", got)
	}
}

func TestReconcileRecordsRenamedMetric(t *testing.T) {
	staging := t.TempDir()
	output := t.TempDir()
	m := metrics.New()
	r := New(staging, output, PolicyRename, m, nil)

	writeFile(t, filepath.Join(TargetDir(output, testDay), "x.docx"), "old")
	writeFile(t, filepath.Join(staging, "x.docx"), "new")
	if _, err := r.Reconcile(context.Background(), testDay, Snapshot{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := testutil.ToFloat64(m.FilesTotal.WithLabelValues("renamed")); got != 1 {
		t.Fatalf("renamed metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FilesTotal.WithLabelValues("moved")); got != 1 {
		t.Fatalf("moved metric = %v, want 1", got)
	}
}

func TestReconcileFailsWhenDayFolderCannotBeCreated(t *testing.T) {
	staging := t.TempDir()
	output := t.TempDir()
	r := New(staging, output, PolicySkip, nil, nil)
	writeFile(t, filepath.Join(staging, "report.docx"), "incoming")
	writeFile(t, TargetDir(output, testDay), "not a folder")

	_, err := r.Reconcile(context.Background(), testDay, Snapshot{})
	var recErr ErrReconciliation
	if !errors.As(err, &recErr) {
		t.Fatalf("error = %v, want ErrReconciliation", err)
	}
	if !recErr.Date.Equal(testDay) {
		t.Fatalf("error date = %s, want %s", recErr.Date, testDay)
	}
	if readFile(t, filepath.Join(staging, "report.docx")) != "incoming" {
		t.Fatalf("staged file lost after failed reconcile")
	}
}

func TestMoveFileFailures(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.docx")
	writeFile(t, src, "a")

	if err := moveFile(src, filepath.Join(dir, "missing", "a.docx")); err == nil {
		t.Fatalf("move into missing folder succeeded")
	}
	if readFile(t, src) != "a" {
		t.Fatalf("source changed after failed move")
	}

	taken := filepath.Join(dir, "b.docx")
	writeFile(t, taken, "b")
	if err := copyFile(src, taken); err == nil {
		t.Fatalf("copy over existing file succeeded")
	}
	if readFile(t, taken) != "b" {
		t.Fatalf("existing file overwritten")
	}
}

func TestReconcileNothingNewCreatesNoFolder(t *testing.T) {
	staging := t.TempDir()
	output := t.TempDir()
	writeFile(t, filepath.Join(staging, "leftover.docx"), "orphan")

	r := New(staging, output, PolicySkip, nil, nil)
	before, _ := r.Snapshot()
	res, err := r.Reconcile(context.Background(), testDay, before)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Moved != 0 {
		t.Fatalf("moved = %d, want 0", res.Moved)
	}
	if _, err := os.Stat(TargetDir(output, testDay)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("day folder should not exist, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "leftover.docx")); err != nil {
		t.Fatalf("orphan removed: %v", err)
	}
}

func TestSnapshotMissingStaging(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "absent"), t.TempDir(), PolicySkip, nil, nil)
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("snapshot = %v, want empty", snap)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "skip", want: PolicySkip},
		{in: " Rename ", want: PolicyRename},
		{in: "overwrite", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParsePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFreeName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "doc.docx"), "")
	writeFile(t, filepath.Join(dir, "doc_1.docx"), "")

	if got := freeName(filepath.Join(dir, "doc.docx")); got != filepath.Join(dir, "doc_2.docx") {
		t.Fatalf("freeName = %s, want doc_2.docx", got)
	}
	if got := freeName(filepath.Join(dir, "README")); got != filepath.Join(dir, "README_1") {
		t.Fatalf("freeName without extension = %s", got)
	}
}
