// Package reconcile files the downloads a day leaves in the shared staging
// folder into that day's output folder.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
)

// Policy decides what happens when a day folder already holds a file with
// the name of an incoming one. Existing files are never overwritten.
type Policy string

const (
	// PolicySkip leaves the incoming file in staging and logs a warning.
	PolicySkip Policy = "skip"
	// PolicyRename moves the incoming file under the first free name_N.ext.
	PolicyRename Policy = "rename"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySkip, PolicyRename:
		return p, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q (want skip or rename)", s)
	}
}

// partial download suffixes written by browsers and download agents
var temporarySuffixes = []string{".crdownload", ".part", ".tmp"}

// Snapshot is the set of file names present in staging at one instant.
type Snapshot map[string]struct{}

// Contains reports whether name was present when the snapshot was taken.
func (s Snapshot) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Result counts what a reconciliation did with the day's new files.
type Result struct {
	Moved   int
	Renamed int
	Skipped int
	Files   []string
}

// Reconciler attributes files that appeared in the staging directory to the
// day that produced them.
type Reconciler struct {
	staging string
	output  string
	policy  Policy
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds a reconciler moving files from staging into per-day folders
// below output.
func New(staging, output string, policy Policy, m *metrics.Metrics, log *slog.Logger) *Reconciler {
	if policy == "" {
		policy = PolicySkip
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		staging: staging,
		output:  output,
		policy:  policy,
		metrics: m,
		log:     log.With(slog.String("component", "reconcile")),
	}
}

// TargetDir returns the folder holding day's files.
func TargetDir(output string, day models.Date) string {
	return filepath.Join(output, day.String())
}

// Snapshot lists the regular files currently in staging. A missing staging
// directory yields an empty snapshot.
func (r *Reconciler) Snapshot() (Snapshot, error) {
	names, err := listFiles(r.staging)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(names))
	for _, name := range names {
		snap[name] = struct{}{}
	}
	return snap, nil
}

// Reconcile moves every staged file absent from before into day's folder.
// Files present in before are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, day models.Date, before Snapshot) (Result, error) {
	var res Result
	names, err := listFiles(r.staging)
	if err != nil {
		return res, ErrReconciliation{Date: day, Err: err}
	}

	var incoming []string
	for _, name := range names {
		if !before.Contains(name) {
			incoming = append(incoming, name)
		}
	}
	if len(incoming) == 0 {
		return res, nil
	}

	target := TargetDir(r.output, day)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return res, ErrReconciliation{Date: day, Err: fmt.Errorf("create day folder: %w", err)}
	}

	log := r.log.With(slog.String("date", day.String()))
	for _, name := range incoming {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		src := filepath.Join(r.staging, name)
		dst := filepath.Join(target, name)
		renamed := false
		if exists(dst) {
			if r.policy == PolicySkip {
				log.Warn("file already in day folder, leaving it in staging", slog.String("file", name))
				res.Skipped++
				r.metrics.AddFiles("skipped", 1)
				continue
			}
			dst = freeName(dst)
			renamed = true
		}

		if err := moveFile(src, dst); err != nil {
			r.metrics.AddFiles("failed", 1)
			return res, ErrReconciliation{Date: day, Err: fmt.Errorf("move %s: %w", name, err)}
		}
		res.Moved++
		res.Files = append(res.Files, filepath.Base(dst))
		if renamed {
			res.Renamed++
			log.Warn("name taken in day folder, file renamed",
				slog.String("file", name),
				slog.String("renamed_to", filepath.Base(dst)),
			)
			r.metrics.AddFiles("renamed", 1)
		}
		r.metrics.AddFiles("moved", 1)
	}

	log.Info("files reconciled",
		slog.Int("moved", res.Moved),
		slog.Int("renamed", res.Renamed),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || isTemporary(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func isTemporary(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range temporarySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// freeName returns the first of name_1.ext, name_2.ext, ... not yet taken.
func freeName(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
