package main

import (
	"fmt"
	"io"
	"time"

	"github.com/aluiziolira/go-harvest-news/ledger"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/fatih/color"
)

var statusColors = map[models.Status]*color.Color{
	models.StatusDone:       color.New(color.FgGreen),
	models.StatusFailed:     color.New(color.FgRed, color.Bold),
	models.StatusInProgress: color.New(color.FgYellow),
	models.StatusPending:    color.New(color.FgWhite),
}

func paint(status models.Status) string {
	c, ok := statusColors[status]
	if !ok {
		return string(status)
	}
	return c.Sprint(string(status))
}

func printSummary(w io.Writer, summary *models.Summary, reportFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Harvest complete")
	if summary == nil {
		fmt.Fprintln(w, separator)
		return
	}

	fmt.Fprintf(w, "  Run:           %s\n", summary.RunID)
	fmt.Fprintf(w, "  Days visited:  %d\n", len(summary.Days))
	fmt.Fprintf(w, "  %s:          %d (%d already done)\n", paint(models.StatusDone), summary.Count(models.StatusDone), summary.Skipped())
	fmt.Fprintf(w, "  %s:        %d\n", paint(models.StatusFailed), summary.Count(models.StatusFailed))
	if n := summary.Count(models.StatusInProgress); n > 0 {
		fmt.Fprintf(w, "  %s:   %d (interrupted)\n", paint(models.StatusInProgress), n)
	}

	results, files := 0, 0
	for _, d := range summary.Days {
		if d.Skipped {
			continue
		}
		results += d.ResultCount
		files += d.FilesMoved
	}
	fmt.Fprintf(w, "  Results:       %d\n", results)
	fmt.Fprintf(w, "  Files filed:   %d\n", files)
	fmt.Fprintf(w, "  Duration:      %v\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "  Report:        %s\n", reportFile)

	if failed := summary.Failed(); len(failed) > 0 {
		fmt.Fprintln(w, "  Failed days:")
		for _, d := range failed {
			fmt.Fprintf(w, "    %s  %v\n", d.Date, d.Err)
		}
	}
	fmt.Fprintln(w, separator)
}

func printStatus(w io.Writer, records []models.ProgressRecord, dates models.DateRange) {
	var inRange []models.ProgressRecord
	for _, rec := range records {
		if dates.Contains(rec.Date) {
			inRange = append(inRange, rec)
		}
	}

	for _, rec := range inRange {
		count := "-"
		if rec.ResultCount != nil {
			count = fmt.Sprint(*rec.ResultCount)
		}
		line := fmt.Sprintf("%s  %-11s results=%-6s batches=%-3d files=%-5d", rec.Date, rec.Status, count, rec.BatchesCompleted, rec.FilesMoved)
		if rec.LastError != "" {
			line += "  " + rec.LastError
		}
		if c, ok := statusColors[rec.Status]; ok {
			line = c.Sprint(line)
		}
		fmt.Fprintln(w, line)
	}

	tally := ledger.Tally(inRange)
	fmt.Fprintf(w, "%s: %d days, %d recorded, %d done, %d failed, %d pending\n",
		dates, dates.Len(), len(inRange),
		tally[models.StatusDone], tally[models.StatusFailed], tally[models.StatusPending])
}
