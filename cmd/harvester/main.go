package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-harvest-news/batch"
	"github.com/aluiziolira/go-harvest-news/config"
	"github.com/aluiziolira/go-harvest-news/ledger"
	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/pipeline"
	"github.com/aluiziolira/go-harvest-news/portal"
	"github.com/aluiziolira/go-harvest-news/reconcile"
	"github.com/aluiziolira/go-harvest-news/scraper"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		return 1
	}

	cfg := config.DefaultConfig()
	if err := config.FromEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	initOnly, statusOnly := bindFlags(flag.CommandLine, cfg)
	flag.Parse()
	cfg.LedgerBackend = normalize(cfg.LedgerBackend)
	cfg.OnCollision = normalize(cfg.OnCollision)
	cfg.ReportFormat = normalize(cfg.ReportFormat)

	runID := uuid.NewString()
	logger, level := newLogger(cfg.Verbose)
	logger = logger.With(slog.String("run_id", runID))
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}
	dates, err := cfg.DateRange(time.Now())
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	l, err := ledger.Open(cfg.LedgerBackend, cfg.LedgerPath)
	if err != nil {
		slog.Error("opening ledger", slog.String("path", cfg.LedgerPath), slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := l.Close(); err != nil {
			slog.Error("close ledger", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *initOnly:
		created, err := ledger.Seed(ctx, l, dates, time.Now())
		if err != nil {
			slog.Error("seeding ledger", slog.Any("error", err))
			return 1
		}
		slog.Info("ledger seeded", slog.String("range", dates.String()), slog.Int("created", created))
		return 0
	case *statusOnly:
		records, err := l.All(ctx)
		if err != nil {
			slog.Error("reading ledger", slog.Any("error", err))
			return 1
		}
		printStatus(os.Stdout, records, dates)
		return 0
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, the current day will be redone next run")
	}()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	session, err := scraper.NewSession(cfg, m, logger)
	if err != nil {
		slog.Error("initialising portal session", slog.Any("error", err))
		return 1
	}
	if err := portal.Open(ctx, session, cfg.Query, cfg.Language); err != nil {
		slog.Error("opening portal session", slog.Any("error", err))
		return 1
	}

	policy, err := reconcile.ParsePolicy(cfg.OnCollision)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}
	files := reconcile.New(cfg.StagingDir, cfg.OutputDir, policy, m, logger)
	ctrl := batch.NewController(session, l, batch.Options{
		BatchSize:       batch.DefaultOptions().BatchSize,
		ReadyTimeout:    cfg.ReadyTimeout,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		RetryBackoffMax: cfg.RetryBackoffMax,
	}, m, logger)

	orch := pipeline.NewOrchestrator(runID, session, l, ctrl, files, m, logger)

	writer, err := pipeline.NewWriter(cfg.ReportFormat, cfg.ReportFile)
	if err != nil {
		slog.Error("creating report writer", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close report writer", slog.Any("error", err))
		}
	}()
	orch.SetReport(writer)

	slog.Info("starting harvest",
		slog.String("base_url", cfg.BaseURL),
		slog.String("range", dates.String()),
		slog.String("staging", cfg.StagingDir),
		slog.String("output", cfg.OutputDir),
		slog.String("ledger", cfg.LedgerPath),
	)

	summary, runErr := orch.Run(ctx, dates)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run aborted", slog.Any("error", runErr))
	}
	if err := writer.Validate(); err != nil {
		slog.Error("report validation failed", slog.Any("error", err))
	}

	printSummary(os.Stdout, summary, cfg.ReportFile)

	if runErr != nil || len(summary.Failed()) > 0 {
		return 1
	}
	return 0
}

// bindFlags registers command-line flags whose defaults are the values
// already loaded from the environment.
func bindFlags(fset *flag.FlagSet, cfg *config.Config) (initOnly, statusOnly *bool) {
	fset.StringVar(&cfg.StartDate, "start-date", cfg.StartDate, "First day to harvest (DD-MM-YYYY, default 1 January of this year)")
	fset.StringVar(&cfg.EndDate, "end-date", cfg.EndDate, "Last day to harvest (DD-MM-YYYY, default 31 December of this year)")
	fset.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Portal base URL")
	fset.StringVar(&cfg.Query, "query", cfg.Query, "Search query, passed to the portal as is")
	fset.StringVar(&cfg.Language, "language", cfg.Language, "Language filter (empty for none)")
	fset.StringVar(&cfg.StagingDir, "staging", cfg.StagingDir, "Directory the portal downloads land in")
	fset.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Root directory of the per-day folders")
	fset.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Progress ledger path")
	fset.StringVar(&cfg.LedgerBackend, "ledger-backend", cfg.LedgerBackend, "Ledger backend: csv or sqlite")
	fset.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "How long to wait for a delivery to be ready")
	fset.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries per batch before the day fails")
	fset.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	fset.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	fset.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between delivery status polls")
	fset.StringVar(&cfg.OnCollision, "on-collision", cfg.OnCollision, "When a day folder already holds a file name: skip or rename")
	fset.StringVar(&cfg.ReportFile, "report", cfg.ReportFile, "Run report path")
	fset.StringVar(&cfg.ReportFormat, "format", cfg.ReportFormat, "Report format: csv, json, or dual")
	fset.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	fset.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	initOnly = fset.Bool("init", false, "Create pending ledger records for the range and exit")
	statusOnly = fset.Bool("status", false, "Print the ledger state for the range and exit")
	return initOnly, statusOnly
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
