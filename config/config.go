package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "HARVEST_"

// Config holds harvester configuration.
type Config struct {
	BaseURL   string `env:"BASE_URL"`
	Username  string `env:"USERNAME"`
	Password  string `env:"PASSWORD"`
	Query     string `env:"QUERY"`
	Language  string `env:"LANGUAGE"`
	UserAgent string `env:"USER_AGENT"`

	// StartDate and EndDate are DD-MM-YYYY; empty means the current year.
	StartDate string `env:"START_DATE"`
	EndDate   string `env:"END_DATE"`

	StagingDir    string `env:"STAGING_DIR"`
	OutputDir     string `env:"OUTPUT_DIR"`
	LedgerPath    string `env:"LEDGER"`
	LedgerBackend string `env:"LEDGER_BACKEND"`
	OnCollision   string `env:"ON_COLLISION"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"`
	ReadyTimeout    time.Duration `env:"READY_TIMEOUT"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"`
	MaxRetries      int           `env:"MAX_RETRIES"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF"`
	RetryBackoffMax time.Duration `env:"RETRY_BACKOFF_MAX"`

	ReportFile   string `env:"REPORT"`
	ReportFormat string `env:"REPORT_FORMAT"` // csv, json, or dual
	MetricsAddr  string `env:"METRICS_ADDR"`
	Verbose      bool   `env:"VERBOSE"`
}

// DefaultConfig returns defaults matching the portal's published limits.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://advance.lexis.com",
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		StagingDir:      "downloads",
		OutputDir:       "downloads",
		LedgerPath:      "progress.csv",
		LedgerBackend:   "csv",
		OnCollision:     "skip",
		RequestTimeout:  30 * time.Second,
		ReadyTimeout:    2 * time.Minute,
		PollInterval:    2 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    5 * time.Second,
		RetryBackoffMax: time.Minute,
		ReportFile:      "output/run.csv",
		ReportFormat:    "csv",
	}
}

// FromEnv overlays HARVEST_* environment variables on cfg.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return ErrConfiguration{Err: fmt.Errorf("read environment: %w", err)}
	}
	return nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return ErrConfiguration{Err: err}
	}
	return nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("search query cannot be empty")
	}
	if c.Username != "" && c.Password == "" {
		return fmt.Errorf("password required when a username is set")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging dir cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger path cannot be empty")
	}
	if c.LedgerBackend != "csv" && c.LedgerBackend != "sqlite" {
		return fmt.Errorf("ledger backend must be csv or sqlite")
	}
	if c.OnCollision != "skip" && c.OnCollision != "rename" {
		return fmt.Errorf("collision policy must be skip or rename")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.ReportFormat != "csv" && c.ReportFormat != "json" && c.ReportFormat != "dual" {
		return fmt.Errorf("report format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if _, err := c.parseRange(time.Now()); err != nil {
		return err
	}

	return nil
}

// DateRange resolves StartDate and EndDate. A missing bound falls back to
// the first or last day of now's year.
func (c *Config) DateRange(now time.Time) (models.DateRange, error) {
	r, err := c.parseRange(now)
	if err != nil {
		return models.DateRange{}, ErrConfiguration{Err: err}
	}
	return r, nil
}

func (c *Config) parseRange(now time.Time) (models.DateRange, error) {
	year := models.YearRange(now.Year())
	start, end := year.Start(), year.End()

	if s := strings.TrimSpace(c.StartDate); s != "" {
		d, err := models.ParseDate(s)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("start date: %w", err)
		}
		start = d
	}
	if s := strings.TrimSpace(c.EndDate); s != "" {
		d, err := models.ParseDate(s)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("end date: %w", err)
		}
		end = d
	}
	return models.NewDateRange(start, end)
}
