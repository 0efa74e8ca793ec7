// Package portal declares the capability the harvester needs from the gated
// search portal. Implementations may drive a browser, scrape HTML or call an
// API; the rest of the module only sees Session.
package portal

import (
	"context"
	"time"

	"github.com/aluiziolira/go-harvest-news/models"
)

// Session is an authenticated handle on the portal's search and delivery
// features. Calls are synchronous and must not be issued concurrently.
type Session interface {
	Authenticate(ctx context.Context) error
	ApplyQuery(ctx context.Context, query string) error
	ApplyLanguageFilter(ctx context.Context, lang string) error
	ApplyDateFilter(ctx context.Context, day models.Date) error
	CountResults(ctx context.Context) (int, error)
	RequestBatchDownload(ctx context.Context, batch models.BatchSpec) error
	// AwaitDownloadReady blocks until the portal signals that the last
	// requested batch is delivered. It returns ErrTimeout when timeout
	// elapses first and ErrDelivery when the portal reports a failure.
	AwaitDownloadReady(ctx context.Context, timeout time.Duration) error
}

// Open authenticates s and applies the run-wide query and language filter.
func Open(ctx context.Context, s Session, query, lang string) error {
	if err := s.Authenticate(ctx); err != nil {
		return err
	}
	if err := s.ApplyQuery(ctx, query); err != nil {
		return err
	}
	if lang == "" {
		return nil
	}
	return s.ApplyLanguageFilter(ctx, lang)
}
