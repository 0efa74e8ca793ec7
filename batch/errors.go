package batch

import (
	"fmt"

	"github.com/aluiziolira/go-harvest-news/models"
)

// ErrBatchDownload indicates a batch could not be delivered after all
// retry attempts.
type ErrBatchDownload struct {
	Date  models.Date
	Batch models.BatchSpec
	Err   error
}

func (e ErrBatchDownload) Error() string {
	return fmt.Errorf("batch %s of %s: %w", e.Batch, e.Date, e.Err).Error()
}

func (e ErrBatchDownload) Unwrap() error {
	return e.Err
}
