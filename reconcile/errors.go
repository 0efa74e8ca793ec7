package reconcile

import (
	"fmt"

	"github.com/aluiziolira/go-harvest-news/models"
)

// ErrReconciliation reports that the files of a day could not be relocated.
type ErrReconciliation struct {
	Date models.Date
	Err  error
}

func (e ErrReconciliation) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Date, e.Err)
}

func (e ErrReconciliation) Unwrap() error {
	return e.Err
}
