package pipeline

import (
	"fmt"

	"github.com/aluiziolira/go-harvest-news/models"
)

// ErrDayProcessing reports a day that could not be completed. It is
// recorded and reported; the run moves on to the next day.
type ErrDayProcessing struct {
	Date models.Date
	Err  error
}

func (e ErrDayProcessing) Error() string {
	return fmt.Sprintf("day %s: %v", e.Date, e.Err)
}

func (e ErrDayProcessing) Unwrap() error {
	return e.Err
}
