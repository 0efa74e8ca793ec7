// Package batch splits a day's results into portal-sized download requests
// and drives each one through request, completion wait and retry.
package batch

import "github.com/aluiziolira/go-harvest-news/models"

// Plan returns the contiguous 1-based batches covering [1, resultCount].
// Every batch holds exactly size documents except possibly the last.
func Plan(resultCount, size int) []models.BatchSpec {
	if resultCount <= 0 || size <= 0 {
		return nil
	}
	batches := make([]models.BatchSpec, 0, (resultCount+size-1)/size)
	for start := 1; start <= resultCount; start += size {
		end := min(start+size-1, resultCount)
		batches = append(batches, models.BatchSpec{Start: start, End: end})
	}
	return batches
}
