package store

import (
	"context"
	"errors"
	"time"

	"taskbridge/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// Store is the durable job store plus its due-time index. Put and Delete
// update the record and the index entry as one logical operation, so the
// index never shows a due time inconsistent with the stored job.
type Store interface {
	// Put upserts by id; a previously-used id replaces the prior job.
	Put(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	// Delete removes the record and its index entry. Deleting a missing
	// id is not an error.
	Delete(ctx context.Context, id string) error
	// DueBefore returns ids of all jobs with next_run_at <= now, any order.
	DueBefore(ctx context.Context, now time.Time) ([]string, error)
	List(ctx context.Context) ([]domain.Job, error)
}
