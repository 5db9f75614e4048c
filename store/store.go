package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("job not found")

// Store persists finalized jobs. Implementations must write a job and
// its instructions atomically: a partially stored job is never visible.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context) ([]JobSummary, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}
