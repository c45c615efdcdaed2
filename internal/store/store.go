// Package store persists export jobs.
package store

import (
	"context"

	"github.com/creative-design-platform/export-service/internal/model"
)

// UpdateFunc mutates a job in place. Returning an error aborts the update
// without writing anything.
type UpdateFunc func(job *model.Job) error

// JobStore is the job persistence contract. Update is an atomic
// read-modify-write so concurrent writers (worker, cancel, reaper) resolve to
// a single winner.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error)
	// ListBatch returns member jobs in submission order
	ListBatch(ctx context.Context, batchID string) ([]*model.Job, error)
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
}
