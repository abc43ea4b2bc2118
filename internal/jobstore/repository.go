// Package jobstore holds the job repository: the single shared mutable
// structure of the service. Every implementation applies updates as one
// atomic read-modify-write so callers never observe a torn job.
package jobstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
)

// UpdateFunc mutates a private copy of the job. Returning an error discards
// the copy and nothing is committed.
type UpdateFunc func(job *models.Job) error

// Repository is the job state store.
type Repository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Update applies fn atomically and returns the committed job.
	Update(ctx context.Context, id uuid.UUID, actor models.Actor, fn UpdateFunc) (*models.Job, error)
	// ListActive returns the jobs some worker still has to drive, oldest
	// first. Used at startup to pick up work a previous process left behind.
	ListActive(ctx context.Context) ([]*models.Job, error)
}

// Listener is told about every committed job mutation.
type Listener interface {
	JobUpdated(job *models.Job)
}

// Observed wraps a repository and fans committed writes out to listeners.
type Observed struct {
	Repository
	listeners []Listener
}

// NewObserved wraps repo.
func NewObserved(repo Repository, listeners ...Listener) *Observed {
	return &Observed{Repository: repo, listeners: listeners}
}

func (o *Observed) Create(ctx context.Context, job *models.Job) error {
	if err := o.Repository.Create(ctx, job); err != nil {
		return err
	}
	o.publish(job)
	return nil
}

func (o *Observed) Update(ctx context.Context, id uuid.UUID, actor models.Actor, fn UpdateFunc) (*models.Job, error) {
	job, err := o.Repository.Update(ctx, id, actor, fn)
	if err != nil {
		return nil, err
	}
	o.publish(job)
	return job, nil
}

func (o *Observed) publish(job *models.Job) {
	for _, l := range o.listeners {
		l.JobUpdated(job.Clone())
	}
}

// NeedsWorker reports whether job is unfinished: a non-terminal lifecycle
// or a talk track still in progress.
func NeedsWorker(job *models.Job) bool {
	return !job.Terminal() || job.TalkTrack.Status == models.TalkTrackInProgress
}

func sortByCreation(jobs []*models.Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
}

// stamp records who committed the mutation and when.
func stamp(job *models.Job, actor models.Actor) {
	job.UpdatedBy = actor
	job.UpdatedAt = time.Now().UTC()
}
