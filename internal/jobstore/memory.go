package jobstore

import (
	"context"
	"sync"

	"github.com/bobarin/proptour/internal/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps jobs in process memory. Used for single-instance
// deployments and tests.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[uuid.UUID]*models.Job)}
}

func (r *MemoryRepository) Create(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, id uuid.UUID, actor models.Actor, fn UpdateFunc) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	stamp(working, actor)
	r.jobs[id] = working
	return working.Clone(), nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []*models.Job
	for _, job := range r.jobs {
		if NeedsWorker(job) {
			active = append(active, job.Clone())
		}
	}
	sortByCreation(active)
	return active, nil
}
