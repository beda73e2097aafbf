package coordinator

import (
	"fmt"
	"time"

	"github.com/aescanero/dago-master/pkg/domain"
)

// WorkerRegistry tracks registered workers in registration order.
// It is not safe for concurrent use; the Coordinator serializes access.
type WorkerRegistry struct {
	order   []string
	workers map[string]*domain.Worker
}

// NewWorkerRegistry creates an empty registry
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]*domain.Worker)}
}

// Register inserts id as an idle worker, or refreshes lastSeen when it is
// already known. isNew reports whether the worker was inserted.
func (r *WorkerRegistry) Register(id string, now time.Time) (w domain.Worker, isNew bool) {
	if existing, ok := r.workers[id]; ok {
		existing.LastSeen = now
		return *existing, false
	}

	worker := &domain.Worker{
		ID:           id,
		Status:       domain.WorkerStatusIdle,
		LastSeen:     now,
		RegisteredAt: now,
	}
	r.workers[id] = worker
	r.order = append(r.order, id)
	return *worker, true
}

// Get returns a copy of the worker
func (r *WorkerRegistry) Get(id string) (domain.Worker, bool) {
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	return *w, true
}

// Touch refreshes lastSeen for a known worker
func (r *WorkerRegistry) Touch(id string, now time.Time) bool {
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastSeen = now
	return true
}

// UpdateStatus applies a status report to a known worker.
// Unknown IDs are ignored and reported as false.
func (r *WorkerRegistry) UpdateStatus(id string, status domain.WorkerStatus, now time.Time) bool {
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.Status = status
	w.ReportedStatus = status
	w.LastSeen = now
	return true
}

// Report records a self-reported status without changing availability
func (r *WorkerRegistry) Report(id string, status domain.WorkerStatus, now time.Time) bool {
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.ReportedStatus = status
	w.LastSeen = now
	return true
}

// FindIdle returns the first idle worker in registration order
func (r *WorkerRegistry) FindIdle() (domain.Worker, bool) {
	for _, id := range r.order {
		if w := r.workers[id]; w.Status == domain.WorkerStatusIdle {
			return *w, true
		}
	}
	return domain.Worker{}, false
}

// MarkBusy sets the worker busy
func (r *WorkerRegistry) MarkBusy(id string) error {
	return r.setStatus(id, domain.WorkerStatusBusy)
}

// MarkIdle sets the worker idle
func (r *WorkerRegistry) MarkIdle(id string) error {
	return r.setStatus(id, domain.WorkerStatusIdle)
}

func (r *WorkerRegistry) setStatus(id string, status domain.WorkerStatus) error {
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	w.Status = status
	return nil
}

// Remove deletes the worker
func (r *WorkerRegistry) Remove(id string) bool {
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Stale returns the IDs of workers not seen since cutoff, in registration order
func (r *WorkerRegistry) Stale(cutoff time.Time) []string {
	var stale []string
	for _, id := range r.order {
		if r.workers[id].LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// List returns copies of all workers in registration order
func (r *WorkerRegistry) List() []domain.Worker {
	list := make([]domain.Worker, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, *r.workers[id])
	}
	return list
}

// Counts returns the number of idle and busy workers
func (r *WorkerRegistry) Counts() (idle, busy int) {
	for _, w := range r.workers {
		switch w.Status {
		case domain.WorkerStatusIdle:
			idle++
		case domain.WorkerStatusBusy:
			busy++
		}
	}
	return idle, busy
}

// Len returns the number of registered workers
func (r *WorkerRegistry) Len() int {
	return len(r.order)
}
