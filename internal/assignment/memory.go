package assignment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/certflow/model"
)

// MemoryRepository is an in-memory Repository for tests and single
// process deployments.
type MemoryRepository struct {
	mu          sync.RWMutex
	assignments map[string]model.Assignment // key: assignment ID
	active      map[string]string           // key: caseID|role -> assignment ID
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		assignments: make(map[string]model.Assignment),
		active:      make(map[string]string),
	}
}

func activeKey(caseID, role string) string {
	return caseID + "|" + role
}

// FindAssignment returns the assignment with the given id.
func (r *MemoryRepository) FindAssignment(_ context.Context, id string) (model.Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[id]
	if !ok {
		return model.Assignment{}, model.NewNotFoundError(fmt.Sprintf("assignment %q not found", id))
	}
	return a.Clone(), nil
}

// FindAssignmentsByCase returns every assignment of a case, oldest first.
func (r *MemoryRepository) FindAssignmentsByCase(_ context.Context, caseID string) ([]model.Assignment, error) {
	list := r.collect(model.AssignmentFilters{CaseID: caseID})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].AssignedAt.Before(list[j].AssignedAt)
	})
	return list, nil
}

// FindActiveAssignmentByCaseAndRole returns the active assignment of the
// pair, if any.
func (r *MemoryRepository) FindActiveAssignmentByCaseAndRole(_ context.Context, caseID, role string) (model.Assignment, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[activeKey(caseID, role)]
	if !ok {
		return model.Assignment{}, false, nil
	}
	return r.assignments[id].Clone(), true, nil
}

// FindAssignmentsByUser lists assignments held by userID.
func (r *MemoryRepository) FindAssignmentsByUser(ctx context.Context, userID string, filters model.AssignmentFilters) ([]model.Assignment, error) {
	filters.AssignedTo = userID
	return r.FindAssignments(ctx, filters)
}

// FindAssignments lists assignments matching filters, newest first.
func (r *MemoryRepository) FindAssignments(_ context.Context, filters model.AssignmentFilters) ([]model.Assignment, error) {
	list := r.collect(filters)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AssignedAt.Equal(list[j].AssignedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].AssignedAt.After(list[j].AssignedAt)
	})
	return paginate(list, filters), nil
}

func (r *MemoryRepository) collect(filters model.AssignmentFilters) []model.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []model.Assignment{}
	for _, a := range r.assignments {
		if matches(a, filters) {
			result = append(result, a.Clone())
		}
	}
	return result
}

// Save inserts or updates a with optimistic locking.
func (r *MemoryRepository) Save(_ context.Context, a model.Assignment) (model.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := activeKey(a.CaseID, a.Role)

	if a.Version == 0 {
		if _, exists := r.assignments[a.ID]; exists {
			return model.Assignment{}, model.NewConflictError(fmt.Sprintf("assignment %q already exists", a.ID))
		}
		if a.IsActive() {
			if _, taken := r.active[key]; taken {
				return model.Assignment{}, model.NewDuplicateActiveError(a.CaseID, a.Role)
			}
		}
		a.Version = 1
		r.store(a)
		return a.Clone(), nil
	}

	existing, ok := r.assignments[a.ID]
	if !ok {
		return model.Assignment{}, model.NewNotFoundError(fmt.Sprintf("assignment %q not found", a.ID))
	}

	// Optimistic lock check.
	if existing.Version != a.Version {
		return model.Assignment{}, model.NewConflictError(
			fmt.Sprintf("assignment %q version conflict (expected %d, got %d)", a.ID, a.Version, existing.Version),
		)
	}
	if a.IsActive() {
		if id, taken := r.active[key]; taken && id != a.ID {
			return model.Assignment{}, model.NewDuplicateActiveError(a.CaseID, a.Role)
		}
	}

	if existing.IsActive() {
		delete(r.active, activeKey(existing.CaseID, existing.Role))
	}
	a.Version++
	r.store(a)
	return a.Clone(), nil
}

func (r *MemoryRepository) store(a model.Assignment) {
	r.assignments[a.ID] = a.Clone()
	if a.IsActive() {
		r.active[activeKey(a.CaseID, a.Role)] = a.ID
	}
}

// GetStatistics summarises assignments matching filters. Pagination is
// ignored.
func (r *MemoryRepository) GetStatistics(_ context.Context, filters model.AssignmentFilters, now time.Time) (model.AssignmentStatistics, error) {
	return Summarize(r.collect(filters), now), nil
}

// Len returns the number of stored assignments. For testing.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assignments)
}
