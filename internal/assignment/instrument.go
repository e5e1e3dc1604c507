package assignment

import (
	"context"
	"time"

	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/model"
)

// instrumented records the duration of every repository call.
type instrumented struct {
	next    Repository
	metrics *observability.Metrics
}

// Instrument wraps repo so each call is timed in
// certflow_repository_duration_seconds. A nil m returns repo unchanged.
func Instrument(repo Repository, m *observability.Metrics) Repository {
	if m == nil {
		return repo
	}
	return &instrumented{next: repo, metrics: m}
}

func (r *instrumented) observe(op string, start time.Time) {
	r.metrics.RecordRepositoryCall(op, time.Since(start))
}

func (r *instrumented) FindAssignment(ctx context.Context, id string) (model.Assignment, error) {
	defer r.observe("find", time.Now())
	return r.next.FindAssignment(ctx, id)
}

func (r *instrumented) FindAssignmentsByCase(ctx context.Context, caseID string) ([]model.Assignment, error) {
	defer r.observe("find_by_case", time.Now())
	return r.next.FindAssignmentsByCase(ctx, caseID)
}

func (r *instrumented) FindActiveAssignmentByCaseAndRole(ctx context.Context, caseID, role string) (model.Assignment, bool, error) {
	defer r.observe("find_active", time.Now())
	return r.next.FindActiveAssignmentByCaseAndRole(ctx, caseID, role)
}

func (r *instrumented) FindAssignmentsByUser(ctx context.Context, userID string, filters model.AssignmentFilters) ([]model.Assignment, error) {
	defer r.observe("find_by_user", time.Now())
	return r.next.FindAssignmentsByUser(ctx, userID, filters)
}

func (r *instrumented) FindAssignments(ctx context.Context, filters model.AssignmentFilters) ([]model.Assignment, error) {
	defer r.observe("list", time.Now())
	return r.next.FindAssignments(ctx, filters)
}

func (r *instrumented) Save(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	defer r.observe("save", time.Now())
	return r.next.Save(ctx, a)
}

func (r *instrumented) GetStatistics(ctx context.Context, filters model.AssignmentFilters, now time.Time) (model.AssignmentStatistics, error) {
	defer r.observe("statistics", time.Now())
	return r.next.GetStatistics(ctx, filters, now)
}
