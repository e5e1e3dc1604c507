package assignment

import (
	"context"
	"time"

	"github.com/pitabwire/certflow/model"
)

// Repository persists assignments.
//
// Save inserts a record whose Version is zero and otherwise updates it
// with an optimistic version check. It returns the stored record with its
// new Version. A stale Version yields CONFLICT; a second active record for
// the same (CaseID, Role) yields DUPLICATE_ACTIVE_ASSIGNMENT.
type Repository interface {
	// FindAssignment returns NOT_FOUND for an unknown id.
	FindAssignment(ctx context.Context, id string) (model.Assignment, error)

	// FindAssignmentsByCase returns every assignment of a case, oldest
	// first.
	FindAssignmentsByCase(ctx context.Context, caseID string) ([]model.Assignment, error)

	// FindActiveAssignmentByCaseAndRole returns the non-terminal assignment
	// for the pair, if any.
	FindActiveAssignmentByCaseAndRole(ctx context.Context, caseID, role string) (model.Assignment, bool, error)

	// FindAssignmentsByUser lists assignments held by userID. The
	// AssignedTo field of filters is ignored.
	FindAssignmentsByUser(ctx context.Context, userID string, filters model.AssignmentFilters) ([]model.Assignment, error)

	// FindAssignments lists assignments matching filters, newest first.
	FindAssignments(ctx context.Context, filters model.AssignmentFilters) ([]model.Assignment, error)

	Save(ctx context.Context, a model.Assignment) (model.Assignment, error)

	// GetStatistics summarises assignments matching filters. now decides
	// which active assignments count as breached.
	GetStatistics(ctx context.Context, filters model.AssignmentFilters, now time.Time) (model.AssignmentStatistics, error)
}

// matches reports whether a satisfies every set filter. Limit and Offset
// are applied by the caller.
func matches(a model.Assignment, f model.AssignmentFilters) bool {
	if f.CaseID != "" && a.CaseID != f.CaseID {
		return false
	}
	if f.Role != "" && a.Role != f.Role {
		return false
	}
	if f.AssignedTo != "" && a.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	if f.JobType != "" && a.JobType != f.JobType {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if f.DueBefore != nil && !a.SLA.DueAt.Before(*f.DueBefore) {
		return false
	}
	if f.DueAfter != nil && !a.SLA.DueAt.After(*f.DueAfter) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// paginate applies Offset and Limit.
func paginate(list []model.Assignment, f model.AssignmentFilters) []model.Assignment {
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return []model.Assignment{}
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(list) {
		list = list[:f.Limit]
	}
	return list
}

// Summarize computes statistics over an already filtered set.
func Summarize(list []model.Assignment, now time.Time) model.AssignmentStatistics {
	st := model.AssignmentStatistics{
		ByStatus:   map[string]int{},
		ByPriority: map[string]int{},
	}
	var totalHours float64
	var timed int
	for _, a := range list {
		st.Total++
		st.ByStatus[a.Status]++
		st.ByPriority[a.Priority]++
		if a.IsActive() {
			st.Active++
			if now.After(a.SLA.DueAt) {
				st.BreachedActive++
			}
		}
		if a.Status != model.AssignmentCompleted {
			continue
		}
		st.Completed++
		if a.SLA.IsOnTime != nil {
			if *a.SLA.IsOnTime {
				st.CompletedOnTime++
			} else {
				st.CompletedLate++
			}
		}
		if a.SLA.ActualDurationHours != nil {
			totalHours += *a.SLA.ActualDurationHours
			timed++
		}
	}
	if st.Completed > 0 {
		st.OnTimeRate = float64(st.CompletedOnTime) / float64(st.Completed) * 100
	}
	if timed > 0 {
		st.AvgDurationHours = totalHours / float64(timed)
	}
	return st
}
