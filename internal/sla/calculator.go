// Package sla computes assignment deadlines and on-time outcomes. All
// functions are pure; breach detection is pull based.
package sla

import (
	"fmt"
	"time"

	"github.com/pitabwire/certflow/model"
)

// DefaultHours are the expected durations per job type.
var DefaultHours = map[string]float64{
	model.JobDocumentReview:      48,
	model.JobFieldInspection:     120,
	model.JobVideoCallInspection: 72,
	model.JobOnsiteInspection:    168,
	model.JobFinalApproval:       24,
	model.JobGeneral:             72,
}

// Calculator resolves expected durations with per-job-type overrides.
type Calculator struct {
	hours map[string]float64
}

// NewCalculator creates a calculator. Overrides replace or extend the
// defaults; every value must be positive.
func NewCalculator(overrides map[string]float64) (*Calculator, error) {
	hours := make(map[string]float64, len(DefaultHours)+len(overrides))
	for k, v := range DefaultHours {
		hours[k] = v
	}
	for k, v := range overrides {
		if v <= 0 {
			return nil, fmt.Errorf("sla hours for %q must be positive, got %v", k, v)
		}
		hours[k] = v
	}
	return &Calculator{hours: hours}, nil
}

// ExpectedHours returns the expected duration for jobType. Unknown types
// get the general window.
func (c *Calculator) ExpectedHours(jobType string) float64 {
	if h, ok := c.hours[jobType]; ok {
		return h
	}
	return c.hours[model.JobGeneral]
}

// For builds the SLA of an assignment created at assignedAt. A positive
// override wins over the job type window.
func (c *Calculator) For(jobType string, assignedAt time.Time, overrideHours float64) model.SLA {
	hours := c.ExpectedHours(jobType)
	if overrideHours > 0 {
		hours = overrideHours
	}
	return model.SLA{
		ExpectedDurationHours: hours,
		DueAt:                 DueDate(assignedAt, hours),
	}
}

// DueDate returns assignedAt plus hours.
func DueDate(assignedAt time.Time, hours float64) time.Time {
	return assignedAt.Add(time.Duration(hours * float64(time.Hour)))
}

// OnTime reports whether completion happened no later than the due date.
func OnTime(completedAt, dueAt time.Time) bool {
	return !completedAt.After(dueAt)
}

// IsBreached reports whether now is past the due date.
func IsBreached(now, dueAt time.Time) bool {
	return now.After(dueAt)
}

// ActualDurationHours returns the elapsed hours between assignment and
// completion.
func ActualDurationHours(assignedAt, completedAt time.Time) float64 {
	return completedAt.Sub(assignedAt).Hours()
}

// NearDeadline reports whether dueAt falls within window from now without
// having passed yet.
func NearDeadline(now, dueAt time.Time, window time.Duration) bool {
	return !IsBreached(now, dueAt) && !dueAt.After(now.Add(window))
}

// Remaining returns the time left until dueAt; negative once breached.
func Remaining(now, dueAt time.Time) time.Duration {
	return dueAt.Sub(now)
}
