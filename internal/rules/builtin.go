package rules

import (
	"time"

	"github.com/pitabwire/certflow/model"
)

// Built-in rule names.
const (
	RuleActorVerified          = "actor_verified"
	RuleRequiredDocuments      = "all_required_documents_uploaded"
	RuleApplicationFeePaid     = "application_fee_paid"
	RuleFarmInServiceArea      = "farm_location_in_service_area"
	RuleInspectionScorePassed  = "inspection_score_passed"
	RuleInspectionChecklist    = "inspection_checklist_completed"
	RuleWithinStageTimeLimit   = "within_stage_time_limit"
	RuleInspectorAssigned      = "inspector_assigned"
	RuleReviewerIsNotApplicant = "reviewer_is_not_applicant"
)

// Service area bounding box for farm coordinates.
const (
	ServiceAreaMinLat = 5.6
	ServiceAreaMaxLat = 20.5
	ServiceAreaMinLon = 97.3
	ServiceAreaMaxLon = 105.7
)

// MinimumInspectionScore is the pass mark of an inspection.
const MinimumInspectionScore = 80.0

// Builtins returns the rules every registry starts with.
func Builtins() []Rule {
	return []Rule{
		{
			Name:        RuleActorVerified,
			Description: "acting user has a verified identity",
			Critical:    true,
			Predicate:   actorVerified,
		},
		{
			Name:        RuleRequiredDocuments,
			Description: "every evidence type the stage requires has been uploaded",
			Critical:    true,
			Predicate:   requiredDocumentsUploaded,
		},
		{
			Name:        RuleApplicationFeePaid,
			Description: "application fee has been paid",
			Critical:    true,
			Predicate:   fieldTrue("feePaid"),
		},
		{
			Name:        RuleFarmInServiceArea,
			Description: "farm coordinates fall within the service area",
			Predicate: geoBounds("latitude", "longitude",
				ServiceAreaMinLat, ServiceAreaMaxLat, ServiceAreaMinLon, ServiceAreaMaxLon),
		},
		{
			Name:        RuleInspectionScorePassed,
			Description: "inspection score reaches the pass mark",
			Critical:    true,
			Predicate:   minimumScore("inspectionScore", MinimumInspectionScore),
		},
		{
			Name:        RuleInspectionChecklist,
			Description: "every inspection checklist item is ticked",
			Predicate:   checklistComplete("inspectionChecklist", nil),
		},
		{
			Name:        RuleWithinStageTimeLimit,
			Description: "case has not overstayed the stage time limit",
			Predicate:   withinTimeLimit(nil),
		},
		{
			Name:        RuleInspectorAssigned,
			Description: "an inspector has been assigned to the case",
			Critical:    true,
			Predicate:   fieldNonEmpty("assignedInspectorId"),
		},
		{
			Name:        RuleReviewerIsNotApplicant,
			Description: "acting user is not the applicant",
			Critical:    true,
			Predicate:   reviewerIsNotApplicant,
		},
	}
}

// NewDefaultRegistry returns an unfrozen registry holding the built-in
// rules. Callers add declared rules and then Freeze it.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range Builtins() {
		r.MustRegister(rule)
	}
	return r
}

func actorVerified(ec *model.EvaluationContext) bool {
	if ec.Actor.Verified {
		return true
	}
	v, ok := ec.Bool("actorVerified")
	return ok && v
}

// requiredDocumentsUploaded checks the stage's required evidence, falling
// back to a requiredDocuments field. With no requirement list at all the
// rule fails: an unconfigured requirement is not proof of completeness.
func requiredDocumentsUploaded(ec *model.EvaluationContext) bool {
	required := ec.RequiredEvidence
	if len(required) == 0 {
		docs, ok := ec.Strings("requiredDocuments")
		if !ok || len(docs) == 0 {
			return false
		}
		required = docs
	}
	for _, doc := range required {
		if !ec.HasEvidence(doc) {
			return false
		}
	}
	return true
}

func reviewerIsNotApplicant(ec *model.EvaluationContext) bool {
	applicant, ok := ec.String("applicantId")
	if !ok || applicant == "" || ec.Actor.ID == "" {
		return false
	}
	return applicant != ec.Actor.ID
}

func fieldTrue(field string) Predicate {
	return func(ec *model.EvaluationContext) bool {
		v, ok := ec.Bool(field)
		return ok && v
	}
}

func fieldNonEmpty(field string) Predicate {
	return func(ec *model.EvaluationContext) bool {
		v, ok := ec.String(field)
		return ok && v != ""
	}
}

func minimumScore(field string, threshold float64) Predicate {
	return func(ec *model.EvaluationContext) bool {
		v, ok := ec.Float(field)
		return ok && v >= threshold
	}
}

func geoBounds(latField, lonField string, minLat, maxLat, minLon, maxLon float64) Predicate {
	return func(ec *model.EvaluationContext) bool {
		lat, ok := ec.Float(latField)
		if !ok {
			return false
		}
		lon, ok := ec.Float(lonField)
		if !ok {
			return false
		}
		return lat >= minLat && lat <= maxLat && lon >= minLon && lon <= maxLon
	}
}

// checklistComplete passes when the checklist field is a non-empty map
// whose entries are all true. When items is set those items must be
// present and true; other entries are ignored.
func checklistComplete(field string, items []string) Predicate {
	return func(ec *model.EvaluationContext) bool {
		raw, ok := ec.Field(field)
		if !ok {
			return false
		}
		list := checklistOf(raw)
		if len(list) == 0 {
			return false
		}
		if len(items) > 0 {
			for _, item := range items {
				if !list[item] {
					return false
				}
			}
			return true
		}
		for _, done := range list {
			if !done {
				return false
			}
		}
		return true
	}
}

func checklistOf(raw any) map[string]bool {
	switch m := raw.(type) {
	case map[string]bool:
		return m
	case map[string]any:
		out := make(map[string]bool, len(m))
		for k, v := range m {
			b, _ := v.(bool)
			out[k] = b
		}
		return out
	}
	return nil
}

// withinTimeLimit uses days when set, else the stage limit the engine put
// on the context. Missing entry time or limit fails the rule.
func withinTimeLimit(days *int) Predicate {
	return func(ec *model.EvaluationContext) bool {
		limit := days
		if limit == nil {
			limit = ec.TimeLimitDays
		}
		if limit == nil {
			return false
		}
		elapsed, ok := ElapsedDays(ec)
		if !ok {
			return false
		}
		return elapsed <= float64(*limit)
	}
}

// ElapsedDays returns the days spent in the current stage, measured from
// StageEnteredAt to Now (or the wall clock when Now is zero).
func ElapsedDays(ec *model.EvaluationContext) (float64, bool) {
	if ec == nil || ec.StageEnteredAt == nil {
		return 0, false
	}
	now := ec.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return now.Sub(*ec.StageEnteredAt).Hours() / 24, true
}
