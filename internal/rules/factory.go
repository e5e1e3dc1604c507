package rules

import (
	"fmt"
	"sort"

	"github.com/pitabwire/certflow/model"
)

// Factory builds a predicate from the params of a declared rule.
type Factory func(params map[string]any) (Predicate, error)

var factories = map[string]Factory{
	"field_true":         buildFieldTrue,
	"field_equals":       buildFieldEquals,
	"minimum_score":      buildMinimumScore,
	"evidence_present":   buildEvidencePresent,
	"geo_bounds":         buildGeoBounds,
	"checklist_complete": buildChecklistComplete,
	"within_time_limit":  buildWithinTimeLimit,
	"actor_verified":     func(map[string]any) (Predicate, error) { return actorVerified, nil },
}

// FactoryTypes lists the rule types a definition may declare.
func FactoryTypes() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build turns a declared rule into a registrable Rule.
func Build(def model.RuleDefinition) (Rule, error) {
	if def.Name == "" {
		return Rule{}, fmt.Errorf("rules: declared rule has no name")
	}
	f, ok := factories[def.Type]
	if !ok {
		return Rule{}, fmt.Errorf("rules: rule %q has unknown type %q", def.Name, def.Type)
	}
	p, err := f(def.Params)
	if err != nil {
		return Rule{}, fmt.Errorf("rules: rule %q: %w", def.Name, err)
	}
	return Rule{
		Name:        def.Name,
		Description: def.Type,
		Critical:    def.Critical,
		Predicate:   p,
	}, nil
}

// RegisterDefinitions builds and registers every declared rule.
func (r *Registry) RegisterDefinitions(defs []model.RuleDefinition) error {
	for _, def := range defs {
		rule, err := Build(def)
		if err != nil {
			return err
		}
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

func buildFieldTrue(params map[string]any) (Predicate, error) {
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	return fieldTrue(field), nil
}

func buildFieldEquals(params map[string]any) (Predicate, error) {
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	want, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("param %q is required", "value")
	}
	switch w := want.(type) {
	case string:
		return func(ec *model.EvaluationContext) bool {
			v, ok := ec.String(field)
			return ok && v == w
		}, nil
	case bool:
		return func(ec *model.EvaluationContext) bool {
			v, ok := ec.Bool(field)
			return ok && v == w
		}, nil
	}
	if n, ok := toFloat(want); ok {
		return func(ec *model.EvaluationContext) bool {
			v, ok := ec.Float(field)
			return ok && v == n
		}, nil
	}
	return nil, fmt.Errorf("param %q must be a string, bool or number", "value")
}

func buildMinimumScore(params map[string]any) (Predicate, error) {
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	threshold, err := requireFloat(params, "min")
	if err != nil {
		return nil, err
	}
	return minimumScore(field, threshold), nil
}

func buildEvidencePresent(params map[string]any) (Predicate, error) {
	types, err := requireStrings(params, "types")
	if err != nil {
		return nil, err
	}
	return func(ec *model.EvaluationContext) bool {
		for _, t := range types {
			if !ec.HasEvidence(t) {
				return false
			}
		}
		return true
	}, nil
}

func buildGeoBounds(params map[string]any) (Predicate, error) {
	latField := optionalString(params, "lat_field", "latitude")
	lonField := optionalString(params, "lon_field", "longitude")
	var bounds [4]float64
	for i, key := range []string{"min_lat", "max_lat", "min_lon", "max_lon"} {
		v, err := requireFloat(params, key)
		if err != nil {
			return nil, err
		}
		bounds[i] = v
	}
	if bounds[0] > bounds[1] || bounds[2] > bounds[3] {
		return nil, fmt.Errorf("geo bounds are inverted")
	}
	return geoBounds(latField, lonField, bounds[0], bounds[1], bounds[2], bounds[3]), nil
}

func buildChecklistComplete(params map[string]any) (Predicate, error) {
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	var items []string
	if _, ok := params["items"]; ok {
		items, err = requireStrings(params, "items")
		if err != nil {
			return nil, err
		}
	}
	return checklistComplete(field, items), nil
}

func buildWithinTimeLimit(params map[string]any) (Predicate, error) {
	if _, ok := params["days"]; !ok {
		return withinTimeLimit(nil), nil
	}
	d, err := requireFloat(params, "days")
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("param %q must not be negative", "days")
	}
	days := int(d)
	return withinTimeLimit(&days), nil
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return v, nil
}

func optionalString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func requireFloat(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("param %q is required", key)
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("param %q must be a number", key)
	}
	return v, nil
}

func requireStrings(params map[string]any, key string) ([]string, error) {
	ec := &model.EvaluationContext{Fields: params}
	v, ok := ec.Strings(key)
	if !ok || len(v) == 0 {
		return nil, fmt.Errorf("param %q must be a non-empty list of strings", key)
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	ec := &model.EvaluationContext{Fields: map[string]any{"v": v}}
	return ec.Float("v")
}
