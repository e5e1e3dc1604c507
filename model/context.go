package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SystemRole is the role of automated actors. It bypasses stage role
// requirements.
const SystemRole = "system"

// Actor identifies who performs a transition or an assignment action.
type Actor struct {
	ID       string `json:"id"       yaml:"id"`
	Role     string `json:"role"     yaml:"role"`
	Verified bool   `json:"verified" yaml:"verified"`
}

// IsSystem reports whether the actor acts on behalf of the system.
func (a Actor) IsSystem() bool {
	return a.Role == SystemRole
}

// Validate checks that all mandatory fields are present.
func (a Actor) Validate() error {
	var errs []error
	if a.Role == "" {
		errs = append(errs, fmt.Errorf("Role is required"))
	}
	if a.ID == "" && !a.IsSystem() {
		errs = append(errs, fmt.Errorf("ID is required for non-system actors"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EvaluationContext is the bag of facts business rules are evaluated
// against. The caller builds it; rules read what they need and treat any
// missing or mistyped field as a failed predicate.
type EvaluationContext struct {
	CaseID         string         `json:"case_id"`
	Actor          Actor          `json:"actor"`
	Evidence       []string       `json:"evidence,omitempty"`
	StageEnteredAt *time.Time     `json:"stage_entered_at,omitempty"`
	Now            time.Time      `json:"now"`
	Fields         map[string]any `json:"fields,omitempty"`

	// Filled by the workflow engine from the current stage before rules run.
	RequiredEvidence []string `json:"required_evidence,omitempty"`
	TimeLimitDays    *int     `json:"time_limit_days,omitempty"`
}

// Clone returns a copy that can be modified without touching the caller's
// slices and maps.
func (c *EvaluationContext) Clone() *EvaluationContext {
	if c == nil {
		return &EvaluationContext{}
	}
	out := *c
	out.Evidence = append([]string(nil), c.Evidence...)
	out.RequiredEvidence = append([]string(nil), c.RequiredEvidence...)
	if c.Fields != nil {
		out.Fields = make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// Field returns the raw value of key.
func (c *EvaluationContext) Field(key string) (any, bool) {
	if c == nil || c.Fields == nil {
		return nil, false
	}
	v, ok := c.Fields[key]
	return v, ok
}

// Bool returns the boolean value of key.
func (c *EvaluationContext) Bool(key string) (bool, bool) {
	v, ok := c.Field(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// String returns the string value of key.
func (c *EvaluationContext) String(key string) (string, bool) {
	v, ok := c.Field(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the numeric value of key, accepting any Go number type
// YAML or JSON decoding may produce.
func (c *EvaluationContext) Float(key string) (float64, bool) {
	v, ok := c.Field(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Strings returns the value of key as a string slice. Both []string and
// []any holding only strings are accepted.
func (c *EvaluationContext) Strings(key string) ([]string, bool) {
	v, ok := c.Field(key)
	if !ok {
		return nil, false
	}
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// HasEvidence reports whether evidence of the given type is present.
func (c *EvaluationContext) HasEvidence(evidenceType string) bool {
	if c == nil {
		return false
	}
	for _, e := range c.Evidence {
		if e == evidenceType {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor attaches an Actor to the given context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the Actor from the context.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
