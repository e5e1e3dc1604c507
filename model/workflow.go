package model

import (
	"fmt"
	"strings"
	"time"
)

// TransitionResult is the decision returned by the workflow engine. The
// engine never persists anything; on success the caller moves the case to
// ToStage exactly once.
type TransitionResult struct {
	Success     bool      `json:"success"`
	ReasonCode  string    `json:"reason_code,omitempty"`
	Message     string    `json:"message"`
	FromStage   string    `json:"from_stage"`
	ToStage     string    `json:"to_stage,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	PassedRules []string  `json:"passed_rules"`
	Actor       Actor     `json:"actor"`

	// Rejection detail, populated according to ReasonCode.
	FailedRules      []string `json:"failed_rules,omitempty"`
	ValidTransitions []string `json:"valid_transitions,omitempty"`
	RequiredRoles    []string `json:"required_roles,omitempty"`
	ElapsedDays      float64  `json:"elapsed_days,omitempty"`
	TimeLimitDays    int      `json:"time_limit_days,omitempty"`
}

// Err converts a rejected decision into an ErrorEnvelope carrying the
// structured detail. It returns nil for successful decisions.
func (r TransitionResult) Err() error {
	if r.Success {
		return nil
	}
	env := &ErrorEnvelope{Code: r.ReasonCode, Message: r.Message}
	env.WithMeta("from_stage", r.FromStage)
	if r.ToStage != "" {
		env.WithMeta("to_stage", r.ToStage)
	}
	switch r.ReasonCode {
	case ErrInvalidTransition:
		env.WithMeta("valid_transitions", r.ValidTransitions)
	case ErrActorNotAuthorized:
		env.WithMeta("required_roles", r.RequiredRoles)
	case ErrBusinessRuleViolation:
		env.WithMeta("failed_rules", r.FailedRules)
	case ErrTimeLimitExceeded:
		env.WithMeta("time_limit_days", r.TimeLimitDays)
		env.WithMeta("elapsed_days", r.ElapsedDays)
	}
	return env
}

// String returns a compact human readable summary.
func (r TransitionResult) String() string {
	if r.Success {
		return fmt.Sprintf("%s -> %s ok", r.FromStage, r.ToStage)
	}
	return fmt.Sprintf("%s -> %s rejected (%s: %s)", r.FromStage, r.ToStage, r.ReasonCode, strings.TrimSpace(r.Message))
}

// StageRequirements is the read-only view of what a stage demands.
type StageRequirements struct {
	Stage              string           `json:"stage"`
	Name               string           `json:"name"`
	AllowedTransitions []string         `json:"allowed_transitions"`
	RequiredActorRoles []string         `json:"required_actor_roles"`
	RequiredEvidence   []string         `json:"required_evidence"`
	BusinessRules      []string         `json:"business_rules"`
	TimeLimitDays      *int             `json:"time_limit_days,omitempty"`
	Terminal           bool             `json:"terminal"`
	Assignment         *StageAssignment `json:"assignment,omitempty"`
}

// AvailableTransition is one entry of the non-authoritative transition
// preview.
type AvailableTransition struct {
	ToStage string `json:"to_stage"`
	Name    string `json:"name"`
}
