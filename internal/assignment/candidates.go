package assignment

import (
	"context"

	"github.com/pitabwire/certflow/internal/config"
	"github.com/pitabwire/certflow/model"
)

// CandidatePool lists the operators eligible for a role, in a stable
// order that strategies rely on for tie breaking.
type CandidatePool interface {
	FindCandidatesByRole(ctx context.Context, role string) ([]model.Candidate, error)
}

// StaticCandidatePool serves a fixed roster.
type StaticCandidatePool struct {
	byRole map[string][]model.Candidate
}

// NewStaticCandidatePool builds a pool from the configured roster.
func NewStaticCandidatePool(cfg config.AssignmentConfig) *StaticCandidatePool {
	p := &StaticCandidatePool{byRole: make(map[string][]model.Candidate)}
	for role, list := range cfg.CandidatesByRole() {
		for _, c := range list {
			p.byRole[role] = append(p.byRole[role], model.Candidate{ID: c.ID, Role: role, Name: c.Name})
		}
	}
	return p
}

// NewCandidatePool builds a pool from explicit candidates.
func NewCandidatePool(candidates ...model.Candidate) *StaticCandidatePool {
	p := &StaticCandidatePool{byRole: make(map[string][]model.Candidate)}
	for _, c := range candidates {
		p.byRole[c.Role] = append(p.byRole[c.Role], c)
	}
	return p
}

// FindCandidatesByRole implements CandidatePool. The returned slice is a
// copy.
func (p *StaticCandidatePool) FindCandidatesByRole(_ context.Context, role string) ([]model.Candidate, error) {
	return append([]model.Candidate(nil), p.byRole[role]...), nil
}
