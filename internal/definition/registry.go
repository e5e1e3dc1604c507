package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/model"
)

// Table is the compiled, immutable lookup of one workflow. All accessors
// return copies so no caller can change a loaded definition.
type Table struct {
	id       string
	name     string
	version  string
	initial  string
	checksum string
	order    []string
	stages   map[string]*stage
}

type stage struct {
	def     model.StageDefinition
	allowed map[string]bool
	roles   map[string]bool
}

// Compile builds a Table from a definition that has already passed
// validation.
func Compile(def model.WorkflowDefinition) *Table {
	t := &Table{
		id:       def.ID,
		name:     def.Name,
		version:  def.Version,
		initial:  def.InitialStage,
		checksum: def.Checksum,
		order:    make([]string, 0, len(def.Stages)),
		stages:   make(map[string]*stage, len(def.Stages)),
	}
	for _, s := range def.Stages {
		cs := &stage{
			def:     cloneStage(s),
			allowed: make(map[string]bool, len(s.AllowedTransitions)),
			roles:   make(map[string]bool, len(s.RequiredActorRoles)),
		}
		for _, to := range s.AllowedTransitions {
			cs.allowed[to] = true
		}
		for _, r := range s.RequiredActorRoles {
			cs.roles[r] = true
		}
		t.order = append(t.order, s.ID)
		t.stages[s.ID] = cs
	}
	return t
}

// ID returns the workflow id.
func (t *Table) ID() string { return t.id }

// Name returns the workflow display name.
func (t *Table) Name() string { return t.name }

// Version returns the declared workflow version.
func (t *Table) Version() string { return t.version }

// InitialStage returns the stage new cases start in.
func (t *Table) InitialStage() string { return t.initial }

// Checksum returns the checksum of the source file.
func (t *Table) Checksum() string { return t.checksum }

// StageIDs returns stage ids in declaration order.
func (t *Table) StageIDs() []string {
	return append([]string(nil), t.order...)
}

// Has reports whether the stage is defined.
func (t *Table) Has(stageID string) bool {
	_, ok := t.stages[stageID]
	return ok
}

// Stage returns a copy of the stage definition.
func (t *Table) Stage(stageID string) (model.StageDefinition, bool) {
	s, ok := t.stages[stageID]
	if !ok {
		return model.StageDefinition{}, false
	}
	return cloneStage(s.def), true
}

// CanTransition reports whether to is an allowed target of from.
func (t *Table) CanTransition(from, to string) bool {
	s, ok := t.stages[from]
	return ok && s.allowed[to]
}

// RoleAllowed reports whether role may act in the stage. The system role
// is always allowed.
func (t *Table) RoleAllowed(stageID, role string) bool {
	s, ok := t.stages[stageID]
	if !ok {
		return false
	}
	return role == model.SystemRole || s.roles[role]
}

func cloneStage(s model.StageDefinition) model.StageDefinition {
	out := s
	out.AllowedTransitions = append([]string(nil), s.AllowedTransitions...)
	out.RequiredActorRoles = append([]string(nil), s.RequiredActorRoles...)
	out.RequiredEvidence = append([]string(nil), s.RequiredEvidence...)
	out.BusinessRules = append([]string(nil), s.BusinessRules...)
	if s.TimeLimitDays != nil {
		d := *s.TimeLimitDays
		out.TimeLimitDays = &d
	}
	if s.Assignment != nil {
		a := *s.Assignment
		out.Assignment = &a
	}
	return out
}

// snapshot is an immutable collection of compiled workflows indexed by ID.
type snapshot struct {
	tables   map[string]*Table
	checksum string
}

// Registry is a read-optimized, thread-safe store of compiled workflows.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given tables.
func NewRegistry(tables []*Table) *Registry {
	r := &Registry{}
	r.Replace(tables)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(tables []*Table) {
	s := &snapshot{tables: make(map[string]*Table, len(tables))}

	var checksumParts []string
	for _, t := range tables {
		s.tables[t.id] = t
		checksumParts = append(checksumParts, t.checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the workflow with the given ID.
func (r *Registry) Get(workflowID string) (*Table, bool) {
	t, ok := r.current().tables[workflowID]
	return t, ok
}

// IDs returns all workflow ids, sorted.
func (r *Registry) IDs() []string {
	s := r.current()
	ids := make([]string, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Checksum returns the combined checksum of all loaded workflows.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Build validates defs against rr, registers the rules the definitions
// declare, freezes rr and returns the compiled registry. Any validation
// problem fails the whole build.
func Build(defs []model.WorkflowDefinition, rr *rules.Registry) (*Registry, error) {
	if errs := NewValidator(rr).Validate(defs); len(errs) > 0 {
		return nil, AsError(errs)
	}

	for _, def := range defs {
		if err := rr.RegisterDefinitions(def.Rules); err != nil {
			return nil, model.NewInvalidDefinitionError(
				fmt.Sprintf("workflow %q: %v", def.ID, err), nil)
		}
	}
	rr.Freeze()

	tables := make([]*Table, 0, len(defs))
	for _, def := range defs {
		tables = append(tables, Compile(def))
	}
	return NewRegistry(tables), nil
}
