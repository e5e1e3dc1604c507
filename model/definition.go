package model

// WorkflowDefinition is the root structure of a definition file. Each file
// declares one certification workflow: its stages and the parameterised
// business rules those stages may reference.
type WorkflowDefinition struct {
	ID           string            `yaml:"id"            json:"id"`
	Name         string            `yaml:"name"          json:"name"`
	Version      string            `yaml:"version"       json:"version"`
	InitialStage string            `yaml:"initial_stage" json:"initial_stage"`
	Stages       []StageDefinition `yaml:"stages"        json:"stages"`
	Rules        []RuleDefinition  `yaml:"rules"         json:"rules,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StageDefinition describes one stage of the certification lifecycle and
// the conditions under which a case may leave it.
type StageDefinition struct {
	ID                 string           `yaml:"id"                   json:"id"`
	Name               string           `yaml:"name"                 json:"name"`
	AllowedTransitions []string         `yaml:"allowed_transitions"  json:"allowed_transitions"`
	RequiredActorRoles []string         `yaml:"required_actor_roles" json:"required_actor_roles"`
	RequiredEvidence   []string         `yaml:"required_evidence"    json:"required_evidence,omitempty"`
	BusinessRules      []string         `yaml:"business_rules"       json:"business_rules,omitempty"`
	TimeLimitDays      *int             `yaml:"time_limit_days"      json:"time_limit_days,omitempty"`
	Assignment         *StageAssignment `yaml:"assignment"           json:"assignment,omitempty"`
}

// IsTerminal reports whether no transition may leave the stage.
func (s StageDefinition) IsTerminal() bool {
	return len(s.AllowedTransitions) == 0
}

// StageAssignment describes the work unlocked when a case enters a stage.
type StageAssignment struct {
	Role     string `yaml:"role"     json:"role"`
	JobType  string `yaml:"job_type" json:"job_type"`
	Priority string `yaml:"priority" json:"priority,omitempty"`
	Strategy string `yaml:"strategy" json:"strategy,omitempty"`
}

// RuleDefinition declares a business rule built from a predicate factory.
// Params are factory specific (field names, thresholds, bounds).
type RuleDefinition struct {
	Name     string         `yaml:"name"     json:"name"`
	Type     string         `yaml:"type"     json:"type"`
	Critical bool           `yaml:"critical" json:"critical,omitempty"`
	Params   map[string]any `yaml:"params"   json:"params,omitempty"`
}
