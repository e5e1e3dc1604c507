package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/model"
)

func TestBuild(t *testing.T) {
	rr := rules.NewDefaultRegistry()
	reg, err := Build([]model.WorkflowDefinition{validWorkflow()}, rr)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !rr.Has("training_done") {
		t.Error("declared rule should be registered")
	}
	if err := rr.Register(rules.Rule{Name: "late", Predicate: func(*model.EvaluationContext) bool { return true }}); err == nil {
		t.Error("rule registry should be frozen after Build")
	}

	tbl, ok := reg.Get("gacp")
	if !ok {
		t.Fatal("Get(gacp) not found")
	}
	if tbl.InitialStage() != "submitted" {
		t.Errorf("InitialStage() = %q", tbl.InitialStage())
	}
	if got := reg.IDs(); len(got) != 1 || got[0] != "gacp" {
		t.Errorf("IDs() = %v", got)
	}
}

func TestBuild_invalid(t *testing.T) {
	w := validWorkflow()
	w.Stages[0].BusinessRules = []string{"nope"}
	_, err := Build([]model.WorkflowDefinition{w}, rules.NewDefaultRegistry())
	if !model.IsCode(err, model.ErrUnknownRule) {
		t.Fatalf("Build() error = %v, want UNKNOWN_RULE", err)
	}
}

func TestTable_lookups(t *testing.T) {
	tbl := Compile(validWorkflow())

	if !tbl.Has("submitted") || tbl.Has("limbo") {
		t.Error("Has() mismatch")
	}
	if !tbl.CanTransition("submitted", "under_review") {
		t.Error("submitted -> under_review should be allowed")
	}
	if tbl.CanTransition("submitted", "approved") {
		t.Error("submitted -> approved should not be allowed")
	}
	if tbl.CanTransition("approved", "submitted") {
		t.Error("terminal stage must have no transitions")
	}
	if !tbl.RoleAllowed("submitted", "dtam_officer") || tbl.RoleAllowed("submitted", "farmer") {
		t.Error("RoleAllowed() mismatch")
	}
	if !tbl.RoleAllowed("submitted", model.SystemRole) {
		t.Error("system role should always be allowed")
	}
	if got := tbl.StageIDs(); len(got) != 4 || got[0] != "submitted" {
		t.Errorf("StageIDs() = %v", got)
	}
}

func TestTable_Stage_returns_copy(t *testing.T) {
	tbl := Compile(validWorkflow())

	s, _ := tbl.Stage("submitted")
	s.AllowedTransitions[0] = "approved"
	*s.TimeLimitDays = 99

	again, _ := tbl.Stage("submitted")
	if again.AllowedTransitions[0] != "under_review" {
		t.Error("Stage() leaked internal slice")
	}
	if *again.TimeLimitDays != 14 {
		t.Error("Stage() leaked internal pointer")
	}
}

func TestRegistry_Replace(t *testing.T) {
	reg := NewRegistry(nil)
	before := reg.Checksum()

	w := validWorkflow()
	w.Checksum = "abc"
	reg.Replace([]*Table{Compile(w)})

	if _, ok := reg.Get("gacp"); !ok {
		t.Error("Get(gacp) after Replace not found")
	}
	if reg.Checksum() == before {
		t.Error("Checksum should change after Replace")
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	reg := NewRegistry([]*Table{Compile(validWorkflow())})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if tbl, ok := reg.Get("gacp"); ok {
					_ = tbl.CanTransition("submitted", "under_review")
				}
			}
		}()
		go func() {
			defer wg.Done()
			reg.Replace([]*Table{Compile(validWorkflow())})
		}()
	}
	wg.Wait()
}
