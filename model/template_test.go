package model

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestLifecycle_Listed(t *testing.T) {
	if !(Lifecycle{}).Listed() {
		t.Error("Listed() with unset flag = false, want true")
	}
	if (Lifecycle{ShouldBeListed: boolPtr(false)}).Listed() {
		t.Error("Listed() with false = true, want false")
	}
}

func TestStateBlueprint_Interactive(t *testing.T) {
	terminal := StateBlueprint{Name: "approved"}
	if terminal.Interactive() {
		t.Error("terminal state Interactive() = true, want false")
	}
	draft := StateBlueprint{Name: "draft", Transitions: []Transition{{Event: "SUBMIT", Target: "review"}}}
	if !draft.Interactive() {
		t.Error("draft Interactive() = false, want true")
	}
	draft.RequiresInteraction = boolPtr(false)
	if draft.Interactive() {
		t.Error("explicit RequiresInteraction=false ignored")
	}
}

func TestTemplate_FindState_and_DeclaredRoles(t *testing.T) {
	tmpl := &Template{
		States: []StateBlueprint{
			{Name: "draft", Roles: []RoleBlueprint{{ID: "applicant"}}},
			{Name: "review", Roles: []RoleBlueprint{{ID: "reviewer"}, {ID: "applicant"}}},
		},
	}
	if tmpl.FindState("review") == nil {
		t.Fatal("FindState(review) = nil")
	}
	if tmpl.FindState("missing") != nil {
		t.Error("FindState(missing) != nil")
	}
	roles := tmpl.DeclaredRoles()
	if len(roles) != 2 || roles[0] != "applicant" || roles[1] != "reviewer" {
		t.Errorf("DeclaredRoles() = %v, want [applicant reviewer]", roles)
	}
}

func TestStateBlueprint_FindTransition_first_match(t *testing.T) {
	s := StateBlueprint{Transitions: []Transition{
		{Event: "SUBMIT", Target: "review"},
		{Event: "SUBMIT", Target: "other"},
	}}
	tr := s.FindTransition("SUBMIT")
	if tr == nil || tr.Target != "review" {
		t.Errorf("FindTransition(SUBMIT) = %v, want target review", tr)
	}
	if s.FindTransition("APPROVE") != nil {
		t.Error("FindTransition(APPROVE) != nil")
	}
}

func TestAction_Persists(t *testing.T) {
	if !(Action{Type: ActionDataProvider}).Persists() {
		t.Error("dataProvider action Persists() = false")
	}
	if (Action{Type: ActionSideEffect}).Persists() {
		t.Error("sideEffect action Persists() = true")
	}
}

func TestTemplate_Events(t *testing.T) {
	tmpl := Template{States: []StateBlueprint{
		{Name: "draft", Transitions: []Transition{{Event: "SUBMIT", Target: "review"}, {Event: "WITHDRAW", Target: "closed"}}},
		{Name: "review", Transitions: []Transition{{Event: "APPROVE", Target: "closed"}, {Event: "WITHDRAW", Target: "closed"}}},
		{Name: "closed"},
	}}
	got := tmpl.Events()
	want := []string{"APPROVE", "SUBMIT", "WITHDRAW"}
	if len(got) != len(want) {
		t.Fatalf("Events() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Events()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
