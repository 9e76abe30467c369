package template

import (
	"testing"
	"time"

	"github.com/pitabwire/casework/model"
)

func validTemplate() model.Template {
	return model.Template{
		Type:               "permit",
		Name:               "Permit",
		InitialState:       "draft",
		AllowedDelegations: []string{"procuration"},
		RoleMapping: map[model.Relation]string{
			model.RelationApplicant: "applicant",
			model.RelationActor:     "applicant",
			model.RelationAssignee:  "reviewer",
		},
		States: []model.StateBlueprint{
			{
				Name:   "draft",
				Status: model.StatusDraft,
				Transitions: []model.Transition{
					{Event: "SUBMIT", Target: "review"},
				},
				Roles: []model.RoleBlueprint{
					{ID: "applicant", Actions: []model.RoleAction{{Event: "SUBMIT"}}, Write: model.Access{Mode: model.AccessAll}},
				},
				Lifecycle: model.Lifecycle{ShouldBePruned: true, WhenToPrune: 24 * time.Hour},
			},
			{
				Name:   "review",
				Status: model.StatusInProgress,
				Transitions: []model.Transition{
					{Event: "APPROVE", Target: "done"},
				},
				Roles: []model.RoleBlueprint{
					{ID: "reviewer", Actions: []model.RoleAction{{Event: "APPROVE"}}},
				},
			},
			{Name: "done", Status: model.StatusApproved},
		},
	}
}

func codes(errs []VError) map[string]bool {
	out := make(map[string]bool)
	for _, e := range errs {
		out[e.Code] = true
	}
	return out
}

func TestValidator_valid(t *testing.T) {
	tmpl := validTemplate()
	if errs := NewValidator().ValidateTemplate("t", &tmpl); len(errs) != 0 {
		t.Fatalf("ValidateTemplate() = %v, want no errors", errs)
	}
}

func TestValidator_loaded_template_is_valid(t *testing.T) {
	tmpl, err := NewLoader().LoadFile("testdata/valid/residence-permit.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if errs := NewValidator().ValidateTemplate("t", &tmpl); len(errs) != 0 {
		t.Fatalf("ValidateTemplate() = %v, want no errors", errs)
	}
}

func TestValidator_rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.Template)
		wantCode string
	}{
		{
			name:     "transition target missing",
			mutate:   func(t *model.Template) { t.States[0].Transitions[0].Target = "nowhere" },
			wantCode: "REF_NOT_FOUND",
		},
		{
			name:     "initial state missing",
			mutate:   func(t *model.Template) { t.InitialState = "nowhere" },
			wantCode: "REF_NOT_FOUND",
		},
		{
			name:     "role action not in transition table",
			mutate:   func(t *model.Template) { t.States[0].Roles[0].Actions[0].Event = "APPROVE" },
			wantCode: "REF_NOT_FOUND",
		},
		{
			name:     "duplicate state name",
			mutate:   func(t *model.Template) { t.States[2].Name = "draft" },
			wantCode: "DUPLICATE",
		},
		{
			name:     "interactive state without roles",
			mutate:   func(t *model.Template) { t.States[1].Roles = nil; t.RoleMapping[model.RelationAssignee] = "applicant" },
			wantCode: "REQUIRED",
		},
		{
			name:     "invalid status",
			mutate:   func(t *model.Template) { t.States[2].Status = "archived" },
			wantCode: "INVALID_ENUM",
		},
		{
			name:     "prune without duration",
			mutate:   func(t *model.Template) { t.States[0].Lifecycle.WhenToPrune = 0 },
			wantCode: "RANGE",
		},
		{
			name:     "mapping to undeclared role",
			mutate:   func(t *model.Template) { t.RoleMapping[model.RelationAssignee] = "auditor" },
			wantCode: "UNDECLARED_ROLE",
		},
		{
			name:     "declared role never mapped",
			mutate:   func(t *model.Template) { delete(t.RoleMapping, model.RelationAssignee) },
			wantCode: "UNREACHABLE_ROLE",
		},
		{
			name:     "actor mapped without delegations",
			mutate:   func(t *model.Template) { t.AllowedDelegations = nil },
			wantCode: "REQUIRED",
		},
		{
			name: "listed answers outside listed mode",
			mutate: func(t *model.Template) {
				t.States[0].Roles[0].Write = model.Access{Mode: model.AccessAll, Answers: []string{"a"}}
			},
			wantCode: "INVALID_ACCESS",
		},
		{
			name: "history log for unknown event",
			mutate: func(t *model.Template) {
				t.States[0].ActionCard.HistoryLogs = []model.HistoryLog{{OnEvent: "APPROVE", LogMessage: "x"}}
			},
			wantCode: "REF_NOT_FOUND",
		},
		{
			name: "action without providers",
			mutate: func(t *model.Template) {
				t.States[0].OnEntry = []model.Action{{Name: "fetch"}}
			},
			wantCode: "REQUIRED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := validTemplate()
			tt.mutate(&tmpl)
			errs := NewValidator().ValidateTemplate("t", &tmpl)
			if !codes(errs)[tt.wantCode] {
				t.Errorf("ValidateTemplate() = %v, want code %s", errs, tt.wantCode)
			}
		})
	}
}

func TestValidator_mapper_totality(t *testing.T) {
	tmpl := validTemplate()
	tmpl.RoleMapping = nil
	tmpl.MapUserToRole = func(id model.Identity, app model.Application) (string, bool) {
		if id.NationalID == app.Applicant {
			return "applicant", true
		}
		return "", false
	}
	errs := NewValidator().ValidateTemplate("t", &tmpl)
	if !codes(errs)["UNREACHABLE_ROLE"] {
		t.Errorf("ValidateTemplate() = %v, want UNREACHABLE_ROLE for reviewer", errs)
	}

	tmpl.MapUserToRole = func(id model.Identity, app model.Application) (string, bool) {
		switch id.RelationTo(app) {
		case model.RelationApplicant, model.RelationActor:
			return "applicant", true
		case model.RelationAssignee:
			return "reviewer", true
		}
		return "", false
	}
	if errs := NewValidator().ValidateTemplate("t", &tmpl); len(errs) != 0 {
		t.Errorf("ValidateTemplate() = %v, want no errors", errs)
	}

	tmpl.MapUserToRole = func(model.Identity, model.Application) (string, bool) { return "superuser", true }
	if errs := NewValidator().ValidateTemplate("t", &tmpl); !codes(errs)["UNDECLARED_ROLE"] {
		t.Errorf("ValidateTemplate() = %v, want UNDECLARED_ROLE", errs)
	}
}

func TestValidator_Validate_duplicate_types(t *testing.T) {
	errs := NewValidator().Validate([]model.Template{validTemplate(), validTemplate()})
	if !codes(errs)["DUPLICATE"] {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func TestValidator_ValidateProviders(t *testing.T) {
	tmpl := validTemplate()
	tmpl.States[0].OnExit = []model.Action{{Name: "lookup", Type: model.ActionDataProvider, Providers: []string{"national-registry", "tax-office"}}}
	tmpl.States[1].OnEntry = []model.Action{{Name: "check", Type: model.ActionDataProvider, Providers: []string{"criminal-record"}}}
	tmpl.States[1].Roles[0].DataProviders = []string{"tax-office", "land-registry"}

	known := map[string]bool{"national-registry": true, "tax-office": true}
	errs := NewValidator().ValidateProviders("permit", &tmpl, func(id string) bool { return known[id] })

	if len(errs) != 2 {
		t.Fatalf("ValidateProviders() = %v, want 2 errors", errs)
	}
	paths := map[string]bool{}
	for _, e := range errs {
		if e.Code != "UNKNOWN_PROVIDER" {
			t.Errorf("code = %q, want UNKNOWN_PROVIDER", e.Code)
		}
		paths[e.Path] = true
	}
	for _, want := range []string{
		"permit.states[1].on_entry[0].providers[0]",
		"permit.states[1].roles[0].data_providers[1]",
	} {
		if !paths[want] {
			t.Errorf("missing error at %s, got %v", want, errs)
		}
	}
}

func TestValidator_ValidateProviders_all_known(t *testing.T) {
	tmpl := validTemplate()
	tmpl.States[0].OnExit = []model.Action{{Name: "lookup", Type: model.ActionDataProvider, Providers: []string{"national-registry"}}}
	errs := NewValidator().ValidateProviders("permit", &tmpl, func(string) bool { return true })
	if len(errs) != 0 {
		t.Fatalf("ValidateProviders() = %v, want no errors", errs)
	}
}
