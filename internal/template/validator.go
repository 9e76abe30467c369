package template

import (
	"fmt"
	"slices"

	"github.com/pitabwire/casework/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates referentially: every name a template refers to
// must be declared within it.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all templates, including uniqueness of type ids.
func (v *Validator) Validate(tmpls []model.Template) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, t := range tmpls {
		prefix := fmt.Sprintf("templates[%d]", i)
		if first, dup := seen[t.Type]; dup && t.Type != "" {
			errs = append(errs, VError{
				Path:    prefix + ".type",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("type %q already declared by templates[%d]", t.Type, first),
			})
		} else {
			seen[t.Type] = i
		}
		errs = append(errs, v.ValidateTemplate(prefix, &t)...)
	}
	return errs
}

var validRelations = []model.Relation{model.RelationActor, model.RelationApplicant, model.RelationAssignee}

// ValidateTemplate checks a single template.
func (v *Validator) ValidateTemplate(prefix string, t *model.Template) []VError {
	var errs []VError

	if t.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(t.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
	}

	stateNames := make(map[string]bool, len(t.States))
	for i, s := range t.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "state name is required"})
			continue
		}
		if stateNames[s.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("state %q declared more than once", s.Name)})
		}
		stateNames[s.Name] = true
	}

	if t.InitialState == "" {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "REQUIRED", Message: "initial_state is required"})
	} else if !stateNames[t.InitialState] {
		errs = append(errs, VError{
			Path:    prefix + ".initial_state",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("initial_state %q not found in states", t.InitialState),
		})
	}

	for i := range t.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		errs = append(errs, v.validateState(sp, &t.States[i], stateNames)...)
	}

	errs = append(errs, v.validateRoleMapping(prefix, t)...)
	return errs
}

func (v *Validator) validateState(prefix string, s *model.StateBlueprint, stateNames map[string]bool) []VError {
	var errs []VError

	if !slices.Contains(model.ValidStatuses, s.Status) {
		errs = append(errs, VError{Path: prefix + ".status", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid status %q", s.Status)})
	}

	events := make(map[string]bool, len(s.Transitions))
	for i, tr := range s.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if tr.Event == "" {
			errs = append(errs, VError{Path: tp + ".event", Code: "REQUIRED", Message: "event is required"})
		}
		events[tr.Event] = true
		if !stateNames[tr.Target] {
			errs = append(errs, VError{
				Path:    tp + ".target",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("transition target %q not found in states", tr.Target),
			})
		}
	}

	if s.Interactive() && len(s.Roles) == 0 {
		errs = append(errs, VError{Path: prefix + ".roles", Code: "REQUIRED", Message: fmt.Sprintf("state %q requires interaction but declares no roles", s.Name)})
	}

	roleIDs := make(map[string]bool, len(s.Roles))
	for i, r := range s.Roles {
		rp := fmt.Sprintf("%s.roles[%d]", prefix, i)
		if r.ID == "" {
			errs = append(errs, VError{Path: rp + ".id", Code: "REQUIRED", Message: "role id is required"})
		} else if roleIDs[r.ID] {
			errs = append(errs, VError{Path: rp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("role %q declared more than once in state", r.ID)})
		}
		roleIDs[r.ID] = true

		for j, a := range r.Actions {
			if !events[a.Event] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.actions[%d].event", rp, j),
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("action event %q not found in state %q transitions", a.Event, s.Name),
				})
			}
		}
		errs = append(errs, validateAccess(rp+".read", r.Read)...)
		errs = append(errs, validateAccess(rp+".write", r.Write)...)
	}

	errs = append(errs, validateActions(prefix+".on_entry", s.OnEntry)...)
	errs = append(errs, validateActions(prefix+".on_exit", s.OnExit)...)

	if s.Lifecycle.ShouldBePruned && s.Lifecycle.WhenToPrune <= 0 {
		errs = append(errs, VError{Path: prefix + ".lifecycle.when_to_prune", Code: "RANGE", Message: "when_to_prune must be positive when should_be_pruned is set"})
	}

	for i, hl := range s.ActionCard.HistoryLogs {
		if !events[hl.OnEvent] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.action_card.history_logs[%d].on_event", prefix, i),
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("history log event %q not found in state %q transitions", hl.OnEvent, s.Name),
			})
		}
	}

	return errs
}

func validateAccess(prefix string, a model.Access) []VError {
	switch a.Mode {
	case "", model.AccessNone, model.AccessAll:
		if len(a.Answers) > 0 || len(a.ExternalData) > 0 {
			return []VError{{Path: prefix, Code: "INVALID_ACCESS", Message: "answers and external_data are only allowed in listed mode"}}
		}
	case model.AccessListed:
	default:
		return []VError{{Path: prefix + ".mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid access mode %q", a.Mode)}}
	}
	return nil
}

func validateActions(prefix string, actions []model.Action) []VError {
	var errs []VError
	for i, a := range actions {
		ap := fmt.Sprintf("%s[%d]", prefix, i)
		switch a.Type {
		case "", model.ActionDataProvider, model.ActionSideEffect:
		default:
			errs = append(errs, VError{Path: ap + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action type %q", a.Type)})
		}
		if len(a.Providers) == 0 {
			errs = append(errs, VError{Path: ap + ".providers", Code: "REQUIRED", Message: "at least one provider is required"})
		}
	}
	return errs
}

// ValidateProviders reports every data provider id t refers to that known
// does not recognise: the providers of entry and exit actions and the ids a
// role may collect on demand.
func (v *Validator) ValidateProviders(prefix string, t *model.Template, known func(id string) bool) []VError {
	var errs []VError
	unknown := func(path, id string) {
		errs = append(errs, VError{
			Path:    path,
			Code:    "UNKNOWN_PROVIDER",
			Message: fmt.Sprintf("data provider %q is not registered", id),
		})
	}
	checkActions := func(path string, actions []model.Action) {
		for i, a := range actions {
			for j, id := range a.Providers {
				if !known(id) {
					unknown(fmt.Sprintf("%s[%d].providers[%d]", path, i, j), id)
				}
			}
		}
	}

	for i := range t.States {
		s := &t.States[i]
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		checkActions(sp+".on_entry", s.OnEntry)
		checkActions(sp+".on_exit", s.OnExit)
		for j, r := range s.Roles {
			for k, id := range r.DataProviders {
				if !known(id) {
					unknown(fmt.Sprintf("%s.roles[%d].data_providers[%d]", sp, j, k), id)
				}
			}
		}
	}
	return errs
}

// validateRoleMapping checks that the mapping only yields declared roles and
// that every declared role is reachable. Go mappers are exercised with synthetic
// identities for each relation against every state.
func (v *Validator) validateRoleMapping(prefix string, t *model.Template) []VError {
	var errs []VError
	declared := t.DeclaredRoles()
	reached := make(map[string]bool)

	if t.MapUserToRole != nil {
		for role := range sampleMapper(t) {
			if !slices.Contains(declared, role) {
				errs = append(errs, VError{
					Path:    prefix + ".map_user_to_role",
					Code:    "UNDECLARED_ROLE",
					Message: fmt.Sprintf("mapper yields role %q which no state declares", role),
				})
			}
			reached[role] = true
		}
	} else {
		for rel, role := range t.RoleMapping {
			mp := fmt.Sprintf("%s.role_mapping.%s", prefix, rel)
			if !slices.Contains(validRelations, rel) {
				errs = append(errs, VError{Path: mp, Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid relation %q", rel)})
				continue
			}
			if !slices.Contains(declared, role) {
				errs = append(errs, VError{Path: mp, Code: "UNDECLARED_ROLE", Message: fmt.Sprintf("role %q is not declared by any state", role)})
			}
			reached[role] = true
		}
		if _, ok := t.RoleMapping[model.RelationActor]; ok && len(t.AllowedDelegations) == 0 {
			errs = append(errs, VError{
				Path:    prefix + ".allowed_delegations",
				Code:    "REQUIRED",
				Message: "allowed_delegations is required when an actor role is mapped",
			})
		}
	}

	for _, role := range declared {
		if !reached[role] {
			errs = append(errs, VError{
				Path:    prefix + ".role_mapping",
				Code:    "UNREACHABLE_ROLE",
				Message: fmt.Sprintf("declared role %q is never assigned by the role mapping", role),
			})
		}
	}
	return errs
}

const (
	sampleApplicant = "sample-applicant"
	sampleActor     = "sample-actor"
	sampleAssignee  = "sample-assignee"
	sampleStranger  = "sample-stranger"
)

func sampleMapper(t *model.Template) map[string]bool {
	identities := []model.Identity{
		{NationalID: sampleApplicant},
		{NationalID: sampleAssignee},
		{NationalID: sampleStranger},
	}
	for _, d := range t.AllowedDelegations {
		identities = append(identities, model.Identity{
			NationalID: sampleApplicant,
			Actor:      &model.Actor{NationalID: sampleActor, DelegationType: d},
		})
	}

	roles := make(map[string]bool)
	for _, s := range t.States {
		app := model.Application{
			TypeID:          t.Type,
			State:           s.Name,
			Status:          s.Status,
			Applicant:       sampleApplicant,
			Assignees:       []string{sampleAssignee},
			ApplicantActors: []string{sampleActor},
			Answers:         map[string]any{},
			ExternalData:    map[string]model.DataProviderResult{},
		}
		for _, id := range identities {
			if role, ok := t.MapUserToRole(id, app); ok {
				roles[role] = true
			}
		}
	}
	return roles
}
