package model

import (
	"slices"
	"time"
)

// Application status values. Status is derived from the current state's
// blueprint and never set independently.
const (
	StatusNotStarted = "not-started"
	StatusDraft      = "draft"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
	StatusApproved   = "approved"
)

// ValidStatuses lists every status a state blueprint may declare.
var ValidStatuses = []string{
	StatusNotStarted, StatusDraft, StatusInProgress,
	StatusCompleted, StatusRejected, StatusApproved,
}

// Access modes for role read/write scopes.
const (
	AccessNone   = "none"
	AccessListed = "listed"
	AccessAll    = "all"
)

// Action types for onEntry/onExit lists.
const (
	ActionDataProvider = "dataProvider"
	ActionSideEffect   = "sideEffect"
)

// RoleMapper maps an identity to a role for one application snapshot. It
// must be pure. ok is false when the identity has no access.
type RoleMapper func(identity Identity, app Application) (role string, ok bool)

// Template is the immutable blueprint of one application type.
type Template struct {
	Type               string              `yaml:"type"                json:"type"`
	Name               string              `yaml:"name"                json:"name"`
	Version            string              `yaml:"version"             json:"version"`
	InitialState       string              `yaml:"initial_state"       json:"initial_state"`
	States             []StateBlueprint    `yaml:"states"              json:"states"`
	RoleMapping        map[Relation]string `yaml:"role_mapping"        json:"role_mapping,omitempty"`
	AllowedDelegations []string            `yaml:"allowed_delegations" json:"allowed_delegations,omitempty"`

	// MapUserToRole overrides RoleMapping for templates written in Go.
	MapUserToRole RoleMapper `yaml:"-" json:"-"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StateBlueprint describes a single state of a template.
type StateBlueprint struct {
	Name                string              `yaml:"name"                 json:"name"`
	Status              string              `yaml:"status"               json:"status"`
	RequiresInteraction *bool               `yaml:"requires_interaction" json:"requires_interaction,omitempty"`
	Transitions         []Transition        `yaml:"transitions"          json:"transitions,omitempty"`
	Lifecycle           Lifecycle           `yaml:"lifecycle"            json:"lifecycle"`
	Roles               []RoleBlueprint     `yaml:"roles"                json:"roles,omitempty"`
	OnEntry             []Action            `yaml:"on_entry"             json:"on_entry,omitempty"`
	OnExit              []Action            `yaml:"on_exit"              json:"on_exit,omitempty"`
	ActionCard          ActionCardBlueprint `yaml:"action_card"          json:"action_card"`
}

// Transition is one row of a state's transition table.
type Transition struct {
	Event  string `yaml:"event"  json:"event"`
	Target string `yaml:"target" json:"target"`
}

// Lifecycle holds the time-based rules of a state.
type Lifecycle struct {
	ShouldBeListed *bool         `yaml:"should_be_listed" json:"should_be_listed,omitempty"`
	ShouldBePruned bool          `yaml:"should_be_pruned" json:"should_be_pruned"`
	WhenToPrune    time.Duration `yaml:"when_to_prune"    json:"when_to_prune,omitempty"`
	PruneMessage   string        `yaml:"prune_message"    json:"prune_message,omitempty"`
}

// Listed reports whether applications in the state appear in user-facing
// lists. Unset means listed.
func (l Lifecycle) Listed() bool {
	return l.ShouldBeListed == nil || *l.ShouldBeListed
}

// RoleBlueprint is a role's capability set within one state.
type RoleBlueprint struct {
	ID            string       `yaml:"id"             json:"id"`
	Actions       []RoleAction `yaml:"actions"        json:"actions,omitempty"`
	Read          Access       `yaml:"read"           json:"read"`
	Write         Access       `yaml:"write"          json:"write"`
	Form          string       `yaml:"form"           json:"form,omitempty"`
	DataProviders []string     `yaml:"data_providers" json:"data_providers,omitempty"`
	Delete        bool         `yaml:"delete"         json:"delete,omitempty"`
}

// RoleAction is an event a role may submit in a state.
type RoleAction struct {
	Event string `yaml:"event" json:"event"`
	Name  string `yaml:"name"  json:"name,omitempty"`
	Type  string `yaml:"type"  json:"type,omitempty"`
}

// Access is a read or write scope. Answers holds dot-paths into answers,
// ExternalData holds provider ids. Both only apply in listed mode.
type Access struct {
	Mode         string   `yaml:"mode"          json:"mode"`
	Answers      []string `yaml:"answers"       json:"answers,omitempty"`
	ExternalData []string `yaml:"external_data" json:"external_data,omitempty"`
}

// Action is an onEntry/onExit step. Providers listed in one action run as a
// single concurrent collection round.
type Action struct {
	Name         string   `yaml:"name"           json:"name"`
	Type         string   `yaml:"type"           json:"type"`
	Providers    []string `yaml:"providers"      json:"providers"`
	ThrowOnError bool     `yaml:"throw_on_error" json:"throw_on_error,omitempty"`
}

// Persists reports whether the action's results are merged into externalData.
func (a Action) Persists() bool {
	return a.Type != ActionSideEffect
}

// ActionCardBlueprint is the static status-display metadata of a state.
type ActionCardBlueprint struct {
	Title         string         `yaml:"title"          json:"title,omitempty"`
	Description   string         `yaml:"description"    json:"description,omitempty"`
	Tag           Tag            `yaml:"tag"            json:"tag"`
	PendingAction *PendingAction `yaml:"pending_action" json:"pending_action,omitempty"`
	HistoryLogs   []HistoryLog   `yaml:"history_logs"   json:"history_logs,omitempty"`
}

// Tag is a labelled badge shown on the action card.
type Tag struct {
	Label   string `yaml:"label"   json:"label,omitempty"`
	Variant string `yaml:"variant" json:"variant,omitempty"`
}

// PendingAction tells the user what is expected next in a state.
type PendingAction struct {
	Title         string `yaml:"title"          json:"title"`
	Content       string `yaml:"content"        json:"content,omitempty"`
	DisplayStatus string `yaml:"display_status" json:"display_status,omitempty"`
}

// HistoryLog is the message recorded when a state is exited on OnEvent.
type HistoryLog struct {
	OnEvent    string `yaml:"on_event"    json:"on_event"`
	LogMessage string `yaml:"log_message" json:"log_message"`
}

// FindState looks up a state blueprint by name.
func (t *Template) FindState(name string) *StateBlueprint {
	for i := range t.States {
		if t.States[i].Name == name {
			return &t.States[i]
		}
	}
	return nil
}

// DeclaredRoles returns every role id used in any state, sorted.
func (t *Template) DeclaredRoles() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, s := range t.States {
		for _, r := range s.Roles {
			if !seen[r.ID] {
				seen[r.ID] = true
				roles = append(roles, r.ID)
			}
		}
	}
	slices.Sort(roles)
	return roles
}

// Events returns every event any state declares a transition for, sorted.
func (t *Template) Events() []string {
	var events []string
	for _, s := range t.States {
		for _, tr := range s.Transitions {
			if !slices.Contains(events, tr.Event) {
				events = append(events, tr.Event)
			}
		}
	}
	slices.Sort(events)
	return events
}

// DelegationAllowed reports whether an actor holding delegationType may act
// for the applicant.
func (t *Template) DelegationAllowed(delegationType string) bool {
	return slices.Contains(t.AllowedDelegations, delegationType)
}

// FindRole returns the role entry with the given id, or nil.
func (s *StateBlueprint) FindRole(roleID string) *RoleBlueprint {
	for i := range s.Roles {
		if s.Roles[i].ID == roleID {
			return &s.Roles[i]
		}
	}
	return nil
}

// FindTransition returns the first transition matching event, or nil.
func (s *StateBlueprint) FindTransition(event string) *Transition {
	for i := range s.Transitions {
		if s.Transitions[i].Event == event {
			return &s.Transitions[i]
		}
	}
	return nil
}

// Interactive reports whether the state waits for user input. Defaults to
// true for states with outgoing transitions.
func (s *StateBlueprint) Interactive() bool {
	if s.RequiresInteraction != nil {
		return *s.RequiresInteraction
	}
	return len(s.Transitions) > 0
}

// HasAction reports whether the role may submit event.
func (r *RoleBlueprint) HasAction(event string) bool {
	for _, a := range r.Actions {
		if a.Event == event {
			return true
		}
	}
	return false
}
