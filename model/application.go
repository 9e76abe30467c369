package model

import (
	"maps"
	"slices"
	"time"
)

// Application is the persistent record driven through a template's state
// machine.
type Application struct {
	ID              string                        `json:"id"`
	TypeID          string                        `json:"type_id"`
	TenantID        string                        `json:"tenant_id,omitempty"`
	State           string                        `json:"state"`
	Status          string                        `json:"status"`
	Answers         map[string]any                `json:"answers"`
	ExternalData    map[string]DataProviderResult `json:"external_data"`
	Applicant       string                        `json:"applicant"`
	Assignees       []string                      `json:"assignees,omitempty"`
	ApplicantActors []string                      `json:"applicant_actors,omitempty"`
	History         []StateHistoryEntry           `json:"history,omitempty"`
	Created         time.Time                     `json:"created"`
	Modified        time.Time                     `json:"modified"`
	Version         int                           `json:"version"`
	Pruned          bool                          `json:"pruned,omitempty"`
	PrunedAt        *time.Time                    `json:"pruned_at,omitempty"`
}

// StateHistoryEntry records one visit to a state. ExitedAt and ExitEvent are
// set when the state is left.
type StateHistoryEntry struct {
	State     string     `json:"state"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitEvent string     `json:"exit_event,omitempty"`
	Actor     string     `json:"actor,omitempty"`
}

// ApplicationFilter narrows List results. Empty fields match everything.
type ApplicationFilter struct {
	TenantID      string
	TypeID        string
	State         string
	Applicant     string
	Assignee      string
	IncludePruned bool
}

// Matches reports whether app satisfies every set field of the filter.
func (f ApplicationFilter) Matches(app *Application) bool {
	if f.TenantID != "" && app.TenantID != f.TenantID {
		return false
	}
	if f.TypeID != "" && app.TypeID != f.TypeID {
		return false
	}
	if f.State != "" && app.State != f.State {
		return false
	}
	if f.Applicant != "" && app.Applicant != f.Applicant {
		return false
	}
	if f.Assignee != "" {
		if !slices.Contains(app.Assignees, f.Assignee) {
			return false
		}
	}
	if !f.IncludePruned && app.Pruned {
		return false
	}
	return true
}

// CurrentEntry returns the open history entry for the current state, or nil
// when history was not recorded.
func (a *Application) CurrentEntry() *StateHistoryEntry {
	if len(a.History) == 0 {
		return nil
	}
	last := &a.History[len(a.History)-1]
	if last.State != a.State || last.ExitedAt != nil {
		return nil
	}
	return last
}

// EnteredCurrentStateAt returns when the application entered its current
// state, falling back to Created.
func (a *Application) EnteredCurrentStateAt() time.Time {
	if e := a.CurrentEntry(); e != nil {
		return e.EnteredAt
	}
	return a.Created
}

// Clone returns a deep copy. Data provider payloads are shared because
// results are immutable.
func (a *Application) Clone() *Application {
	out := *a
	out.Answers = CloneAnswers(a.Answers)
	out.ExternalData = maps.Clone(a.ExternalData)
	if out.ExternalData == nil {
		out.ExternalData = map[string]DataProviderResult{}
	}
	out.Assignees = slices.Clone(a.Assignees)
	out.ApplicantActors = slices.Clone(a.ApplicantActors)
	out.History = make([]StateHistoryEntry, len(a.History))
	for i, h := range a.History {
		if h.ExitedAt != nil {
			t := *h.ExitedAt
			h.ExitedAt = &t
		}
		out.History[i] = h
	}
	if a.PrunedAt != nil {
		t := *a.PrunedAt
		out.PrunedAt = &t
	}
	return &out
}

// CloneAnswers deep-copies an answers tree. Nested maps and slices are
// copied; scalar leaves are shared.
func CloneAnswers(answers map[string]any) map[string]any {
	out := make(map[string]any, len(answers))
	for k, v := range answers {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneAnswers(x)
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
