// Package lifecycle decides listing visibility and prune eligibility of
// applications from their current state's blueprint, and runs the scheduled
// prune scan.
package lifecycle

import (
	"time"

	"github.com/pitabwire/casework/model"
)

// TemplateResolver returns the template for an application type.
type TemplateResolver func(typeID string) (*model.Template, error)

// ShouldList reports whether app appears in user-facing listings. It is false
// only when the current state's blueprint sets should_be_listed to false.
// Pruned applications are never listed.
func ShouldList(app *model.Application, tmpl *model.Template) bool {
	if app.Pruned {
		return false
	}
	state := tmpl.FindState(app.State)
	if state == nil {
		return true
	}
	return state.Lifecycle.Listed()
}

// PruneAt returns the prune deadline of app: its last modification plus the
// current state's when_to_prune. ok is false when the state is not prunable.
func PruneAt(app *model.Application, tmpl *model.Template) (deadline time.Time, ok bool) {
	state := tmpl.FindState(app.State)
	if state == nil || !state.Lifecycle.ShouldBePruned || state.Lifecycle.WhenToPrune <= 0 {
		return time.Time{}, false
	}
	return app.Modified.Add(state.Lifecycle.WhenToPrune), true
}

// Eligible reports whether app may be pruned at now.
func Eligible(app *model.Application, tmpl *model.Template, now time.Time) bool {
	if app.Pruned {
		return false
	}
	deadline, ok := PruneAt(app, tmpl)
	return ok && !deadline.After(now)
}

// Prune returns the ids of apps eligible for pruning at now. Applications
// whose template cannot be resolved are skipped. The result is advisory;
// removal is up to the persistence layer.
func Prune(now time.Time, apps []*model.Application, resolve TemplateResolver) []string {
	var ids []string
	for _, app := range apps {
		tmpl, err := resolve(app.TypeID)
		if err != nil || tmpl == nil {
			continue
		}
		if Eligible(app, tmpl, now) {
			ids = append(ids, app.ID)
		}
	}
	return ids
}
