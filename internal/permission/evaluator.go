// Package permission answers what a role may do to an application in a given
// state. Every function is pure and depends only on the template blueprint.
package permission

import (
	"slices"
	"sort"
	"strings"

	"github.com/pitabwire/casework/model"
)

// Field error codes reported by CheckWrite.
const (
	CodeNotWritable = "NOT_WRITABLE"
)

func roleIn(tmpl *model.Template, state, role string) (*model.StateBlueprint, *model.RoleBlueprint) {
	s := tmpl.FindState(state)
	if s == nil {
		return nil, nil
	}
	return s, s.FindRole(role)
}

// CanTransition reports whether role may submit event in state. The role must
// list the event among its actions and the state must have a transition for
// it.
func CanTransition(tmpl *model.Template, state, role, event string) bool {
	s, rb := roleIn(tmpl, state, role)
	if rb == nil {
		return false
	}
	return rb.HasAction(event) && s.FindTransition(event) != nil
}

// CanWrite reports whether role may write the answers field at the given
// dot-path in state.
func CanWrite(tmpl *model.Template, state, role, field string) bool {
	_, rb := roleIn(tmpl, state, role)
	if rb == nil {
		return false
	}
	return grantsPath(rb.Write, field)
}

// CanRead reports whether role may read the answers field at the given
// dot-path in state.
func CanRead(tmpl *model.Template, state, role, field string) bool {
	_, rb := roleIn(tmpl, state, role)
	if rb == nil {
		return false
	}
	return grantsPath(rb.Read, field)
}

// CanReadExternalData reports whether role may read the result of providerID.
func CanReadExternalData(tmpl *model.Template, state, role, providerID string) bool {
	_, rb := roleIn(tmpl, state, role)
	if rb == nil {
		return false
	}
	switch rb.Read.Mode {
	case model.AccessAll:
		return true
	case model.AccessListed:
		return slices.Contains(rb.Read.ExternalData, providerID)
	default:
		return false
	}
}

// CanCollect reports whether role may trigger providerID on demand in state.
func CanCollect(tmpl *model.Template, state, role, providerID string) bool {
	_, rb := roleIn(tmpl, state, role)
	if rb == nil {
		return false
	}
	return slices.Contains(rb.DataProviders, providerID)
}

// CanDelete reports whether role may delete the application in state.
func CanDelete(tmpl *model.Template, state, role string) bool {
	_, rb := roleIn(tmpl, state, role)
	return rb != nil && rb.Delete
}

// CheckWrite flattens patch to leaf dot-paths and returns one field error per
// path role may not write. A nil result means the whole patch is allowed.
func CheckWrite(tmpl *model.Template, state, role string, patch map[string]any) []model.FieldError {
	var errs []model.FieldError
	for _, path := range Flatten(patch) {
		if !CanWrite(tmpl, state, role, path) {
			errs = append(errs, model.FieldError{
				Field:   path,
				Code:    CodeNotWritable,
				Message: "field is not writable by role " + role + " in state " + state,
			})
		}
	}
	return errs
}

// Flatten returns the sorted dot-paths of every leaf in answers. Slices and
// empty maps are leaves.
func Flatten(answers map[string]any) []string {
	var paths []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(p, child)
				continue
			}
			paths = append(paths, p)
		}
	}
	walk("", answers)
	sort.Strings(paths)
	return paths
}

// grantsPath reports whether access covers field. A listed path grants
// itself and every descendant.
func grantsPath(a model.Access, field string) bool {
	switch a.Mode {
	case model.AccessAll:
		return true
	case model.AccessListed:
		for _, p := range a.Answers {
			if field == p || strings.HasPrefix(field, p+".") {
				return true
			}
		}
		return false
	default:
		return false
	}
}
