// Package role maps an authenticated identity to the template role it holds
// on one application.
package role

import (
	"slices"

	"github.com/pitabwire/casework/model"
)

// Resolve returns the role identity holds on app under tmpl. ok is false when
// the identity has no access: it is unrelated to the application, it acts
// through a delegation the template does not allow, or the mapping yields a
// role the template never declares.
func Resolve(tmpl *model.Template, identity model.Identity, app *model.Application) (string, bool) {
	rel := identity.RelationTo(*app)
	switch rel {
	case model.RelationNone:
		return "", false
	case model.RelationActor:
		if !tmpl.DelegationAllowed(identity.Actor.DelegationType) {
			return "", false
		}
	}

	var (
		role string
		ok   bool
	)
	if tmpl.MapUserToRole != nil {
		role, ok = tmpl.MapUserToRole(identity, *app)
	} else {
		role, ok = tmpl.RoleMapping[rel]
	}
	if !ok || role == "" {
		return "", false
	}
	if !slices.Contains(tmpl.DeclaredRoles(), role) {
		return "", false
	}
	return role, true
}

// Blueprint resolves the identity's role and returns its blueprint in the
// application's current state. It returns nil when the identity has no role
// or the role has no entry in that state.
func Blueprint(tmpl *model.Template, identity model.Identity, app *model.Application) (string, *model.RoleBlueprint) {
	roleID, ok := Resolve(tmpl, identity, app)
	if !ok {
		return "", nil
	}
	state := tmpl.FindState(app.State)
	if state == nil {
		return roleID, nil
	}
	return roleID, state.FindRole(roleID)
}
