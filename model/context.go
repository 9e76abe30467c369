package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Relation is the way an identity relates to an application.
type Relation string

// Identity relations, in resolution order.
const (
	RelationActor     Relation = "actor"
	RelationApplicant Relation = "applicant"
	RelationAssignee  Relation = "assignee"
	RelationNone      Relation = ""
)

// Actor is a person acting on behalf of the identity's national id under a
// delegation.
type Actor struct {
	NationalID     string `json:"national_id"`
	DelegationType string `json:"delegation_type"`
}

// Identity is the authenticated caller of an engine operation. It is
// immutable after construction and safe for concurrent reads.
type Identity struct {
	NationalID string `json:"national_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	Actor      *Actor `json:"actor,omitempty"`
}

// Validate checks that all mandatory fields are present.
func (id Identity) Validate() error {
	var errs []error
	if id.NationalID == "" {
		errs = append(errs, fmt.Errorf("NationalID is required"))
	}
	if id.Actor != nil {
		if id.Actor.NationalID == "" {
			errs = append(errs, fmt.Errorf("Actor.NationalID is required"))
		}
		if id.Actor.DelegationType == "" {
			errs = append(errs, fmt.Errorf("Actor.DelegationType is required"))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Subject returns the national id of the person physically performing the
// operation: the actor when delegated, otherwise the identity itself.
func (id Identity) Subject() string {
	if id.Actor != nil {
		return id.Actor.NationalID
	}
	return id.NationalID
}

// RelationTo classifies the identity against an application. An identity
// matching the applicant with an actor attached is a delegated actor, not
// the applicant. Delegation policy is not checked here.
func (id Identity) RelationTo(app Application) Relation {
	switch {
	case id.NationalID == app.Applicant && id.Actor != nil:
		return RelationActor
	case id.NationalID == app.Applicant:
		return RelationApplicant
	case id.Actor == nil && slices.Contains(app.Assignees, id.NationalID):
		return RelationAssignee
	default:
		return RelationNone
	}
}

type contextKey struct{}

// WithIdentity attaches an Identity to the given context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the Identity from the context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
