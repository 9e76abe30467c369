package model

import (
	"context"
	"testing"
)

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{name: "valid identity", id: Identity{NationalID: "1111"}},
		{
			name: "valid delegated identity",
			id:   Identity{NationalID: "1111", Actor: &Actor{NationalID: "2222", DelegationType: "legal-guardian"}},
		},
		{name: "missing NationalID", id: Identity{}, wantErr: true},
		{
			name:    "actor without delegation type",
			id:      Identity{NationalID: "1111", Actor: &Actor{NationalID: "2222"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIdentity_RelationTo(t *testing.T) {
	app := Application{Applicant: "1111", Assignees: []string{"3333"}}

	tests := []struct {
		name string
		id   Identity
		want Relation
	}{
		{name: "applicant", id: Identity{NationalID: "1111"}, want: RelationApplicant},
		{
			name: "delegated actor",
			id:   Identity{NationalID: "1111", Actor: &Actor{NationalID: "2222", DelegationType: "procuration"}},
			want: RelationActor,
		},
		{name: "assignee", id: Identity{NationalID: "3333"}, want: RelationAssignee},
		{
			name: "assignee acting through a delegation is not the assignee",
			id:   Identity{NationalID: "3333", Actor: &Actor{NationalID: "4444", DelegationType: "procuration"}},
			want: RelationNone,
		},
		{name: "stranger", id: Identity{NationalID: "9999"}, want: RelationNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.RelationTo(app); got != tt.want {
				t.Errorf("RelationTo() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentity_Subject(t *testing.T) {
	id := Identity{NationalID: "1111"}
	if got := id.Subject(); got != "1111" {
		t.Errorf("Subject() = %q, want 1111", got)
	}
	id.Actor = &Actor{NationalID: "2222", DelegationType: "procuration"}
	if got := id.Subject(); got != "2222" {
		t.Errorf("Subject() with actor = %q, want 2222", got)
	}
}

func TestWithIdentity_and_IdentityFrom(t *testing.T) {
	id := Identity{NationalID: "1111", TenantID: "tenant-1"}
	ctx := WithIdentity(context.Background(), id)
	got, ok := IdentityFrom(ctx)
	if !ok {
		t.Fatal("IdentityFrom() ok = false, want true")
	}
	if got.NationalID != "1111" || got.TenantID != "tenant-1" {
		t.Errorf("IdentityFrom() = %+v, want %+v", got, id)
	}
}

func TestIdentityFrom_absent(t *testing.T) {
	if _, ok := IdentityFrom(context.Background()); ok {
		t.Error("IdentityFrom(empty context) ok = true, want false")
	}
}
