package template

import (
	"errors"
	"testing"
	"time"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	tmpl, err := l.LoadFile("testdata/valid/residence-permit.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if tmpl.Type != "residence-permit" {
		t.Errorf("Type = %q, want residence-permit", tmpl.Type)
	}
	if tmpl.InitialState != "prerequisites" {
		t.Errorf("InitialState = %q, want prerequisites", tmpl.InitialState)
	}
	if len(tmpl.States) != 5 {
		t.Fatalf("States = %d, want 5", len(tmpl.States))
	}
	draft := tmpl.FindState("draft")
	if draft == nil {
		t.Fatal("draft state missing")
	}
	if draft.Lifecycle.WhenToPrune != 720*time.Hour {
		t.Errorf("WhenToPrune = %v, want 720h", draft.Lifecycle.WhenToPrune)
	}
	if !draft.Lifecycle.Listed() {
		t.Error("draft should be listed by default")
	}
	if tmpl.FindState("prerequisites").Lifecycle.Listed() {
		t.Error("prerequisites should not be listed")
	}
	if got := tmpl.RoleMapping["assignee"]; got != "reviewer" {
		t.Errorf("RoleMapping[assignee] = %q, want reviewer", got)
	}
	if tmpl.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if tmpl.SourceFile != "testdata/valid/residence-permit.yaml" {
		t.Errorf("SourceFile = %q", tmpl.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_schema_violation(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/schema.yaml")
	if err == nil {
		t.Fatal("LoadFile() with schema violation should return error")
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error = %T, want *SchemaError", err)
	}
	if len(se.Errors) < 2 {
		t.Errorf("schema errors = %d, want at least 2 (status enum and duration)", len(se.Errors))
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	tmpls, err := l.LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(tmpls) != 1 {
		t.Fatalf("LoadAll() returned %d templates, want 1", len(tmpls))
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_Parse_rejects_unknown_field(t *testing.T) {
	doc := []byte(`
type: x
name: X
initial_state: a
states:
  - name: a
    status: draft
    colour: red
`)
	if _, err := NewLoader().Parse(doc); err == nil {
		t.Fatal("Parse() with unknown field should return error")
	}
}

func TestLoader_LoadAll_stops_on_bad_file(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/valid", "testdata/invalid"}); err == nil {
		t.Fatal("LoadAll() over invalid files should return error")
	}
}

func TestLoader_LoadAllLenient(t *testing.T) {
	l := NewLoader()
	var skipped []string
	tmpls, err := l.LoadAllLenient([]string{"testdata/valid", "testdata/invalid"}, func(path string, _ error) {
		skipped = append(skipped, path)
	})
	if err != nil {
		t.Fatalf("LoadAllLenient() error = %v", err)
	}
	if len(tmpls) != 1 || tmpls[0].Type != "residence-permit" {
		t.Fatalf("LoadAllLenient() = %d templates, want only residence-permit", len(tmpls))
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want both invalid files", skipped)
	}
}
