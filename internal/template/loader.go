// Package template loads application templates from YAML, validates them
// structurally and referentially, and serves them from a per-type registry.
package template

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/casework/model"
)

//go:embed schema/template.schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Loader scans directories for YAML template files, checks each raw document
// against the embedded JSON Schema, decodes it and computes its SHA-256
// checksum.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Template. The first file that fails to load aborts the scan.
func (l *Loader) LoadAll(directories []string) ([]model.Template, error) {
	return l.load(directories, nil)
}

// LoadAllLenient is LoadAll for non-strict startups: files that fail to load
// are reported through skip and left out. Unreadable directories still fail.
func (l *Loader) LoadAllLenient(directories []string, skip func(path string, err error)) ([]model.Template, error) {
	if skip == nil {
		skip = func(string, error) {}
	}
	return l.load(directories, skip)
}

func (l *Loader) load(directories []string, skip func(path string, err error)) ([]model.Template, error) {
	var tmpls []model.Template

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			tmpl, err := l.LoadFile(path)
			if err != nil {
				if skip != nil {
					skip(path, err)
					return nil
				}
				return fmt.Errorf("loading %s: %w", path, err)
			}
			tmpls = append(tmpls, tmpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return tmpls, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) (model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Template{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tmpl, err := l.Parse(data)
	if err != nil {
		return model.Template{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	tmpl.SourceFile = path
	return tmpl, nil
}

// Parse decodes one template document. The raw document must satisfy the
// template schema before it is decoded into the typed model.
func (l *Loader) Parse(data []byte) (model.Template, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.Template{}, err
	}
	if errs := validateSchema(raw); len(errs) > 0 {
		return model.Template{}, &SchemaError{Errors: errs}
	}

	var tmpl model.Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return model.Template{}, err
	}
	tmpl.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return tmpl, nil
}

// SchemaError lists the schema violations of one template document.
type SchemaError struct {
	Errors []VError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "template schema violation: " + strings.Join(msgs, "; ")
}

func validateSchema(doc any) []VError {
	schema, err := compiledSchema()
	if err != nil {
		return []VError{{Path: "$", Code: "SCHEMA_UNAVAILABLE", Message: err.Error()}}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []VError{{Path: "$", Code: "SCHEMA_INVALID_DOCUMENT", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	errs := make([]VError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, VError{
			Path:    desc.Field(),
			Code:    "SCHEMA_" + strings.ToUpper(desc.Type()),
			Message: desc.Description(),
		})
	}
	return errs
}
