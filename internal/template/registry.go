package template

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/casework/model"
)

// TemplateProvider lazily builds a template. It is invoked at most once per
// registered type.
type TemplateProvider func() (model.Template, error)

type entry struct {
	provider TemplateProvider
	once     sync.Once
	tmpl     atomic.Pointer[model.Template]
	err      error
}

func (e *entry) load(typeID string, v *Validator) (*model.Template, error) {
	e.once.Do(func() {
		tmpl, err := e.provider()
		if err != nil {
			e.err = fmt.Errorf("template %q: %w", typeID, err)
			return
		}
		if tmpl.Type != typeID {
			e.err = fmt.Errorf("template registered as %q declares type %q", typeID, tmpl.Type)
			return
		}
		if verrs := v.ValidateTemplate(typeID, &tmpl); len(verrs) > 0 {
			e.err = &ValidationError{TypeID: typeID, Errors: verrs}
			return
		}
		if tmpl.Checksum == "" {
			tmpl.Checksum = checksumOf(&tmpl)
		}
		e.tmpl.Store(&tmpl)
	})
	return e.tmpl.Load(), e.err
}

// ValidationError is returned when a template fails referential validation.
type ValidationError struct {
	TypeID string
	Errors []VError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("template %q is invalid: %s", e.TypeID, strings.Join(msgs, "; "))
}

// Registry maps application types to templates. Templates are resolved once
// and then shared read-only; concurrent first lookups of the same type wait
// for a single provider call.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		validator: NewValidator(),
	}
}

// Register adds a lazily built template. Registering a type twice is an
// error.
func (r *Registry) Register(typeID string, provider TemplateProvider) error {
	if typeID == "" {
		return fmt.Errorf("template type is required")
	}
	if provider == nil {
		return fmt.Errorf("template %q: provider is nil", typeID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[typeID]; exists {
		return fmt.Errorf("template %q already registered", typeID)
	}
	r.entries[typeID] = &entry{provider: provider}
	return nil
}

// RegisterTemplate validates tmpl immediately and registers it.
func (r *Registry) RegisterTemplate(tmpl model.Template) error {
	if err := r.Register(tmpl.Type, func() (model.Template, error) { return tmpl, nil }); err != nil {
		return err
	}
	_, err := r.lookup(tmpl.Type)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, tmpl.Type)
		r.mu.Unlock()
	}
	return err
}

// Load validates and registers a batch of templates, typically the output of
// Loader.LoadAll. Nothing is registered when any template is invalid.
func (r *Registry) Load(tmpls []model.Template) error {
	if verrs := r.validator.Validate(tmpls); len(verrs) > 0 {
		return &ValidationError{TypeID: "*", Errors: verrs}
	}
	var errs []error
	for _, t := range tmpls {
		if err := r.RegisterTemplate(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the template for typeID. Unknown types yield a
// TEMPLATE_NOT_FOUND error.
func (r *Registry) Resolve(typeID string) (*model.Template, error) {
	return r.lookup(typeID)
}

func (r *Registry) lookup(typeID string) (*model.Template, error) {
	r.mu.RLock()
	e, ok := r.entries[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewTemplateNotFoundError(typeID)
	}
	return e.load(typeID, r.validator)
}

// CheckProviders resolves every registered template and reports each data
// provider reference that known does not recognise. Templates that fail to
// resolve are reported as well.
func (r *Registry) CheckProviders(known func(id string) bool) []VError {
	var errs []VError
	for _, typeID := range r.Types() {
		tmpl, err := r.lookup(typeID)
		if err != nil {
			errs = append(errs, VError{Path: typeID, Code: "UNRESOLVABLE", Message: err.Error()})
			continue
		}
		errs = append(errs, r.validator.ValidateProviders(typeID, tmpl, known)...)
	}
	return errs
}

// Types returns the registered type ids, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Checksum returns the combined checksum of all resolved templates.
func (r *Registry) Checksum() string {
	var parts []string
	r.mu.RLock()
	for _, e := range r.entries {
		if t := e.tmpl.Load(); t != nil {
			parts = append(parts, t.Checksum)
		}
	}
	r.mu.RUnlock()

	slices.Sort(parts)
	combined := strings.Join(parts, ":")
	return fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
}

func checksumOf(tmpl *model.Template) string {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
