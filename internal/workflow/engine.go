// Package workflow drives applications through their template's state
// machine and persists them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/casework/internal/actioncard"
	"github.com/pitabwire/casework/internal/dataprovider"
	"github.com/pitabwire/casework/internal/idempotency"
	"github.com/pitabwire/casework/internal/lifecycle"
	"github.com/pitabwire/casework/internal/observability"
	"github.com/pitabwire/casework/internal/permission"
	"github.com/pitabwire/casework/internal/role"
	"github.com/pitabwire/casework/model"
)

// Options configures an Engine. Every field is optional.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Idempotency enables ApplyEventIdempotent. Without it the key is ignored.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	// ExpiryWarning is passed to the action card builder.
	ExpiryWarning time.Duration
	// RedactAnswers extends the answer keys masked in debug logs.
	RedactAnswers []string
	Now           func() time.Time
	NewID         func() string
}

// Engine manages the lifecycle of applications.
type Engine struct {
	templates    lifecycle.Templates
	store        Store
	orchestrator *dataprovider.Orchestrator
	pruner       *lifecycle.Pruner
	logger       *zap.Logger
	metrics      *observability.Metrics
	idem         idempotency.Store
	idemTTL      time.Duration
	expiry       time.Duration
	redact       []string
	now          func() time.Time
	newID        func() string
}

// NewEngine creates a new workflow engine.
func NewEngine(
	templates lifecycle.Templates,
	store Store,
	orchestrator *dataprovider.Orchestrator,
	opts Options,
) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Engine{
		templates:    templates,
		store:        store,
		orchestrator: orchestrator,
		pruner:       lifecycle.NewPruner(store, templates, opts.Logger, opts.Metrics),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		idem:         opts.Idempotency,
		idemTTL:      opts.IdempotencyTTL,
		expiry:       opts.ExpiryWarning,
		redact:       opts.RedactAnswers,
		now:          opts.Now,
		newID:        opts.NewID,
	}
}

// eventLabel keeps caller-supplied event names out of metric labels unless
// the template declares them.
func eventLabel(tmpl *model.Template, event string) string {
	if slices.Contains(tmpl.Events(), event) {
		return event
	}
	return "unknown"
}

// Pruner returns the prune scanner bound to the engine's store.
func (e *Engine) Pruner() *lifecycle.Pruner {
	return e.pruner
}

// CreateApplication starts a new application of typeID owned by identity.
// The initial state's entry actions run before the application is stored.
func (e *Engine) CreateApplication(ctx context.Context, typeID string, identity model.Identity) (view model.ApplicationView, err error) {
	ctx = model.WithIdentity(ctx, identity)
	ctx, span := observability.StartSpan(ctx, "workflow.create_application",
		observability.AttrTypeID.String(typeID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, e.logger)

	// 1. Validate the caller.
	if err := identity.Validate(); err != nil {
		return model.ApplicationView{}, model.NewBadRequestError(err.Error())
	}

	// 2. Resolve the template.
	tmpl, err := e.templates.Resolve(typeID)
	if err != nil {
		return model.ApplicationView{}, err
	}
	initial := tmpl.FindState(tmpl.InitialState)
	if initial == nil {
		return model.ApplicationView{}, fmt.Errorf("template %q: initial state %q not declared", typeID, tmpl.InitialState)
	}

	// 3. Build the application in its initial state.
	now := e.now().UTC()
	app := &model.Application{
		ID:           e.newID(),
		TypeID:       typeID,
		TenantID:     identity.TenantID,
		State:        initial.Name,
		Status:       initial.Status,
		Answers:      map[string]any{},
		ExternalData: map[string]model.DataProviderResult{},
		Applicant:    identity.NationalID,
		History: []model.StateHistoryEntry{
			{State: initial.Name, EnteredAt: now, Actor: identity.Subject()},
		},
		Created:  now,
		Modified: now,
		Version:  1,
	}
	if identity.Actor != nil {
		app.ApplicantActors = []string{identity.Actor.NationalID}
	}
	span.SetAttributes(observability.ApplicationAttrs(app)...)

	// 4. The creator must hold a role on the new application.
	roleID, ok := role.Resolve(tmpl, identity, app)
	if !ok {
		return model.ApplicationView{}, model.NewForbiddenError(
			fmt.Sprintf("no role on a new %q application", typeID),
		)
	}

	// 5. Run entry actions of the initial state.
	if _, err := e.orchestrator.RunActions(ctx, initial.OnEntry, app); err != nil {
		logger.Warn("application creation aborted",
			zap.String("type_id", typeID),
			zap.Error(err),
		)
		return model.ApplicationView{}, err
	}

	// 6. Persist.
	if err := e.store.Create(ctx, app); err != nil {
		logger.Error("failed to store application", zap.String("application_id", app.ID), zap.Error(err))
		return model.ApplicationView{}, err
	}

	e.metrics.RecordApplicationCreated(typeID)
	logger.Info("application created",
		zap.String("application_id", app.ID),
		zap.String("type_id", typeID),
		zap.String("state", app.State),
		zap.String("role", roleID),
	)
	return e.view(app, tmpl, roleID, now), nil
}

// ApplyEvent moves the application along the transition its current state
// declares for event. The stored application is unchanged unless every step
// succeeds: required data collection failures, permission denials and
// version conflicts all leave it as it was.
func (e *Engine) ApplyEvent(ctx context.Context, id, event string, identity model.Identity) (view model.ApplicationView, err error) {
	ctx = model.WithIdentity(ctx, identity)
	ctx, span := observability.StartSpan(ctx, "workflow.apply_event",
		observability.AttrApplicationID.String(id),
		observability.AttrEvent.String(event),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("application_id", id),
		zap.String("event", event),
	)
	start := e.now()

	// 1. Load a fresh snapshot.
	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	span.SetAttributes(observability.ApplicationAttrs(app)...)

	reject := func(err error) (model.ApplicationView, error) {
		e.metrics.RecordTransitionReject(app.TypeID, eventLabel(tmpl, event), errorCode(err))
		logger.Warn("transition rejected",
			zap.String("state", app.State),
			zap.String("code", errorCode(err)),
			zap.Error(err),
		)
		return model.ApplicationView{}, err
	}

	// 2. Resolve the caller's role.
	roleID, ok := role.Resolve(tmpl, identity, app)
	if !ok {
		return reject(model.NewForbiddenError("no role on this application"))
	}
	span.SetAttributes(observability.AttrRole.String(roleID))

	// 3. Find the transition.
	current := tmpl.FindState(app.State)
	tr := current.FindTransition(event)
	if tr == nil {
		return reject(model.NewInvalidTransitionError(app.State, event))
	}

	// 4. Check the role may submit it.
	if !permission.CanTransition(tmpl, app.State, roleID, event) {
		return reject(model.NewForbiddenError(
			fmt.Sprintf("role %q may not submit %q in state %q", roleID, event, app.State),
		))
	}
	next := tmpl.FindState(tr.Target)

	// 5. Run exit then entry actions on a working copy.
	work := app.Clone()
	if _, err := e.orchestrator.RunActions(ctx, current.OnExit, work); err != nil {
		return reject(err)
	}
	if _, err := e.orchestrator.RunActions(ctx, next.OnEntry, work); err != nil {
		return reject(err)
	}

	// 6. Enter the next state.
	now := e.now().UTC()
	if entry := work.CurrentEntry(); entry != nil {
		entry.ExitedAt = &now
		entry.ExitEvent = event
	}
	work.History = append(work.History, model.StateHistoryEntry{
		State:     next.Name,
		EnteredAt: now,
		Actor:     identity.Subject(),
	})
	work.State = next.Name
	work.Status = next.Status
	work.Modified = now

	// 7. Compare-and-swap on the loaded version.
	if err := e.store.Save(ctx, work, app.Version); err != nil {
		if model.IsCode(err, model.ErrStaleApplication) {
			e.metrics.RecordStaleConflict(app.TypeID)
			return reject(err)
		}
		logger.Error("failed to save application", zap.Error(err))
		return model.ApplicationView{}, err
	}

	e.metrics.RecordTransition(app.TypeID, app.State, event, next.Name, e.now().Sub(start))
	logger.Info("transition applied",
		zap.String("from", app.State),
		zap.String("to", next.Name),
		zap.String("role", roleID),
		zap.Int("version", work.Version),
	)

	nextRole, _ := role.Resolve(tmpl, identity, work)
	return e.view(work, tmpl, nextRole, now), nil
}

// ApplyEventIdempotent is ApplyEvent guarded by a caller-supplied key. A
// repeated key with the same input returns the first result without running
// the transition again; reusing a key for different input is a CONFLICT.
func (e *Engine) ApplyEventIdempotent(ctx context.Context, id, event, key string, identity model.Identity) (model.ApplicationView, error) {
	if e.idem == nil || key == "" {
		return e.ApplyEvent(ctx, id, event, identity)
	}

	storeKey := idempotency.FormatKey(id, key)
	hash := idempotency.HashInput(id, event, identity.NationalID, identity.Subject())

	cached, found, err := e.idem.Check(ctx, storeKey, hash)
	if err != nil {
		return model.ApplicationView{}, err
	}
	if found {
		return *cached, nil
	}

	view, err := e.ApplyEvent(ctx, id, event, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	if err := e.idem.Save(ctx, storeKey, hash, view, e.idemTTL); err != nil {
		observability.RequestLogger(ctx, e.logger).Warn("failed to record idempotency key",
			zap.String("application_id", id),
			zap.Error(err),
		)
	}
	return view, nil
}

// UpdateAnswers deep-merges patch into the application's answers. Every leaf
// path of patch must be writable by the caller's role in the current state;
// otherwise nothing is written and the FORBIDDEN error lists each denied
// path.
func (e *Engine) UpdateAnswers(ctx context.Context, id string, patch map[string]any, identity model.Identity) (model.ApplicationView, error) {
	ctx = model.WithIdentity(ctx, identity)
	logger := observability.RequestLogger(ctx, e.logger)

	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	roleID, ok := role.Resolve(tmpl, identity, app)
	if !ok {
		e.metrics.RecordAnswerUpdate(app.TypeID, "forbidden")
		return model.ApplicationView{}, model.NewForbiddenError("no role on this application")
	}

	if denied := permission.CheckWrite(tmpl, app.State, roleID, patch); len(denied) > 0 {
		e.metrics.RecordAnswerUpdate(app.TypeID, "forbidden")
		forbidden := model.NewForbiddenError(
			fmt.Sprintf("role %q may not write %d field(s) in state %q", roleID, len(denied), app.State),
		)
		forbidden.Details = denied
		return model.ApplicationView{}, forbidden
	}

	now := e.now().UTC()
	work := app.Clone()
	mergeAnswers(work.Answers, patch)
	if len(permission.Flatten(patch)) == 0 || reflect.DeepEqual(work.Answers, app.Answers) {
		e.metrics.RecordAnswerUpdate(app.TypeID, "unchanged")
		return e.view(app, tmpl, roleID, now), nil
	}
	work.Modified = now

	if err := e.store.Save(ctx, work, app.Version); err != nil {
		if model.IsCode(err, model.ErrStaleApplication) {
			e.metrics.RecordStaleConflict(app.TypeID)
			e.metrics.RecordAnswerUpdate(app.TypeID, "stale")
		}
		return model.ApplicationView{}, err
	}

	e.metrics.RecordAnswerUpdate(app.TypeID, "ok")
	logger.Debug("answers updated",
		zap.String("application_id", id),
		zap.Strings("fields", permission.Flatten(patch)),
		zap.Any("patch", observability.RedactAnswers(patch, e.redact)),
	)
	return e.view(work, tmpl, roleID, now), nil
}

// RefreshExternalData re-runs providers on demand. With no ids it refreshes
// every provider the caller's role may collect in the current state. Failed
// providers are recorded as failure results, never returned as errors.
func (e *Engine) RefreshExternalData(ctx context.Context, id string, providerIDs []string, identity model.Identity) (model.ApplicationView, error) {
	ctx = model.WithIdentity(ctx, identity)

	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	roleID, rb := role.Blueprint(tmpl, identity, app)
	if rb == nil {
		return model.ApplicationView{}, model.NewForbiddenError("no role on this application in its current state")
	}

	if len(providerIDs) == 0 {
		providerIDs = rb.DataProviders
	}
	for _, pid := range providerIDs {
		if !permission.CanCollect(tmpl, app.State, roleID, pid) {
			return model.ApplicationView{}, model.NewForbiddenError(
				fmt.Sprintf("role %q may not collect %q in state %q", roleID, pid, app.State),
			)
		}
	}

	now := e.now().UTC()
	if len(providerIDs) == 0 {
		return e.view(app, tmpl, roleID, now), nil
	}

	work := app.Clone()
	collected := e.orchestrator.Collect(ctx, providerIDs, work)
	maps.Copy(work.ExternalData, collected.Patch)
	work.Modified = now

	if err := e.store.Save(ctx, work, app.Version); err != nil {
		if model.IsCode(err, model.ErrStaleApplication) {
			e.metrics.RecordStaleConflict(app.TypeID)
		}
		return model.ApplicationView{}, err
	}

	if collected.Failed() {
		observability.RequestLogger(ctx, e.logger).Warn("external data refresh had failures",
			zap.String("application_id", id),
			zap.Int("failures", len(collected.Failures)),
		)
	}
	return e.view(work, tmpl, roleID, now), nil
}

// GetApplication returns the application as the caller's role may see it.
func (e *Engine) GetApplication(ctx context.Context, id string, identity model.Identity) (model.ApplicationView, error) {
	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	roleID, ok := role.Resolve(tmpl, identity, app)
	if !ok {
		return model.ApplicationView{}, model.NewForbiddenError("no role on this application")
	}
	return e.view(app, tmpl, roleID, e.now().UTC()), nil
}

// GetActionCard returns the action card of an application.
func (e *Engine) GetActionCard(ctx context.Context, id string, identity model.Identity) (model.ActionCard, error) {
	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ActionCard{}, err
	}
	if _, ok := role.Resolve(tmpl, identity, app); !ok {
		return model.ActionCard{}, model.NewForbiddenError("no role on this application")
	}
	return actioncard.Build(app, tmpl, e.now().UTC(), e.expiry), nil
}

// ListApplications returns the applications the caller is applicant or
// assignee of, newest first. Applications in unlisted states, pruned ones
// and those the caller holds no role on are left out. filter.TypeID and
// filter.State narrow the result; its other fields are set from identity.
func (e *Engine) ListApplications(ctx context.Context, identity model.Identity, filter model.ApplicationFilter) ([]model.ApplicationView, error) {
	if err := identity.Validate(); err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	ctx = model.WithIdentity(ctx, identity)

	base := model.ApplicationFilter{
		TenantID: identity.TenantID,
		TypeID:   filter.TypeID,
		State:    filter.State,
	}
	queries := []model.ApplicationFilter{base}
	queries[0].Applicant = identity.NationalID
	if identity.Actor == nil {
		byAssignee := base
		byAssignee.Assignee = identity.NationalID
		queries = append(queries, byAssignee)
	}

	seen := make(map[string]bool)
	var apps []*model.Application
	for _, q := range queries {
		found, err := e.store.List(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, app := range found {
			if !seen[app.ID] {
				seen[app.ID] = true
				apps = append(apps, app)
			}
		}
	}
	sortNewestFirst(apps)

	now := e.now().UTC()
	views := make([]model.ApplicationView, 0, len(apps))
	for _, app := range apps {
		tmpl, err := e.templates.Resolve(app.TypeID)
		if err != nil {
			observability.RequestLogger(ctx, e.logger).Warn("skipping application with unresolvable template",
				zap.String("application_id", app.ID),
				zap.String("type_id", app.TypeID),
				zap.Error(err),
			)
			continue
		}
		deriveStatus(app, tmpl)
		if !lifecycle.ShouldList(app, tmpl) {
			continue
		}
		roleID, ok := role.Resolve(tmpl, identity, app)
		if !ok {
			continue
		}
		views = append(views, e.view(app, tmpl, roleID, now))
	}
	return views, nil
}

// AssignApplication adds assignee to the application. Only a role with full
// write access in the current state may assign.
func (e *Engine) AssignApplication(ctx context.Context, id, assignee string, identity model.Identity) (model.ApplicationView, error) {
	if assignee == "" {
		return model.ApplicationView{}, model.NewBadRequestError("assignee is required")
	}
	ctx = model.WithIdentity(ctx, identity)

	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return model.ApplicationView{}, err
	}
	roleID, rb := role.Blueprint(tmpl, identity, app)
	if rb == nil || rb.Write.Mode != model.AccessAll {
		return model.ApplicationView{}, model.NewForbiddenError(
			fmt.Sprintf("role %q may not assign in state %q", roleID, app.State),
		)
	}

	now := e.now().UTC()
	if slices.Contains(app.Assignees, assignee) {
		return e.view(app, tmpl, roleID, now), nil
	}

	work := app.Clone()
	work.Assignees = append(work.Assignees, assignee)
	work.Modified = now
	if err := e.store.Save(ctx, work, app.Version); err != nil {
		return model.ApplicationView{}, err
	}

	observability.RequestLogger(ctx, e.logger).Info("application assigned",
		zap.String("application_id", id),
		zap.String("assignee", assignee),
	)
	return e.view(work, tmpl, roleID, now), nil
}

// DeleteApplication removes an application when the caller's role carries
// the delete flag in the current state.
func (e *Engine) DeleteApplication(ctx context.Context, id string, identity model.Identity) error {
	ctx = model.WithIdentity(ctx, identity)

	app, tmpl, err := e.load(ctx, id, identity)
	if err != nil {
		return err
	}
	roleID, ok := role.Resolve(tmpl, identity, app)
	if !ok || !permission.CanDelete(tmpl, app.State, roleID) {
		return model.NewForbiddenError(fmt.Sprintf("role %q may not delete in state %q", roleID, app.State))
	}
	if err := e.store.Delete(ctx, id, app.Version); err != nil {
		return err
	}

	observability.RequestLogger(ctx, e.logger).Info("application deleted",
		zap.String("application_id", id),
		zap.String("type_id", app.TypeID),
	)
	return nil
}

// PruneStale runs one prune scan at now.
func (e *Engine) PruneStale(ctx context.Context, now time.Time) (lifecycle.Report, error) {
	return e.pruner.Run(ctx, now)
}

// load fetches an application and its template for identity. Pruned
// applications and applications of another tenant are reported as not found.
func (e *Engine) load(ctx context.Context, id string, identity model.Identity) (*model.Application, *model.Template, error) {
	if err := identity.Validate(); err != nil {
		return nil, nil, model.NewBadRequestError(err.Error())
	}

	app, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if app.Pruned || (identity.TenantID != "" && app.TenantID != identity.TenantID) {
		return nil, nil, notFound(id)
	}

	tmpl, err := e.templates.Resolve(app.TypeID)
	if err != nil {
		return nil, nil, err
	}
	if tmpl.FindState(app.State) == nil {
		return nil, nil, fmt.Errorf("application %q is in state %q which template %q does not declare", id, app.State, app.TypeID)
	}
	deriveStatus(app, tmpl)
	return app, tmpl, nil
}

func (e *Engine) view(app *model.Application, tmpl *model.Template, roleID string, now time.Time) model.ApplicationView {
	return model.ApplicationView{
		Application: permission.FilterForRole(app, tmpl, roleID),
		ActionCard:  actioncard.Build(app, tmpl, now, e.expiry),
	}
}

// deriveStatus sets the status from the current state's blueprint.
func deriveStatus(app *model.Application, tmpl *model.Template) {
	if s := tmpl.FindState(app.State); s != nil {
		app.Status = s.Status
	}
}

func errorCode(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return model.ErrInternalError
}
