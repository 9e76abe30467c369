package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/internal/observability"
	"github.com/pitabwire/casework/model"
)

// Call outcomes used as the metrics status label.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeTimeout  = "timeout"
	outcomePanic    = "panic"
	outcomeRejected = "rejected"
	outcomeUnknown  = "unknown"
)

// Options configures an Orchestrator. Zero values fall back to a 10s
// provider timeout and a concurrency limit of 8.
type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	CircuitBreaker config.CircuitBreakerConfig
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// OptionsFromConfig builds Options from the providers config section.
func OptionsFromConfig(cfg config.ProvidersConfig) Options {
	return Options{
		Timeout:        cfg.Timeout,
		MaxConcurrency: cfg.MaxConcurrency,
		CircuitBreaker: cfg.CircuitBreaker,
	}
}

// Collection is the outcome of one collection round. Patch holds every
// provider's result keyed by provider id; Failures is the subset that did
// not succeed.
type Collection struct {
	Patch    map[string]model.DataProviderResult
	Failures map[string]model.DataProviderResult
}

// Failed reports whether any provider in the round failed.
func (c Collection) Failed() bool {
	return len(c.Failures) > 0
}

// Orchestrator runs collection rounds against a provider registry.
type Orchestrator struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, opts Options) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		registry: registry,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Registry returns the provider registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Collect runs one round: every provider in ids is called concurrently
// against app, each under its own deadline. No provider error escapes;
// unknown ids, timeouts, errors, panics and open breakers all become
// failure results. Providers see a snapshot of app taken when the round
// starts, so a provider left running past its deadline never observes later
// changes to app.
func (o *Orchestrator) Collect(ctx context.Context, ids []string, app *model.Application) Collection {
	snap := app.Clone()

	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	results := make([]model.DataProviderResult, len(unique))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrency)
	for i, id := range unique {
		g.Go(func() error {
			results[i] = o.call(ctx, id, snap)
			return nil
		})
	}
	_ = g.Wait()

	c := Collection{
		Patch:    make(map[string]model.DataProviderResult, len(unique)),
		Failures: make(map[string]model.DataProviderResult),
	}
	for i, id := range unique {
		c.Patch[id] = results[i]
		if !results[i].Succeeded() {
			c.Failures[id] = results[i]
		}
	}
	return c
}

// RunActions runs actions sequentially, one collection round per action.
// Results of persisting actions are merged into app.ExternalData so later
// rounds see them. A failed round of a throwOnError action stops the run
// with REQUIRED_DATA_COLLECTION_FAILED. The returned patch holds every
// persisted result.
func (o *Orchestrator) RunActions(ctx context.Context, actions []model.Action, app *model.Application) (map[string]model.DataProviderResult, error) {
	patch := make(map[string]model.DataProviderResult)
	for _, action := range actions {
		c := o.Collect(ctx, action.Providers, app)
		if action.ThrowOnError && c.Failed() {
			o.logger.Warn("required data collection failed",
				zap.String("application_id", app.ID),
				zap.String("action", action.Name),
				zap.Strings("providers", action.Providers),
				zap.Int("failures", len(c.Failures)),
			)
			return nil, model.NewRequiredDataCollectionFailedError(c.Failures)
		}
		if !action.Persists() {
			continue
		}
		if app.ExternalData == nil {
			app.ExternalData = make(map[string]model.DataProviderResult)
		}
		maps.Copy(app.ExternalData, c.Patch)
		maps.Copy(patch, c.Patch)
	}
	return patch, nil
}

func (o *Orchestrator) call(ctx context.Context, id string, app *model.Application) model.DataProviderResult {
	start := o.now()

	ctx, span := observability.StartSpan(ctx, "dataprovider.provide",
		observability.AttrProviderID.String(id),
		observability.AttrApplicationID.String(app.ID),
	)

	res, outcome, err := o.invoke(ctx, id, app)
	if res.Date.IsZero() {
		res.Date = start.UTC()
	}

	duration := o.now().Sub(start)
	o.metrics.RecordProviderCall(id, outcome, duration)
	observability.EndSpanWithError(span, err)

	if res.Succeeded() {
		o.logger.Debug("data provider succeeded",
			zap.String("provider_id", id),
			zap.String("application_id", app.ID),
			zap.Duration("duration", duration),
		)
	} else {
		o.logger.Warn("data provider failed",
			zap.String("provider_id", id),
			zap.String("application_id", app.ID),
			zap.String("outcome", outcome),
			zap.String("reason", res.Reason),
			zap.Duration("duration", duration),
		)
	}
	return res
}

// invoke resolves the provider, consults its breaker and maps the outcome.
func (o *Orchestrator) invoke(ctx context.Context, id string, app *model.Application) (model.DataProviderResult, string, error) {
	p, ok := o.registry.Get(id)
	if !ok {
		err := fmt.Errorf("unknown data provider %q", id)
		return model.FailureResult(time.Time{}, err.Error()), outcomeUnknown, err
	}

	cb := o.breaker(id)
	if err := cb.Allow(); err != nil {
		o.metrics.SetProviderCircuitBreakerState(id, float64(cb.State()))
		return model.FailureResult(time.Time{}, err.Error()), outcomeRejected, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	data, err := provide(callCtx, p, app)
	var res model.DataProviderResult
	outcome := outcomeSuccess
	switch {
	case err == nil:
		res = mapResult(p, func() model.DataProviderResult { return p.OnProvideSuccess(data) })
	case errors.Is(err, errProviderPanic):
		outcome = outcomePanic
		res = model.FailureResult(time.Time{}, err.Error())
	default:
		outcome = outcomeFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeTimeout
		}
		res = mapResult(p, func() model.DataProviderResult { return p.OnProvideError(err) })
	}

	// Only infrastructure errors count against the breaker. A *Failure or a
	// failure result from a mapper is the provider answering for this
	// application.
	if err != nil && !isProviderAnswer(err) {
		// Window stats leading up to this failure; tripping resets them.
		rate, calls := cb.errorRate()
		cb.RecordFailure()
		if cb.State() == BreakerOpen {
			o.logger.Warn("data provider circuit breaker open",
				zap.String("provider_id", id),
				zap.Float64("error_rate", rate),
				zap.Int("window_calls", calls),
				zap.Error(err),
			)
		}
	} else {
		cb.RecordSuccess()
	}
	if err == nil && !res.Succeeded() {
		outcome = outcomeFailure
		err = errors.New(res.Reason)
	}
	o.metrics.SetProviderCircuitBreakerState(id, float64(cb.State()))
	return res, outcome, err
}

var errProviderPanic = errors.New("data provider panicked")

func isProviderAnswer(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// provide calls p.Provide in its own goroutine so a provider that ignores
// ctx still yields a timeout result once the deadline passes.
func provide(ctx context.Context, p Provider, app *model.Application) (any, error) {
	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errProviderPanic, r)}
			}
		}()
		data, err := p.Provide(ctx, app)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("data provider %q: %w", p.ID(), ctx.Err())
	}
}

// mapResult runs a provider's result mapper, converting a panic or an
// invalid result into a failure.
func mapResult(p Provider, mapper func() model.DataProviderResult) (res model.DataProviderResult) {
	defer func() {
		if r := recover(); r != nil {
			res = model.FailureResult(time.Time{}, fmt.Sprintf("data provider %q result mapper panicked: %v", p.ID(), r))
		}
	}()
	res = mapper()
	if err := res.Validate(); err != nil {
		return model.FailureResult(time.Time{}, fmt.Sprintf("data provider %q returned an invalid result: %v", p.ID(), err))
	}
	return res
}

func (o *Orchestrator) breaker(id string) *CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	cb, ok := o.breakers[id]
	if !ok {
		cb = newCircuitBreaker(o.opts.CircuitBreaker, o.now)
		o.breakers[id] = cb
	}
	return cb
}

// BreakerState returns the breaker state of a provider. Providers that were
// never called report BreakerClosed.
func (o *Orchestrator) BreakerState(id string) BreakerState {
	o.mu.Lock()
	cb, ok := o.breakers[id]
	o.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}
