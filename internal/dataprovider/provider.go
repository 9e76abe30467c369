// Package dataprovider runs external-data collection rounds for applications.
// Providers are opaque asynchronous fetches; every outcome, including
// timeouts and panics, is recorded as a typed DataProviderResult.
package dataprovider

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/casework/model"
)

// Provider fetches one piece of external data for an application.
type Provider interface {
	// ID is the key the result is stored under in Application.ExternalData.
	ID() string
	// Provide performs the fetch. It must honour ctx cancellation.
	Provide(ctx context.Context, app *model.Application) (any, error)
	// OnProvideSuccess maps fetched data to a result.
	OnProvideSuccess(data any) model.DataProviderResult
	// OnProvideError maps a fetch error to a result.
	OnProvideError(err error) model.DataProviderResult
}

// Failure is an error a provider can return to control the recorded reason
// and whether the submit error is hidden from the applicant.
type Failure struct {
	Reason          string
	HideSubmitError bool
}

func (f *Failure) Error() string { return f.Reason }

// BaseProvider supplies the default result mappers. Embed it and implement
// Provide.
type BaseProvider struct {
	ProviderID string
}

// ID returns the provider id.
func (b BaseProvider) ID() string { return b.ProviderID }

// OnProvideSuccess records data as a success.
func (b BaseProvider) OnProvideSuccess(data any) model.DataProviderResult {
	return model.SuccessResult(time.Time{}, data)
}

// OnProvideError records err as a failure. A *Failure anywhere in the chain
// supplies the reason and the hide flag.
func (b BaseProvider) OnProvideError(err error) model.DataProviderResult {
	var f *Failure
	if errors.As(err, &f) {
		res := model.FailureResult(time.Time{}, f.Reason)
		res.HideSubmitError = f.HideSubmitError
		return res
	}
	return model.FailureResult(time.Time{}, err.Error())
}

// Func adapts a plain function to a Provider with the default mappers.
func Func(id string, fn func(ctx context.Context, app *model.Application) (any, error)) Provider {
	return &funcProvider{BaseProvider: BaseProvider{ProviderID: id}, fn: fn}
}

type funcProvider struct {
	BaseProvider
	fn func(ctx context.Context, app *model.Application) (any, error)
}

func (p *funcProvider) Provide(ctx context.Context, app *model.Application) (any, error) {
	return p.fn(ctx, app)
}
