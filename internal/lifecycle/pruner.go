package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/casework/internal/observability"
	"github.com/pitabwire/casework/model"
)

// PruneStore is the persistence the prune scan needs.
type PruneStore interface {
	// FindPruneCandidates returns unpruned applications of typeID in state
	// last modified at or before cutoff.
	FindPruneCandidates(ctx context.Context, typeID, state string, cutoff time.Time) ([]*model.Application, error)
	// MarkPruned clears an application's data and flags it pruned. It fails
	// with STALE_APPLICATION when the stored version differs.
	MarkPruned(ctx context.Context, id string, expectedVersion int, at time.Time) error
}

// Templates lists and resolves the registered templates.
type Templates interface {
	Types() []string
	Resolve(typeID string) (*model.Template, error)
}

// Report summarises one prune scan.
type Report struct {
	Pruned  []string
	Skipped int
}

// Pruner scans prunable states of every template and marks eligible
// applications pruned.
type Pruner struct {
	store     PruneStore
	templates Templates
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewPruner creates a Pruner. logger and metrics may be nil.
func NewPruner(store PruneStore, templates Templates, logger *zap.Logger, metrics *observability.Metrics) *Pruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{store: store, templates: templates, logger: logger, metrics: metrics}
}

// Run performs one scan at now. Applications modified concurrently are
// skipped and picked up by a later scan.
func (p *Pruner) Run(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	for _, typeID := range p.templates.Types() {
		tmpl, err := p.templates.Resolve(typeID)
		if err != nil {
			p.logger.Warn("prune: template unavailable", zap.String("type_id", typeID), zap.Error(err))
			continue
		}

		for _, state := range tmpl.States {
			if !state.Lifecycle.ShouldBePruned || state.Lifecycle.WhenToPrune <= 0 {
				continue
			}
			cutoff := now.Add(-state.Lifecycle.WhenToPrune)
			candidates, err := p.store.FindPruneCandidates(ctx, typeID, state.Name, cutoff)
			if err != nil {
				p.metrics.RecordPruneRun("error")
				return report, fmt.Errorf("prune: find candidates for %s/%s: %w", typeID, state.Name, err)
			}

			for _, app := range candidates {
				if !Eligible(app, tmpl, now) {
					continue
				}
				err := p.store.MarkPruned(ctx, app.ID, app.Version, now)
				switch {
				case err == nil:
					report.Pruned = append(report.Pruned, app.ID)
					p.metrics.RecordPruned(typeID, state.Name)
				case model.IsCode(err, model.ErrStaleApplication), model.IsCode(err, model.ErrNotFound):
					report.Skipped++
					p.metrics.RecordPruneSkipped(typeID)
				default:
					p.metrics.RecordPruneRun("error")
					return report, fmt.Errorf("prune: mark %s pruned: %w", app.ID, err)
				}
			}
		}
	}

	p.metrics.RecordPruneRun("success")
	p.logger.Info("prune scan completed",
		zap.Int("pruned", len(report.Pruned)),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// Start runs a scan every interval until ctx is cancelled. Scan errors are
// logged and do not stop the loop.
func (p *Pruner) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := p.Run(ctx, now.UTC()); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("prune scan failed", zap.Error(err))
			}
		}
	}
}
