// Package actioncard builds the read-only status summary of an application.
package actioncard

import (
	"slices"
	"time"

	"github.com/pitabwire/casework/internal/lifecycle"
	"github.com/pitabwire/casework/model"
)

// Build derives the action card of app at now. expiryWarning is how close to
// the prune deadline the card starts flagging ExpiresSoon; zero disables the
// flag. Build has no side effects.
func Build(app *model.Application, tmpl *model.Template, now time.Time, expiryWarning time.Duration) model.ActionCard {
	card := model.ActionCard{
		Status:  app.Status,
		History: []model.HistoryEntry{},
	}

	state := tmpl.FindState(app.State)
	if state != nil {
		card.Status = state.Status
		card.Title = state.ActionCard.Title
		card.Description = state.ActionCard.Description
		card.Tag = state.ActionCard.Tag
		if pa := state.ActionCard.PendingAction; pa != nil && !app.Pruned {
			pending := *pa
			card.PendingAction = &pending
			card.History = append(card.History, model.HistoryEntry{
				Date:    app.EnteredCurrentStateAt(),
				Title:   pa.Title,
				Content: pa.Content,
				Pending: true,
			})
		}
	}

	card.History = append(card.History, historyLogs(app, tmpl)...)

	if deadline, ok := lifecycle.PruneAt(app, tmpl); ok && !app.Pruned {
		card.PruneAt = &deadline
		card.ExpiresSoon = expiryWarning > 0 && !now.Before(deadline.Add(-expiryWarning))
	}
	return card
}

// historyLogs matches every recorded state exit against the exited state's
// history_logs and returns the entries newest first.
func historyLogs(app *model.Application, tmpl *model.Template) []model.HistoryEntry {
	var entries []model.HistoryEntry
	for _, h := range app.History {
		if h.ExitedAt == nil || h.ExitEvent == "" {
			continue
		}
		state := tmpl.FindState(h.State)
		if state == nil {
			continue
		}
		for _, log := range state.ActionCard.HistoryLogs {
			if log.OnEvent == h.ExitEvent {
				entries = append(entries, model.HistoryEntry{Date: *h.ExitedAt, Title: log.LogMessage})
			}
		}
	}
	slices.SortStableFunc(entries, func(a, b model.HistoryEntry) int {
		return b.Date.Compare(a.Date)
	})
	return entries
}
