package model

import "time"

// ActionCard is the status summary shown to users for one application.
type ActionCard struct {
	Status        string         `json:"status"`
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	Tag           Tag            `json:"tag"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
	History       []HistoryEntry `json:"history"`
	PruneAt       *time.Time     `json:"prune_at,omitempty"`
	ExpiresSoon   bool           `json:"expires_soon,omitempty"`
}

// HistoryEntry is one line of an action card's history. Pending marks the
// in-flight entry of the current state.
type HistoryEntry struct {
	Date    time.Time `json:"date"`
	Title   string    `json:"title"`
	Content string    `json:"content,omitempty"`
	Pending bool      `json:"pending,omitempty"`
}

// ApplicationView is an application as one caller may see it, paired with
// its action card. Engine operations return it.
type ApplicationView struct {
	Application *Application `json:"application"`
	ActionCard  ActionCard   `json:"action_card"`
}
