package router

import (
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/task"
)

// Note records a non-fatal routing observation.
type Note string

const (
	// NotePreferredUnavailable means the requested backend was unknown or
	// not currently offered, so the chain falls back to affinity order.
	NotePreferredUnavailable Note = "preferred_model_unavailable"
	// NoteTruncated means candidates beyond the attempt cap were dropped.
	NoteTruncated Note = "truncated"
)

// Chain is the ordered, per-request snapshot of backends to try.
type Chain struct {
	TaskType  task.Type           `json:"task_type"`
	Preferred string              `json:"preferred_model,omitempty"`
	Entries   []registry.Snapshot `json:"-"`
	Notes     []Note              `json:"notes,omitempty"`
}

// Len returns the number of entries.
func (c Chain) Len() int {
	return len(c.Entries)
}

// Empty reports whether no backend was offered.
func (c Chain) Empty() bool {
	return len(c.Entries) == 0
}

// IDs returns the backend ids in chain order.
func (c Chain) IDs() []string {
	ids := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// Has reports whether a note was recorded.
func (c Chain) Has(n Note) bool {
	for _, note := range c.Notes {
		if note == n {
			return true
		}
	}
	return false
}

// RouteInfo describes the current ranking for one task type.
type RouteInfo struct {
	TaskType task.Type    `json:"task_type"`
	Backends []RankedInfo `json:"backends"`
}

// RankedInfo is one ranked backend in a RouteInfo.
type RankedInfo struct {
	ID       string         `json:"id"`
	Model    string         `json:"model"`
	Affinity float64        `json:"affinity"`
	State    registry.State `json:"state"`
}
