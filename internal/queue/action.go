// Package queue persists remote mutations made while offline and dispatches them once
// connectivity allows, in priority order and with exponential backoff between attempts.
package queue

import (
	"encoding/json"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities, lower dispatches first. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// DefaultMaxAttempts is the attempt budget of actions enqueued without one.
const DefaultMaxAttempts = 3

// Action is a pending remote mutation.
type Action struct {
	ID            string          `json:"id"`
	Domain        string          `json:"domainType"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	AttemptCount  int             `json:"attemptCount"`
	MaxAttempts   int             `json:"maxAttempts"`
	Priority      Priority        `json:"priority"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
}

// Eligible reports whether the action may be dispatched at now.
func (a Action) Eligible(now time.Time) bool {
	return a.NextAttemptAt.IsZero() || !a.NextAttemptAt.After(now)
}

// before is the dispatch order: priority tier, then enqueue time, then id.
func (a Action) before(b Action) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}
