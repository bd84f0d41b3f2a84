// Package models provides data model definitions for the offline operation queue.
package models

import (
	"encoding/json"
	"time"
)

// Priority determines the processing order of pending operations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight; higher ranks are processed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// ConflictState tracks where an operation is in conflict handling.
type ConflictState string

const (
	ConflictNone           ConflictState = ""
	ConflictAwaitingManual ConflictState = "awaiting_manual"
)

// Operation is a single deferred, state-changing request awaiting delivery.
type Operation struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"` // attendance, leave_request, timesheet, profile_update, ...
	Priority      Priority          `json:"priority"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	Timestamp     time.Time         `json:"timestamp"`
	OwnerID       string            `json:"owner_id"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     string            `json:"last_error,omitempty"`
	ConflictState ConflictState     `json:"conflict_state,omitempty"`
	Override      bool              `json:"override,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Payload != nil {
		c.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	if o.Dependencies != nil {
		c.Dependencies = append([]string(nil), o.Dependencies...)
	}
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// AwaitingManual reports whether the operation is parked for a human decision.
func (o *Operation) AwaitingManual() bool {
	return o.ConflictState == ConflictAwaitingManual
}

// EligibleAt reports whether the backoff window has elapsed at now.
func (o *Operation) EligibleAt(now time.Time) bool {
	return o.NextAttemptAt.IsZero() || !now.Before(o.NextAttemptAt)
}
