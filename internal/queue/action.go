// Package queue implements the durable retry queue.
//
// Mutation intents that have not reached the remote store yet are kept as
// Actions in a persisted list and delivered in order by processors
// registered per "entityType:actionType" key. Failed deliveries are retried
// with exponential backoff; actions that can never succeed end up in a
// bounded, TTL-expiring dead-letter list where they can be retried by hand
// or dismissed.
package queue

import (
	"encoding/json"
	"time"
)

// ActionType is the kind of mutation an action carries.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Priority orders eviction when the queue is over capacity.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// ErrorType classifies the last delivery failure.
type ErrorType string

const (
	ErrorNetwork  ErrorType = "network"
	ErrorBusiness ErrorType = "business"
	ErrorTimeout  ErrorType = "timeout"
	ErrorUnknown  ErrorType = "unknown"
)

// Entity kinds known to the default priority table.
const (
	EntityProject    = "project"
	EntityTask       = "task"
	EntityConnection = "connection"
	EntityPreference = "preference"
)

// Action is one queued mutation intent.
type Action struct {
	ID            string          `json:"id"`
	Type          ActionType      `json:"type"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"retry_count"`
	Priority      Priority        `json:"priority"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorType     ErrorType       `json:"error_type,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

// Key returns the processor registry key: entityType:actionType.
func (a Action) Key() string {
	return ProcessorKey(a.EntityType, a.Type)
}

// ProcessorKey builds a registry key.
func ProcessorKey(entityType string, actionType ActionType) string {
	return entityType + ":" + string(actionType)
}

// DeadLetter is an action that will not be retried automatically.
type DeadLetter struct {
	Action   Action    `json:"action"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// DefaultPriority returns the priority assigned to actions that do not set
// one: top-level aggregates are critical, their children normal, and
// preference/telemetry-like kinds low.
func DefaultPriority(entityType string) Priority {
	switch entityType {
	case EntityProject:
		return PriorityCritical
	case EntityTask, EntityConnection:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
