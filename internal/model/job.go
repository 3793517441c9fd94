package model

import (
	"encoding/json"
	"time"
)

// Job record status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is a single prompt submission bound for the engine. Node definitions are
// kept as raw JSON so that numeric inputs (seeds in particular) reach the engine
// without a float round trip.
type Job struct {
	ClientID  string
	Prompt    map[string]json.RawMessage
	NoHistory bool
}

// JobResult is what the engine reports once a prompt has finished executing.
type JobResult struct {
	PromptID string         `json:"prompt_id"`
	Status   string         `json:"status"`
	History  map[string]any `json:"history,omitempty"`
}

// JobRecord is the ledger entry kept for every job that reached the engine.
// It intentionally carries no prompt content.
type JobRecord struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"client_id"`
	PromptID   string     `json:"prompt_id,omitempty"`
	Status     string     `json:"status"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	Encrypted  bool       `json:"encrypted"`
	NoHistory  bool       `json:"no_history"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
