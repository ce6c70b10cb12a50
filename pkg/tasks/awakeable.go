package tasks

import (
	"encoding/json"
	"time"
)

// AwakeableStatus is the lifecycle state of an awakeable. The only legal
// transition is PENDING -> RESOLVED.
type AwakeableStatus string

const (
	AwakeablePending  AwakeableStatus = "PENDING"
	AwakeableResolved AwakeableStatus = "RESOLVED"
)

// Awakeable is a one-time signal slot a suspended task waits on.
type Awakeable struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	TaskName   string          `json:"task_name"`
	Status     AwakeableStatus `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Resolved reports whether the awakeable has been resolved.
func (a *Awakeable) Resolved() bool {
	return a.Status == AwakeableResolved
}
