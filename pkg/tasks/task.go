package tasks

import (
	"time"
)

// Task represents a task instance within a job. A task is identified by the
// (JobID, Name) pair.
type Task struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStatus constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
