package tasks

import (
	"time"
)

// EventStateChange is the event type recorded for task status transitions.
const EventStateChange = "task.StateChange"

// Event is an immutable audit record. Seq is assigned by the event log on
// insert and defines the total order of the log.
type Event struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	TaskName  string    `json:"task_name"`
	Type      string    `json:"event_type"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
