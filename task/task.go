// Package task tracks outstanding device commands issued through the
// pipeline's companion HTTP layer, enforcing at most one in-flight command
// per serial port and expiring tasks that never report back.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a task lifecycle state.
type Status string

// Task states. Transitions are pending -> running -> {completed|failed},
// or pending/running -> failed on timeout.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CommandType names a device command.
type CommandType string

// Supported device commands.
const (
	CommandRestart     CommandType = "restart"
	CommandSerialWrite CommandType = "serial_write"
	CommandFlash       CommandType = "flash"
	CommandClose       CommandType = "close"
)

// Command is a request to run a device command on one port.
type Command struct {
	Type     CommandType    `json:"command_type"`
	HubID    string         `json:"hub_id"`
	PortID   string         `json:"port_id"`
	Priority string         `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// Timeout bounds how long the task may stay non-terminal before it is
	// forced to failed. Zero selects the tracker default.
	Timeout time.Duration `json:"-"`
}

// Task is the tracked record of one submitted command. Timestamps are Unix
// milliseconds; StartedAt/CompletedAt are zero until the transition happens.
type Task struct {
	ID          string          `json:"task_id"`
	CommandType CommandType     `json:"command_type"`
	Status      Status          `json:"status"`
	Priority    string          `json:"priority,omitempty"`
	HubID       string          `json:"hub_id"`
	PortID      string          `json:"port_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// StatusUpdate is a status echo from the stream, merged into the matching
// task by Tracker.ApplyStatus.
type StatusUpdate struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubmitResponse is the backend's acknowledgement of a command POST.
type SubmitResponse struct {
	TaskID      string      `json:"task_id"`
	CommandType CommandType `json:"command_type"`
	Status      Status      `json:"status"`
	Priority    string      `json:"priority"`
	CreatedAt   int64       `json:"created_at"`
}

// Submitter dispatches a command to the backend. The Tracker calls it only
// after the per-port conflict check has passed.
type Submitter interface {
	Submit(ctx context.Context, cmd Command) (*SubmitResponse, error)
}
