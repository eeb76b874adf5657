package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/metric"
	"github.com/c360/hubstream/pkg/timestamp"
)

// DefaultTimeout applies when a command does not specify its own bound.
const DefaultTimeout = 30 * time.Second

// TrackerOptions tunes a Tracker. Zero fields take defaults.
type TrackerOptions struct {
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metric.Metrics
}

func (o *TrackerOptions) applyDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// trackedTask pairs a task record with its timeout timer. The timer fires
// at most once; transitions into a terminal state stop it.
type trackedTask struct {
	task  Task
	timer *time.Timer
}

// Tracker owns the set of outstanding device commands. All state transitions
// funnel through it: submission, status echoes from the stream, and timeout
// expiry. Terminal tasks stay visible until CleanupTerminal so callers can
// show final status.
type Tracker struct {
	submitter Submitter
	opts      TrackerOptions

	mu     sync.Mutex
	tasks  map[string]*trackedTask
	byPort map[string]string // port id -> active (non-terminal) task id
}

// NewTracker creates a tracker dispatching through the given submitter.
func NewTracker(submitter Submitter, opts TrackerOptions) *Tracker {
	opts.applyDefaults()
	return &Tracker{
		submitter: submitter,
		opts:      opts,
		tasks:     make(map[string]*trackedTask),
		byPort:    make(map[string]string),
	}
}

// Submit dispatches a command and begins tracking the resulting task. A port
// with a pending or running task rejects the command before any network I/O.
func (t *Tracker) Submit(ctx context.Context, cmd Command) (*Task, error) {
	if cmd.PortID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("command has no port id"),
			"Tracker", "Submit", "validate command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = t.opts.DefaultTimeout
	}

	// Reserve the port before the POST so a concurrent submit for the same
	// port conflicts instead of double-dispatching.
	t.mu.Lock()
	if activeID, busy := t.byPort[cmd.PortID]; busy {
		t.mu.Unlock()
		t.countSubmit(cmd.Type, "conflict")
		return nil, errors.WrapInvalid(errors.ErrPortBusy, "Tracker", "Submit",
			fmt.Sprintf("port %s has in-flight task %s", cmd.PortID, activeID))
	}
	t.byPort[cmd.PortID] = ""
	t.mu.Unlock()

	resp, err := t.submitter.Submit(ctx, cmd)
	if err != nil {
		t.mu.Lock()
		delete(t.byPort, cmd.PortID)
		t.mu.Unlock()
		t.countSubmit(cmd.Type, "error")
		return nil, errors.WrapTransient(err, "Tracker", "Submit",
			fmt.Sprintf("dispatch %s to port %s", cmd.Type, cmd.PortID))
	}

	created := resp.CreatedAt
	if created == 0 {
		created = timestamp.Now()
	}
	status := resp.Status
	if status == "" {
		status = StatusPending
	}
	rec := Task{
		ID:          resp.TaskID,
		CommandType: cmd.Type,
		Status:      status,
		Priority:    resp.Priority,
		HubID:       cmd.HubID,
		PortID:      cmd.PortID,
		CreatedAt:   created,
	}

	// A backend may acknowledge with an already-terminal status, e.g. a
	// close that completed synchronously. Such a task never occupies the
	// port and never needs a timeout.
	terminal := rec.Status.Terminal()
	if terminal {
		rec.CompletedAt = created
	}

	t.mu.Lock()
	tt := &trackedTask{task: rec}
	if terminal {
		delete(t.byPort, cmd.PortID)
	} else {
		tt.timer = time.AfterFunc(timeout, func() { t.expire(rec.ID) })
		t.byPort[cmd.PortID] = rec.ID
	}
	t.tasks[rec.ID] = tt
	t.mu.Unlock()

	t.countSubmit(cmd.Type, "accepted")
	if t.opts.Metrics != nil && !terminal {
		t.opts.Metrics.TasksInFlight.Inc()
	}
	t.opts.Logger.Info("task submitted",
		"task_id", rec.ID, "command", string(cmd.Type),
		"hub_id", cmd.HubID, "port_id", cmd.PortID,
		"timeout", timeout.String())

	out := rec
	return &out, nil
}

// ApplyStatus merges a status echo into the matching task. The merge is
// idempotent: repeated echoes of the same state change nothing, the first
// running transition stamps StartedAt, the first terminal transition stamps
// CompletedAt, and echoes arriving after a terminal state are ignored so a
// timed-out task is never resurrected. Returns false for unknown task ids.
func (t *Tracker) ApplyStatus(upd StatusUpdate) bool {
	t.mu.Lock()
	tt, ok := t.tasks[upd.TaskID]
	if !ok {
		t.mu.Unlock()
		t.opts.Logger.Debug("status for unknown task", "task_id", upd.TaskID,
			"status", string(upd.Status))
		return false
	}

	if tt.task.Status.Terminal() {
		t.mu.Unlock()
		return true
	}

	now := upd.Timestamp
	if now == 0 {
		now = timestamp.Now()
	}

	if upd.Status == StatusRunning && tt.task.StartedAt == 0 {
		tt.task.StartedAt = now
	}
	if len(upd.Result) > 0 {
		tt.task.Result = upd.Result
	}
	if upd.Error != "" {
		tt.task.Error = upd.Error
	}
	tt.task.Status = upd.Status

	var finished Task
	terminal := upd.Status.Terminal()
	if terminal {
		tt.task.CompletedAt = now
		tt.timer.Stop()
		delete(t.byPort, tt.task.PortID)
		finished = tt.task
	}
	t.mu.Unlock()

	if terminal {
		if t.opts.Metrics != nil {
			t.opts.Metrics.TasksInFlight.Dec()
		}
		t.opts.Logger.Info("task finished",
			"task_id", finished.ID, "command", string(finished.CommandType),
			"port_id", finished.PortID, "status", string(finished.Status),
			"completed_at", timestamp.Format(finished.CompletedAt),
			"error", finished.Error)
	}
	return true
}

// expire forces a still-active task to failed. Runs on the timeout timer;
// a terminal transition that won the race already stopped caring.
func (t *Tracker) expire(taskID string) {
	t.mu.Lock()
	tt, ok := t.tasks[taskID]
	if !ok || tt.task.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	tt.task.Status = StatusFailed
	tt.task.Error = errors.ErrTaskTimeout.Error()
	tt.task.CompletedAt = timestamp.Now()
	delete(t.byPort, tt.task.PortID)
	expired := tt.task
	t.mu.Unlock()

	if t.opts.Metrics != nil {
		t.opts.Metrics.TaskTimeouts.Inc()
		t.opts.Metrics.TasksInFlight.Dec()
	}
	t.opts.Logger.Warn("task timed out",
		"task_id", expired.ID, "command", string(expired.CommandType),
		"port_id", expired.PortID,
		"completed_at", timestamp.Format(expired.CompletedAt))
}

// ActiveTaskFor returns the pending or running task occupying a port.
func (t *Tracker) ActiveTaskFor(portID string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byPort[portID]
	if !ok || id == "" {
		return nil, false
	}
	tt, ok := t.tasks[id]
	if !ok {
		// Reservation with no backing record. Drop it so the port is usable.
		delete(t.byPort, portID)
		return nil, false
	}
	out := tt.task
	return &out, true
}

// Task returns a task by id, terminal or not.
func (t *Tracker) Task(taskID string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tt, ok := t.tasks[taskID]
	if !ok {
		return nil, false
	}
	out := tt.task
	return &out, true
}

// Tasks returns a snapshot of all tracked tasks.
func (t *Tracker) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Task, 0, len(t.tasks))
	for _, tt := range t.tasks {
		out = append(out, tt.task)
	}
	return out
}

// CleanupTerminal removes completed and failed tasks, returning how many
// were swept. Active tasks are never removed.
func (t *Tracker) CleanupTerminal() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	swept := 0
	for id, tt := range t.tasks {
		if tt.task.Status.Terminal() {
			if t.byPort[tt.task.PortID] == id {
				delete(t.byPort, tt.task.PortID)
			}
			delete(t.tasks, id)
			swept++
		}
	}
	return swept
}

// Close stops all outstanding timeout timers. Tracked state is left intact.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tt := range t.tasks {
		if tt.timer != nil {
			tt.timer.Stop()
		}
	}
}

func (t *Tracker) countSubmit(cmd CommandType, outcome string) {
	if t.opts.Metrics != nil {
		t.opts.Metrics.TasksSubmitted.WithLabelValues(string(cmd), outcome).Inc()
	}
}
