package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/pkg/timestamp"
)

// fakeSubmitter counts dispatches and hands back canned acknowledgements.
type fakeSubmitter struct {
	calls  atomic.Int64
	err    error
	status Status
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd Command) (*SubmitResponse, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	ack := f.status
	if ack == "" {
		ack = StatusPending
	}
	return &SubmitResponse{
		TaskID:      fmt.Sprintf("task-%d", n),
		CommandType: cmd.Type,
		Status:      ack,
		Priority:    "normal",
		CreatedAt:   timestamp.Now(),
	}, nil
}

func newTestTracker(t *testing.T, sub Submitter, opts TrackerOptions) *Tracker {
	t.Helper()
	tr := NewTracker(sub, opts)
	t.Cleanup(tr.Close)
	return tr
}

func TestSubmitTracksTask(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := newTestTracker(t, sub, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{
		Type: CommandRestart, HubID: "hub-1", PortID: "ttyUSB0",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "ttyUSB0", got.PortID)
	assert.NotZero(t, got.CreatedAt)

	active, ok := tr.ActiveTaskFor("ttyUSB0")
	require.True(t, ok)
	assert.Equal(t, got.ID, active.ID)
}

func TestSubmitPortConflictNoNetworkCall(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := newTestTracker(t, sub, TrackerOptions{})

	_, err := tr.Submit(context.Background(), Command{
		Type: CommandRestart, HubID: "hub-1", PortID: "ttyUSB0",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), sub.calls.Load())

	_, err = tr.Submit(context.Background(), Command{
		Type: CommandClose, HubID: "hub-1", PortID: "ttyUSB0",
	})
	require.ErrorIs(t, err, errors.ErrPortBusy)
	assert.Equal(t, int64(1), sub.calls.Load(), "conflict must not dispatch")

	// Another port is unaffected.
	_, err = tr.Submit(context.Background(), Command{
		Type: CommandRestart, HubID: "hub-1", PortID: "ttyUSB1",
	})
	assert.NoError(t, err)
}

func TestSubmitBackendErrorFreesPort(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("backend unreachable")}
	tr := newTestTracker(t, sub, TrackerOptions{})

	_, err := tr.Submit(context.Background(), Command{
		Type: CommandRestart, PortID: "ttyUSB0",
	})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	sub.err = nil
	_, err = tr.Submit(context.Background(), Command{
		Type: CommandRestart, PortID: "ttyUSB0",
	})
	assert.NoError(t, err, "failed dispatch must not leave the port reserved")
}

func TestApplyStatusLifecycle(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{
		Type: CommandFlash, PortID: "ttyUSB0",
	})
	require.NoError(t, err)

	require.True(t, tr.ApplyStatus(StatusUpdate{
		TaskID: got.ID, Status: StatusRunning, Timestamp: 1000,
	}))
	running, ok := tr.Task(got.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, int64(1000), running.StartedAt)
	assert.Zero(t, running.CompletedAt)

	// Repeated running echo does not move StartedAt.
	tr.ApplyStatus(StatusUpdate{TaskID: got.ID, Status: StatusRunning, Timestamp: 2000})
	running, _ = tr.Task(got.ID)
	assert.Equal(t, int64(1000), running.StartedAt)

	tr.ApplyStatus(StatusUpdate{
		TaskID: got.ID, Status: StatusCompleted, Timestamp: 3000,
		Result: json.RawMessage(`{"ok":true}`),
	})
	done, _ := tr.Task(got.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(3000), done.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	// Terminal state frees the port.
	_, ok = tr.ActiveTaskFor("ttyUSB0")
	assert.False(t, ok)

	// Late echo after terminal changes nothing.
	tr.ApplyStatus(StatusUpdate{TaskID: got.ID, Status: StatusRunning, Timestamp: 4000})
	final, _ := tr.Task(got.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(3000), final.CompletedAt)
}

func TestApplyStatusUnknownTask(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})
	assert.False(t, tr.ApplyStatus(StatusUpdate{TaskID: "ghost", Status: StatusRunning}))
}

func TestTimeoutFailsTaskExactlyOnce(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{
		Type: CommandSerialWrite, PortID: "ttyUSB0",
		Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, ok := tr.Task(got.ID)
		return ok && tk.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	failed, _ := tr.Task(got.ID)
	assert.Equal(t, errors.ErrTaskTimeout.Error(), failed.Error)
	completedAt := failed.CompletedAt
	assert.NotZero(t, completedAt)

	// Port is free again.
	_, ok := tr.ActiveTaskFor("ttyUSB0")
	assert.False(t, ok)

	// A late echo cannot resurrect the task or restamp completion.
	tr.ApplyStatus(StatusUpdate{TaskID: got.ID, Status: StatusCompleted, Timestamp: timestamp.Now()})
	still, _ := tr.Task(got.ID)
	assert.Equal(t, StatusFailed, still.Status)
	assert.Equal(t, completedAt, still.CompletedAt)
}

func TestTerminalEchoBeatsTimeout(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{
		Type: CommandRestart, PortID: "ttyUSB0",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	tr.ApplyStatus(StatusUpdate{TaskID: got.ID, Status: StatusCompleted, Timestamp: 1000})

	time.Sleep(300 * time.Millisecond)
	final, _ := tr.Task(got.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.CompletedAt)
}

func TestCleanupTerminal(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})

	a, err := tr.Submit(context.Background(), Command{Type: CommandRestart, PortID: "p1"})
	require.NoError(t, err)
	b, err := tr.Submit(context.Background(), Command{Type: CommandRestart, PortID: "p2"})
	require.NoError(t, err)

	tr.ApplyStatus(StatusUpdate{TaskID: a.ID, Status: StatusFailed, Error: "device gone"})

	assert.Equal(t, 1, tr.CleanupTerminal())
	assert.Equal(t, 0, tr.CleanupTerminal())

	_, ok := tr.Task(a.ID)
	assert.False(t, ok)
	_, ok = tr.Task(b.ID)
	assert.True(t, ok, "active task survives the sweep")
}

func TestSubmitTerminalAckDoesNotHoldPort(t *testing.T) {
	sub := &fakeSubmitter{status: StatusFailed}
	tr := newTestTracker(t, sub, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{
		Type: CommandClose, HubID: "hub-1", PortID: "ttyUSB0",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotZero(t, got.CompletedAt)

	// The record is visible but the port is immediately free.
	_, ok := tr.ActiveTaskFor("ttyUSB0")
	assert.False(t, ok)
	sub.status = ""
	_, err = tr.Submit(context.Background(), Command{
		Type: CommandRestart, HubID: "hub-1", PortID: "ttyUSB0",
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, tr.CleanupTerminal(), 1)
	_, ok = tr.ActiveTaskFor("ttyUSB0")
	assert.True(t, ok, "sweep must not evict the live reservation")
	active, ok := tr.ActiveTaskFor("ttyUSB0")
	require.True(t, ok)
	assert.Equal(t, StatusPending, active.Status)
}

func TestCleanupTerminalReleasesStaleReservation(t *testing.T) {
	tr := newTestTracker(t, &fakeSubmitter{}, TrackerOptions{})

	got, err := tr.Submit(context.Background(), Command{Type: CommandRestart, PortID: "p1"})
	require.NoError(t, err)
	tr.ApplyStatus(StatusUpdate{TaskID: got.ID, Status: StatusCompleted})
	assert.Equal(t, 1, tr.CleanupTerminal())

	// No record and no reservation left behind.
	require.NotPanics(t, func() {
		_, ok := tr.ActiveTaskFor("p1")
		assert.False(t, ok)
	})
	_, err = tr.Submit(context.Background(), Command{Type: CommandRestart, PortID: "p1"})
	assert.NoError(t, err)
}

func TestSubmitRejectsEmptyPort(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := newTestTracker(t, sub, TrackerOptions{})

	_, err := tr.Submit(context.Background(), Command{Type: CommandRestart})
	require.Error(t, err)
	assert.Zero(t, sub.calls.Load())
}
