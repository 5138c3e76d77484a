package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashbit/pvpccheapd/internal/backend"
	"github.com/crashbit/pvpccheapd/internal/logger"
	"github.com/crashbit/pvpccheapd/internal/schedule"
	"github.com/crashbit/pvpccheapd/internal/storage"
	"github.com/crashbit/pvpccheapd/internal/trigger"
)

type statusPush struct {
	actionID string
	status   schedule.Status
}

type fakeSource struct {
	mu       sync.Mutex
	snap     *backend.Snapshot
	fetchErr error
	pushErr  error
	pushes   []statusPush
}

func (f *fakeSource) FetchToday(_ context.Context) (*backend.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.snap, nil
}

func (f *fakeSource) PushStatus(_ context.Context, actionID string, status schedule.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, statusPush{actionID: actionID, status: status})
	return nil
}

func (f *fakeSource) setPushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

func (f *fakeSource) pushed() []statusPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusPush(nil), f.pushes...)
}

type deviceCommand struct {
	deviceID string
	on       bool
}

type fakeDevices struct {
	mu       sync.Mutex
	states   map[string]bool
	failAll  bool
	commands []deviceCommand

	// When gate is set, ON commands block on it after the device state
	// has changed but before SetOnOff returns, modelling the gap
	// between a command reaching the device and the status write.
	gate    chan struct{}
	blocked int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{states: make(map[string]bool)}
}

func (f *fakeDevices) SetOnOff(_ context.Context, deviceID string, on bool) error {
	f.mu.Lock()
	if f.failAll {
		f.mu.Unlock()
		return errors.New("device unreachable")
	}
	f.commands = append(f.commands, deviceCommand{deviceID: deviceID, on: on})
	f.states[deviceID] = on
	gate := f.gate
	f.mu.Unlock()

	if gate != nil && on {
		f.mu.Lock()
		f.blocked++
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
		f.blocked--
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeDevices) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeDevices) commandBlocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked > 0
}

func (f *fakeDevices) State(_ context.Context, deviceID string) (*bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on, ok := f.states[deviceID]; ok {
		v := on
		return &v, nil
	}
	return nil, nil
}

func (f *fakeDevices) setState(deviceID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[deviceID] = on
}

func (f *fakeDevices) sent() []deviceCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deviceCommand(nil), f.commands...)
}

type fakeWake struct {
	mu        sync.Mutex
	armed     map[string]trigger.Trigger
	cancelled []string
}

func newFakeWake() *fakeWake {
	return &fakeWake{armed: make(map[string]trigger.Trigger)}
}

func wakeKey(actionID string, kind trigger.Kind) string {
	return actionID + "|" + string(kind)
}

func (f *fakeWake) Arm(t trigger.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[wakeKey(t.ActionID, t.Kind)] = t
}

func (f *fakeWake) Cancel(actionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kind := range []trigger.Kind{trigger.KindStart, trigger.KindEnd, trigger.KindRetry} {
		delete(f.armed, wakeKey(actionID, kind))
	}
	f.cancelled = append(f.cancelled, actionID)
}

func (f *fakeWake) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = make(map[string]trigger.Trigger)
}

func (f *fakeWake) get(actionID string, kind trigger.Kind) (trigger.Trigger, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.armed[wakeKey(actionID, kind)]
	return t, ok
}

type testEnv struct {
	eng     *Engine
	db      *storage.DB
	source  *fakeSource
	devices *fakeDevices
	wake    *fakeWake
	now     time.Time
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	source := &fakeSource{}
	devices := newFakeDevices()
	wake := newFakeWake()

	eng := New(Config{}, db, source, devices, wake, logger.Discard())
	eng.now = func() time.Time { return now }

	return &testEnv{eng: eng, db: db, source: source, devices: devices, wake: wake, now: now}
}

func at(now time.Time, hhmmss string) time.Time {
	c, err := schedule.ParseClock(hhmmss)
	if err != nil {
		panic(err)
	}
	return c.At(now, 0)
}

func (env *testEnv) seed(t *testing.T, actions ...schedule.Action) {
	t.Helper()
	require.NoError(t, env.db.SaveSnapshot(env.now.Format("2006-01-02"), actions))
}

func (env *testEnv) status(t *testing.T, actionID string) schedule.Status {
	t.Helper()
	a, err := env.db.GetAction(actionID)
	require.NoError(t, err)
	return a.Status
}

var noon = time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

func TestSyncScheduleCatchUpInWindow(t *testing.T) {
	env := newTestEnv(t, noon) // 11:00
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	start, ok := env.wake.get("a1", trigger.KindStart)
	require.True(t, ok, "start trigger must be armed")
	assert.False(t, start.FireAt.After(env.now), "late start fires immediately")

	end, ok := env.wake.get("a1", trigger.KindEnd)
	require.True(t, ok, "end trigger must be armed")
	assert.Equal(t, at(env.now, "12:00:00"), end.FireAt)

	// The snapshot is cached for a later offline restart.
	cached, err := env.db.LoadSnapshot("2025-03-10")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestSyncScheduleCatchUpFutureWindow(t *testing.T) {
	env := newTestEnv(t, at(noon, "09:00:00"))
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	start, ok := env.wake.get("a1", trigger.KindStart)
	require.True(t, ok)
	assert.Equal(t, at(env.now, "10:00:00"), start.FireAt)

	end, ok := env.wake.get("a1", trigger.KindEnd)
	require.True(t, ok)
	assert.Equal(t, at(env.now, "12:00:00"), end.FireAt)

	assert.Empty(t, env.devices.sent(), "nothing runs before the window")
}

func TestSyncScheduleCatchUpElapsedWindow(t *testing.T) {
	env := newTestEnv(t, noon)
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "a1", DeviceID: "d1", StartTime: "06:00:00", EndTime: "08:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	_, startArmed := env.wake.get("a1", trigger.KindStart)
	assert.False(t, startArmed, "no start for an elapsed window")

	end, ok := env.wake.get("a1", trigger.KindEnd)
	require.True(t, ok)

	// Delivering the overdue end trigger resolves the action.
	env.eng.handleActionTrigger(end)
	assert.Equal(t, schedule.StatusMissed, env.status(t, "a1"))
	assert.Empty(t, env.devices.sent())
}

func TestSyncScheduleMidnightWrapEarlyMorning(t *testing.T) {
	// 00:30 inside a 23:00-01:00 window: start now, end 01:00 today.
	env := newTestEnv(t, time.Date(2025, 3, 10, 0, 30, 0, 0, time.UTC))
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "a1", DeviceID: "d1", StartTime: "23:00:00", EndTime: "01:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	start, ok := env.wake.get("a1", trigger.KindStart)
	require.True(t, ok)
	assert.False(t, start.FireAt.After(env.now))

	end, ok := env.wake.get("a1", trigger.KindEnd)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC), end.FireAt)
}

func TestSyncScheduleMidnightWrapDaytime(t *testing.T) {
	// Noon with a 23:00-01:00 window: start tonight, end tomorrow.
	env := newTestEnv(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "a1", DeviceID: "d1", StartTime: "23:00:00", EndTime: "01:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	start, ok := env.wake.get("a1", trigger.KindStart)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC), start.FireAt)

	end, ok := env.wake.get("a1", trigger.KindEnd)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC), end.FireAt)
}

func TestSyncScheduleFallsBackToCache(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.source.fetchErr = errors.New("backend down")

	env.eng.syncSchedule()

	_, ok := env.wake.get("a1", trigger.KindStart)
	assert.True(t, ok, "cached schedule still drives triggers")
}

func TestSyncScheduleNoBackendNoCache(t *testing.T) {
	env := newTestEnv(t, noon)
	env.source.fetchErr = errors.New("backend down")

	env.eng.syncSchedule()

	_, ok := env.wake.get("a1", trigger.KindStart)
	assert.False(t, ok)
}

func TestSyncScheduleResumesRetryForFailedInWindow(t *testing.T) {
	env := newTestEnv(t, noon) // 11:00
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			// Failed mid-window before the process died; the retry chain
			// has to come back with it.
			{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusFailed},
			// Failed with the window over: only the end resolves it.
			{ID: "a2", DeviceID: "d2", StartTime: "06:00:00", EndTime: "08:00:00", Status: schedule.StatusFailed},
		},
	}

	env.eng.syncSchedule()

	retry, ok := env.wake.get("a1", trigger.KindRetry)
	require.True(t, ok, "retry must be re-armed after a restart")
	assert.Equal(t, 1, retry.Attempt)
	assert.True(t, retry.ShouldBeOn)
	assert.False(t, retry.FireAt.After(env.now), "overdue retry fires immediately")

	_, ok = env.wake.get("a2", trigger.KindRetry)
	assert.False(t, ok, "no retry once the window is over")

	// Delivering the retry switches the device on for the rest of the
	// window.
	env.eng.handleActionTrigger(retry)
	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
	require.Len(t, env.devices.sent(), 1)
	assert.True(t, env.devices.sent()[0].on)
}

func TestSyncScheduleSkipsMalformedAction(t *testing.T) {
	env := newTestEnv(t, noon)
	env.source.snap = &backend.Snapshot{
		Date: "2025-03-10",
		Actions: []schedule.Action{
			{ID: "bad", DeviceID: "d1", StartTime: "25:99", EndTime: "12:00:00", Status: schedule.StatusPending},
			{ID: "a1", DeviceID: "d2", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending},
		},
	}

	env.eng.syncSchedule()

	// The unparseable action is skipped without taking the rest down.
	_, ok := env.wake.get("bad", trigger.KindStart)
	assert.False(t, ok)
	_, ok = env.wake.get("bad", trigger.KindEnd)
	assert.False(t, ok)

	start, ok := env.wake.get("a1", trigger.KindStart)
	require.True(t, ok, "the valid action still arms")
	assert.False(t, start.FireAt.After(env.now))
	_, ok = env.wake.get("a1", trigger.KindEnd)
	assert.True(t, ok)
}

func TestExecuteStartSuccess(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
	require.Len(t, env.devices.sent(), 1)
	assert.Equal(t, deviceCommand{deviceID: "d1", on: true}, env.devices.sent()[0])
	require.Len(t, env.source.pushed(), 1)
	assert.Equal(t, statusPush{actionID: "a1", status: schedule.StatusExecutedOn}, env.source.pushed()[0])
}

func TestExecuteStartStaleTriggerDiscarded(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusCancelled,
	})

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	assert.Empty(t, env.devices.sent())
	assert.Equal(t, schedule.StatusCancelled, env.status(t, "a1"))
}

func TestExecuteStartFastPathSkip(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.devices.setState("d1", true)

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	assert.Empty(t, env.devices.sent(), "no command when the device is already on")
	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
}

func TestExecuteStartFailureArmsRetry(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.devices.failAll = true

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	assert.Equal(t, schedule.StatusFailed, env.status(t, "a1"))

	retry, ok := env.wake.get("a1", trigger.KindRetry)
	require.True(t, ok)
	assert.Equal(t, 1, retry.Attempt)
	assert.True(t, retry.ShouldBeOn)
	assert.Equal(t, env.now.Add(2*time.Minute), retry.FireAt)
}

func TestRetrySucceeds(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusFailed,
	})

	env.eng.handleActionTrigger(trigger.Trigger{
		ActionID: "a1", DeviceID: "d1", Kind: trigger.KindRetry, ShouldBeOn: true, Attempt: 2,
	})

	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
	require.Len(t, env.devices.sent(), 1)
	assert.True(t, env.devices.sent()[0].on)
}

func TestRetrySkippedWhenResolved(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOff,
	})

	env.eng.handleActionTrigger(trigger.Trigger{
		ActionID: "a1", DeviceID: "d1", Kind: trigger.KindRetry, ShouldBeOn: true, Attempt: 1,
	})

	assert.Empty(t, env.devices.sent())
	assert.Equal(t, schedule.StatusExecutedOff, env.status(t, "a1"))
}

func TestRetryCapStopsRearming(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.devices.failAll = true

	// Initial start failure arms attempt 1.
	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	for attempt := 1; attempt <= 5; attempt++ {
		retry, ok := env.wake.get("a1", trigger.KindRetry)
		require.True(t, ok, "attempt %d should be armed", attempt)
		assert.Equal(t, attempt, retry.Attempt)
		env.eng.handleActionTrigger(retry)
	}

	_, ok := env.wake.get("a1", trigger.KindRetry)
	assert.False(t, ok, "no sixth retry after the cap")
	assert.Equal(t, schedule.StatusFailed, env.status(t, "a1"))
}

func TestEndAfterExecutedOnSendsOff(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOn,
	})
	env.devices.setState("d1", true)

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindEnd})

	assert.Equal(t, schedule.StatusExecutedOff, env.status(t, "a1"))
	require.Len(t, env.devices.sent(), 1)
	assert.False(t, env.devices.sent()[0].on)
}

func TestEndFusesBackToBackActions(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t,
		schedule.Action{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOn},
		schedule.Action{ID: "a2", DeviceID: "d1", StartTime: "12:00:00", EndTime: "14:00:00", Status: schedule.StatusPending},
	)
	env.devices.setState("d1", true)

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindEnd})

	assert.Equal(t, schedule.StatusExecutedOff, env.status(t, "a1"))
	assert.Empty(t, env.devices.sent(), "fusion completes without an off command")
}

func TestEndAfterFailedBecomesMissed(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusFailed,
	})

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindEnd})

	assert.Equal(t, schedule.StatusMissed, env.status(t, "a1"))
	assert.Empty(t, env.devices.sent())
}

func TestEndIsIdempotentOnTerminalStatus(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOff,
	})

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindEnd})

	assert.Equal(t, schedule.StatusExecutedOff, env.status(t, "a1"))
	assert.Empty(t, env.devices.sent())
	assert.Empty(t, env.source.pushed(), "no duplicate status report")
}

func TestPushFailureQueuesPendingSyncAndFlushes(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.source.setPushErr(errors.New("backend down"))

	env.eng.handleActionTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	// Locally the transition happened; remotely it is queued.
	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
	pending, err := env.db.ListPendingSync()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a1", pending[0].ActionID)
	assert.Equal(t, schedule.StatusExecutedOn, pending[0].Status)

	// Connectivity returns: the flush replays and clears the queue.
	env.source.setPushErr(nil)
	env.eng.flushPendingSync()

	pending, err = env.db.ListPendingSync()
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, env.source.pushed(), 1)
	assert.Equal(t, statusPush{actionID: "a1", status: schedule.StatusExecutedOn}, env.source.pushed()[0])
}

func TestSafetyCheckTurnsOffStrays(t *testing.T) {
	env := newTestEnv(t, noon) // 11:00
	env.seed(t,
		// In window and driven on: must stay on.
		schedule.Action{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOn},
		// Window over but the device is still on: must be corrected.
		schedule.Action{ID: "a2", DeviceID: "d2", StartTime: "06:00:00", EndTime: "08:00:00", Status: schedule.StatusExecutedOn},
		// Pending in window: never an excuse for the device to be on.
		schedule.Action{ID: "a3", DeviceID: "d3", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending},
	)
	env.devices.setState("d1", true)
	env.devices.setState("d2", true)
	env.devices.setState("d3", true)

	env.eng.safetyCheck()
	env.eng.Stop() // drain the corrective work

	sent := env.devices.sent()
	require.Len(t, sent, 2)
	for _, cmd := range sent {
		assert.False(t, cmd.on, "safety check only ever switches off")
		assert.NotEqual(t, "d1", cmd.deviceID)
	}
}

func TestSafetyCheckLeavesOffDevicesAlone(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "06:00:00", EndTime: "08:00:00", Status: schedule.StatusExecutedOff,
	})
	env.devices.setState("d1", false)

	env.eng.safetyCheck()
	env.eng.Stop()

	assert.Empty(t, env.devices.sent())
}

func TestCancelPendingAction(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "14:00:00", EndTime: "16:00:00", Status: schedule.StatusPending,
	})
	env.wake.Arm(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	require.NoError(t, env.eng.Cancel("a1"))

	assert.Equal(t, schedule.StatusCancelled, env.status(t, "a1"))
	_, ok := env.wake.get("a1", trigger.KindStart)
	assert.False(t, ok)
	assert.Empty(t, env.devices.sent())
}

func TestCancelRunningActionDefersOffToSafetyCheck(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusExecutedOn,
	})
	env.devices.setState("d1", true)

	require.NoError(t, env.eng.Cancel("a1"))

	// Cancel itself never commands the device.
	assert.Equal(t, schedule.StatusCancelled, env.status(t, "a1"))
	assert.Empty(t, env.devices.sent())

	// The next safety pass notices the device is on with no intended-on
	// window left and corrects it.
	env.eng.safetyCheck()
	env.eng.Stop()
	require.Len(t, env.devices.sent(), 1)
	assert.False(t, env.devices.sent()[0].on)
}

func TestCancelTerminalActionFails(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusMissed,
	})

	assert.Error(t, env.eng.Cancel("a1"))
	assert.Equal(t, schedule.StatusMissed, env.status(t, "a1"))
}

func TestHandleTriggerRoutesThroughWorkers(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})

	env.eng.HandleTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})

	require.Eventually(t, func() bool {
		return env.status(t, "a1") == schedule.StatusExecutedOn
	}, 2*time.Second, 10*time.Millisecond)

	env.eng.Stop()
}

func TestStopWaitsForQueuedWork(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})

	env.eng.HandleTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})
	env.eng.Stop()

	// After Stop returns, the queued start must have completed.
	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
}

func TestSafetyCheckSerializesWithStartOnSameDevice(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	gate := make(chan struct{})
	env.devices.setGate(gate)

	// The start reaches the device but its status write has not
	// happened yet.
	env.eng.HandleTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})
	require.Eventually(t, env.devices.commandBlocked, 2*time.Second, time.Millisecond)

	// A safety sweep at this instant sees status pending and the device
	// on. Its correction must queue behind the start, not undo it.
	env.eng.safetyCheck()

	close(gate)
	env.eng.Stop()

	assert.Equal(t, schedule.StatusExecutedOn, env.status(t, "a1"))
	sent := env.devices.sent()
	require.Len(t, sent, 1, "no corrective off against a committed start")
	assert.True(t, sent[0].on)
}

func TestCancelSerializesWithInFlightStart(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	gate := make(chan struct{})
	env.devices.setGate(gate)

	env.eng.HandleTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})
	require.Eventually(t, env.devices.commandBlocked, 2*time.Second, time.Millisecond)

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- env.eng.Cancel("a1") }()

	// Give a misordered cancel the chance to apply before the start
	// commits, then let the start finish.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	require.NoError(t, <-cancelErr)
	env.eng.Stop()

	// cancelled is terminal; the start that was in flight must not
	// overwrite it.
	assert.Equal(t, schedule.StatusCancelled, env.status(t, "a1"))
}

func TestTriggerDuringShutdownRunsOnWorker(t *testing.T) {
	env := newTestEnv(t, noon)
	env.seed(t, schedule.Action{
		ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending,
	})
	env.eng.Stop()

	gate := make(chan struct{})
	env.devices.setGate(gate)

	returned := make(chan struct{})
	go func() {
		env.eng.HandleTrigger(trigger.Trigger{ActionID: "a1", DeviceID: "d1", Kind: trigger.KindStart})
		close(returned)
	}()

	// Dispatch must hand the work to a worker and return while the
	// command is still in flight, never run it on the caller.
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger dispatch ran the handler on the caller during shutdown")
	}

	close(gate)
	require.Eventually(t, func() bool {
		return env.status(t, "a1") == schedule.StatusExecutedOn
	}, 2*time.Second, 10*time.Millisecond)
}
