// Package engine turns the day's schedule into device commands. It
// arms wall-clock triggers for every action, drives the status state
// machine when they fire, reconciles after restarts and schedule
// refreshes, and keeps a periodic safety check that switches off
// anything the schedule no longer wants on.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crashbit/pvpccheapd/internal/backend"
	"github.com/crashbit/pvpccheapd/internal/device"
	"github.com/crashbit/pvpccheapd/internal/logger"
	"github.com/crashbit/pvpccheapd/internal/metrics"
	"github.com/crashbit/pvpccheapd/internal/schedule"
	"github.com/crashbit/pvpccheapd/internal/storage"
	"github.com/crashbit/pvpccheapd/internal/trigger"
)

// ScheduleSource fetches the day's schedule and accepts status reports.
type ScheduleSource interface {
	FetchToday(ctx context.Context) (*backend.Snapshot, error)
	PushStatus(ctx context.Context, actionID string, status schedule.Status) error
}

// WakeScheduler arms and cancels one-shot wall-clock triggers.
type WakeScheduler interface {
	Arm(t trigger.Trigger)
	Cancel(actionID string)
	CancelAll()
}

// Config holds engine tuning. The cron specs use the standard five
// field format.
type Config struct {
	RetryDelay time.Duration
	MaxRetries int

	CommandTimeout time.Duration
	FetchTimeout   time.Duration
	PushTimeout    time.Duration

	PriceSyncSpec    string
	MidnightSyncSpec string
	SafetyCheckSpec  string
}

// DefaultConfig returns the production defaults: retries two minutes
// apart capped at five, price sync at 20:35 when tomorrow's prices are
// published, midnight sync just after the day rolls over, and a five
// minute safety sweep.
func DefaultConfig() Config {
	return Config{
		RetryDelay:       2 * time.Minute,
		MaxRetries:       5,
		CommandTimeout:   10 * time.Second,
		FetchTimeout:     30 * time.Second,
		PushTimeout:      30 * time.Second,
		PriceSyncSpec:    "35 20 * * *",
		MidnightSyncSpec: "1 0 * * *",
		SafetyCheckSpec:  "@every 5m",
	}
}

// Engine coordinates the store, the trigger scheduler, the backend and
// the device controller.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	db      *storage.DB
	source  ScheduleSource
	devices device.Controller
	wake    WakeScheduler
	cron    *cron.Cron

	// syncMu serializes snapshot replacement against trigger handling:
	// a refresh takes the write lock while it swaps the stored schedule
	// and re-arms triggers; handlers take the read lock so they never
	// observe a half-replaced day.
	syncMu sync.RWMutex

	workersMu sync.Mutex
	workers   map[string]chan func()

	// inflight counts queued and running handler work so Stop can wait
	// for commands already in motion, like a scoped wake lock.
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	// overridable for tests
	now func() time.Time
}

// New wires the engine together. The caller installs HandleTrigger as
// the wake scheduler's handler before Start.
func New(cfg Config, db *storage.DB, source ScheduleSource, devices device.Controller, wake WakeScheduler, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = def.PushTimeout
	}
	if cfg.PriceSyncSpec == "" {
		cfg.PriceSyncSpec = def.PriceSyncSpec
	}
	if cfg.MidnightSyncSpec == "" {
		cfg.MidnightSyncSpec = def.MidnightSyncSpec
	}
	if cfg.SafetyCheckSpec == "" {
		cfg.SafetyCheckSpec = def.SafetyCheckSpec
	}

	return &Engine{
		cfg:      cfg,
		log:      log,
		db:       db,
		source:   source,
		devices:  devices,
		wake:     wake,
		workers:  make(map[string]chan func()),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start performs the initial schedule sync and catch-up, then begins
// the periodic jobs. The initial sync runs synchronously so the
// process comes up with triggers armed.
func (e *Engine) Start() error {
	e.syncSchedule()

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.cfg.PriceSyncSpec, func() {
		e.HandleTrigger(trigger.Trigger{Kind: trigger.KindPriceSync, FireAt: e.now()})
	}); err != nil {
		return fmt.Errorf("invalid price sync spec: %w", err)
	}
	if _, err := e.cron.AddFunc(e.cfg.MidnightSyncSpec, func() {
		e.HandleTrigger(trigger.Trigger{Kind: trigger.KindMidnightSync, FireAt: e.now()})
	}); err != nil {
		return fmt.Errorf("invalid midnight sync spec: %w", err)
	}
	if _, err := e.cron.AddFunc(e.cfg.SafetyCheckSpec, func() {
		e.submit("safety", e.safetyCheck)
	}); err != nil {
		return fmt.Errorf("invalid safety check spec: %w", err)
	}
	e.cron.Start()

	e.log.Info("engine started")
	return nil
}

// Stop halts periodic work and waits for handlers already queued or
// running to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		close(e.stopChan)
		e.inflight.Wait()
		e.log.Info("engine stopped")
	})
}

// HandleTrigger is the wake scheduler's callback. Work is handed to a
// per-device queue so commands to one device never reorder while
// different devices proceed in parallel.
func (e *Engine) HandleTrigger(t trigger.Trigger) {
	metrics.TriggersFired.WithLabelValues(string(t.Kind)).Inc()

	switch t.Kind {
	case trigger.KindPriceSync, trigger.KindMidnightSync:
		e.submit("sync", e.syncSchedule)
	case trigger.KindStart, trigger.KindEnd, trigger.KindRetry:
		e.submit("device:"+t.DeviceID, func() { e.handleActionTrigger(t) })
	default:
		e.log.Warn("unknown trigger kind", logger.Field{Key: "kind", Value: string(t.Kind)})
	}
}

// submit enqueues fn on the worker for key, creating the worker on
// first use. Work always runs on the worker goroutine, shutdown
// included, so per-key ordering holds for everything that was armed.
// Enqueuing under workersMu lets a draining worker decide atomically
// whether it can retire or must keep consuming.
func (e *Engine) submit(key string, fn func()) {
	e.inflight.Add(1)
	wrapped := func() {
		defer e.inflight.Done()
		fn()
	}

	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	queue, ok := e.workers[key]
	if !ok {
		queue = make(chan func(), 64)
		e.workers[key] = queue
		go e.worker(key, queue)
	}
	queue <- wrapped
}

func (e *Engine) worker(key string, queue chan func()) {
	for {
		select {
		case fn := <-queue:
			fn()
		case <-e.stopChan:
			// Drain what was queued before shutdown. The worker only
			// retires once the queue is provably empty; a submit racing
			// the retirement creates a fresh worker for the key.
			for {
				select {
				case fn := <-queue:
					fn()
				default:
					e.workersMu.Lock()
					if len(queue) == 0 {
						delete(e.workers, key)
						e.workersMu.Unlock()
						return
					}
					e.workersMu.Unlock()
				}
			}
		}
	}
}

func (e *Engine) handleActionTrigger(t trigger.Trigger) {
	e.syncMu.RLock()
	defer e.syncMu.RUnlock()

	a, err := e.db.GetAction(t.ActionID)
	if err != nil {
		// The snapshot was replaced after this trigger was armed.
		e.log.Debug("trigger for unknown action discarded",
			logger.Field{Key: "action_id", Value: t.ActionID},
			logger.Field{Key: "kind", Value: string(t.Kind)})
		return
	}

	switch t.Kind {
	case trigger.KindStart:
		e.executeStart(*a)
	case trigger.KindEnd:
		e.handleEnd(*a)
	case trigger.KindRetry:
		e.handleRetry(*a, t.ShouldBeOn, t.Attempt)
	}
}

// executeStart turns the device on at the start of the window.
func (e *Engine) executeStart(a schedule.Action) {
	if a.Status != schedule.StatusPending {
		e.log.Debug("stale start trigger discarded",
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "status", Value: string(a.Status)})
		return
	}

	if err := e.commandDevice(a.DeviceID, true); err != nil {
		e.log.Error("start command failed", err,
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "device_id", Value: a.DeviceID})
		e.applyStatus(a.ID, schedule.StatusFailed)
		e.armRetry(a, true, 1)
		return
	}

	e.log.Info("device switched on",
		logger.Field{Key: "action_id", Value: a.ID},
		logger.Field{Key: "device_id", Value: a.DeviceID})
	e.applyStatus(a.ID, schedule.StatusExecutedOn)
}

// handleEnd closes the window. What happens depends on how far the
// action got.
func (e *Engine) handleEnd(a schedule.Action) {
	switch a.Status {
	case schedule.StatusPending:
		// The start never happened; the opportunity is gone.
		e.log.Warn("action window ended without starting",
			logger.Field{Key: "action_id", Value: a.ID})
		e.wake.Cancel(a.ID)
		e.applyStatus(a.ID, schedule.StatusMissed)

	case schedule.StatusExecutedOn:
		actions, err := e.db.ListActions()
		if err == nil && schedule.HasSuccessor(actions, a) {
			// A back-to-back action keeps the device on; completing
			// without an OFF command avoids flicking the relay.
			e.log.Info("fusing with back-to-back successor",
				logger.Field{Key: "action_id", Value: a.ID},
				logger.Field{Key: "device_id", Value: a.DeviceID})
			e.wake.Cancel(a.ID)
			e.applyStatus(a.ID, schedule.StatusExecutedOff)
			return
		}

		if err := e.commandDevice(a.DeviceID, false); err != nil {
			e.log.Error("end command failed", err,
				logger.Field{Key: "action_id", Value: a.ID},
				logger.Field{Key: "device_id", Value: a.DeviceID})
			e.applyStatus(a.ID, schedule.StatusFailed)
			e.armRetry(a, false, 1)
			return
		}
		e.log.Info("device switched off",
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "device_id", Value: a.DeviceID})
		e.wake.Cancel(a.ID)
		e.applyStatus(a.ID, schedule.StatusExecutedOff)

	case schedule.StatusFailed:
		// Retries did not manage a start before the window closed.
		e.wake.Cancel(a.ID)
		e.applyStatus(a.ID, schedule.StatusMissed)

	default:
		// Terminal already; nothing to do.
	}
}

// handleRetry re-issues a failed command unless the action resolved in
// the meantime.
func (e *Engine) handleRetry(a schedule.Action, shouldBeOn bool, attempt int) {
	if a.Status.Resolved() {
		e.log.Debug("retry skipped, action already resolved",
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "status", Value: string(a.Status)})
		return
	}

	err := e.commandDevice(a.DeviceID, shouldBeOn)
	if err == nil {
		status := schedule.StatusExecutedOff
		if shouldBeOn {
			status = schedule.StatusExecutedOn
		}
		e.log.Info("retry succeeded",
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "attempt", Value: attempt})
		e.applyStatus(a.ID, status)
		return
	}

	e.log.Error("retry failed", err,
		logger.Field{Key: "action_id", Value: a.ID},
		logger.Field{Key: "attempt", Value: attempt})

	if attempt >= e.cfg.MaxRetries {
		e.log.Warn("retries exhausted, giving up",
			logger.Field{Key: "action_id", Value: a.ID},
			logger.Field{Key: "device_id", Value: a.DeviceID})
		return
	}
	e.armRetry(a, shouldBeOn, attempt+1)
}

func (e *Engine) armRetry(a schedule.Action, shouldBeOn bool, attempt int) {
	e.wake.Arm(trigger.Trigger{
		ActionID:   a.ID,
		DeviceID:   a.DeviceID,
		Kind:       trigger.KindRetry,
		FireAt:     e.now().Add(e.cfg.RetryDelay),
		ShouldBeOn: shouldBeOn,
		Attempt:    attempt,
	})
}

// commandDevice drives the device, skipping the command when the
// cached state already matches.
func (e *Engine) commandDevice(deviceID string, on bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
	defer cancel()

	if state, err := e.devices.State(ctx, deviceID); err == nil && state != nil && *state == on {
		metrics.DeviceCommands.WithLabelValues(stateLabel(on), "skipped").Inc()
		e.log.Debug("device already in requested state",
			logger.Field{Key: "device_id", Value: deviceID},
			logger.Field{Key: "state", Value: stateLabel(on)})
		return nil
	}

	if err := e.devices.SetOnOff(ctx, deviceID, on); err != nil {
		metrics.DeviceCommands.WithLabelValues(stateLabel(on), "error").Inc()
		return err
	}
	metrics.DeviceCommands.WithLabelValues(stateLabel(on), "ok").Inc()
	return nil
}

// applyStatus writes the transition locally first, then reports it.
// A failed report lands in the pending-sync queue for the next flush.
func (e *Engine) applyStatus(actionID string, status schedule.Status) {
	if err := e.db.UpdateStatus(actionID, status); err != nil {
		e.log.Error("failed to store status transition", err,
			logger.Field{Key: "action_id", Value: actionID},
			logger.Field{Key: "status", Value: string(status)})
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
	defer cancel()

	if err := e.source.PushStatus(ctx, actionID, status); err != nil {
		metrics.StatusPushes.WithLabelValues("failed").Inc()
		e.log.Warn("status push failed, queuing for later",
			logger.Field{Key: "action_id", Value: actionID},
			logger.Field{Key: "error", Value: err})
		if err := e.db.MarkPendingSync(actionID, status); err != nil {
			e.log.Error("failed to queue pending sync", err,
				logger.Field{Key: "action_id", Value: actionID})
		}
	} else {
		metrics.StatusPushes.WithLabelValues("ok").Inc()
		if err := e.db.ClearPendingSync(actionID); err != nil {
			e.log.Warn("failed to clear pending sync entry",
				logger.Field{Key: "action_id", Value: actionID},
				logger.Field{Key: "error", Value: err})
		}
	}
	e.updatePendingSyncGauge()
}

// Cancel withdraws an action for the rest of the day. The transition
// itself runs on the action's device queue so it observes the outcome
// of any command already in flight rather than racing its status
// write. No OFF command is issued here, even for a running action:
// once the status is cancelled the safety check no longer sees an
// intended-on window for the device and switches it off on its next
// pass.
func (e *Engine) Cancel(actionID string) error {
	e.syncMu.RLock()
	a, err := e.db.GetAction(actionID)
	e.syncMu.RUnlock()
	if err != nil {
		return fmt.Errorf("unknown action %s: %w", actionID, err)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("action %s already %s", actionID, a.Status)
	}

	done := make(chan error, 1)
	e.submit("device:"+a.DeviceID, func() { done <- e.cancelAction(actionID) })
	return <-done
}

// cancelAction re-validates on the device queue; an in-flight start
// for the same action has committed by the time this runs.
func (e *Engine) cancelAction(actionID string) error {
	e.syncMu.RLock()
	defer e.syncMu.RUnlock()

	a, err := e.db.GetAction(actionID)
	if err != nil {
		return fmt.Errorf("unknown action %s: %w", actionID, err)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("action %s already %s", actionID, a.Status)
	}

	e.wake.Cancel(actionID)

	e.log.Info("action cancelled", logger.Field{Key: "action_id", Value: actionID})
	e.applyStatus(actionID, schedule.StatusCancelled)
	return nil
}

// syncSchedule refreshes the day's snapshot from the backend, falling
// back to the cached copy, then re-arms all triggers from scratch.
func (e *Engine) syncSchedule() {
	now := e.now()
	date := now.Format("2006-01-02")

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FetchTimeout)
	snap, err := e.source.FetchToday(ctx)
	cancel()

	var actions []schedule.Action
	switch {
	case err == nil:
		if snap.Date != "" {
			date = snap.Date
		}
		actions = snap.Actions
		if err := e.db.SaveSnapshot(date, actions); err != nil {
			e.log.Error("failed to cache schedule snapshot", err)
		}
		metrics.ScheduleSyncs.WithLabelValues("backend", "ok").Inc()
		e.log.Info("schedule refreshed from backend",
			logger.Field{Key: "date", Value: date},
			logger.Field{Key: "actions", Value: len(actions)})

	default:
		e.log.Warn("schedule fetch failed, trying cache",
			logger.Field{Key: "error", Value: err})
		actions, err = e.db.LoadSnapshot(date)
		if err != nil {
			metrics.ScheduleSyncs.WithLabelValues("cache", "failed").Inc()
			e.log.Error("no schedule available for today", err,
				logger.Field{Key: "date", Value: date})
			return
		}
		metrics.ScheduleSyncs.WithLabelValues("cache", "ok").Inc()
		e.log.Info("schedule restored from cache",
			logger.Field{Key: "date", Value: date},
			logger.Field{Key: "actions", Value: len(actions)})
	}

	e.syncMu.Lock()
	e.wake.CancelAll()
	e.catchUp(actions, now)
	e.syncMu.Unlock()

	e.flushPendingSync()
}

// catchUp arms triggers for every unresolved action relative to now.
// Work that should already have happened is armed in the past so the
// normal trigger path executes it immediately.
func (e *Engine) catchUp(actions []schedule.Action, now time.Time) {
	nowClock := schedule.ClockOf(now)

	for _, a := range actions {
		if a.Status.Terminal() {
			continue
		}
		w, err := a.Window()
		if err != nil {
			e.log.Warn("skipping action with unparseable window",
				logger.Field{Key: "action_id", Value: a.ID},
				logger.Field{Key: "error", Value: err})
			continue
		}

		switch {
		case a.Status == schedule.StatusPending:
			switch {
			case w.Contains(nowClock):
				// Late for the start; switch on right away.
				e.wake.Arm(trigger.Trigger{
					ActionID: a.ID, DeviceID: a.DeviceID,
					Kind: trigger.KindStart, FireAt: now,
				})
			case w.Elapsed(nowClock):
				// Entirely in the past; the end trigger below fires
				// immediately and resolves it to missed.
			default:
				e.wake.Arm(trigger.Trigger{
					ActionID: a.ID, DeviceID: a.DeviceID,
					Kind: trigger.KindStart, FireAt: w.Start.At(now, 0),
				})
			}

		case a.Status == schedule.StatusFailed && w.Contains(nowClock):
			// The retry chain lived in the previous process's timers.
			// Restart it; the device should be on for the rest of the
			// window.
			e.wake.Arm(trigger.Trigger{
				ActionID: a.ID, DeviceID: a.DeviceID,
				Kind: trigger.KindRetry, FireAt: now,
				ShouldBeOn: true, Attempt: 1,
			})
		}
		// For executed_on and out-of-window failed actions the end
		// trigger alone decides what happens.
		e.armEnd(a, w, now)
	}
}

// armEnd schedules the window-close trigger. For a midnight-wrapping
// window whose end-of-day instance already passed, the end belongs to
// tomorrow; the rollover is explicit, never inferred from the clock
// alone.
func (e *Engine) armEnd(a schedule.Action, w schedule.Window, now time.Time) {
	end := w.End.At(now, 0)
	if w.CrossesMidnight() && !end.After(now) {
		end = w.End.At(now, 1)
	}
	e.wake.Arm(trigger.Trigger{
		ActionID: a.ID, DeviceID: a.DeviceID,
		Kind: trigger.KindEnd, FireAt: end,
	})
}

// flushPendingSync replays queued status updates now that the backend
// answered a request. It stops at the first failure; the rest stay
// queued.
func (e *Engine) flushPendingSync() {
	pending, err := e.db.ListPendingSync()
	if err != nil {
		e.log.Error("failed to list pending sync queue", err)
		return
	}
	defer e.updatePendingSyncGauge()

	for _, p := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
		err := e.source.PushStatus(ctx, p.ActionID, p.Status)
		cancel()
		if err != nil {
			e.log.Warn("pending sync flush stopped",
				logger.Field{Key: "action_id", Value: p.ActionID},
				logger.Field{Key: "error", Value: err})
			return
		}
		if err := e.db.ClearPendingSync(p.ActionID); err != nil {
			e.log.Error("failed to clear flushed entry", err,
				logger.Field{Key: "action_id", Value: p.ActionID})
			return
		}
		metrics.StatusPushes.WithLabelValues("ok").Inc()
	}
}

// safetyCheck finds devices that look on without a current executed_on
// window and queues a corrective check on each device's own worker, so
// the correction never interleaves with that device's trigger handling.
// It only ever turns devices off; turning on is exclusively the trigger
// path's job.
func (e *Engine) safetyCheck() {
	e.syncMu.RLock()
	actions, err := e.db.ListActions()
	e.syncMu.RUnlock()
	if err != nil {
		e.log.Error("safety check could not read actions", err)
		return
	}

	intended := schedule.IntendedOn(actions, schedule.ClockOf(e.now()))
	for deviceID, shouldBeOn := range intended {
		if shouldBeOn {
			continue
		}
		e.submit("device:"+deviceID, func() { e.safetyCorrect(deviceID) })
	}
}

// safetyCorrect runs on the device queue. Intent is recomputed here:
// a start that committed while the correction was queued makes it moot.
func (e *Engine) safetyCorrect(deviceID string) {
	e.syncMu.RLock()
	defer e.syncMu.RUnlock()

	actions, err := e.db.ListActions()
	if err != nil {
		e.log.Error("safety correction could not read actions", err)
		return
	}
	if schedule.IntendedOn(actions, schedule.ClockOf(e.now()))[deviceID] {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
	defer cancel()

	state, err := e.devices.State(ctx, deviceID)
	if err != nil || state == nil || !*state {
		return
	}

	e.log.Warn("safety check found device on outside its schedule",
		logger.Field{Key: "device_id", Value: deviceID})
	if err := e.devices.SetOnOff(ctx, deviceID, false); err != nil {
		e.log.Error("safety off command failed", err,
			logger.Field{Key: "device_id", Value: deviceID})
	} else {
		metrics.SafetyCorrections.Inc()
	}
}

func (e *Engine) updatePendingSyncGauge() {
	pending, err := e.db.ListPendingSync()
	if err != nil {
		return
	}
	metrics.PendingSyncQueue.Set(float64(len(pending)))
}

func stateLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
