// Package trigger schedules one-shot wall-clock wakeups for scheduled
// actions. Each (action, kind) pair owns a single slot: arming it again
// replaces the previous timer, so rescheduling is idempotent. A
// periodic sweep backs up the exact timers and fires anything overdue,
// trading precision for delivery when timers are delayed (system
// suspend, clock adjustments).
package trigger

import (
	"sync"
	"time"

	"github.com/crashbit/pvpccheapd/internal/logger"
)

// Kind identifies what a trigger firing should cause.
type Kind string

const (
	KindStart        Kind = "start"
	KindEnd          Kind = "end"
	KindRetry        Kind = "retry"
	KindPriceSync    Kind = "price_sync"
	KindMidnightSync Kind = "midnight_sync"
)

// Trigger is one scheduled wakeup. ShouldBeOn and Attempt are only
// meaningful for retry triggers: they carry the direction and count of
// the command being retried.
type Trigger struct {
	ActionID   string
	DeviceID   string
	Kind       Kind
	FireAt     time.Time
	ShouldBeOn bool
	Attempt    int
}

// Handler receives fired triggers. It must not block for long; the
// engine hands work off to per-device queues.
type Handler func(Trigger)

type slotKey struct {
	actionID string
	kind     Kind
}

type armedSlot struct {
	trig  Trigger
	timer *time.Timer
	seq   uint64
}

// Scheduler owns the trigger slots and the sweep loop.
type Scheduler struct {
	log        *logger.Logger
	sweepEvery time.Duration
	sweepSlack time.Duration

	mu      sync.Mutex
	slots   map[slotKey]*armedSlot
	handler Handler
	seq     uint64

	stopChan chan struct{}
	wg       sync.WaitGroup

	// overridable for tests
	now func() time.Time
}

// New creates a scheduler. The handler is wired afterwards with
// SetHandler to break the construction cycle with the engine.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		log:        log,
		sweepEvery: time.Minute,
		sweepSlack: 5 * time.Second,
		slots:      make(map[slotKey]*armedSlot),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// SetHandler installs the callback invoked when a trigger fires.
// Must be called before Start.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the sweep loop and disarms every slot. Timers already in
// flight may still deliver; the engine's inflight lease covers those.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, slot := range s.slots {
		slot.timer.Stop()
		delete(s.slots, key)
	}
}

// Arm schedules t, replacing any trigger already armed for the same
// (action, kind) slot. A FireAt in the past fires immediately.
func (s *Scheduler) Arm(t Trigger) {
	key := slotKey{actionID: t.ActionID, kind: t.Kind}

	s.mu.Lock()
	if old, ok := s.slots[key]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq

	delay := t.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.slots[key] = &armedSlot{
		trig: t,
		seq:  seq,
		timer: time.AfterFunc(delay, func() {
			s.fire(key, seq)
		}),
	}
	s.mu.Unlock()

	s.log.Debug("trigger armed",
		logger.Field{Key: "action_id", Value: t.ActionID},
		logger.Field{Key: "kind", Value: string(t.Kind)},
		logger.Field{Key: "fire_at", Value: t.FireAt})
}

// Cancel disarms the start, end and retry slots of an action. Sync
// slots are not tied to actions and are left alone.
func (s *Scheduler) Cancel(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []Kind{KindStart, KindEnd, KindRetry} {
		key := slotKey{actionID: actionID, kind: kind}
		if slot, ok := s.slots[key]; ok {
			slot.timer.Stop()
			delete(s.slots, key)
		}
	}
}

// CancelAll disarms every slot. Used when a fresh snapshot replaces
// the whole schedule.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, slot := range s.slots {
		slot.timer.Stop()
		delete(s.slots, key)
	}
}

// Armed reports whether the (action, kind) slot currently holds a
// trigger.
func (s *Scheduler) Armed(actionID string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[slotKey{actionID: actionID, kind: kind}]
	return ok
}

// fire delivers the trigger if the slot still holds the same arming.
// A stale seq means the slot was replaced or cancelled after the timer
// was set; those deliveries are dropped.
func (s *Scheduler) fire(key slotKey, seq uint64) {
	s.mu.Lock()
	slot, ok := s.slots[key]
	if !ok || slot.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.slots, key)
	handler := s.handler
	trig := slot.trig
	s.mu.Unlock()

	if handler != nil {
		handler(trig)
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce fires any trigger overdue past the slack. The exact timer
// should have delivered it already; reaching this path means timing is
// degraded and the firing is late.
func (s *Scheduler) sweepOnce() {
	now := s.now()

	s.mu.Lock()
	var overdue []*armedSlot
	for key, slot := range s.slots {
		if now.Sub(slot.trig.FireAt) > s.sweepSlack {
			slot.timer.Stop()
			delete(s.slots, key)
			overdue = append(overdue, slot)
		}
	}
	handler := s.handler
	s.mu.Unlock()

	for _, slot := range overdue {
		s.log.Warn("firing overdue trigger with degraded precision",
			logger.Field{Key: "action_id", Value: slot.trig.ActionID},
			logger.Field{Key: "kind", Value: string(slot.trig.Kind)},
			logger.Field{Key: "late_by", Value: now.Sub(slot.trig.FireAt)})
		if handler != nil {
			handler(slot.trig)
		}
	}
}
