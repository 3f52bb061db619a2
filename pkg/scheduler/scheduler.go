// Package scheduler arms in-process timers for persisted closures. The
// durable row is written before any timer exists, so a crash between the
// two leaves a recoverable row rather than a phantom timer.
package scheduler

import (
	"sync"
	"time"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
)

// FireFunc executes a due closure. It runs outside the scheduler lock.
type FireFunc func(c models.ScheduledClosure)

type entry struct {
	token uint64
	timer *time.Timer
	c     models.ScheduledClosure
}

// Scheduler owns at most one armed timer per thread.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	fire   FireFunc
}

func New(fire FireFunc) *Scheduler {
	return &Scheduler{timers: make(map[string]*entry), fire: fire}
}

// Schedule persists the closure and arms its timer. An existing timer for
// the same thread is replaced; the closure token decides staleness when a
// replaced timer still manages to fire.
func (s *Scheduler) Schedule(c models.ScheduledClosure) error {
	if err := store.SaveClosure(c); err != nil {
		return err
	}
	s.arm(c)
	logger.Info("closure_scheduled", "thread", c.Thread, "fire_at", c.FireAtTS, "token", c.Token, "auto", c.AutoClose)
	return nil
}

func (s *Scheduler) arm(c models.ScheduledClosure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[c.Thread]; ok {
		old.timer.Stop()
	}
	delay := time.Until(time.Unix(0, c.FireAtTS))
	if delay < 0 {
		delay = 0
	}
	e := &entry{token: c.Token, c: c}
	e.timer = time.AfterFunc(delay, func() { s.fired(c) })
	s.timers[c.Thread] = e
	metrics.ScheduledClosures.Set(float64(len(s.timers)))
}

func (s *Scheduler) fired(c models.ScheduledClosure) {
	s.mu.Lock()
	cur, ok := s.timers[c.Thread]
	if !ok || cur.token != c.Token {
		s.mu.Unlock()
		metrics.StaleTimers.Inc()
		logger.Debug("stale_timer_discarded", "thread", c.Thread, "token", c.Token)
		return
	}
	delete(s.timers, c.Thread)
	metrics.ScheduledClosures.Set(float64(len(s.timers)))
	s.mu.Unlock()
	s.fire(c)
}

// Cancel disarms the thread's timer and removes the durable row. Cancelling
// a thread with nothing scheduled is a no-op.
func (s *Scheduler) Cancel(threadID string) error {
	s.mu.Lock()
	if cur, ok := s.timers[threadID]; ok {
		cur.timer.Stop()
		delete(s.timers, threadID)
		metrics.ScheduledClosures.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()
	if err := store.DeleteClosure(threadID); err != nil {
		return err
	}
	logger.Debug("closure_cancelled", "thread", threadID)
	return nil
}

// Pending returns the armed closure for a thread, if any.
func (s *Scheduler) Pending(threadID string) (models.ScheduledClosure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[threadID]; ok {
		return cur.c, true
	}
	return models.ScheduledClosure{}, false
}

// Armed returns the number of live timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Recover walks persisted closures after a restart. Past-due closures fire
// immediately, in key order; future ones re-arm at their original deadline,
// never rebased to the restart time.
func (s *Scheduler) Recover() error {
	list, err := store.ListClosures()
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixNano()
	var due, armed int
	for _, c := range list {
		if c.FireAtTS <= now {
			logger.Info("closure_past_due", "thread", c.Thread, "fire_at", c.FireAtTS)
			s.fire(c)
			due++
			continue
		}
		s.arm(c)
		armed++
	}
	if due > 0 || armed > 0 {
		logger.Info("closures_recovered", "fired", due, "armed", armed)
	}
	return nil
}

// Stop disarms every timer without firing. Durable rows stay behind for the
// next start's recovery pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	metrics.ScheduledClosures.Set(0)
}
