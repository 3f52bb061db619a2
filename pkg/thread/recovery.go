package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
	"relaydesk/pkg/relay"
	"relaydesk/pkg/store"
	"relaydesk/pkg/utils"
)

// Recover rebuilds the live thread set after a restart. Threads whose
// container survived rejoin with their original tokens; threads whose
// container vanished are closed on disk. Containers that outlived their
// metadata are rebuilt from topic markers or flagged for repair. Persisted
// closures re-arm last, at their original deadlines.
func (m *Manager) Recover(ctx context.Context) error {
	active, err := store.ListActiveThreads()
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}

	var (
		mu       sync.Mutex
		live     []models.Thread
		orphaned []models.Thread
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, th := range active {
		th := th
		g.Go(func() error {
			ok, cerr := containerIntact(th.ChannelRef)
			if cerr != nil {
				return cerr
			}
			mu.Lock()
			if ok {
				live = append(live, th)
			} else {
				orphaned = append(orphaned, th)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("verify containers: %w", err)
	}

	// one active thread per recipient: keep the oldest, close the rest
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedTS < live[j].CreatedTS })
	seen := make(map[string]bool, len(live))
	kept := live[:0]
	for _, th := range live {
		if seen[th.RecipientID] {
			logger.Warn("duplicate_active_thread", "thread", th.ID, "recipient", th.RecipientID)
			orphaned = append(orphaned, th)
			continue
		}
		seen[th.RecipientID] = true
		kept = append(kept, th)
	}

	for _, th := range orphaned {
		m.closeOnDisk(th, "not recoverable at restart")
	}

	m.mu.Lock()
	for _, th := range kept {
		m.runtimes[th.ID] = relay.NewRuntime(th.ID, m.relayCfg.QueueCapacity, m.pipe.Apply)
		m.reg.Register(th)
	}
	m.mu.Unlock()

	if err := m.rescueContainers(); err != nil {
		return err
	}

	// deadlines are never rebased: past-due closures fire right here
	if err := m.sched.Recover(); err != nil {
		return fmt.Errorf("recover closures: %w", err)
	}

	// idle auto-close for live threads with no recovered schedule
	if m.cfg.AutoCloseIdle.Duration() > 0 {
		m.mu.Lock()
		for _, th := range m.reg.Snapshot() {
			if _, ok := m.sched.Pending(th.ID); ok {
				continue
			}
			if _, ok := m.runtimes[th.ID]; !ok {
				continue
			}
			m.armAutoClose(&th, th.LastActivityTS)
			m.reg.Register(th)
		}
		m.mu.Unlock()
	}

	logger.Info("threads_recovered", "live", m.reg.Len(), "closed", len(orphaned))
	return nil
}

func containerIntact(ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	c, err := store.GetContainer(ref)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return !c.Deleted, nil
}

// closeOnDisk writes a terminal state without courier traffic or cooldown
// side effects. Used only during recovery.
func (m *Manager) closeOnDisk(th models.Thread, reason string) {
	th.State = models.ThreadClosed
	th.ClosedTS = time.Now().UTC().UnixNano()
	th.ScheduledCloseTS = 0
	th.CloseReason = reason
	if err := store.SaveThread(th); err != nil {
		logger.Error("recovery_close_failed", "thread", th.ID, "err", err)
		return
	}
	if err := store.DeleteClosure(th.ID); err != nil {
		logger.Error("closure_cleanup_failed", "thread", th.ID, "err", err)
	}
	logger.Warn("thread_closed_at_recovery", "thread", th.ID, "recipient", th.RecipientID, "reason", reason)
}

// rescueContainers walks the container catalog for entries no live thread
// references. A parseable topic with no surviving metadata rebuilds the
// thread; anything else is flagged for operator repair.
func (m *Manager) rescueContainers() error {
	containers, err := store.ListContainers("")
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		if c.Deleted {
			continue
		}
		if _, ok := m.reg.ByChannel(c.Ref); ok {
			continue
		}
		threadID, recipientID := utils.ParseContainerTopic(c.Topic)
		if threadID == "" || recipientID == "" {
			m.flagRepair(c.Ref, "no topic markers")
			continue
		}
		stored, err := store.GetThread(threadID)
		switch {
		case err != nil && store.IsNotFound(err):
			m.rebuildThread(threadID, recipientID, c)
		case err != nil:
			return fmt.Errorf("load thread %s: %w", threadID, err)
		case stored.State == models.ThreadClosed:
			m.flagRepair(c.Ref, "container outlives closed thread")
		default:
			m.flagRepair(c.Ref, "container not referenced by its thread")
		}
	}
	return nil
}

// rebuildThread reconstructs metadata for a container whose thread record
// was lost. Creation time is unknown; the clock restarts now.
func (m *Manager) rebuildThread(threadID, recipientID string, c models.Container) {
	if _, ok := m.reg.ByRecipient(recipientID); ok {
		m.flagRepair(c.Ref, "recipient already has an active thread")
		return
	}
	now := time.Now().UTC().UnixNano()
	th := models.Thread{
		ID:             threadID,
		RecipientID:    recipientID,
		State:          models.ThreadOpen,
		ChannelRef:     c.Ref,
		CreatedTS:      now,
		LastActivityTS: now,
	}
	if err := store.SaveThread(th); err != nil {
		logger.Error("thread_rebuild_failed", "thread", threadID, "err", err)
		m.flagRepair(c.Ref, "rebuild write failed")
		return
	}
	m.mu.Lock()
	m.runtimes[threadID] = relay.NewRuntime(threadID, m.relayCfg.QueueCapacity, m.pipe.Apply)
	m.reg.Register(th)
	m.mu.Unlock()
	logger.Warn("thread_rebuilt_from_topic", "thread", threadID, "recipient", recipientID, "container", c.Ref)
}

func (m *Manager) flagRepair(ref, note string) {
	if err := store.FlagRepair(ref, note); err != nil {
		logger.Error("repair_flag_failed", "container", ref, "err", err)
	}
}
