// Package thread coordinates the lifecycle of relay threads: admission,
// container provisioning, message routing, scheduled closure and shutdown.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/courier"
	"relaydesk/pkg/gate"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/notify"
	"relaydesk/pkg/provision"
	"relaydesk/pkg/registry"
	"relaydesk/pkg/relay"
	"relaydesk/pkg/scheduler"
	"relaydesk/pkg/store"
	"relaydesk/pkg/utils"
)

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrThreadNotActive   = errors.New("thread not active")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNoScheduledClose  = errors.New("no scheduled close")
	ErrSelfCloseDisabled = errors.New("recipient self-close is disabled")
)

// CreateOptions carries optional metadata for a new thread.
type CreateOptions struct {
	DisplayName string
	Title       string
	NSFW        bool
}

// InboundMessage is a recipient-side message handed over by the gateway.
type InboundMessage struct {
	ID          string
	DisplayName string
	Content     string
	Attachments []models.Attachment
	TS          int64
}

// ReplyOptions carries a staff reply.
type ReplyOptions struct {
	AuthorID    string
	DisplayName string
	Content     string
	Attachments []models.Attachment
	Anonymous   bool
	Plain       bool
}

// CloseOptions controls an explicit close or close schedule.
type CloseOptions struct {
	Delay    time.Duration
	Silent   bool
	Reason   string
	Message  string
	CloserID string
	// DeleteContainer overrides the configured default when set.
	DeleteContainer *bool
}

// Manager owns the live thread set. All state transitions go through it; the
// per-thread relay runtimes and the closure scheduler report back into it.
type Manager struct {
	mu       sync.Mutex
	runtimes map[string]*relay.Runtime

	cfg        config.ThreadConfig
	relayCfg   config.RelayConfig
	namePrefix string

	reg     *registry.Registry
	gate    *gate.Gate
	pool    *provision.Pool
	sched   *scheduler.Scheduler
	pipe    *relay.Pipeline
	courier courier.Courier
	alerts  notify.Sink
}

// NewManager wires a manager with its scheduler and relay pipeline.
func NewManager(cfg config.ThreadConfig, relayCfg config.RelayConfig, namePrefix string,
	reg *registry.Registry, g *gate.Gate, pool *provision.Pool, c courier.Courier, alerts notify.Sink) *Manager {
	m := &Manager{
		runtimes:   make(map[string]*relay.Runtime),
		cfg:        cfg,
		relayCfg:   relayCfg,
		namePrefix: namePrefix,
		reg:        reg,
		gate:       g,
		pool:       pool,
		courier:    c,
		alerts:     alerts,
	}
	m.sched = scheduler.New(m.executeScheduled)
	m.pipe = relay.NewPipeline(c, m.reg.ByID, cfg.AnonUsername, cfg.AnonTag)
	m.pipe.OnActivity(m.activity)
	return m
}

// Scheduler exposes the closure scheduler for recovery and inspection.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Reload swaps lifecycle tunables. Live schedules keep their deadlines.
func (m *Manager) Reload(cfg config.ThreadConfig, relayCfg config.RelayConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.relayCfg = relayCfg
}

func (m *Manager) loadThread(threadID string) (models.Thread, bool) {
	return m.reg.ByID(threadID)
}

func (m *Manager) runtime(threadID string) (*relay.Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[threadID]
	return rt, ok
}

// CreateThread admits the recipient through the gate and provisions a new
// thread, or returns the recipient's existing active thread. Concurrent
// calls for one recipient resolve to a single thread.
func (m *Manager) CreateThread(ctx context.Context, recipientID string, opts CreateOptions) (models.Thread, error) {
	if err := m.gate.CheckNewThread(recipientID); err != nil {
		return models.Thread{}, err
	}
	return m.reg.CreateOrJoin(recipientID, func() (models.Thread, error) {
		return m.provisionThread(ctx, recipientID, opts)
	})
}

func (m *Manager) provisionThread(ctx context.Context, recipientID string, opts CreateOptions) (models.Thread, error) {
	threadID := utils.GenThreadID()
	name := utils.ContainerName(m.namePrefix, opts.DisplayName, recipientID)
	topic := utils.ContainerTopic(threadID, recipientID)

	ref, poolName, err := m.pool.Provision(ctx, name, topic)
	if err != nil {
		if aerr := m.alerts.Notify(ctx, notify.Alert{
			Event:     "provision_failed",
			Recipient: recipientID,
			Pool:      m.pool.Primary(),
			Reason:    err.Error(),
			TS:        time.Now().UTC().UnixNano(),
		}); aerr != nil {
			logger.Error("alert_send_failed", "event", "provision_failed", "err", aerr)
		}
		return models.Thread{}, fmt.Errorf("provision container: %w", err)
	}

	now := time.Now().UTC().UnixNano()
	genesisID := utils.GenID()
	th := models.Thread{
		ID:             threadID,
		RecipientID:    recipientID,
		State:          models.ThreadOpen,
		ChannelRef:     ref,
		Title:          opts.Title,
		NSFW:           opts.NSFW,
		CreatedTS:      now,
		LastActivityTS: now,
		GenesisMsgID:   genesisID,
	}
	// metadata must be durable before the thread becomes addressable
	if err := store.SaveThread(th); err != nil {
		if derr := m.pool.Delete(ctx, ref); derr != nil {
			logger.Error("provision_rollback_failed", "container", ref, "err", derr)
		}
		return models.Thread{}, fmt.Errorf("persist thread: %w", err)
	}

	genesis := fmt.Sprintf("thread opened for %s", recipientID)
	if opts.DisplayName != "" {
		genesis = fmt.Sprintf("thread opened for %s (%s)", opts.DisplayName, recipientID)
	}
	store.AsyncAppendMessage(threadID, models.Message{
		ID:        genesisID,
		Thread:    threadID,
		Direction: models.Inbound,
		TS:        now,
		Content:   genesis,
		System:    true,
	})

	m.mu.Lock()
	m.runtimes[threadID] = relay.NewRuntime(threadID, m.relayCfg.QueueCapacity, m.pipe.Apply)
	m.reg.Register(th)
	if m.cfg.AutoCloseIdle.Duration() > 0 {
		m.armAutoClose(&th, now)
		m.reg.Register(th)
	}
	m.mu.Unlock()

	logger.Info("thread_created", "thread", threadID, "recipient", recipientID, "container", ref, "pool", poolName)
	return th, nil
}

// armAutoClose replaces the thread's idle close. Caller holds m.mu; the
// token bump makes any previously armed timer stale.
func (m *Manager) armAutoClose(th *models.Thread, fromTS int64) {
	th.CloseToken++
	c := models.ScheduledClosure{
		Thread:    th.ID,
		FireAtTS:  fromTS + int64(m.cfg.AutoCloseIdle.Duration()),
		Token:     th.CloseToken,
		Silent:    true,
		AutoClose: true,
	}
	if err := m.sched.Schedule(c); err != nil {
		logger.Error("auto_close_arm_failed", "thread", th.ID, "err", err)
	}
}

// Inbound relays a recipient message into its thread, creating the thread on
// first contact. Enqueue is non-blocking: a full queue surfaces
// relay.ErrQueueFull so the gateway can retry.
func (m *Manager) Inbound(ctx context.Context, recipientID string, msg InboundMessage) (models.Thread, error) {
	th, ok := m.reg.ByRecipient(recipientID)
	if !ok {
		created, err := m.CreateThread(ctx, recipientID, CreateOptions{DisplayName: msg.DisplayName})
		if err != nil {
			return models.Thread{}, err
		}
		th = created
	} else if err := m.gate.CheckRelay(recipientID); err != nil {
		return models.Thread{}, err
	}

	rt, ok := m.runtime(th.ID)
	if !ok {
		return models.Thread{}, ErrThreadNotActive
	}
	op := &relay.Op{
		Kind:      relay.OpForward,
		Direction: models.Inbound,
		Thread:    th.ID,
		Msg: models.Message{
			ID:          msg.ID,
			AuthorID:    recipientID,
			DisplayName: msg.DisplayName,
			Attachments: msg.Attachments,
			TS:          msg.TS,
		},
		Content: []byte(msg.Content),
	}
	if err := rt.TryEnqueue(op); err != nil {
		return models.Thread{}, err
	}
	return th, nil
}

// InboundEdit propagates a recipient-side edit. Unknown sources and closed
// threads are silently ignored.
func (m *Manager) InboundEdit(_ context.Context, recipientID, sourceMsgID, content string) error {
	th, ok := m.reg.ByRecipient(recipientID)
	if !ok {
		return nil
	}
	rt, ok := m.runtime(th.ID)
	if !ok {
		return nil
	}
	return rt.TryEnqueue(&relay.Op{
		Kind:      relay.OpEdit,
		Direction: models.Inbound,
		Thread:    th.ID,
		SourceID:  sourceMsgID,
		Content:   []byte(content),
	})
}

// InboundDelete propagates a recipient-side delete. Idempotent.
func (m *Manager) InboundDelete(_ context.Context, recipientID, sourceMsgID string) error {
	th, ok := m.reg.ByRecipient(recipientID)
	if !ok {
		return nil
	}
	rt, ok := m.runtime(th.ID)
	if !ok {
		return nil
	}
	return rt.TryEnqueue(&relay.Op{
		Kind:      relay.OpDelete,
		Direction: models.Inbound,
		Thread:    th.ID,
		SourceID:  sourceMsgID,
	})
}

// Reply relays a staff message to the recipient and returns the stored copy.
// A courier outage returns a *relay.RelayError; the thread stays open.
func (m *Manager) Reply(ctx context.Context, threadID string, opts ReplyOptions) (models.Message, error) {
	if _, ok := m.reg.ByID(threadID); !ok {
		return models.Message{}, ErrThreadNotFound
	}
	rt, ok := m.runtime(threadID)
	if !ok {
		return models.Message{}, ErrThreadNotActive
	}
	out := rt.Do(ctx, &relay.Op{
		Kind:      relay.OpForward,
		Direction: models.Outbound,
		Thread:    threadID,
		Msg: models.Message{
			ID:          utils.GenID(),
			AuthorID:    opts.AuthorID,
			DisplayName: opts.DisplayName,
			Attachments: opts.Attachments,
			Anonymous:   opts.Anonymous,
			Plain:       opts.Plain,
		},
		Content: []byte(opts.Content),
	})
	return out.Msg, out.Err
}

// EditMessage propagates a staff edit of a relayed reply.
func (m *Manager) EditMessage(ctx context.Context, channelMsgID, content string) (models.Message, error) {
	link, err := store.GetLinkByChannelMsg(channelMsgID)
	if err != nil {
		if store.IsNotFound(err) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, err
	}
	rt, ok := m.runtime(link.Thread)
	if !ok {
		return models.Message{}, ErrThreadNotActive
	}
	out := rt.Do(ctx, &relay.Op{
		Kind:      relay.OpEdit,
		Direction: models.Outbound,
		Thread:    link.Thread,
		SourceID:  channelMsgID,
		Content:   []byte(content),
	})
	return out.Msg, out.Err
}

// DeleteMessage tombstones a relayed reply on both sides. Repeat deletes
// are no-ops.
func (m *Manager) DeleteMessage(ctx context.Context, channelMsgID string) error {
	link, err := store.GetLinkByChannelMsg(channelMsgID)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrMessageNotFound
		}
		return err
	}
	rt, ok := m.runtime(link.Thread)
	if !ok {
		return ErrThreadNotActive
	}
	out := rt.Do(ctx, &relay.Op{
		Kind:      relay.OpDelete,
		Direction: models.Outbound,
		Thread:    link.Thread,
		SourceID:  channelMsgID,
	})
	return out.Err
}

// activity runs on a thread's relay worker after each successful relay. It
// bumps the activity clock and resets idle auto-closes; explicit schedules
// are left alone. Threads already draining for close are skipped.
func (m *Manager) activity(threadID string, _ models.Direction, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[threadID]; !ok {
		return
	}
	th, ok := m.reg.ByID(threadID)
	if !ok {
		return
	}
	th.LastActivityTS = ts

	pending, hasPending := m.sched.Pending(threadID)
	autoPending := hasPending && pending.AutoClose
	switch {
	case m.cfg.AutoCloseIdle.Duration() > 0 && (autoPending || !hasPending):
		m.armAutoClose(&th, ts)
	case autoPending:
		// idle close disabled since the row was armed
		th.CloseToken++
		if err := m.sched.Cancel(threadID); err != nil {
			logger.Error("auto_close_cancel_failed", "thread", threadID, "err", err)
		}
	}

	m.reg.Register(th)
	store.AsyncTouchThread(threadID, m.loadThread)
}

// ScheduleClose closes the thread now (zero delay) or arms a cancelable
// scheduled close. The schedule survives restarts.
func (m *Manager) ScheduleClose(ctx context.Context, threadID string, opts CloseOptions) (models.Thread, error) {
	m.mu.Lock()
	th, ok := m.reg.ByID(threadID)
	if !ok {
		m.mu.Unlock()
		return models.Thread{}, ErrThreadNotFound
	}

	if opts.Delay <= 0 {
		th.CloseToken++
		m.reg.Register(th)
		rt := m.runtimes[threadID]
		delete(m.runtimes, threadID)
		c := models.ScheduledClosure{
			Thread:   threadID,
			FireAtTS: time.Now().UTC().UnixNano(),
			CloserID: opts.CloserID,
			Silent:   opts.Silent,
			Message:  opts.Message,
			Token:    th.CloseToken,
		}
		m.mu.Unlock()
		return m.commitClose(ctx, th, rt, c, "manual", opts.Reason, opts.DeleteContainer)
	}

	now := time.Now().UTC()
	th.CloseToken++
	th.State = models.ThreadClosingScheduled
	th.ScheduledCloseTS = now.Add(opts.Delay).UnixNano()
	th.CloserID = opts.CloserID
	th.CloseReason = opts.Reason
	if err := store.SaveThread(th); err != nil {
		m.mu.Unlock()
		return models.Thread{}, err
	}
	c := models.ScheduledClosure{
		Thread:   threadID,
		FireAtTS: th.ScheduledCloseTS,
		CloserID: opts.CloserID,
		Silent:   opts.Silent,
		Message:  opts.Message,
		Token:    th.CloseToken,
	}
	if err := m.sched.Schedule(c); err != nil {
		m.mu.Unlock()
		return models.Thread{}, err
	}
	m.reg.Register(th)
	m.mu.Unlock()

	store.AsyncAppendMessage(threadID, models.Message{
		ID:        utils.GenID(),
		Thread:    threadID,
		Direction: models.Outbound,
		TS:        now.UnixNano(),
		Content:   fmt.Sprintf("close scheduled in %s by %s", opts.Delay, opts.CloserID),
		System:    true,
	})
	return th, nil
}

// CancelClose lifts a pending close and reopens the thread. Idle auto-close
// re-arms from the last activity.
func (m *Manager) CancelClose(threadID, byID string) (models.Thread, error) {
	m.mu.Lock()
	th, ok := m.reg.ByID(threadID)
	if !ok {
		m.mu.Unlock()
		return models.Thread{}, ErrThreadNotFound
	}
	if _, ok := m.sched.Pending(threadID); !ok {
		m.mu.Unlock()
		return models.Thread{}, ErrNoScheduledClose
	}
	th.CloseToken++
	th.State = models.ThreadOpen
	th.ScheduledCloseTS = 0
	th.CloserID = ""
	th.CloseReason = ""
	if err := m.sched.Cancel(threadID); err != nil {
		m.mu.Unlock()
		return models.Thread{}, err
	}
	if err := store.SaveThread(th); err != nil {
		m.mu.Unlock()
		return models.Thread{}, err
	}
	if m.cfg.AutoCloseIdle.Duration() > 0 {
		m.armAutoClose(&th, th.LastActivityTS)
	}
	m.reg.Register(th)
	m.mu.Unlock()

	store.AsyncAppendMessage(threadID, models.Message{
		ID:        utils.GenID(),
		Thread:    threadID,
		Direction: models.Outbound,
		TS:        time.Now().UTC().UnixNano(),
		Content:   fmt.Sprintf("scheduled close cancelled by %s", byID),
		System:    true,
	})
	logger.Info("close_cancelled", "thread", threadID, "by", byID)
	return th, nil
}

// SelfClose lets the recipient close their own thread when enabled.
func (m *Manager) SelfClose(ctx context.Context, recipientID string) (models.Thread, error) {
	if !m.cfg.RecipientSelfClose {
		return models.Thread{}, ErrSelfCloseDisabled
	}
	th, ok := m.reg.ByRecipient(recipientID)
	if !ok {
		return models.Thread{}, ErrThreadNotFound
	}
	return m.close(ctx, th.ID, "self", CloseOptions{CloserID: recipientID})
}

// HandleRecipientLeft reacts to a membership departure: the identity record
// drops the pool and, when configured, the thread closes silently.
func (m *Manager) HandleRecipientLeft(ctx context.Context, recipientID, pool string) error {
	if pool != "" {
		if id, err := store.GetIdentity(recipientID); err == nil {
			delete(id.JoinedTS, pool)
			store.AsyncSaveIdentity(id)
		}
	}
	th, ok := m.reg.ByRecipient(recipientID)
	if !ok {
		return nil
	}
	if !m.cfg.CloseOnLeave {
		logger.Info("recipient_left", "recipient", recipientID, "thread", th.ID)
		return nil
	}
	_, err := m.close(ctx, th.ID, "leave", CloseOptions{Silent: true, Reason: "recipient left"})
	return err
}

// HandleRecipientJoined records the membership timestamp used by member-age
// gating.
func (m *Manager) HandleRecipientJoined(recipientID, pool string, ts int64) {
	if pool == "" {
		return
	}
	id, err := store.GetIdentity(recipientID)
	if err != nil {
		if !store.IsNotFound(err) {
			logger.Error("identity_load_failed", "recipient", recipientID, "err", err)
			return
		}
		id = models.Identity{RecipientID: recipientID}
	}
	if id.JoinedTS == nil {
		id.JoinedTS = make(map[string]int64)
	}
	id.JoinedTS[pool] = ts
	store.AsyncSaveIdentity(id)
}

// HandleContainerDeleted closes the thread whose container was removed
// out-of-band. The container itself is already gone.
func (m *Manager) HandleContainerDeleted(ctx context.Context, ref string) error {
	th, ok := m.reg.ByChannel(ref)
	if !ok {
		return nil
	}
	logger.Warn("container_deleted_externally", "thread", th.ID, "container", ref)
	keep := false
	_, err := m.close(ctx, th.ID, "container", CloseOptions{
		Reason:          "container deleted",
		Message:         "the staff channel for this thread was removed",
		DeleteContainer: &keep,
	})
	return err
}

// close performs an immediate close with the given metrics kind.
func (m *Manager) close(ctx context.Context, threadID, kind string, opts CloseOptions) (models.Thread, error) {
	m.mu.Lock()
	th, ok := m.reg.ByID(threadID)
	if !ok {
		m.mu.Unlock()
		return models.Thread{}, ErrThreadNotFound
	}
	th.CloseToken++
	m.reg.Register(th)
	rt := m.runtimes[threadID]
	delete(m.runtimes, threadID)
	c := models.ScheduledClosure{
		Thread:   threadID,
		FireAtTS: time.Now().UTC().UnixNano(),
		CloserID: opts.CloserID,
		Silent:   opts.Silent,
		Message:  opts.Message,
		Token:    th.CloseToken,
	}
	m.mu.Unlock()
	return m.commitClose(ctx, th, rt, c, kind, opts.Reason, opts.DeleteContainer)
}

// executeScheduled is the scheduler's fire callback. A closure token older
// than the thread's current token means the schedule was superseded; the
// fire is discarded.
func (m *Manager) executeScheduled(c models.ScheduledClosure) {
	kind := "scheduled"
	if c.AutoClose {
		kind = "auto"
	}
	m.mu.Lock()
	th, ok := m.reg.ByID(c.Thread)
	if !ok {
		m.mu.Unlock()
		// restart recovery fires closures for threads that never rejoined
		// the live set; drop the orphaned row
		stored, err := store.GetThread(c.Thread)
		if err != nil || !stored.State.Active() {
			if derr := store.DeleteClosure(c.Thread); derr != nil {
				logger.Error("closure_cleanup_failed", "thread", c.Thread, "err", derr)
			}
			return
		}
		logger.Error("closure_for_unmanaged_thread", "thread", c.Thread)
		return
	}
	if c.Token < th.CloseToken {
		m.mu.Unlock()
		metrics.StaleTimers.Inc()
		logger.Debug("stale_closure_discarded", "thread", c.Thread, "token", c.Token, "current", th.CloseToken)
		return
	}
	rt := m.runtimes[c.Thread]
	delete(m.runtimes, c.Thread)
	m.mu.Unlock()

	if _, err := m.commitClose(context.Background(), th, rt, c, kind, "", nil); err != nil {
		logger.Error("scheduled_close_failed", "thread", c.Thread, "err", err)
	}
}

// commitClose drains the thread's relay queue and writes the terminal
// state. The caller has already removed the runtime from the live map, so
// no further operations can race the close.
func (m *Manager) commitClose(ctx context.Context, th models.Thread, rt *relay.Runtime, c models.ScheduledClosure, kind, reason string, deleteContainer *bool) (models.Thread, error) {
	if rt != nil {
		rt.Close()
	}

	now := time.Now().UTC().UnixNano()
	if !c.Silent {
		content := c.Message
		if content == "" {
			content = "this thread has been closed"
		}
		d := courier.Delivery{
			Recipient: th.RecipientID,
			MsgID:     utils.GenID(),
			Content:   content,
			System:    true,
			TS:        now,
		}
		if err := m.courier.Send(ctx, d); err != nil {
			metrics.CourierFailures.Inc()
			logger.Error("close_notice_failed", "thread", th.ID, "err", err)
		}
	}

	th.State = models.ThreadClosed
	th.ClosedTS = now
	th.ScheduledCloseTS = 0
	th.CloserID = c.CloserID
	th.Silent = c.Silent
	if reason != "" {
		th.CloseReason = reason
	}
	if c.Token > th.CloseToken {
		th.CloseToken = c.Token
	}
	if err := store.SaveThread(th); err != nil {
		return models.Thread{}, fmt.Errorf("persist closed thread: %w", err)
	}
	if err := store.SaveLastClosed(th.RecipientID, models.LastClosed{
		Thread:    th.ID,
		ClosedTS:  now,
		AutoClose: c.AutoClose,
	}); err != nil {
		logger.Error("lastclosed_write_failed", "thread", th.ID, "err", err)
	}
	if err := m.sched.Cancel(th.ID); err != nil {
		logger.Error("closure_cleanup_failed", "thread", th.ID, "err", err)
	}
	m.reg.Unregister(th.ID)

	store.AsyncAppendMessage(th.ID, models.Message{
		ID:        utils.GenID(),
		Thread:    th.ID,
		Direction: models.Outbound,
		TS:        now,
		Content:   closeNotice(kind, c.CloserID, th.CloseReason),
		System:    true,
	})

	if m.shouldDeleteContainer(deleteContainer) && th.ChannelRef != "" {
		if err := m.pool.Delete(ctx, th.ChannelRef); err != nil {
			logger.Warn("container_delete_failed", "thread", th.ID, "container", th.ChannelRef, "err", err)
			if ferr := store.FlagRepair(th.ChannelRef, "delete failed after close"); ferr != nil {
				logger.Error("repair_flag_failed", "container", th.ChannelRef, "err", ferr)
			}
		}
	}

	metrics.ClosuresFired.WithLabelValues(kind).Inc()
	logger.Info("thread_closed", "thread", th.ID, "recipient", th.RecipientID, "kind", kind, "closer", c.CloserID)
	return th, nil
}

func (m *Manager) shouldDeleteContainer(override *bool) bool {
	if override != nil {
		return *override
	}
	if m.cfg.DeleteContainer != nil {
		return *m.cfg.DeleteContainer
	}
	return true
}

func closeNotice(kind, closer, reason string) string {
	var msg string
	switch kind {
	case "auto":
		msg = "thread closed after inactivity"
	case "self":
		msg = "thread closed by the recipient"
	case "leave":
		msg = "thread closed: recipient left"
	case "container":
		msg = "thread closed: container removed"
	default:
		msg = "thread closed"
		if closer != "" {
			msg = "thread closed by " + closer
		}
	}
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}

// SetTitle updates the thread title.
func (m *Manager) SetTitle(threadID, title string) (models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.reg.ByID(threadID)
	if !ok {
		return models.Thread{}, ErrThreadNotFound
	}
	th.Title = title
	if err := store.SaveThread(th); err != nil {
		return models.Thread{}, err
	}
	m.reg.Register(th)
	return th, nil
}

// Shutdown stops timers and drains every relay runtime. Thread state is
// left as-is; the next start recovers it.
func (m *Manager) Shutdown() {
	m.sched.Stop()
	m.mu.Lock()
	rts := make([]*relay.Runtime, 0, len(m.runtimes))
	for id, rt := range m.runtimes {
		rts = append(rts, rt)
		delete(m.runtimes, id)
	}
	m.mu.Unlock()
	for _, rt := range rts {
		rt.Close()
	}
	logger.Info("thread_manager_stopped", "drained", len(rts))
}
