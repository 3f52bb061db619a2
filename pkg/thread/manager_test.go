package thread

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/courier"
	"relaydesk/pkg/gate"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
	"relaydesk/pkg/notify"
	"relaydesk/pkg/provision"
	"relaydesk/pkg/registry"
	"relaydesk/pkg/relay"
	"relaydesk/pkg/store"
)

func openStore(t *testing.T) {
	t.Helper()
	logger.Init()
	if err := store.Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

// buildManager wires a manager against the already-open store. Shutdown is
// the caller's responsibility; newEnv handles it for single-manager tests.
func buildManager(cfg config.ThreadConfig, gcfg config.GateConfig, pool *provision.Pool, lb *courier.Loopback, alerts notify.Sink) (*Manager, *registry.Registry, *gate.Gate) {
	if pool == nil {
		pool = provision.NewPool(provision.NewCatalog(100), "main", "")
	}
	if alerts == nil {
		alerts = notify.LogSink{}
	}
	reg := registry.New()
	g := gate.New(gcfg, "main", nil)
	m := NewManager(cfg, config.RelayConfig{QueueCapacity: 64}, "ticket", reg, g, pool, lb, alerts)
	return m, reg, g
}

type testEnv struct {
	mgr  *Manager
	reg  *registry.Registry
	lb   *courier.Loopback
	gate *gate.Gate
}

func newEnv(t *testing.T, cfg config.ThreadConfig, gcfg config.GateConfig) *testEnv {
	t.Helper()
	openStore(t)
	lb := courier.NewLoopback()
	m, reg, g := buildManager(cfg, gcfg, nil, lb, nil)
	t.Cleanup(m.Shutdown)
	return &testEnv{mgr: m, reg: reg, lb: lb, gate: g}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustInbound(t *testing.T, m *Manager, recipient, msgID, content string) models.Thread {
	t.Helper()
	th, err := m.Inbound(context.Background(), recipient, InboundMessage{ID: msgID, Content: content})
	if err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	return th
}

func threadMessages(t *testing.T, threadID string) []models.Message {
	t.Helper()
	msgs, err := store.ListThreadMessages(threadID)
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	return msgs
}

func TestInboundCreatesThreadOnce(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.mgr.Inbound(context.Background(), "r1", InboundMessage{
				ID:      fmt.Sprintf("src-%d", i),
				Content: fmt.Sprintf("message %d", i),
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("inbound %d: %v", i, err)
		}
	}

	if env.reg.Len() != 1 {
		t.Fatalf("expected exactly 1 thread, got %d", env.reg.Len())
	}
	th, ok := env.reg.ByRecipient("r1")
	if !ok {
		t.Fatalf("thread not registered for recipient")
	}
	if th.State != models.ThreadOpen || th.ChannelRef == "" {
		t.Fatalf("thread not open with a container: %+v", th)
	}

	// genesis notice plus one relayed copy per message
	waitFor(t, 2*time.Second, "all messages relayed", func() bool {
		return len(threadMessages(t, th.ID)) == n+1
	})
	msgs := threadMessages(t, th.ID)
	if !msgs[0].System || !strings.Contains(msgs[0].Content, "thread opened") {
		t.Fatalf("genesis notice missing: %+v", msgs[0])
	}
	for _, m := range msgs[1:] {
		if m.System {
			t.Fatalf("unexpected extra system message: %+v", m)
		}
		if _, err := store.GetLinkByChannelMsg(m.ID); err != nil {
			t.Fatalf("relayed message %s has no link: %v", m.ID, err)
		}
	}
}

func TestInboundReceiptOrder(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	const n = 10
	var th models.Thread
	for i := 0; i < n; i++ {
		th = mustInbound(t, env.mgr, "r1", fmt.Sprintf("src-%d", i), fmt.Sprintf("message %d", i))
	}
	waitFor(t, 2*time.Second, "messages relayed", func() bool {
		return len(threadMessages(t, th.ID)) == n+1
	})
	msgs := threadMessages(t, th.ID)
	for i, m := range msgs[1:] {
		if m.Content != fmt.Sprintf("message %d", i) {
			t.Fatalf("receipt order broken at %d: %q", i, m.Content)
		}
	}
}

func TestInboundBlockedCreatesNothing(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	if err := store.SaveBlock(models.BlockEntry{RecipientID: "r1", Reason: "spam"}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}
	_, err := env.mgr.Inbound(context.Background(), "r1", InboundMessage{ID: "src-1", Content: "hello"})
	var d *gate.DenialError
	if !errors.As(err, &d) || d.Code != gate.CodeBlocked {
		t.Fatalf("expected blocked denial, got %v", err)
	}
	if env.reg.Len() != 0 {
		t.Fatalf("denied inbound registered a thread")
	}
	active, err := store.ListActiveThreads()
	if err != nil {
		t.Fatalf("ListActiveThreads: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("denied inbound persisted a thread: %+v", active)
	}
}

// disable_new pauses thread creation but not traffic into existing threads.
func TestInboundExistingThreadSkipsNewThreadChecks(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	env.gate.Reload(config.GateConfig{DisableNew: true}, "main")

	if _, err := env.mgr.Inbound(context.Background(), "r1", InboundMessage{ID: "src-2", Content: "still here"}); err != nil {
		t.Fatalf("relay into existing thread denied: %v", err)
	}
	var d *gate.DenialError
	_, err := env.mgr.Inbound(context.Background(), "r2", InboundMessage{ID: "src-3", Content: "new"})
	if !errors.As(err, &d) || d.Code != gate.CodePaused {
		t.Fatalf("new thread not paused: %v", err)
	}
	waitFor(t, 2*time.Second, "second message relayed", func() bool {
		return len(threadMessages(t, th.ID)) == 3
	})
}

func TestReplyDeliversAndLinks(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	msg, err := env.mgr.Reply(context.Background(), th.ID, ReplyOptions{
		AuthorID:    "staff-1",
		DisplayName: "Agent",
		Content:     "hello back",
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if msg.ID == "" || msg.Direction != models.Outbound {
		t.Fatalf("reply result wrong: %+v", msg)
	}

	sent := env.lb.Sent()
	if len(sent) != 1 || sent[0].Recipient != "r1" || sent[0].Content != "hello back" {
		t.Fatalf("delivery wrong: %+v", sent)
	}
	link, err := store.GetLinkByChannelMsg(msg.ID)
	if err != nil {
		t.Fatalf("reply not linked: %v", err)
	}
	if link.RecipientMsgID != sent[0].MsgID {
		t.Fatalf("link and delivery disagree: %+v vs %s", link, sent[0].MsgID)
	}

	if _, err := env.mgr.Reply(context.Background(), "thread-unknown", ReplyOptions{Content: "x"}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

// A courier outage fails the reply but leaves the thread open, posts a
// staff-visible notice, and a retry succeeds once delivery recovers.
func TestReplyCourierOutage(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")
	waitFor(t, 2*time.Second, "inbound relayed", func() bool {
		return len(threadMessages(t, th.ID)) == 2
	})

	env.lb.SetErr(errors.New("gateway down"))
	_, err := env.mgr.Reply(context.Background(), th.ID, ReplyOptions{AuthorID: "staff-1", Content: "are you there?"})
	var rerr *relay.RelayError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RelayError, got %v", err)
	}

	got, ok := env.reg.ByID(th.ID)
	if !ok || got.State != models.ThreadOpen {
		t.Fatalf("courier outage tore the thread down: %+v ok=%v", got, ok)
	}
	msgs := threadMessages(t, th.ID)
	last := msgs[len(msgs)-1]
	if !last.System || !strings.Contains(last.Content, "delivery failed") {
		t.Fatalf("failure notice missing: %+v", last)
	}

	env.lb.SetErr(nil)
	if _, err := env.mgr.Reply(context.Background(), th.ID, ReplyOptions{AuthorID: "staff-1", Content: "retry"}); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestScheduleCloseFires(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	scheduled, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{
		Delay:    40 * time.Millisecond,
		CloserID: "staff-1",
		Reason:   "resolved",
	})
	if err != nil {
		t.Fatalf("ScheduleClose: %v", err)
	}
	if scheduled.State != models.ThreadClosingScheduled || scheduled.ScheduledCloseTS == 0 {
		t.Fatalf("schedule state wrong: %+v", scheduled)
	}
	if _, err := store.GetClosure(th.ID); err != nil {
		t.Fatalf("closure row not durable: %v", err)
	}

	waitFor(t, 2*time.Second, "scheduled close", func() bool {
		_, ok := env.reg.ByID(th.ID)
		return !ok
	})

	closed, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if closed.State != models.ThreadClosed || closed.CloserID != "staff-1" || closed.CloseReason != "resolved" {
		t.Fatalf("terminal state wrong: %+v", closed)
	}
	if _, err := store.GetClosure(th.ID); !store.IsNotFound(err) {
		t.Fatalf("closure row survived the close: %v", err)
	}
	lc, err := store.GetLastClosed("r1")
	if err != nil {
		t.Fatalf("lastclosed not written: %v", err)
	}
	if lc.Thread != th.ID || lc.AutoClose {
		t.Fatalf("lastclosed wrong: %+v", lc)
	}

	var noticed bool
	for _, d := range env.lb.Sent() {
		if d.System && strings.Contains(d.Content, "closed") {
			noticed = true
		}
	}
	if !noticed {
		t.Fatalf("recipient never told about the close: %+v", env.lb.Sent())
	}

	if _, err := env.mgr.Reply(context.Background(), th.ID, ReplyOptions{Content: "too late"}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("closed thread still accepts replies: %v", err)
	}
}

func TestCancelCloseReopens(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	if _, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{Delay: time.Hour, CloserID: "staff-1"}); err != nil {
		t.Fatalf("ScheduleClose: %v", err)
	}
	reopened, err := env.mgr.CancelClose(th.ID, "staff-2")
	if err != nil {
		t.Fatalf("CancelClose: %v", err)
	}
	if reopened.State != models.ThreadOpen || reopened.ScheduledCloseTS != 0 || reopened.CloserID != "" {
		t.Fatalf("cancel did not reopen: %+v", reopened)
	}
	if _, err := store.GetClosure(th.ID); !store.IsNotFound(err) {
		t.Fatalf("closure row survived cancel: %v", err)
	}

	if _, err := env.mgr.CancelClose(th.ID, "staff-2"); !errors.Is(err, ErrNoScheduledClose) {
		t.Fatalf("expected ErrNoScheduledClose, got %v", err)
	}
	if _, err := env.mgr.CancelClose("thread-unknown", "staff-2"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

// Re-scheduling replaces the pending close; only the newest deadline fires.
func TestRescheduleReplaces(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	if _, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{Delay: time.Hour, CloserID: "staff-1"}); err != nil {
		t.Fatalf("first ScheduleClose: %v", err)
	}
	if _, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{Delay: 40 * time.Millisecond, CloserID: "staff-2"}); err != nil {
		t.Fatalf("second ScheduleClose: %v", err)
	}

	waitFor(t, 2*time.Second, "replacement close", func() bool {
		_, ok := env.reg.ByID(th.ID)
		return !ok
	})
	closed, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if closed.State != models.ThreadClosed || closed.CloserID != "staff-2" {
		t.Fatalf("wrong schedule fired: %+v", closed)
	}
}

func TestImmediateCloseStartsCooldown(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{Cooldown: config.Duration(time.Hour)})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	closed, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{CloserID: "staff-1"})
	if err != nil {
		t.Fatalf("immediate close: %v", err)
	}
	if closed.State != models.ThreadClosed {
		t.Fatalf("immediate close returned %s", closed.State)
	}
	if env.reg.Len() != 0 {
		t.Fatalf("closed thread still registered")
	}

	var d *gate.DenialError
	_, err = env.mgr.Inbound(context.Background(), "r1", InboundMessage{ID: "src-2", Content: "again"})
	if !errors.As(err, &d) || d.Code != gate.CodeCooldown {
		t.Fatalf("expected cooldown denial, got %v", err)
	}
}

func TestSelfClose(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	if _, err := env.mgr.SelfClose(context.Background(), "r1"); !errors.Is(err, ErrSelfCloseDisabled) {
		t.Fatalf("expected ErrSelfCloseDisabled, got %v", err)
	}

	env.mgr.Reload(config.ThreadConfig{RecipientSelfClose: true}, config.RelayConfig{QueueCapacity: 64})
	if _, err := env.mgr.SelfClose(context.Background(), "r1"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound without a thread, got %v", err)
	}

	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")
	closed, err := env.mgr.SelfClose(context.Background(), "r1")
	if err != nil {
		t.Fatalf("SelfClose: %v", err)
	}
	if closed.State != models.ThreadClosed || closed.CloserID != "r1" {
		t.Fatalf("self close state wrong: %+v", closed)
	}
	msgs := threadMessages(t, th.ID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "closed by the recipient") {
		t.Fatalf("close notice wrong: %+v", last)
	}
}

func TestCloseOnLeave(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{CloseOnLeave: true}, config.GateConfig{})
	env.mgr.HandleRecipientJoined("r1", "main", time.Now().Add(-time.Hour).UnixNano())
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	if err := env.mgr.HandleRecipientLeft(context.Background(), "r1", "main"); err != nil {
		t.Fatalf("HandleRecipientLeft: %v", err)
	}
	closed, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if closed.State != models.ThreadClosed || closed.CloseReason != "recipient left" {
		t.Fatalf("leave close wrong: %+v", closed)
	}
	// the recipient is gone; the close is silent
	for _, d := range env.lb.Sent() {
		if d.System {
			t.Fatalf("silent close still sent a notice: %+v", d)
		}
	}
	id, err := store.GetIdentity("r1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if _, ok := id.JoinedTS["main"]; ok {
		t.Fatalf("membership not dropped: %+v", id)
	}

	// leaving with no thread is a no-op
	if err := env.mgr.HandleRecipientLeft(context.Background(), "r9", "main"); err != nil {
		t.Fatalf("leave without thread: %v", err)
	}
}

func TestLeaveKeepsThreadWhenDisabled(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")
	if err := env.mgr.HandleRecipientLeft(context.Background(), "r1", "main"); err != nil {
		t.Fatalf("HandleRecipientLeft: %v", err)
	}
	got, ok := env.reg.ByID(th.ID)
	if !ok || got.State != models.ThreadOpen {
		t.Fatalf("thread closed despite close_on_leave=false: %+v", got)
	}
}

func TestHandleContainerDeleted(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	if err := env.mgr.HandleContainerDeleted(context.Background(), th.ChannelRef); err != nil {
		t.Fatalf("HandleContainerDeleted: %v", err)
	}
	closed, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if closed.State != models.ThreadClosed || closed.CloseReason != "container deleted" {
		t.Fatalf("container close wrong: %+v", closed)
	}
	var noticed bool
	for _, d := range env.lb.Sent() {
		if strings.Contains(d.Content, "staff channel for this thread was removed") {
			noticed = true
		}
	}
	if !noticed {
		t.Fatalf("recipient not told about the container loss: %+v", env.lb.Sent())
	}

	if err := env.mgr.HandleContainerDeleted(context.Background(), "chan-unknown"); err != nil {
		t.Fatalf("unknown container should be a no-op: %v", err)
	}
}

// A fired closure carrying a superseded token must not close the thread.
func TestStaleClosureDiscarded(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	if _, err := env.mgr.ScheduleClose(context.Background(), th.ID, CloseOptions{Delay: time.Hour, CloserID: "staff-1"}); err != nil {
		t.Fatalf("ScheduleClose: %v", err)
	}
	if _, err := env.mgr.CancelClose(th.ID, "staff-1"); err != nil {
		t.Fatalf("CancelClose: %v", err)
	}
	cur, _ := env.reg.ByID(th.ID)

	env.mgr.executeScheduled(models.ScheduledClosure{Thread: th.ID, Token: cur.CloseToken - 1, FireAtTS: time.Now().UnixNano()})
	got, ok := env.reg.ByID(th.ID)
	if !ok || got.State != models.ThreadOpen {
		t.Fatalf("stale closure closed the thread: %+v ok=%v", got, ok)
	}

	env.mgr.executeScheduled(models.ScheduledClosure{Thread: th.ID, Token: cur.CloseToken, FireAtTS: time.Now().UnixNano()})
	if _, ok := env.reg.ByID(th.ID); ok {
		t.Fatalf("current-token closure did not close the thread")
	}
}

func TestAutoCloseIdleFires(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{AutoCloseIdle: config.Duration(60 * time.Millisecond)}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	waitFor(t, 2*time.Second, "idle auto-close", func() bool {
		_, ok := env.reg.ByID(th.ID)
		return !ok
	})
	closed, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if closed.State != models.ThreadClosed {
		t.Fatalf("idle thread not closed: %+v", closed)
	}
	lc, err := store.GetLastClosed("r1")
	if err != nil {
		t.Fatalf("GetLastClosed: %v", err)
	}
	if !lc.AutoClose {
		t.Fatalf("idle close not marked auto: %+v", lc)
	}
	// idle closes are silent
	for _, d := range env.lb.Sent() {
		if d.System {
			t.Fatalf("idle close sent a notice: %+v", d)
		}
	}
}

func TestActivityRearmsAutoClose(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{AutoCloseIdle: config.Duration(10 * time.Minute)}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")
	waitFor(t, 2*time.Second, "first message relayed", func() bool {
		return len(threadMessages(t, th.ID)) == 2
	})
	before, ok := env.mgr.sched.Pending(th.ID)
	if !ok || !before.AutoClose {
		t.Fatalf("idle close not armed at create: %+v ok=%v", before, ok)
	}

	time.Sleep(10 * time.Millisecond)
	mustInbound(t, env.mgr, "r1", "src-2", "more")
	waitFor(t, 2*time.Second, "idle close re-armed", func() bool {
		after, ok := env.mgr.sched.Pending(th.ID)
		return ok && after.FireAtTS > before.FireAtTS
	})
	if _, ok := env.reg.ByID(th.ID); !ok {
		t.Fatalf("thread closed while active")
	}
}

// Disabling idle auto-close takes effect on the next activity: the pending
// schedule is cancelled instead of re-armed.
func TestActivityCancelsDisabledAutoClose(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{AutoCloseIdle: config.Duration(10 * time.Minute)}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")
	waitFor(t, 2*time.Second, "idle close armed", func() bool {
		_, ok := env.mgr.sched.Pending(th.ID)
		return ok
	})

	env.mgr.Reload(config.ThreadConfig{}, config.RelayConfig{QueueCapacity: 64})
	mustInbound(t, env.mgr, "r1", "src-2", "more")
	waitFor(t, 2*time.Second, "idle close cancelled", func() bool {
		_, ok := env.mgr.sched.Pending(th.ID)
		return !ok
	})
	if _, err := store.GetClosure(th.ID); !store.IsNotFound(err) {
		t.Fatalf("cancelled idle closure row remains: %v", err)
	}
}

func TestSetTitle(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	updated, err := env.mgr.SetTitle(th.ID, "billing dispute")
	if err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	if updated.Title != "billing dispute" {
		t.Fatalf("title not set: %+v", updated)
	}
	stored, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if stored.Title != "billing dispute" {
		t.Fatalf("title not persisted: %+v", stored)
	}
	if _, err := env.mgr.SetTitle("thread-unknown", "x"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestEditAndDeleteReply(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "hello")

	msg, err := env.mgr.Reply(context.Background(), th.ID, ReplyOptions{AuthorID: "staff-1", Content: "first"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	link, err := store.GetLinkByChannelMsg(msg.ID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	edited, err := env.mgr.EditMessage(context.Background(), msg.ID, "second")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Content != "second" || edited.EditedTS == 0 {
		t.Fatalf("edit result wrong: %+v", edited)
	}
	if got, ok := env.lb.EditOf(link.RecipientMsgID); !ok || got != "second" {
		t.Fatalf("recipient copy not edited: %q ok=%v", got, ok)
	}

	if err := env.mgr.DeleteMessage(context.Background(), msg.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !env.lb.Deleted(link.RecipientMsgID) {
		t.Fatalf("recipient copy not deleted")
	}
	// repeat delete is a no-op
	if err := env.mgr.DeleteMessage(context.Background(), msg.ID); err != nil {
		t.Fatalf("repeat DeleteMessage: %v", err)
	}

	if _, err := env.mgr.EditMessage(context.Background(), "msg-unknown", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for edit, got %v", err)
	}
	if err := env.mgr.DeleteMessage(context.Background(), "msg-unknown"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for delete, got %v", err)
	}
}

func TestInboundEditAndDelete(t *testing.T) {
	env := newEnv(t, config.ThreadConfig{}, config.GateConfig{})
	th := mustInbound(t, env.mgr, "r1", "src-1", "first draft")
	waitFor(t, 2*time.Second, "inbound relayed", func() bool {
		return len(threadMessages(t, th.ID)) == 2
	})

	if err := env.mgr.InboundEdit(context.Background(), "r1", "src-1", "final draft"); err != nil {
		t.Fatalf("InboundEdit: %v", err)
	}
	waitFor(t, 2*time.Second, "edit applied", func() bool {
		msgs := threadMessages(t, th.ID)
		return msgs[1].Content == "final draft"
	})

	if err := env.mgr.InboundDelete(context.Background(), "r1", "src-1"); err != nil {
		t.Fatalf("InboundDelete: %v", err)
	}
	waitFor(t, 2*time.Second, "delete applied", func() bool {
		msgs := threadMessages(t, th.ID)
		return msgs[1].Deleted
	})

	// edits from recipients without a thread are dropped
	if err := env.mgr.InboundEdit(context.Background(), "ghost", "src-9", "x"); err != nil {
		t.Fatalf("edit without thread should be ignored: %v", err)
	}
	if err := env.mgr.InboundDelete(context.Background(), "ghost", "src-9"); err != nil {
		t.Fatalf("delete without thread should be ignored: %v", err)
	}
}

func TestProvisionFallbackThenExhaustion(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	sink := &captureSink{}
	pool := provision.NewPool(provision.NewCatalog(1), "main", "overflow")
	m, reg, _ := buildManager(config.ThreadConfig{}, config.GateConfig{}, pool, lb, sink)
	t.Cleanup(m.Shutdown)

	first := mustInbound(t, m, "r1", "src-1", "hello")
	second := mustInbound(t, m, "r2", "src-2", "hello")

	c1, err := store.GetContainer(first.ChannelRef)
	if err != nil {
		t.Fatalf("GetContainer first: %v", err)
	}
	c2, err := store.GetContainer(second.ChannelRef)
	if err != nil {
		t.Fatalf("GetContainer second: %v", err)
	}
	if c1.Pool != "main" || c2.Pool != "overflow" {
		t.Fatalf("fallback routing wrong: %s then %s", c1.Pool, c2.Pool)
	}

	_, err = m.Inbound(context.Background(), "r3", InboundMessage{ID: "src-3", Content: "hello"})
	if !errors.Is(err, provision.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error with both pools full, got %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("failed provision registered a thread: %d", reg.Len())
	}
	alerts := sink.all()
	if len(alerts) == 0 || alerts[len(alerts)-1].Event != "provision_failed" {
		t.Fatalf("no operator alert for provisioning failure: %+v", alerts)
	}
}

type captureSink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (s *captureSink) Notify(_ context.Context, a notify.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) all() []notify.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Alert(nil), s.alerts...)
}

func TestShutdownKeepsSchedules(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	m, _, _ := buildManager(config.ThreadConfig{}, config.GateConfig{}, nil, lb, nil)

	th := mustInbound(t, m, "r1", "src-1", "hello")
	if _, err := m.ScheduleClose(context.Background(), th.ID, CloseOptions{Delay: time.Hour, CloserID: "staff-1"}); err != nil {
		t.Fatalf("ScheduleClose: %v", err)
	}
	m.Shutdown()

	stored, err := store.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if stored.State != models.ThreadClosingScheduled {
		t.Fatalf("shutdown changed thread state: %+v", stored)
	}
	if _, err := store.GetClosure(th.ID); err != nil {
		t.Fatalf("shutdown removed the closure row: %v", err)
	}
}
