package relay

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"relaydesk/pkg/courier"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
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

func staticLookup(th models.Thread) ThreadLookup {
	return func(id string) (models.Thread, bool) {
		if id == th.ID {
			return th, true
		}
		return models.Thread{}, false
	}
}

func testThread() models.Thread {
	return models.Thread{ID: "t1", RecipientID: "r1", State: models.ThreadOpen, ChannelRef: "chan-1"}
}

func TestForwardInboundStoresStaffCopy(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	out := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Inbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "src-1", AuthorID: "r1", DisplayName: "Recipient"},
		Content:   []byte("hello"),
	})
	if out.Err != nil {
		t.Fatalf("forward: %v", out.Err)
	}
	if out.Msg.ID == "" || out.Msg.ID == "src-1" {
		t.Fatalf("staff copy must get its own ID, got %q", out.Msg.ID)
	}
	if out.Msg.Content != "hello" {
		t.Fatalf("content lost: %+v", out.Msg)
	}

	link, err := store.GetLinkByRecipientMsg("src-1")
	if err != nil {
		t.Fatalf("link by recipient msg: %v", err)
	}
	if link.ChannelMsgID != out.Msg.ID {
		t.Fatalf("link does not point at staff copy: %+v", link)
	}
	back, err := store.GetLinkByChannelMsg(out.Msg.ID)
	if err != nil {
		t.Fatalf("link by channel msg: %v", err)
	}
	if back.RecipientMsgID != "src-1" {
		t.Fatalf("reverse link wrong: %+v", back)
	}

	msgs, err := store.ListThreadMessages("t1")
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != out.Msg.ID || msgs[0].Direction != models.Inbound {
		t.Fatalf("stored log wrong: %+v", msgs)
	}
	// inbound never touches the courier
	if got := lb.Sent(); len(got) != 0 {
		t.Fatalf("inbound forward reached the courier: %+v", got)
	}
}

func TestForwardOutboundDeliversThenStores(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	out := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "reply-1", AuthorID: "staff-1", DisplayName: "Agent"},
		Content:   []byte("hi there"),
	})
	if out.Err != nil {
		t.Fatalf("forward: %v", out.Err)
	}

	sent := lb.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sent))
	}
	if sent[0].Recipient != "r1" || sent[0].Content != "hi there" || sent[0].DisplayName != "Agent" {
		t.Fatalf("delivery wrong: %+v", sent[0])
	}

	link, err := store.GetLinkByChannelMsg("reply-1")
	if err != nil {
		t.Fatalf("link by channel msg: %v", err)
	}
	if link.RecipientMsgID != sent[0].MsgID {
		t.Fatalf("delivered ID %s not linked: %+v", sent[0].MsgID, link)
	}

	msgs, err := store.ListThreadMessages("t1")
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "reply-1" || msgs[0].Direction != models.Outbound {
		t.Fatalf("stored log wrong: %+v", msgs)
	}
}

// A courier outage fails the op, posts a staff-visible notice and leaves no
// link behind; retrying the same reply succeeds once delivery recovers.
func TestForwardOutboundCourierFailure(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	lb.SetErr(errors.New("socket closed"))
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	op := Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "reply-1", AuthorID: "staff-1"},
		Content:   []byte("hi"),
	}
	out := p.Apply(&op)
	var rerr *RelayError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("expected RelayError, got %v", out.Err)
	}
	if rerr.Thread != "t1" || rerr.Op != OpForward {
		t.Fatalf("RelayError fields wrong: %+v", rerr)
	}
	if _, err := store.GetLinkByChannelMsg("reply-1"); !store.IsNotFound(err) {
		t.Fatalf("failed delivery left a link: %v", err)
	}

	msgs, err := store.ListThreadMessages("t1")
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].System || !strings.Contains(msgs[0].Content, "delivery failed") {
		t.Fatalf("expected failure notice, got %+v", msgs)
	}

	lb.SetErr(nil)
	if out := p.Apply(&op); out.Err != nil {
		t.Fatalf("retry after recovery: %v", out.Err)
	}
	if _, err := store.GetLinkByChannelMsg("reply-1"); err != nil {
		t.Fatalf("retry did not link: %v", err)
	}
}

func TestForwardAnonymousUsesConfiguredName(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "Helper", "#42")

	out := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "reply-1", AuthorID: "staff-1", DisplayName: "Agent Smith", Anonymous: true},
		Content:   []byte("hi"),
	})
	if out.Err != nil {
		t.Fatalf("forward: %v", out.Err)
	}
	sent := lb.Sent()
	if len(sent) != 1 || sent[0].DisplayName != "Helper #42" {
		t.Fatalf("anonymous identity leaked: %+v", sent)
	}
	if out.Msg.AuthorID != "staff-1" {
		t.Fatalf("author attribution lost from stored copy: %+v", out.Msg)
	}
}

func TestEditInbound(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	fwd := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Inbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "src-1", AuthorID: "r1"},
		Content:   []byte("first draft"),
	})
	if fwd.Err != nil {
		t.Fatalf("forward: %v", fwd.Err)
	}

	out := p.Apply(&Op{
		Kind:      OpEdit,
		Direction: models.Inbound,
		Thread:    "t1",
		SourceID:  "src-1",
		Content:   []byte("final draft"),
	})
	if out.Err != nil {
		t.Fatalf("edit: %v", out.Err)
	}
	if out.Msg.Content != "final draft" || out.Msg.EditedTS == 0 {
		t.Fatalf("edit result wrong: %+v", out.Msg)
	}

	msgs, err := store.ListThreadMessages("t1")
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "final draft" {
		t.Fatalf("edit did not land in place: %+v", msgs)
	}
	vers, err := store.ListMessageVersions(fwd.Msg.ID)
	if err != nil {
		t.Fatalf("ListMessageVersions: %v", err)
	}
	if len(vers) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(vers))
	}
	// recipient edited their own message; nothing flows back out
	if _, ok := lb.EditOf(fwd.Msg.ID); ok {
		t.Fatalf("inbound edit reached the courier")
	}
}

func TestEditOutboundPushesToRecipient(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	fwd := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "reply-1", AuthorID: "staff-1"},
		Content:   []byte("first"),
	})
	if fwd.Err != nil {
		t.Fatalf("forward: %v", fwd.Err)
	}
	link, err := store.GetLinkByChannelMsg("reply-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	out := p.Apply(&Op{
		Kind:      OpEdit,
		Direction: models.Outbound,
		Thread:    "t1",
		SourceID:  "reply-1",
		Content:   []byte("second"),
	})
	if out.Err != nil {
		t.Fatalf("edit: %v", out.Err)
	}
	if got, ok := lb.EditOf(link.RecipientMsgID); !ok || got != "second" {
		t.Fatalf("recipient copy not edited: %q ok=%v", got, ok)
	}
	latest, err := store.GetLatestMessage("reply-1")
	if err != nil {
		t.Fatalf("GetLatestMessage: %v", err)
	}
	if latest.Content != "second" {
		t.Fatalf("stored copy stale: %+v", latest)
	}
}

func TestEditUnmatchedIsNoOp(t *testing.T) {
	openStore(t)
	p := NewPipeline(courier.NewLoopback(), staticLookup(testThread()), "", "")
	out := p.Apply(&Op{
		Kind:      OpEdit,
		Direction: models.Inbound,
		Thread:    "t1",
		SourceID:  "never-relayed",
		Content:   []byte("x"),
	})
	if out.Err != nil || out.Msg.ID != "" {
		t.Fatalf("unmatched edit should be a silent no-op, got %+v", out)
	}
}

func TestDeleteTombstonesOnce(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	fwd := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Inbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "src-1", AuthorID: "r1"},
		Content:   []byte("oops"),
	})
	if fwd.Err != nil {
		t.Fatalf("forward: %v", fwd.Err)
	}

	del := Op{Kind: OpDelete, Direction: models.Inbound, Thread: "t1", SourceID: "src-1"}
	if out := p.Apply(&del); out.Err != nil {
		t.Fatalf("delete: %v", out.Err)
	}
	link, err := store.GetLinkByRecipientMsg("src-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !link.Deleted {
		t.Fatalf("link not tombstoned: %+v", link)
	}
	msgs, err := store.ListThreadMessages("t1")
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Deleted {
		t.Fatalf("stored copy not tombstoned: %+v", msgs)
	}

	// repeat delete and post-delete edit are both no-ops
	if out := p.Apply(&del); out.Err != nil || out.Msg.ID != "" {
		t.Fatalf("repeat delete should be a no-op, got %+v", out)
	}
	out := p.Apply(&Op{Kind: OpEdit, Direction: models.Inbound, Thread: "t1", SourceID: "src-1", Content: []byte("resurrect")})
	if out.Err != nil || out.Msg.ID != "" {
		t.Fatalf("edit of tombstoned message should be a no-op, got %+v", out)
	}
}

func TestDeleteOutboundRemovesRecipientCopy(t *testing.T) {
	openStore(t)
	lb := courier.NewLoopback()
	p := NewPipeline(lb, staticLookup(testThread()), "", "")

	fwd := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "reply-1", AuthorID: "staff-1"},
		Content:   []byte("wrong thread, sorry"),
	})
	if fwd.Err != nil {
		t.Fatalf("forward: %v", fwd.Err)
	}
	link, err := store.GetLinkByChannelMsg("reply-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	out := p.Apply(&Op{Kind: OpDelete, Direction: models.Outbound, Thread: "t1", SourceID: "reply-1"})
	if out.Err != nil {
		t.Fatalf("delete: %v", out.Err)
	}
	if !lb.Deleted(link.RecipientMsgID) {
		t.Fatalf("recipient copy not deleted")
	}
}

func TestActivityCallbackSkipsSystemMessages(t *testing.T) {
	openStore(t)
	p := NewPipeline(courier.NewLoopback(), staticLookup(testThread()), "", "")
	var fired int
	p.OnActivity(func(threadID string, direction models.Direction, ts int64) {
		if threadID != "t1" {
			t.Errorf("activity for wrong thread %s", threadID)
		}
		fired++
	})

	out := p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Inbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "src-1", AuthorID: "r1"},
		Content:   []byte("hello"),
	})
	if out.Err != nil {
		t.Fatalf("forward: %v", out.Err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 activity callback, got %d", fired)
	}

	out = p.Apply(&Op{
		Kind:      OpForward,
		Direction: models.Outbound,
		Thread:    "t1",
		Msg:       models.Message{ID: "sys-1", System: true},
		Content:   []byte("thread closing soon"),
	})
	if out.Err != nil {
		t.Fatalf("system forward: %v", out.Err)
	}
	if fired != 1 {
		t.Fatalf("system message bumped activity: %d", fired)
	}
}
