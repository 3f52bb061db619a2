package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/models"
)

func TestLoopbackRecordsDeliveries(t *testing.T) {
	lb := NewLoopback()
	ctx := context.Background()

	if err := lb.Send(ctx, Delivery{Recipient: "r1", MsgID: "m1", Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := lb.Send(ctx, Delivery{Recipient: "r1", MsgID: "m2", Content: "again", System: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := lb.Sent()
	if len(sent) != 2 || sent[0].MsgID != "m1" || sent[1].Content != "again" || !sent[1].System {
		t.Fatalf("sent = %+v", sent)
	}

	// Sent hands out a copy; callers cannot disturb the record.
	sent[0].Content = "tampered"
	if lb.Sent()[0].Content != "hello" {
		t.Fatal("internal delivery record mutated through copy")
	}

	if err := lb.Edit(ctx, "r1", "m1", "revised"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got, ok := lb.EditOf("m1"); !ok || got != "revised" {
		t.Fatalf("EditOf(m1) = %q, %v", got, ok)
	}
	if _, ok := lb.EditOf("m2"); ok {
		t.Fatal("EditOf reported an edit for an untouched message")
	}

	if err := lb.Delete(ctx, "r1", "m2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !lb.Deleted("m2") {
		t.Fatal("delete not recorded")
	}
	if lb.Deleted("m1") {
		t.Fatal("Deleted reported an untouched message")
	}
}

func TestLoopbackOutage(t *testing.T) {
	lb := NewLoopback()
	ctx := context.Background()
	outage := errors.New("link down")
	lb.SetErr(outage)

	if err := lb.Send(ctx, Delivery{Recipient: "r1", MsgID: "m1"}); !errors.Is(err, outage) {
		t.Fatalf("send during outage: %v", err)
	}
	if err := lb.Edit(ctx, "r1", "m1", "x"); !errors.Is(err, outage) {
		t.Fatalf("edit during outage: %v", err)
	}
	if err := lb.Delete(ctx, "r1", "m1"); !errors.Is(err, outage) {
		t.Fatalf("delete during outage: %v", err)
	}
	if len(lb.Sent()) != 0 || lb.Deleted("m1") {
		t.Fatal("failed calls must not be recorded")
	}

	lb.SetErr(nil)
	if err := lb.Send(ctx, Delivery{Recipient: "r1", MsgID: "m1"}); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	if len(lb.Sent()) != 1 {
		t.Fatalf("sent after recovery = %d", len(lb.Sent()))
	}
}

type capturedPost struct {
	auth  string
	ctype string
	body  webhookBody
}

// captureServer records every webhook post it receives.
func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedPost) {
	t.Helper()
	var mu sync.Mutex
	var posts []capturedPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("webhook used %s", r.Method)
		}
		var body webhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		mu.Lock()
		posts = append(posts, capturedPost{
			auth:  r.Header.Get("Authorization"),
			ctype: r.Header.Get("Content-Type"),
			body:  body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedPost {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedPost(nil), posts...)
	}
}

func TestWebhookActions(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)
	w := NewWebhook(srv.URL, "hook-token", 0)
	ctx := context.Background()

	d := Delivery{
		Recipient:   "r1",
		MsgID:       "m1",
		Content:     "hello there",
		DisplayName: "Agent",
		Attachments: []models.Attachment{{URL: "https://cdn.example.com/a.png", Name: "a.png", Kind: "image"}},
		TS:          42,
	}
	if err := w.Send(ctx, d); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Edit(ctx, "r1", "m1", "revised"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := w.Delete(ctx, "r1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := posts()
	if len(got) != 3 {
		t.Fatalf("posts = %d, want 3", len(got))
	}
	for i, p := range got {
		if p.auth != "Bearer hook-token" {
			t.Fatalf("post %d authorization = %q", i, p.auth)
		}
		if p.ctype != "application/json" {
			t.Fatalf("post %d content-type = %q", i, p.ctype)
		}
		if p.body.Recipient != "r1" || p.body.MsgID != "m1" {
			t.Fatalf("post %d addressing = %+v", i, p.body)
		}
	}

	send := got[0].body
	if send.Action != "send" || send.Delivery == nil {
		t.Fatalf("send body = %+v", send)
	}
	if send.Delivery.Content != "hello there" || send.Delivery.DisplayName != "Agent" || send.Delivery.TS != 42 {
		t.Fatalf("send delivery = %+v", send.Delivery)
	}
	if len(send.Delivery.Attachments) != 1 || send.Delivery.Attachments[0].URL != "https://cdn.example.com/a.png" {
		t.Fatalf("send attachments = %+v", send.Delivery.Attachments)
	}

	edit := got[1].body
	if edit.Action != "edit" || edit.Content != "revised" || edit.Delivery != nil {
		t.Fatalf("edit body = %+v", edit)
	}

	del := got[2].body
	if del.Action != "delete" || del.Content != "" || del.Delivery != nil {
		t.Fatalf("delete body = %+v", del)
	}
}

func TestWebhookOmitsEmptyBearer(t *testing.T) {
	srv, posts := captureServer(t, http.StatusNoContent)
	w := NewWebhook(srv.URL, "", 0)

	if err := w.Delete(context.Background(), "r1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := posts()
	if len(got) != 1 || got[0].auth != "" {
		t.Fatalf("posts = %+v", got)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusServiceUnavailable)
	w := NewWebhook(srv.URL, "tok", 0)

	err := w.Send(context.Background(), Delivery{Recipient: "r1", MsgID: "m1"})
	if err == nil || !strings.Contains(err.Error(), "courier webhook returned 503") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebhookUnreachableGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	w := NewWebhook(url, "", time.Second)
	if err := w.Send(context.Background(), Delivery{Recipient: "r1", MsgID: "m1"}); err == nil {
		t.Fatal("expected transport error against closed gateway")
	}
}

func TestNewWebhookDefaultTimeout(t *testing.T) {
	if w := NewWebhook("http://example.invalid", "", 0); w.client.Timeout != 10*time.Second {
		t.Fatalf("default timeout = %v", w.client.Timeout)
	}
	if w := NewWebhook("http://example.invalid", "", 3*time.Second); w.client.Timeout != 3*time.Second {
		t.Fatalf("timeout = %v", w.client.Timeout)
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.CourierConfig{
		Mode:    "webhook",
		URL:     "http://example.invalid/hook",
		Bearer:  "tok",
		Timeout: config.Duration(3 * time.Second),
	})
	w, ok := c.(*Webhook)
	if !ok {
		t.Fatalf("webhook mode built %T", c)
	}
	if w.url != "http://example.invalid/hook" || w.bearer != "tok" || w.client.Timeout != 3*time.Second {
		t.Fatalf("webhook = %+v timeout = %v", w, w.client.Timeout)
	}

	if c := FromConfig(config.CourierConfig{Mode: "webhook"}); c != nil {
		if _, ok := c.(*Loopback); !ok {
			t.Fatalf("webhook mode without url built %T", c)
		}
	}
	if c := FromConfig(config.CourierConfig{URL: "http://example.invalid"}); c != nil {
		if _, ok := c.(*Loopback); !ok {
			t.Fatalf("url without webhook mode built %T", c)
		}
	}
	if _, ok := FromConfig(config.CourierConfig{}).(*Loopback); !ok {
		t.Fatal("empty config must default to loopback")
	}
}
