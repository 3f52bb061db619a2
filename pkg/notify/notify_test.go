package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaydesk/pkg/config"
)

type captureSink struct {
	alerts []Alert
}

func (s *captureSink) Notify(_ context.Context, a Alert) error {
	s.alerts = append(s.alerts, a)
	return nil
}

func TestWebhookSinkDelivers(t *testing.T) {
	var got Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode alert: %v", err)
		}
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, "ops-token", 0)
	err := s.Notify(context.Background(), Alert{
		Event:     "provision_failed",
		Thread:    "t1",
		Recipient: "r1",
		Pool:      "main",
		Reason:    "capacity exceeded",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if auth != "Bearer ops-token" {
		t.Fatalf("authorization = %q", auth)
	}
	if got.Event != "provision_failed" || got.Recipient != "r1" || got.Pool != "main" {
		t.Fatalf("alert = %+v", got)
	}
	if got.TS == 0 {
		t.Fatal("delivery must stamp a timestamp")
	}
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, "", time.Second)
	err := s.Notify(context.Background(), Alert{Event: "provision_failed"})
	if err == nil || !strings.Contains(err.Error(), "notify webhook returned 502") {
		t.Fatalf("err = %v", err)
	}
}

func TestLogSinkNeverFails(t *testing.T) {
	if err := (LogSink{}).Notify(context.Background(), Alert{Event: "provision_failed"}); err != nil {
		t.Fatalf("log sink: %v", err)
	}
}

func TestMentionStamping(t *testing.T) {
	rec := &captureSink{}
	s := mentionSink{next: rec, mention: "@ops"}

	if err := s.Notify(context.Background(), Alert{Event: "provision_failed"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := s.Notify(context.Background(), Alert{Event: "provision_failed", Mention: "@primary"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(rec.alerts) != 2 {
		t.Fatalf("alerts = %d", len(rec.alerts))
	}
	if rec.alerts[0].Mention != "@ops" {
		t.Fatalf("default mention not stamped: %+v", rec.alerts[0])
	}
	if rec.alerts[1].Mention != "@primary" {
		t.Fatalf("explicit mention overwritten: %+v", rec.alerts[1])
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(config.NotifyConfig{}).(LogSink); !ok {
		t.Fatal("empty config must default to log sink")
	}
	if _, ok := FromConfig(config.NotifyConfig{URL: "http://example.invalid"}).(*WebhookSink); !ok {
		t.Fatal("url must select the webhook sink")
	}

	s, ok := FromConfig(config.NotifyConfig{URL: "http://example.invalid", Mention: "@ops"}).(mentionSink)
	if !ok {
		t.Fatalf("mention must wrap the sink, got %T", s)
	}
	if _, ok := s.next.(*WebhookSink); !ok || s.mention != "@ops" {
		t.Fatalf("mention sink = %+v", s)
	}
	if s, ok := FromConfig(config.NotifyConfig{Mention: "@ops"}).(mentionSink); !ok {
		t.Fatalf("mention without url = %T", s)
	} else if _, ok := s.next.(LogSink); !ok {
		t.Fatalf("mention without url must wrap the log sink, got %T", s.next)
	}
}
