// Package notify delivers operator alerts. The engine emits exactly one
// alert per provisioning failure; delivery is best effort and never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
)

// Alert is a single operator notification.
type Alert struct {
	Event     string `json:"event"`
	Thread    string `json:"thread,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Pool      string `json:"pool,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Mention   string `json:"mention,omitempty"`
	TS        int64  `json:"ts"`
}

// Sink receives alerts.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the process log. Used when no webhook is
// configured so alerts are never silently dropped.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, a Alert) error {
	logger.Warn("operator_alert",
		"event", a.Event,
		"thread", a.Thread,
		"recipient", a.Recipient,
		"pool", a.Pool,
		"reason", a.Reason,
		"mention", a.Mention,
	)
	return nil
}

// mentionSink stamps the configured routing mention onto alerts that do
// not carry one already.
type mentionSink struct {
	next    Sink
	mention string
}

func (s mentionSink) Notify(ctx context.Context, a Alert) error {
	if a.Mention == "" {
		a.Mention = s.mention
	}
	return s.next.Notify(ctx, a)
}

// WebhookSink POSTs alerts as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	bearer string
	client *http.Client
}

func NewWebhookSink(url, bearer string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: url, bearer: bearer, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Notify(ctx context.Context, a Alert) error {
	if a.TS == 0 {
		a.TS = time.Now().UTC().UnixNano()
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify webhook returned %d", resp.StatusCode)
	}
	return nil
}

// FromConfig builds the configured sink, defaulting to log-only.
func FromConfig(cfg config.NotifyConfig) Sink {
	var s Sink = LogSink{}
	if cfg.URL != "" {
		s = NewWebhookSink(cfg.URL, cfg.Bearer, cfg.Timeout.Duration())
	}
	if cfg.Mention != "" {
		return mentionSink{next: s, mention: cfg.Mention}
	}
	return s
}
