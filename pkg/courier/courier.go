// Package courier delivers relayed messages toward the recipient's private
// channel. The engine depends only on the Courier interface; the webhook
// adapter posts relaydesk's own JSON to a configured gateway, and the
// loopback adapter keeps deliveries in memory for development and tests.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/models"
)

// Delivery is one outbound message for a recipient.
type Delivery struct {
	Recipient   string              `json:"recipient"`
	MsgID       string              `json:"msg_id"`
	Content     string              `json:"content,omitempty"`
	DisplayName string              `json:"display_name,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	System      bool                `json:"system,omitempty"`
	Plain       bool                `json:"plain,omitempty"`
	TS          int64               `json:"ts,omitempty"`
}

// Courier pushes sends, edits and deletes to the recipient side.
type Courier interface {
	Send(ctx context.Context, d Delivery) error
	Edit(ctx context.Context, recipient, msgID, content string) error
	Delete(ctx context.Context, recipient, msgID string) error
}

// Loopback records deliveries in memory. SetErr simulates an outage.
type Loopback struct {
	mu      sync.Mutex
	sent    []Delivery
	edits   map[string]string
	deleted map[string]bool
	err     error
}

func NewLoopback() *Loopback {
	return &Loopback{edits: make(map[string]string), deleted: make(map[string]bool)}
}

// SetErr makes all subsequent calls fail with err; nil restores normal
// operation.
func (l *Loopback) SetErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Loopback) Send(_ context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, d)
	return nil
}

func (l *Loopback) Edit(_ context.Context, _, msgID, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.edits[msgID] = content
	return nil
}

func (l *Loopback) Delete(_ context.Context, _, msgID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.deleted[msgID] = true
	return nil
}

// Sent returns a copy of recorded deliveries.
func (l *Loopback) Sent() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Delivery(nil), l.sent...)
}

// EditOf returns the last edit applied to a delivered message.
func (l *Loopback) EditOf(msgID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.edits[msgID]
	return v, ok
}

// Deleted reports whether a delivered message was deleted.
func (l *Loopback) Deleted(msgID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deleted[msgID]
}

// Webhook posts deliveries to a gateway endpoint.
type Webhook struct {
	url    string
	bearer string
	client *http.Client
}

func NewWebhook(url, bearer string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, bearer: bearer, client: &http.Client{Timeout: timeout}}
}

type webhookBody struct {
	Action    string    `json:"action"`
	Recipient string    `json:"recipient"`
	MsgID     string    `json:"msg_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Delivery  *Delivery `json:"delivery,omitempty"`
}

func (w *Webhook) post(ctx context.Context, body webhookBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+w.bearer)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("courier webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) Send(ctx context.Context, d Delivery) error {
	return w.post(ctx, webhookBody{Action: "send", Recipient: d.Recipient, MsgID: d.MsgID, Delivery: &d})
}

func (w *Webhook) Edit(ctx context.Context, recipient, msgID, content string) error {
	return w.post(ctx, webhookBody{Action: "edit", Recipient: recipient, MsgID: msgID, Content: content})
}

func (w *Webhook) Delete(ctx context.Context, recipient, msgID string) error {
	return w.post(ctx, webhookBody{Action: "delete", Recipient: recipient, MsgID: msgID})
}

// FromConfig builds the configured courier, defaulting to loopback.
func FromConfig(cfg config.CourierConfig) Courier {
	if cfg.Mode == "webhook" && cfg.URL != "" {
		return NewWebhook(cfg.URL, cfg.Bearer, cfg.Timeout.Duration())
	}
	return NewLoopback()
}
