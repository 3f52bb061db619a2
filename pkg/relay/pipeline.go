// Package relay moves messages between a recipient and the staff container
// for a thread. Every thread gets its own Runtime; operations on one thread
// apply in receipt order while other threads proceed independently.
package relay

import (
	"context"
	"fmt"
	"time"

	"relaydesk/pkg/courier"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
	"relaydesk/pkg/utils"
)

// RelayError wraps a delivery failure so callers can report it on the staff
// side without tearing the thread down.
type RelayError struct {
	Thread string
	Op     OpKind
	Err    error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failed for thread %s: %v", e.Op, e.Thread, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// ThreadLookup resolves current thread metadata for a thread ID.
type ThreadLookup func(threadID string) (models.Thread, bool)

// ActivityFunc is invoked after a successful relay so the owner can bump
// activity clocks and reset idle-based auto-close schedules.
type ActivityFunc func(threadID string, direction models.Direction, ts int64)

// Pipeline applies relay operations. It is safe for use from multiple
// Runtimes: all state lives in the store or behind the injected callbacks.
type Pipeline struct {
	courier      courier.Courier
	lookup       ThreadLookup
	onActivity   ActivityFunc
	anonUsername string
	anonTag      string
}

// NewPipeline wires a pipeline. lookup must be set; onActivity may be nil.
func NewPipeline(c courier.Courier, lookup ThreadLookup, anonUsername, anonTag string) *Pipeline {
	if anonUsername == "" {
		anonUsername = "Anonymous"
	}
	return &Pipeline{
		courier:      c,
		lookup:       lookup,
		anonUsername: anonUsername,
		anonTag:      anonTag,
	}
}

// OnActivity registers the activity callback.
func (p *Pipeline) OnActivity(fn ActivityFunc) { p.onActivity = fn }

// dispatch routes each op kind to its handler. Unknown kinds fail loudly
// instead of being silently dropped.
var dispatch = map[OpKind]func(*Pipeline, *Op) Outcome{
	OpForward: (*Pipeline).forward,
	OpEdit:    (*Pipeline).edit,
	OpDelete:  (*Pipeline).remove,
}

// Apply executes one op. It is the handler given to each thread's Runtime.
func (p *Pipeline) Apply(op *Op) Outcome {
	fn, ok := dispatch[op.Kind]
	if !ok {
		return Outcome{Err: fmt.Errorf("unknown relay op kind %q", op.Kind)}
	}
	return fn(p, op)
}

// forward relays a new message across the bridge. The content snapshot was
// taken at enqueue; later edits to the source produce separate edit ops.
func (p *Pipeline) forward(op *Op) Outcome {
	th, ok := p.lookup(op.Thread)
	if !ok {
		return Outcome{Err: fmt.Errorf("thread %s not active", op.Thread)}
	}
	msg := op.Msg
	msg.Thread = op.Thread
	msg.Direction = op.Direction
	msg.Content = string(op.Content)
	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}
	if msg.Anonymous {
		msg.DisplayName = p.anonName()
	}

	link := models.LinkedMessage{
		Thread:    op.Thread,
		Direction: op.Direction,
		AuthorID:  msg.AuthorID,
		TS:        msg.TS,
		Anonymous: msg.Anonymous,
	}

	switch op.Direction {
	case models.Inbound:
		// recipient -> container: the stored copy is the staff-visible one
		link.RecipientMsgID = msg.ID
		link.ChannelMsgID = utils.GenID()
		stored := msg
		stored.ID = link.ChannelMsgID
		if err := store.AppendThreadMessage(op.Thread, stored); err != nil {
			return Outcome{Err: fmt.Errorf("store inbound copy: %w", err)}
		}
		if err := store.SaveLink(link); err != nil {
			return Outcome{Err: fmt.Errorf("store link: %w", err)}
		}
		msg = stored
	case models.Outbound:
		// container -> recipient: deliver first so a courier outage leaves
		// no half-written link behind
		link.ChannelMsgID = msg.ID
		link.RecipientMsgID = utils.GenID()
		d := courier.Delivery{
			Recipient:   th.RecipientID,
			MsgID:       link.RecipientMsgID,
			Content:     msg.Content,
			DisplayName: msg.DisplayName,
			Attachments: msg.Attachments,
			System:      msg.System,
			Plain:       msg.Plain,
			TS:          msg.TS,
		}
		if err := p.courier.Send(context.Background(), d); err != nil {
			return Outcome{Err: p.failed(op, err)}
		}
		if err := store.AppendThreadMessage(op.Thread, msg); err != nil {
			logger.Error("outbound_copy_write_failed", "thread", op.Thread, "msg_id", msg.ID, "err", err)
			return Outcome{Err: fmt.Errorf("store outbound copy: %w", err)}
		}
		if err := store.SaveLink(link); err != nil {
			// delivered but unlinked: later edits of this reply will no-op
			logger.Error("link_write_failed", "thread", op.Thread, "msg_id", msg.ID, "err", err)
			return Outcome{Err: fmt.Errorf("store link: %w", err)}
		}
	default:
		return Outcome{Err: fmt.Errorf("unknown direction %q", op.Direction)}
	}

	metrics.RelayedMessages.WithLabelValues(string(op.Direction)).Inc()
	logger.Debug("message_relayed", "thread", op.Thread, "direction", string(op.Direction), "msg_id", msg.ID)
	if p.onActivity != nil && !msg.System {
		p.onActivity(op.Thread, op.Direction, msg.TS)
	}
	return Outcome{Msg: msg}
}

// edit propagates a content change to the mirrored copy. Unmatched or
// tombstoned sources are ignored.
func (p *Pipeline) edit(op *Op) Outcome {
	link, ok, err := p.resolve(op)
	if err != nil {
		return Outcome{Err: err}
	}
	if !ok || link.Deleted {
		logger.Debug("edit_unmatched", "thread", op.Thread, "source", op.SourceID, "direction", string(op.Direction))
		return Outcome{}
	}

	content := string(op.Content)
	now := time.Now().UTC().UnixNano()

	if op.Direction == models.Outbound {
		// staff edited their reply; push the new content to the recipient
		// before touching stored state
		th, found := p.lookup(link.Thread)
		if !found {
			return Outcome{Err: fmt.Errorf("thread %s not active", link.Thread)}
		}
		if err := p.courier.Edit(context.Background(), th.RecipientID, link.RecipientMsgID, content); err != nil {
			return Outcome{Err: p.failed(op, err)}
		}
	}

	stored, err := store.GetLatestMessage(link.ChannelMsgID)
	if err != nil {
		if store.IsNotFound(err) {
			logger.Warn("edit_missing_copy", "thread", link.Thread, "msg_id", link.ChannelMsgID)
			return Outcome{}
		}
		return Outcome{Err: err}
	}
	stored.Content = content
	stored.EditedTS = now
	if err := store.UpdateThreadMessage(link.Thread, stored); err != nil && !store.IsNotFound(err) {
		return Outcome{Err: err}
	}

	link.EditedTS = now
	if err := store.SaveLink(link); err != nil {
		return Outcome{Err: err}
	}

	metrics.RelayEdits.WithLabelValues(string(op.Direction)).Inc()
	logger.Debug("edit_relayed", "thread", link.Thread, "source", op.SourceID, "direction", string(op.Direction))
	return Outcome{Msg: stored}
}

// remove tombstones a linked pair. Deletes are idempotent: repeat ops and
// deletes for unknown sources are no-ops.
func (p *Pipeline) remove(op *Op) Outcome {
	link, ok, err := p.resolve(op)
	if err != nil {
		return Outcome{Err: err}
	}
	if !ok {
		logger.Debug("delete_unmatched", "thread", op.Thread, "source", op.SourceID)
		return Outcome{}
	}
	if link.Deleted {
		logger.Debug("delete_repeated", "thread", link.Thread, "source", op.SourceID)
		return Outcome{}
	}

	if op.Direction == models.Outbound {
		th, found := p.lookup(link.Thread)
		if !found {
			return Outcome{Err: fmt.Errorf("thread %s not active", link.Thread)}
		}
		if err := p.courier.Delete(context.Background(), th.RecipientID, link.RecipientMsgID); err != nil {
			return Outcome{Err: p.failed(op, err)}
		}
	}

	stored, err := store.GetLatestMessage(link.ChannelMsgID)
	if err == nil {
		stored.Deleted = true
		stored.EditedTS = time.Now().UTC().UnixNano()
		if err := store.UpdateThreadMessage(link.Thread, stored); err != nil && !store.IsNotFound(err) {
			return Outcome{Err: err}
		}
	} else if !store.IsNotFound(err) {
		return Outcome{Err: err}
	}

	link.Deleted = true
	if err := store.SaveLink(link); err != nil {
		return Outcome{Err: err}
	}

	metrics.RelayDeletes.WithLabelValues(string(op.Direction)).Inc()
	logger.Debug("delete_relayed", "thread", link.Thread, "source", op.SourceID, "direction", string(op.Direction))
	return Outcome{Msg: stored}
}

// resolve looks up the link record from the source side named by the op
// direction. ok is false when no link exists.
func (p *Pipeline) resolve(op *Op) (models.LinkedMessage, bool, error) {
	var (
		link models.LinkedMessage
		err  error
	)
	if op.Direction == models.Inbound {
		link, err = store.GetLinkByRecipientMsg(op.SourceID)
	} else {
		link, err = store.GetLinkByChannelMsg(op.SourceID)
	}
	if err != nil {
		if store.IsNotFound(err) {
			return models.LinkedMessage{}, false, nil
		}
		return models.LinkedMessage{}, false, err
	}
	return link, true, nil
}

// failed records a courier failure and posts a staff-visible notice. The
// thread stays open; the caller decides whether to retry.
func (p *Pipeline) failed(op *Op, err error) error {
	metrics.CourierFailures.Inc()
	rerr := &RelayError{Thread: op.Thread, Op: op.Kind, Err: err}
	logger.Error("courier_failed", "thread", op.Thread, "op", string(op.Kind), "err", err)
	store.AsyncAppendMessage(op.Thread, models.Message{
		ID:        utils.GenID(),
		Thread:    op.Thread,
		Direction: op.Direction,
		TS:        time.Now().UTC().UnixNano(),
		Content:   fmt.Sprintf("delivery failed (%s): %v", op.Kind, err),
		System:    true,
	})
	return rerr
}

func (p *Pipeline) anonName() string {
	if p.anonTag != "" {
		return p.anonUsername + " " + p.anonTag
	}
	return p.anonUsername
}
