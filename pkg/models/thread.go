package models

// ThreadState is the lifecycle state of a relay thread.
type ThreadState string

const (
	ThreadProvisioning     ThreadState = "provisioning"
	ThreadOpen             ThreadState = "open"
	ThreadClosingScheduled ThreadState = "closing_scheduled"
	ThreadClosed           ThreadState = "closed"
)

// Active reports whether the state counts against the one-thread-per-recipient
// rule. Closed threads are retained for audit but never block a new thread.
func (s ThreadState) Active() bool {
	switch s {
	case ThreadProvisioning, ThreadOpen, ThreadClosingScheduled:
		return true
	}
	return false
}

type Thread struct {
	ID          string      `json:"id"`
	RecipientID string      `json:"recipient_id"`
	State       ThreadState `json:"state"`
	// ChannelRef is the provisioned container reference; empty while provisioning
	ChannelRef string `json:"channel_ref,omitempty"`
	Title      string `json:"title,omitempty"`
	NSFW       bool   `json:"nsfw,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastActivityTS - last time a message was relayed either direction (ns)
	LastActivityTS int64 `json:"last_activity_ts,omitempty"`
	// Close bookkeeping; ClosedTS is set only once state reaches closed (ns)
	ClosedTS         int64  `json:"closed_ts,omitempty"`
	ScheduledCloseTS int64  `json:"scheduled_close_ts,omitempty"`
	CloserID         string `json:"closer_id,omitempty"`
	CloseReason      string `json:"close_reason,omitempty"`
	Silent           bool   `json:"silent,omitempty"`
	// CloseToken increments on every schedule or cancel; a fired timer holding
	// an older token is stale and must be discarded
	CloseToken uint64 `json:"close_token,omitempty"`
	// GenesisMsgID is the first system message posted into the container
	GenesisMsgID string `json:"genesis_msg_id,omitempty"`
}
