package models

// LinkedMessage pairs a recipient-side message with its relayed staff-side
// copy so edits and deletes can be propagated in either direction.
type LinkedMessage struct {
	Thread         string    `json:"thread"`
	RecipientMsgID string    `json:"recipient_msg_id"`
	ChannelMsgID   string    `json:"channel_msg_id"`
	Direction      Direction `json:"direction"`
	AuthorID       string    `json:"author_id,omitempty"`
	TS             int64     `json:"ts"`
	Anonymous      bool      `json:"anonymous,omitempty"`
	// Deleted marks the pair tombstoned; repeat deletes are no-ops
	Deleted  bool  `json:"deleted,omitempty"`
	EditedTS int64 `json:"edited_ts,omitempty"`
}

// SideID returns the message id on the given side of the pair.
func (l LinkedMessage) SideID(side Direction) string {
	if side == Inbound {
		return l.RecipientMsgID
	}
	return l.ChannelMsgID
}
