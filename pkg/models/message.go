package models

// Direction of a relayed message relative to the engine.
type Direction string

const (
	// Inbound flows recipient -> staff container.
	Inbound Direction = "inbound"
	// Outbound flows staff container -> recipient.
	Outbound Direction = "outbound"
)

// Mirror returns the opposite side of a direction.
func (d Direction) Mirror() Direction {
	if d == Inbound {
		return Outbound
	}
	return Inbound
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	// Kind distinguishes images from generic files for display purposes
	Kind string `json:"kind,omitempty"`
}

type Message struct {
	ID       string `json:"id"`
	Thread   string `json:"thread"`
	AuthorID string `json:"author_id,omitempty"`
	// DisplayName is the identity shown on the far side; anonymized replies
	// set this without altering AuthorID
	DisplayName string       `json:"display_name,omitempty"`
	Direction   Direction    `json:"direction"`
	TS          int64        `json:"ts"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// System marks engine-generated notices (genesis, close warnings)
	System bool `json:"system,omitempty"`
	// Plain suppresses decorated rendering on the recipient side
	Plain     bool `json:"plain,omitempty"`
	Anonymous bool `json:"anonymous,omitempty"`
	// Deleted flag; deletes are recorded as tombstones, never removed rows
	Deleted  bool  `json:"deleted,omitempty"`
	EditedTS int64 `json:"edited_ts,omitempty"`
}
