package models

// Container is the catalog record for a provisioned staff-side channel.
type Container struct {
	Ref  string `json:"ref"`
	Pool string `json:"pool"`
	Name string `json:"name"`
	// Topic carries "thread:<id> recipient:<id>" markers used to recover
	// thread metadata when the store record is missing
	Topic     string `json:"topic,omitempty"`
	CreatedTS int64  `json:"created_ts,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	DeletedTS int64  `json:"deleted_ts,omitempty"`
}

// Identity is the directory record the gate consults for age checks.
type Identity struct {
	RecipientID string `json:"recipient_id"`
	// RegisteredTS is account creation time (ns)
	RegisteredTS int64 `json:"registered_ts,omitempty"`
	// JoinedTS maps pool -> membership start (ns)
	JoinedTS map[string]int64 `json:"joined_ts,omitempty"`
}
