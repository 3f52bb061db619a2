package models

type BlockEntry struct {
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason,omitempty"`
	// ExpiresTS (ns); zero means permanent
	ExpiresTS int64 `json:"expires_ts,omitempty"`
	// System blocks are placed by age checks and lift automatically once the
	// threshold passes; operator blocks stay until removed
	System    bool   `json:"system,omitempty"`
	BlockedBy string `json:"blocked_by,omitempty"`
	CreatedTS int64  `json:"created_ts,omitempty"`
}

// ExpiredAt reports whether the block has lapsed at the given time (ns).
func (b BlockEntry) ExpiredAt(now int64) bool {
	return b.ExpiresTS != 0 && b.ExpiresTS <= now
}

// LastClosed is the per-recipient cooldown index entry, written on every
// thread close and consulted by the gate before creating a new thread.
type LastClosed struct {
	Thread   string `json:"thread"`
	ClosedTS int64  `json:"closed_ts"`
	// AutoClose records whether the closing action was an idle timeout;
	// cooldown policy may exempt those
	AutoClose bool `json:"auto_close,omitempty"`
}
