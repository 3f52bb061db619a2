package models

// ScheduledClosure is the durable record of a pending thread close. One row
// exists per thread iff the thread is in closing_scheduled; it is removed
// atomically with execution or cancellation.
type ScheduledClosure struct {
	Thread string `json:"thread"`
	// FireAtTS is an absolute wall-clock deadline (ns); restarts re-arm
	// against this value, they never re-base the delay
	FireAtTS int64  `json:"fire_at_ts"`
	CloserID string `json:"closer_id,omitempty"`
	Silent   bool   `json:"silent,omitempty"`
	Message  string `json:"message,omitempty"`
	// Token must match the thread's CloseToken for the closure to execute
	Token uint64 `json:"token"`
	// AutoClose marks idle-timeout closures; relay activity reschedules these
	// but leaves explicitly requested closes untouched
	AutoClose bool `json:"auto_close,omitempty"`
}
