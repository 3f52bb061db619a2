package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/pebble"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
)

// writeOp is a single pending upsert or delete. When load is set the value
// is resolved at apply time instead, so a queued op never clobbers a newer
// synchronous write to the same key; load returning false skips the op.
type writeOp struct {
	key  []byte
	val  []byte
	del  bool
	load func() ([]byte, bool)
}

// WriteQueue is a bounded write-behind queue for hot-path persistence. Live
// routing never waits on durability: callers enqueue and move on, a single
// worker applies writes with retry. A full queue or a persistent failure
// degrades the store (observable via Degraded and the readyz probe) but
// never surfaces an error to relay operations.
type WriteQueue struct {
	ch       chan writeOp
	capacity int
	dropped  uint64

	stop chan struct{}
	done chan struct{}

	degraded atomic.Bool
	// consecutive apply failures; reaching degradeAfter flips the flag
	failStreak   int
	degradeAfter int
}

const writeRetryMaxElapsed = 5 * time.Second

func newWriteBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxElapsedTime = writeRetryMaxElapsed
	return bo
}

// NewWriteQueue creates a bounded write queue. Capacity must be > 0.
func NewWriteQueue(capacity int) *WriteQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &WriteQueue{
		ch:           make(chan writeOp, capacity),
		capacity:     capacity,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		degradeAfter: 3,
	}
}

var (
	wqMu sync.RWMutex
	wq   *WriteQueue
)

// StartWriteQueue creates the package write queue and starts its worker.
// Async helpers fall back to synchronous writes until this is called.
func StartWriteQueue(capacity int) *WriteQueue {
	q := NewWriteQueue(capacity)
	go q.run()
	wqMu.Lock()
	wq = q
	wqMu.Unlock()
	return q
}

// StopWriteQueue drains and stops the package write queue.
func StopWriteQueue() {
	wqMu.Lock()
	q := wq
	wq = nil
	wqMu.Unlock()
	if q != nil {
		q.Close()
	}
}

func activeQueue() *WriteQueue {
	wqMu.RLock()
	defer wqMu.RUnlock()
	return wq
}

// Degraded reports whether the write path is currently failing.
func Degraded() bool {
	q := activeQueue()
	return q != nil && q.degraded.Load()
}

func (q *WriteQueue) run() {
	defer close(q.done)
	for {
		select {
		case op := <-q.ch:
			q.apply(op)
			metrics.WriteQueueDepth.Set(float64(len(q.ch)))
		case <-q.stop:
			// drain remaining ops before exiting
			for {
				select {
				case op := <-q.ch:
					q.apply(op)
				default:
					metrics.WriteQueueDepth.Set(0)
					return
				}
			}
		}
	}
}

// apply performs one write with retry. Exhausting the retry budget drops
// the op and bumps the failure streak toward degraded mode.
func (q *WriteQueue) apply(op writeOp) {
	if op.load != nil {
		v, ok := op.load()
		if !ok {
			return
		}
		op.val = v
	}
	attempt := 0
	err := backoff.Retry(func() error {
		if db == nil {
			return fmt.Errorf("pebble not opened")
		}
		attempt++
		if attempt > 1 {
			metrics.WriteRetries.Inc()
		}
		if op.del {
			return db.Delete(op.key, pebble.Sync)
		}
		return db.Set(op.key, op.val, pebble.Sync)
	}, newWriteBackoff())
	if err != nil {
		atomic.AddUint64(&q.dropped, 1)
		metrics.WriteDrops.Inc()
		q.failStreak++
		if q.failStreak >= q.degradeAfter && !q.degraded.Load() {
			q.degraded.Store(true)
			metrics.StoreDegraded.Set(1)
			logger.Warn("store_degraded", "key", string(op.key), "err", err, "fail_streak", q.failStreak)
		} else {
			logger.Error("write_behind_failed", "key", string(op.key), "err", err)
		}
		return
	}
	if q.failStreak > 0 || q.degraded.Load() {
		q.failStreak = 0
		q.degraded.Store(false)
		metrics.StoreDegraded.Set(0)
		logger.Info("store_recovered")
	}
}

// put enqueues without blocking. A full queue drops the op; the record will
// be stale until the next write for the same key.
func (q *WriteQueue) put(op writeOp) {
	select {
	case q.ch <- op:
		metrics.WriteQueueDepth.Set(float64(len(q.ch)))
	default:
		atomic.AddUint64(&q.dropped, 1)
		metrics.WriteDrops.Inc()
		logger.Warn("write_queue_full", "key", string(op.key), "capacity", q.capacity)
	}
}

// Close stops the worker after draining pending writes.
func (q *WriteQueue) Close() {
	close(q.stop)
	<-q.done
}

// Len returns the number of pending writes.
func (q *WriteQueue) Len() int { return len(q.ch) }

// Dropped returns the number of writes abandoned due to a full queue or
// exhausted retries.
func (q *WriteQueue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// AsyncTouchThread persists thread metadata off the hot path. The snapshot
// is taken when the worker applies the op, so activity bumps queued before a
// state transition cannot resurrect the old state on disk. load returning
// false (thread gone from the live set) skips the write; the final
// synchronous save already holds the terminal record.
func AsyncTouchThread(threadID string, load func(string) (models.Thread, bool)) {
	q := activeQueue()
	if q == nil {
		if th, ok := load(threadID); ok {
			if err := SaveThread(th); err != nil {
				logger.Error("touch_thread_failed", "thread", threadID, "err", err)
			}
		}
		return
	}
	q.put(writeOp{key: threadMetaKey(threadID), load: func() ([]byte, bool) {
		th, ok := load(threadID)
		if !ok {
			return nil, false
		}
		data, err := json.Marshal(th)
		if err != nil {
			logger.Error("touch_thread_marshal_failed", "thread", threadID, "err", err)
			return nil, false
		}
		return data, true
	}})
}

// AsyncAppendMessage appends a thread message off the hot path. The sortable
// key is assigned at enqueue time so receipt order is fixed even if the
// worker lags.
func AsyncAppendMessage(threadID string, msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("async_append_message_marshal_failed", "thread", threadID, "err", err)
		return
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("thread:%s:msg:%020d-%06d", threadID, ts, s)
	q := activeQueue()
	if q == nil {
		if err := AppendThreadMessage(threadID, msg); err != nil {
			logger.Error("async_append_message_failed", "thread", threadID, "err", err)
		}
		return
	}
	q.put(writeOp{key: []byte(key), val: data})
	if msg.ID != "" {
		idxKey := fmt.Sprintf("version:msg:%s:%020d-%06d", msg.ID, ts, s)
		q.put(writeOp{key: []byte(idxKey), val: data})
	}
}

// AsyncSaveIdentity records gateway identity updates off the hot path.
// Membership joins arrive in bursts and only feed advisory age checks.
func AsyncSaveIdentity(id models.Identity) {
	data, err := json.Marshal(id)
	if err != nil {
		logger.Error("async_save_identity_marshal_failed", "recipient", id.RecipientID, "err", err)
		return
	}
	if q := activeQueue(); q != nil {
		q.put(writeOp{key: identityKey(id.RecipientID), val: data})
		return
	}
	if err := SaveIdentity(id); err != nil {
		logger.Error("async_save_identity_failed", "recipient", id.RecipientID, "err", err)
	}
}
