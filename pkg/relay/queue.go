package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
)

// OpKind represents a relay operation kind.
type OpKind string

const (
	OpForward OpKind = "forward"
	OpEdit    OpKind = "edit"
	OpDelete  OpKind = "delete"
)

// Op is a lightweight in-memory representation of one relay operation.
// Content may be backed by a pooled ByteBuffer; the runtime calls
// Item.Done() after the handler returns.
type Op struct {
	Kind      OpKind
	Direction models.Direction
	Thread    string
	// SourceID is the originating-side message ID for edit/delete.
	SourceID string
	// Msg carries the forward payload metadata; Content holds the body.
	Msg     models.Message
	Content []byte
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted. Receipt order within a thread follows this sequence.
	EnqSeq uint64
}

// Outcome is the result of one executed relay operation.
type Outcome struct {
	Msg models.Message
	Err error
}

var (
	// ErrQueueFull is returned when a thread's relay queue is at capacity.
	ErrQueueFull = errors.New("relay queue full")
	// ErrRuntimeClosed is returned when the thread's runtime has stopped.
	ErrRuntimeClosed = errors.New("relay runtime closed")
)

// Item wraps an Op and owns a pooled ByteBuffer if one was used.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	res  chan Outcome
	once sync.Once
}

// Done releases internal pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		if it.Op != nil {
			it.Op.Content = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
	})
}

var opPool = sync.Pool{New: func() any { return &Op{} }}

// maxPooledBuffer controls the largest buffer size returned to the pool.
// Larger buffers are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024 // 256 KiB

var enqSeq uint64

// Runtime is the ordered task queue for one thread. A single consumer
// goroutine applies operations in receipt order; a fault in one thread's
// runtime never stalls another thread.
type Runtime struct {
	thread   string
	ch       chan *Item
	capacity int
	handler  func(*Op) Outcome

	stop    chan struct{}
	done    chan struct{}
	dropped uint64
}

// NewRuntime creates and starts a runtime for a thread. handler executes
// each dequeued op.
func NewRuntime(thread string, capacity int, handler func(*Op) Outcome) *Runtime {
	if capacity <= 0 {
		capacity = 256
	}
	r := &Runtime{
		thread:   thread,
		ch:       make(chan *Item, capacity),
		capacity: capacity,
		handler:  handler,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Runtime) run() {
	defer close(r.done)
	for {
		select {
		case it := <-r.ch:
			r.exec(it)
		case <-r.stop:
			// drain remaining items so no caller hangs on a result
			for {
				select {
				case it := <-r.ch:
					r.exec(it)
				default:
					return
				}
			}
		}
	}
}

// exec applies one op, recovering panics so a poisoned message cannot kill
// the thread's consumer.
func (r *Runtime) exec(it *Item) {
	defer it.Done()
	var out Outcome
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("relay_task_panic", "thread", r.thread, "panic", rec)
				out = Outcome{Err: errors.New("relay task panicked")}
			}
		}()
		out = r.handler(it.Op)
	}()
	if it.res != nil {
		it.res <- out
	}
}

func (r *Runtime) newItem(op *Op, wantResult bool) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Content) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Content...)
		newOp.Content = bb.B[:len(op.Content)]
	}
	it := &Item{Op: newOp, buf: bb}
	if wantResult {
		it.res = make(chan Outcome, 1)
	}
	return it
}

// stopped reports whether Close has been requested. Checked before any
// enqueue so a closed runtime rejects deterministically instead of racing
// the stop signal against free channel capacity.
func (r *Runtime) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// TryEnqueue accepts an op without blocking. The content payload is copied
// into a pooled buffer so the caller's bytes can be reused immediately.
func (r *Runtime) TryEnqueue(op *Op) error {
	if r.stopped() {
		return ErrRuntimeClosed
	}
	it := r.newItem(op, false)
	select {
	case r.ch <- it:
		return nil
	case <-r.stop:
		it.Done()
		return ErrRuntimeClosed
	default:
		it.Done()
		atomic.AddUint64(&r.dropped, 1)
		return ErrQueueFull
	}
}

// Do enqueues an op and waits for its outcome. Ordering still follows
// receipt: the op runs after everything enqueued before it.
func (r *Runtime) Do(ctx context.Context, op *Op) Outcome {
	if r.stopped() {
		return Outcome{Err: ErrRuntimeClosed}
	}
	it := r.newItem(op, true)
	select {
	case r.ch <- it:
	case <-r.stop:
		it.Done()
		return Outcome{Err: ErrRuntimeClosed}
	case <-ctx.Done():
		it.Done()
		return Outcome{Err: ctx.Err()}
	}
	select {
	case out := <-it.res:
		return out
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

// Close stops the consumer after draining queued work.
func (r *Runtime) Close() {
	close(r.stop)
	<-r.done
}

// Len returns the number of queued operations.
func (r *Runtime) Len() int { return len(r.ch) }

// Dropped returns operations rejected due to a full queue.
func (r *Runtime) Dropped() uint64 { return atomic.LoadUint64(&r.dropped) }
