package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bluetooth-serial/internal/bterr"
)

var (
	errInvalidUTF8 = errors.New("message is not valid UTF-8")
	errNilStream   = errors.New("dialer returned neither a stream nor an error")
)

// Event is one state transition.
type Event struct {
	Seq  uint64 // 1 for the first transition of a session
	From State
	To   State

	// Reason is set when To is Disconnected: bterr.ErrConnectFailed,
	// bterr.ErrTransferFailed or bterr.ErrUserRequested.
	Reason error

	// Err is the underlying failure, nil for UserRequested.
	Err error

	// Bytes is the payload size when entering Transferring and the number of
	// bytes written when a transfer completes.
	Bytes int

	Time time.Time
}

func (e Event) String() string {
	switch {
	case e.To == Disconnected && e.Err != nil:
		return fmt.Sprintf("%v -> %v (%s: %v)", e.From, e.To, bterr.Code(e.Reason), e.Err)
	case e.To == Disconnected:
		return fmt.Sprintf("%v -> %v (%s)", e.From, e.To, bterr.Code(e.Reason))
	case e.Bytes > 0:
		return fmt.Sprintf("%v -> %v (%d bytes)", e.From, e.To, e.Bytes)
	default:
		return fmt.Sprintf("%v -> %v", e.From, e.To)
	}
}

// notifier is an unbounded FIFO feeding out from a single goroutine, so
// producers never block on a slow consumer and order is preserved.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
}

func newNotifier() *notifier {
	n := &notifier{out: make(chan Event)}
	n.cond = sync.NewCond(&n.mu)
	go n.pump()
	return n
}

func (n *notifier) push(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, e)
	n.cond.Signal()
}

// close lets the pump drain what is queued and then close out.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.cond.Signal()
}

func (n *notifier) pump() {
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			close(n.out)
			return
		}
		e := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.out <- e
	}
}
