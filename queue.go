package m2mi

import (
	"sync"
)

// invocationQueue is the FIFO of pending invocations serviced by the
// worker pool.
//
// Workers peek at the head and pull its targets one at a time, so several
// workers may deliver the same invocation concurrently. The head is only
// popped once its targets are exhausted AND all their deliveries have
// returned: an invocation never overlaps with the next one.
type invocationQueue struct {
	lk      sync.Mutex
	cond    *sync.Cond
	items   []*Invocation
	closed  bool
	resolve func(Address) []any
}

func newInvocationQueue(resolve func(Address) []any) *invocationQueue {
	q := &invocationQueue{
		items:   make([]*Invocation, 0, 64),
		resolve: resolve,
	}
	q.cond = sync.NewCond(&q.lk)
	return q
}

func (q *invocationQueue) add(inv *Invocation) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.items = append(q.items, inv)
	q.cond.Broadcast()
	return nil
}

// next blocks until a delivery is available. It returns false once the
// queue is closed and drained.
func (q *invocationQueue) next() (*Invocation, any, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	for {
		for len(q.items) == 0 {
			if q.closed {
				return nil, nil, false
			}
			q.cond.Wait()
		}

		head := q.items[0]
		target, ok := head.nextTarget(q.resolve)
		if ok {
			head.inflight++
			return head, target, true
		}

		if head.inflight > 0 {
			q.cond.Wait()
			continue
		}

		q.items[0] = nil
		q.items = q.items[1:]
		if len(q.items) == 0 {
			q.items = q.items[:0:0]
		}
		// The new head may have targets for waiting workers.
		q.cond.Broadcast()
	}
}

// done marks one delivery of `inv` as returned.
func (q *invocationQueue) done(inv *Invocation) {
	q.lk.Lock()
	inv.inflight--
	if inv.inflight == 0 {
		q.cond.Broadcast()
	}
	q.lk.Unlock()
}

func (q *invocationQueue) close() {
	q.lk.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lk.Unlock()
}

func (q *invocationQueue) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}
