// ABOUTME: Unbounded FIFO drained by a single goroutine
// ABOUTME: Producers never block; closing discards anything still queued

package database

import "sync"

// mailbox delivers items to a handler one at a time in enqueue order.
// The queue is unbounded so a slow listener never stalls a committing writer.
type mailbox[E any] struct {
	mu     sync.Mutex
	items  []E
	closed bool
	busy   bool
	signal chan struct{}
	idle   *sync.Cond
}

func newMailbox[E any](handle func(E)) *mailbox[E] {
	mb := &mailbox[E]{
		items:  make([]E, 0, 16),
		signal: make(chan struct{}, 1),
	}
	mb.idle = sync.NewCond(&mb.mu)
	go mb.run(handle)
	return mb
}

// push enqueues e and reports whether the mailbox accepted it.
func (mb *mailbox[E]) push(e E) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	mb.items = append(mb.items, e)
	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return true
}

func (mb *mailbox[E]) run(handle func(E)) {
	for range mb.signal {
		for {
			mb.mu.Lock()
			if mb.closed || len(mb.items) == 0 {
				mb.busy = false
				mb.idle.Broadcast()
				mb.mu.Unlock()
				break
			}
			e := mb.items[0]
			var zero E
			mb.items[0] = zero
			mb.items = mb.items[1:]
			if len(mb.items) == 0 {
				mb.items = mb.items[:0:0]
			}
			mb.busy = true
			mb.mu.Unlock()

			handle(e)
		}
	}
}

// flush blocks until every item enqueued so far has been handled or the
// mailbox is closed. It must not be called from the handler.
func (mb *mailbox[E]) flush() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for !mb.closed && (len(mb.items) > 0 || mb.busy) {
		mb.idle.Wait()
	}
}

// close stops delivery and drops queued items.
func (mb *mailbox[E]) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.items = nil
	close(mb.signal)
	mb.idle.Broadcast()
}
