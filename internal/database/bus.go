// ABOUTME: Per-realm fan-out of committed changes to live caches
// ABOUTME: Subscribers are keyed by model name and offered changes in commit order

package database

import (
	"log/slog"
	"sync"
)

// subscriber receives committed changes for one model. offer must not block.
type subscriber interface {
	offer(seq uint64, ch change)
}

// bus fans committed changes out to every cache registered for the changed
// model. There is one bus per realm.
type bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]subscriber // model -> subID -> subscriber
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

func newBus(logger *slog.Logger) *bus {
	return &bus{
		subscribers: make(map[string]map[uint64]subscriber),
		logger:      logger,
	}
}

// subscribe registers s for changes to model and returns its subscription ID.
func (b *bus) subscribe(model string, s subscriber) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if _, ok := b.subscribers[model]; !ok {
		b.subscribers[model] = make(map[uint64]subscriber)
	}
	b.subscribers[model][id] = s

	b.logger.Debug("subscriber added", "model", model, "sub_id", id)
	return id
}

// publish offers every change of one commit to its model's subscribers.
// Callers hold the realm writer so successive publishes never interleave.
func (b *bus) publish(seq uint64, changes []change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range changes {
		for _, s := range b.subscribers[ch.model] {
			s.offer(seq, ch)
		}
	}
}

func (b *bus) unsubscribe(model string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[model]
	if !ok {
		return
	}
	if _, exists := subs[id]; !exists {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, model)
	}

	b.logger.Debug("subscriber removed", "model", model, "sub_id", id)
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subscribers)
	b.logger.Debug("bus closed")
}
