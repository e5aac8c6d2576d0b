// ABOUTME: Change events delivered to listeners of live handles
// ABOUTME: Listener is a small typed interface with a closure adapter

package database

import "fmt"

// EventKind says how a row changed relative to a handle's selector.
type EventKind int

const (
	// Added means the row now matches and did not before.
	Added EventKind = iota + 1
	// Updated means the row matched before and still does.
	Updated
	// Removed means the row no longer matches or was deleted.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one committed change. For Removed events Value holds the
// last value the row had. Treat Value as read-only; it may be shared with
// other listeners.
type Event[T any] struct {
	Kind     EventKind
	ID       DataIdentifier
	Value    T
	Sequence uint64
}

// Listener observes changes through a Resident, ResidentVec or Watch.
// Callbacks run on the handle's delivery goroutine, one at a time, in
// commit order.
type Listener[T any] interface {
	OnAdded(Event[T])
	OnUpdated(Event[T])
	OnRemoved(Event[T])
}

// ListenerFuncs adapts optional closures to Listener.
type ListenerFuncs[T any] struct {
	Added   func(Event[T])
	Updated func(Event[T])
	Removed func(Event[T])
}

func (l ListenerFuncs[T]) OnAdded(e Event[T]) {
	if l.Added != nil {
		l.Added(e)
	}
}

func (l ListenerFuncs[T]) OnUpdated(e Event[T]) {
	if l.Updated != nil {
		l.Updated(e)
	}
}

func (l ListenerFuncs[T]) OnRemoved(e Event[T]) {
	if l.Removed != nil {
		l.Removed(e)
	}
}

// ListenerFunc receives every event regardless of kind.
type ListenerFunc[T any] func(Event[T])

func (f ListenerFunc[T]) OnAdded(e Event[T])   { f(e) }
func (f ListenerFunc[T]) OnUpdated(e Event[T]) { f(e) }
func (f ListenerFunc[T]) OnRemoved(e Event[T]) { f(e) }

func dispatch[T any](l Listener[T], e Event[T]) {
	switch e.Kind {
	case Added:
		l.OnAdded(e)
	case Updated:
		l.OnUpdated(e)
	case Removed:
		l.OnRemoved(e)
	}
}
