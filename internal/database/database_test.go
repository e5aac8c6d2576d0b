// ABOUTME: Shared fixtures for database tests
// ABOUTME: Test models covering indexed, temporal, defaulted and singleton rows

package database

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet/internal/config"
)

type Item struct {
	ID    DataIdentifier `cbor:"id"`
	Name  string         `cbor:"name"`
	Group string         `cbor:"group"`
	Level int64          `cbor:"level"`
}

type Note struct {
	ID   DataIdentifier `cbor:"id"`
	Body string         `cbor:"body"`
}

type Counter struct {
	ID    DataIdentifier `cbor:"id"`
	Value int            `cbor:"value"`
}

type Settings struct {
	ID    DataIdentifier `cbor:"id"`
	Theme string         `cbor:"theme"`
}

type Account struct {
	Name  string         `cbor:"name"`
	ID    DataIdentifier `cbor:"id"`
	Email string         `cbor:"email"`
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, Define(reg, Model[Item]{
		Name: "item",
		ID:   func(i *Item) *DataIdentifier { return &i.ID },
		Indexes: map[string]func(*Item) KeyValue{
			"name":  func(i *Item) KeyValue { return StringKey(i.Name) },
			"group": func(i *Item) KeyValue { return StringKey(i.Group) },
			"level": func(i *Item) KeyValue { return IntKey(i.Level) },
		},
		Validate: func(i *Item) error {
			if i.Name == "" {
				return errors.New("name is required")
			}
			return nil
		},
	}))
	require.NoError(t, Define(reg, Model[Note]{
		Name:     "note",
		ID:       func(n *Note) *DataIdentifier { return &n.ID },
		Temporal: true,
	}))
	require.NoError(t, Define(reg, Model[Counter]{
		Name:    "counter",
		ID:      func(c *Counter) *DataIdentifier { return &c.ID },
		Default: func() Counter { return Counter{} },
	}))
	require.NoError(t, Define(reg, Model[Settings]{
		Name: "settings",
		ID:   func(s *Settings) *DataIdentifier { return &s.ID },
		Indexes: map[string]func(*Settings) KeyValue{
			"theme": func(s *Settings) KeyValue { return StringKey(s.Theme) },
		},
		Default: func() Settings { return Settings{Theme: "dark"} },
	}))
	require.NoError(t, Define(reg, Model[Account]{
		Name:       "account",
		ID:         func(a *Account) *DataIdentifier { return &a.ID },
		PrimaryKey: func(a *Account) DataIdentifier { return DataIdentifier(a.Name) },
		Indexes: map[string]func(*Account) KeyValue{
			"email": func(a *Account) KeyValue { return StringKey(a.Email) },
		},
	}))
	return reg
}

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

// testClock hands out strictly increasing instants one second apart.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newEphemeralLayer(t *testing.T, opts ...Option) *Layer {
	t.Helper()
	layer, err := NewLayer(config.DatabaseConfig{Ephemeral: true}, testRegistry(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { layer.Close() })
	return layer
}

func defaultRealm(t *testing.T, layer *Layer) *RealmDatabase {
	t.Helper()
	db, err := layer.Realm(t.Context(), DefaultRealm)
	require.NoError(t, err)
	return db
}

func insertItems(t *testing.T, db *RealmDatabase, items ...Item) []DataIdentifier {
	t.Helper()
	ids := make([]DataIdentifier, 0, len(items))
	err := db.Update(t.Context(), func(tx *Txn) error {
		for i := range items {
			if err := Insert(tx, &items[i]); err != nil {
				return err
			}
			ids = append(ids, items[i].ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

// eventRecorder collects events delivered to a listener.
type eventRecorder[T any] struct {
	mu     sync.Mutex
	events []Event[T]
}

func (r *eventRecorder[T]) listener() Listener[T] {
	return ListenerFunc[T](func(e Event[T]) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
}

func (r *eventRecorder[T]) snapshot() []Event[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event[T](nil), r.events...)
}

func (r *eventRecorder[T]) waitFor(t *testing.T, n int) []Event[T] {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.snapshot()) >= n
	}, eventuallyWait, eventuallyTick, "expected %d events", n)
	return r.snapshot()
}

func itemNames(items []Item) []string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return names
}

func namedItems(prefix string, n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Name: fmt.Sprintf("%s-%02d", prefix, i), Group: "g"}
	}
	return items
}
