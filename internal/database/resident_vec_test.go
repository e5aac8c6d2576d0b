// ABOUTME: Tests for ResidentVec live collections
// ABOUTME: Covers membership, listener completeness and ordering across handles

package database

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResidentVecPush(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	for i := range 3 {
		r, err := vec.Push(t.Context(), Item{Name: fmt.Sprintf("item-%d", i)})
		require.NoError(t, err)
		r.Close()
	}
	assert.Equal(t, 3, vec.Len())
}

func TestResidentVecListenerSeesPush(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()
	for i := range 3 {
		r, err := vec.Push(t.Context(), Item{Name: fmt.Sprintf("item-%d", i)})
		require.NoError(t, err)
		r.Close()
	}

	rec := &eventRecorder[Item]{}
	cancel := vec.Listen(rec.listener())
	defer cancel()

	fourth, err := vec.Push(t.Context(), Item{Name: "item-3"})
	require.NoError(t, err)
	defer fourth.Close()

	events := rec.waitFor(t, 1)
	assert.Equal(t, Added, events[0].Kind)
	assert.Equal(t, fourth.ID(), events[0].ID)
	assert.Equal(t, "item-3", events[0].Value.Name)
	assert.Equal(t, 4, vec.Len())
}

func TestResidentVecMembership(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))
	ids := insertItems(t, db,
		Item{Name: "r1", Group: "red"},
		Item{Name: "b1", Group: "blue"},
	)

	reds, err := NewResidentVec[Item](t.Context(), db, Equal("group", StringKey("red")))
	require.NoError(t, err)
	defer reds.Close()
	assert.Equal(t, []string{"r1"}, itemNames(reds.Items()))

	// A push that does not match is stored but not cached.
	blue, err := reds.Push(t.Context(), Item{Name: "b2", Group: "blue"})
	require.NoError(t, err)
	defer blue.Close()
	assert.Equal(t, 1, reds.Len())

	// Moving rows across the condition boundary changes membership.
	require.NoError(t, blue.Update(t.Context(), func(it *Item) error {
		it.Group = "red"
		return nil
	}))
	require.NoError(t, db.Update(t.Context(), func(tx *Txn) error {
		return Upsert(tx, &Item{ID: ids[0], Name: "r1", Group: "green"})
	}))
	reds.flush()

	assert.Equal(t, []string{"b2"}, itemNames(reds.Items()))
	_, ok := reds.Get(blue.ID())
	assert.True(t, ok)
	_, ok = reds.Get(ids[0])
	assert.False(t, ok)

	var stored []Item
	require.NoError(t, db.View(t.Context(), func(tx *Txn) error {
		var err error
		stored, err = Scan[Item](tx, Equal("group", StringKey("red")))
		return err
	}))
	assert.ElementsMatch(t, itemNames(stored), itemNames(reds.Items()))
}

func TestResidentVecOrderedByKey(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))
	insertItems(t, db,
		Item{ID: "c", Name: "third"},
		Item{ID: "a", Name: "first"},
		Item{ID: "b", Name: "second"},
	)

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()
	assert.Equal(t, []DataIdentifier{"a", "b", "c"}, vec.IDs())
	assert.Equal(t, []string{"first", "second", "third"}, itemNames(vec.Items()))
}

func TestResidentVecListenerCompletenessAndOrder(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	// A different condition gets its own cell, so its writes reach vec
	// only through the bus.
	other, err := NewResidentVec[Item](t.Context(), db, Equal("group", StringKey("g")))
	require.NoError(t, err)
	defer other.Close()
	require.NotSame(t, vec.cell, other.cell)

	rec := &eventRecorder[Item]{}
	vec.Listen(rec.listener())

	var pushed []DataIdentifier
	for i := range 10 {
		source := vec
		if i%2 == 1 {
			source = other
		}
		r, err := source.Push(t.Context(), Item{Name: fmt.Sprintf("n-%02d", i), Group: "g"})
		require.NoError(t, err)
		pushed = append(pushed, r.ID())
		r.Close()
	}
	for _, id := range pushed[:4] {
		require.NoError(t, other.Remove(t.Context(), id))
	}
	vec.flush()

	events := rec.snapshot()
	require.Len(t, events, 14)
	for i, e := range events[:10] {
		assert.Equal(t, Added, e.Kind)
		assert.Equal(t, pushed[i], e.ID)
	}
	for i, e := range events[10:] {
		assert.Equal(t, Removed, e.Kind)
		assert.Equal(t, pushed[i], e.ID)
	}
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
	assert.Equal(t, 6, vec.Len())
}

func TestResidentVecRemove(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))
	ids := insertItems(t, db, Item{Name: "x"}, Item{Name: "y"})

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	rec := &eventRecorder[Item]{}
	vec.Listen(rec.listener())

	require.NoError(t, vec.Remove(t.Context(), ids[0]))
	assert.Equal(t, 1, vec.Len())

	// Removing something that is not there is fine and silent.
	require.NoError(t, vec.Remove(t.Context(), ids[0]))
	require.NoError(t, vec.Remove(t.Context(), "never-existed"))
	vec.flush()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Removed, events[0].Kind)
	assert.Equal(t, "x", events[0].Value.Name)
}

func TestResidentVecPushConflict(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Account](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	r, err := vec.Push(t.Context(), Account{Name: "linus"})
	require.NoError(t, err)
	defer r.Close()

	_, err = vec.Push(t.Context(), Account{Name: "linus"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, vec.Len())
}

func TestResidentVecListenerCancel(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	rec := &eventRecorder[Item]{}
	cancel := vec.Listen(rec.listener())
	cancel()
	cancel()

	r, err := vec.Push(t.Context(), Item{Name: "unheard"})
	require.NoError(t, err)
	r.Close()
	vec.flush()
	assert.Empty(t, rec.snapshot())
}

func TestResidentVecPanickingListenerDoesNotStopDelivery(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	vec.Listen(ListenerFuncs[Item]{Added: func(Event[Item]) { panic("listener bug") }})
	rec := &eventRecorder[Item]{}
	vec.Listen(rec.listener())

	for _, name := range []string{"one", "two"} {
		r, err := vec.Push(t.Context(), Item{Name: name})
		require.NoError(t, err)
		r.Close()
	}
	assert.Len(t, rec.waitFor(t, 2), 2)
}

func TestResidentVecCloneSharesCell(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	clone := vec.Clone()
	vec.Close()

	r, err := clone.Push(t.Context(), Item{Name: "still-live"})
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, 1, clone.Len())
	clone.Close()

	_, err = clone.Push(t.Context(), Item{Name: "too-late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResidentVecUpdate(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))
	ids := insertItems(t, db, Item{Name: "r1", Group: "red"})

	reds, err := NewResidentVec[Item](t.Context(), db, Equal("group", StringKey("red")))
	require.NoError(t, err)
	defer reds.Close()

	var added Item
	err = reds.Update(t.Context(), func(tx *Txn) error {
		existing, err := Scan[Item](tx, Equal("group", StringKey("red")))
		if err != nil {
			return err
		}
		require.Len(t, existing, 1)
		if _, err := Delete[Item](tx, existing[0].ID); err != nil {
			return err
		}
		if err := Insert(tx, &Item{Name: "b1", Group: "blue"}); err != nil {
			return err
		}
		added = Item{Name: "r2", Group: "red"}
		return Insert(tx, &added)
	})
	require.NoError(t, err)

	// Visible without waiting for the commit's events.
	assert.Equal(t, []string{"r2"}, itemNames(reds.Items()))
	_, ok := reds.Get(ids[0])
	assert.False(t, ok)
	_, ok = reds.Get(added.ID)
	assert.True(t, ok)

	// A failing callback writes nothing.
	err = reds.Update(t.Context(), func(tx *Txn) error {
		if err := Insert(tx, &Item{Name: "r3", Group: "red"}); err != nil {
			return err
		}
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)
	reds.flush()
	assert.Equal(t, []string{"r2"}, itemNames(reds.Items()))
}

func TestResidentVecSnapshotSequence(t *testing.T) {
	db := defaultRealm(t, newEphemeralLayer(t))

	vec, err := NewResidentVec[Item](t.Context(), db, All())
	require.NoError(t, err)
	defer vec.Close()

	rec := &eventRecorder[Item]{}
	vec.Listen(rec.listener())

	insertItems(t, db, Item{Name: "a"})
	insertItems(t, db, Item{Name: "b"})
	vec.flush()

	rows, seq := vec.Snapshot()
	assert.Equal(t, []string{"a", "b"}, itemNames(rows))
	assert.Equal(t, db.commitSeq.Load(), seq)

	events := rec.waitFor(t, 2)
	for _, e := range events {
		assert.LessOrEqual(t, e.Sequence, seq, "event %s already reflected in the snapshot", e.ID)
	}

	insertItems(t, db, Item{Name: "c"})
	events = rec.waitFor(t, 3)
	assert.Greater(t, events[2].Sequence, seq)
}
