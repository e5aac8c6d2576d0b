// ABOUTME: Tests for connection tracking, heartbeats and stale sweeps
// ABOUTME: Runs against an ephemeral database layer with a controllable clock

package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet/internal/config"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
	"github.com/2389/fleet/internal/realm"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *realm.Layer) {
	t.Helper()
	reg := database.NewRegistry()
	require.NoError(t, realm.Register(reg))
	require.NoError(t, Register(reg))

	db, err := database.NewLayer(config.DatabaseConfig{Ephemeral: true}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	realms, err := realm.NewLayer(t.Context(), db, nil)
	require.NoError(t, err)
	t.Cleanup(realms.Close)

	m := NewManager(realms, time.Minute, nil)
	t.Cleanup(m.Close)
	return m, realms
}

func newTestTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	m, _ := newTestManager(t)
	tr, err := m.Realm(t.Context(), database.DefaultRealm)
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	tr.now = c.Now
	return tr, c
}

func TestRecord(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := t.Context()
	agent := instance.NewID(instance.Agent)

	c, err := tr.Record(ctx, agent, "10.0.0.5:7000", Inbound)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, agent, c.Remote)
	assert.Equal(t, c.Connected, c.LastSeen)

	got, err := tr.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:7000", got.Address)

	// Reconnecting from a new address refreshes the existing row.
	again, err := tr.Record(ctx, agent, "10.0.0.6:7000", Inbound)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "10.0.0.6:7000", again.Address)
	assert.Len(t, tr.Connections(), 1)

	// The other direction is a separate connection.
	_, err = tr.Record(ctx, agent, "10.0.0.6:7001", Outbound)
	require.NoError(t, err)
	assert.Len(t, tr.Connections(), 2)

	byRemote, err := tr.ByRemote(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, byRemote, 2)
}

func TestRecord_ConcurrentSameRemote(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := t.Context()

	for round := range 20 {
		agent := instance.NewID(instance.Agent)
		start := make(chan struct{})
		ids := make([]database.DataIdentifier, 16)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c, err := tr.Record(ctx, agent, "10.0.0.5:7000", Inbound)
				assert.NoError(t, err)
				ids[i] = c.ID
			}()
		}
		close(start)
		wg.Wait()

		stored, err := tr.ByRemote(ctx, agent)
		require.NoError(t, err)
		require.Len(t, stored, 1, "round %d left duplicate rows", round)
		for _, id := range ids {
			assert.Equal(t, stored[0].ID, id)
		}
	}
	assert.Len(t, tr.Connections(), 20)
}

func TestRecord_Invalid(t *testing.T) {
	tr, _ := newTestTracker(t)

	_, err := tr.Record(t.Context(), instance.ID{}, "10.0.0.5:7000", Inbound)
	assert.ErrorIs(t, err, database.ErrValidation)

	_, err = tr.Record(t.Context(), instance.NewID(instance.Client), "10.0.0.5:7000", "sideways")
	assert.ErrorIs(t, err, database.ErrValidation)
}

func TestHeartbeat_RecordsHistory(t *testing.T) {
	tr, clk := newTestTracker(t)
	ctx := t.Context()

	c, err := tr.Record(ctx, instance.NewID(instance.Agent), "10.0.0.5:7000", Inbound)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, c.ID, 3*time.Millisecond))
	clk.Advance(10 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, c.ID, 5*time.Millisecond))

	got, err := tr.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, got.RTT)
	assert.Equal(t, c.Connected.Add(20*time.Second), got.LastSeen)

	revs, err := tr.History(ctx, c.ID, database.AllCreations())
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, time.Duration(0), revs[0].Value.RTT)
	assert.Equal(t, 5*time.Millisecond, revs[2].Value.RTT)
	assert.True(t, revs[2].Revision.Latest)
}

func TestDisconnect(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := t.Context()

	c, err := tr.Record(ctx, instance.NewID(instance.Agent), "10.0.0.5:7000", Inbound)
	require.NoError(t, err)
	require.NoError(t, tr.Disconnect(ctx, c.ID))

	_, err = tr.Get(c.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.ErrorIs(t, tr.Heartbeat(ctx, c.ID, time.Millisecond), ErrConnectionNotFound)
	assert.NoError(t, tr.Disconnect(ctx, c.ID))

	revs, err := tr.History(ctx, c.ID, database.AllCreations())
	require.NoError(t, err)
	assert.Len(t, revs, 1)

	_, err = tr.History(ctx, "never-existed", database.AllCreations())
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestStaleAndSweep(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	tr, err := m.Realm(ctx, database.DefaultRealm)
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	tr.now = clk.Now

	quiet, err := tr.Record(ctx, instance.NewID(instance.Agent), "10.0.0.5:7000", Inbound)
	require.NoError(t, err)
	busy, err := tr.Record(ctx, instance.NewID(instance.Client), "10.0.0.9:7000", Inbound)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, busy.ID, time.Millisecond))
	assert.Empty(t, tr.Stale())

	clk.Advance(30 * time.Second)
	stale := tr.Stale()
	require.Len(t, stale, 1)
	assert.Equal(t, quiet.ID, stale[0].ID)

	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Len(t, tr.Connections(), 1)
}

func TestWatch_SeesHeartbeats(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := t.Context()

	watch := tr.Watch()
	defer watch.Close()

	var (
		mu     sync.Mutex
		events []database.EventKind
	)
	watch.Listen(database.ListenerFunc[ConnectionData](func(e database.Event[ConnectionData]) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Kind)
	}))

	c, err := tr.Record(ctx, instance.NewID(instance.Agent), "10.0.0.5:7000", Inbound)
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat(ctx, c.ID, time.Millisecond))
	require.NoError(t, tr.Disconnect(ctx, c.ID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []database.EventKind{database.Added, database.Updated, database.Removed}, events)
}

func TestManager_PerRealm(t *testing.T) {
	m, realms := newTestManager(t)
	ctx := t.Context()

	_, err := m.Realm(ctx, "nowhere")
	assert.ErrorIs(t, err, realm.ErrUnknownRealm)

	_, err = realms.Create(ctx, "lab1", "alice")
	require.NoError(t, err)
	lab, err := m.Realm(ctx, "lab1")
	require.NoError(t, err)
	def, err := m.Realm(ctx, database.DefaultRealm)
	require.NoError(t, err)

	same, err := m.Realm(ctx, "lab1")
	require.NoError(t, err)
	assert.Same(t, lab, same)

	_, err = lab.Record(ctx, instance.NewID(instance.Agent), "10.0.0.5:7000", Inbound)
	require.NoError(t, err)
	assert.Len(t, lab.Connections(), 1)
	assert.Empty(t, def.Connections())
}
