// ABOUTME: Tests for instance identities
// ABOUTME: Covers type masks, parsing and the embedded timestamp

package instance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDTypes(t *testing.T) {
	id := NewID(Agent, Server)
	assert.True(t, id.IsAgent())
	assert.True(t, id.IsServer())
	assert.False(t, id.IsClient())
	assert.Equal(t, []Type{Agent, Server}, id.Types())

	assert.False(t, NewID(Server).IsAgent())
	assert.Len(t, id.String(), 36)
}

func TestNewIDWithoutTypePanics(t *testing.T) {
	assert.Panics(t, func() { NewID() })
}

func TestParseIDRoundTrip(t *testing.T) {
	id := NewID(Client)
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = ParseID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewID(Agent)
	after := time.Now().Add(time.Second)

	ts := id.Timestamp()
	assert.True(t, ts.After(before) && ts.Before(after), "timestamp %v outside [%v, %v]", ts, before, after)
}

func TestIDJSON(t *testing.T) {
	id := NewID(Server)
	data, err := json.Marshal(map[string]ID{"id": id})
	require.NoError(t, err)

	var decoded map[string]ID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded["id"])
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("Agent")
	require.NoError(t, err)
	assert.Equal(t, Agent, typ)

	_, err = ParseType("toaster")
	assert.Error(t, err)
}
