// ABOUTME: Tests for order-preserving key encoding
// ABOUTME: Encoded byte order must equal natural value order

package database

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func assertAscending(t *testing.T, keys []KeyValue) {
	t.Helper()
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, bytes.Compare(keys[i-1], keys[i]), "key %d should sort before key %d", i-1, i)
	}
}

func TestIntKeyOrder(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 42, math.MaxInt64}
	keys := make([]KeyValue, len(values))
	for i, v := range values {
		keys[i] = IntKey(v)
	}
	assertAscending(t, keys)
}

func TestUintKeyOrder(t *testing.T) {
	assertAscending(t, []KeyValue{UintKey(0), UintKey(1), UintKey(256), UintKey(math.MaxUint64)})
}

func TestStringKeyOrder(t *testing.T) {
	values := []string{"", "a", "a\x00", "a\x00b", "a\x01", "ab", "b", "ba"}
	keys := make([]KeyValue, len(values))
	for i, v := range values {
		keys[i] = StringKey(v)
	}
	assertAscending(t, keys)
}

func TestTimeKeyOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assertAscending(t, []KeyValue{
		TimeKey(time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)),
		TimeKey(base),
		TimeKey(base.Add(time.Nanosecond)),
		TimeKey(base.Add(time.Hour)),
	})
}

func TestBoolKeyOrder(t *testing.T) {
	assertAscending(t, []KeyValue{BoolKey(false), BoolKey(true)})
}

func TestStringKeyIsSelfDelimiting(t *testing.T) {
	// A value followed by an identifier must never collide with a longer value.
	a := secondaryKey("item", "name", StringKey("a"), "x")
	b := secondaryKey("item", "name", StringKey("a\x00"), "x")
	assert.NotEqual(t, a, b)
	assert.False(t, bytes.HasPrefix(b, concat(indexPrefix("item", "name"), StringKey("a"), []byte{tagString})))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, prefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xFF}))
	assert.Nil(t, prefixEnd([]byte{0xFF, 0xFF}))
}

func TestRealmNameValidation(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"default", true},
		{"abcd", true},
		{"realm2026", true},
		{"abc", false},
		{"UPPER", false},
		{"with-dash", false},
		{"", false},
		{"a234567890123456789012345678901234", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRealmName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}
