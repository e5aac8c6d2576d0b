// ABOUTME: Order-preserving key encoding for rows, revisions and secondary entries
// ABOUTME: Byte-wise comparison of encoded keys matches the natural order of their values

package database

import (
	"encoding/binary"
	"time"
)

// KeyValue is an encoded secondary-key value. Build one with StringKey,
// BytesKey, IntKey, UintKey, BoolKey or TimeKey. Values of the same kind
// compare byte-wise in their natural order.
type KeyValue []byte

const (
	tagBytes  byte = 0x01
	tagString byte = 0x02
	tagInt    byte = 0x03
	tagUint   byte = 0x04
	tagBool   byte = 0x05
	tagTime   byte = 0x06
)

// Key space prefixes.
const (
	spacePrimary   byte = 'p'
	spaceHistory   byte = 'h'
	spaceSecondary byte = 's'
)

// BytesKey encodes an opaque byte string.
func BytesKey(b []byte) KeyValue {
	return appendEscaped(make([]byte, 0, len(b)+3), tagBytes, b)
}

// StringKey encodes a string.
func StringKey(s string) KeyValue {
	return appendEscaped(make([]byte, 0, len(s)+3), tagString, []byte(s))
}

// IntKey encodes a signed integer.
func IntKey(i int64) KeyValue {
	out := make([]byte, 9)
	out[0] = tagInt
	binary.BigEndian.PutUint64(out[1:], uint64(i)^(1<<63))
	return out
}

// UintKey encodes an unsigned integer.
func UintKey(u uint64) KeyValue {
	out := make([]byte, 9)
	out[0] = tagUint
	binary.BigEndian.PutUint64(out[1:], u)
	return out
}

// BoolKey encodes a boolean; false sorts before true.
func BoolKey(b bool) KeyValue {
	if b {
		return KeyValue{tagBool, 1}
	}
	return KeyValue{tagBool, 0}
}

// TimeKey encodes an instant with nanosecond precision.
func TimeKey(t time.Time) KeyValue {
	out := make([]byte, 9)
	out[0] = tagTime
	binary.BigEndian.PutUint64(out[1:], uint64(t.UnixNano())^(1<<63))
	return out
}

// appendEscaped writes tag, then b with every 0x00 escaped as 0x00 0xFF,
// then a 0x00 terminator. The result is self-delimiting and order-preserving.
func appendEscaped(dst []byte, tag byte, b []byte) []byte {
	dst = append(dst, tag)
	for _, c := range b {
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00)
}

func typePrefix(space byte, model string) []byte {
	return appendEscaped([]byte{space}, tagString, []byte(model))
}

func primaryKey(model string, id DataIdentifier) []byte {
	return appendEscaped(typePrefix(spacePrimary, model), tagString, []byte(id))
}

func historyPrefix(model string, id DataIdentifier) []byte {
	return appendEscaped(typePrefix(spaceHistory, model), tagString, []byte(id))
}

func historyKey(model string, id DataIdentifier, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(historyPrefix(model, id), seq)
}

func indexPrefix(model, index string) []byte {
	return appendEscaped(typePrefix(spaceSecondary, model), tagString, []byte(index))
}

func secondaryKey(model, index string, value KeyValue, id DataIdentifier) []byte {
	key := append(indexPrefix(model, index), value...)
	return appendEscaped(key, tagString, []byte(id))
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
