// ABOUTME: DataCondition selects rows by secondary key equality or range
// ABOUTME: Conditions drive both storage scans and live cache membership

package database

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

type conditionKind int

const (
	condAll conditionKind = iota
	condEqual
	condRange
)

// DataCondition is a predicate over a model's secondary keys.
type DataCondition struct {
	kind  conditionKind
	key   string
	value KeyValue
	hi    KeyValue
}

// All matches every row of a type.
func All() DataCondition {
	return DataCondition{kind: condAll}
}

// Equal matches rows whose secondary key equals v.
func Equal(key string, v KeyValue) DataCondition {
	return DataCondition{kind: condEqual, key: key, value: v}
}

// Range matches rows whose secondary key lies in [lo, hi].
func Range(key string, lo, hi KeyValue) DataCondition {
	return DataCondition{kind: condRange, key: key, value: lo, hi: hi}
}

// Key returns the secondary key the condition inspects, or "" for All.
func (c DataCondition) Key() string {
	return c.key
}

func (c DataCondition) String() string {
	switch c.kind {
	case condEqual:
		return fmt.Sprintf("%s=%s", c.key, hex.EncodeToString(c.value))
	case condRange:
		return fmt.Sprintf("%s=[%s,%s]", c.key, hex.EncodeToString(c.value), hex.EncodeToString(c.hi))
	default:
		return "*"
	}
}

func (c DataCondition) matchValue(v KeyValue) bool {
	switch c.kind {
	case condEqual:
		return bytes.Equal(v, c.value)
	case condRange:
		return bytes.Compare(v, c.value) >= 0 && bytes.Compare(v, c.hi) <= 0
	default:
		return true
	}
}

// bounds returns the secondary key range covering the condition.
func (c DataCondition) bounds(model string) (start, end []byte) {
	prefix := indexPrefix(model, c.key)
	switch c.kind {
	case condEqual:
		start = concat(prefix, c.value)
		return start, prefixEnd(start)
	default:
		return concat(prefix, c.value), prefixEnd(concat(prefix, c.hi))
	}
}

// check verifies the condition against the model's declared keys.
func (m *Model[T]) check(c DataCondition) error {
	if c.kind == condAll {
		return nil
	}
	if _, ok := m.Indexes[c.key]; !ok {
		return fmt.Errorf("%w: %s has no key %q", ErrUnknownKey, m.Name, c.key)
	}
	return nil
}

// matches evaluates c against a decoded row. The condition must have passed check.
func (m *Model[T]) matches(c DataCondition, v *T) bool {
	if c.kind == condAll {
		return true
	}
	return c.matchValue(m.Indexes[c.key](v))
}
