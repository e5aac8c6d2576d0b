// ABOUTME: CBOR codec for stored rows and their storage envelope
// ABOUTME: Core deterministic encoding so identical rows produce identical bytes

package database

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("database: building CBOR encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("database: building CBOR decoder: " + err.Error())
	}
}

// record is the stored envelope around an encoded row.
type record struct {
	Sequence uint64          `cbor:"1,keyasint"`
	Created  int64           `cbor:"2,keyasint"`
	Body     cbor.RawMessage `cbor:"3,keyasint"`
}

func (r record) createdAt() time.Time {
	return time.Unix(0, r.Created).UTC()
}

func encodeRecord(seq uint64, created time.Time, body []byte) ([]byte, error) {
	data, err := encMode.Marshal(record{Sequence: seq, Created: created.UnixNano(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("%w: record: %w", ErrEncoding, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("%w: record: %w", ErrEncoding, err)
	}
	return rec, nil
}

func encodeBody[T any](v *T) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrEncoding, *v, err)
	}
	return data, nil
}

func decodeBody[T any](data []byte) (T, error) {
	var v T
	if err := decMode.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %T: %w", ErrEncoding, v, err)
	}
	return v, nil
}
