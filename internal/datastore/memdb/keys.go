package memdb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/authzed/objectdb/pkg/datastore"
)

const (
	nullMarker  byte = 0x00
	valueMarker byte = 0x01
)

// valueKey encodes an indexed value so that byte order matches value order.
// Absent values sort before every present value.
func valueKey(v any) ([]byte, error) {
	if v == nil {
		return []byte{nullMarker}, nil
	}

	key := []byte{valueMarker}
	switch typed := v.(type) {
	case int64:
		return binary.BigEndian.AppendUint64(key, uint64(typed)^(1<<63)), nil

	case datastore.ID:
		return binary.BigEndian.AppendUint64(key, uint64(typed)^(1<<63)), nil

	case float64:
		if typed == 0 {
			typed = 0 // folds -0 into +0
		}
		bits := math.Float64bits(typed)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(key, bits), nil

	case string:
		for i := 0; i < len(typed); i++ {
			if typed[i] == 0 {
				key = append(key, 0, 0xff)
			} else {
				key = append(key, typed[i])
			}
		}
		return append(key, 0, 1), nil

	case bool:
		if typed {
			return append(key, 1), nil
		}
		return append(key, 0), nil

	default:
		return nil, fmt.Errorf("values of type %T cannot be indexed", v)
	}
}
