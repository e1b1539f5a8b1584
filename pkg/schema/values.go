package schema

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ccoveille/go-safecast/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/authzed/objectdb/pkg/datastore"
)

// Field values are held in one canonical representation per kind: int64,
// float64, string, bool, datastore.ID for refs and []any for arrays. A nil
// value is an absent value.

// maxExactFloatInt is the largest integer magnitude a float64 represents
// exactly.
const maxExactFloatInt = 1 << 53

// ErrValueKind is returned when a stored value does not match its field.
var ErrValueKind = errors.New("value does not match field kind")

// KindOf returns the kind of a canonical value.
func KindOf(v any) Kind {
	switch v.(type) {
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	case bool:
		return KindBool
	case datastore.ID:
		return KindRef
	case []any:
		return KindArray
	default:
		return KindInvalid
	}
}

// Coerce converts a literal into the canonical representation of kind. It
// returns false if the literal cannot be represented without loss. NaN is not
// a storable float.
func Coerce(kind Kind, v any) (any, bool) {
	if v == nil {
		return nil, true
	}

	switch kind {
	case KindInt:
		return coerceInt(v)

	case KindFloat:
		if f, ok := v.(float32); ok {
			return float64(f), !math.IsNaN(float64(f))
		}
		if f, ok := v.(float64); ok {
			return f, !math.IsNaN(f)
		}
		i, ok := coerceInt(v)
		if !ok || i > maxExactFloatInt || i < -maxExactFloatInt {
			return nil, false
		}
		return float64(i), true

	case KindString:
		s, ok := v.(string)
		return s, ok

	case KindBool:
		b, ok := v.(bool)
		return b, ok

	case KindRef:
		switch ref := v.(type) {
		case datastore.ID:
			return ref, ref.IsPersisted()
		case *datastore.Object:
			if ref == nil || !ref.ID.IsPersisted() {
				return nil, false
			}
			return ref.ID, true
		}
		return nil, false

	default:
		return nil, false
	}
}

func coerceInt(v any) (int64, bool) {
	var (
		i   int64
		err error
	)
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int8:
		i = int64(n)
	case int16:
		i = int64(n)
	case int32:
		i = int64(n)
	case int64:
		i = n
	case uint:
		i, err = safecast.Convert[int64](n)
	case uint8:
		i = int64(n)
	case uint16:
		i = int64(n)
	case uint32:
		i = int64(n)
	case uint64:
		i, err = safecast.Convert[int64](n)
	case float32:
		return coerceIntegralFloat(float64(n))
	case float64:
		return coerceIntegralFloat(n)
	default:
		return 0, false
	}
	return i, err == nil
}

func coerceIntegralFloat(f float64) (int64, bool) {
	if f != math.Trunc(f) || f > maxExactFloatInt || f < -maxExactFloatInt {
		return 0, false
	}
	return int64(f), true
}

// CoerceField converts a value for storage in the field. Arrays accept []any
// and typed slices of their element kind.
func CoerceField(f Field, v any) (any, bool) {
	if f.Kind != KindArray {
		return Coerce(f.Kind, v)
	}
	if v == nil {
		return nil, true
	}

	var elems []any
	switch typed := v.(type) {
	case []any:
		elems = typed
	case []string:
		elems = toAny(typed)
	case []int:
		elems = toAny(typed)
	case []int64:
		elems = toAny(typed)
	case []float64:
		elems = toAny(typed)
	case []bool:
		elems = toAny(typed)
	case []datastore.ID:
		elems = toAny(typed)
	default:
		return nil, false
	}

	coerced := make([]any, 0, len(elems))
	for _, elem := range elems {
		c, ok := Coerce(f.Elem, elem)
		if !ok {
			return nil, false
		}
		coerced = append(coerced, c)
	}
	return coerced, true
}

func toAny[T any](values []T) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

// Compare orders two non-nil canonical values. Ints and floats compare
// numerically with each other. It returns false if the values are not
// comparable.
func Compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return -compareFloatInt(y, x), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return compareFloatInt(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case datastore.ID:
		if y, ok := b.(datastore.ID); ok {
			return cmp.Compare(x, y), true
		}
	}
	return 0, false
}

func compareFloatInt(f float64, i int64) int {
	if integral, ok := coerceIntegralFloat(f); ok {
		return cmp.Compare(integral, i)
	}
	return cmp.Compare(f, float64(i))
}

// EncodeValue converts a canonical value of the field into its stored form.
// Ints beyond the exact float range are stored as decimal strings.
func EncodeValue(f Field, v any) (*structpb.Value, error) {
	return encodeKind(f.Kind, f.Elem, v)
}

func encodeKind(kind, elem Kind, v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}

	switch kind {
	case KindInt:
		i, ok := v.(int64)
		if !ok {
			break
		}
		if i > maxExactFloatInt || i < -maxExactFloatInt {
			return structpb.NewStringValue(strconv.FormatInt(i, 10)), nil
		}
		return structpb.NewNumberValue(float64(i)), nil

	case KindFloat:
		if fv, ok := v.(float64); ok {
			return structpb.NewNumberValue(fv), nil
		}

	case KindString:
		if s, ok := v.(string); ok {
			return structpb.NewStringValue(s), nil
		}

	case KindBool:
		if b, ok := v.(bool); ok {
			return structpb.NewBoolValue(b), nil
		}

	case KindRef:
		if id, ok := v.(datastore.ID); ok {
			return encodeKind(KindInt, KindInvalid, int64(id))
		}

	case KindArray:
		elems, ok := v.([]any)
		if !ok {
			break
		}
		values := make([]*structpb.Value, 0, len(elems))
		for _, e := range elems {
			encoded, err := encodeKind(elem, KindInvalid, e)
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	}

	return nil, fmt.Errorf("%w: cannot encode %T as %s", ErrValueKind, v, kind)
}

// DecodeValue converts a stored value of the field into its canonical form.
func DecodeValue(f Field, v *structpb.Value) (any, error) {
	return decodeKind(f.Kind, f.Elem, v)
}

func decodeKind(kind, elem Kind, v *structpb.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return nil, nil
	}

	switch kind {
	case KindInt:
		switch stored := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			if i, ok := coerceIntegralFloat(stored.NumberValue); ok {
				return i, nil
			}
		case *structpb.Value_StringValue:
			i, err := strconv.ParseInt(stored.StringValue, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValueKind, err)
			}
			return i, nil
		}

	case KindFloat:
		if stored, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			return stored.NumberValue, nil
		}

	case KindString:
		if stored, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			return stored.StringValue, nil
		}

	case KindBool:
		if stored, ok := v.GetKind().(*structpb.Value_BoolValue); ok {
			return stored.BoolValue, nil
		}

	case KindRef:
		i, err := decodeKind(KindInt, KindInvalid, v)
		if err != nil {
			return nil, err
		}
		return datastore.ID(i.(int64)), nil

	case KindArray:
		stored, ok := v.GetKind().(*structpb.Value_ListValue)
		if !ok {
			break
		}
		elems := make([]any, 0, len(stored.ListValue.GetValues()))
		for _, e := range stored.ListValue.GetValues() {
			decoded, err := decodeKind(elem, KindInvalid, e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, decoded)
		}
		return elems, nil
	}

	return nil, fmt.Errorf("%w: cannot decode %T as %s", ErrValueKind, v.GetKind(), kind)
}
