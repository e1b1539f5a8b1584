// Package slot implements the stored form of an object: a short header naming
// the object's class followed by a snappy compressed protobuf Struct holding
// the field values.
//
// A Slot decodes lazily. Reading the class only parses the header; field
// values are decompressed and unmarshalled on first access and cached.
package slot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ccoveille/go-safecast/v2"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const formatVersion byte = 1

// ErrMalformed is returned when a slot cannot be decoded.
var ErrMalformed = errors.New("malformed slot")

// Encode produces the stored form of an object.
func Encode(class string, fields map[string]*structpb.Value) ([]byte, error) {
	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("unable to marshal slot payload: %w", err)
	}

	classLen, err := safecast.Convert[uint64](len(class))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(class)+snappy.MaxEncodedLen(len(payload)))
	buf = append(buf, formatVersion)
	buf = binary.AppendUvarint(buf, classLen)
	buf = append(buf, class...)
	return append(buf, snappy.Encode(nil, payload)...), nil
}

// Slot is a positionable view over the stored bytes of one object.
type Slot struct {
	raw []byte

	headerRead    bool
	class         string
	payloadOffset int

	fields map[string]*structpb.Value
}

// Open wraps stored bytes without decoding them.
func Open(raw []byte) *Slot {
	return &Slot{raw: raw}
}

// Len returns the size of the stored form.
func (s *Slot) Len() int { return len(s.raw) }

// Raw returns the stored form. Callers must not modify it.
func (s *Slot) Raw() []byte { return s.raw }

// Class returns the name of the object's class.
func (s *Slot) Class() (string, error) {
	if err := s.readHeader(); err != nil {
		return "", err
	}
	return s.class, nil
}

// Field returns the stored value of the named field. The second return value
// is false if the field is not stored.
func (s *Slot) Field(name string) (*structpb.Value, bool, error) {
	if err := s.readPayload(); err != nil {
		return nil, false, err
	}
	v, ok := s.fields[name]
	return v, ok, nil
}

// Fields returns every stored field value.
func (s *Slot) Fields() (map[string]*structpb.Value, error) {
	if err := s.readPayload(); err != nil {
		return nil, err
	}
	return s.fields, nil
}

func (s *Slot) readHeader() error {
	if s.headerRead {
		return nil
	}
	if len(s.raw) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if s.raw[0] != formatVersion {
		return fmt.Errorf("%w: unknown format version %d", ErrMalformed, s.raw[0])
	}

	classLen, n := binary.Uvarint(s.raw[1:])
	if n <= 0 {
		return fmt.Errorf("%w: bad class length", ErrMalformed)
	}
	length, err := safecast.Convert[int](classLen)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	start := 1 + n
	end := start + length
	if end > len(s.raw) || end < start {
		return fmt.Errorf("%w: truncated class name", ErrMalformed)
	}

	s.class = string(s.raw[start:end])
	s.payloadOffset = end
	s.headerRead = true
	return nil
}

func (s *Slot) readPayload() error {
	if s.fields != nil {
		return nil
	}
	if err := s.readHeader(); err != nil {
		return err
	}

	decoded, err := snappy.Decode(nil, s.raw[s.payloadOffset:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var payload structpb.Struct
	if err := proto.Unmarshal(decoded, &payload); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	s.fields = payload.GetFields()
	if s.fields == nil {
		s.fields = map[string]*structpb.Value{}
	}
	return nil
}
