package wire

import (
	"errors"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var errWireType = errors.New("unexpected wire type")

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	if id == uuid.Nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// field is one raw (number, type, value) triple of a payload.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, errWireType
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) uuid() (uuid.UUID, error) {
	v, err := f.bytes()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(v)
}

func (f field) string() (string, error) {
	v, err := f.bytes()
	return string(v), err
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) uint32() (uint32, error) {
	v, err := f.uint()
	if v > math.MaxUint32 {
		return 0, errors.New("varint overflows uint32")
	}
	return uint32(v), err
}

func (f field) int() (int64, error) {
	v, err := f.uint()
	return protowire.DecodeZigZag(v), err
}

func (f field) double() (float64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, errWireType
	}
	v, n := protowire.ConsumeFixed64(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), nil
}

func (f field) bool() (bool, error) {
	v, err := f.uint()
	return v != 0, err
}
