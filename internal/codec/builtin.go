package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// fixedCodec covers every built-in whose encoding has a constant width.
type fixedCodec[T any] struct {
	n   int
	put func(b []byte, v T)
	get func(b []byte) (T, error)
}

func (c *fixedCodec[T]) Size() Size { return Fixed(c.n) }
func (c *fixedCodec[T]) SizeOf(T) int { return c.n }

func (c *fixedCodec[T]) WriteTo(w io.Writer, v T) (int, error) {
	b := make([]byte, c.n)
	c.put(b, v)
	return w.Write(b)
}

func (c *fixedCodec[T]) ReadFrom(r io.Reader, _ int) (T, error) {
	b := make([]byte, c.n)
	if _, err := io.ReadFull(r, b); err != nil {
		var zero T
		return zero, err
	}
	return c.get(b)
}

func valid[T any](v T) (T, error) { return v, nil }

var be = binary.BigEndian

var (
	Bool = &fixedCodec[bool]{n: 1,
		put: func(b []byte, v bool) {
			if v {
				b[0] = 1
			}
		},
		get: func(b []byte) (bool, error) {
			if b[0] > 1 {
				return false, fmt.Errorf("%w: bool byte %d", ErrInvalidValue, b[0])
			}
			return b[0] == 1, nil
		},
	}
	Int8 = &fixedCodec[int8]{n: Int8Size,
		put: func(b []byte, v int8) { b[0] = byte(v) },
		get: func(b []byte) (int8, error) { return valid(int8(b[0])) },
	}
	Int16 = &fixedCodec[int16]{n: Int16Size,
		put: func(b []byte, v int16) { be.PutUint16(b, uint16(v)) },
		get: func(b []byte) (int16, error) { return valid(int16(be.Uint16(b))) },
	}
	Int32 = &fixedCodec[int32]{n: Int32Size,
		put: func(b []byte, v int32) { be.PutUint32(b, uint32(v)) },
		get: func(b []byte) (int32, error) { return valid(int32(be.Uint32(b))) },
	}
	Int64 = &fixedCodec[int64]{n: Int64Size,
		put: func(b []byte, v int64) { be.PutUint64(b, uint64(v)) },
		get: func(b []byte) (int64, error) { return valid(int64(be.Uint64(b))) },
	}
	// Int is always stored as 64 bits.
	Int = &fixedCodec[int]{n: Int64Size,
		put: func(b []byte, v int) { be.PutUint64(b, uint64(v)) },
		get: func(b []byte) (int, error) {
			v := int64(be.Uint64(b))
			if int64(int(v)) != v {
				return 0, fmt.Errorf("%w: %d overflows int", ErrInvalidValue, v)
			}
			return int(v), nil
		},
	}
	Uint8 = &fixedCodec[uint8]{n: Int8Size,
		put: func(b []byte, v uint8) { b[0] = v },
		get: func(b []byte) (uint8, error) { return valid(b[0]) },
	}
	Uint16 = &fixedCodec[uint16]{n: Int16Size,
		put: func(b []byte, v uint16) { be.PutUint16(b, v) },
		get: func(b []byte) (uint16, error) { return valid(be.Uint16(b)) },
	}
	Uint32 = &fixedCodec[uint32]{n: Int32Size,
		put: func(b []byte, v uint32) { be.PutUint32(b, v) },
		get: func(b []byte) (uint32, error) { return valid(be.Uint32(b)) },
	}
	Uint64 = &fixedCodec[uint64]{n: Int64Size,
		put: func(b []byte, v uint64) { be.PutUint64(b, v) },
		get: func(b []byte) (uint64, error) { return valid(be.Uint64(b)) },
	}
	Uint = &fixedCodec[uint]{n: Int64Size,
		put: func(b []byte, v uint) { be.PutUint64(b, uint64(v)) },
		get: func(b []byte) (uint, error) {
			v := be.Uint64(b)
			if uint64(uint(v)) != v {
				return 0, fmt.Errorf("%w: %d overflows uint", ErrInvalidValue, v)
			}
			return uint(v), nil
		},
	}
	Float32 = &fixedCodec[float32]{n: Int32Size,
		put: func(b []byte, v float32) { be.PutUint32(b, math.Float32bits(v)) },
		get: func(b []byte) (float32, error) { return valid(math.Float32frombits(be.Uint32(b))) },
	}
	Float64 = &fixedCodec[float64]{n: Int64Size,
		put: func(b []byte, v float64) { be.PutUint64(b, math.Float64bits(v)) },
		get: func(b []byte) (float64, error) { return valid(math.Float64frombits(be.Uint64(b))) },
	}
	Duration = &fixedCodec[time.Duration]{n: Int64Size,
		put: func(b []byte, v time.Duration) { be.PutUint64(b, uint64(v)) },
		get: func(b []byte) (time.Duration, error) { return valid(time.Duration(be.Uint64(b))) },
	}
	// Time stores Unix seconds and nanoseconds. Decoded values are in UTC and
	// carry no monotonic reading; compare them with time.Time.Equal.
	Time = &fixedCodec[time.Time]{n: Int64Size + Int32Size,
		put: func(b []byte, v time.Time) {
			be.PutUint64(b, uint64(v.Unix()))
			be.PutUint32(b[Int64Size:], uint32(v.Nanosecond()))
		},
		get: func(b []byte) (time.Time, error) {
			sec := int64(be.Uint64(b))
			nsec := int64(be.Uint32(b[Int64Size:]))
			if nsec >= int64(time.Second) {
				return time.Time{}, fmt.Errorf("%w: nanoseconds %d", ErrInvalidValue, nsec)
			}
			return time.Unix(sec, nsec).UTC(), nil
		},
	}
)

type stringCodec struct{}

// String is an int32 length followed by the raw string bytes.
var String = &stringCodec{}

func (*stringCodec) Size() Size { return MinSize(Int32Size) }
func (*stringCodec) SizeOf(v string) int { return Int32Size + len(v) }
func (*stringCodec) WriteTo(w io.Writer, v string) (int, error) { return WriteString(w, v) }
func (*stringCodec) ReadFrom(r io.Reader, _ int) (string, error) { return ReadString(r) }

type bytesCodec struct{}

// Bytes is an int32 length followed by the raw bytes; nil and empty slices are distinct.
var Bytes = &bytesCodec{}

func (*bytesCodec) Size() Size { return MinSize(Int32Size) }
func (*bytesCodec) SizeOf(v []byte) int { return Int32Size + len(v) }
func (*bytesCodec) WriteTo(w io.Writer, v []byte) (int, error) { return WriteBytes(w, v) }
func (*bytesCodec) ReadFrom(r io.Reader, _ int) ([]byte, error) { return ReadBytes(r) }

// registerBuiltins populates r with every built-in codec.
func registerBuiltins(r *Registry) {
	Register[bool](r, Bool)
	Register[int](r, Int)
	Register[int8](r, Int8)
	Register[int16](r, Int16)
	Register[int32](r, Int32)
	Register[int64](r, Int64)
	Register[uint](r, Uint)
	Register[uint8](r, Uint8)
	Register[uint16](r, Uint16)
	Register[uint32](r, Uint32)
	Register[uint64](r, Uint64)
	Register[float32](r, Float32)
	Register[float64](r, Float64)
	Register[string](r, String)
	Register[[]byte](r, Bytes)
	Register[time.Time](r, Time)
	Register[time.Duration](r, Duration)
}
