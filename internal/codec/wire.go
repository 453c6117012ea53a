package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire primitives shared by the built-in codecs and available to custom ones.
// Integers are big-endian; byte arrays and strings carry an int32 length prefix
// where -1 marks a nil value.

const (
	Int8Size  = 1
	Int16Size = 2
	Int32Size = 4
	Int64Size = 8
)

func WriteInt8(w io.Writer, v int8) (int, error) {
	return w.Write([]byte{byte(v)})
}

func WriteInt16(w io.Writer, v int16) (int, error) {
	var b [Int16Size]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return w.Write(b[:])
}

func WriteInt32(w io.Writer, v int32) (int, error) {
	var b [Int32Size]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return w.Write(b[:])
}

func WriteInt64(w io.Writer, v int64) (int, error) {
	var b [Int64Size]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return w.Write(b[:])
}

func WriteBool(w io.Writer, v bool) (int, error) {
	if v {
		return WriteInt8(w, 1)
	}
	return WriteInt8(w, 0)
}

func ReadInt8(r io.Reader) (int8, error) {
	var b [Int8Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func ReadInt16(r io.Reader) (int16, error) {
	var b [Int16Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b[:])), nil
}

func ReadInt32(r io.Reader) (int32, error) {
	var b [Int32Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func ReadInt64(r io.Reader) (int64, error) {
	var b [Int64Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadInt8(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool byte %d", ErrInvalidValue, b)
	}
}

// WriteBytes writes an int32 length followed by b. A nil slice is written as length -1.
func WriteBytes(w io.Writer, b []byte) (int, error) {
	if b == nil {
		return WriteInt32(w, -1)
	}
	n, err := WriteInt32(w, int32(len(b)))
	if err != nil {
		return n, err
	}
	m, err := w.Write(b)
	return n + m, err
}

// ReadBytes reads a value written by WriteBytes.
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if err := checkLength(r, int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func WriteString(w io.Writer, s string) (int, error) {
	n, err := WriteInt32(w, int32(len(s)))
	if err != nil {
		return n, err
	}
	m, err := io.WriteString(w, s)
	return n + m, err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return "", err
	}
	if err := checkLength(r, int(n)); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// checkLength rejects negative lengths and, for readers that know how much
// remains, lengths past the end of input.
func checkLength(r io.Reader, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if lr, ok := r.(interface{ Len() int }); ok && n > lr.Len() {
		return fmt.Errorf("%w: %d exceeds remaining %d bytes", ErrInvalidLength, n, lr.Len())
	}
	return nil
}

// WriteNullableString writes s like WriteString, or length -1 when s is nil.
func WriteNullableString(w io.Writer, s *string) (int, error) {
	if s == nil {
		return WriteInt32(w, -1)
	}
	return WriteString(w, *s)
}

func ReadNullableString(r io.Reader) (*string, error) {
	b, err := ReadBytes(r)
	if err != nil || b == nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
