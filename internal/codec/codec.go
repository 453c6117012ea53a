// Package codec converts typed keys and values to the bytes stored by engines.
package codec

import (
	"bytes"
	"errors"
	"io"
	"reflect"
)

// Codec encodes and decodes values of type T. For every value v the codec can
// represent, decoding the bytes produced by WriteTo yields v again.
type Codec[T any] interface {
	Size() Size
	// SizeOf returns the exact encoded length of v, or -1 when it is not known
	// without encoding.
	SizeOf(v T) int
	WriteTo(w io.Writer, v T) (int, error)
	// ReadFrom decodes one value. available is the number of bytes remaining in
	// r for this value, or -1 when unknown.
	ReadFrom(r io.Reader, available int) (T, error)
}

// Encode returns the bytes of v.
func Encode[T any](c Codec[T], v T) ([]byte, error) {
	var buf bytes.Buffer
	if n := c.SizeOf(v); n > 0 {
		buf.Grow(n)
	} else if n := c.Size().NumBytes(); n > 0 {
		buf.Grow(n)
	}
	if _, err := c.WriteTo(&buf, v); err != nil {
		return nil, &CodecError{Type: typeName[T](), Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Decode reads a single value that must span all of data.
func Decode[T any](c Codec[T], data []byte) (T, error) {
	r := bytes.NewReader(data)
	v, err := c.ReadFrom(r, len(data))
	if err != nil {
		var zero T
		var ce *CodecError
		if errors.As(err, &ce) {
			return zero, err
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return zero, &CodecError{Type: typeName[T](), Op: "decode", Err: err}
	}
	if r.Len() != 0 {
		var zero T
		return zero, &CodecError{Type: typeName[T](), Op: "decode", Err: ErrTrailingBytes}
	}
	return v, nil
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
