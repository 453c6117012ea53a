package codec

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLength = errors.New("invalid length prefix")
	ErrTrailingBytes = errors.New("trailing bytes after value")
	ErrInvalidValue  = errors.New("invalid encoded value")
)

// CodecError reports bytes that could not be decoded, or a value that could
// not be encoded, by the codec for Type.
type CodecError struct {
	Type string
	Op   string
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %s failed: %v", e.Type, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// UnsupportedTypeError is returned when no codec is registered for Type and
// none can be composed from registered element codecs.
type UnsupportedTypeError struct {
	Type   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no codec for type %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("no codec for type %s", e.Type)
}
