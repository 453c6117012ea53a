package codec

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"
)

// erasedCodec is a Codec with its type parameter replaced by reflection so that
// container codecs can be composed at runtime from a Descriptor.
type erasedCodec interface {
	goType() reflect.Type
	size() Size
	sizeOf(v reflect.Value) int
	write(w io.Writer, v reflect.Value) (int, error)
	read(r io.Reader, available int) (reflect.Value, error)
}

type erased[T any] struct {
	c Codec[T]
}

func erase[T any](c Codec[T]) erasedCodec {
	return erased[T]{c: c}
}

func (e erased[T]) goType() reflect.Type { return reflect.TypeFor[T]() }
func (e erased[T]) size() Size { return e.c.Size() }
func (e erased[T]) sizeOf(v reflect.Value) int { return e.c.SizeOf(v.Interface().(T)) }

func (e erased[T]) write(w io.Writer, v reflect.Value) (int, error) {
	return e.c.WriteTo(w, v.Interface().(T))
}

func (e erased[T]) read(r io.Reader, available int) (reflect.Value, error) {
	v, err := e.c.ReadFrom(r, available)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(&v).Elem(), nil
}

// typed exposes an erasedCodec as a Codec[T].
type typed[T any] struct {
	e erasedCodec
}

func (t typed[T]) Size() Size { return t.e.size() }
func (t typed[T]) SizeOf(v T) int { return t.e.sizeOf(reflect.ValueOf(&v).Elem()) }

func (t typed[T]) WriteTo(w io.Writer, v T) (int, error) {
	return t.e.write(w, reflect.ValueOf(&v).Elem())
}

func (t typed[T]) ReadFrom(r io.Reader, available int) (T, error) {
	v, err := t.e.read(r, available)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.Interface().(T), nil
}

func unerase[T any](e erasedCodec) Codec[T] {
	if direct, ok := e.(erased[T]); ok {
		return direct.c
	}
	return typed[T]{e: e}
}

// Container encoding: an int32 element count, then each element. Fixed-size
// elements are written as is; variable-size ones carry an int32 length prefix.

func writeElement(w io.Writer, elem erasedCodec, v reflect.Value) (int, error) {
	if elem.size().IsFixed() {
		return elem.write(w, v)
	}
	b, err := encodeElement(elem, v)
	if err != nil {
		return 0, err
	}
	return WriteBytes(w, b)
}

func encodeElement(elem erasedCodec, v reflect.Value) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := elem.write(&buf, v); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}

func readElement(r io.Reader, elem erasedCodec) (reflect.Value, error) {
	if elem.size().IsFixed() {
		return elem.read(r, elem.size().NumBytes())
	}
	b, err := ReadBytes(r)
	if err != nil {
		return reflect.Value{}, err
	}
	if b == nil {
		return reflect.Value{}, fmt.Errorf("%w: nil element", ErrInvalidLength)
	}
	return decodeElement(elem, b)
}

func decodeElement(elem erasedCodec, b []byte) (reflect.Value, error) {
	br := bytes.NewReader(b)
	v, err := elem.read(br, len(b))
	if err != nil {
		return reflect.Value{}, err
	}
	if br.Len() != 0 {
		return reflect.Value{}, ErrTrailingBytes
	}
	return v, nil
}

func elementSize(elem erasedCodec, v reflect.Value) int {
	if elem.size().IsFixed() {
		return elem.size().NumBytes()
	}
	n := elem.sizeOf(v)
	if n < 0 {
		return -1
	}
	return Int32Size + n
}

// nilCount marks a nil container, the same way WriteBytes marks a nil slice.
const nilCount = -1

func writeCount(w io.Writer, v reflect.Value) (int, error) {
	if v.IsNil() {
		return WriteInt32(w, nilCount)
	}
	return WriteInt32(w, int32(v.Len()))
}

// readCount returns nilCount for a nil container.
func readCount(r io.Reader) (int, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return 0, err
	}
	if n < nilCount {
		return 0, fmt.Errorf("%w: element count %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

// preallocation for decoded containers is capped; the count comes from untrusted bytes.
const maxPrealloc = 1024

type listCodec struct {
	typ  reflect.Type
	elem erasedCodec
}

func (c listCodec) goType() reflect.Type { return c.typ }
func (c listCodec) size() Size { return MinSize(Int32Size) }

func (c listCodec) sizeOf(v reflect.Value) int {
	total := Int32Size
	for i := 0; i < v.Len(); i++ {
		n := elementSize(c.elem, v.Index(i))
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

func (c listCodec) write(w io.Writer, v reflect.Value) (int, error) {
	total, err := writeCount(w, v)
	if err != nil {
		return total, err
	}
	for i := 0; i < v.Len(); i++ {
		n, err := writeElement(w, c.elem, v.Index(i))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c listCodec) read(r io.Reader, _ int) (reflect.Value, error) {
	n, err := readCount(r)
	if err != nil {
		return reflect.Value{}, err
	}
	if n == nilCount {
		return reflect.Zero(c.typ), nil
	}
	out := reflect.MakeSlice(c.typ, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		e, err := readElement(r, c.elem)
		if err != nil {
			return reflect.Value{}, err
		}
		out = reflect.Append(out, e)
	}
	return out, nil
}

// setCodec encodes map[E]struct{} with elements ordered by their encoded bytes,
// so equal sets always produce equal bytes.
type setCodec struct {
	typ  reflect.Type
	elem erasedCodec
}

func (c setCodec) goType() reflect.Type { return c.typ }
func (c setCodec) size() Size { return MinSize(Int32Size) }

func (c setCodec) sizeOf(v reflect.Value) int {
	total := Int32Size
	iter := v.MapRange()
	for iter.Next() {
		n := elementSize(c.elem, iter.Key())
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

func (c setCodec) write(w io.Writer, v reflect.Value) (int, error) {
	if v.IsNil() {
		return WriteInt32(w, nilCount)
	}
	encoded := make([][]byte, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		b, err := encodeElement(c.elem, iter.Key())
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	fixed := c.elem.size().IsFixed()
	total, err := WriteInt32(w, int32(len(encoded)))
	if err != nil {
		return total, err
	}
	for _, b := range encoded {
		var n int
		if fixed {
			n, err = w.Write(b)
		} else {
			n, err = WriteBytes(w, b)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c setCodec) read(r io.Reader, _ int) (reflect.Value, error) {
	n, err := readCount(r)
	if err != nil {
		return reflect.Value{}, err
	}
	if n == nilCount {
		return reflect.Zero(c.typ), nil
	}
	out := reflect.MakeMapWithSize(c.typ, min(n, maxPrealloc))
	present := reflect.Zero(c.typ.Elem())
	for i := 0; i < n; i++ {
		e, err := readElement(r, c.elem)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.MapIndex(e).IsValid() {
			return reflect.Value{}, fmt.Errorf("%w: duplicate set element", ErrInvalidValue)
		}
		out.SetMapIndex(e, present)
	}
	return out, nil
}

// ListCodec composes a codec for []E from the element codec.
func ListCodec[E any](elem Codec[E]) Codec[[]E] {
	return unerase[[]E](listCodec{typ: reflect.TypeFor[[]E](), elem: erase(elem)})
}

// SetCodec composes a codec for map[E]struct{} from the element codec.
func SetCodec[E comparable](elem Codec[E]) Codec[map[E]struct{}] {
	return unerase[map[E]struct{}](setCodec{typ: reflect.TypeFor[map[E]struct{}](), elem: erase(elem)})
}
