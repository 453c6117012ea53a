package codec

import (
	"fmt"
	"reflect"
	"sync"
)

type shape uint8

const (
	shapeScalar shape = iota
	shapeList
	shapeSet
)

// Descriptor names a type for codec resolution. Containers are described
// explicitly with ListOf and SetOf so the registry never has to guess the shape
// of a type from reflection.
type Descriptor struct {
	shape shape
	typ   reflect.Type
	elem  *Descriptor
}

// TypeOf describes T as a single registered type.
func TypeOf[T any]() Descriptor {
	return Descriptor{shape: shapeScalar, typ: reflect.TypeFor[T]()}
}

// ListOf describes []E for the element described by elem.
func ListOf(elem Descriptor) Descriptor {
	d := Descriptor{shape: shapeList, elem: &elem}
	if elem.typ != nil {
		d.typ = reflect.SliceOf(elem.typ)
	}
	return d
}

// SetOf describes map[E]struct{} for the element described by elem. E must be comparable.
func SetOf(elem Descriptor) Descriptor {
	d := Descriptor{shape: shapeSet, elem: &elem}
	if elem.typ != nil && elem.typ.Comparable() {
		d.typ = reflect.MapOf(elem.typ, reflect.TypeFor[struct{}]())
	}
	return d
}

// Type returns the Go type described, or nil if the description is invalid.
func (d Descriptor) Type() reflect.Type { return d.typ }

func (d Descriptor) String() string {
	switch d.shape {
	case shapeList:
		return "list<" + d.elem.String() + ">"
	case shapeSet:
		return "set<" + d.elem.String() + ">"
	default:
		if d.typ == nil {
			return "<nil>"
		}
		return d.typ.String()
	}
}

// Registry maps Go types to codecs. It is populated explicitly at startup and
// safe for concurrent use afterwards.
type Registry struct {
	mu     sync.RWMutex
	codecs map[reflect.Type]erasedCodec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[reflect.Type]erasedCodec)}
}

// NewDefaultRegistry returns a registry holding every built-in codec.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register binds c to T, replacing any previous codec for T.
func Register[T any](r *Registry, c Codec[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[reflect.TypeFor[T]()] = erase(c)
}

// Has reports whether a codec is registered for exactly t.
func (r *Registry) Has(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[t]
	return ok
}

// Resolve returns the codec registered for T.
func Resolve[T any](r *Registry) (Codec[T], error) {
	return ResolveAs[T](r, TypeOf[T]())
}

// ResolveList resolves a codec for []E, composing it from the codec for E.
func ResolveList[E any](r *Registry) (Codec[[]E], error) {
	return ResolveAs[[]E](r, ListOf(TypeOf[E]()))
}

// ResolveSet resolves a codec for map[E]struct{}, composing it from the codec for E.
func ResolveSet[E comparable](r *Registry) (Codec[map[E]struct{}], error) {
	return ResolveAs[map[E]struct{}](r, SetOf(TypeOf[E]()))
}

// ResolveAs resolves d and checks that it describes T.
func ResolveAs[T any](r *Registry, d Descriptor) (Codec[T], error) {
	want := reflect.TypeFor[T]()
	if d.typ != want {
		return nil, &UnsupportedTypeError{
			Type:   want.String(),
			Reason: fmt.Sprintf("descriptor %s describes %v", d, d.typ),
		}
	}
	e, err := r.resolve(d)
	if err != nil {
		return nil, err
	}
	return unerase[T](e), nil
}

// ResolveDescriptor checks that d can be resolved. Use ResolveAs to obtain the codec.
func ResolveDescriptor(r *Registry, d Descriptor) error {
	_, err := r.resolve(d)
	return err
}

func (r *Registry) resolve(d Descriptor) (erasedCodec, error) {
	if d.typ == nil {
		return nil, &UnsupportedTypeError{Type: d.String(), Reason: "invalid type description"}
	}

	r.mu.RLock()
	registered, ok := r.codecs[d.typ]
	r.mu.RUnlock()
	if ok {
		return registered, nil
	}

	switch d.shape {
	case shapeList:
		elem, err := r.resolve(*d.elem)
		if err != nil {
			return nil, &UnsupportedTypeError{Type: d.String(), Reason: err.Error()}
		}
		return listCodec{typ: d.typ, elem: elem}, nil
	case shapeSet:
		elem, err := r.resolve(*d.elem)
		if err != nil {
			return nil, &UnsupportedTypeError{Type: d.String(), Reason: err.Error()}
		}
		return setCodec{typ: d.typ, elem: elem}, nil
	default:
		return nil, &UnsupportedTypeError{Type: d.typ.String()}
	}
}
