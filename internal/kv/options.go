package kv

import (
	"fmt"
	"reflect"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/storage"
)

// Identity is the cache key of a logical store. Two StoreOptions with equal
// identities refer to the same store, whichever backend serves it.
type Identity struct {
	Name  string
	Key   reflect.Type
	Value reflect.Type
}

func (id Identity) String() string {
	return fmt.Sprintf("%s<%v,%v>", id.Name, id.Key, id.Value)
}

// flightKey is unique per identity, unlike String, which may print two
// distinct types the same way.
func (id Identity) flightKey() string {
	return fmt.Sprintf("%s\x00%p\x00%p", id.Name, id.Key, id.Value)
}

// StoreOptions describes a logical store. Values are immutable: every With
// method returns a modified copy.
type StoreOptions[K, V any] struct {
	name       string
	backend    storage.Kind
	hasBackend bool
	keyType    codec.Descriptor
	valueType  codec.Descriptor
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
}

// NewOptions describes a store of K to V named name. Codecs are resolved from
// the provider's registry unless overridden.
func NewOptions[K, V any](name string) StoreOptions[K, V] {
	return StoreOptions[K, V]{
		name:      name,
		keyType:   codec.TypeOf[K](),
		valueType: codec.TypeOf[V](),
	}
}

func (o StoreOptions[K, V]) Name() string { return o.name }

// Backend returns the backend override, if any.
func (o StoreOptions[K, V]) Backend() (storage.Kind, bool) { return o.backend, o.hasBackend }

func (o StoreOptions[K, V]) Identity() Identity {
	return Identity{Name: o.name, Key: reflect.TypeFor[K](), Value: reflect.TypeFor[V]()}
}

func (o StoreOptions[K, V]) WithName(name string) StoreOptions[K, V] {
	o.name = name
	return o
}

// WithBackend pins the store to kind instead of the provider default.
func (o StoreOptions[K, V]) WithBackend(kind storage.Kind) StoreOptions[K, V] {
	o.backend = kind
	o.hasBackend = true
	return o
}

func (o StoreOptions[K, V]) WithKeyCodec(c codec.Codec[K]) StoreOptions[K, V] {
	o.keyCodec = c
	return o
}

func (o StoreOptions[K, V]) WithValueCodec(c codec.Codec[V]) StoreOptions[K, V] {
	o.valueCodec = c
	return o
}

// WithKeyType describes a container key type, such as codec.ListOf(codec.TypeOf[int32]()).
func (o StoreOptions[K, V]) WithKeyType(d codec.Descriptor) StoreOptions[K, V] {
	o.keyType = d
	return o
}

// WithValueType describes a container value type, such as codec.SetOf(codec.TypeOf[string]()).
func (o StoreOptions[K, V]) WithValueType(d codec.Descriptor) StoreOptions[K, V] {
	o.valueType = d
	return o
}

// Validate checks the name and that the type descriptors describe K and V.
func (o StoreOptions[K, V]) Validate() error {
	if err := storage.ValidateName(o.name); err != nil {
		return err
	}
	if want := reflect.TypeFor[K](); o.keyCodec == nil && o.keyType.Type() != want {
		return fmt.Errorf("key type %s does not describe %v", o.keyType, want)
	}
	if want := reflect.TypeFor[V](); o.valueCodec == nil && o.valueType.Type() != want {
		return fmt.Errorf("value type %s does not describe %v", o.valueType, want)
	}
	return nil
}

// resolveCodecs returns the override codecs, or resolves them from r.
func (o StoreOptions[K, V]) resolveCodecs(r *codec.Registry) (codec.Codec[K], codec.Codec[V], error) {
	keys := o.keyCodec
	if keys == nil {
		c, err := codec.ResolveAs[K](r, o.keyType)
		if err != nil {
			return nil, nil, err
		}
		keys = c
	}
	values := o.valueCodec
	if values == nil {
		c, err := codec.ResolveAs[V](r, o.valueType)
		if err != nil {
			return nil, nil, err
		}
		values = c
	}
	return keys, values, nil
}
