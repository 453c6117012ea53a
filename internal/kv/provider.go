package kv

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/config"
	"managed-kvstore/internal/lifecycle"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/managed"
	"managed-kvstore/internal/storage"
)

// ProviderConfig wires a Provider. Zero values select defaults.
type ProviderConfig struct {
	// Registry resolves codecs; nil selects codec.NewDefaultRegistry().
	Registry       *codec.Registry
	DefaultBackend storage.Kind
	DataPath       string
	Settings       *config.Settings
	// Cache enables the write-behind cache in front of persistent engines.
	Cache           *storage.CachedConfig
	JanitorInterval time.Duration
	Listener        StatsListener
	Logger          *logging.Logger
	// Lifetime is the parent lifetime; the provider registers a nested one.
	// Nil gives the provider its own.
	Lifetime *lifecycle.Lifetime
}

// handle is the untyped view of an open store kept in the identity cache.
type handle interface {
	identity() Identity
	closing() <-chan struct{}
	drop() error
	Close() error
}

// Provider opens typed stores and keeps at most one live store per Identity.
// Backend factories, the janitor and every opened store are registered in the
// provider's lifetime in that order, so Close tears down stores first, then
// stops the janitor, then closes the factories.
type Provider struct {
	registry       *codec.Registry
	defaultBackend storage.Kind
	cache          *storage.CachedConfig
	listener       StatsListener
	logger         *logging.Logger
	lifetime       *lifecycle.Lifetime
	janitor        *managed.Janitor
	factories      map[storage.Kind]storage.Factory

	stores *xsync.MapOf[Identity, handle]
	opens  singleflight.Group
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = codec.NewDefaultRegistry()
	}

	var lifetime *lifecycle.Lifetime
	if cfg.Lifetime != nil {
		lifetime = cfg.Lifetime.Nested("kv")
	} else {
		lifetime = lifecycle.New(logger)
	}

	p := &Provider{
		registry:       registry,
		defaultBackend: cfg.DefaultBackend,
		cache:          cfg.Cache,
		listener:       cfg.Listener,
		logger:         logger.WithComponent("kv"),
		lifetime:       lifetime,
		factories:      make(map[storage.Kind]storage.Factory),
		stores:         xsync.NewMapOf[Identity, handle](),
	}

	opts := storage.FactoryOptions{DataPath: cfg.DataPath, Settings: cfg.Settings, Logger: logger}
	for _, kind := range storage.Kinds() {
		f, err := storage.NewFactory(kind, opts)
		if err != nil {
			lifetime.Terminate()
			return nil, err
		}
		p.factories[kind] = f
		lifetime.OnTerminateCloser("factory:"+kind.String(), f)
	}

	p.janitor = managed.NewJanitor(cfg.JanitorInterval, logger)
	lifetime.OnTerminate("janitor", p.janitor.Stop)
	p.janitor.Start()

	return p, nil
}

// NewProviderFromConfig builds a provider from the loaded configuration file.
func NewProviderFromConfig(cfg *config.Config, listener StatsListener, logger *logging.Logger) (*Provider, error) {
	kind, err := storage.ParseKind(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}

	pc := ProviderConfig{
		DefaultBackend: kind,
		DataPath:       cfg.Storage.DataPath,
		Settings:       cfg.Settings(),
		Listener:       listener,
		Logger:         logger,
	}
	if cfg.Storage.Cache.Enabled {
		cached := storage.CachedConfigFrom(cfg.Storage.Cache)
		pc.Cache = &cached
	}
	if cfg.Janitor.Enabled {
		pc.JanitorInterval = cfg.Janitor.Interval
	}
	return NewProvider(pc)
}

func (p *Provider) Registry() *codec.Registry     { return p.registry }
func (p *Provider) Janitor() *managed.Janitor     { return p.janitor }
func (p *Provider) Lifetime() *lifecycle.Lifetime { return p.lifetime }

// Len returns the number of open stores.
func (p *Provider) Len() int {
	return p.stores.Size()
}

// Identities lists the open stores.
func (p *Provider) Identities() []Identity {
	var ids []Identity
	p.stores.Range(func(id Identity, _ handle) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close terminates the provider's lifetime: every store is flushed and closed,
// the janitor stops, and the factories are closed. Errors are collected.
func (p *Provider) Close() error {
	return p.lifetime.Terminate()
}

// Open returns the store for opts, opening its backend on first use. Racing
// calls for one identity open the backend once and share the store. Opening an
// identity that is already open with another backend or other codecs fails
// with ErrConflictingOptions.
func Open[K, V any](p *Provider, opts StoreOptions[K, V]) (KeyValueStore[K, V], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	keys, values, err := opts.resolveCodecs(p.registry)
	if err != nil {
		return nil, err
	}
	kind := p.defaultBackend
	if k, ok := opts.Backend(); ok {
		kind = k
	}
	id := opts.Identity()

	for {
		if p.lifetime.Status() != lifecycle.Alive {
			return nil, ErrClosed
		}

		h, ok := p.stores.Load(id)
		if !ok {
			v, err, _ := p.opens.Do(id.flightKey(), func() (interface{}, error) {
				if h, ok := p.stores.Load(id); ok {
					return h, nil
				}
				return openStore(p, id, kind, keys, values)
			})
			if err != nil {
				return nil, err
			}
			h = v.(handle)
		}

		s, err := reuse(h, kind, keys, values)
		if errors.Is(err, errStale) {
			continue
		}
		return s, err
	}
}

// MustOpen is Open for tests and tools; it panics on error.
func MustOpen[K, V any](p *Provider, opts StoreOptions[K, V]) KeyValueStore[K, V] {
	s, err := Open(p, opts)
	if err != nil {
		panic(err)
	}
	return s
}

var errStale = errors.New("store is closing")

// reuse returns h as a KeyValueStore[K, V] if it matches the requested backend
// and codecs. A store being closed is waited for and reported as stale.
func reuse[K, V any](h handle, kind storage.Kind, keys codec.Codec[K], values codec.Codec[V]) (KeyValueStore[K, V], error) {
	s, ok := h.(*store[K, V])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictingOptions, h.identity())
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		<-s.done
		return nil, errStale
	}

	switch {
	case s.kind != kind:
		return nil, fmt.Errorf("%w: %s is open on %s, requested %s", ErrConflictingOptions, s.id, s.kind, kind)
	case !sameCodec(s.keys, keys):
		return nil, fmt.Errorf("%w: %s is open with another key codec", ErrConflictingOptions, s.id)
	case !sameCodec(s.values, values):
		return nil, fmt.Errorf("%w: %s is open with another value codec", ErrConflictingOptions, s.id)
	}
	return s, nil
}

// sameCodec reports whether two codecs are interchangeable. Comparable codecs
// use ==; otherwise the values are walked field by field, with funcs equal when
// they point at the same code.
func sameCodec(a, b any) (same bool) {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta != nil && ta.Comparable() {
		// Interface fields may still hold uncomparable values at runtime.
		defer func() {
			if recover() != nil {
				same = equalValues(reflect.ValueOf(a), reflect.ValueOf(b), 0)
			}
		}()
		if a == b {
			return true
		}
	}
	return equalValues(reflect.ValueOf(a), reflect.ValueOf(b), 0)
}

const maxCodecDepth = 16

func equalValues(a, b reflect.Value, depth int) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	if a.Type() != b.Type() || depth > maxCodecDepth {
		return false
	}
	switch a.Kind() {
	case reflect.Func:
		return a.Pointer() == b.Pointer()
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !equalValues(a.Field(i), b.Field(i), depth+1) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			if !equalValues(a.Index(i), b.Index(i), depth+1) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if a.IsNil() != b.IsNil() || a.Len() != b.Len() {
			return false
		}
		for i := 0; i < a.Len(); i++ {
			if !equalValues(a.Index(i), b.Index(i), depth+1) {
				return false
			}
		}
		return true
	case reflect.Map:
		if a.IsNil() != b.IsNil() || a.Len() != b.Len() {
			return false
		}
		iter := a.MapRange()
		for iter.Next() {
			other := b.MapIndex(iter.Key())
			if !other.IsValid() || !equalValues(iter.Value(), other, depth+1) {
				return false
			}
		}
		return true
	case reflect.Interface, reflect.Pointer:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		if a.Kind() == reflect.Pointer && a.Pointer() == b.Pointer() {
			return true
		}
		return equalValues(a.Elem(), b.Elem(), depth+1)
	case reflect.Chan, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	default:
		return a.Equal(b)
	}
}

func openStore[K, V any](p *Provider, id Identity, kind storage.Kind, keys codec.Codec[K], values codec.Codec[V]) (handle, error) {
	factory, ok := p.factories[kind]
	if !ok {
		return nil, &BackendOpenError{Backend: kind, Store: id.Name, Err: fmt.Errorf("unsupported storage backend: %s", kind)}
	}

	engine, err := factory.Open(id.Name)
	if err != nil {
		p.logger.WithError(err).Error("Failed to open store", "store", id.String(), "backend", kind.String())
		return nil, &BackendOpenError{Backend: kind, Store: id.Name, Err: err}
	}
	if p.cache != nil && kind.Persistent() {
		engine = storage.NewCachedEngine(engine, *p.cache)
	}

	s := newStore(id, kind, engine, keys, values, p.listener, p.logger)
	unregister := p.janitor.Register(id.String(), janitorRef{flush: s.flushIfOpen})
	deregister, ok := p.lifetime.Register("store:"+id.String(), s.Close)
	s.onClose = func() {
		unregister()
		deregister()
		p.stores.Compute(id, func(old handle, loaded bool) (handle, bool) {
			return old, !loaded || old == handle(s)
		})
		p.logger.Lifecycle(context.Background(), "close", "store:"+id.String(), nil)
	}

	if !ok {
		s.Close()
		return nil, ErrClosed
	}
	p.stores.Store(id, s)
	p.logger.Lifecycle(context.Background(), "open", "store:"+id.String(), map[string]interface{}{
		"backend": kind.String(),
	})
	return s, nil
}
