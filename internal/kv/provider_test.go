package kv

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/lifecycle"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/storage"
	"managed-kvstore/internal/testutil"
)

func newTestProvider(t *testing.T, kind storage.Kind) *Provider {
	t.Helper()
	p, err := NewProvider(ProviderConfig{
		DefaultBackend: kind,
		DataPath:       t.TempDir(),
		Logger:         testutil.TestLogger(),
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSessionsScenario(t *testing.T) {
	tests := []struct {
		name      string
		kind      storage.Kind
		persisted bool
	}{
		{"memory", storage.Memory, false},
		{"bolt", storage.Bolt, true},
		{"pebble", storage.Pebble, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, tt.kind)
			opts := NewOptions[int, string]("sessions")

			s := MustOpen(p, opts)
			if err := s.Put(1, "foo"); err != nil {
				t.Fatal(err)
			}
			if v, found, err := s.Get(1); err != nil || !found || v != "foo" {
				t.Errorf("Get(1) = %q, %v, %v", v, found, err)
			}
			if _, found, err := s.Get(2); err != nil || found {
				t.Errorf("Get(2) should be absent, got found=%v err=%v", found, err)
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}

			reopened := MustOpen(p, opts)
			if reopened == s {
				t.Error("Expected a fresh instance after Close")
			}
			v, found, err := reopened.Get(1)
			if err != nil {
				t.Fatal(err)
			}
			if tt.persisted && (!found || v != "foo") {
				t.Errorf("Expected persisted {1: foo}, got %q found=%v", v, found)
			}
			if !tt.persisted && found {
				t.Errorf("Expected empty store, got %q", v)
			}
		})
	}
}

func TestSingleInstanceUnderConcurrentOpen(t *testing.T) {
	p := newTestProvider(t, storage.Bolt)
	opts := NewOptions[string, int64]("counters")

	const callers = 32
	stores := make([]KeyValueStore[string, int64], callers)
	testutil.ConcurrentTest(t, callers, func(i int) {
		s, err := Open(p, opts)
		if err != nil {
			t.Errorf("Open failed: %v", err)
			return
		}
		stores[i] = s
	})

	for i := 1; i < callers; i++ {
		if stores[i] != stores[0] {
			t.Fatalf("Open %d returned a different instance", i)
		}
	}
	if p.Len() != 1 {
		t.Errorf("Expected one open store, got %d", p.Len())
	}
}

func TestIdentityIncludesTypes(t *testing.T) {
	p := newTestProvider(t, storage.Memory)

	a := MustOpen(p, NewOptions[int, string]("shared"))
	b := MustOpen(p, NewOptions[string, string]("shared"))
	if a.(handle).identity() == b.(handle).identity() {
		t.Error("Different key types must give different identities")
	}
	if p.Len() != 2 {
		t.Errorf("Expected two stores, got %d", p.Len())
	}
}

func TestConflictingOptions(t *testing.T) {
	p := newTestProvider(t, storage.Memory)
	opts := NewOptions[string, string]("users")
	MustOpen(p, opts)

	tests := []struct {
		name string
		opts StoreOptions[string, string]
	}{
		{"other backend", opts.WithBackend(storage.Bolt)},
		{"other value codec", opts.WithValueCodec(upperCodec{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(p, tt.opts); !errors.Is(err, ErrConflictingOptions) {
				t.Errorf("Expected ErrConflictingOptions, got %v", err)
			}
		})
	}

	if _, err := Open(p, opts.WithValueCodec(codec.String)); err != nil {
		t.Errorf("Explicitly passing the default codec should not conflict: %v", err)
	}
}

// mappedCodec is a value codec with a func field, so it is not comparable.
type mappedCodec struct {
	name string
	fn   func(string) string
}

func (mappedCodec) Size() codec.Size    { return codec.Variable() }
func (mappedCodec) SizeOf(v string) int { return codec.Int32Size + len(v) }
func (c mappedCodec) WriteTo(w io.Writer, v string) (int, error) {
	return codec.WriteString(w, c.fn(v))
}
func (mappedCodec) ReadFrom(r io.Reader, _ int) (string, error) {
	return codec.ReadString(r)
}

func TestReopenWithUncomparableCodec(t *testing.T) {
	p := newTestProvider(t, storage.Memory)
	opts := NewOptions[string, string]("mapped").WithValueCodec(mappedCodec{name: "upper", fn: strings.ToUpper})
	first := MustOpen(p, opts)

	again, err := Open(p, NewOptions[string, string]("mapped").WithValueCodec(mappedCodec{name: "upper", fn: strings.ToUpper}))
	if err != nil {
		t.Fatalf("Reopening with an identical codec failed: %v", err)
	}
	if again != first {
		t.Error("Expected the cached instance")
	}

	tests := []struct {
		name  string
		codec mappedCodec
	}{
		{"other func", mappedCodec{name: "upper", fn: strings.ToLower}},
		{"other field", mappedCodec{name: "lower", fn: strings.ToUpper}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(p, NewOptions[string, string]("mapped").WithValueCodec(tt.codec))
			if !errors.Is(err, ErrConflictingOptions) {
				t.Errorf("Expected ErrConflictingOptions, got %v", err)
			}
		})
	}
}

func TestSameCodec(t *testing.T) {
	list := codec.ListCodec[string](codec.String)
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same builtin", codec.String, codec.String, true},
		{"different builtins", codec.String, codec.Int64, false},
		{"separately composed lists", list, codec.ListCodec[string](codec.String), true},
		{"lists of different elements", list, codec.ListCodec[string](upperCodec{}), false},
		{"uncomparable values", mappedCodec{fn: strings.ToUpper}, mappedCodec{fn: strings.ToUpper}, true},
		{"nil funcs", mappedCodec{}, mappedCodec{}, true},
		{"one nil func", mappedCodec{}, mappedCodec{fn: strings.ToUpper}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameCodec(tt.a, tt.b); got != tt.want {
				t.Errorf("sameCodec() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnsupportedType(t *testing.T) {
	p := newTestProvider(t, storage.Memory)
	type point struct{ X, Y int }

	_, err := Open(p, NewOptions[string, point]("points"))
	var ute *codec.UnsupportedTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("Expected UnsupportedTypeError, got %v", err)
	}
	if p.Len() != 0 {
		t.Error("A failed open must not be cached")
	}
}

func TestContainerValueType(t *testing.T) {
	p := newTestProvider(t, storage.Memory)
	opts := NewOptions[string, []int32]("lists").WithValueType(codec.ListOf(codec.TypeOf[int32]()))

	s := MustOpen(p, opts)
	if err := s.Put("a", []int32{3, 1, 2}); err != nil {
		t.Fatal(err)
	}
	v, found, err := s.Get("a")
	if err != nil || !found || len(v) != 3 || v[0] != 3 || v[2] != 2 {
		t.Errorf("Get = %v, %v, %v", v, found, err)
	}

	bad := NewOptions[string, []int32]("lists").WithValueType(codec.SetOf(codec.TypeOf[int32]()))
	if err := bad.Validate(); err == nil {
		t.Error("A set descriptor must not validate for a slice value")
	}
}

func TestOpenFailureIsNotCached(t *testing.T) {
	dir := t.TempDir()
	blocker, err := storage.NewFactory(storage.Bolt, storage.FactoryOptions{DataPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	held, err := blocker.Open("locked")
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(ProviderConfig{DefaultBackend: storage.Bolt, DataPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	opts := NewOptions[string, string]("locked")
	_, err = Open(p, opts)
	var boe *BackendOpenError
	if !errors.As(err, &boe) || boe.Backend != storage.Bolt || !errors.Is(err, storage.ErrLocationInUse) {
		t.Fatalf("Expected BackendOpenError wrapping ErrLocationInUse, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatal("Failed open must not populate the cache")
	}

	held.Close()
	if _, err := Open(p, opts); err != nil {
		t.Errorf("Retry after the location was released failed: %v", err)
	}
}

func TestCloseIdempotence(t *testing.T) {
	p := newTestProvider(t, storage.Bolt)
	opts := NewOptions[int64, string]("idempotent")

	s := MustOpen(p, opts)
	s.Put(7, "seven")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
	if _, _, err := s.Get(7); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close error = %v, want ErrClosed", err)
	}

	v, found, _ := MustOpen(p, opts).Get(7)
	if !found || v != "seven" {
		t.Errorf("Data changed by the second Close: %q found=%v", v, found)
	}
}

func TestClosedStoresLeaveTheLifetime(t *testing.T) {
	p := newTestProvider(t, storage.Memory)
	opts := NewOptions[string, string]("sessions")
	base := p.Lifetime().Len()

	for i := 0; i < 200; i++ {
		s := MustOpen(p, opts)
		if p.Lifetime().Len() != base+1 {
			t.Fatalf("open store should add one callback, have %d over %d", p.Lifetime().Len(), base)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.Lifetime().Len(); n != base {
		t.Errorf("Lifetime holds %d callbacks after closing every store, want %d", n, base)
	}

	s := MustOpen(p, opts)
	s.Put("k", "v")
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Provider.Close should still close the open store, Get err = %v", err)
	}
}

func TestProviderTeardownOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	parent := lifecycle.New(logging.Nop())
	parent.OnTerminate("before-provider", func() error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "before-provider")
		return nil
	})

	p, err := NewProvider(ProviderConfig{DefaultBackend: storage.Memory, Lifetime: parent})
	if err != nil {
		t.Fatal(err)
	}
	s := MustOpen(p, NewOptions[string, string]("a"))
	s.Put("k", "v")
	p.Lifetime().OnTerminate("after-store", func() error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "after-store")
		return nil
	})

	if err := parent.Terminate(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "after-store" || order[1] != "before-provider" {
		t.Errorf("Unexpected teardown order: %v", order)
	}
	if _, _, err := s.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Store should be closed by teardown, got %v", err)
	}
	if p.Janitor().Len() != 0 {
		t.Errorf("Closed stores must leave the janitor, %d remain", p.Janitor().Len())
	}
	if _, err := Open(p, NewOptions[string, string]("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after teardown error = %v, want ErrClosed", err)
	}
}

func TestProviderCloseFlushesCachedStores(t *testing.T) {
	dir := t.TempDir()
	cache := storage.CachedConfig{SoftLimit: 1000, HardLimit: 10000}
	newProvider := func() *Provider {
		p, err := NewProvider(ProviderConfig{DefaultBackend: storage.LevelDB, DataPath: dir, Cache: &cache})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}

	p := newProvider()
	s := MustOpen(p, NewOptions[string, string]("buffered"))
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Put(k, k+k); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p = newProvider()
	defer p.Close()
	n, err := MustOpen(p, NewOptions[string, string]("buffered")).Size()
	if err != nil || n != 3 {
		t.Errorf("Expected 3 persisted entries, got %d (%v)", n, err)
	}
}

func TestDropAndRecreate(t *testing.T) {
	p := newTestProvider(t, storage.Bolt)
	opts := NewOptions[string, string]("scratch")

	MustOpen(p, opts).Put("k", "v")
	s, err := DropAndRecreate(p, opts)
	if err != nil {
		t.Fatal(err)
	}
	if empty, err := s.IsEmpty(); err != nil || !empty {
		t.Errorf("Expected empty store after drop, empty=%v err=%v", empty, err)
	}
}
