// Package storagetest holds the conformance suite every storage backend runs.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"managed-kvstore/internal/managed"
	"managed-kvstore/internal/storage"
)

// FactoryFunc returns a fresh factory. Factories of persistent backends should
// use t.TempDir so that every test starts empty.
type FactoryFunc func(t *testing.T) storage.Factory

// RunEngineTests runs the engine conformance suite against the factory.
func RunEngineTests(t *testing.T, name string, newFactory FactoryFunc) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGet", func(t *testing.T) {
			testPutGet(t, open(t, newFactory(t), "put-get"))
		})

		t.Run("ValueIsolation", func(t *testing.T) {
			testValueIsolation(t, open(t, newFactory(t), "isolation"))
		})

		t.Run("PutIfAbsent", func(t *testing.T) {
			testPutIfAbsent(t, open(t, newFactory(t), "put-if-absent"))
		})

		t.Run("ConcurrentPutIfAbsent", func(t *testing.T) {
			testConcurrentPutIfAbsent(t, open(t, newFactory(t), "race"))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, newFactory(t), "delete"))
		})

		t.Run("ScanSizeClear", func(t *testing.T) {
			testScanSizeClear(t, open(t, newFactory(t), "scan"))
		})

		t.Run("WriteBatch", func(t *testing.T) {
			testWriteBatch(t, open(t, newFactory(t), "batch"))
		})

		t.Run("FlushModes", func(t *testing.T) {
			testFlushModes(t, open(t, newFactory(t), "flush"))
		})

		t.Run("Names", func(t *testing.T) {
			testNames(t, newFactory(t))
		})

		t.Run("LocationInUse", func(t *testing.T) {
			testLocationInUse(t, newFactory(t))
		})

		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, newFactory(t))
		})

		t.Run("UseAfterClose", func(t *testing.T) {
			testUseAfterClose(t, newFactory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t *testing.T, factory storage.Factory, name string) storage.Engine {
	t.Helper()
	t.Cleanup(func() { factory.Close() })

	engine, err := factory.Open(name)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { dropOrClose(engine) })
	return engine
}

func dropOrClose(engine storage.Engine) {
	if d, ok := engine.(storage.Dropper); ok {
		d.Drop()
		return
	}
	engine.Close()
}

func mustPut(t *testing.T, engine storage.Engine, key, value string) {
	t.Helper()
	if err := engine.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%s) failed: %v", key, err)
	}
}

func expectValue(t *testing.T, engine storage.Engine, key, want string) {
	t.Helper()
	got, err := engine.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Errorf("Get(%s) = %q, want %q", key, got, want)
	}
}

func expectMissing(t *testing.T, engine storage.Engine, key string) {
	t.Helper()
	if _, err := engine.Get([]byte(key)); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Get(%s) error = %v, want ErrKeyNotFound", key, err)
	}
}

func collect(t *testing.T, engine storage.Engine) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := engine.Scan(func(k, v []byte) bool {
		out[string(k)] = string(v)
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, engine storage.Engine) {
	mustPut(t, engine, "key", "value1")
	expectValue(t, engine, "key", "value1")

	mustPut(t, engine, "key", "value2")
	expectValue(t, engine, "key", "value2")

	expectMissing(t, engine, "nonexistent")

	mustPut(t, engine, "empty", "")
	got, err := engine.Get([]byte("empty"))
	if err != nil {
		t.Fatalf("Get(empty) failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty value, got %q", got)
	}
}

func testValueIsolation(t *testing.T, engine storage.Engine) {
	value := []byte("original")
	if err := engine.Put([]byte("key"), value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'X'
	expectValue(t, engine, "key", "original")

	got, err := engine.Get([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	got[0] = 'Y'
	expectValue(t, engine, "key", "original")
}

func testPutIfAbsent(t *testing.T, engine storage.Engine) {
	existing, loaded, err := engine.PutIfAbsent([]byte("key"), []byte("first"))
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if loaded || existing != nil {
		t.Errorf("Expected absent key to be stored, got loaded=%v existing=%q", loaded, existing)
	}

	existing, loaded, err = engine.PutIfAbsent([]byte("key"), []byte("second"))
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !loaded || string(existing) != "first" {
		t.Errorf("Expected existing value first, got loaded=%v existing=%q", loaded, existing)
	}
	expectValue(t, engine, "key", "first")
}

func testConcurrentPutIfAbsent(t *testing.T, engine storage.Engine) {
	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, loaded, err := engine.PutIfAbsent([]byte("contended"), []byte(fmt.Sprintf("worker-%d", i)))
			if err != nil {
				t.Errorf("PutIfAbsent failed: %v", err)
				return
			}
			if !loaded {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins.Load())
	}
}

func testDelete(t *testing.T, engine storage.Engine) {
	mustPut(t, engine, "key", "value")

	existed, err := engine.Delete([]byte("key"))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !existed {
		t.Error("Expected Delete to report an existing key")
	}
	expectMissing(t, engine, "key")

	existed, err = engine.Delete([]byte("key"))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if existed {
		t.Error("Expected second Delete to report a missing key")
	}
}

func testScanSizeClear(t *testing.T, engine storage.Engine) {
	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k, v := fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%d", i)
		mustPut(t, engine, k, v)
		want[k] = v
	}

	got := collect(t, engine)
	if len(got) != len(want) {
		t.Fatalf("Scan returned %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Scan entry %s = %q, want %q", k, got[k], v)
		}
	}

	visited := 0
	if err := engine.Scan(func(k, v []byte) bool {
		visited++
		return visited < 5
	}); err != nil {
		t.Fatal(err)
	}
	if visited != 5 {
		t.Errorf("Expected Scan to stop after 5 entries, visited %d", visited)
	}

	size, err := engine.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 50 {
		t.Errorf("Size() = %d, want 50", size)
	}

	if err := engine.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if size, _ := engine.Size(); size != 0 {
		t.Errorf("Size() after Clear = %d", size)
	}
	expectMissing(t, engine, "key-000")
	mustPut(t, engine, "after-clear", "ok")
	expectValue(t, engine, "after-clear", "ok")
}

func testWriteBatch(t *testing.T, engine storage.Engine) {
	bw, ok := engine.(storage.BatchWriter)
	if !ok {
		t.Skip("engine does not batch writes")
	}

	mustPut(t, engine, "stale", "x")
	puts := []storage.KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	if err := bw.WriteBatch(puts, [][]byte{[]byte("stale"), []byte("never-there")}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}
	expectValue(t, engine, "a", "1")
	expectValue(t, engine, "b", "2")
	expectMissing(t, engine, "stale")

	if err := bw.WriteBatch(nil, nil); err != nil {
		t.Errorf("Empty WriteBatch failed: %v", err)
	}
}

func testFlushModes(t *testing.T, engine storage.Engine) {
	mustPut(t, engine, "key", "value")
	for _, mode := range []managed.FlushMode{managed.Incremental, managed.FullCompact, managed.FullClear} {
		if err := engine.Flush(mode); err != nil {
			t.Errorf("Flush(%s) failed: %v", mode, err)
		}
		expectValue(t, engine, "key", "value")
	}
}

func testNames(t *testing.T, factory storage.Factory) {
	defer factory.Close()

	for _, name := range []string{"", "../escape", "a/b", ".hidden", "has space"} {
		if _, err := factory.Open(name); !errors.Is(err, storage.ErrInvalidName) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func testLocationInUse(t *testing.T, factory storage.Factory) {
	defer factory.Close()

	first, err := factory.Open("shared")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := factory.Open("shared"); !errors.Is(err, storage.ErrLocationInUse) {
		t.Errorf("Second Open error = %v, want ErrLocationInUse", err)
	}

	other, err := factory.Open("other")
	if err != nil {
		t.Fatalf("Open of a different name failed: %v", err)
	}
	dropOrClose(other)

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	second, err := factory.Open("shared")
	if err != nil {
		t.Fatalf("Open after Close failed: %v", err)
	}
	dropOrClose(second)
}

func testReopen(t *testing.T, factory storage.Factory) {
	defer factory.Close()

	engine, err := factory.Open("durable")
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, engine, "k1", "v1")
	mustPut(t, engine, "k2", "v2")
	if err := engine.Flush(managed.FullClear); err != nil {
		t.Fatal(err)
	}
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}

	engine, err = factory.Open("durable")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer dropOrClose(engine)

	got := collect(t, engine)
	if !factory.Kind().Persistent() {
		if len(got) != 0 {
			t.Errorf("Expected volatile backend to start empty, got %v", got)
		}
		return
	}

	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || got["k1"] != "v1" || got["k2"] != "v2" {
		t.Errorf("Unexpected contents after reopen: %v", got)
	}
}

func testUseAfterClose(t *testing.T, factory storage.Factory) {
	defer factory.Close()

	engine, err := factory.Open("closed")
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, err := engine.Get([]byte("key")); !errors.Is(err, storage.ErrEngineClosed) {
		t.Errorf("Get after Close error = %v, want ErrEngineClosed", err)
	}
	if err := engine.Put([]byte("key"), []byte("v")); !errors.Is(err, storage.ErrEngineClosed) {
		t.Errorf("Put after Close error = %v, want ErrEngineClosed", err)
	}
}
