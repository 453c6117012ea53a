package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/storage"
	"managed-kvstore/internal/storage/storagetest"
)

func factoryFor(kind storage.Kind, properties map[string]string) storagetest.FactoryFunc {
	return func(t *testing.T) storage.Factory {
		f, err := storage.NewFactory(kind, storage.FactoryOptions{
			DataPath: t.TempDir(),
			Settings: config.NewSettings(properties),
		})
		if err != nil {
			t.Fatalf("NewFactory(%s) failed: %v", kind, err)
		}
		return f
	}
}

// cachedFactory wraps every engine of the inner factory in a CachedEngine.
type cachedFactory struct {
	storage.Factory
	config storage.CachedConfig
}

func (f cachedFactory) Open(name string) (storage.Engine, error) {
	engine, err := f.Factory.Open(name)
	if err != nil {
		return nil, err
	}
	return storage.NewCachedEngine(engine, f.config), nil
}

func TestEngines(t *testing.T) {
	storagetest.RunEngineTests(t, "memory", factoryFor(storage.Memory, nil))
	storagetest.RunEngineTests(t, "badger", factoryFor(storage.Badger, nil))
	storagetest.RunEngineTests(t, "bolt", factoryFor(storage.Bolt, map[string]string{"db.bolt.timeout": "100ms"}))
	storagetest.RunEngineTests(t, "pebble", factoryFor(storage.Pebble, nil))
	storagetest.RunEngineTests(t, "leveldb", factoryFor(storage.LevelDB, nil))
	storagetest.RunEngineTests(t, "sqlite", factoryFor(storage.SQLite, nil))

	storagetest.RunEngineTests(t, "cached-memory", func(t *testing.T) storage.Factory {
		return cachedFactory{Factory: factoryFor(storage.Memory, nil)(t), config: storage.CachedConfig{SoftLimit: 4, HardLimit: 16, FlushBatchSize: 3}}
	})
	storagetest.RunEngineTests(t, "cached-bolt", func(t *testing.T) storage.Factory {
		return cachedFactory{Factory: factoryFor(storage.Bolt, nil)(t), config: storage.CachedConfig{SoftLimit: 4, HardLimit: 16, FlushBatchSize: 3}}
	})
}

func TestRedisEngine(t *testing.T) {
	addr := os.Getenv("KV_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KV_TEST_REDIS_ADDR not set")
	}
	storagetest.RunEngineTests(t, "redis", func(t *testing.T) storage.Factory {
		prefix := "kvtest:" + strings.ReplaceAll(t.Name(), "/", ":") + ":"
		return factoryFor(storage.Redis, map[string]string{"db.redis.addr": addr, "db.redis.prefix": prefix})(t)
	})
}

func TestRedisUnreachable(t *testing.T) {
	f, err := storage.NewFactory(storage.Redis, storage.FactoryOptions{
		Settings: config.NewSettings(map[string]string{
			"db.redis.addr":    "127.0.0.1:1",
			"db.redis.timeout": "200ms",
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Open("sessions"); err == nil || !strings.Contains(err.Error(), "failed to reach redis") {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}

func TestBadgerInMemory(t *testing.T) {
	f := factoryFor(storage.Badger, map[string]string{"db.badger.in.memory": "true"})(t)
	defer f.Close()

	engine, err := f.Open("volatile")
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Open("volatile"); !errors.Is(err, storage.ErrLocationInUse) {
		t.Errorf("Expected ErrLocationInUse, got %v", err)
	}
	engine.Close()

	engine, err = f.Open("volatile")
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()
	if _, err := engine.Get([]byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Expected in-memory data to be gone after reopen, got %v", err)
	}
}

func TestMemoryFactoriesAreIndependent(t *testing.T) {
	a, _ := storage.NewFactory(storage.Memory, storage.FactoryOptions{})
	b, _ := storage.NewFactory(storage.Memory, storage.FactoryOptions{})

	ea, err := a.Open("sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer ea.Close()
	eb, err := b.Open("sessions")
	if err != nil {
		t.Fatalf("Same name in another memory factory should open: %v", err)
	}
	defer eb.Close()

	ea.Put([]byte("k"), []byte("a"))
	if _, err := eb.Get([]byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Factories should not share data, got %v", err)
	}
}

func TestFileBackendsClaimAcrossFactories(t *testing.T) {
	dir := t.TempDir()
	newBolt := func() storage.Factory {
		f, err := storage.NewFactory(storage.Bolt, storage.FactoryOptions{DataPath: dir})
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	first, second := newBolt(), newBolt()
	defer first.Close()
	defer second.Close()

	engine, err := first.Open("sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	if _, err := second.Open("sessions"); !errors.Is(err, storage.ErrLocationInUse) {
		t.Errorf("Expected ErrLocationInUse for the same file, got %v", err)
	}
}

func TestSQLiteSharesOneFile(t *testing.T) {
	dir := t.TempDir()
	f, err := storage.NewFactory(storage.SQLite, storage.FactoryOptions{DataPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	users, err := f.Open("users")
	if err != nil {
		t.Fatal(err)
	}
	defer users.Close()
	orders, err := f.Open("orders")
	if err != nil {
		t.Fatal(err)
	}
	defer orders.Close()

	users.Put([]byte("k"), []byte("user"))
	orders.Put([]byte("k"), []byte("order"))
	if v, _ := users.Get([]byte("k")); string(v) != "user" {
		t.Errorf("Tables should be independent, got %q", v)
	}

	if _, err := os.Stat(filepath.Join(dir, "sqlite", "kv.db")); err != nil {
		t.Errorf("Expected shared database file: %v", err)
	}
}

func TestSQLitePutIfAbsentRacingDelete(t *testing.T) {
	f := factoryFor(storage.SQLite, nil)(t)
	defer f.Close()
	engine, err := f.Open("racing")
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	key := []byte("k")
	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer func() {
		close(stop)
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := engine.Delete(key); err != nil {
				t.Errorf("Delete failed: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 500; i++ {
		existing, loaded, err := engine.PutIfAbsent(key, []byte("v"))
		if err != nil {
			t.Fatalf("PutIfAbsent failed on attempt %d: %v", i, err)
		}
		if loaded && string(existing) != "v" {
			t.Fatalf("existing = %q", existing)
		}
	}
}

func TestNewFactoryUnsupported(t *testing.T) {
	if _, err := storage.NewFactory(storage.Kind(99), storage.FactoryOptions{}); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range storage.Kinds() {
		parsed, err := storage.ParseKind(strings.ToUpper(kind.String()))
		if err != nil || parsed != kind {
			t.Errorf("ParseKind(%s) = %v, %v", kind, parsed, err)
		}
	}
	if _, err := storage.ParseKind("cassandra"); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"sessions", true},
		{"user.profiles-v2", true},
		{"A_1", true},
		{"", false},
		{"-leading", false},
		{"a..b", false},
		{"a/b", false},
		{"a\\b", false},
		{strings.Repeat("x", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.ValidateName(tt.name)
			if tt.valid && err != nil {
				t.Errorf("Expected %q to be valid: %v", tt.name, err)
			}
			if !tt.valid && !errors.Is(err, storage.ErrInvalidName) {
				t.Errorf("Expected ErrInvalidName for %q, got %v", tt.name, err)
			}
		})
	}
}
