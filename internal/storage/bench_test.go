package storage_test

import (
	"fmt"
	"testing"

	"managed-kvstore/internal/managed"
	"managed-kvstore/internal/storage"
	"managed-kvstore/internal/testutil"
)

var benchKinds = []storage.Kind{storage.Memory, storage.Badger, storage.Bolt, storage.Pebble, storage.LevelDB, storage.SQLite}

func setupBenchmarkEngine(b *testing.B, kind storage.Kind, cached bool) storage.Engine {
	b.Helper()

	f, err := storage.NewFactory(kind, storage.FactoryOptions{
		DataPath: b.TempDir(),
		Settings: testutil.TestSettings(map[string]string{"db.bolt.no.sync": "true"}),
		Logger:   testutil.TestLogger(),
	})
	if err != nil {
		b.Fatalf("NewFactory(%s) failed: %v", kind, err)
	}
	engine, err := f.Open("bench")
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	if cached {
		engine = storage.NewCachedEngine(engine, storage.CachedConfig{})
	}
	b.Cleanup(func() {
		engine.Close()
		f.Close()
	})
	return engine
}

func benchmarkData(n int) ([][]byte, [][]byte) {
	gen := testutil.NewTestDataGenerator(1)
	keys := make([][]byte, 0, n)
	values := make([][]byte, 0, n)
	for k, v := range gen.GenerateKeyValuePairs(n) {
		keys = append(keys, []byte(k))
		values = append(values, []byte(v))
	}
	return keys, values
}

func BenchmarkEnginePut(b *testing.B) {
	for _, kind := range benchKinds {
		for _, cached := range []bool{false, true} {
			if cached && !kind.Persistent() {
				continue
			}
			b.Run(fmt.Sprintf("%s/cached=%v", kind, cached), func(b *testing.B) {
				engine := setupBenchmarkEngine(b, kind, cached)
				keys, values := benchmarkData(10000)

				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					j := i % len(keys)
					if err := engine.Put(keys[j], values[j]); err != nil {
						b.Fatalf("Put failed: %v", err)
					}
				}
				b.StopTimer()
				if err := engine.Flush(managed.FullCompact); err != nil {
					b.Fatalf("Flush failed: %v", err)
				}
			})
		}
	}
}

func BenchmarkEngineGet(b *testing.B) {
	for _, kind := range benchKinds {
		b.Run(kind.String(), func(b *testing.B) {
			engine := setupBenchmarkEngine(b, kind, false)
			keys, values := benchmarkData(10000)
			for i := range keys {
				if err := engine.Put(keys[i], values[i]); err != nil {
					b.Fatalf("Setup Put failed: %v", err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := engine.Get(keys[i%len(keys)]); err != nil {
					b.Fatalf("Get failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkEngineWriteBatch(b *testing.B) {
	const batchSize = 100
	for _, kind := range benchKinds {
		b.Run(kind.String(), func(b *testing.B) {
			engine := setupBenchmarkEngine(b, kind, false)
			bw, ok := engine.(storage.BatchWriter)
			if !ok {
				b.Skipf("%s does not write batches", kind)
			}
			keys, values := benchmarkData(batchSize)
			batch := make([]storage.KeyValue, batchSize)
			for i := range batch {
				batch[i] = storage.KeyValue{Key: keys[i], Value: values[i]}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := bw.WriteBatch(batch, nil); err != nil {
					b.Fatalf("WriteBatch failed: %v", err)
				}
			}
		})
	}
}
