package testing

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/obj"
)

// RunStoreBenchmarks runs all benchmarks against a store implementation
func RunStoreBenchmarks(b *testing.B, name string, factory StoreFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("SetString", func(b *testing.B) {
			benchmarkSetString(b, factory())
		})

		b.Run("SetStringExisting", func(b *testing.B) {
			benchmarkSetStringExisting(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Del", func(b *testing.B) {
			benchmarkDel(b, factory())
		})

		b.Run("HSet", func(b *testing.B) {
			benchmarkHSet(b, factory())
		})

		b.Run("Replay", func(b *testing.B) {
			benchmarkReplay(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

func benchmarkSetString(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.SetString(0, fmt.Sprintf("key-%d", i), value)
	}
}

func benchmarkSetStringExisting(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	store.SetString(0, "key", value)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.SetString(0, "key", value)
	}
}

func benchmarkGet(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	const numKeys = 1000
	for i := 0; i < numKeys; i++ {
		store.SetString(0, fmt.Sprintf("key-%d", i), value)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Get(0, fmt.Sprintf("key-%d", i%numKeys))
	}
}

func benchmarkDel(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	for i := 0; i < b.N; i++ {
		store.SetString(0, fmt.Sprintf("key-%d", i), value)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Del(0, fmt.Sprintf("key-%d", i))
	}
}

func benchmarkHSet(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.HSet(0, "hash", []byte(fmt.Sprintf("field-%d", i)), value)
	}
}

func benchmarkReplay(b *testing.B, factory StoreFactory) {
	source := factory()
	sink := &recordingSink{}
	source.AttachSink(sink)

	value := []byte("benchmark-value")
	for i := 0; i < 1000; i++ {
		source.SetString(0, fmt.Sprintf("key-%d", i), value)
		source.RPush(0, "list", value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		replica := factory()
		exec := replica.NewExecutor()
		for _, cmd := range sink.commands {
			if err := exec.Exec(cmd.args); err != nil {
				b.Fatalf("replay failed: %v", err)
			}
		}
	}
}

func benchmarkMixedUsage(b *testing.B, store *db.Store) {
	value := []byte("benchmark-value")
	rng := rand.New(rand.NewSource(42))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", rng.Intn(1000))
		switch rng.Intn(5) {
		case 0:
			store.SetString(0, key, value)
		case 1:
			store.Get(0, key)
		case 2:
			store.Del(0, key)
		case 3:
			store.SAdd(0, "shared-set", []byte(key))
		case 4:
			store.ZAdd(0, "shared-zset", obj.ZEntry{Member: []byte(key), Score: float64(i)})
		}
	}
}
