package testing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
)

// MediumFactory prepares a fresh storage medium and returns an opener for it.
// Each call of the opener returns a new, unconnected backend over that medium.
type MediumFactory func(t testing.TB) (open func() backend.Backend)

// RunBackendTests runs the conformance suite for a backend implementation.
func RunBackendTests(t *testing.T, name string, factory MediumFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, connect(t, factory(t)()))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, connect(t, factory(t)()))
		})

		t.Run("Keys", func(t *testing.T) {
			testKeys(t, connect(t, factory(t)()))
		})

		t.Run("KeysWithPrefix", func(t *testing.T) {
			testKeysWithPrefix(t, connect(t, factory(t)()))
		})

		t.Run("Entries", func(t *testing.T) {
			testEntries(t, connect(t, factory(t)()))
		})

		t.Run("ConnectIdempotent", func(t *testing.T) {
			testConnectIdempotent(t, connect(t, factory(t)()))
		})

		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, connect(t, factory(t)()))
		})

		t.Run("Batch", func(t *testing.T) {
			testBatch(t, connect(t, factory(t)()))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, connect(t, factory(t)()))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, connect(t, factory(t)()))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func connect(t testing.TB, b backend.Backend) backend.Backend {
	t.Helper()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return b
}

// requireFeature skips the test if the backend lacks the feature
func requireFeature(t testing.TB, b backend.Backend, feature backend.Feature) {
	if backend.Features(b)&feature == 0 {
		t.Skipf("backend %s does not support %s", b.Type(), feature)
	}
}

func mustSet(t testing.TB, b backend.Backend, key, value string) {
	t.Helper()
	if err := b.Set(context.Background(), key, value); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func expectValue(t testing.TB, b backend.Backend, key, want string) {
	t.Helper()
	got, found, err := b.Get(context.Background(), key)
	if err != nil {
		t.Errorf("Get(%q) failed: %v", key, err)
		return
	}
	if !found {
		t.Errorf("Expected key %q to exist", key)
		return
	}
	if got != want {
		t.Errorf("Get(%q): expected %q, got %q", key, want, got)
	}
}

func expectAbsent(t testing.TB, b backend.Backend, key string) {
	t.Helper()
	_, found, err := b.Get(context.Background(), key)
	if err != nil {
		t.Errorf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Errorf("Expected key %q to be absent", key)
	}
}

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, b backend.Backend) {
	defer b.Close()

	mustSet(t, b, "coins", "10")
	expectValue(t, b, "coins", "10")

	mustSet(t, b, "coins", "11")
	expectValue(t, b, "coins", "11")

	expectAbsent(t, b, "nonexistent")

	mustSet(t, b, "alice_gold", "5")
	expectValue(t, b, "alice_gold", "5")
}

func testDelete(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	mustSet(t, b, "coins", "10")
	if err := b.Delete(ctx, "coins"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectAbsent(t, b, "coins")

	if err := b.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Deleting a missing key must be a no-op, got %v", err)
	}

	mustSet(t, b, "alice_gold", "1")
	if err := b.Delete(ctx, "alice_gold"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectAbsent(t, b, "alice_gold")
}

func testKeys(t *testing.T, b backend.Backend) {
	defer b.Close()

	want := []string{"alice_gems", "alice_gold", "bob_gold", "motd"}
	for i, k := range want {
		mustSet(t, b, k, fmt.Sprint(i))
	}

	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	got := sorted(keys)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected keys %v, got %v", want, got)
	}
}

func testKeysWithPrefix(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	for _, k := range []string{"alice_gold", "alice_gems", "bob_gold", "alicex", "al%ce_x", "al_ce"} {
		mustSet(t, b, k, "1")
	}

	keys, err := b.KeysWithPrefix(ctx, "alice_")
	if err != nil {
		t.Fatalf("KeysWithPrefix failed: %v", err)
	}
	if got := strings.Join(sorted(keys), ","); got != "alice_gems,alice_gold" {
		t.Errorf("Expected alice_gems,alice_gold, got %s", got)
	}

	// wildcard characters in the prefix are literals
	keys, err = b.KeysWithPrefix(ctx, "al%")
	if err != nil {
		t.Fatalf("KeysWithPrefix failed: %v", err)
	}
	if got := strings.Join(sorted(keys), ","); got != "al%ce_x" {
		t.Errorf("Expected al%%ce_x, got %s", got)
	}

	keys, err = b.KeysWithPrefix(ctx, "zzz")
	if err != nil {
		t.Fatalf("KeysWithPrefix failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Expected no keys, got %v", keys)
	}
}

func testEntries(t *testing.T, b backend.Backend) {
	defer b.Close()

	want := map[string]string{
		"motd":       "hello world",
		"alice_gold": "10",
		"alice_gems": "3",
		"bob_gold":   "5",
		"empty":      "",
	}
	for k, v := range want {
		mustSet(t, b, k, v)
	}

	entries, err := b.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != len(want) {
		t.Errorf("Expected %d entries, got %d (%v)", len(want), len(entries), entries)
	}
	for k, v := range want {
		if got, ok := entries[k]; !ok || got != v {
			t.Errorf("Entry %q: expected %q, got %q (present=%t)", k, v, got, ok)
		}
	}
}

func testConnectIdempotent(t *testing.T, b backend.Backend) {
	defer b.Close()

	mustSet(t, b, "coins", "1")
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	expectValue(t, b, "coins", "1")
}

func testReopen(t *testing.T, open func() backend.Backend) {
	first := connect(t, open())
	mustSet(t, first, "motd", "persisted")
	mustSet(t, first, "alice_gold", "42")
	mustSet(t, first, "gone", "x")
	if err := first.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := connect(t, open())
	defer second.Close()
	expectValue(t, second, "motd", "persisted")
	expectValue(t, second, "alice_gold", "42")
	expectAbsent(t, second, "gone")
}

func testClosed(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustSet(t, b, "coins", "1")
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Set(ctx, "coins", "2"); !backend.IsClosed(err) {
		t.Errorf("Set after Close: expected closed error, got %v", err)
	}
	if _, _, err := b.Get(ctx, "coins"); !backend.IsClosed(err) {
		t.Errorf("Get after Close: expected closed error, got %v", err)
	}
	if err := b.Delete(ctx, "coins"); !backend.IsClosed(err) {
		t.Errorf("Delete after Close: expected closed error, got %v", err)
	}
	if _, err := b.Keys(ctx); !backend.IsClosed(err) {
		t.Errorf("Keys after Close: expected closed error, got %v", err)
	}
	if _, err := b.Entries(ctx); !backend.IsClosed(err) {
		t.Errorf("Entries after Close: expected closed error, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func testBatch(t *testing.T, b backend.Backend) {
	defer b.Close()
	requireFeature(t, b, backend.FeatureBatch)

	ctx := context.Background()
	bc := b.(backend.BatchCapable)

	mustSet(t, b, "old", "x")

	if err := bc.BeginBatch(ctx); err != nil {
		t.Fatalf("BeginBatch failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		mustSet(t, b, fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
	if err := b.Delete(ctx, "old"); err != nil {
		t.Fatalf("Delete in batch failed: %v", err)
	}
	if err := bc.EndBatch(ctx, true); err != nil {
		t.Fatalf("EndBatch(commit) failed: %v", err)
	}
	expectValue(t, b, "k00", "0")
	expectValue(t, b, "k49", "49")
	expectAbsent(t, b, "old")

	// rollback discards the whole unit
	if err := bc.BeginBatch(ctx); err != nil {
		t.Fatalf("BeginBatch failed: %v", err)
	}
	mustSet(t, b, "k00", "changed")
	mustSet(t, b, "rolled-back", "1")
	if err := bc.EndBatch(ctx, false); err != nil {
		t.Fatalf("EndBatch(rollback) failed: %v", err)
	}
	expectValue(t, b, "k00", "0")
	expectAbsent(t, b, "rolled-back")

	// single writes work again after the batch
	mustSet(t, b, "after", "1")
	expectValue(t, b, "after", "1")
}

func testConcurrent(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := b.Set(ctx, fmt.Sprintf("w%d_k%d", w, i), fmt.Sprint(i)); err != nil {
					errs <- err
				}
				if _, _, err := b.Get(ctx, fmt.Sprintf("w%d_k%d", w, i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent operation failed: %v", err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != workers*perWorker {
		t.Errorf("Expected %d keys, got %d", workers*perWorker, len(keys))
	}
}

func testEdgeCases(t *testing.T, b backend.Backend) {
	defer b.Close()

	// empty value is distinct from absence
	mustSet(t, b, "empty", "")
	expectValue(t, b, "empty", "")

	mustSet(t, b, "unicode", "grüße ✓ 日本")
	expectValue(t, b, "unicode", "grüße ✓ 日本")

	mustSet(t, b, "quotes", `it's "quoted"`)
	expectValue(t, b, "quotes", `it's "quoted"`)

	mustSet(t, b, "multiline", "line1\nline2")
	expectValue(t, b, "multiline", "line1\nline2")

	long := strings.Repeat("x", 4096)
	mustSet(t, b, "long", long)
	expectValue(t, b, "long", long)

	mustSet(t, b, "number", "007")
	expectValue(t, b, "number", "007")
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// RunBackendBenchmarks runs throughput benchmarks for a backend implementation.
func RunBackendBenchmarks(b *testing.B, name string, factory MediumFactory) {
	b.Run(name+"/Set", func(b *testing.B) {
		be := connect(b, factory(b)())
		defer be.Close()
		ctx := context.Background()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = be.Set(ctx, fmt.Sprintf("k%d", i%1000), fmt.Sprint(i))
		}
	})

	b.Run(name+"/Get", func(b *testing.B) {
		be := connect(b, factory(b)())
		defer be.Close()
		ctx := context.Background()
		for i := 0; i < 1000; i++ {
			_ = be.Set(ctx, fmt.Sprintf("k%d", i), fmt.Sprint(i))
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _, _ = be.Get(ctx, fmt.Sprintf("k%d", i%1000))
		}
	})

	b.Run(name+"/Batch100", func(b *testing.B) {
		be := connect(b, factory(b)())
		defer be.Close()
		requireFeature(b, be, backend.FeatureBatch)
		bc := be.(backend.BatchCapable)
		ctx := context.Background()
		b.ResetTimer()
		start := time.Now()
		for i := 0; i < b.N; i++ {
			_ = bc.BeginBatch(ctx)
			for j := 0; j < 100; j++ {
				_ = be.Set(ctx, fmt.Sprintf("k%d", j), fmt.Sprint(i))
			}
			_ = bc.EndBatch(ctx, true)
		}
		b.ReportMetric(float64(b.N*100)/time.Since(start).Seconds(), "writes/s")
	})
}
