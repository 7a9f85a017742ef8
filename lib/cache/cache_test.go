package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/ValentinKolb/dVar/lib/backend"
	backendtesting "github.com/ValentinKolb/dVar/lib/backend/testing"
)

func TestBasicOperations(t *testing.T) {
	c := New()

	if _, ok := c.Get("coins"); ok {
		t.Errorf("Expected empty cache")
	}
	if got := c.GetOrDefault("coins", "0"); got != "0" {
		t.Errorf("Expected default 0, got %s", got)
	}

	c.Put("coins", "10")
	if v, ok := c.Get("coins"); !ok || v != "10" {
		t.Errorf("Expected coins=10, got %q %t", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}

	old, ok := c.Remove("coins")
	if !ok || old != "10" {
		t.Errorf("Expected Remove to return 10, got %q %t", old, ok)
	}
	if _, ok := c.Remove("coins"); ok {
		t.Errorf("Second Remove should report absence")
	}

	c.Put("a", "1")
	c.Put("b", "2")
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Len())
	}
}

func TestComputeIsAtomic(t *testing.T) {
	c := New()
	const workers = 16
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Compute("counter", func(old string, loaded bool) (string, bool) {
					n := 0
					if loaded {
						n, _ = strconv.Atoi(old)
					}
					return strconv.Itoa(n + 1), false
				})
			}
		}()
	}
	wg.Wait()

	if v, _ := c.Get("counter"); v != strconv.Itoa(workers*perWorker) {
		t.Errorf("Expected %d, got %s", workers*perWorker, v)
	}
}

func TestComputeDelete(t *testing.T) {
	c := New()
	c.Put("coins", "1")
	_, exists := c.Compute("coins", func(string, bool) (string, bool) {
		return "", true
	})
	if exists {
		t.Errorf("Expected key to be removed by Compute")
	}
	if _, ok := c.Get("coins"); ok {
		t.Errorf("Expected coins to be absent")
	}
}

func TestKeysWithPrefixAndSnapshot(t *testing.T) {
	c := New()
	c.Put("alice_gold", "10")
	c.Put("alice_gems", "3")
	c.Put("bob_gold", "5")

	keys := c.KeysWithPrefix("alice_")
	if len(keys) != 2 || keys[0] != "alice_gems" || keys[1] != "alice_gold" {
		t.Errorf("Expected [alice_gems alice_gold], got %v", keys)
	}

	snap := c.Snapshot()
	c.Put("bob_gold", "6")
	if snap["bob_gold"] != "5" || len(snap) != 3 {
		t.Errorf("Snapshot must be a copy, got %v", snap)
	}
}

func TestLoadFromBackend(t *testing.T) {
	ctx := context.Background()
	m := backendtesting.NewMemory(backend.TypeSQLite)
	for i := 0; i < 10; i++ {
		m.Put(fmt.Sprintf("k%d", i), strconv.Itoa(i))
	}
	m.FailKey(backendtesting.OpGet, "k3", errors.New("disk error"))

	c := New()
	c.Put("stale", "x")
	loaded, err := c.LoadFromBackend(ctx, m)
	if err != nil {
		t.Fatalf("LoadFromBackend failed: %v", err)
	}
	if loaded != 9 {
		t.Errorf("Expected 9 loaded entries, got %d", loaded)
	}
	if _, ok := c.Get("k3"); ok {
		t.Errorf("Failed key must be skipped")
	}
	if v, _ := c.Get("k9"); v != "9" {
		t.Errorf("Expected k9=9, got %s", v)
	}
	if _, ok := c.Get("stale"); !ok {
		t.Errorf("LoadFromBackend must not clear the cache")
	}
}

func TestLoadFromBackendKeysFailure(t *testing.T) {
	m := backendtesting.NewMemory(backend.TypeSQLite)
	m.Fail(backendtesting.OpKeys, errors.New("unreachable"))

	c := New()
	if _, err := c.LoadFromBackend(context.Background(), m); err == nil {
		t.Errorf("Expected the enumeration failure to be returned")
	}
}
