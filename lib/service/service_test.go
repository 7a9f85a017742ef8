package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	backendtesting "github.com/ValentinKolb/dVar/lib/backend/testing"
	"github.com/ValentinKolb/dVar/lib/cache"
	"github.com/ValentinKolb/dVar/lib/writequeue"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Report(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type fixture struct {
	svc   *Service
	mem   *backendtesting.Memory
	queue *writequeue.Queue
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := backendtesting.NewMemory(backend.TypeSQLite)
	q := writequeue.New(mem, writequeue.Options{Interval: time.Hour, RequeueFailed: true})
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	return &fixture{
		svc:   New(cache.New(), q, mem, opts),
		mem:   mem,
		queue: q,
		clock: clock,
	}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	if _, err := f.queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func (f *fixture) read(key string) string {
	return Format(f.svc.GetSynchronizedValue(context.Background(), key))
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

func TestReadYourWrites(t *testing.T) {
	f := newFixture(t)

	f.svc.SetVariable("coins", "10", nil)
	if got := f.read("coins"); got != "10" {
		t.Errorf("Expected 10 before any flush, got %s", got)
	}
	if len(f.mem.Data()) != 0 {
		t.Errorf("Backend must not be written synchronously")
	}

	f.flush(t)
	if f.mem.Data()["coins"] != "10" {
		t.Errorf("Expected coins=10 in backend after flush")
	}
}

func TestDeleteBeforeFlush(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("coins", "10")
	f.svc.Cache().Put("coins", "10")

	if existed, err := f.svc.DeleteVariable("coins", nil); err != nil || !existed {
		t.Errorf("Expected DeleteVariable to report the cached key")
	}
	if got := f.read("coins"); got != Null {
		t.Errorf("Expected null after delete, got %s", got)
	}

	// after the protection window the backend still has the old value, but the
	// pending delete keeps it from being read back
	f.clock.Advance(2 * time.Second)
	if got := f.read("coins"); got != Null {
		t.Errorf("Expected null while the delete is pending, got %s", got)
	}

	f.flush(t)
	if _, found := f.mem.Data()["coins"]; found {
		t.Errorf("Expected coins to be deleted in backend")
	}
}

func TestArithmetic(t *testing.T) {
	f := newFixture(t)

	if got, err := f.svc.AddVariable("score", "5", nil); err != nil || got != "5" {
		t.Errorf("Add to absent key: expected 5, got %q, %v", got, err)
	}
	if got, err := f.svc.RemVariable("score", "2", nil); err != nil || got != "3" {
		t.Errorf("Rem: expected 3, got %q, %v", got, err)
	}

	f.svc.SetVariable("ratio", "1", nil)
	if got, _ := f.svc.AddVariable("ratio", "2.5", nil); got != "3.5" {
		t.Errorf("Expected float result 3.5, got %s", got)
	}

	f.flush(t)
	if f.mem.Data()["score"] != "3" || f.mem.Data()["ratio"] != "3.5" {
		t.Errorf("Unexpected backend content %v", f.mem.Data())
	}
}

func TestArithmeticInvalidLeavesValueUnchanged(t *testing.T) {
	f := newFixture(t)
	out := &recorder{}

	f.svc.SetVariable("name", "steve", nil)
	f.flush(t)

	if _, err := f.svc.AddVariable("name", "1", out); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("Expected ErrInvalidNumber, got %v", err)
	}
	if v, _ := f.svc.Get("name"); v != "steve" {
		t.Errorf("Expected value unchanged, got %s", v)
	}
	if f.queue.Pending() != 0 {
		t.Errorf("A failed operation must not enqueue a write")
	}

	if _, err := f.svc.AddVariable("absent", "x", out); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("Expected ErrInvalidNumber, got %v", err)
	}
	if _, found := f.svc.Get("absent"); found {
		t.Errorf("A failed operation must not create the key")
	}
	if len(out.msgs) != 2 {
		t.Errorf("Expected two error reports, got %v", out.msgs)
	}
}

func TestConcurrentAdds(t *testing.T) {
	f := newFixture(t)
	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := f.svc.AddVariable("counter", "1", nil); err != nil {
					t.Errorf("Add failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	want := strconv.Itoa(workers * perWorker)
	if v, _ := f.svc.Get("counter"); v != want {
		t.Errorf("Expected %s, got %s", want, v)
	}
	f.flush(t)
	if f.mem.Data()["counter"] != want {
		t.Errorf("Expected %s persisted, got %s", want, f.mem.Data()["counter"])
	}
}

func TestCoalescingThroughService(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("k", "1", nil)
	f.svc.SetVariable("k", "2", nil)
	f.flush(t)

	if f.mem.SetCalls.Load() != 1 {
		t.Errorf("Expected exactly one persisted write, got %d", f.mem.SetCalls.Load())
	}
	if f.mem.Data()["k"] != "2" {
		t.Errorf("Expected k=2, got %s", f.mem.Data()["k"])
	}
}

func TestClearPlayerVariables(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("alice_gold", "10", nil)
	f.svc.SetVariable("alice_gems", "3", nil)
	f.svc.SetVariable("bob_gold", "5", nil)
	f.flush(t)

	out := &recorder{}
	if n, err := f.svc.ClearPlayerVariables("Alice", out); err != nil || n != 2 {
		t.Errorf("Expected count 2, got %d (%v)", n, err)
	}
	if _, found := f.svc.Get("alice_gold"); found {
		t.Errorf("Expected alice_gold to be removed")
	}
	if v, _ := f.svc.Get("bob_gold"); v != "5" {
		t.Errorf("Expected bob_gold untouched, got %s", v)
	}

	f.flush(t)
	data := f.mem.Data()
	if len(data) != 1 || data["bob_gold"] != "5" {
		t.Errorf("Expected only bob_gold in backend, got %v", data)
	}
	if len(out.msgs) != 1 || out.msgs[0] != "Cleared 2 variables of alice" {
		t.Errorf("Unexpected report %v", out.msgs)
	}
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	f.svc.opts.Prefix = "[dVar] "
	out := &recorder{}

	f.svc.SetVariable("coins", "1", out)
	_, _ = f.svc.AddVariable("coins", "2", out)
	_, _ = f.svc.RemVariable("coins", "1", out)
	f.svc.DeleteVariable("coins", out)
	f.svc.SetVariable("silent", "1", nil)

	want := []string{
		"[dVar] Set coins to 1",
		"[dVar] Added 2 to coins, now 3",
		"[dVar] Subtracted 1 from coins, now 2",
		"[dVar] Deleted coins",
	}
	if fmt.Sprint(out.msgs) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, out.msgs)
	}
}

// --------------------------------------------------------------------------
// Read reconciliation
// --------------------------------------------------------------------------

func TestProtectionWindow(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("coins", "local", nil)
	f.flush(t)
	f.mem.Put("coins", "remote")

	f.clock.Advance(500 * time.Millisecond)
	if got := f.read("coins"); got != "local" {
		t.Errorf("Expected local value inside the protection window, got %s", got)
	}
	if f.mem.GetCalls.Load() != 0 {
		t.Errorf("Expected no backend read inside the protection window")
	}

	f.clock.Advance(600 * time.Millisecond)
	if got := f.read("coins"); got != "remote" {
		t.Errorf("Expected backend value after the window, got %s", got)
	}
	if v, _ := f.svc.Get("coins"); v != "remote" {
		t.Errorf("Expected the cache to be updated, got %s", v)
	}
}

func TestSyncCooldown(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("motd", "one")

	if got := f.read("motd"); got != "one" {
		t.Errorf("Expected first read from backend, got %s", got)
	}
	f.mem.Put("motd", "two")

	f.clock.Advance(900 * time.Millisecond)
	if got := f.read("motd"); got != "one" {
		t.Errorf("Expected cached value during the cooldown, got %s", got)
	}
	if f.mem.GetCalls.Load() != 1 {
		t.Errorf("Expected one backend read, got %d", f.mem.GetCalls.Load())
	}

	f.clock.Advance(200 * time.Millisecond)
	if got := f.read("motd"); got != "two" {
		t.Errorf("Expected refreshed value after the cooldown, got %s", got)
	}
}

func TestLocalWriteRestartsWindowDuringCooldown(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("k", "remote")
	_ = f.read("k")

	f.clock.Advance(900 * time.Millisecond)
	f.svc.SetVariable("k", "local", nil)
	f.flush(t)
	f.mem.Put("k", "remote2")

	// cooldown is over, the local window is not
	f.clock.Advance(200 * time.Millisecond)
	if got := f.read("k"); got != "local" {
		t.Errorf("Expected local value, got %s", got)
	}
}

func TestBackendNotFoundRemovesKey(t *testing.T) {
	f := newFixture(t)
	f.svc.Cache().Put("ghost", "boo")

	if got := f.read("ghost"); got != Null {
		t.Errorf("Expected null, got %s", got)
	}
	if _, found := f.svc.Get("ghost"); found {
		t.Errorf("Expected the cache entry to be removed")
	}
}

func TestBackendErrorReturnsCachedValueAndStartsCooldown(t *testing.T) {
	f := newFixture(t)
	f.svc.Cache().Put("coins", "10")
	f.mem.Fail(backendtesting.OpGet, errors.New("timeout"))

	if got := f.read("coins"); got != "10" {
		t.Errorf("Expected cached value on error, got %s", got)
	}
	if got := f.read("coins"); got != "10" {
		t.Errorf("Expected cached value on error, got %s", got)
	}
	if n := f.mem.GetCalls.Load(); n != 1 {
		t.Errorf("A failed read must start the cooldown, got %d backend reads", n)
	}

	f.mem.Fail(backendtesting.OpGet, nil)
	f.mem.Put("coins", "11")
	f.clock.Advance(1100 * time.Millisecond)
	if got := f.read("coins"); got != "11" {
		t.Errorf("Expected a new read after the cooldown, got %s", got)
	}
}

func TestClosedBackendReturnsCachedValue(t *testing.T) {
	f := newFixture(t)
	f.svc.Cache().Put("coins", "10")
	_ = f.mem.Close()

	if got := f.read("coins"); got != "10" {
		t.Errorf("Expected cached value from closed backend, got %s", got)
	}
}

func TestShuttingDownSkipsBackend(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("coins", "remote")
	f.svc.SetShuttingDown(true)
	if !f.svc.IsShuttingDown() {
		t.Errorf("Expected shutting down flag")
	}

	if got := f.read("coins"); got != Null {
		t.Errorf("Expected cache only read, got %s", got)
	}
	if f.mem.GetCalls.Load() != 0 {
		t.Errorf("Expected no backend read while shutting down")
	}
}

func TestPendingWriteSkipsBackend(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("coins", "local", nil)
	f.mem.Put("coins", "remote")
	f.clock.Advance(2 * time.Second)

	if got := f.read("coins"); got != "local" {
		t.Errorf("Expected the pending local value, got %s", got)
	}
	if f.mem.GetCalls.Load() != 0 {
		t.Errorf("Expected no backend read while a write is pending")
	}
}

func TestBackendReadNeverOverwritesConcurrentLocalWrite(t *testing.T) {
	f := newFixture(t)
	f.svc.Cache().Put("coins", "old")
	f.mem.Put("coins", "stale")

	// a local write lands while the backend read is in flight
	var once sync.Once
	f.mem.Hook(backendtesting.OpGet, func(key string) error {
		once.Do(func() {
			f.svc.SetVariable("coins", "local", nil)
		})
		return nil
	})

	if got := f.read("coins"); got != "local" {
		t.Errorf("Expected the local write to win, got %s", got)
	}
	if v, _ := f.svc.Get("coins"); v != "local" {
		t.Errorf("Expected cache to keep the local write, got %s", v)
	}
}

func TestBackendTimeout(t *testing.T) {
	f := newFixture(t)
	f.svc.opts.BackendTimeout = 10 * time.Millisecond
	f.svc.Cache().Put("coins", "10")

	f.svc.bound.Store(&binding{queue: f.queue, reader: blockingReader{}})
	start := time.Now()
	if got := f.read("coins"); got != "10" {
		t.Errorf("Expected cached value after timeout, got %s", got)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Read was not bounded by the backend timeout")
	}
}

type blockingReader struct{}

func (blockingReader) Get(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

// --------------------------------------------------------------------------
// Queue binding
// --------------------------------------------------------------------------

func TestWritesFailOnClosedQueue(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("coins", "10", nil)
	f.svc.SetVariable("alice_gold", "5", nil)
	f.flush(t)
	if err := f.queue.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	out := &recorder{}
	if err := f.svc.SetVariable("coins", "20", out); !errors.Is(err, writequeue.ErrClosed) {
		t.Errorf("Expected ErrClosed from SetVariable, got %v", err)
	}
	if _, err := f.svc.AddVariable("coins", "1", out); !errors.Is(err, writequeue.ErrClosed) {
		t.Errorf("Expected ErrClosed from AddVariable, got %v", err)
	}
	if _, err := f.svc.DeleteVariable("coins", out); !errors.Is(err, writequeue.ErrClosed) {
		t.Errorf("Expected ErrClosed from DeleteVariable, got %v", err)
	}
	if n, err := f.svc.ClearPlayerVariables("alice", out); !errors.Is(err, writequeue.ErrClosed) || n != 0 {
		t.Errorf("Expected ErrClosed from ClearPlayerVariables, got %d, %v", n, err)
	}
	if set, err := f.svc.SetIfAbsent("fresh", "1", nil); err == nil || set {
		t.Errorf("Expected SetIfAbsent to fail, got set=%v err=%v", set, err)
	}

	if v, _ := f.svc.Get("coins"); v != "10" {
		t.Errorf("Expected the cache to keep 10, got %s", v)
	}
	if v, _ := f.svc.Get("alice_gold"); v != "5" {
		t.Errorf("Expected the cache to keep alice_gold, got %s", v)
	}
	if _, found := f.svc.Get("fresh"); found {
		t.Errorf("A rejected write must not create the key")
	}
	if len(out.msgs) == 0 || out.msgs[0] != "Cannot change coins: write queue is closed" {
		t.Errorf("Unexpected reports %v", out.msgs)
	}
}

func TestSetIfAbsent(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("coins", "10", nil)
	out := &recorder{}

	if set, err := f.svc.SetIfAbsent("coins", "0", out); err != nil || set {
		t.Errorf("Expected an existing key to be kept, got set=%v err=%v", set, err)
	}
	if set, err := f.svc.SetIfAbsent("gems", "0", out); err != nil || !set {
		t.Errorf("Expected gems to be set, got set=%v err=%v", set, err)
	}
	f.flush(t)

	data := f.mem.Data()
	if data["coins"] != "10" || data["gems"] != "0" {
		t.Errorf("Unexpected backend content %v", data)
	}
	if len(out.msgs) != 1 || out.msgs[0] != "Set gems to 0" {
		t.Errorf("Unexpected reports %v", out.msgs)
	}
}

func TestConcurrentSetIfAbsent(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var winners atomic.Int64
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set, _ := f.svc.SetIfAbsent("k", strconv.Itoa(i), nil); set {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners.Load())
	}
}

func TestRebindSwapsQueueAndReader(t *testing.T) {
	f := newFixture(t)
	f.svc.SetVariable("before", "1", nil)

	next := backendtesting.NewMemory(backend.TypeYAML)
	next.Put("remote", "yes")
	nextQueue := writequeue.New(next, writequeue.Options{Interval: time.Hour})

	err := f.svc.Rebind(func() (Queue, Reader, error) {
		for _, m := range f.queue.Drain() {
			nextQueue.EnqueueSet(m.Key, m.Value)
		}
		return nextQueue, next, nil
	})
	if err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}

	f.svc.SetVariable("after", "2", nil)
	if _, err := nextQueue.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if data := next.Data(); data["before"] != "1" || data["after"] != "2" {
		t.Errorf("Expected both writes in the new backend, got %v", data)
	}
	if len(f.mem.Data()) != 0 {
		t.Errorf("The previous backend must not be written, got %v", f.mem.Data())
	}
	if got := f.read("remote"); got != "yes" {
		t.Errorf("Expected reads from the new backend, got %s", got)
	}
}

func TestFailedRebindKeepsBinding(t *testing.T) {
	f := newFixture(t)
	errSwap := errors.New("swap failed")

	if err := f.svc.Rebind(func() (Queue, Reader, error) { return nil, nil, errSwap }); !errors.Is(err, errSwap) {
		t.Errorf("Expected the error of the rebind function, got %v", err)
	}
	f.svc.SetVariable("k", "v", nil)
	f.flush(t)
	if f.mem.Data()["k"] != "v" {
		t.Errorf("Expected writes to keep going to the original queue")
	}
}

func TestRebindWaitsForRunningMutation(t *testing.T) {
	f := newFixture(t)
	next := backendtesting.NewMemory(backend.TypeYAML)
	nextQueue := writequeue.New(next, writequeue.Options{Interval: time.Hour})

	// every write lands in the old queue before the swap or in the new one
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.SetVariable(fmt.Sprintf("k%d", i), "v", nil)
		}()
	}
	_ = f.svc.Rebind(func() (Queue, Reader, error) {
		for _, m := range f.queue.Drain() {
			nextQueue.EnqueueSet(m.Key, m.Value)
		}
		return nextQueue, next, nil
	})
	wg.Wait()

	if f.queue.Pending() != 0 {
		t.Errorf("No write may stay in the replaced queue, found %d", f.queue.Pending())
	}
	if nextQueue.Pending() != 50 {
		t.Errorf("Expected 50 pending writes in the new queue, got %d", nextQueue.Pending())
	}
}

func TestStaleBackendReadIsDiscardedAfterRebind(t *testing.T) {
	f := newFixture(t)
	f.svc.Cache().Put("coins", "cached")
	f.mem.Put("coins", "old-backend")

	next := backendtesting.NewMemory(backend.TypeYAML)
	nextQueue := writequeue.New(next, writequeue.Options{Interval: time.Hour})

	var once sync.Once
	done := make(chan struct{})
	f.mem.Hook(backendtesting.OpGet, func(string) error {
		once.Do(func() {
			go func() {
				defer close(done)
				_ = f.svc.Rebind(func() (Queue, Reader, error) { return nextQueue, next, nil })
			}()
			<-done
		})
		return nil
	})

	if got := f.read("coins"); got != "cached" {
		t.Errorf("Expected the value of the replaced backend to be discarded, got %s", got)
	}
}
