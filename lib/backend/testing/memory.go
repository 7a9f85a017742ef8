package testing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/puzpuzpuz/xsync/v3"
)

// Op names a backend operation for fault injection.
type Op string

const (
	OpConnect  Op = "connect"
	OpSet      Op = "set"
	OpGet      Op = "get"
	OpDelete   Op = "delete"
	OpKeys     Op = "keys"
	OpEntries  Op = "entries"
	OpBegin    Op = "begin"
	OpEndBatch Op = "end"
)

// Memory is an in-memory backend.Backend for tests. It supports batching
// (staged writes applied on commit), per-operation fault injection, call
// counters and a gauge recording how many write units ran concurrently.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	typ backend.Type

	mu      sync.Mutex
	data    map[string]string
	staged  []stagedWrite
	inBatch bool
	closed  bool

	faults *xsync.MapOf[Op, func(key string) error]

	// WriteDelay is slept inside every Set, Delete and EndBatch call
	WriteDelay time.Duration

	SetCalls    atomic.Int64
	GetCalls    atomic.Int64
	DeleteCalls atomic.Int64
	Begins      atomic.Int64
	Commits     atomic.Int64
	Rollbacks   atomic.Int64

	active    atomic.Int64
	maxActive atomic.Int64
	closes    atomic.Int64
}

type stagedWrite struct {
	key    string
	value  string
	delete bool
}

// NewMemory creates an empty fake reporting the given type.
func NewMemory(t backend.Type) *Memory {
	return &Memory{
		typ:    t,
		data:   make(map[string]string),
		faults: xsync.NewMapOf[Op, func(string) error](),
	}
}

// --------------------------------------------------------------------------
// Test controls
// --------------------------------------------------------------------------

// Fail makes every call of op return err. A nil err removes the fault.
func (m *Memory) Fail(op Op, err error) {
	if err == nil {
		m.faults.Delete(op)
		return
	}
	m.faults.Store(op, func(string) error { return err })
}

// FailKey makes op return err only for the given key.
func (m *Memory) FailKey(op Op, key string, err error) {
	m.faults.Store(op, func(k string) error {
		if k == key {
			return err
		}
		return nil
	})
}

// Hook runs fn on every call of op before the operation takes effect. A
// non-nil result fails the call. Hook replaces any fault set for op.
func (m *Memory) Hook(op Op, fn func(key string) error) {
	m.faults.Store(op, fn)
}

func (m *Memory) fault(op Op, key string) error {
	if f, ok := m.faults.Load(op); ok {
		return f(key)
	}
	return nil
}

// Put writes directly into the committed data, bypassing counters and faults.
// It simulates a change made by another writer of the same medium.
func (m *Memory) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Drop removes a key directly from the committed data.
func (m *Memory) Drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Data returns a copy of the committed data.
func (m *Memory) Data() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// MaxConcurrentWrites returns the highest number of write units (single writes
// or whole batches) that were in progress at the same time.
func (m *Memory) MaxConcurrentWrites() int64 {
	return m.maxActive.Load()
}

// Closes returns how often Close was called.
func (m *Memory) Closes() int64 {
	return m.closes.Load()
}

// IsClosed reports whether Close was called.
func (m *Memory) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) enter() {
	n := m.active.Add(1)
	for {
		max := m.maxActive.Load()
		if n <= max || m.maxActive.CompareAndSwap(max, n) {
			return
		}
	}
}

func (m *Memory) leave() {
	m.active.Add(-1)
}

// --------------------------------------------------------------------------
// backend.Backend
// --------------------------------------------------------------------------

func (m *Memory) Connect(_ context.Context) error {
	if err := m.fault(OpConnect, ""); err != nil {
		return backend.NewError(backend.RetCConnection, "memory connect failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.SetCalls.Add(1)
	return m.write(OpSet, stagedWrite{key: key, value: value})
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.DeleteCalls.Add(1)
	return m.write(OpDelete, stagedWrite{key: key, delete: true})
}

func (m *Memory) write(op Op, w stagedWrite) error {
	m.mu.Lock()
	batch := m.inBatch
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return backend.Closed("memory")
	}

	if !batch {
		m.enter()
		defer m.leave()
	}
	if m.WriteDelay > 0 {
		time.Sleep(m.WriteDelay)
	}
	if err := m.fault(op, w.key); err != nil {
		return backend.NewError(backend.RetCPersistence, "memory "+string(op)+" failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return backend.Closed("memory")
	}
	if m.inBatch {
		m.staged = append(m.staged, w)
		return nil
	}
	m.apply(w)
	return nil
}

func (m *Memory) apply(w stagedWrite) {
	if w.delete {
		delete(m.data, w.key)
	} else {
		m.data[w.key] = w.value
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.GetCalls.Add(1)
	if err := m.fault(OpGet, key); err != nil {
		return "", false, backend.NewError(backend.RetCPersistence, "memory get failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, backend.Closed("memory")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	if err := m.fault(OpKeys, ""); err != nil {
		return nil, backend.NewError(backend.RetCPersistence, "memory keys failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, backend.Closed("memory")
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Entries(ctx context.Context) (map[string]string, error) {
	if err := m.fault(OpEntries, ""); err != nil {
		return nil, backend.NewError(backend.RetCPersistence, "memory entries failed", err)
	}
	return backend.EntriesFromKeys(ctx, m)
}

func (m *Memory) Type() backend.Type {
	return m.typ
}

func (m *Memory) Close() error {
	m.closes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inBatch {
		m.staged = nil
		m.inBatch = false
		m.leave()
	}
	m.closed = true
	return nil
}

// --------------------------------------------------------------------------
// backend.BatchCapable
// --------------------------------------------------------------------------

func (m *Memory) BeginBatch(_ context.Context) error {
	m.Begins.Add(1)
	if err := m.fault(OpBegin, ""); err != nil {
		return backend.NewError(backend.RetCPersistence, "memory begin failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return backend.Closed("memory")
	}
	m.enter()
	m.inBatch = true
	m.staged = nil
	return nil
}

func (m *Memory) EndBatch(_ context.Context, commit bool) error {
	if m.WriteDelay > 0 {
		time.Sleep(m.WriteDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inBatch {
		return backend.NewError(backend.RetCPersistence, "memory: no batch in progress", nil)
	}
	defer m.leave()
	m.inBatch = false
	staged := m.staged
	m.staged = nil

	if commit {
		if err := m.fault(OpEndBatch, ""); err != nil {
			m.Rollbacks.Add(1)
			return backend.NewError(backend.RetCPersistence, "memory commit failed", err)
		}
		for _, w := range staged {
			m.apply(w)
		}
		m.Commits.Add(1)
		return nil
	}
	m.Rollbacks.Add(1)
	return nil
}

// --------------------------------------------------------------------------
// Unbatched view
// --------------------------------------------------------------------------

// Unbatched hides the batch capability of a Memory, so callers take their
// per-entry write path.
type Unbatched struct {
	M *Memory
}

func (u Unbatched) Connect(ctx context.Context) error          { return u.M.Connect(ctx) }
func (u Unbatched) Set(ctx context.Context, k, v string) error { return u.M.Set(ctx, k, v) }
func (u Unbatched) Delete(ctx context.Context, k string) error { return u.M.Delete(ctx, k) }
func (u Unbatched) Keys(ctx context.Context) ([]string, error) { return u.M.Keys(ctx) }
func (u Unbatched) Type() backend.Type                         { return u.M.Type() }
func (u Unbatched) Close() error                               { return u.M.Close() }
func (u Unbatched) Get(ctx context.Context, k string) (string, bool, error) {
	return u.M.Get(ctx, k)
}
func (u Unbatched) KeysWithPrefix(ctx context.Context, p string) ([]string, error) {
	return u.M.KeysWithPrefix(ctx, p)
}
func (u Unbatched) Entries(ctx context.Context) (map[string]string, error) {
	return u.M.Entries(ctx)
}

var (
	_ backend.Backend      = (*Memory)(nil)
	_ backend.BatchCapable = (*Memory)(nil)
	_ backend.Backend      = Unbatched{}
)
