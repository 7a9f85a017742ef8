// Package manager wires backend, cache, write queue and variable service
// together and owns their lifecycle.
//
// Exactly one backend is active at a time. Open and Reload bring a backend up
// completely (connect, load the cache, start the queue) before it becomes
// active; a backend that fails to connect never becomes active. Migrate runs a
// migration and, if it succeeds, swaps the active backend to the target type.
//
// The variable service lives as long as the manager. A swap rebinds it to the
// new queue and backend while mutations are blocked: writes accepted during the
// copy are still pending in the held old queue and are replayed into the cache
// and the new queue, so they reach the target.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/backend/engines"
	"github.com/ValentinKolb/dVar/lib/cache"
	"github.com/ValentinKolb/dVar/lib/config"
	"github.com/ValentinKolb/dVar/lib/migration"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/ValentinKolb/dVar/lib/writequeue"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("manager")

var (
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("manager is closed")
	// ErrNoBackend is returned if no backend is active after a failed reload.
	ErrNoBackend = errors.New("no active backend")
)

// Manager owns the active backend and everything bound to it.
//
// Thread-safety: lifecycle methods (Reload, Migrate, Close) are serialized.
// Service and Cache may be called concurrently and stay valid across swaps.
type Manager struct {
	mu      sync.RWMutex
	cfg     config.Config
	factory backend.Factory
	cache   *cache.Cache

	backend backend.Backend
	queue   *writequeue.Queue
	service *service.Service
	closed  bool
}

// Open creates a manager from cfg and brings up the configured backend.
func Open(ctx context.Context, cfg config.Config) (*Manager, error) {
	return OpenWithFactory(ctx, cfg, engines.NewFactory(cfg))
}

// OpenWithFactory is Open with a custom backend factory.
func OpenWithFactory(ctx context.Context, cfg config.Config, factory backend.Factory) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		cache:   cache.New(),
	}
	if err := m.activate(ctx, cfg.StorageType); err != nil {
		return nil, err
	}
	m.service = service.New(m.cache, m.queue, m.backend, service.Options{
		ProtectionWindow: cfg.Sync.ProtectionWindow,
		SyncCooldown:     cfg.Sync.SyncCooldown,
		BackendTimeout:   cfg.Sync.BackendTimeout,
	})
	registerGauges(m)
	return m, nil
}

// gauges are registered once per process, the latest manager is reported
var (
	gaugeOnce sync.Once
	current   struct {
		sync.Mutex
		m *Manager
	}
)

func registerGauges(m *Manager) {
	current.Lock()
	current.m = m
	current.Unlock()

	gaugeOnce.Do(func() {
		metrics.NewGauge("dvar_cache_entries", func() float64 {
			if m := currentManager(); m != nil {
				return float64(m.cache.Len())
			}
			return 0
		})
		metrics.NewGauge("dvar_writequeue_pending", func() float64 {
			if m := currentManager(); m != nil {
				return float64(m.QueueStats().Pending)
			}
			return 0
		})
	})
}

func currentManager() *Manager {
	current.Lock()
	defer current.Unlock()
	return current.m
}

// activate brings up a backend of type t, loads the cache from it and starts a
// queue for it. On error nothing changes. Must be called with m.mu held or
// before m is shared.
func (m *Manager) activate(ctx context.Context, t backend.Type) error {
	b, err := m.factory(t)
	if err != nil {
		return err
	}
	if err := b.Connect(ctx); err != nil {
		_ = b.Close()
		return fmt.Errorf("connect %s backend: %w", t, err)
	}

	m.cache.Clear()
	n, err := m.cache.LoadFromBackend(ctx, b)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("load variables from %s backend: %w", t, err)
	}

	q := writequeue.New(b, writequeue.Options{
		Interval:      m.cfg.Queue.FlushInterval,
		RequeueFailed: m.cfg.Queue.RequeueFailed,
	})
	q.Start()

	m.backend = b
	m.queue = q
	log.Infof("%s backend active with %d variables (features: %v)", t, n, backend.FeatureList(backend.Features(b)))
	return nil
}

// deactivate flushes and closes the queue and closes the active backend.
// Must be called with m.mu held.
func (m *Manager) deactivate(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}

	timeout := m.cfg.Queue.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := m.queue.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("close write queue: %w", err))
	}
	if err := m.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s backend: %w", m.backend.Type(), err))
	}
	m.backend, m.queue = nil, nil
	return errors.Join(errs...)
}

// swap replaces the active backend with one of type t while the service is
// rebound. With carry the pending mutations of the old queue move to the new
// one, otherwise they are written to the old backend when its queue closes. If
// t cannot be brought up, fallback (if set) is activated instead and the error
// is returned. Must be called with m.mu held.
func (m *Manager) swap(ctx context.Context, t, fallback backend.Type, carry bool) error {
	return m.service.Rebind(func() (service.Queue, service.Reader, error) {
		var pending []writequeue.Mutation
		if carry && m.queue != nil {
			pending = m.queue.Drain()
		}
		if err := m.deactivate(ctx); err != nil {
			log.Warningf("closing previous backend: %v", err)
		}

		err := m.activate(ctx, t)
		if err != nil && fallback != "" && fallback != t {
			log.Errorf("cannot activate %s, falling back to %s: %v", t, fallback, err)
			if fallbackErr := m.activate(ctx, fallback); fallbackErr != nil {
				log.Errorf("fallback to %s failed: %v", fallback, fallbackErr)
			}
		}
		if m.queue == nil {
			if len(pending) > 0 {
				log.Errorf("%d pending mutations lost, no backend is active", len(pending))
			}
			return nil, nil, err
		}

		m.replay(pending)
		return m.queue, m.backend, err
	})
}

// replay applies mutations taken from a replaced queue to the freshly loaded
// cache and the active queue.
func (m *Manager) replay(pending []writequeue.Mutation) {
	for _, mut := range pending {
		var err error
		if mut.Tombstone {
			m.cache.Remove(mut.Key)
			err = m.queue.EnqueueDelete(mut.Key)
		} else {
			m.cache.Put(mut.Key, mut.Value)
			err = m.queue.EnqueueSet(mut.Key, mut.Value)
		}
		if err != nil {
			log.Errorf("replaying %s: %v", mut.Key, err)
		}
	}
	if len(pending) > 0 {
		log.Infof("replayed %d pending mutations into %s", len(pending), m.backend.Type())
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Service returns the variable service. It stays bound to the active backend
// across swaps.
func (m *Manager) Service() *service.Service {
	return m.service
}

// Cache returns the variable cache. It survives backend swaps.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// StorageType returns the type of the active backend ("" if none is active).
func (m *Manager) StorageType() backend.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return ""
	}
	return m.backend.Type()
}

// Backend returns the active backend.
func (m *Manager) Backend() backend.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// QueueStats returns the counters of the active write queue.
func (m *Manager) QueueStats() writequeue.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.queue == nil {
		return writequeue.Stats{}
	}
	return m.queue.Stats()
}

// Flush writes all pending mutations of the active queue now.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.flushLocked(ctx)
}

// flushLocked flushes the queue, waiting for a running flush to finish, and
// saves deferred backends. Must be called with m.mu held (read or write).
func (m *Manager) flushLocked(ctx context.Context) error {
	if m.queue == nil {
		return ErrNoBackend
	}
	for {
		_, err := m.queue.Flush(ctx)
		if !errors.Is(err, writequeue.ErrFlushInProgress) {
			if err != nil {
				return err
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	if s, ok := m.backend.(interface{ Save() error }); ok {
		return s.Save()
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Reload closes the active backend and brings up the one configured in cfg.
// Pending mutations are written to the previous backend first. If the new
// backend cannot be brought up, the manager has no active backend and the
// error is returned. Writes fail until a later Reload succeeds.
func (m *Manager) Reload(ctx context.Context, cfg config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.cfg = cfg
	m.factory = engines.NewFactory(cfg)
	return m.swap(ctx, cfg.StorageType, "", false)
}

// Migrate copies all variables from type from to type to. On success the
// active backend is switched to the target type.
//
// Scheduled flushes are held while the variables are copied. Mutations made in
// that time stay in the queue and are replayed into the target after the swap.
func (m *Manager) Migrate(ctx context.Context, from, to backend.Type, requester migration.Requester) (migration.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return migration.Report{From: from, To: to}, ErrClosed
	}

	if m.queue != nil {
		if err := m.queue.Hold(ctx); err != nil {
			return migration.Report{From: from, To: to}, fmt.Errorf("hold write queue: %w", err)
		}
		// the source must see every mutation accepted so far
		if err := m.flushLocked(ctx); err != nil {
			log.Warningf("flush before migration: %v", err)
		}
	}

	report, err := migration.New(m.factory, nil).Migrate(ctx, from, to, requester)
	if err != nil {
		if m.queue != nil {
			m.queue.Release()
		}
		return report, err
	}

	previous := m.cfg.StorageType
	if m.backend != nil {
		previous = m.backend.Type()
	}
	if err := m.swap(ctx, to, previous, true); err != nil {
		return report, fmt.Errorf("activate %s backend after migration: %w", to, err)
	}
	m.cfg.StorageType = to
	report.Reloaded = m.cache.Len()
	if requester != nil {
		requester.Report(fmt.Sprintf("Active storage is now %s", to))
	}
	return report, nil
}

// Close stops reconciliation reads, writes the pending mutations (bounded by
// the configured close timeout) and closes the backend. Later writes through
// the service fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.service.SetShuttingDown(true)
	return m.deactivate(ctx)
}
