package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/cache"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("service")

// Null is rendered for absent variables.
const Null = "null"

var (
	mutationsTotal  = metrics.GetOrCreateCounter("dvar_service_mutations_total")
	syncsTotal      = metrics.GetOrCreateCounter("dvar_service_backend_syncs_total")
	syncErrorsTotal = metrics.GetOrCreateCounter("dvar_service_backend_sync_errors_total")
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Queue receives the durable writes. It is implemented by *writequeue.Queue.
// An enqueue error leaves the cache unchanged.
type Queue interface {
	EnqueueSet(key, value string) error
	EnqueueDelete(key string) error
	Lookup(key string) (value string, tombstone, ok bool)
}

// Reader is the backend read used for reconciliation.
type Reader interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
}

// Reporter receives human readable confirmations. A nil Reporter is silent.
type Reporter interface {
	Report(msg string)
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(msg string)

func (f ReporterFunc) Report(msg string) { f(msg) }

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a Service.
type Options struct {
	ProtectionWindow time.Duration    // trust the cache after a local write
	SyncCooldown     time.Duration    // trust the cache after a backend read
	BackendTimeout   time.Duration    // bound for a reconciliation read (0 = none)
	Clock            func() time.Time // time source (nil = time.Now)
	Prefix           string           // prepended to every report
}

// DefaultOptions returns 1s windows and a 2s backend timeout.
func DefaultOptions() Options {
	return Options{
		ProtectionWindow: time.Second,
		SyncCooldown:     time.Second,
		BackendTimeout:   2 * time.Second,
		Clock:            time.Now,
	}
}

// --------------------------------------------------------------------------
// Service
// --------------------------------------------------------------------------

// binding is the queue and reader pair of the active backend.
type binding struct {
	queue  Queue
	reader Reader
}

// Service coordinates cache, write queue and backend reads.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	cache *cache.Cache
	bound atomic.Pointer[binding]
	gate  sync.RWMutex // mutations (read) vs. Rebind (write)
	opts  Options

	localWrites  *xsync.MapOf[string, time.Time]
	lastSync     *xsync.MapOf[string, time.Time]
	shuttingDown atomic.Bool
}

// New creates a service. reader is usually the backend the queue writes to.
func New(c *cache.Cache, q Queue, reader Reader, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Service{
		cache:       c,
		opts:        opts,
		localWrites: xsync.NewMapOf[string, time.Time](),
		lastSync:    xsync.NewMapOf[string, time.Time](),
	}
	s.bound.Store(&binding{queue: q, reader: reader})
	return s
}

// Rebind replaces queue and reader with the ones returned by fn. fn runs
// while no mutation is in progress and none can start, so it may move the
// pending writes of the current queue elsewhere. If fn returns a nil queue
// the current binding stays. The error of fn is returned in any case.
//
// fn must not call methods of the service.
func (s *Service) Rebind(fn func() (Queue, Reader, error)) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	q, r, err := fn()
	if q != nil {
		s.bound.Store(&binding{queue: q, reader: r})
		// cooldowns refer to the previous backend
		s.lastSync.Clear()
	}
	return err
}

// Cache returns the cache the service works on.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

func (s *Service) report(out Reporter, format string, args ...any) {
	if out == nil {
		return
	}
	out.Report(s.opts.Prefix + fmt.Sprintf(format, args...))
}

// markLocal must be called inside the cache compute of key
func (s *Service) markLocal(key string) {
	s.localWrites.Store(key, s.opts.Clock())
	mutationsTotal.Inc()
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// SetVariable sets key to value.
func (s *Service) SetVariable(key, value string, out Reporter) error {
	s.gate.RLock()
	q := s.bound.Load().queue
	var err error
	s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
		if err = q.EnqueueSet(key, value); err != nil {
			return old, !loaded
		}
		s.markLocal(key)
		return value, false
	})
	s.gate.RUnlock()

	if err != nil {
		return s.rejected(out, key, err)
	}
	s.report(out, "Set %s to %s", key, value)
	return nil
}

// SetIfAbsent sets key to value unless it is cached already. It reports
// whether the value was set.
func (s *Service) SetIfAbsent(key, value string, out Reporter) (bool, error) {
	s.gate.RLock()
	q := s.bound.Load().queue
	set := false
	var err error
	s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
		if loaded {
			return old, false
		}
		if err = q.EnqueueSet(key, value); err != nil {
			return "", true
		}
		set = true
		s.markLocal(key)
		return value, false
	})
	s.gate.RUnlock()

	if err != nil {
		return false, s.rejected(out, key, err)
	}
	if set {
		s.report(out, "Set %s to %s", key, value)
	}
	return set, nil
}

// DeleteVariable removes key. It reports whether the key was cached.
func (s *Service) DeleteVariable(key string, out Reporter) (bool, error) {
	s.gate.RLock()
	q := s.bound.Load().queue
	existed := false
	var err error
	s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
		if err = q.EnqueueDelete(key); err != nil {
			return old, !loaded
		}
		existed = loaded
		s.markLocal(key)
		return "", true
	})
	s.gate.RUnlock()

	if err != nil {
		return false, s.rejected(out, key, err)
	}
	s.report(out, "Deleted %s", key)
	return existed, nil
}

// AddVariable adds delta to the numeric value of key (absent counts as "0")
// and returns the new value. On ErrInvalidNumber the value is unchanged.
func (s *Service) AddVariable(key, delta string, out Reporter) (string, error) {
	return s.arithmetic(key, delta, false, out)
}

// RemVariable subtracts delta from the numeric value of key.
func (s *Service) RemVariable(key, delta string, out Reporter) (string, error) {
	return s.arithmetic(key, delta, true, out)
}

func (s *Service) arithmetic(key, delta string, negate bool, out Reporter) (string, error) {
	var result string
	var opErr error

	s.gate.RLock()
	q := s.bound.Load().queue
	s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
		current := old
		if !loaded {
			current = "0"
		}
		r, err := combine(current, delta, negate)
		if err == nil {
			err = q.EnqueueSet(key, r)
		}
		if err != nil {
			opErr = err
			// unchanged, an absent key stays absent
			return old, !loaded
		}
		result = r
		s.markLocal(key)
		return r, false
	})
	s.gate.RUnlock()

	if opErr != nil {
		return "", s.rejected(out, key, opErr)
	}
	if negate {
		s.report(out, "Subtracted %s from %s, now %s", delta, key, result)
	} else {
		s.report(out, "Added %s to %s, now %s", delta, key, result)
	}
	return result, nil
}

// ClearPlayerVariables removes every key "<owner>_*" and returns the number of
// removed keys. owner is lowercased. Keys that could not be removed stay
// cached and the first error is returned.
func (s *Service) ClearPlayerVariables(owner string, out Reporter) (int, error) {
	prefix := strings.ToLower(owner) + "_"
	count := 0
	var firstErr error

	s.gate.RLock()
	q := s.bound.Load().queue
	for _, key := range s.cache.KeysWithPrefix(prefix) {
		s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
			if !loaded {
				return "", true
			}
			if err := q.EnqueueDelete(key); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", key, err)
				}
				return old, false
			}
			count++
			s.markLocal(key)
			return "", true
		})
	}
	s.gate.RUnlock()

	if firstErr != nil {
		s.report(out, "Cannot clear variables of %s: %v", strings.ToLower(owner), firstErr)
		return count, firstErr
	}
	s.report(out, "Cleared %d variables of %s", count, strings.ToLower(owner))
	return count, nil
}

func (s *Service) rejected(out Reporter, key string, err error) error {
	s.report(out, "Cannot change %s: %v", key, err)
	return fmt.Errorf("%s: %w", key, err)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get returns the cached value without backend reconciliation.
func (s *Service) Get(key string) (string, bool) {
	return s.cache.Get(key)
}

// Format renders a read result, absent values become "null".
func Format(value string, found bool) string {
	if !found {
		return Null
	}
	return value
}

// GetSynchronizedValue returns the value of key, reading it from the backend
// if neither the protection window nor the sync cooldown is active.
func (s *Service) GetSynchronizedValue(ctx context.Context, key string) (string, bool) {
	cached, ok := s.cache.Get(key)
	b := s.bound.Load()
	if s.shuttingDown.Load() || b.reader == nil {
		return cached, ok
	}

	now := s.opts.Clock()
	if t, found := s.localWrites.Load(key); found && now.Sub(t) < s.opts.ProtectionWindow {
		return cached, ok
	}
	if t, found := s.lastSync.Load(key); found && now.Sub(t) < s.opts.SyncCooldown {
		return cached, ok
	}
	if _, _, pending := b.queue.Lookup(key); pending {
		return cached, ok
	}

	s.lastSync.Store(key, now)
	syncsTotal.Inc()

	if s.opts.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BackendTimeout)
		defer cancel()
	}
	value, found, err := b.reader.Get(ctx, key)
	if err != nil {
		syncErrorsTotal.Inc()
		if backend.IsClosed(err) {
			log.Debugf("backend closed while reading %q", key)
		} else {
			log.Warningf("reading %q from backend failed, using cached value: %v", key, err)
		}
		return cached, ok
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.bound.Load() != b {
		// the value was read from a backend that is no longer active
		return s.cache.Get(key)
	}
	return s.cache.Compute(key, func(old string, loaded bool) (string, bool) {
		// a local write since the read started wins over the backend value
		if t, written := s.localWrites.Load(key); written && (!t.Before(now) || s.opts.Clock().Sub(t) < s.opts.ProtectionWindow) {
			return old, !loaded
		}
		if !found {
			return "", true
		}
		return value, false
	})
}

// SetShuttingDown switches reads to cache only.
func (s *Service) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

// IsShuttingDown reports whether reads are cache only.
func (s *Service) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}
