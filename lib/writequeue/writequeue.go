package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("writequeue")

// --------------------------------------------------------------------------
// Constants and errors
// --------------------------------------------------------------------------

// DefaultInterval is the scheduler period.
const DefaultInterval = 200 * time.Millisecond

var (
	// ErrFlushInProgress is returned by Flush if another flush is running.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrClosed is returned by Flush after Close.
	ErrClosed = errors.New("write queue is closed")
)

var (
	flushesTotal  = metrics.GetOrCreateCounter("dvar_writequeue_flushes_total")
	skippedTotal  = metrics.GetOrCreateCounter("dvar_writequeue_flushes_skipped_total")
	writtenTotal  = metrics.GetOrCreateCounter("dvar_writequeue_entries_written_total")
	failedTotal   = metrics.GetOrCreateCounter("dvar_writequeue_entries_failed_total")
	requeuedTotal = metrics.GetOrCreateCounter("dvar_writequeue_entries_requeued_total")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Options configures a Queue.
type Options struct {
	// Interval is the scheduler period (0 = DefaultInterval)
	Interval time.Duration
	// RequeueFailed puts entries back into the buffer after a failed write,
	// unless a newer mutation for the key is pending
	RequeueFailed bool
}

// DefaultOptions returns a 200ms interval with requeueing enabled.
func DefaultOptions() Options {
	return Options{Interval: DefaultInterval, RequeueFailed: true}
}

// entry is the pending state of one key
type entry struct {
	value     string
	tombstone bool
	seq       uint64
}

type item struct {
	key string
	entry
}

// Mutation is a pending write as returned by Drain.
type Mutation struct {
	Key       string
	Value     string
	Tombstone bool
}

// Stats is a point in time view of the queue counters.
type Stats struct {
	Pending     int
	Flushes     int64
	Skipped     int64
	Written     int64
	Failed      int64
	Requeued    int64
	LatencyMean time.Duration
	LatencyP99  time.Duration
	LatencyMax  time.Duration
}

// Queue is a coalescing write-behind buffer bound to one backend.
type Queue struct {
	backend backend.Backend
	opts    Options

	pending *xsync.MapOf[string, entry]
	seq     atomic.Uint64

	flushing atomic.Bool
	started  atomic.Bool
	held     atomic.Bool
	closeMu  sync.RWMutex // enqueue (read) vs. close (write)
	closed   atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	flushes  atomic.Int64
	skipped  atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
	requeued atomic.Int64
	latency  gometrics.Timer
}

// New creates a queue writing to b. The scheduler is not running until Start.
func New(b backend.Backend, opts Options) *Queue {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Queue{
		backend: b,
		opts:    opts,
		pending: xsync.NewMapOf[string, entry](),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		latency: gometrics.NewTimer(),
	}
}

// Backend returns the backend the queue is bound to.
func (q *Queue) Backend() backend.Backend {
	return q.backend
}

// --------------------------------------------------------------------------
// Producers
// --------------------------------------------------------------------------

// EnqueueSet records that key must be set to value. It never blocks on I/O.
// After Close it returns ErrClosed and records nothing.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue) EnqueueSet(key, value string) error {
	return q.enqueue(key, entry{value: value})
}

// EnqueueDelete records that key must be deleted. After Close it returns
// ErrClosed and records nothing.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue) EnqueueDelete(key string) error {
	return q.enqueue(key, entry{tombstone: true})
}

func (q *Queue) enqueue(key string, e entry) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	e.seq = q.seq.Add(1)
	q.pending.Store(key, e)
	return nil
}

// Pending returns the number of keys waiting to be written.
func (q *Queue) Pending() int {
	return q.pending.Size()
}

// Lookup returns the pending state of key.
func (q *Queue) Lookup(key string) (value string, tombstone, ok bool) {
	e, ok := q.pending.Load(key)
	return e.value, e.tombstone, ok
}

// --------------------------------------------------------------------------
// Scheduler
// --------------------------------------------------------------------------

// Start launches the scheduler goroutine. Calling it again has no effect.
func (q *Queue) Start() {
	if q.closed.Load() {
		return
	}
	if q.started.CompareAndSwap(false, true) {
		go q.scheduler()
	}
}

func (q *Queue) scheduler() {
	defer close(q.done)
	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.scheduledFlush()
		}
	}
}

// scheduledFlush is Flush unless the queue is held. held is checked after the
// flush slot is taken, so no scheduled flush starts once Hold returned.
func (q *Queue) scheduledFlush() {
	if q.closed.Load() || !q.flushing.CompareAndSwap(false, true) {
		return
	}
	defer q.flushing.Store(false)
	if q.held.Load() {
		return
	}
	if _, err := q.flush(context.Background(), q.opts.RequeueFailed); err != nil {
		log.Warningf("scheduled flush: %v", err)
	}
}

// Hold pauses the scheduler until Release and waits for a running flush to
// finish. Mutations keep being recorded and Flush can still be called
// explicitly. It is used to freeze the backend content while it is copied.
func (q *Queue) Hold(ctx context.Context) error {
	q.held.Store(true)
	for !q.flushing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			q.held.Store(false)
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	q.flushing.Store(false)
	return nil
}

// Release resumes the scheduler after Hold.
func (q *Queue) Release() {
	q.held.Store(false)
}

// Drain removes every pending entry without writing it and returns them in
// mutation order. The caller takes over the responsibility to persist them.
func (q *Queue) Drain() []Mutation {
	items := q.snapshot()
	out := make([]Mutation, len(items))
	for i, it := range items {
		out[i] = Mutation{Key: it.key, Value: it.value, Tombstone: it.tombstone}
	}
	return out
}

// --------------------------------------------------------------------------
// Flush
// --------------------------------------------------------------------------

// Flush writes all pending entries. It returns the number of entries written.
// If another flush is running it returns ErrFlushInProgress without waiting.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	if !q.flushing.CompareAndSwap(false, true) {
		q.skipped.Add(1)
		skippedTotal.Inc()
		return 0, ErrFlushInProgress
	}
	defer q.flushing.Store(false)
	return q.flush(ctx, q.opts.RequeueFailed)
}

// snapshot removes every pending entry that is unchanged since it was read and
// returns them ordered by mutation sequence.
func (q *Queue) snapshot() []item {
	var items []item
	q.pending.Range(func(key string, e entry) bool {
		q.pending.Compute(key, func(cur entry, loaded bool) (entry, bool) {
			if loaded && cur.seq == e.seq {
				items = append(items, item{key: key, entry: e})
				return cur, true
			}
			// replaced meanwhile, the newer entry stays for the next cycle
			return cur, !loaded
		})
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	return items
}

func (q *Queue) flush(ctx context.Context, requeue bool) (int, error) {
	items := q.snapshot()
	if len(items) == 0 {
		return 0, nil
	}

	start := time.Now()
	var failed []item
	var err error

	switch b := q.backend.(type) {
	case backend.BatchCapable:
		failed, err = q.writeBatch(ctx, b, items)
	case backend.RawConnProvider:
		failed, err = q.writeRaw(ctx, b, items)
	default:
		failed, err = q.writeEach(ctx, items)
	}

	q.latency.UpdateSince(start)
	q.flushes.Add(1)
	flushesTotal.Inc()

	written := len(items) - len(failed)
	q.written.Add(int64(written))
	writtenTotal.Add(written)

	if len(failed) == 0 {
		log.Debugf("flushed %d entries to %s in %s", written, q.backend.Type(), time.Since(start))
		return written, nil
	}

	q.failed.Add(int64(len(failed)))
	failedTotal.Add(len(failed))
	if requeue {
		n := q.requeue(failed)
		log.Warningf("%d of %d entries failed (%d requeued): %v", len(failed), len(items), n, err)
	} else {
		log.Errorf("%d of %d entries failed and are lost: %v", len(failed), len(items), err)
	}
	return written, fmt.Errorf("%d of %d entries failed: %w", len(failed), len(items), err)
}

// requeue puts failed entries back unless a newer mutation is pending.
func (q *Queue) requeue(failed []item) int {
	n := 0
	for _, it := range failed {
		q.pending.Compute(it.key, func(cur entry, loaded bool) (entry, bool) {
			if loaded {
				return cur, false
			}
			n++
			return it.entry, false
		})
	}
	q.requeued.Add(int64(n))
	requeuedTotal.Add(n)
	return n
}

// writeBatch applies all items in one batch. On any error the batch is rolled
// back and every item counts as failed.
func (q *Queue) writeBatch(ctx context.Context, b backend.BatchCapable, items []item) (failed []item, err error) {
	if err := b.BeginBatch(ctx); err != nil {
		return items, fmt.Errorf("begin batch: %w", err)
	}

	var applyErr error
	for _, it := range items {
		if applyErr = q.apply(ctx, it); applyErr != nil {
			applyErr = fmt.Errorf("%s %q: %w", it.op(), it.key, applyErr)
			break
		}
	}

	endErr := b.EndBatch(ctx, applyErr == nil)
	switch {
	case applyErr != nil:
		if endErr != nil {
			log.Warningf("rollback failed: %v", endErr)
		}
		return items, applyErr
	case endErr != nil:
		return items, fmt.Errorf("commit batch: %w", endErr)
	}
	return nil, nil
}

// writeRaw applies all items in one transaction on the backend's pool.
func (q *Queue) writeRaw(ctx context.Context, b backend.RawConnProvider, items []item) (failed []item, err error) {
	db, err := b.RawDB(ctx)
	if err != nil {
		return items, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return items, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	upsert, err := tx.PrepareContext(ctx, b.UpsertStatement())
	if err != nil {
		return items, fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()
	del, err := tx.PrepareContext(ctx, b.DeleteStatement())
	if err != nil {
		return items, fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	for _, it := range items {
		if it.tombstone {
			_, err = del.ExecContext(ctx, it.key)
		} else {
			_, err = upsert.ExecContext(ctx, it.key, it.value)
		}
		if err != nil {
			return items, fmt.Errorf("%s %q: %w", it.op(), it.key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return items, fmt.Errorf("commit transaction: %w", err)
	}
	return nil, nil
}

// writeEach applies the items one by one. Only the failing items fail.
func (q *Queue) writeEach(ctx context.Context, items []item) (failed []item, err error) {
	var errs []error
	for _, it := range items {
		if e := q.apply(ctx, it); e != nil {
			failed = append(failed, it)
			errs = append(errs, fmt.Errorf("%s %q: %w", it.op(), it.key, e))
		}
	}
	return failed, errors.Join(errs...)
}

func (q *Queue) apply(ctx context.Context, it item) error {
	if it.tombstone {
		return q.backend.Delete(ctx, it.key)
	}
	return q.backend.Set(ctx, it.key, it.value)
}

func (it item) op() string {
	if it.tombstone {
		return "delete"
	}
	return "set"
}

// --------------------------------------------------------------------------
// Shutdown and statistics
// --------------------------------------------------------------------------

// Close stops the scheduler and writes the remaining entries once. Entries
// that fail in this final flush are not retried. ctx bounds the wait for a
// running flush and the final flush itself.
func (q *Queue) Close(ctx context.Context) error {
	q.closeMu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.closeMu.Unlock()
		return nil
	}
	q.closeMu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
	defer q.latency.Stop()

	if q.started.Load() {
		select {
		case <-q.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for scheduler: %w", ctx.Err())
		}
	}

	// a flush triggered by a caller may still be running
	for !q.flushing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for running flush: %w (%d entries lost)", ctx.Err(), q.Pending())
		case <-time.After(time.Millisecond):
		}
	}
	defer q.flushing.Store(false)

	n, err := q.flush(ctx, false)
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	if n > 0 {
		log.Infof("final flush wrote %d entries to %s", n, q.backend.Type())
	}
	return nil
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	snap := q.latency.Snapshot()
	return Stats{
		Pending:     q.Pending(),
		Flushes:     q.flushes.Load(),
		Skipped:     q.skipped.Load(),
		Written:     q.written.Load(),
		Failed:      q.failed.Load(),
		Requeued:    q.requeued.Load(),
		LatencyMean: time.Duration(snap.Mean()),
		LatencyP99:  time.Duration(snap.Percentile(0.99)),
		LatencyMax:  time.Duration(snap.Max()),
	}
}
