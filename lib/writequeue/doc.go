/*
Package writequeue implements the write-behind buffer between the variable cache
and a storage backend.

Mutations are recorded with EnqueueSet and EnqueueDelete, which never block on
I/O and never touch the backend. After Close they return ErrClosed. At most one pending entry exists per key: a later
mutation replaces an earlier one (coalescing), so only the latest state of a key
is persisted. A delete is a pending entry with the tombstone flag set.

A scheduler goroutine calls Flush at a fixed interval (200ms by default). A flush:

 1. is single-flight: if another flush is running the call returns
    ErrFlushInProgress immediately, it is not queued
 2. takes a snapshot of the pending entries and removes each of them only if it
    was not replaced in the meantime (every entry carries a sequence number)
 3. writes the snapshot in mutation order using the best path the backend
    offers:
    - backend.BatchCapable: one BeginBatch/EndBatch unit, EndBatch is always
    called and rolls back on error
    - backend.RawConnProvider: one transaction with a prepared upsert and a
    prepared delete statement
    - otherwise one Set or Delete call per entry

Entries whose write failed are put back into the buffer unless a newer mutation
for the same key arrived meanwhile (see Options.RequeueFailed). Close stops the
scheduler and runs one final flush bounded by the given context; failures of
that final flush are not retried.

Hold pauses the scheduler and waits for a running flush, so the backend content
stays unchanged while it is copied somewhere else. Mutations are still recorded
meanwhile. Drain hands the pending entries to the caller without writing them,
which is how the storage manager moves them to the queue of a new backend.

Metrics: flush counts and written entries are exported as VictoriaMetrics
counters (dvar_writequeue_*); the flush latency is tracked by a go-metrics timer
and reported by Stats.
*/
package writequeue
