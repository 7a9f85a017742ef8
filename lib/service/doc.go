/*
Package service is the single entry point for reading and writing variables.

Writes update the cache synchronously (read your writes), enqueue the durable
write in the write queue and record a local write timestamp for the key. Add and
Rem run the whole read-modify-write inside one atomic cache compute, so a
concurrent reader never sees a half applied update.

GetSynchronizedValue reconciles the cache with the backend per key:

	FRESH_LOCAL   a local write happened within ProtectionWindow (1s)  -> cache
	FRESH_SYNCED  a backend read happened within SyncCooldown (1s)     -> cache
	STALE         neither                                              -> backend read

A backend read that finds the key updates the cache, a read that does not find
it removes the key from the cache. If the read fails, the error is logged (closed
backend errors only at debug level) and the cached value is returned. Every
backend read attempt, failed or not, starts a new sync cooldown, so a failing
backend is asked at most once per key and cooldown. A backend value never
replaces a local write that happened after the read started, and keys with a
pending write in the queue are not read from the backend at all.

After SetShuttingDown(true) all reads are served from the cache only.

The queue and reader can be replaced at runtime with Rebind, which the storage
manager uses when it switches backends. Rebind waits for running mutations and
blocks new ones until the swap is done, so every mutation is enqueued either in
the old queue (and handed over by the manager) or in the new one. A backend
value read from the previous backend is discarded. If the queue rejects a write,
for example because it was closed, the mutation fails and the cache keeps its
previous value.
*/
package service
