// Package migration copies the full key space from one storage type to another.
//
// A migration builds fresh backends for both types through the factory,
// independent of the backend that is currently active. It connects both,
// enumerates all entries of the source and writes them one by one into the
// target. On success the live cache is cleared and reloaded from the target.
// Both transient backends are always closed. A failed migration is not rolled
// back: entries already written to the target stay there.
//
// Switching the active backend to the target is not part of this package, the
// caller does that after a successful migration.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/cache"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("migration")

// progressEvery controls how often a progress line is reported while writing.
const progressEvery = 1000

var (
	// ErrNotPrivileged is returned if the requester may not migrate.
	ErrNotPrivileged = errors.New("migration requires a privileged requester")
	// ErrSameType is returned if source and target type are equal.
	ErrSameType = errors.New("source and target storage type are the same")
)

// Requester is the caller of a migration. It receives the progress lines.
type Requester interface {
	Report(msg string)
	IsPrivileged() bool
}

// Report is the result of a migration.
type Report struct {
	From       backend.Type
	To         backend.Type
	Discovered int           // entries found in the source
	Migrated   int           // entries written to the target
	Skipped    int           // entries with an empty key
	Reloaded   int           // entries loaded into the cache from the target
	ReloadErr  error         // cache reload failure, the migration still counts as complete
	Duration   time.Duration // total time
}

func (r Report) String() string {
	s := fmt.Sprintf("migrated %d of %d variables from %s to %s in %s",
		r.Migrated, r.Discovered, r.From, r.To, r.Duration.Round(time.Millisecond))
	if r.Skipped > 0 {
		s += fmt.Sprintf(" (%d skipped)", r.Skipped)
	}
	return s
}

// Service runs migrations.
type Service struct {
	factory backend.Factory
	cache   *cache.Cache
}

// New creates a migration service building backends with factory and
// reloading c after a successful migration.
func New(factory backend.Factory, c *cache.Cache) *Service {
	return &Service{factory: factory, cache: c}
}

// Migrate copies all entries from a backend of type from into a backend of type to.
func (s *Service) Migrate(ctx context.Context, from, to backend.Type, requester Requester) (report Report, err error) {
	report = Report{From: from, To: to}
	if requester == nil || !requester.IsPrivileged() {
		return report, ErrNotPrivileged
	}
	if from == to {
		return report, fmt.Errorf("%w: %s", ErrSameType, from)
	}

	start := time.Now()
	say := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Infof("%s", msg)
		requester.Report(msg)
	}
	defer func() {
		report.Duration = time.Since(start)
		if err != nil {
			log.Errorf("migration from %s to %s failed: %v", from, to, err)
			requester.Report(fmt.Sprintf("Migration failed: %v", err))
		}
	}()

	say("Migrating variables from %s to %s...", from, to)

	source, err := s.factory(from)
	if err != nil {
		return report, fmt.Errorf("create %s backend: %w", from, err)
	}
	defer closeQuietly(source)

	target, err := s.factory(to)
	if err != nil {
		return report, fmt.Errorf("create %s backend: %w", to, err)
	}
	defer closeQuietly(target)

	if err := source.Connect(ctx); err != nil {
		return report, fmt.Errorf("connect source %s: %w", from, err)
	}
	if err := target.Connect(ctx); err != nil {
		return report, fmt.Errorf("connect target %s: %w", to, err)
	}

	entries, err := source.Entries(ctx)
	if err != nil {
		return report, fmt.Errorf("read source %s: %w", from, err)
	}
	report.Discovered = len(entries)
	say("Found %d variables in %s", report.Discovered, from)

	// sorted for a reproducible write order and progress output
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "" {
			report.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := target.Set(ctx, k, entries[k]); err != nil {
			return report, fmt.Errorf("write %q to %s: %w", k, to, err)
		}
		report.Migrated++
		if report.Migrated%progressEvery == 0 {
			say("Migrated %d/%d variables", report.Migrated, report.Discovered)
		}
	}

	if s.cache != nil {
		s.cache.Clear()
		report.Reloaded, report.ReloadErr = s.cache.LoadFromBackend(ctx, target)
		if report.ReloadErr != nil {
			say("Warning: reloading the cache from %s failed: %v", to, report.ReloadErr)
		}
	}

	say("Migration complete: %s", report)
	return report, nil
}

func closeQuietly(b backend.Backend) {
	if err := b.Close(); err != nil {
		log.Warningf("closing transient %s backend: %v", b.Type(), err)
	}
}
