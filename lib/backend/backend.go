package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// Type identifies a storage medium.
type Type string

const (
	TypeSQLite  Type = "sqlite"
	TypeMySQL   Type = "mysql"
	TypeMariaDB Type = "mariadb"
	TypeYAML    Type = "yaml"
)

// Types lists all supported storage types.
var Types = []Type{TypeSQLite, TypeMySQL, TypeMariaDB, TypeYAML}

// ParseType converts a configuration value into a Type.
// An empty value selects sqlite, "yml" is accepted as an alias for yaml.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite":
		return TypeSQLite, nil
	case "mysql":
		return TypeMySQL, nil
	case "mariadb":
		return TypeMariaDB, nil
	case "yaml", "yml":
		return TypeYAML, nil
	default:
		return "", fmt.Errorf("unknown storage type %q (expected one of sqlite, mysql, mariadb, yaml)", s)
	}
}

// IsNetworked reports whether the type is served by the networked relational engine.
func (t Type) IsNetworked() bool {
	return t == TypeMySQL || t == TypeMariaDB
}

func (t Type) String() string {
	return string(t)
}

// Feature represents optional backend capabilities as bit flags
type Feature uint64

const (
	FeatureBatch        Feature = 1 << iota // BatchCapable is implemented
	FeatureRawConn                          // RawConnProvider is implemented
	FeaturePrefixIndex                      // KeysWithPrefix is served natively, not by filtering Keys
	FeatureDeferredSave                     // writes reach the medium asynchronously
)

func (f Feature) String() string {
	switch f {
	case FeatureBatch:
		return "Batch"
	case FeatureRawConn:
		return "RawConn"
	case FeaturePrefixIndex:
		return "PrefixIndex"
	case FeatureDeferredSave:
		return "DeferredSave"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Backend Interface
// --------------------------------------------------------------------------

// Backend is the durable storage contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Connect establishes the medium and makes sure the schema exists.
	// It is idempotent and fails with a RetCConnection error.
	Connect(ctx context.Context) (err error)

	// Set inserts or updates a single key.
	Set(ctx context.Context, key, value string) (err error)

	// Get returns the stored value. found is false if the key does not exist,
	// which is not an error.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Delete removes a key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) (err error)

	// Keys enumerates all stored keys.
	Keys(ctx context.Context) (keys []string, err error)

	// KeysWithPrefix enumerates all keys starting with prefix.
	KeysWithPrefix(ctx context.Context, prefix string) (keys []string, err error)

	// Entries returns the full key/value space.
	Entries(ctx context.Context) (entries map[string]string, err error)

	// Type returns the storage type of this backend.
	Type() Type

	// Close releases the medium. Every later operation fails with RetCClosed.
	Close() (err error)
}

// BatchCapable is implemented by backends that can apply many writes atomically.
type BatchCapable interface {
	// BeginBatch starts an atomic unit. All Set/Delete calls until EndBatch are part of it.
	BeginBatch(ctx context.Context) (err error)
	// EndBatch commits (commit=true) or rolls back the current unit.
	// It must be called exactly once per BeginBatch.
	EndBatch(ctx context.Context, commit bool) (err error)
}

// RawConnProvider is implemented by backends that expose their connection pool.
type RawConnProvider interface {
	// RawDB returns the underlying pool (after making sure it is usable).
	RawDB(ctx context.Context) (db *sql.DB, err error)
	// UpsertStatement returns a statement taking (key, value).
	UpsertStatement() string
	// DeleteStatement returns a statement taking (key).
	DeleteStatement() string
}

// Factory creates a fresh, unconnected backend for the given type.
type Factory func(t Type) (Backend, error)

// --------------------------------------------------------------------------
// Capability helpers
// --------------------------------------------------------------------------

// Features returns the capability flags of a backend.
func Features(b Backend) Feature {
	var f Feature
	if _, ok := b.(BatchCapable); ok {
		f |= FeatureBatch
	}
	if _, ok := b.(RawConnProvider); ok {
		f |= FeatureRawConn
	}
	if p, ok := b.(interface{ NativePrefixScan() bool }); ok && p.NativePrefixScan() {
		f |= FeaturePrefixIndex
	}
	if d, ok := b.(interface{ DeferredSave() bool }); ok && d.DeferredSave() {
		f |= FeatureDeferredSave
	}
	return f
}

// FeatureList expands a flag set into its single features (for printing).
func FeatureList(f Feature) []Feature {
	var out []Feature
	for _, single := range []Feature{FeatureBatch, FeatureRawConn, FeaturePrefixIndex, FeatureDeferredSave} {
		if f&single == single {
			out = append(out, single)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Default enumeration helpers
// --------------------------------------------------------------------------

// KeysWithPrefixFromKeys implements prefix enumeration as a filter over Keys.
func KeysWithPrefixFromKeys(ctx context.Context, b Backend, prefix string) ([]string, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// EntriesFromKeys implements full enumeration as Keys followed by one Get per key.
// Keys that vanish between the two calls are skipped.
func EntriesFromKeys(ctx context.Context, b Backend) (map[string]string, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := b.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			entries[k] = v
		}
	}
	return entries, nil
}
