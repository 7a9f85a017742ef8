// Package yaml implements backend.Backend on a single YAML document.
//
// The whole key space is held in memory as two sections:
//
//	global:
//	  motd: hello
//	players:
//	  alice:
//	    gold: "10"
//
// A key "<owner>_<name>" is stored as players.<owner>.<name> (split at the first
// underscore); every other key is stored in global. Mutations only mark the
// document dirty. A saver goroutine writes the file once SaveDelay has passed
// since the most recent change, but no later than MaxSaveDelay after the first
// unsaved change. Files are replaced atomically. Close stops the saver and
// writes a dirty document synchronously.
//
// Thread-safety: one mutex guards the document, a second one serializes file writes.
package yaml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/common"
	"github.com/ValentinKolb/dVar/lib/config"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v3"
)

var log = logger.GetLogger("backend/yaml")

// FileName is the name of the document inside the data directory.
const FileName = "variables.yml"

// Backend is the structured flat-file store.
type Backend struct {
	dir          string
	saveDelay    time.Duration
	maxSaveDelay time.Duration

	mu         sync.Mutex
	global     map[string]string
	players    map[string]map[string]string
	dirty      bool
	firstDirty time.Time
	lastDirty  time.Time
	connected  bool
	closed     bool

	saveMu sync.Mutex
	saves  atomic.Int64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// document is the on-disk layout. Pointers keep null values apart from empty strings.
type document struct {
	Global  map[string]*string            `yaml:"global"`
	Players map[string]map[string]*string `yaml:"players"`
}

// New creates an unconnected backend storing FileName in dir.
func New(dir string, cfg config.YAMLConfig) *Backend {
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = 2 * time.Second
	}
	return &Backend{
		dir:          dir,
		saveDelay:    cfg.SaveDelay,
		maxSaveDelay: cfg.MaxSaveDelay,
		global:       make(map[string]string),
		players:      make(map[string]map[string]string),
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Path returns the location of the document.
func (b *Backend) Path() string {
	return filepath.Join(b.dir, FileName)
}

// Saves returns how many times the document was written.
func (b *Backend) Saves() int64 {
	return b.saves.Load()
}

// --------------------------------------------------------------------------
// Key mapping
// --------------------------------------------------------------------------

// SplitKey splits "<owner>_<name>" at the first underscore. ok is false for
// keys that belong to the global section.
func SplitKey(key string) (owner, name string, ok bool) {
	i := strings.IndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// JoinKey is the inverse of SplitKey.
func JoinKey(owner, name string) string {
	return owner + "_" + name
}

// --------------------------------------------------------------------------
// Connection and persistence
// --------------------------------------------------------------------------

// Connect loads the document and starts the saver. A missing document is
// created before Connect returns.
func (b *Backend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.Closed("yaml")
	}
	if b.connected {
		return nil
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return backend.NewError(backend.RetCConnection, "cannot create data directory "+b.dir, err)
	}

	data, err := os.ReadFile(b.Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := b.writeInitial(); err != nil {
			return backend.NewError(backend.RetCConnection, "cannot create "+b.Path(), err)
		}
	case err != nil:
		return backend.NewError(backend.RetCConnection, "cannot read "+b.Path(), err)
	default:
		if err := b.load(data); err != nil {
			return backend.NewError(backend.RetCConnection, "cannot parse "+b.Path(), err)
		}
	}

	b.connected = true
	go b.saver()
	log.Infof("loaded %s (%d global, %d players)", b.Path(), len(b.global), len(b.players))
	return nil
}

// writeInitial writes the (empty) document of a new medium. Must be called
// with b.mu held.
func (b *Backend) writeInitial() error {
	data, err := yaml.Marshal(b.snapshotDocument())
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(b.Path(), data); err != nil {
		return err
	}
	b.saves.Add(1)
	log.Infof("created %s", b.Path())
	return nil
}

// load fills the in-memory sections. Must be called with b.mu held.
func (b *Backend) load(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for name, v := range doc.Global {
		if v != nil {
			b.global[name] = *v
		}
	}
	for owner, vars := range doc.Players {
		for name, v := range vars {
			if v == nil {
				continue
			}
			if _, dup := b.global[JoinKey(owner, name)]; dup {
				log.Warningf("key %s exists in both sections, using players.%s.%s", JoinKey(owner, name), owner, name)
				delete(b.global, JoinKey(owner, name))
			}
			if b.players[owner] == nil {
				b.players[owner] = make(map[string]string)
			}
			b.players[owner][name] = *v
		}
	}
	return nil
}

// markDirty records a change. Must be called with b.mu held.
func (b *Backend) markDirty() {
	now := time.Now()
	if !b.dirty {
		b.firstDirty = now
	}
	b.dirty = true
	b.lastDirty = now
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// saveAt returns when the pending change must be written. Must be called with b.mu held.
func (b *Backend) saveAt() time.Time {
	at := b.lastDirty.Add(b.saveDelay)
	if b.maxSaveDelay > 0 {
		if limit := b.firstDirty.Add(b.maxSaveDelay); limit.Before(at) {
			at = limit
		}
	}
	return at
}

// saver is the debounce loop. It runs until Close.
func (b *Backend) saver() {
	defer close(b.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		b.mu.Lock()
		dirty := b.dirty
		at := b.saveAt()
		b.mu.Unlock()

		if dirty {
			wait := time.Until(at)
			if wait <= 0 {
				if err := b.Save(); err != nil {
					log.Errorf("saving %s failed: %v", b.Path(), err)
					// retry after another delay instead of spinning
					wait = b.saveDelay
				} else {
					continue
				}
			}
			timer.Reset(wait)
		}

		select {
		case <-b.stop:
			timer.Stop()
			return
		case <-b.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Save writes the document now if it has unsaved changes.
func (b *Backend) Save() error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	data, err := yaml.Marshal(b.snapshotDocument())
	if err != nil {
		b.mu.Unlock()
		return backend.NewError(backend.RetCPersistence, "cannot encode document", err)
	}
	b.dirty = false
	b.mu.Unlock()

	if err := common.WriteFileAtomic(b.Path(), data); err != nil {
		b.mu.Lock()
		if !b.dirty {
			b.markDirty()
		}
		b.mu.Unlock()
		return backend.NewError(backend.RetCPersistence, "cannot write "+b.Path(), err)
	}
	b.saves.Add(1)
	log.Debugf("saved %s (%d bytes)", b.Path(), len(data))
	return nil
}

// snapshotDocument copies the sections. Must be called with b.mu held.
func (b *Backend) snapshotDocument() document {
	doc := document{
		Global:  make(map[string]*string, len(b.global)),
		Players: make(map[string]map[string]*string, len(b.players)),
	}
	for k, v := range b.global {
		doc.Global[k] = &v
	}
	for owner, vars := range b.players {
		section := make(map[string]*string, len(vars))
		for k, v := range vars {
			section[k] = &v
		}
		doc.Players[owner] = section
	}
	return doc
}

// ready checks the state. Must be called with b.mu held.
func (b *Backend) ready() error {
	if b.closed {
		return backend.Closed("yaml")
	}
	if !b.connected {
		return backend.NewError(backend.RetCConnection, "yaml backend is not connected", nil)
	}
	return nil
}

// --------------------------------------------------------------------------
// backend.Backend
// --------------------------------------------------------------------------

func (b *Backend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}

	if owner, name, ok := SplitKey(key); ok {
		section := b.players[owner]
		if section == nil {
			section = make(map[string]string)
			b.players[owner] = section
		}
		section[name] = value
		delete(b.global, key)
	} else {
		b.global[key] = value
	}
	b.markDirty()
	return nil
}

func (b *Backend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return "", false, err
	}

	if owner, name, ok := SplitKey(key); ok {
		if v, found := b.players[owner][name]; found {
			return v, true, nil
		}
	}
	v, found := b.global[key]
	return v, found, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}

	changed := false
	if owner, name, ok := SplitKey(key); ok {
		if section, found := b.players[owner]; found {
			if _, found := section[name]; found {
				delete(section, name)
				changed = true
			}
			if len(section) == 0 {
				delete(b.players, owner)
			}
		}
	}
	if _, found := b.global[key]; found {
		delete(b.global, key)
		changed = true
	}
	if changed {
		b.markDirty()
	}
	return nil
}

func (b *Backend) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(b.global))
	for k := range b.global {
		keys = append(keys, k)
	}
	for owner, vars := range b.players {
		for name := range vars {
			keys = append(keys, JoinKey(owner, name))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	return backend.KeysWithPrefixFromKeys(ctx, b, prefix)
}

func (b *Backend) Entries(_ context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}

	entries := make(map[string]string, len(b.global))
	for k, v := range b.global {
		entries[k] = v
	}
	for owner, vars := range b.players {
		for name, v := range vars {
			entries[JoinKey(owner, name)] = v
		}
	}
	return entries, nil
}

func (b *Backend) Type() backend.Type {
	return backend.TypeYAML
}

// DeferredSave reports that writes reach the file asynchronously.
func (b *Backend) DeferredSave() bool {
	return true
}

// Close stops the saver and writes unsaved changes. It is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	connected := b.connected
	b.mu.Unlock()

	if !connected {
		return nil
	}
	close(b.stop)
	<-b.done

	if err := b.Save(); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	log.Infof("closed %s", b.Path())
	return nil
}

var _ backend.Backend = (*Backend)(nil)
