package yaml

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	backendtesting "github.com/ValentinKolb/dVar/lib/backend/testing"
	"github.com/ValentinKolb/dVar/lib/config"
	"gopkg.in/yaml.v3"
)

func newFactory(t testing.TB) func() backend.Backend {
	dir := t.TempDir()
	return func() backend.Backend {
		return New(dir, config.YAMLConfig{SaveDelay: 20 * time.Millisecond})
	}
}

func TestYAMLBackend(t *testing.T) {
	backendtesting.RunBackendTests(t, "yaml", newFactory)
}

func connected(t *testing.T, dir string, cfg config.YAMLConfig) *Backend {
	t.Helper()
	b := New(dir, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return b
}

func readDocument(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return doc
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key         string
		owner, name string
		ok          bool
	}{
		{"alice_gold", "alice", "gold", true},
		{"alice_gold_bar", "alice", "gold_bar", true},
		{"motd", "", "", false},
		{"_hidden", "", "", false},
		{"trailing_", "", "", false},
	}
	for _, tt := range tests {
		owner, name, ok := SplitKey(tt.key)
		if owner != tt.owner || name != tt.name || ok != tt.ok {
			t.Errorf("SplitKey(%q) = %q, %q, %t; expected %q, %q, %t",
				tt.key, owner, name, ok, tt.owner, tt.name, tt.ok)
		}
		if ok && JoinKey(owner, name) != tt.key {
			t.Errorf("JoinKey(%q, %q) does not restore %q", owner, name, tt.key)
		}
	}
}

func TestConnectCreatesFile(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: 10 * time.Millisecond})
	defer b.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("Expected %s to exist when Connect returns: %v", FileName, err)
	}
	doc := readDocument(t, dir)
	if len(doc) != 0 && doc["global"] == nil && doc["players"] == nil {
		t.Errorf("Unexpected initial document %v", doc)
	}
	if b.Saves() != 1 {
		t.Errorf("Expected the initial document to count as one save, got %d", b.Saves())
	}
}

func TestConnectFailsIfFileCannotBeCreated(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0o755)

	b := New(dir, config.YAMLConfig{SaveDelay: time.Hour})
	err := b.Connect(context.Background())
	if !backend.IsConnection(err) {
		t.Fatalf("Expected a connection error, got %v", err)
	}
	if _, _, err := b.Get(context.Background(), "k"); err == nil {
		t.Errorf("Expected the backend to stay unconnected")
	}
}

func TestSectionMapping(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour})
	ctx := context.Background()

	_ = b.Set(ctx, "motd", "hello")
	_ = b.Set(ctx, "alice_gold", "10")
	_ = b.Set(ctx, "alice_gems", "3")
	_ = b.Set(ctx, "bob_gold", "5")
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	doc := readDocument(t, dir)
	global, _ := doc["global"].(map[string]any)
	if global["motd"] != "hello" {
		t.Errorf("Expected global.motd=hello, got %v", global)
	}
	players, _ := doc["players"].(map[string]any)
	alice, _ := players["alice"].(map[string]any)
	if alice["gold"] != "10" || alice["gems"] != "3" {
		t.Errorf("Expected players.alice.{gold,gems}, got %v", alice)
	}
	bob, _ := players["bob"].(map[string]any)
	if bob["gold"] != "5" {
		t.Errorf("Expected players.bob.gold=5, got %v", bob)
	}
}

func TestDeletingLastVariableRemovesOwner(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour})
	ctx := context.Background()

	_ = b.Set(ctx, "alice_gold", "10")
	_ = b.Set(ctx, "bob_gold", "5")
	_ = b.Delete(ctx, "alice_gold")
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	players, _ := readDocument(t, dir)["players"].(map[string]any)
	if _, found := players["alice"]; found {
		t.Errorf("Expected owner section alice to be removed, got %v", players)
	}
	if _, found := players["bob"]; !found {
		t.Errorf("Expected owner section bob to remain")
	}
}

func TestDebouncedSave(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: 150 * time.Millisecond})
	defer b.Close()
	ctx := context.Background()

	// the initial empty document is the first save
	waitFor(t, func() bool { return b.Saves() >= 1 })
	base := b.Saves()

	// a burst of changes closer together than the delay results in one save
	for i := 0; i < 5; i++ {
		_ = b.Set(ctx, "coins", strings.Repeat("1", i+1))
		time.Sleep(20 * time.Millisecond)
	}
	if got := b.Saves(); got != base {
		t.Errorf("Expected no save during the burst, got %d saves", got-base)
	}

	waitFor(t, func() bool { return b.Saves() == base+1 })
	time.Sleep(300 * time.Millisecond)
	if got := b.Saves(); got != base+1 {
		t.Errorf("Expected exactly one save after the burst, got %d", got-base)
	}

	global, _ := readDocument(t, dir)["global"].(map[string]any)
	if global["coins"] != "11111" {
		t.Errorf("Expected the latest value to be saved, got %v", global["coins"])
	}
}

func TestMaxSaveDelay(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour, MaxSaveDelay: 100 * time.Millisecond})
	defer b.Close()

	waitFor(t, func() bool { return b.Saves() >= 1 })
	base := b.Saves()
	_ = b.Set(context.Background(), "coins", "1")
	waitFor(t, func() bool { return b.Saves() > base })
}

func TestCloseForcesSave(t *testing.T) {
	dir := t.TempDir()
	b := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour})
	_ = b.Set(context.Background(), "alice_gold", "42")
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour})
	defer reopened.Close()
	v, found, err := reopened.Get(context.Background(), "alice_gold")
	if err != nil || !found || v != "42" {
		t.Errorf("Expected alice_gold=42 after reopen, got %q %t %v", v, found, err)
	}
}

func TestLoadsHandWrittenDocument(t *testing.T) {
	dir := t.TempDir()
	content := `global:
  motd: hello
  count: 10
  nothing:
players:
  alice:
    gold: 7.5
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	b := connected(t, dir, config.YAMLConfig{SaveDelay: time.Hour})
	defer b.Close()

	entries, err := b.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if entries["count"] != "10" || entries["alice_gold"] != "7.5" || entries["motd"] != "hello" {
		t.Errorf("Unexpected entries %v", entries)
	}
	if _, found := entries["nothing"]; found {
		t.Errorf("Null values must be skipped")
	}
}

func TestInvalidDocumentIsConnectionError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("global: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := New(dir, config.YAMLConfig{})
	if err := b.Connect(context.Background()); !backend.IsConnection(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
	_ = b.Close()
}

func TestFeatures(t *testing.T) {
	b := New(t.TempDir(), config.YAMLConfig{})
	f := backend.Features(b)
	if f&backend.FeatureDeferredSave == 0 {
		t.Errorf("Expected deferred save")
	}
	if f&(backend.FeatureBatch|backend.FeatureRawConn|backend.FeaturePrefixIndex) != 0 {
		t.Errorf("Unexpected features %v", backend.FeatureList(f))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
