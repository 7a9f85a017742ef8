package mysql

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/config"
)

func TestParseSessionVariables(t *testing.T) {
	vars, err := parseSessionVariables("sql_mode='', wait_timeout=600")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if vars["sql_mode"] != "''" {
		t.Errorf("Expected sql_mode='', got %q", vars["sql_mode"])
	}
	if vars["wait_timeout"] != "600" {
		t.Errorf("Expected wait_timeout=600, got %q", vars["wait_timeout"])
	}

	if vars, err := parseSessionVariables(""); err != nil || len(vars) != 0 {
		t.Errorf("Expected empty result for empty input, got %v, %v", vars, err)
	}

	for _, bad := range []string{"novalue", "bad name=1", "x;drop=1"} {
		if _, err := parseSessionVariables(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func TestDriverConfig(t *testing.T) {
	cfg := config.Default().MySQL
	cfg.Host = "db.example"
	cfg.Port = 3307
	cfg.Database = "game"
	cfg.User = "yov"
	cfg.Password = "secret"

	dc, err := driverConfig(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dc.Addr != "db.example:3307" {
		t.Errorf("Expected address db.example:3307, got %s", dc.Addr)
	}
	if dc.DBName != "game" || dc.User != "yov" || dc.Passwd != "secret" {
		t.Errorf("Unexpected credentials in %+v", dc)
	}
	if dc.TLSConfig != "false" {
		t.Errorf("Expected TLS to be disabled, got %q", dc.TLSConfig)
	}
	if dc.Loc.String() != "UTC" {
		t.Errorf("Expected UTC location, got %s", dc.Loc)
	}
	if dc.Params["sql_mode"] != "''" {
		t.Errorf("Expected sql_mode session variable, got %v", dc.Params)
	}
	if dc.Timeout != 5*time.Second {
		t.Errorf("Expected dial timeout 5s, got %s", dc.Timeout)
	}
	if !strings.Contains(dc.FormatDSN(), "tcp(db.example:3307)/game") {
		t.Errorf("Unexpected DSN %s", dc.FormatDSN())
	}

	cfg.ServerTimezone = "Mars/Olympus"
	if _, err := driverConfig(cfg); err == nil {
		t.Errorf("Expected an invalid timezone to be rejected")
	}
}

func TestStatements(t *testing.T) {
	s := buildStatements(backend.Schema{Table: "vars", KeyColumn: "k", ValueColumn: "v"}, "InnoDB", "utf8mb4")

	if !strings.Contains(s.create, "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4") {
		t.Errorf("Unexpected create statement: %s", s.create)
	}
	if s.upsert != "INSERT INTO `vars` (`k`, `v`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `v` = VALUES(`v`)" {
		t.Errorf("Unexpected upsert statement: %s", s.upsert)
	}
	if s.del != "DELETE FROM `vars` WHERE `k` = ?" {
		t.Errorf("Unexpected delete statement: %s", s.del)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`a_b%c\`); got != `a\_b\%c\\` {
		t.Errorf("Unexpected escape result %s", got)
	}
}

func TestFeatures(t *testing.T) {
	b := New(backend.TypeMariaDB, config.Default().MySQL, backend.DefaultSchema())
	f := backend.Features(b)
	if f&backend.FeatureRawConn == 0 {
		t.Errorf("Expected raw connection support")
	}
	if f&backend.FeatureBatch != 0 {
		t.Errorf("Did not expect batch support")
	}
	if b.Type() != backend.TypeMariaDB {
		t.Errorf("Expected type mariadb, got %s", b.Type())
	}
}

func TestOperationsBeforeConnectAndAfterClose(t *testing.T) {
	b := New(backend.TypeMySQL, config.Default().MySQL, backend.DefaultSchema())
	ctx := context.Background()

	if err := b.Set(ctx, "k", "v"); !backend.IsConnection(err) {
		t.Errorf("Expected connection error before Connect, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, _, err := b.Get(ctx, "k"); !backend.IsClosed(err) {
		t.Errorf("Expected closed error after Close, got %v", err)
	}
	if err := b.Connect(ctx); !backend.IsClosed(err) {
		t.Errorf("Expected closed error on Connect after Close, got %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	cfg := config.Default().MySQL
	cfg.Host = "127.0.0.1"
	cfg.Port = 1 // nothing listens here
	cfg.ConnTimeout = 500 * time.Millisecond

	b := New(backend.TypeMySQL, cfg, backend.DefaultSchema())
	defer b.Close()
	if err := b.Connect(context.Background()); !backend.IsConnection(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
}

func TestInvalidEngineRejected(t *testing.T) {
	cfg := config.Default().MySQL
	cfg.TableEngine = "InnoDB; DROP TABLE x"
	b := New(backend.TypeMySQL, cfg, backend.DefaultSchema())
	if err := b.Connect(context.Background()); !backend.IsConnection(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
}
