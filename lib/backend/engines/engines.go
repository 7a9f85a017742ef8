// Package engines builds the concrete backends from a configuration.
//
// Available engines:
//   - sqlite: embedded single file store, batching (sub package sqlite)
//   - mysql, mariadb: networked pooled store, raw connection access (sub package mysql)
//   - yaml: flat file store with deferred saves (sub package yaml)
package engines

import (
	"fmt"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/backend/engines/mysql"
	"github.com/ValentinKolb/dVar/lib/backend/engines/sqlite"
	"github.com/ValentinKolb/dVar/lib/backend/engines/yaml"
	"github.com/ValentinKolb/dVar/lib/config"
)

// NewFactory returns a factory creating fresh, unconnected backends configured
// from cfg. Every call creates a new instance, instances are never shared.
func NewFactory(cfg config.Config) backend.Factory {
	return func(t backend.Type) (backend.Backend, error) {
		switch t {
		case backend.TypeSQLite:
			return sqlite.New(cfg.DataDir, cfg.Schema), nil
		case backend.TypeMySQL, backend.TypeMariaDB:
			return mysql.New(t, cfg.MySQL, cfg.Schema), nil
		case backend.TypeYAML:
			return yaml.New(cfg.DataDir, cfg.YAML), nil
		default:
			return nil, fmt.Errorf("no engine for storage type %q", t)
		}
	}
}
