// Package config holds the typed configuration of a dVar instance.
//
// The values are usually filled from command line flags and DVAR_* environment
// variables by the cmd package (viper), but the structs are plain data and can be
// built by hand when dVar is embedded as a library.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
)

// --------------------------------------------------------------------------
// Configuration structs
// --------------------------------------------------------------------------

// Config is the complete configuration of one dVar instance.
type Config struct {
	// StorageType selects the active backend
	StorageType backend.Type

	// DataDir holds the files of the embedded and flat-file backends
	DataDir string

	// Schema overrides the table and column names of the SQL backends
	Schema backend.Schema

	MySQL MySQLConfig
	YAML  YAMLConfig
	Queue QueueConfig
	Sync  SyncConfig

	// LogLevel is one of debug, info, warn, error
	LogLevel string
}

// MySQLConfig configures the networked relational backend (mysql and mariadb).
type MySQLConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	UseSSL           bool
	ServerTimezone   string
	SessionVariables string // e.g. "sql_mode=''", comma separated

	// pool sizing
	MaxOpenConns int
	MinIdleConns int
	ConnTimeout  time.Duration
	IdleTimeout  time.Duration
	MaxLifetime  time.Duration

	// ValidationInterval bounds how often the pool is pinged before an operation
	ValidationInterval time.Duration

	TableEngine  string
	TableCharset string
}

// YAMLConfig configures the flat-file backend.
type YAMLConfig struct {
	SaveDelay    time.Duration // delay after the most recent change
	MaxSaveDelay time.Duration // upper bound while changes keep arriving
}

// QueueConfig configures the write-behind queue.
type QueueConfig struct {
	FlushInterval time.Duration
	CloseTimeout  time.Duration
	RequeueFailed bool
}

// SyncConfig configures the read reconciliation of the variable service.
type SyncConfig struct {
	ProtectionWindow time.Duration
	SyncCooldown     time.Duration
	BackendTimeout   time.Duration
}

// Default returns the default configuration (sqlite in ./data).
func Default() Config {
	return Config{
		StorageType: backend.TypeSQLite,
		DataDir:     "data",
		Schema:      backend.DefaultSchema(),
		MySQL: MySQLConfig{
			Host:               "localhost",
			Port:               3306,
			Database:           "dvar",
			User:               "root",
			ServerTimezone:     "UTC",
			SessionVariables:   "sql_mode=''",
			MaxOpenConns:       5,
			MinIdleConns:       1,
			ConnTimeout:        5 * time.Second,
			IdleTimeout:        time.Minute,
			MaxLifetime:        30 * time.Minute,
			ValidationInterval: 5 * time.Second,
			TableEngine:        "InnoDB",
			TableCharset:       "utf8mb4",
		},
		YAML: YAMLConfig{
			SaveDelay:    2 * time.Second,
			MaxSaveDelay: 10 * time.Second,
		},
		Queue: QueueConfig{
			FlushInterval: 200 * time.Millisecond,
			CloseTimeout:  10 * time.Second,
			RequeueFailed: true,
		},
		Sync: SyncConfig{
			ProtectionWindow: time.Second,
			SyncCooldown:     time.Second,
			BackendTimeout:   2 * time.Second,
		},
		LogLevel: "info",
	}
}

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

var (
	ErrDataDirEmpty       = errors.New("data directory must not be empty")
	ErrHostEmpty          = errors.New("mysql host must not be empty")
	ErrPortInvalid        = errors.New("mysql port must be between 1 and 65535")
	ErrPoolSizeInvalid    = errors.New("mysql pool size must be positive")
	ErrFlushIntervalZero  = errors.New("flush interval must be positive")
	ErrSaveDelayZero      = errors.New("yaml save delay must be positive")
	ErrWindowNegative     = errors.New("protection window and sync cooldown must not be negative")
	ErrUnknownStorageType = errors.New("unknown storage type")
)

// Validate checks the configuration of the selected backend and the shared settings.
func (c *Config) Validate() error {
	if _, err := backend.ParseType(string(c.StorageType)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownStorageType, c.StorageType)
	}
	if err := c.Schema.WithDefaults().Validate(); err != nil {
		return err
	}
	if c.Queue.FlushInterval <= 0 {
		return ErrFlushIntervalZero
	}
	if c.Sync.ProtectionWindow < 0 || c.Sync.SyncCooldown < 0 {
		return ErrWindowNegative
	}

	switch {
	case c.StorageType.IsNetworked():
		if strings.TrimSpace(c.MySQL.Host) == "" {
			return ErrHostEmpty
		}
		if c.MySQL.Port <= 0 || c.MySQL.Port > 65535 {
			return ErrPortInvalid
		}
		if c.MySQL.MaxOpenConns <= 0 {
			return ErrPoolSizeInvalid
		}
	case c.StorageType == backend.TypeYAML:
		if c.YAML.SaveDelay <= 0 {
			return ErrSaveDelayZero
		}
		fallthrough
	default:
		if strings.TrimSpace(c.DataDir) == "" {
			return ErrDataDirEmpty
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Printing
// --------------------------------------------------------------------------

// String returns a formatted string representation of the configuration.
// The password is never printed.
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Type", string(c.StorageType))
	addField("Data Directory", c.DataDir)
	schema := c.Schema.WithDefaults()
	addField("Table", fmt.Sprintf("%s(%s, %s)", schema.Table, schema.KeyColumn, schema.ValueColumn))

	if c.StorageType.IsNetworked() {
		addSection("Networked Store")
		addField("Address", c.MySQL.Host+":"+strconv.Itoa(c.MySQL.Port))
		addField("Database", c.MySQL.Database)
		addField("User", c.MySQL.User)
		addField("TLS", fmt.Sprintf("%t", c.MySQL.UseSSL))
		addField("Max Open Conns", strconv.Itoa(c.MySQL.MaxOpenConns))
		addField("Min Idle Conns", strconv.Itoa(c.MySQL.MinIdleConns))
		addField("Conn Timeout", c.MySQL.ConnTimeout.String())
		addField("Idle Timeout", c.MySQL.IdleTimeout.String())
		addField("Max Lifetime", c.MySQL.MaxLifetime.String())
	}

	if c.StorageType == backend.TypeYAML {
		addSection("Flat File Store")
		addField("Save Delay", c.YAML.SaveDelay.String())
		addField("Max Save Delay", c.YAML.MaxSaveDelay.String())
	}

	addSection("Write Queue")
	addField("Flush Interval", c.Queue.FlushInterval.String())
	addField("Close Timeout", c.Queue.CloseTimeout.String())
	addField("Requeue Failed", fmt.Sprintf("%t", c.Queue.RequeueFailed))

	addSection("Read Sync")
	addField("Protection Window", c.Sync.ProtectionWindow.String())
	addField("Sync Cooldown", c.Sync.SyncCooldown.String())
	addField("Backend Timeout", c.Sync.BackendTimeout.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
