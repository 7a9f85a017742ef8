package util

import (
	"context"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/common"
	"github.com/ValentinKolb/dVar/lib/config"
	"github.com/ValentinKolb/dVar/lib/manager"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}

	return strings.Join(lines, "\n")
}

// --------------------------------------------------------------------------
// Flags
// --------------------------------------------------------------------------

// SetupStorageFlags adds the storage, queue and sync flags to a command.
// The defaults are taken from config.Default.
func SetupStorageFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.PersistentFlags()

	f.String("config", "", WrapString("Optional configuration file (yaml, toml or json) read before the environment"))
	f.String("storage-type", d.StorageType.String(), WrapString("Active storage backend (sqlite, mysql, mariadb, yaml)"))
	f.String("data-dir", d.DataDir, WrapString("Directory for the sqlite database and the yaml files"))
	f.String("log-level", d.LogLevel, WrapString("Level at which logs will be output (debug, info, warn, error)"))

	f.String("table", d.Schema.Table, WrapString("Table name used by the sql backends"))
	f.String("key-column", d.Schema.KeyColumn, WrapString("Key column used by the sql backends"))
	f.String("value-column", d.Schema.ValueColumn, WrapString("Value column used by the sql backends"))

	f.String("mysql-host", d.MySQL.Host, WrapString("Host of the mysql or mariadb server"))
	f.Int("mysql-port", d.MySQL.Port, WrapString("Port of the mysql or mariadb server"))
	f.String("mysql-database", d.MySQL.Database, WrapString("Database name"))
	f.String("mysql-user", d.MySQL.User, WrapString("Database user"))
	f.String("mysql-password", d.MySQL.Password, WrapString("Database password (prefer DVAR_MYSQL_PASSWORD)"))
	f.Bool("mysql-ssl", d.MySQL.UseSSL, WrapString("Use TLS for the database connection"))
	f.String("mysql-timezone", d.MySQL.ServerTimezone, WrapString("Time zone of the database server"))
	f.String("mysql-session-variables", d.MySQL.SessionVariables, WrapString("Comma separated session variables set on every connection"))
	f.Int("mysql-pool-size", d.MySQL.MaxOpenConns, WrapString("Maximum number of open connections"))
	f.Int("mysql-min-idle", d.MySQL.MinIdleConns, WrapString("Connections kept open while idle"))
	f.Duration("mysql-conn-timeout", d.MySQL.ConnTimeout, WrapString("Timeout for establishing a connection"))
	f.Duration("mysql-idle-timeout", d.MySQL.IdleTimeout, WrapString("Idle connections are closed after this duration"))
	f.Duration("mysql-max-lifetime", d.MySQL.MaxLifetime, WrapString("Connections are recycled after this duration"))
	f.Duration("mysql-validation-interval", d.MySQL.ValidationInterval, WrapString("Minimum time between two connection checks"))
	f.String("mysql-engine", d.MySQL.TableEngine, WrapString("Storage engine of the created table"))
	f.String("mysql-charset", d.MySQL.TableCharset, WrapString("Character set of the created table"))

	f.Duration("yaml-save-delay", d.YAML.SaveDelay, WrapString("The yaml file is written this long after the last change"))
	f.Duration("yaml-max-save-delay", d.YAML.MaxSaveDelay, WrapString("Upper bound for the save delay while changes keep arriving"))

	f.Duration("queue-flush-interval", d.Queue.FlushInterval, WrapString("How often pending writes are flushed to the backend"))
	f.Duration("queue-close-timeout", d.Queue.CloseTimeout, WrapString("How long shutdown waits for the final flush"))
	f.Bool("queue-requeue-failed", d.Queue.RequeueFailed, WrapString("Retry writes that failed during a flush"))

	f.Duration("sync-protection-window", d.Sync.ProtectionWindow, WrapString("The cache is trusted this long after a local write"))
	f.Duration("sync-cooldown", d.Sync.SyncCooldown, WrapString("The cache is trusted this long after a backend read"))
	f.Duration("sync-backend-timeout", d.Sync.BackendTimeout, WrapString("Timeout of a single reconciliation read"))
}

// SetupSilentFlag adds -s/--silent to a mutating command.
func SetupSilentFlag(cmd *cobra.Command) {
	cmd.Flags().BoolP("silent", "s", false, WrapString("Do not print a confirmation"))
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files, reads DVAR_* environment variables and the
// optional configuration file.
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dvar")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("cannot read config file %s: %v\n", file, err)
		}
	}
}

// GetConfig reads the configuration from viper
func GetConfig() (config.Config, error) {
	storageType, err := backend.ParseType(viper.GetString("storage-type"))
	if err != nil {
		return config.Config{}, err
	}

	cfg := config.Config{
		StorageType: storageType,
		DataDir:     viper.GetString("data-dir"),
		LogLevel:    viper.GetString("log-level"),
		Schema: backend.Schema{
			Table:       viper.GetString("table"),
			KeyColumn:   viper.GetString("key-column"),
			ValueColumn: viper.GetString("value-column"),
		},
		MySQL: config.MySQLConfig{
			Host:               viper.GetString("mysql-host"),
			Port:               viper.GetInt("mysql-port"),
			Database:           viper.GetString("mysql-database"),
			User:               viper.GetString("mysql-user"),
			Password:           viper.GetString("mysql-password"),
			UseSSL:             viper.GetBool("mysql-ssl"),
			ServerTimezone:     viper.GetString("mysql-timezone"),
			SessionVariables:   viper.GetString("mysql-session-variables"),
			MaxOpenConns:       viper.GetInt("mysql-pool-size"),
			MinIdleConns:       viper.GetInt("mysql-min-idle"),
			ConnTimeout:        viper.GetDuration("mysql-conn-timeout"),
			IdleTimeout:        viper.GetDuration("mysql-idle-timeout"),
			MaxLifetime:        viper.GetDuration("mysql-max-lifetime"),
			ValidationInterval: viper.GetDuration("mysql-validation-interval"),
			TableEngine:        viper.GetString("mysql-engine"),
			TableCharset:       viper.GetString("mysql-charset"),
		},
		YAML: config.YAMLConfig{
			SaveDelay:    viper.GetDuration("yaml-save-delay"),
			MaxSaveDelay: viper.GetDuration("yaml-max-save-delay"),
		},
		Queue: config.QueueConfig{
			FlushInterval: viper.GetDuration("queue-flush-interval"),
			CloseTimeout:  viper.GetDuration("queue-close-timeout"),
			RequeueFailed: viper.GetBool("queue-requeue-failed"),
		},
		Sync: config.SyncConfig{
			ProtectionWindow: viper.GetDuration("sync-protection-window"),
			SyncCooldown:     viper.GetDuration("sync-cooldown"),
			BackendTimeout:   viper.GetDuration("sync-backend-timeout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// OpenManager reads the configuration, initializes the loggers and brings up
// the configured backend.
func OpenManager(ctx context.Context) (*manager.Manager, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	if err := common.InitLoggers(cfg.LogLevel); err != nil {
		return nil, err
	}
	return manager.Open(ctx, cfg)
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// Reporter prints confirmations to the command output. It returns nil (silent)
// if the command was called with --silent.
func Reporter(cmd *cobra.Command) service.Reporter {
	if silent, _ := cmd.Flags().GetBool("silent"); silent {
		return nil
	}
	return service.ReporterFunc(func(msg string) {
		fmt.Fprintln(cmd.OutOrStdout(), msg)
	})
}

// Admin is the migration requester of the command line. The local operator is
// always privileged.
type Admin struct {
	Cmd *cobra.Command
}

func (a Admin) Report(msg string)  { fmt.Fprintln(a.Cmd.OutOrStdout(), msg) }
func (a Admin) IsPrivileged() bool { return true }
