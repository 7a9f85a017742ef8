package storage

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dVar/cmd/util"
	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/export"
	"github.com/ValentinKolb/dVar/lib/manager"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// StorageCommands represents the storage command group
	StorageCommands = &cobra.Command{
		Use:   "storage",
		Short: "Inspect, migrate and export the storage backend",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Shows the active storage and its configuration",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate [from] [to]",
		Short: "Copies all variables from one storage type to another and switches to it",
		Long: `Copies all variables from one storage type (sqlite, mysql, mariadb, yaml) to another.
Existing variables in the target are overwritten, nothing is deleted from the source.
After a successful migration, set --storage-type (or DVAR_STORAGE_TYPE) to the target.`,
		Args: cobra.ExactArgs(2),
		RunE: runMigrate,
	}
	exportCmd = &cobra.Command{
		Use:   "export [path]",
		Short: "Writes all variables to a flat yaml file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	}
)

func init() {
	StorageCommands.AddCommand(infoCmd)
	StorageCommands.AddCommand(migrateCmd)
	StorageCommands.AddCommand(exportCmd)

	infoCmd.Flags().Bool("metrics", false, util.WrapString("Also print the process metrics in Prometheus text format"))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// closeManager closes m and reports a close error through err unless the
// command already failed.
func closeManager(m *manager.Manager, err *error) {
	if closeErr := m.Close(context.Background()); closeErr != nil && *err == nil {
		*err = closeErr
	}
}

func runInfo(cmd *cobra.Command, _ []string) (err error) {
	ctx := commandContext(cmd)
	m, err := util.OpenManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	cfg, _ := util.GetConfig()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Current storage: %s\n", m.StorageType())
	fmt.Fprintf(out, "Features: %v\n", backend.FeatureList(backend.Features(m.Backend())))
	fmt.Fprintf(out, "Variables: %d\n\n", m.Cache().Len())
	fmt.Fprintln(out, cfg.String())

	if withMetrics, _ := cmd.Flags().GetBool("metrics"); withMetrics {
		fmt.Fprintln(out)
		metrics.WritePrometheus(out, true)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) (err error) {
	from, err := backend.ParseType(args[0])
	if err != nil {
		return err
	}
	to, err := backend.ParseType(args[1])
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	m, err := util.OpenManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	report, err := m.Migrate(ctx, from, to, util.Admin{Cmd: cmd})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), report.String())
	return nil
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	path := export.DefaultPath(viper.GetString("data-dir"))
	if len(args) == 1 {
		path = args[0]
	}

	ctx := commandContext(cmd)
	m, err := util.OpenManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	return <-export.ExportAsync(m.Cache(), path, util.Reporter(cmd))
}
