package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dVar/cmd/storage"
	"github.com/ValentinKolb/dVar/cmd/util"
	"github.com/ValentinKolb/dVar/cmd/vars"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dvar",
		Short: "write-behind variable store",
		Long: fmt.Sprintf(`dVar (v%s)

A string-keyed variable store with an in-memory cache in front of a
pluggable persistence backend (sqlite, mysql/mariadb or a yaml file).
Writes are acknowledged immediately and persisted in the background.

Every flag can also be set as DVAR_<FLAG> (e.g. DVAR_STORAGE_TYPE=yaml),
in a .env file or in the file given by --config.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dVar",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dVar v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(vars.VarCommands)
	RootCmd.AddCommand(storage.StorageCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupStorageFlags(RootCmd)
	_ = viper.BindPFlags(RootCmd.PersistentFlags())
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
