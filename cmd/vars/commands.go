package vars

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ValentinKolb/dVar/cmd/util"
	"github.com/ValentinKolb/dVar/lib/defaults"
	"github.com/ValentinKolb/dVar/lib/manager"
	"github.com/ValentinKolb/dVar/lib/placeholder"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [name] [value] [owner]",
		Short: "Sets a variable",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			key := variableKey(args[0], optionalOwner(args, 2))
			return m.Service().SetVariable(key, args[1], util.Reporter(cmd))
		}),
	}
	addCmd = &cobra.Command{
		Use:   "add [name] [amount] [owner]",
		Short: "Adds a number to a variable (missing variables count as 0)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			key := variableKey(args[0], optionalOwner(args, 2))
			_, err := m.Service().AddVariable(key, args[1], util.Reporter(cmd))
			return err
		}),
	}
	remCmd = &cobra.Command{
		Use:   "rem [name] [amount] [owner]",
		Short: "Subtracts a number from a variable (missing variables count as 0)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			key := variableKey(args[0], optionalOwner(args, 2))
			_, err := m.Service().RemVariable(key, args[1], util.Reporter(cmd))
			return err
		}),
	}
	delCmd = &cobra.Command{
		Use:     "delete [name] [owner]",
		Aliases: []string{"del"},
		Short:   "Deletes a variable",
		Args:    cobra.RangeArgs(1, 2),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			key := variableKey(args[0], optionalOwner(args, 1))
			_, err := m.Service().DeleteVariable(key, util.Reporter(cmd))
			return err
		}),
	}
	getCmd = &cobra.Command{
		Use:     "get [name] [owner]",
		Aliases: []string{"check"},
		Short:   "Prints a variable, or null if it is not set",
		Args:    cobra.RangeArgs(1, 2),
		RunE: withManager(func(ctx context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			key := variableKey(args[0], optionalOwner(args, 1))
			fmt.Fprintln(cmd.OutOrStdout(), service.Format(m.Service().GetSynchronizedValue(ctx, key)))
			return nil
		}),
	}
	userClearCmd = &cobra.Command{
		Use:   "userclear [owner]",
		Short: "Deletes every variable of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			_, err := m.Service().ClearPlayerVariables(args[0], util.Reporter(cmd))
			return err
		}),
	}
	joinCmd = &cobra.Command{
		Use:   "join [owner]",
		Short: "Applies the default variables to an owner",
		Long:  "Sets every variable of " + defaults.FileName + " (in the data directory) that the owner does not have yet.",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(_ context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			d, err := defaults.Load(filepath.Join(viper.GetString("data-dir"), defaults.FileName))
			if err != nil {
				return err
			}
			n, err := d.Apply(m.Service(), args[0])
			if err != nil {
				return err
			}
			if out := util.Reporter(cmd); out != nil {
				out.Report(fmt.Sprintf("Applied %d default variables to %s", n, args[0]))
			}
			return nil
		}),
	}
	placeholderCmd = &cobra.Command{
		Use:   "placeholder [identifier]",
		Short: "Expands a placeholder (e.g. player_key:gold or rounded_2:ratio)",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(ctx context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			fmt.Fprintln(cmd.OutOrStdout(), placeholder.New(m.Service()).Resolve(ctx, owner, args[0]))
			return nil
		}),
	}
)

func init() {
	placeholderCmd.Flags().String("owner", "", util.WrapString("Owner used for player scoped placeholders"))
}
