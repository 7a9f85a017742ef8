package vars

import (
	"context"
	"strings"

	"github.com/ValentinKolb/dVar/cmd/util"
	"github.com/ValentinKolb/dVar/lib/manager"
	"github.com/spf13/cobra"
)

var (
	// VarCommands represents the variable command group
	VarCommands = &cobra.Command{
		Use:               "var",
		Aliases:           []string{"vars"},
		Short:             "Read and change variables",
		PersistentPreRunE: bindFlags,
	}
)

func init() {
	// Add subcommands
	VarCommands.AddCommand(setCmd)
	VarCommands.AddCommand(addCmd)
	VarCommands.AddCommand(remCmd)
	VarCommands.AddCommand(delCmd)
	VarCommands.AddCommand(getCmd)
	VarCommands.AddCommand(userClearCmd)
	VarCommands.AddCommand(joinCmd)
	VarCommands.AddCommand(placeholderCmd)
	VarCommands.AddCommand(perfTestCmd)

	for _, c := range []*cobra.Command{setCmd, addCmd, remCmd, delCmd, userClearCmd, joinCmd} {
		util.SetupSilentFlag(c)
	}
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

// withManager opens the configured backend, runs fn and closes the manager
// again, which flushes every pending write.
func withManager(fn func(ctx context.Context, m *manager.Manager, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		m, err := util.OpenManager(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := m.Close(context.Background()); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(ctx, m, cmd, args)
	}
}

// variableKey builds the lowercased key of name, scoped to owner if given.
func variableKey(name string, owner string) string {
	name = strings.ToLower(name)
	if owner == "" {
		return name
	}
	return strings.ToLower(owner) + "_" + name
}

// optionalOwner returns args[i] or "".
func optionalOwner(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}
