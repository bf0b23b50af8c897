package flags

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestBindRootFlagsUsesDefaultsAndParsesValues(t *testing.T) {
	command := &cobra.Command{}

	values := BindRootFlags(command, RootFlagValues{Roots: []string{"/tmp/default"}}, RootFlagDefinition{Enabled: true})

	require.NotNil(t, values)
	require.Equal(t, []string{"/tmp/default"}, values.Roots)

	parseError := command.ParseFlags([]string{"--" + DefaultRootFlagName, "/projects/game", "--" + DefaultRootFlagName, "/projects/tools"})
	require.NoError(t, parseError)
	require.Equal(t, []string{"/projects/game", "/projects/tools"}, values.Roots)
}

func TestBindRootFlagsPersistentFlagVisibleToSubcommands(t *testing.T) {
	parent := &cobra.Command{Use: "upgrade"}
	child := &cobra.Command{Use: "scan", RunE: func(*cobra.Command, []string) error { return nil }}
	parent.AddCommand(child)

	values := BindRootFlags(parent, RootFlagValues{}, RootFlagDefinition{Name: "root", Usage: "Project roots", Enabled: true, Persistent: true})
	require.NotNil(t, parent.Flags().Lookup("root"))

	parent.SetArgs([]string{"scan", "--root", "/projects/game"})
	require.NoError(t, parent.Execute())
	require.Equal(t, []string{"/projects/game"}, values.Roots)
}

func TestBindRootFlagsDisabledLeavesCommandUntouched(t *testing.T) {
	command := &cobra.Command{}

	values := BindRootFlags(command, RootFlagValues{Roots: []string{"/tmp/default"}}, RootFlagDefinition{})

	require.Equal(t, []string{"/tmp/default"}, values.Roots)
	require.Nil(t, command.PersistentFlags().Lookup(DefaultRootFlagName))
}
