package flags

import "github.com/spf13/cobra"

const (
	// DefaultRootFlagName exposes the shared project root flag name.
	DefaultRootFlagName = "root"
	// DefaultRootFlagUsage describes the shared project root flag purpose.
	DefaultRootFlagUsage = "Project roots to scan (repeatable)"
)

// RootFlagDefinition captures configuration for project root flags.
type RootFlagDefinition struct {
	Name       string
	Usage      string
	Enabled    bool
	Persistent bool
}

// RootFlagValues stores project root flag values.
type RootFlagValues struct {
	Roots []string
}

// BindRootFlags attaches the project root flag to the provided command.
func BindRootFlags(command *cobra.Command, defaults RootFlagValues, definition RootFlagDefinition) *RootFlagValues {
	values := RootFlagValues{Roots: append([]string{}, defaults.Roots...)}
	if command == nil || !definition.Enabled {
		return &values
	}
	flagName := definition.Name
	if len(flagName) == 0 {
		flagName = DefaultRootFlagName
	}
	flagUsage := definition.Usage
	if len(flagUsage) == 0 {
		flagUsage = DefaultRootFlagUsage
	}

	targetSet := command.PersistentFlags()
	if !definition.Persistent {
		targetSet = command.Flags()
	}

	if targetSet.Lookup(flagName) == nil {
		targetSet.StringSliceVar(&values.Roots, flagName, values.Roots, flagUsage)
	}

	if definition.Persistent && command.Flags().Lookup(flagName) == nil {
		if persistentFlag := targetSet.Lookup(flagName); persistentFlag != nil {
			command.Flags().AddFlag(persistentFlag)
		}
	}
	return &values
}
