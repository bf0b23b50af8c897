package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/cmupgrade/internal/discovery"
	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/report"
	"github.com/temirov/cmupgrade/internal/scenegraph"
	"github.com/temirov/cmupgrade/internal/utils"
	"github.com/temirov/cmupgrade/internal/utils/flags"
)

const (
	commandUseConstant                    = "upgrade"
	commandShortDescriptionConstant       = "Upgrade Cinemachine 2 scenes and prefabs to Cinemachine 3"
	commandLongDescriptionConstant        = "upgrade converts legacy camera records to the new schema, rewrites every reference and animation binding that pointed at them, and removes the obsolete records once the whole project is done."
	nodeCommandUseConstant                = "node <scope> <node-id>"
	nodeCommandShortDescriptionConstant   = "Upgrade a single node and save its scene or prefab"
	scopeCommandUseConstant               = "scope <scope>"
	scopeCommandShortDescriptionConstant  = "Upgrade every candidate in one scene or prefab and save it"
	allCommandUseConstant                 = "all"
	allCommandShortDescriptionConstant    = "Upgrade every scope in the project, then clean up obsolete records"
	scanCommandUseConstant                = "scan"
	scanCommandShortDescriptionConstant   = "List upgrade candidates without modifying anything"
	rootFlagNameConstant                  = "root"
	rootFlagUsageConstant                 = "Project roots to scan for scenes and prefabs (repeatable)"
	mappingFlagNameConstant               = "mapping"
	mappingFlagUsageConstant              = "Path to a YAML or TOML mapping table (defaults to the built-in table)"
	journalFlagNameConstant               = "journal"
	journalFlagUsageConstant              = "Path to the progress journal database"
	formatFlagNameConstant                = "format"
	formatFlagUsageConstant               = "report format"
	backupConfirmedFlagNameConstant       = "backup-confirmed"
	backupConfirmedFlagUsageConstant      = "Confirm the project is backed up; required by upgrade all"
	backupWarningMessageConstant          = "WARNING: upgrade all rewrites every scene and prefab in place and cannot be undone. Back up the project first.\n"
	mappingLoadErrorTemplateConstant      = "unable to load mapping table: %w"
	journalOpenErrorTemplateConstant      = "unable to open journal: %w"
	journalCloseErrorTemplateConstant     = "unable to close journal: %w"
	reportRenderErrorTemplateConstant     = "unable to render report: %w"
	upgradeFailedErrorTemplateConstant    = "upgrade failed: %w"
	workingDirectoryErrorTemplateConstant = "unable to determine working directory: %w"
	logMessageUpgradeCompletedConstant    = "Upgrade completed"
	logMessageUpgradeFailedConstant       = "Upgrade failed"
	logFieldOperationConstant             = "operation"
	logFieldRootsConstant                 = "roots"
	logFieldSucceededConstant             = "succeeded"
	logFieldDiagnosticsConstant           = "diagnostics"
)

// Executor performs upgrade operations.
type Executor interface {
	MigrateNode(executionContext context.Context, scopeName string, nodeID scenegraph.NodeID) (Result, error)
	MigrateScope(executionContext context.Context, scopeName string) (Result, error)
	MigrateAll(executionContext context.Context, options Options) (Result, error)
	Scan(executionContext context.Context) (Result, error)
}

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// ServiceProvider constructs an upgrade executor from dependencies.
type ServiceProvider func(dependencies ServiceDependencies) (Executor, error)

// HostProvider constructs the scene graph host over the project roots.
type HostProvider func(roots []string) scenegraph.Host

// JournalProvider opens the progress journal at path and returns a function releasing it.
type JournalProvider func(executionContext context.Context, path string) (ProgressJournal, func() error, error)

type commandOptions struct {
	projectRoots    []string
	mappingTable    string
	journalPath     string
	reportFormat    string
	backupConfirmed bool
}

type operation func(executionContext context.Context, executor Executor, options commandOptions) (Result, error)

// CommandBuilder assembles the upgrade Cobra command tree.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	ServiceProvider       ServiceProvider
	HostProvider          HostProvider
	JournalProvider       JournalProvider
	WorkingDirectory      string
}

// Build constructs the upgrade command and its subcommands.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:           commandUseConstant,
		Short:         commandShortDescriptionConstant,
		Long:          commandLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return command.Help()
		},
	}

	flags.BindRootFlags(command, flags.RootFlagValues{}, flags.RootFlagDefinition{
		Name:       rootFlagNameConstant,
		Usage:      rootFlagUsageConstant,
		Enabled:    true,
		Persistent: true,
	})
	persistentFlags := command.PersistentFlags()
	persistentFlags.String(mappingFlagNameConstant, "", mappingFlagUsageConstant)
	persistentFlags.String(journalFlagNameConstant, "", journalFlagUsageConstant)
	persistentFlags.String(
		formatFlagNameConstant,
		report.FormatConsole,
		flags.FormatChoiceUsage(report.FormatConsole, []string{report.FormatConsole, report.FormatYAML, report.FormatJSON}, formatFlagUsageConstant),
	)

	nodeCommand := &cobra.Command{
		Use:           nodeCommandUseConstant,
		Short:         nodeCommandShortDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, func(executionContext context.Context, executor Executor, _ commandOptions) (Result, error) {
				return executor.MigrateNode(executionContext, arguments[0], scenegraph.NodeID(arguments[1]))
			})
		},
	}

	scopeCommand := &cobra.Command{
		Use:           scopeCommandUseConstant,
		Short:         scopeCommandShortDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, func(executionContext context.Context, executor Executor, _ commandOptions) (Result, error) {
				return executor.MigrateScope(executionContext, arguments[0])
			})
		},
	}

	allCommand := &cobra.Command{
		Use:           allCommandUseConstant,
		Short:         allCommandShortDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			fmt.Fprint(command.ErrOrStderr(), backupWarningMessageConstant)
			return builder.run(command, func(executionContext context.Context, executor Executor, options commandOptions) (Result, error) {
				return executor.MigrateAll(executionContext, Options{BackupConfirmed: options.backupConfirmed})
			})
		},
	}
	allCommand.Flags().Bool(backupConfirmedFlagNameConstant, false, backupConfirmedFlagUsageConstant)

	scanCommand := &cobra.Command{
		Use:           scanCommandUseConstant,
		Short:         scanCommandShortDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return builder.run(command, func(executionContext context.Context, executor Executor, _ commandOptions) (Result, error) {
				return executor.Scan(executionContext)
			})
		},
	}

	command.AddCommand(nodeCommand, scopeCommand, allCommand, scanCommand)
	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, execute operation) (runError error) {
	options, optionsError := builder.parseOptions(command)
	if optionsError != nil {
		return optionsError
	}

	logger := builder.resolveLogger()
	executionContext := command.Context()
	if executionContext == nil {
		executionContext = context.Background()
	}

	table, tableError := mapping.Load(options.mappingTable)
	if tableError != nil {
		return fmt.Errorf(mappingLoadErrorTemplateConstant, tableError)
	}

	renderer, rendererError := report.NewRenderer(options.reportFormat, utils.NewFlushingWriter(command.OutOrStdout()))
	if rendererError != nil {
		return rendererError
	}

	progressJournal, releaseJournal, journalError := builder.resolveJournal(executionContext, options.journalPath)
	if journalError != nil {
		return fmt.Errorf(journalOpenErrorTemplateConstant, journalError)
	}
	defer func() {
		if releaseJournal == nil {
			return
		}
		if closeError := releaseJournal(); closeError != nil {
			runError = errors.Join(runError, fmt.Errorf(journalCloseErrorTemplateConstant, closeError))
		}
	}()

	executor, serviceError := builder.resolveService(ServiceDependencies{
		Logger:  logger,
		Host:    builder.resolveHost(options.projectRoots),
		Table:   table,
		Journal: progressJournal,
	})
	if serviceError != nil {
		return serviceError
	}

	result, executionError := execute(executionContext, executor, options)
	if renderError := renderer.Render(result.Document()); renderError != nil {
		return errors.Join(executionError, fmt.Errorf(reportRenderErrorTemplateConstant, renderError))
	}

	var upgradeErrors []error
	if executionError != nil {
		upgradeErrors = append(upgradeErrors, fmt.Errorf(upgradeFailedErrorTemplateConstant, executionError))
	}
	upgradeErrors = append(upgradeErrors, result.Failures...)

	if len(upgradeErrors) > 0 {
		joined := errors.Join(upgradeErrors...)
		logger.Warn(
			logMessageUpgradeFailedConstant,
			zap.String(logFieldOperationConstant, command.Name()),
			zap.Strings(logFieldRootsConstant, options.projectRoots),
			zap.Error(joined),
		)
		return joined
	}

	logger.Info(
		logMessageUpgradeCompletedConstant,
		zap.String(logFieldOperationConstant, command.Name()),
		zap.Strings(logFieldRootsConstant, options.projectRoots),
		zap.Bool(logFieldSucceededConstant, result.Succeeded),
		zap.Int(logFieldDiagnosticsConstant, len(result.Diagnostics)),
	)
	return nil
}

func (builder *CommandBuilder) parseOptions(command *cobra.Command) (commandOptions, error) {
	configuration := builder.resolveConfiguration()
	var executionContext context.Context
	if command != nil {
		executionContext = command.Context()
	}

	options := commandOptions{
		projectRoots:    configuration.ProjectRoots,
		mappingTable:    utils.NewCommandContextAccessor().ResolveConfigurationRelativePath(executionContext, configuration.MappingTable),
		journalPath:     configuration.JournalPath,
		reportFormat:    configuration.ReportFormat,
		backupConfirmed: configuration.BackupConfirmed,
	}

	if command != nil {
		if command.Flags().Changed(rootFlagNameConstant) {
			flagRoots, _ := command.Flags().GetStringSlice(rootFlagNameConstant)
			options.projectRoots = upgradeConfigurationPathSanitizer.Sanitize(flagRoots)
		}
		if command.Flags().Changed(mappingFlagNameConstant) {
			flagValue, _ := command.Flags().GetString(mappingFlagNameConstant)
			options.mappingTable = sanitizeSinglePath(flagValue)
		}
		if command.Flags().Changed(journalFlagNameConstant) {
			flagValue, _ := command.Flags().GetString(journalFlagNameConstant)
			options.journalPath = sanitizeSinglePath(flagValue)
		}
		if command.Flags().Changed(formatFlagNameConstant) {
			flagValue, _ := command.Flags().GetString(formatFlagNameConstant)
			options.reportFormat = strings.ToLower(strings.TrimSpace(flagValue))
		}
		if flag := command.Flags().Lookup(backupConfirmedFlagNameConstant); flag != nil && flag.Changed {
			flagValue, _ := command.Flags().GetBool(backupConfirmedFlagNameConstant)
			options.backupConfirmed = flagValue
		}
	}

	if len(options.projectRoots) == 0 {
		workingDirectory := strings.TrimSpace(builder.WorkingDirectory)
		if len(workingDirectory) == 0 {
			resolvedDirectory, workingDirectoryError := os.Getwd()
			if workingDirectoryError != nil {
				return commandOptions{}, fmt.Errorf(workingDirectoryErrorTemplateConstant, workingDirectoryError)
			}
			workingDirectory = resolvedDirectory
		}
		options.projectRoots = []string{workingDirectory}
	}

	if len(options.journalPath) == 0 {
		options.journalPath = defaultJournalPathConstant
	}
	if !filepath.IsAbs(options.journalPath) {
		options.journalPath = filepath.Join(options.projectRoots[0], options.journalPath)
	}
	return options, nil
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	var logger *zap.Logger
	if builder.LoggerProvider != nil {
		logger = builder.LoggerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func (builder *CommandBuilder) resolveHost(roots []string) scenegraph.Host {
	if builder.HostProvider != nil {
		return builder.HostProvider(roots)
	}
	return scenegraph.NewFileHost(roots, discovery.NewFilesystemDocumentDiscoverer())
}

func (builder *CommandBuilder) resolveJournal(executionContext context.Context, path string) (ProgressJournal, func() error, error) {
	if builder.JournalProvider != nil {
		return builder.JournalProvider(executionContext, path)
	}
	opened, openError := journal.Open(executionContext, path)
	if openError != nil {
		return nil, nil, openError
	}
	return opened, opened.Close, nil
}

func (builder *CommandBuilder) resolveService(dependencies ServiceDependencies) (Executor, error) {
	if builder.ServiceProvider != nil {
		return builder.ServiceProvider(dependencies)
	}
	return NewService(dependencies)
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration()
	}

	provided := builder.ConfigurationProvider()
	return provided.Sanitize()
}
