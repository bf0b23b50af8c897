package upgrade

import (
	"strings"

	"github.com/temirov/cmupgrade/internal/report"
	pathutils "github.com/temirov/cmupgrade/internal/utils/path"
)

const (
	defaultJournalPathConstant              = ".cmupgrade/journal.db"
	projectRootsConfigurationKeyConstant    = "project_roots"
	mappingTableConfigurationKeyConstant    = "mapping_table"
	journalPathConfigurationKeyConstant     = "journal_path"
	reportFormatConfigurationKeyConstant    = "report_format"
	backupConfirmedConfigurationKeyConstant = "backup_confirmed"
	configurationKeySeparatorConstant       = "."
)

var upgradeConfigurationPathSanitizer = pathutils.NewRootPathSanitizerWithConfiguration(nil, pathutils.RootPathSanitizerConfiguration{
	PruneNestedPaths: true,
})

// CommandConfiguration captures persisted configuration for the upgrade commands.
type CommandConfiguration struct {
	ProjectRoots    []string `mapstructure:"project_roots"`
	MappingTable    string   `mapstructure:"mapping_table"`
	JournalPath     string   `mapstructure:"journal_path"`
	ReportFormat    string   `mapstructure:"report_format"`
	BackupConfirmed bool     `mapstructure:"backup_confirmed"`
}

// DefaultCommandConfiguration returns baseline configuration values for upgrades.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		ProjectRoots:    nil,
		MappingTable:    "",
		JournalPath:     defaultJournalPathConstant,
		ReportFormat:    report.FormatConsole,
		BackupConfirmed: false,
	}
}

// DefaultConfigurationValues exposes the defaults as Viper keys beneath prefix.
func DefaultConfigurationValues(prefix string) map[string]any {
	defaults := DefaultCommandConfiguration()
	return map[string]any{
		configurationKey(prefix, projectRootsConfigurationKeyConstant):    []string{},
		configurationKey(prefix, mappingTableConfigurationKeyConstant):    defaults.MappingTable,
		configurationKey(prefix, journalPathConfigurationKeyConstant):     defaults.JournalPath,
		configurationKey(prefix, reportFormatConfigurationKeyConstant):    defaults.ReportFormat,
		configurationKey(prefix, backupConfirmedConfigurationKeyConstant): defaults.BackupConfirmed,
	}
}

// Sanitize trims configured values, expands home shortcuts, and removes nested roots.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration
	sanitized.ProjectRoots = upgradeConfigurationPathSanitizer.Sanitize(configuration.ProjectRoots)
	sanitized.MappingTable = sanitizeSinglePath(configuration.MappingTable)
	sanitized.JournalPath = sanitizeSinglePath(configuration.JournalPath)
	if len(sanitized.JournalPath) == 0 {
		sanitized.JournalPath = defaultJournalPathConstant
	}
	sanitized.ReportFormat = strings.ToLower(strings.TrimSpace(configuration.ReportFormat))
	if len(sanitized.ReportFormat) == 0 {
		sanitized.ReportFormat = report.FormatConsole
	}
	return sanitized
}

func sanitizeSinglePath(candidate string) string {
	sanitized := upgradeConfigurationPathSanitizer.Sanitize([]string{candidate})
	if len(sanitized) == 0 {
		return ""
	}
	return sanitized[0]
}

func configurationKey(prefix string, key string) string {
	if len(prefix) == 0 {
		return key
	}
	return prefix + configurationKeySeparatorConstant + key
}
