package utils

import (
	"context"
	"path/filepath"
	"strings"
)

const (
	configurationFilePathContextKeyConstant = commandContextKey("configurationFilePath")
)

type commandContextKey string

// CommandContextAccessor manages values stored in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath attaches the configuration file path to the provided context.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// ConfigurationFilePath extracts the configuration file path from the provided context.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, configurationFilePathAvailable := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	if !configurationFilePathAvailable || len(strings.TrimSpace(configurationFilePath)) == 0 {
		return "", false
	}
	return configurationFilePath, true
}

// ResolveConfigurationRelativePath anchors a relative path at the directory of the
// configuration file recorded in the context. Absolute and empty paths are returned unchanged,
// as are relative paths when no configuration file was used.
func (accessor CommandContextAccessor) ResolveConfigurationRelativePath(executionContext context.Context, candidatePath string) string {
	if len(candidatePath) == 0 || filepath.IsAbs(candidatePath) {
		return candidatePath
	}
	configurationFilePath, available := accessor.ConfigurationFilePath(executionContext)
	if !available {
		return candidatePath
	}
	return filepath.Join(filepath.Dir(configurationFilePath), candidatePath)
}
