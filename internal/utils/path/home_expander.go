package pathutils

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	tildeSymbolConstant             = "~"
	tildeForwardSlashPrefixConstant = "~/"
	environmentReferenceConstant    = "$"
)

var tildeWithPathSeparatorPrefix = tildeSymbolConstant + string(os.PathSeparator)

// HomeDirectoryProvider resolves the current user's home directory path.
type HomeDirectoryProvider func() (string, error)

// EnvironmentLookup resolves one environment variable.
type EnvironmentLookup func(name string) (string, bool)

// HomeExpander converts home shortcuts and environment references in paths.
type HomeExpander struct {
	homeDirectoryProvider HomeDirectoryProvider
	environmentLookup     EnvironmentLookup
	homeDirectory         string
	homeDirectoryError    error
	initializationGuard   sync.Once
}

// NewHomeExpander constructs a HomeExpander using the operating system lookups.
func NewHomeExpander() *HomeExpander {
	return NewHomeExpanderWithProviders(os.UserHomeDir, os.LookupEnv)
}

// NewHomeExpanderWithProviders constructs a HomeExpander with custom lookups.
func NewHomeExpanderWithProviders(provider HomeDirectoryProvider, lookup EnvironmentLookup) *HomeExpander {
	if provider == nil {
		provider = os.UserHomeDir
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &HomeExpander{homeDirectoryProvider: provider, environmentLookup: lookup}
}

// Expand resolves $VARIABLE references and a leading tilde. Unknown variables expand to empty.
func (expander *HomeExpander) Expand(candidatePath string) string {
	if expander == nil || len(candidatePath) == 0 {
		return candidatePath
	}

	expandedPath := candidatePath
	if strings.Contains(expandedPath, environmentReferenceConstant) {
		expandedPath = os.Expand(expandedPath, func(name string) string {
			value, _ := expander.environmentLookup(name)
			return value
		})
	}
	if !strings.HasPrefix(expandedPath, tildeSymbolConstant) {
		return expandedPath
	}

	resolvedHomeDirectory := expander.resolveHomeDirectory()
	if len(resolvedHomeDirectory) == 0 {
		return expandedPath
	}

	switch {
	case expandedPath == tildeSymbolConstant:
		return resolvedHomeDirectory
	case strings.HasPrefix(expandedPath, tildeForwardSlashPrefixConstant):
		return filepath.Join(resolvedHomeDirectory, strings.TrimPrefix(expandedPath, tildeForwardSlashPrefixConstant))
	case strings.HasPrefix(expandedPath, tildeWithPathSeparatorPrefix):
		return filepath.Join(resolvedHomeDirectory, strings.TrimPrefix(expandedPath, tildeWithPathSeparatorPrefix))
	default:
		return expandedPath
	}
}

func (expander *HomeExpander) resolveHomeDirectory() string {
	expander.initializationGuard.Do(func() {
		expander.homeDirectory, expander.homeDirectoryError = expander.homeDirectoryProvider()
	})
	if expander.homeDirectoryError != nil {
		return ""
	}
	return expander.homeDirectory
}
