package pathutils

import (
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// RootPathSanitizerConfiguration controls project root sanitization behavior.
type RootPathSanitizerConfiguration struct {
	// PruneNestedPaths removes roots that sit inside another provided root.
	PruneNestedPaths bool
}

// RootPathSanitizer normalizes project root and file path inputs consistently across commands.
type RootPathSanitizer struct {
	homeExpander  *HomeExpander
	configuration RootPathSanitizerConfiguration
}

// NewRootPathSanitizer constructs a RootPathSanitizer with default behavior.
func NewRootPathSanitizer() *RootPathSanitizer {
	return NewRootPathSanitizerWithConfiguration(nil, RootPathSanitizerConfiguration{})
}

// NewRootPathSanitizerWithConfiguration constructs a RootPathSanitizer using the provided expander and configuration.
func NewRootPathSanitizerWithConfiguration(homeExpander *HomeExpander, configuration RootPathSanitizerConfiguration) *RootPathSanitizer {
	resolvedExpander := homeExpander
	if resolvedExpander == nil {
		resolvedExpander = NewHomeExpander()
	}

	return &RootPathSanitizer{
		homeExpander:  resolvedExpander,
		configuration: configuration,
	}
}

// Sanitize trims whitespace, expands home and environment shortcuts, and drops duplicates.
func (sanitizer *RootPathSanitizer) Sanitize(candidatePaths []string) []string {
	if sanitizer == nil {
		return sanitizePaths(NewHomeExpander(), RootPathSanitizerConfiguration{}, candidatePaths)
	}

	return sanitizePaths(sanitizer.homeExpander, sanitizer.configuration, candidatePaths)
}

func sanitizePaths(expander *HomeExpander, configuration RootPathSanitizerConfiguration, candidatePaths []string) []string {
	sanitizedPaths := make([]string, 0, len(candidatePaths))
	seen := make(map[string]struct{}, len(candidatePaths))
	for candidateIndex := range candidatePaths {
		trimmedCandidate := strings.TrimSpace(candidatePaths[candidateIndex])
		if len(trimmedCandidate) == 0 {
			continue
		}

		expandedPath := expander.Expand(trimmedCandidate)
		if len(expandedPath) == 0 {
			continue
		}

		key := comparisonPath(expandedPath)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		sanitizedPaths = append(sanitizedPaths, expandedPath)
	}

	if len(sanitizedPaths) == 0 {
		return nil
	}

	if configuration.PruneNestedPaths {
		return pruneNestedPaths(sanitizedPaths)
	}

	return sanitizedPaths
}

func pruneNestedPaths(candidatePaths []string) []string {
	type pathDetails struct {
		originalIndex int
		value         string
		canonical     string
	}

	paths := make([]pathDetails, 0, len(candidatePaths))
	for index := range candidatePaths {
		paths = append(paths, pathDetails{
			originalIndex: index,
			value:         candidatePaths[index],
			canonical:     comparisonPath(canonicalizePath(candidatePaths[index])),
		})
	}

	sort.SliceStable(paths, func(first int, second int) bool {
		if len(paths[first].canonical) == len(paths[second].canonical) {
			return paths[first].canonical < paths[second].canonical
		}
		return len(paths[first].canonical) < len(paths[second].canonical)
	})

	selected := make([]pathDetails, 0, len(paths))
	for _, candidate := range paths {
		nested := false
		for _, existing := range selected {
			if isNestedPath(existing.canonical, candidate.canonical) {
				nested = true
				break
			}
		}
		if !nested {
			selected = append(selected, candidate)
		}
	}

	sort.SliceStable(selected, func(first int, second int) bool {
		return selected[first].originalIndex < selected[second].originalIndex
	})

	pruned := make([]string, 0, len(selected))
	for _, candidate := range selected {
		pruned = append(pruned, candidate.value)
	}
	return pruned
}

func canonicalizePath(path string) string {
	absolutePath, absoluteError := filepath.Abs(filepath.Clean(path))
	if absoluteError == nil {
		return filepath.Clean(absolutePath)
	}
	return filepath.Clean(path)
}

func comparisonPath(path string) string {
	comparison := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		comparison = strings.ToLower(comparison)
	}
	return comparison
}

// isNestedPath reports whether candidate equals parent or lies beneath it.
func isNestedPath(parent string, candidate string) bool {
	if candidate == parent {
		return true
	}
	relative, relativeError := filepath.Rel(parent, candidate)
	if relativeError != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}
