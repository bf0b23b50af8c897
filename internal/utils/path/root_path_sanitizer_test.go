package pathutils_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	pathutils "github.com/temirov/cmupgrade/internal/utils/path"
)

const (
	testHomeDirectoryConstant         = "/home/tester"
	testProjectsVariableConstant      = "PROJECTS"
	testProjectsDirectoryConstant     = "/srv/projects"
	testCaseDefaultConstant           = "trims_expands_and_deduplicates"
	testCasePruneNestedConstant       = "prunes_nested_roots"
	testCaseEnvironmentConstant       = "expands_environment_references"
	testWhitespacePrefixConstant      = "  "
	testWhitespaceSuffixConstant      = "\t"
	testGameProjectRelativeConstant   = "Game"
	testAssetsDirectoryNameConstant   = "Assets"
	testUnknownVariableRootConstant   = "$UNSET_ROOT/Game"
	testUnknownVariableResultConstant = "/Game"
)

func newTestExpander() *pathutils.HomeExpander {
	return pathutils.NewHomeExpanderWithProviders(
		func() (string, error) { return testHomeDirectoryConstant, nil },
		func(name string) (string, bool) {
			if name == testProjectsVariableConstant {
				return testProjectsDirectoryConstant, true
			}
			return "", false
		},
	)
}

func TestRootPathSanitizerNormalizesInputs(testInstance *testing.T) {
	temporaryDirectory := testInstance.TempDir()
	gameRoot := filepath.Join(temporaryDirectory, testGameProjectRelativeConstant)
	nestedRoot := filepath.Join(gameRoot, testAssetsDirectoryNameConstant)

	testCases := []struct {
		name            string
		configuration   pathutils.RootPathSanitizerConfiguration
		inputs          []string
		expectedOutputs []string
	}{
		{
			name:          testCaseDefaultConstant,
			configuration: pathutils.RootPathSanitizerConfiguration{},
			inputs: []string{
				"",
				testWhitespacePrefixConstant + gameRoot + testWhitespaceSuffixConstant,
				"~/" + testGameProjectRelativeConstant,
				gameRoot,
			},
			expectedOutputs: []string{gameRoot, filepath.Join(testHomeDirectoryConstant, testGameProjectRelativeConstant)},
		},
		{
			name:            testCasePruneNestedConstant,
			configuration:   pathutils.RootPathSanitizerConfiguration{PruneNestedPaths: true},
			inputs:          []string{nestedRoot, gameRoot},
			expectedOutputs: []string{gameRoot},
		},
		{
			name:          testCaseEnvironmentConstant,
			configuration: pathutils.RootPathSanitizerConfiguration{},
			inputs:        []string{"$" + testProjectsVariableConstant + "/" + testGameProjectRelativeConstant, testUnknownVariableRootConstant},
			expectedOutputs: []string{
				testProjectsDirectoryConstant + "/" + testGameProjectRelativeConstant,
				testUnknownVariableResultConstant,
			},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			sanitizer := pathutils.NewRootPathSanitizerWithConfiguration(newTestExpander(), testCase.configuration)
			require.Equal(subTest, testCase.expectedOutputs, sanitizer.Sanitize(testCase.inputs))
		})
	}
}

func TestRootPathSanitizerReturnsNilForEmptyResults(testInstance *testing.T) {
	sanitizer := pathutils.NewRootPathSanitizer()

	require.Nil(testInstance, sanitizer.Sanitize([]string{"   ", "\n"}))
}
