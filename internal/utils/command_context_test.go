package utils_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/cmupgrade/internal/utils"
)

const (
	testConfigurationDirectoryConstant = "/etc/cmupgrade"
	testMappingRelativePathConstant    = "tables/mapping.yaml"
	testMappingAbsolutePathConstant    = "/opt/mapping.yaml"
)

func TestCommandContextAccessorResolvesRelativePaths(testInstance *testing.T) {
	accessor := utils.NewCommandContextAccessor()
	configuredContext := accessor.WithConfigurationFilePath(context.Background(), filepath.Join(testConfigurationDirectoryConstant, "config.yaml"))

	testCases := []struct {
		name          string
		context       context.Context
		candidatePath string
		expectedPath  string
	}{
		{
			name:          "relative_to_configuration_file",
			context:       configuredContext,
			candidatePath: testMappingRelativePathConstant,
			expectedPath:  filepath.Join(testConfigurationDirectoryConstant, testMappingRelativePathConstant),
		},
		{
			name:          "absolute_unchanged",
			context:       configuredContext,
			candidatePath: testMappingAbsolutePathConstant,
			expectedPath:  testMappingAbsolutePathConstant,
		},
		{
			name:          "no_configuration_file",
			context:       context.Background(),
			candidatePath: testMappingRelativePathConstant,
			expectedPath:  testMappingRelativePathConstant,
		},
		{
			name:          "empty_path",
			context:       configuredContext,
			candidatePath: "",
			expectedPath:  "",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			require.Equal(subTest, testCase.expectedPath, accessor.ResolveConfigurationRelativePath(testCase.context, testCase.candidatePath))
		})
	}
}

func TestCommandContextAccessorIgnoresEmptyConfigurationPath(testInstance *testing.T) {
	accessor := utils.NewCommandContextAccessor()

	_, available := accessor.ConfigurationFilePath(accessor.WithConfigurationFilePath(context.Background(), ""))
	require.False(testInstance, available)
}
