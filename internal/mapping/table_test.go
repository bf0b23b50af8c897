package mapping_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/cmupgrade/internal/mapping"
)

const (
	testVirtualCameraTypeConstant   = "CinemachineVirtualCamera"
	testFreeLookTypeConstant        = "CinemachineFreeLook"
	testComposerTypeConstant        = "CinemachineComposer"
	testPerlinTypeConstant          = "CinemachineBasicMultiChannelPerlin"
	testColliderTypeConstant        = "CinemachineCollider"
	testDollyCartTypeConstant       = "CinemachineDollyCart"
	testPipelineTypeConstant        = "CinemachinePipeline"
	testRotationComposerConstant    = "CinemachineRotationComposer"
	testCameraTypeConstant          = "CinemachineCamera"
	testTomlTableFileNameConstant   = "table.toml"
	testYamlTableFileNameConstant   = "table.yml"
	testUnsupportedFileNameConstant = "table.json"
	testTomlTableContentConstant    = `
target_version = "3.0.0"
source_versions = "< 3.0.0"
obsolete = ["LegacyLens"]

[[rules]]
source = "LegacyLens"
pattern = "replace"

[[rules.targets]]
type = "ModernLens"

[rules.targets.fields]
m_Fov = "FieldOfView"
`
	testInvalidPatternContentConstant = `
target_version: "3.0.0"
rules:
  - source: LegacyLens
    pattern: morph
    targets:
      - type: ModernLens
`
	testUnknownKeyContentConstant = `
target_version: "3.0.0"
unexpected: true
`
)

func TestDefaultTableDescribesLegacySchema(testInstance *testing.T) {
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)

	require.Equal(testInstance, "3.0.0", table.TargetVersionString())
	require.Equal(testInstance, "CinemachineDoNotUpgrade", table.OptOutRecord)

	rule, found := table.Rule(testVirtualCameraTypeConstant)
	require.True(testInstance, found)
	require.Equal(testInstance, mapping.PatternFlatten, rule.Pattern)
	require.Equal(testInstance, "cm", rule.Flatten.Child)

	freeLook, found := table.Rule(testFreeLookTypeConstant)
	require.True(testInstance, found)
	require.Equal(testInstance, mapping.PatternRigs, freeLook.Pattern)
	require.Equal(testInstance, "MiddleRig", freeLook.Rigs.Primary)

	require.True(testInstance, table.IsLegacyType(testDollyCartTypeConstant))
	require.True(testInstance, table.IsObsolete(testDollyCartTypeConstant))
	_, dollyHasRule := table.Rule(testDollyCartTypeConstant)
	require.False(testInstance, dollyHasRule)

	require.True(testInstance, table.IsStructural(testPipelineTypeConstant))
	require.False(testInstance, table.IsLegacyType(testCameraTypeConstant))
	require.Contains(testInstance, table.TargetTypes(), "CinemachineFreeLookModifier")
}

func TestTranslateFieldUsesRuleFieldTables(testInstance *testing.T) {
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)

	testCases := []struct {
		name           string
		sourceType     string
		field          string
		expectedMapped bool
		expectedTarget mapping.FieldTarget
	}{
		{
			name:           "composer_screen_position",
			sourceType:     testComposerTypeConstant,
			field:          "m_ScreenX",
			expectedMapped: true,
			expectedTarget: mapping.FieldTarget{RecordType: testRotationComposerConstant, Path: "Composition.ScreenPosition.x"},
		},
		{
			name:           "perlin_amplitude",
			sourceType:     testPerlinTypeConstant,
			field:          "m_AmplitudeGain",
			expectedMapped: true,
			expectedTarget: mapping.FieldTarget{RecordType: "CinemachinePerlinNoise", Path: "AmplitudeGain"},
		},
		{
			name:           "split_optional_target",
			sourceType:     testColliderTypeConstant,
			field:          "m_OptimalTargetDistance",
			expectedMapped: true,
			expectedTarget: mapping.FieldTarget{RecordType: "CinemachineShotQualityEvaluator", Path: "DistanceEvaluation.OptimalDistance"},
		},
		{
			name:           "unknown_field",
			sourceType:     testComposerTypeConstant,
			field:          "m_ScreenZ",
			expectedMapped: false,
		},
		{
			name:           "unknown_type",
			sourceType:     testDollyCartTypeConstant,
			field:          "m_Position",
			expectedMapped: false,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			target, mapped := table.TranslateField(testCase.sourceType, testCase.field)
			require.Equal(subTest, testCase.expectedMapped, mapped)
			if testCase.expectedMapped {
				require.Equal(subTest, testCase.expectedTarget, target)
			}
		})
	}
}

func TestNeedsMigrationHonorsVersionConstraint(testInstance *testing.T) {
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)

	testCases := []struct {
		name          string
		version       string
		expected      bool
		expectedError bool
	}{
		{name: "unversioned", version: "", expected: true},
		{name: "legacy", version: "2.9.7", expected: true},
		{name: "current", version: "3.0.0", expected: false},
		{name: "newer", version: "3.1.2", expected: false},
		{name: "malformed", version: "three", expectedError: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			needed, checkError := table.NeedsMigration(testCase.version)
			if testCase.expectedError {
				require.Error(subTest, checkError)
				return
			}
			require.NoError(subTest, checkError)
			require.Equal(subTest, testCase.expected, needed)
		})
	}
}

func TestIsCurrentComparesAgainstTargetVersion(testInstance *testing.T) {
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)

	testCases := []struct {
		name          string
		version       string
		expected      bool
		expectedError bool
	}{
		{name: "unversioned", version: "", expected: false},
		{name: "legacy", version: "2.9.7", expected: false},
		{name: "current", version: "3.0.0", expected: true},
		{name: "newer", version: "3.1.2", expected: true},
		{name: "malformed", version: "three", expectedError: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			current, checkError := table.IsCurrent(testCase.version)
			if testCase.expectedError {
				require.Error(subTest, checkError)
				return
			}
			require.NoError(subTest, checkError)
			require.Equal(subTest, testCase.expected, current)
		})
	}
}

func TestRigSpecModifierCoverage(testInstance *testing.T) {
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)

	rule, found := table.Rule(testFreeLookTypeConstant)
	require.True(testInstance, found)

	modifier, modifierField, covered := rule.Rigs.ModifierFor(testPerlinTypeConstant, "m_AmplitudeGain")
	require.True(testInstance, covered)
	require.Equal(testInstance, "Noise", modifier.Name)
	require.Equal(testInstance, "Amplitude", modifierField)

	_, _, covered = rule.Rigs.ModifierFor(testPerlinTypeConstant, "m_PivotOffset")
	require.False(testInstance, covered)

	slot, hasSlot := rule.Rigs.SlotFor("TopRig")
	require.True(testInstance, hasSlot)
	require.Equal(testInstance, mapping.RigSlotTop, slot)
	_, hasSlot = rule.Rigs.SlotFor("MiddleRig")
	require.False(testInstance, hasSlot)

	require.Equal(testInstance, "Modifiers.Noise.Bottom.Amplitude", mapping.ModifierFieldPath("Noise", mapping.RigSlotBottom, "Amplitude"))
}

func TestLoadReadsTomlAndYamlTables(testInstance *testing.T) {
	temporaryDirectory := testInstance.TempDir()
	tomlPath := filepath.Join(temporaryDirectory, testTomlTableFileNameConstant)
	require.NoError(testInstance, os.WriteFile(tomlPath, []byte(testTomlTableContentConstant), 0o600))

	table, loadError := mapping.Load(tomlPath)
	require.NoError(testInstance, loadError)
	target, mapped := table.TranslateField("LegacyLens", "m_Fov")
	require.True(testInstance, mapped)
	require.Equal(testInstance, mapping.FieldTarget{RecordType: "ModernLens", Path: "FieldOfView"}, target)
	require.Equal(testInstance, "CinemachineDoNotUpgrade", table.OptOutRecord)

	defaultTable, defaultError := mapping.Load("  ")
	require.NoError(testInstance, defaultError)
	require.True(testInstance, defaultTable.IsLegacyType(testVirtualCameraTypeConstant))
}

func TestLoadRejectsInvalidTables(testInstance *testing.T) {
	temporaryDirectory := testInstance.TempDir()

	testCases := []struct {
		name     string
		fileName string
		content  string
	}{
		{name: "unsupported_pattern", fileName: testYamlTableFileNameConstant, content: testInvalidPatternContentConstant},
		{name: "unknown_key", fileName: testYamlTableFileNameConstant, content: testUnknownKeyContentConstant},
		{name: "unsupported_format", fileName: testUnsupportedFileNameConstant, content: "{}"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			tablePath := filepath.Join(temporaryDirectory, testCase.name+"-"+testCase.fileName)
			require.NoError(subTest, os.WriteFile(tablePath, []byte(testCase.content), 0o600))

			_, loadError := mapping.Load(tablePath)
			require.Error(subTest, loadError)
		})
	}

	_, missingError := mapping.Load(filepath.Join(temporaryDirectory, "missing.yaml"))
	require.Error(testInstance, missingError)
}
