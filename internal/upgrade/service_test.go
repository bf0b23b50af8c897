package upgrade_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/scenegraph"
	"github.com/temirov/cmupgrade/internal/upgrade"
	"github.com/temirov/cmupgrade/internal/upgrade/testsupport"
)

const (
	testMainSceneConstant           = "Scenes/Main.scene.yaml"
	testLevelSceneConstant          = "Scenes/Level.scene.yaml"
	testCameraPrefabConstant        = "Prefabs/Camera.prefab.yaml"
	testPrefabCameraNodeConstant    = scenegraph.NodeID("prefab-camera")
	testPrefabCameraRecordConstant  = scenegraph.RecordID("r-prefab-camera")
	testMissingNodeConstant         = scenegraph.NodeID("ghost")
	scopeMigratedMessageConstant    = "Scope migrated"
	referenceMapMessageConstant     = "Reference map"
	migrationDiagnosticMessage      = "Migration diagnostic"
	safetyGateMessageConstant       = "Project upgrade blocked by safety gate"
	scopeSkippedMessageConstant     = "Scope already migrated"
	nodesConvertedFieldConstant     = "nodes_converted"
	backupNodeNameConstant          = "Orbit Camera (CM2 backup)"
	unmappedBindingFieldConstant    = "m_ScreenXOffset"
	unmappedBindingSuggestionConst  = "m_ScreenX"
	bulkHolderIdentifierTemplate    = "bulk-%d"
	bulkSlotNameConstant            = "composer"
	trackingTargetReferenceConstant = "Target.TrackingTarget"
	checkpointForgottenMessage      = "Checkpoint forgotten for legacy scope"
	deferredAwaitingMessage         = "Deferred reference awaits target migration"
	missingRootNodeConstant         = scenegraph.NodeID("missing-root")
)

func newTestService(testInstance *testing.T, host scenegraph.Host, progressJournal upgrade.ProgressJournal, logger *zap.Logger) *upgrade.Service {
	testInstance.Helper()
	service, serviceError := upgrade.NewService(upgrade.ServiceDependencies{
		Logger:  logger,
		Host:    host,
		Table:   testsupport.RequireDefaultTable(testInstance),
		Journal: progressJournal,
	})
	require.NoError(testInstance, serviceError)
	return service
}

func storedScope(testInstance *testing.T, host *scenegraph.MemoryHost, scopeName string) *scenegraph.Scope {
	testInstance.Helper()
	scope, exists := host.Stored(scopeName)
	require.True(testInstance, exists)
	return scope
}

func diagnosticKinds(diagnostics []upgrade.Diagnostic) []upgrade.DiagnosticKind {
	kinds := make([]upgrade.DiagnosticKind, 0, len(diagnostics))
	for _, diagnostic := range diagnostics {
		kinds = append(kinds, diagnostic.Kind)
	}
	return kinds
}

func TestNewServiceValidatesDependencies(testInstance *testing.T) {
	table := testsupport.RequireDefaultTable(testInstance)

	_, missingHostError := upgrade.NewService(upgrade.ServiceDependencies{Table: table})
	require.Error(testInstance, missingHostError)

	_, missingTableError := upgrade.NewService(upgrade.ServiceDependencies{Host: scenegraph.NewMemoryHost()})
	require.Error(testInstance, missingTableError)

	service, serviceError := upgrade.NewService(upgrade.ServiceDependencies{Host: scenegraph.NewMemoryHost(), Table: table})
	require.NoError(testInstance, serviceError)
	require.NotNil(testInstance, service)
}

func TestMigrateScopeConvertsVirtualCamera(testInstance *testing.T) {
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
	service := newTestService(testInstance, host, nil, nil)

	result, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, migrateError)
	require.Empty(testInstance, result.Failures)
	require.Equal(testInstance, 1, result.Summary.ScopesProcessed)
	require.Equal(testInstance, 1, result.Summary.NodesConverted)
	require.Equal(testInstance, 4, result.Summary.ReferencesUpdated)

	scope := storedScope(testInstance, host, testMainSceneConstant)
	require.Equal(testInstance, testsupport.TargetVersion, scope.SchemaVersion)
	require.Len(testInstance, scope.Nodes, 3)
	for _, node := range scope.Nodes {
		require.False(testInstance, node.Scratch)
	}
	_, hiddenChildExists := scope.Node(testsupport.HiddenChildNode)
	require.False(testInstance, hiddenChildExists)

	legacy := testsupport.RecordOfType(testInstance, scope, testsupport.VirtualCameraNode, testsupport.VirtualCameraType)
	require.False(testInstance, legacy.Enabled())

	camera := testsupport.RecordOfType(testInstance, scope, testsupport.VirtualCameraNode, testsupport.CameraType)
	priority, _ := camera.Field("Priority.Value")
	require.Equal(testInstance, 10, priority)
	fieldOfView, _ := camera.Field("Lens.FieldOfView")
	require.Equal(testInstance, 40.0, fieldOfView)
	require.Equal(testInstance, scenegraph.ObjectRef{Node: testsupport.PlayerNode}, camera.References[trackingTargetReferenceConstant])

	composer := testsupport.RecordOfType(testInstance, scope, testsupport.VirtualCameraNode, testsupport.RotationComposer)
	screenX, _ := composer.Field("Composition.ScreenPosition.x")
	require.Equal(testInstance, 0.5, screenX)
	testsupport.RecordOfType(testInstance, scope, testsupport.VirtualCameraNode, testsupport.FollowType)

	director := testsupport.RecordOfType(testInstance, scope, testsupport.DirectorNode, testsupport.DirectorType)
	require.Equal(testInstance, scenegraph.ObjectRef{Node: testsupport.VirtualCameraNode, Record: camera.ID}, director.References[testsupport.ActiveCameraRefName])

	holder, _ := scope.Holder(testsupport.TimelineHolderID)
	require.Equal(testInstance, scenegraph.ObjectRef{Node: testsupport.VirtualCameraNode}, holder.Slots[0].Target)
	require.Equal(testInstance, scenegraph.ObjectRef{Node: testsupport.VirtualCameraNode, Record: composer.ID}, holder.Slots[1].Target)

	clip, _ := scope.Clip(testsupport.CameraClipID)
	require.Equal(testInstance, []*scenegraph.CurveBinding{
		{Path: "", RecordType: testsupport.CameraType, Field: "Lens.FieldOfView"},
		{Path: "", RecordType: testsupport.RotationComposer, Field: "Composition.ScreenPosition.x"},
		{Path: "cm", RecordType: testsupport.ComposerType, Field: unmappedBindingFieldConstant},
		{Path: "", RecordType: testsupport.TransformType, Field: "m_LocalPosition.x"},
	}, clip.Bindings)

	require.False(testInstance, result.Succeeded)
	require.Len(testInstance, result.Diagnostics, 1)
	require.Equal(testInstance, upgrade.DiagnosticUnmappedFieldBinding, result.Diagnostics[0].Kind)
	require.Equal(testInstance, unmappedBindingSuggestionConst, result.Diagnostics[0].Suggestion)
}

func TestMigrateScopeIsIdempotent(testInstance *testing.T) {
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, nil)

	_, firstError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, firstError)
	savesAfterFirst := host.SaveCount(testMainSceneConstant)

	second, secondError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, secondError)
	require.Equal(testInstance, 1, second.Summary.ScopesSkipped)
	require.Zero(testInstance, second.Summary.NodesConverted)
	require.True(testInstance, second.Succeeded)
	require.Equal(testInstance, savesAfterFirst, host.SaveCount(testMainSceneConstant))

	freshService := newTestService(testInstance, host, journal.NewMemoryStore(), nil)
	third, thirdError := freshService.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, thirdError)
	require.Equal(testInstance, 1, third.Summary.ScopesSkipped)
	require.Equal(testInstance, savesAfterFirst, host.SaveCount(testMainSceneConstant))
}

func TestMigrateNodeConvertsOnlySelectedNodeAndCanUndo(testInstance *testing.T) {
	scene := testsupport.NewVirtualCameraScene(testMainSceneConstant)
	scene.Nodes = append(scene.Nodes, &scenegraph.Node{
		ID:      "second-camera",
		Name:    "Second Camera",
		Records: []*scenegraph.Record{{ID: "r-second", Type: testsupport.VirtualCameraType}},
	})
	host := scenegraph.NewMemoryHost(scene)
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, nil)

	result, migrateError := service.MigrateNode(context.Background(), testMainSceneConstant, testsupport.VirtualCameraNode)
	require.NoError(testInstance, migrateError)
	require.Equal(testInstance, 1, result.Summary.NodesConverted)

	stored := storedScope(testInstance, host, testMainSceneConstant)
	require.Equal(testInstance, testsupport.LegacyVersion, stored.SchemaVersion)
	testsupport.RecordOfType(testInstance, stored, testsupport.VirtualCameraNode, testsupport.CameraType)
	second := testsupport.RecordOfType(testInstance, stored, "second-camera", testsupport.VirtualCameraType)
	require.True(testInstance, second.Enabled())

	_, checkpointed, checkpointError := progressJournal.CheckpointVersion(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, checkpointError)
	require.False(testInstance, checkpointed)

	require.NotNil(testInstance, result.Scope)
	require.True(testInstance, result.Scope.CanUndo())
	label, undone := result.Scope.Undo()
	require.True(testInstance, undone)
	require.Equal(testInstance, "Upgrade vcam to Cinemachine 3", label)
	_, hiddenChildRestored := result.Scope.Node(testsupport.HiddenChildNode)
	require.True(testInstance, hiddenChildRestored)
	restoredLegacy := testsupport.RecordOfType(testInstance, result.Scope, testsupport.VirtualCameraNode, testsupport.VirtualCameraType)
	require.True(testInstance, restoredLegacy.Enabled())
	restoredNode, _ := result.Scope.Node(testsupport.VirtualCameraNode)
	require.False(testInstance, restoredNode.HasRecordType(testsupport.CameraType))

	again, againError := service.MigrateNode(context.Background(), testMainSceneConstant, testsupport.VirtualCameraNode)
	require.NoError(testInstance, againError)
	require.Zero(testInstance, again.Summary.NodesConverted)
}

func TestMigrateNodeValidatesInput(testInstance *testing.T) {
	service := newTestService(testInstance, scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant)), nil, nil)

	testCases := []struct {
		name      string
		scopeName string
		nodeID    scenegraph.NodeID
		assertion func(require.TestingT, error)
	}{
		{
			name:      "missing_scope_name",
			scopeName: " ",
			nodeID:    testsupport.VirtualCameraNode,
			assertion: func(t require.TestingT, err error) {
				var inputError upgrade.InvalidInputError
				require.ErrorAs(t, err, &inputError)
			},
		},
		{
			name:      "missing_node_identifier",
			scopeName: testMainSceneConstant,
			nodeID:    "",
			assertion: func(t require.TestingT, err error) {
				var inputError upgrade.InvalidInputError
				require.ErrorAs(t, err, &inputError)
			},
		},
		{
			name:      "unknown_scope",
			scopeName: testLevelSceneConstant,
			nodeID:    testsupport.VirtualCameraNode,
			assertion: func(t require.TestingT, err error) {
				require.ErrorIs(t, err, scenegraph.ErrScopeNotFound)
			},
		},
		{
			name:      "unknown_node",
			scopeName: testMainSceneConstant,
			nodeID:    testMissingNodeConstant,
			assertion: func(t require.TestingT, err error) {
				require.ErrorIs(t, err, scenegraph.ErrNodeNotFound)
			},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			_, migrateError := service.MigrateNode(context.Background(), testCase.scopeName, testCase.nodeID)
			testCase.assertion(subTest, migrateError)
		})
	}
}

func TestMigrateScopeRigOutcomes(testInstance *testing.T) {
	testCases := []struct {
		name                string
		variation           testsupport.RigVariation
		expectedBackups     int
		expectedModifier    map[string]any
		expectedDiagnostics []upgrade.DiagnosticKind
	}{
		{
			name:                "identical_rigs_collapse",
			variation:           testsupport.RigVariationIdentical,
			expectedBackups:     0,
			expectedDiagnostics: []upgrade.DiagnosticKind{},
		},
		{
			name:            "noise_variation_becomes_modifier",
			variation:       testsupport.RigVariationNoise,
			expectedBackups: 0,
			expectedModifier: map[string]any{
				"Modifiers.Noise.Top.Amplitude":    2.0,
				"Modifiers.Noise.Bottom.Amplitude": 0.5,
			},
			expectedDiagnostics: []upgrade.DiagnosticKind{},
		},
		{
			name:                "irreconcilable_variation_keeps_backup",
			variation:           testsupport.RigVariationIrreconcilable,
			expectedBackups:     1,
			expectedDiagnostics: []upgrade.DiagnosticKind{upgrade.DiagnosticIrreconcilableVariation},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			host := scenegraph.NewMemoryHost(testsupport.NewFreeLookScene(testMainSceneConstant, testCase.variation))
			service := newTestService(subTest, host, nil, nil)

			result, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
			require.NoError(subTest, migrateError)
			require.Equal(subTest, 1, result.Summary.NodesConverted)
			require.Equal(subTest, testCase.expectedBackups, result.Summary.BackupsCreated)
			require.Equal(subTest, testCase.expectedDiagnostics, diagnosticKinds(result.Diagnostics))
			require.Equal(subTest, len(testCase.expectedDiagnostics) == 0, result.Succeeded)

			scope := storedScope(subTest, host, testMainSceneConstant)
			for _, rigNode := range []scenegraph.NodeID{testsupport.TopRigNode, testsupport.MiddleRigNode, testsupport.BottomRigNode} {
				_, rigExists := scope.Node(rigNode)
				require.False(subTest, rigExists)
			}
			freeLook, _ := scope.Node(testsupport.FreeLookNode)
			require.Empty(subTest, freeLook.Children)

			testsupport.RecordOfType(subTest, scope, testsupport.FreeLookNode, testsupport.CameraType)
			orbital := testsupport.RecordOfType(subTest, scope, testsupport.FreeLookNode, testsupport.OrbitalFollowType)
			topHeight, _ := orbital.Field("Orbits.Top.Height")
			require.Equal(subTest, 4.5, topHeight)
			noise := testsupport.RecordOfType(subTest, scope, testsupport.FreeLookNode, testsupport.PerlinNoiseType)
			amplitude, _ := noise.Field("AmplitudeGain")
			require.Equal(subTest, 1.0, amplitude)

			modifier, hasModifier := freeLook.FirstRecordOfType(testsupport.FreeLookModifier)
			require.Equal(subTest, testCase.expectedModifier != nil, hasModifier)
			for fieldPath, expectedValue := range testCase.expectedModifier {
				value, present := modifier.Field(fieldPath)
				require.True(subTest, present)
				require.Equal(subTest, expectedValue, value)
			}

			var backups []*scenegraph.Node
			for _, node := range scope.Nodes {
				if node.Name == backupNodeNameConstant {
					backups = append(backups, node)
				}
			}
			require.Len(subTest, backups, testCase.expectedBackups)
			for _, backup := range backups {
				require.True(subTest, backup.Inactive)
				require.True(subTest, backup.HasRecordType(testsupport.OptOutType))
				require.Len(subTest, backup.Children, 3)
				backupLegacy, _ := backup.FirstRecordOfType(testsupport.FreeLookType)
				require.True(subTest, backupLegacy.Enabled())
			}

			clip, _ := scope.Clip(testsupport.CameraClipID)
			require.Equal(subTest, scenegraph.CurveBinding{Path: "", RecordType: testsupport.FreeLookModifier, Field: "Modifiers.Noise.Top.Amplitude"}, *clip.Bindings[0])
			require.Equal(subTest, scenegraph.CurveBinding{Path: "", RecordType: testsupport.PerlinNoiseType, Field: "AmplitudeGain"}, *clip.Bindings[1])
		})
	}
}

func TestMigrateScopeRewritesEveryReferencingSlot(testInstance *testing.T) {
	for _, holderCount := range []int{1, 3, 8} {
		testInstance.Run(fmt.Sprintf("%d_holders", holderCount), func(subTest *testing.T) {
			scene := testsupport.NewVirtualCameraScene(testMainSceneConstant)
			for holderIndex := 0; holderIndex < holderCount; holderIndex++ {
				scene.Holders = append(scene.Holders, &scenegraph.Holder{
					ID: fmt.Sprintf(bulkHolderIdentifierTemplate, holderIndex),
					Slots: []*scenegraph.BindingSlot{{
						Name:   bulkSlotNameConstant,
						Target: scenegraph.ObjectRef{Node: testsupport.HiddenChildNode, Record: testsupport.ComposerRecord},
					}},
				})
			}
			host := scenegraph.NewMemoryHost(scene)
			service := newTestService(subTest, host, nil, nil)

			result, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
			require.NoError(subTest, migrateError)
			require.Equal(subTest, 4+holderCount, result.Summary.ReferencesUpdated)

			scope := storedScope(subTest, host, testMainSceneConstant)
			composer := testsupport.RecordOfType(subTest, scope, testsupport.VirtualCameraNode, testsupport.RotationComposer)
			for holderIndex := 0; holderIndex < holderCount; holderIndex++ {
				holder, found := scope.Holder(fmt.Sprintf(bulkHolderIdentifierTemplate, holderIndex))
				require.True(subTest, found)
				require.Equal(subTest, scenegraph.ObjectRef{Node: testsupport.VirtualCameraNode, Record: composer.ID}, holder.Slots[0].Target)
			}
		})
	}
}

func TestMigrateScopeSkipsOptOutAndUnmappableNodes(testInstance *testing.T) {
	scene := &scenegraph.Scope{
		Name:          testMainSceneConstant,
		Kind:          scenegraph.ScopeKindScene,
		SchemaVersion: testsupport.LegacyVersion,
		Nodes: []*scenegraph.Node{
			{
				ID:       "opted-out",
				Name:     "Opted Out",
				Children: []scenegraph.NodeID{"opted-out-child"},
				Records: []*scenegraph.Record{
					{ID: "r-opt", Type: testsupport.OptOutType},
					{ID: "r-opt-camera", Type: testsupport.VirtualCameraType},
				},
			},
			{
				ID:      "opted-out-child",
				Name:    "Nested",
				Parent:  "opted-out",
				Records: []*scenegraph.Record{{ID: "r-nested", Type: testsupport.VirtualCameraType}},
			},
			{
				ID:   "dolly",
				Name: "Dolly",
				Records: []*scenegraph.Record{
					{ID: "r-dolly-camera", Type: testsupport.VirtualCameraType},
					{ID: "r-cart", Type: testsupport.DollyCartType},
				},
			},
		},
	}
	host := scenegraph.NewMemoryHost(scene)
	service := newTestService(testInstance, host, nil, nil)

	result, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, migrateError)
	require.Zero(testInstance, result.Summary.NodesConverted)
	require.Equal(testInstance, []upgrade.DiagnosticKind{upgrade.DiagnosticUnmappableSchema}, diagnosticKinds(result.Diagnostics))
	require.Equal(testInstance, testsupport.DollyCartType, result.Diagnostics[0].RecordType)

	scope := storedScope(testInstance, host, testMainSceneConstant)
	for _, node := range scope.Nodes {
		require.False(testInstance, node.HasRecordType(testsupport.CameraType))
		for _, record := range node.Records {
			require.True(testInstance, record.Enabled())
		}
	}
}

func TestMigrateScopeSaveFailureSkipsCheckpoint(testInstance *testing.T) {
	host := &testsupport.FailingHost{
		MemoryHost: scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant)),
		FailSaves:  map[string]bool{testMainSceneConstant: true},
	}
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, nil)

	_, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.ErrorIs(testInstance, migrateError, testsupport.ErrInjectedSave)

	_, checkpointed, checkpointError := progressJournal.CheckpointVersion(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, checkpointError)
	require.False(testInstance, checkpointed)

	stored := storedScope(testInstance, host.MemoryHost, testMainSceneConstant)
	require.Equal(testInstance, testsupport.LegacyVersion, stored.SchemaVersion)

	statuses, statusError := progressJournal.Checkpoints(context.Background())
	require.NoError(testInstance, statusError)
	require.Equal(testInstance, []journal.CheckpointStatus{{
		Scope:         testMainSceneConstant,
		TargetVersion: testsupport.TargetVersion,
		State:         journal.CheckpointStaged,
	}}, statuses)
	links, linksError := progressJournal.IdentityLinks(context.Background())
	require.NoError(testInstance, linksError)
	require.Empty(testInstance, links)

	retried, retryError := newTestService(testInstance, host.MemoryHost, progressJournal, nil).MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, retryError)
	require.Equal(testInstance, 1, retried.Summary.NodesConverted)
	_, checkpointed, checkpointError = progressJournal.CheckpointVersion(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, checkpointError)
	require.True(testInstance, checkpointed)
}

func TestMigrateAllRequiresConfirmedBackup(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zapcore.DebugLevel)
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
	service := newTestService(testInstance, host, nil, zap.New(observerCore))

	_, migrateError := service.MigrateAll(context.Background(), upgrade.Options{})
	require.ErrorIs(testInstance, migrateError, upgrade.ErrBackupNotConfirmed)
	require.Zero(testInstance, host.SaveCount(testMainSceneConstant))
	require.Equal(testInstance, 1, observedLogs.FilterMessage(safetyGateMessageConstant).Len())
}

func TestMigrateAllResolvesCrossScopeReferencesAndCleansUp(testInstance *testing.T) {
	prefab := testsupport.NewPrefabCamera(testCameraPrefabConstant, testPrefabCameraNodeConstant, testPrefabCameraRecordConstant, &scenegraph.ObjectRef{
		Scope:  testLevelSceneConstant,
		Node:   testsupport.VirtualCameraNode,
		Record: testsupport.VirtualCameraRecord,
	})
	scene := testsupport.NewDirectorScene(testLevelSceneConstant, scenegraph.ObjectRef{
		Scope:  testCameraPrefabConstant,
		Node:   testPrefabCameraNodeConstant,
		Record: testPrefabCameraRecordConstant,
	})
	host := scenegraph.NewMemoryHost(scene, prefab)
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, nil)

	result, migrateError := service.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
	require.NoError(testInstance, migrateError)
	require.True(testInstance, result.Succeeded)
	require.Equal(testInstance, 2, result.Summary.ScopesProcessed)
	require.Equal(testInstance, 2, result.Summary.NodesConverted)
	require.Equal(testInstance, 2, result.Summary.ReferencesUpdated)
	require.Equal(testInstance, 2, result.Summary.RecordsRemoved)

	storedPrefab := storedScope(testInstance, host, testCameraPrefabConstant)
	storedScene := storedScope(testInstance, host, testLevelSceneConstant)
	prefabCamera := testsupport.RecordOfType(testInstance, storedPrefab, testPrefabCameraNodeConstant, testsupport.CameraType)
	sceneCamera := testsupport.RecordOfType(testInstance, storedScene, testsupport.VirtualCameraNode, testsupport.CameraType)

	sceneDirector := testsupport.RecordOfType(testInstance, storedScene, testsupport.DirectorNode, testsupport.DirectorType)
	require.Equal(testInstance, scenegraph.ObjectRef{
		Scope:  testCameraPrefabConstant,
		Node:   testPrefabCameraNodeConstant,
		Record: prefabCamera.ID,
	}, sceneDirector.References[testsupport.ActiveCameraRefName])

	prefabDirector := testsupport.RecordOfType(testInstance, storedPrefab, testsupport.DirectorNode, testsupport.DirectorType)
	require.Equal(testInstance, scenegraph.ObjectRef{
		Scope:  testLevelSceneConstant,
		Node:   testsupport.VirtualCameraNode,
		Record: sceneCamera.ID,
	}, prefabDirector.References[testsupport.ActiveCameraRefName])

	for _, scope := range []*scenegraph.Scope{storedPrefab, storedScene} {
		for _, node := range scope.Nodes {
			require.False(testInstance, node.HasRecordType(testsupport.VirtualCameraType))
		}
		cleaned, cleanedError := progressJournal.IsCleaned(context.Background(), scope.Name)
		require.NoError(testInstance, cleanedError)
		require.True(testInstance, cleaned)
	}

	pendingReferences, pendingError := progressJournal.PendingReferences(context.Background())
	require.NoError(testInstance, pendingError)
	require.Empty(testInstance, pendingReferences)
}

func TestMigrateAllReportsUnresolvableDeferredReference(testInstance *testing.T) {
	prefab := testsupport.NewPrefabCamera(testCameraPrefabConstant, testPrefabCameraNodeConstant, testPrefabCameraRecordConstant, &scenegraph.ObjectRef{
		Scope: testLevelSceneConstant,
		Node:  testMissingNodeConstant,
	})
	scene := testsupport.NewDirectorScene(testLevelSceneConstant, scenegraph.ObjectRef{Node: testsupport.VirtualCameraNode})
	host := scenegraph.NewMemoryHost(scene, prefab)
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, nil)

	result, migrateError := service.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
	require.NoError(testInstance, migrateError)
	require.False(testInstance, result.Succeeded)
	require.Equal(testInstance, []upgrade.DiagnosticKind{upgrade.DiagnosticUnresolvableReference}, diagnosticKinds(result.Diagnostics))
	require.Equal(testInstance, testCameraPrefabConstant, result.Diagnostics[0].Scope)

	pendingReferences, pendingError := progressJournal.PendingReferences(context.Background())
	require.NoError(testInstance, pendingError)
	require.Len(testInstance, pendingReferences, 1)
	require.Equal(testInstance, testMissingNodeConstant, pendingReferences[0].Target.Node)
}

func TestMigrateAllResumesFromPersistedJournal(testInstance *testing.T) {
	journalPath := filepath.Join(testInstance.TempDir(), ".cmupgrade", "journal.db")
	prefab := testsupport.NewPrefabCamera(testCameraPrefabConstant, testPrefabCameraNodeConstant, testPrefabCameraRecordConstant, nil)
	scene := testsupport.NewDirectorScene(testLevelSceneConstant, scenegraph.ObjectRef{
		Scope:  testCameraPrefabConstant,
		Node:   testPrefabCameraNodeConstant,
		Record: testPrefabCameraRecordConstant,
	})
	host := scenegraph.NewMemoryHost(scene, prefab)

	firstJournal, openError := journal.Open(context.Background(), journalPath)
	require.NoError(testInstance, openError)
	firstService := newTestService(testInstance, host, firstJournal, nil)
	_, firstError := firstService.MigrateScope(context.Background(), testCameraPrefabConstant)
	require.NoError(testInstance, firstError)
	require.NoError(testInstance, firstJournal.Close())
	prefabSaves := host.SaveCount(testCameraPrefabConstant)

	observerCore, observedLogs := observer.New(zapcore.InfoLevel)
	secondJournal, reopenError := journal.Open(context.Background(), journalPath)
	require.NoError(testInstance, reopenError)
	defer secondJournal.Close()
	secondService := newTestService(testInstance, host, secondJournal, zap.New(observerCore))

	result, migrateError := secondService.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
	require.NoError(testInstance, migrateError)
	require.Equal(testInstance, 1, result.Summary.ScopesSkipped)
	require.Equal(testInstance, 1, result.Summary.ScopesProcessed)
	require.Equal(testInstance, 1, result.Summary.NodesConverted)

	skipped := observedLogs.FilterMessage(scopeSkippedMessageConstant).All()
	require.Len(testInstance, skipped, 1)
	require.Equal(testInstance, testCameraPrefabConstant, skipped[0].ContextMap()["scope"])

	storedPrefab := storedScope(testInstance, host, testCameraPrefabConstant)
	prefabCamera := testsupport.RecordOfType(testInstance, storedPrefab, testPrefabCameraNodeConstant, testsupport.CameraType)
	sceneDirector := testsupport.RecordOfType(testInstance, storedScope(testInstance, host, testLevelSceneConstant), testsupport.DirectorNode, testsupport.DirectorType)
	require.Equal(testInstance, scenegraph.ObjectRef{
		Scope:  testCameraPrefabConstant,
		Node:   testPrefabCameraNodeConstant,
		Record: prefabCamera.ID,
	}, sceneDirector.References[testsupport.ActiveCameraRefName])

	require.Equal(testInstance, prefabSaves+1, host.SaveCount(testCameraPrefabConstant))
}

func TestMigrateScopeLogsProgress(testInstance *testing.T) {
	testCases := []struct {
		name                  string
		level                 zapcore.Level
		expectReferenceMapLog bool
	}{
		{name: "debug_includes_reference_map", level: zapcore.DebugLevel, expectReferenceMapLog: true},
		{name: "info_omits_reference_map", level: zapcore.InfoLevel, expectReferenceMapLog: false},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			observerCore, observedLogs := observer.New(testCase.level)
			host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
			service := newTestService(subTest, host, nil, zap.New(observerCore))

			_, migrateError := service.MigrateScope(context.Background(), testMainSceneConstant)
			require.NoError(subTest, migrateError)

			migrated := observedLogs.FilterMessage(scopeMigratedMessageConstant).All()
			require.Len(subTest, migrated, 1)
			require.Equal(subTest, int64(1), migrated[0].ContextMap()[nodesConvertedFieldConstant])
			require.Equal(subTest, 1, observedLogs.FilterMessage(migrationDiagnosticMessage).Len())
			require.Equal(subTest, testCase.expectReferenceMapLog, observedLogs.FilterMessage(referenceMapMessageConstant).Len() > 0)
		})
	}
}

func TestScanListsCandidatesWithoutSaving(testInstance *testing.T) {
	prefab := testsupport.NewPrefabCamera(testCameraPrefabConstant, testPrefabCameraNodeConstant, testPrefabCameraRecordConstant, nil)
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant), prefab)
	service := newTestService(testInstance, host, nil, nil)

	result, scanError := service.Scan(context.Background())
	require.NoError(testInstance, scanError)
	require.Equal(testInstance, 2, result.Summary.ScopesProcessed)
	require.Equal(testInstance, []upgrade.ScopeCandidate{
		{Scope: testCameraPrefabConstant, Candidate: upgrade.Candidate{Node: testPrefabCameraNodeConstant, Name: "Prefab Camera", SourceType: testsupport.VirtualCameraType}},
		{Scope: testMainSceneConstant, Candidate: upgrade.Candidate{Node: testsupport.VirtualCameraNode, Name: "Main Camera Rig", SourceType: testsupport.VirtualCameraType, Referenced: true}},
	}, result.Candidates)
	require.Zero(testInstance, host.SaveCount(testMainSceneConstant))
	require.Zero(testInstance, host.SaveCount(testCameraPrefabConstant))

	document := result.Document()
	require.Len(testInstance, document.Candidates, 2)
	require.True(testInstance, document.Succeeded)
}

func TestMigrateAllStopsOnCancelledContext(testInstance *testing.T) {
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
	service := newTestService(testInstance, host, nil, nil)

	cancelledContext, cancel := context.WithCancel(context.Background())
	cancel()

	_, migrateError := service.MigrateAll(cancelledContext, upgrade.Options{BackupConfirmed: true})
	require.True(testInstance, errors.Is(migrateError, context.Canceled))
	require.Zero(testInstance, host.SaveCount(testMainSceneConstant))
}

func TestMigrateScopeReconvertsScopeRestoredByUndo(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zapcore.InfoLevel)
	host := scenegraph.NewMemoryHost(testsupport.NewVirtualCameraScene(testMainSceneConstant))
	progressJournal := journal.NewMemoryStore()
	service := newTestService(testInstance, host, progressJournal, zap.New(observerCore))

	first, firstError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, firstError)
	firstLinks, firstLinksError := progressJournal.IdentityLinks(context.Background())
	require.NoError(testInstance, firstLinksError)
	require.NotEmpty(testInstance, firstLinks)

	label, undone := first.Scope.Undo()
	require.True(testInstance, undone)
	require.Equal(testInstance, "Upgrade scope "+testMainSceneConstant+" to Cinemachine 3", label)
	require.Equal(testInstance, testsupport.LegacyVersion, first.Scope.SchemaVersion)
	require.NoError(testInstance, host.SaveScope(context.Background(), first.Scope))

	second, secondError := service.MigrateScope(context.Background(), testMainSceneConstant)
	require.NoError(testInstance, secondError)
	require.Zero(testInstance, second.Summary.ScopesSkipped)
	require.Equal(testInstance, 1, second.Summary.NodesConverted)
	require.Equal(testInstance, 1, observedLogs.FilterMessage(checkpointForgottenMessage).Len())

	stored := storedScope(testInstance, host, testMainSceneConstant)
	require.Equal(testInstance, testsupport.TargetVersion, stored.SchemaVersion)
	testsupport.RecordOfType(testInstance, stored, testsupport.VirtualCameraNode, testsupport.CameraType)
	legacy := testsupport.RecordOfType(testInstance, stored, testsupport.VirtualCameraNode, testsupport.VirtualCameraType)
	require.False(testInstance, legacy.Enabled())

	links, linksError := progressJournal.IdentityLinks(context.Background())
	require.NoError(testInstance, linksError)
	require.Len(testInstance, links, len(firstLinks))
	for _, link := range links {
		_, _, resolved := stored.ResolveReference(link.New)
		require.Truef(testInstance, resolved, "identity link %s points at a missing target", link.New)
	}
}

func TestMigrateAllKeepsDeferredReferenceUntilTargetScopeMigrates(testInstance *testing.T) {
	prefab := testsupport.NewFreeLookScene(testCameraPrefabConstant, testsupport.RigVariationIrreconcilable)
	prefab.Kind = scenegraph.ScopeKindPrefab
	orbit, _ := prefab.Node(testsupport.FreeLookNode)
	orbit.Parent = missingRootNodeConstant
	legacyTarget := scenegraph.ObjectRef{Scope: testCameraPrefabConstant, Node: testsupport.FreeLookNode, Record: testsupport.FreeLookRecord}
	scene := testsupport.NewDirectorScene(testLevelSceneConstant, legacyTarget)
	host := scenegraph.NewMemoryHost(scene, prefab)
	progressJournal := journal.NewMemoryStore()
	observerCore, observedLogs := observer.New(zapcore.InfoLevel)
	service := newTestService(testInstance, host, progressJournal, zap.New(observerCore))

	first, firstError := service.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
	require.NoError(testInstance, firstError)
	require.Len(testInstance, first.Failures, 1)
	require.NotContains(testInstance, diagnosticKinds(first.Diagnostics), upgrade.DiagnosticUnresolvableReference)
	require.Equal(testInstance, 1, observedLogs.FilterMessage(deferredAwaitingMessage).Len())
	require.Equal(testInstance, testsupport.LegacyVersion, storedScope(testInstance, host, testCameraPrefabConstant).SchemaVersion)

	pendingReferences, pendingError := progressJournal.PendingReferences(context.Background())
	require.NoError(testInstance, pendingError)
	require.Len(testInstance, pendingReferences, 1)
	require.Equal(testInstance, legacyTarget, pendingReferences[0].Target)

	repaired, _ := storedScope(testInstance, host, testCameraPrefabConstant).Node(testsupport.FreeLookNode)
	repaired.Parent = ""

	second, secondError := service.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
	require.NoError(testInstance, secondError)
	require.Empty(testInstance, second.Failures)
	require.Equal(testInstance, 1, second.Summary.ScopesSkipped)
	require.NotContains(testInstance, diagnosticKinds(second.Diagnostics), upgrade.DiagnosticUnresolvableReference)

	storedPrefab := storedScope(testInstance, host, testCameraPrefabConstant)
	camera := testsupport.RecordOfType(testInstance, storedPrefab, testsupport.FreeLookNode, testsupport.CameraType)
	director := testsupport.RecordOfType(testInstance, storedScope(testInstance, host, testLevelSceneConstant), testsupport.DirectorNode, testsupport.DirectorType)
	require.Equal(testInstance, scenegraph.ObjectRef{
		Scope:  testCameraPrefabConstant,
		Node:   testsupport.FreeLookNode,
		Record: camera.ID,
	}, director.References[testsupport.ActiveCameraRefName])

	pendingReferences, pendingError = progressJournal.PendingReferences(context.Background())
	require.NoError(testInstance, pendingError)
	require.Empty(testInstance, pendingReferences)
}

func TestMigrateAllCollapsesFreeLookRigsAndRemovesLegacyRecords(testInstance *testing.T) {
	testCases := []struct {
		name              string
		variation         testsupport.RigVariation
		expectedModifiers map[string]any
	}{
		{
			name:      "top_and_bottom_noise",
			variation: testsupport.RigVariationNoise,
			expectedModifiers: map[string]any{
				"Modifiers.Noise.Top.Amplitude":    2.0,
				"Modifiers.Noise.Bottom.Amplitude": 0.5,
			},
		},
		{
			name:              "top_noise_only",
			variation:         testsupport.RigVariationTopNoise,
			expectedModifiers: map[string]any{"Modifiers.Noise.Top.Amplitude": 2.0},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subTest *testing.T) {
			table := testsupport.RequireDefaultTable(subTest)
			host := scenegraph.NewMemoryHost(testsupport.NewFreeLookScene(testMainSceneConstant, testCase.variation))
			service := newTestService(subTest, host, journal.NewMemoryStore(), nil)

			result, migrateError := service.MigrateAll(context.Background(), upgrade.Options{BackupConfirmed: true})
			require.NoError(subTest, migrateError)
			require.True(subTest, result.Succeeded)
			require.Equal(subTest, 1, result.Summary.NodesConverted)
			require.Positive(subTest, result.Summary.RecordsRemoved)

			scope := storedScope(subTest, host, testMainSceneConstant)
			require.Len(subTest, scope.Nodes, 1)
			orbit := scope.Nodes[0]
			require.Equal(subTest, testsupport.FreeLookNode, orbit.ID)
			require.Empty(subTest, orbit.Children)
			require.False(subTest, orbit.Hidden)

			for _, record := range orbit.Records {
				require.Falsef(subTest, table.IsLegacyType(record.Type), "legacy record %s survived cleanup", record.Type)
			}
			modifiers := orbit.RecordsOfType(testsupport.FreeLookModifier)
			require.Len(subTest, modifiers, 1)
			require.Equal(subTest, testCase.expectedModifiers, scenegraph.FlattenFields(modifiers[0].Fields))
		})
	}
}
