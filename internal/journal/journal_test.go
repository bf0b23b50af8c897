package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	testPrefabScopeConstant   = "Prefabs/Rig.prefab.yaml"
	testSceneScopeConstant    = "Scenes/Main.scene.yaml"
	testTargetVersionConstant = "3.0.0"
)

func openTestJournal(testInstance *testing.T) (*journal.Journal, string) {
	testInstance.Helper()
	journalPath := filepath.Join(testInstance.TempDir(), ".cmupgrade", "journal.db")
	store, openError := journal.Open(context.Background(), journalPath)
	require.NoError(testInstance, openError)
	testInstance.Cleanup(func() { _ = store.Close() })
	return store, journalPath
}

type checkpointStore interface {
	CheckpointVersion(context.Context, string) (string, bool, error)
	Checkpoints(context.Context) ([]journal.CheckpointStatus, error)
	StageCheckpoint(context.Context, journal.Checkpoint) error
	CommitCheckpoint(context.Context, string) error
	ForgetCheckpoint(context.Context, string) error
	IdentityLinks(context.Context) ([]journal.IdentityLink, error)
	IsCleaned(context.Context, string) (bool, error)
	MarkCleaned(context.Context, string) error
}

func prefabCheckpoint(newRecord scenegraph.RecordID) journal.Checkpoint {
	return journal.Checkpoint{
		Scope:         testPrefabScopeConstant,
		TargetVersion: testTargetVersionConstant,
		Links: []journal.IdentityLink{{
			Old: scenegraph.ObjectRef{Node: "rig", Record: "vcam"},
			New: scenegraph.ObjectRef{Node: "rig", Record: newRecord},
		}},
	}
}

func TestCheckpointLifecycle(testInstance *testing.T) {
	testCases := []struct {
		name  string
		store func(*testing.T) checkpointStore
	}{
		{
			name: "sqlite",
			store: func(testInstance *testing.T) checkpointStore {
				store, _ := openTestJournal(testInstance)
				return store
			},
		},
		{
			name: "memory",
			store: func(*testing.T) checkpointStore {
				return journal.NewMemoryStore()
			},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			store := testCase.store(testInstance)
			executionContext := context.Background()

			require.NoError(testInstance, store.StageCheckpoint(executionContext, prefabCheckpoint("r-first")))

			_, checkpointed, lookupError := store.CheckpointVersion(executionContext, testPrefabScopeConstant)
			require.NoError(testInstance, lookupError)
			require.False(testInstance, checkpointed)
			links, linksError := store.IdentityLinks(executionContext)
			require.NoError(testInstance, linksError)
			require.Empty(testInstance, links)
			statuses, statusesError := store.Checkpoints(executionContext)
			require.NoError(testInstance, statusesError)
			require.Equal(testInstance, []journal.CheckpointStatus{{
				Scope:         testPrefabScopeConstant,
				TargetVersion: testTargetVersionConstant,
				State:         journal.CheckpointStaged,
			}}, statuses)

			require.NoError(testInstance, store.StageCheckpoint(executionContext, prefabCheckpoint("r-second")))
			require.NoError(testInstance, store.CommitCheckpoint(executionContext, testPrefabScopeConstant))

			version, checkpointed, lookupError := store.CheckpointVersion(executionContext, testPrefabScopeConstant)
			require.NoError(testInstance, lookupError)
			require.True(testInstance, checkpointed)
			require.Equal(testInstance, testTargetVersionConstant, version)
			links, linksError = store.IdentityLinks(executionContext)
			require.NoError(testInstance, linksError)
			require.Equal(testInstance, []journal.IdentityLink{{
				Old: scenegraph.ObjectRef{Scope: testPrefabScopeConstant, Node: "rig", Record: "vcam"},
				New: scenegraph.ObjectRef{Scope: testPrefabScopeConstant, Node: "rig", Record: "r-second"},
			}}, links)

			require.NoError(testInstance, store.MarkCleaned(executionContext, testPrefabScopeConstant))
			require.NoError(testInstance, store.ForgetCheckpoint(executionContext, testPrefabScopeConstant))

			_, checkpointed, lookupError = store.CheckpointVersion(executionContext, testPrefabScopeConstant)
			require.NoError(testInstance, lookupError)
			require.False(testInstance, checkpointed)
			links, linksError = store.IdentityLinks(executionContext)
			require.NoError(testInstance, linksError)
			require.Empty(testInstance, links)
			statuses, statusesError = store.Checkpoints(executionContext)
			require.NoError(testInstance, statusesError)
			require.Empty(testInstance, statuses)
			cleaned, cleanedError := store.IsCleaned(executionContext, testPrefabScopeConstant)
			require.NoError(testInstance, cleanedError)
			require.False(testInstance, cleaned)
		})
	}
}

func TestJournalPersistsCommittedLinksAcrossReopen(testInstance *testing.T) {
	store, journalPath := openTestJournal(testInstance)
	executionContext := context.Background()

	require.NoError(testInstance, store.StageCheckpoint(executionContext, prefabCheckpoint("r-camera")))
	require.NoError(testInstance, store.CommitCheckpoint(executionContext, testPrefabScopeConstant))
	require.NoError(testInstance, store.StageCheckpoint(executionContext, journal.Checkpoint{
		Scope:         testSceneScopeConstant,
		TargetVersion: testTargetVersionConstant,
		Links:         []journal.IdentityLink{{Old: scenegraph.ObjectRef{Node: "cm"}, New: scenegraph.ObjectRef{Node: "vcam"}}},
	}))

	require.NoError(testInstance, store.Close())
	reopened, reopenError := journal.Open(executionContext, journalPath)
	require.NoError(testInstance, reopenError)
	defer reopened.Close()

	statuses, statusesError := reopened.Checkpoints(executionContext)
	require.NoError(testInstance, statusesError)
	require.Equal(testInstance, []journal.CheckpointStatus{
		{Scope: testPrefabScopeConstant, TargetVersion: testTargetVersionConstant, State: journal.CheckpointCommitted},
		{Scope: testSceneScopeConstant, TargetVersion: testTargetVersionConstant, State: journal.CheckpointStaged},
	}, statuses)

	links, linksError := reopened.IdentityLinks(executionContext)
	require.NoError(testInstance, linksError)
	require.Equal(testInstance, []journal.IdentityLink{{
		Old: scenegraph.ObjectRef{Scope: testPrefabScopeConstant, Node: "rig", Record: "vcam"},
		New: scenegraph.ObjectRef{Scope: testPrefabScopeConstant, Node: "rig", Record: "r-camera"},
	}}, links)
}

func TestJournalTracksPendingReferencesAndCleanup(testInstance *testing.T) {
	store, _ := openTestJournal(testInstance)
	executionContext := context.Background()

	pending := journal.PendingReference{
		SiteScope: testSceneScopeConstant,
		Kind:      journal.SiteKindSlot,
		Owner:     "timeline",
		Name:      "shot",
		Target:    scenegraph.ObjectRef{Scope: testPrefabScopeConstant, Node: "rig", Record: "vcam"},
	}
	require.NoError(testInstance, store.AddPendingReference(executionContext, pending))
	require.NoError(testInstance, store.AddPendingReference(executionContext, pending))

	pendingReferences, pendingError := store.PendingReferences(executionContext)
	require.NoError(testInstance, pendingError)
	require.Equal(testInstance, []journal.PendingReference{pending}, pendingReferences)

	require.NoError(testInstance, store.ResolvePendingReference(executionContext, pending))
	pendingReferences, pendingError = store.PendingReferences(executionContext)
	require.NoError(testInstance, pendingError)
	require.Empty(testInstance, pendingReferences)

	cleaned, cleanedError := store.IsCleaned(executionContext, testSceneScopeConstant)
	require.NoError(testInstance, cleanedError)
	require.False(testInstance, cleaned)
	require.NoError(testInstance, store.MarkCleaned(executionContext, testSceneScopeConstant))
	require.NoError(testInstance, store.MarkCleaned(executionContext, testSceneScopeConstant))
	cleaned, cleanedError = store.IsCleaned(executionContext, testSceneScopeConstant)
	require.NoError(testInstance, cleanedError)
	require.True(testInstance, cleaned)

	require.NoError(testInstance, store.Reset(executionContext))
	cleaned, cleanedError = store.IsCleaned(executionContext, testSceneScopeConstant)
	require.NoError(testInstance, cleanedError)
	require.False(testInstance, cleaned)
}

func TestJournalOpenRequiresPath(testInstance *testing.T) {
	_, openError := journal.Open(context.Background(), "  ")
	require.Error(testInstance, openError)
}

func TestMemoryStoreMatchesJournalSemantics(testInstance *testing.T) {
	store := journal.NewMemoryStore()
	executionContext := context.Background()

	require.NoError(testInstance, store.StageCheckpoint(executionContext, journal.Checkpoint{
		Scope:         testSceneScopeConstant,
		TargetVersion: testTargetVersionConstant,
		Links: []journal.IdentityLink{
			{Old: scenegraph.ObjectRef{Node: "vcam", Record: "legacy"}, New: scenegraph.ObjectRef{Node: "vcam", Record: "camera"}},
			{Old: scenegraph.ObjectRef{Node: "cm"}, New: scenegraph.ObjectRef{Node: "vcam"}},
		},
	}))
	require.NoError(testInstance, store.CommitCheckpoint(executionContext, testSceneScopeConstant))

	version, checkpointed, lookupError := store.CheckpointVersion(executionContext, testSceneScopeConstant)
	require.NoError(testInstance, lookupError)
	require.True(testInstance, checkpointed)
	require.Equal(testInstance, testTargetVersionConstant, version)

	links, linksError := store.IdentityLinks(executionContext)
	require.NoError(testInstance, linksError)
	require.Equal(testInstance, []journal.IdentityLink{
		{
			Old: scenegraph.ObjectRef{Scope: testSceneScopeConstant, Node: "cm"},
			New: scenegraph.ObjectRef{Scope: testSceneScopeConstant, Node: "vcam"},
		},
		{
			Old: scenegraph.ObjectRef{Scope: testSceneScopeConstant, Node: "vcam", Record: "legacy"},
			New: scenegraph.ObjectRef{Scope: testSceneScopeConstant, Node: "vcam", Record: "camera"},
		},
	}, links)

	first := journal.PendingReference{SiteScope: testSceneScopeConstant, Kind: journal.SiteKindSlot, Owner: "timeline", Name: "shot"}
	second := journal.PendingReference{SiteScope: testPrefabScopeConstant, Kind: journal.SiteKindRecord, Owner: "rig|brain", Name: "m_Camera"}
	require.NoError(testInstance, store.AddPendingReference(executionContext, first))
	require.NoError(testInstance, store.AddPendingReference(executionContext, second))

	pendingReferences, pendingError := store.PendingReferences(executionContext)
	require.NoError(testInstance, pendingError)
	require.Equal(testInstance, []journal.PendingReference{second, first}, pendingReferences)

	require.NoError(testInstance, store.ResolvePendingReference(executionContext, second))
	pendingReferences, pendingError = store.PendingReferences(executionContext)
	require.NoError(testInstance, pendingError)
	require.Equal(testInstance, []journal.PendingReference{first}, pendingReferences)

	require.NoError(testInstance, store.MarkCleaned(executionContext, testPrefabScopeConstant))
	cleaned, cleanedError := store.IsCleaned(executionContext, testPrefabScopeConstant)
	require.NoError(testInstance, cleanedError)
	require.True(testInstance, cleaned)
}
