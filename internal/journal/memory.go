package journal

import (
	"context"
	"sort"
)

// MemoryStore keeps the same progress records as Journal without persistence.
type MemoryStore struct {
	checkpoints map[string]CheckpointStatus
	links       map[scenegraphKey]scopedLink
	pending     map[pendingKey]PendingReference
	cleaned     map[string]struct{}
}

type scenegraphKey struct {
	scope  string
	node   string
	record string
}

type scopedLink struct {
	checkpointScope string
	link            IdentityLink
}

type pendingKey struct {
	scope string
	kind  SiteKind
	owner string
	name  string
}

// NewMemoryStore constructs an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string]CheckpointStatus{},
		links:       map[scenegraphKey]scopedLink{},
		pending:     map[pendingKey]PendingReference{},
		cleaned:     map[string]struct{}{},
	}
}

// CheckpointVersion returns the target version of a committed checkpoint.
func (store *MemoryStore) CheckpointVersion(_ context.Context, scopeName string) (string, bool, error) {
	status, exists := store.checkpoints[scopeName]
	if !exists || status.State != CheckpointCommitted {
		return "", false, nil
	}
	return status.TargetVersion, true, nil
}

// Checkpoints lists every staged and committed checkpoint ordered by scope.
func (store *MemoryStore) Checkpoints(context.Context) ([]CheckpointStatus, error) {
	var statuses []CheckpointStatus
	for _, status := range store.checkpoints {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(left, right int) bool {
		return statuses[left].Scope < statuses[right].Scope
	})
	return statuses, nil
}

// StageCheckpoint replaces a scope's identity links and marks its checkpoint staged.
func (store *MemoryStore) StageCheckpoint(_ context.Context, checkpoint Checkpoint) error {
	store.forgetLinks(checkpoint.Scope)
	for _, link := range checkpoint.Links {
		qualified := IdentityLink{Old: link.Old.Qualified(checkpoint.Scope), New: link.New.Qualified(checkpoint.Scope)}
		key := scenegraphKey{scope: qualified.Old.Scope, node: string(qualified.Old.Node), record: string(qualified.Old.Record)}
		store.links[key] = scopedLink{checkpointScope: checkpoint.Scope, link: qualified}
	}
	store.checkpoints[checkpoint.Scope] = CheckpointStatus{Scope: checkpoint.Scope, TargetVersion: checkpoint.TargetVersion, State: CheckpointStaged}
	return nil
}

// CommitCheckpoint marks a staged checkpoint as saved, publishing its identity links.
func (store *MemoryStore) CommitCheckpoint(_ context.Context, scopeName string) error {
	status, exists := store.checkpoints[scopeName]
	if !exists {
		return nil
	}
	status.State = CheckpointCommitted
	store.checkpoints[scopeName] = status
	return nil
}

// ForgetCheckpoint drops a scope's checkpoint, identity links, and cleanup mark.
func (store *MemoryStore) ForgetCheckpoint(_ context.Context, scopeName string) error {
	store.forgetLinks(scopeName)
	delete(store.checkpoints, scopeName)
	delete(store.cleaned, scopeName)
	return nil
}

// IdentityLinks returns the identity links of committed checkpoints ordered by legacy reference.
func (store *MemoryStore) IdentityLinks(context.Context) ([]IdentityLink, error) {
	links := make([]IdentityLink, 0, len(store.links))
	for _, stored := range store.links {
		if store.checkpoints[stored.checkpointScope].State != CheckpointCommitted {
			continue
		}
		links = append(links, stored.link)
	}
	sort.Slice(links, func(left, right int) bool {
		return links[left].Old.String() < links[right].Old.String()
	})
	return links, nil
}

func (store *MemoryStore) forgetLinks(scopeName string) {
	for key, stored := range store.links {
		if stored.checkpointScope == scopeName {
			delete(store.links, key)
		}
	}
}

// AddPendingReference remembers a reference site to revisit.
func (store *MemoryStore) AddPendingReference(_ context.Context, pending PendingReference) error {
	store.pending[keyOf(pending)] = pending
	return nil
}

// PendingReferences lists reference sites still waiting for resolution.
func (store *MemoryStore) PendingReferences(context.Context) ([]PendingReference, error) {
	pendingReferences := make([]PendingReference, 0, len(store.pending))
	for _, pending := range store.pending {
		pendingReferences = append(pendingReferences, pending)
	}
	sort.Slice(pendingReferences, func(left, right int) bool {
		leftKey, rightKey := keyOf(pendingReferences[left]), keyOf(pendingReferences[right])
		if leftKey.scope != rightKey.scope {
			return leftKey.scope < rightKey.scope
		}
		if leftKey.kind != rightKey.kind {
			return leftKey.kind < rightKey.kind
		}
		if leftKey.owner != rightKey.owner {
			return leftKey.owner < rightKey.owner
		}
		return leftKey.name < rightKey.name
	})
	return pendingReferences, nil
}

// ResolvePendingReference forgets a reference site.
func (store *MemoryStore) ResolvePendingReference(_ context.Context, pending PendingReference) error {
	delete(store.pending, keyOf(pending))
	return nil
}

// IsCleaned reports whether a scope's obsolete records were removed.
func (store *MemoryStore) IsCleaned(_ context.Context, scopeName string) (bool, error) {
	_, cleaned := store.cleaned[scopeName]
	return cleaned, nil
}

// MarkCleaned records that a scope's obsolete records were removed.
func (store *MemoryStore) MarkCleaned(_ context.Context, scopeName string) error {
	store.cleaned[scopeName] = struct{}{}
	return nil
}

func keyOf(pending PendingReference) pendingKey {
	return pendingKey{scope: pending.SiteScope, kind: pending.Kind, owner: pending.Owner, name: pending.Name}
}
