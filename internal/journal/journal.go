package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	sqliteDriverNameConstant                = "sqlite"
	journalDirectoryPermissionsConstant     = 0o755
	journalPathRequiredMessageConstant      = "journal path must be provided"
	journalDirectoryErrorTemplateConstant   = "unable to create journal directory %s: %w"
	journalOpenErrorTemplateConstant        = "unable to open journal %s: %w"
	journalSchemaErrorTemplateConstant      = "unable to initialize journal schema: %w"
	journalQueryErrorTemplateConstant       = "journal query %s failed: %w"
	journalTransactionErrorTemplateConstant = "journal transaction for scope %s failed: %w"
	queryCheckpointLookupNameConstant       = "checkpoint lookup"
	queryCheckpointListNameConstant         = "checkpoint list"
	queryCheckpointCommitNameConstant       = "checkpoint commit"
	queryIdentityLinksNameConstant          = "identity links"
	queryPendingReferencesNameConstant      = "pending references"
	queryPendingInsertNameConstant          = "pending reference insert"
	queryPendingDeleteNameConstant          = "pending reference delete"
	queryCleanupLookupNameConstant          = "cleanup lookup"
	queryCleanupInsertNameConstant          = "cleanup insert"
	queryResetNameConstant                  = "reset"

	schemaStatementsConstant = `
CREATE TABLE IF NOT EXISTS checkpoints (
	scope TEXT PRIMARY KEY,
	target_version TEXT NOT NULL,
	state TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS identity_links (
	checkpoint_scope TEXT NOT NULL,
	old_scope TEXT NOT NULL,
	old_node TEXT NOT NULL,
	old_record TEXT NOT NULL,
	new_scope TEXT NOT NULL,
	new_node TEXT NOT NULL,
	new_record TEXT NOT NULL,
	PRIMARY KEY (old_scope, old_node, old_record)
);
CREATE TABLE IF NOT EXISTS pending_references (
	site_scope TEXT NOT NULL,
	site_kind TEXT NOT NULL,
	site_owner TEXT NOT NULL,
	site_name TEXT NOT NULL,
	target_scope TEXT NOT NULL,
	target_node TEXT NOT NULL,
	target_record TEXT NOT NULL,
	PRIMARY KEY (site_scope, site_kind, site_owner, site_name)
);
CREATE TABLE IF NOT EXISTS cleanups (
	scope TEXT PRIMARY KEY,
	completed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

	checkpointLookupStatementConstant = `SELECT target_version FROM checkpoints WHERE scope = ? AND state = 'committed'`
	checkpointListStatementConstant   = `SELECT scope, target_version, state FROM checkpoints ORDER BY scope`
	checkpointStageStatementConstant  = `INSERT INTO checkpoints (scope, target_version, state) VALUES (?, ?, 'staged')
ON CONFLICT(scope) DO UPDATE SET target_version = excluded.target_version, state = 'staged', completed_at = CURRENT_TIMESTAMP`
	checkpointCommitStatementConstant = `UPDATE checkpoints SET state = 'committed', completed_at = CURRENT_TIMESTAMP WHERE scope = ?`
	checkpointDeleteStatementConstant = `DELETE FROM checkpoints WHERE scope = ?`
	identityDeleteStatementConstant   = `DELETE FROM identity_links WHERE checkpoint_scope = ?`
	cleanupDeleteStatementConstant    = `DELETE FROM cleanups WHERE scope = ?`
	identityUpsertStatementConstant   = `INSERT INTO identity_links (checkpoint_scope, old_scope, old_node, old_record, new_scope, new_node, new_record)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(old_scope, old_node, old_record) DO UPDATE SET checkpoint_scope = excluded.checkpoint_scope, new_scope = excluded.new_scope, new_node = excluded.new_node, new_record = excluded.new_record`
	identitySelectStatementConstant = `SELECT links.old_scope, links.old_node, links.old_record, links.new_scope, links.new_node, links.new_record
FROM identity_links AS links JOIN checkpoints ON checkpoints.scope = links.checkpoint_scope
WHERE checkpoints.state = 'committed'
ORDER BY links.old_scope, links.old_node, links.old_record`
	pendingUpsertStatementConstant = `INSERT INTO pending_references (site_scope, site_kind, site_owner, site_name, target_scope, target_node, target_record)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(site_scope, site_kind, site_owner, site_name) DO UPDATE SET target_scope = excluded.target_scope, target_node = excluded.target_node, target_record = excluded.target_record`
	pendingSelectStatementConstant = `SELECT site_scope, site_kind, site_owner, site_name, target_scope, target_node, target_record FROM pending_references
ORDER BY site_scope, site_kind, site_owner, site_name`
	pendingDeleteStatementConstant = `DELETE FROM pending_references WHERE site_scope = ? AND site_kind = ? AND site_owner = ? AND site_name = ?`
	cleanupLookupStatementConstant = `SELECT COUNT(*) FROM cleanups WHERE scope = ?`
	cleanupInsertStatementConstant = `INSERT OR IGNORE INTO cleanups (scope) VALUES (?)`
	resetStatementConstant         = `DELETE FROM checkpoints; DELETE FROM identity_links; DELETE FROM pending_references; DELETE FROM cleanups;`
)

var errJournalPathRequired = errors.New(journalPathRequiredMessageConstant)

// IdentityLink maps a legacy object onto its converted replacement.
type IdentityLink struct {
	Old scenegraph.ObjectRef
	New scenegraph.ObjectRef
}

// SiteKind distinguishes the places a reference can be stored.
type SiteKind string

// Reference site kinds persisted for deferred resolution.
const (
	SiteKindSlot   SiteKind = SiteKind("slot")
	SiteKindRecord SiteKind = SiteKind("record")
)

// PendingReference is a cross-scope reference whose target was not yet converted.
type PendingReference struct {
	SiteScope string
	Kind      SiteKind
	// Owner is the holder identifier for slots, or "node|record" for record references.
	Owner  string
	Name   string
	Target scenegraph.ObjectRef
}

// CheckpointState tracks whether a checkpointed scope is known to be saved.
type CheckpointState string

// Checkpoint states. A staged checkpoint was written before its scope was saved; its
// identity links stay invisible until it is committed.
const (
	CheckpointStaged    CheckpointState = CheckpointState("staged")
	CheckpointCommitted CheckpointState = CheckpointState("committed")
)

// Checkpoint describes a scope whose conversion is being or was saved.
type Checkpoint struct {
	Scope         string
	TargetVersion string
	Links         []IdentityLink
}

// CheckpointStatus is the persisted state of one scope checkpoint.
type CheckpointStatus struct {
	Scope         string
	TargetVersion string
	State         CheckpointState
}

// Journal is a SQLite-backed record of upgrade progress.
type Journal struct {
	database *sql.DB
	path     string
}

// Open opens or creates the journal database at path.
func Open(executionContext context.Context, path string) (*Journal, error) {
	trimmedPath := strings.TrimSpace(path)
	if len(trimmedPath) == 0 {
		return nil, errJournalPathRequired
	}
	directory := filepath.Dir(trimmedPath)
	if mkdirError := os.MkdirAll(directory, journalDirectoryPermissionsConstant); mkdirError != nil {
		return nil, fmt.Errorf(journalDirectoryErrorTemplateConstant, directory, mkdirError)
	}

	database, openError := sql.Open(sqliteDriverNameConstant, trimmedPath)
	if openError != nil {
		return nil, fmt.Errorf(journalOpenErrorTemplateConstant, trimmedPath, openError)
	}
	database.SetMaxOpenConns(1)

	if _, schemaError := database.ExecContext(executionContext, schemaStatementsConstant); schemaError != nil {
		database.Close()
		return nil, fmt.Errorf(journalSchemaErrorTemplateConstant, schemaError)
	}
	return &Journal{database: database, path: trimmedPath}, nil
}

// Path returns the database location.
func (journal *Journal) Path() string {
	return journal.path
}

// Close releases the database handle.
func (journal *Journal) Close() error {
	return journal.database.Close()
}

// CheckpointVersion returns the target version of a committed checkpoint.
func (journal *Journal) CheckpointVersion(executionContext context.Context, scopeName string) (string, bool, error) {
	var targetVersion string
	queryError := journal.database.QueryRowContext(executionContext, checkpointLookupStatementConstant, scopeName).Scan(&targetVersion)
	if errors.Is(queryError, sql.ErrNoRows) {
		return "", false, nil
	}
	if queryError != nil {
		return "", false, fmt.Errorf(journalQueryErrorTemplateConstant, queryCheckpointLookupNameConstant, queryError)
	}
	return targetVersion, true, nil
}

// Checkpoints lists every staged and committed checkpoint ordered by scope.
func (journal *Journal) Checkpoints(executionContext context.Context) ([]CheckpointStatus, error) {
	rows, queryError := journal.database.QueryContext(executionContext, checkpointListStatementConstant)
	if queryError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryCheckpointListNameConstant, queryError)
	}
	defer rows.Close()

	var statuses []CheckpointStatus
	for rows.Next() {
		var status CheckpointStatus
		var state string
		if scanError := rows.Scan(&status.Scope, &status.TargetVersion, &state); scanError != nil {
			return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryCheckpointListNameConstant, scanError)
		}
		status.State = CheckpointState(state)
		statuses = append(statuses, status)
	}
	if rowsError := rows.Err(); rowsError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryCheckpointListNameConstant, rowsError)
	}
	return statuses, nil
}

// StageCheckpoint replaces a scope's identity links and marks its checkpoint staged, atomically.
func (journal *Journal) StageCheckpoint(executionContext context.Context, checkpoint Checkpoint) error {
	transaction, beginError := journal.database.BeginTx(executionContext, nil)
	if beginError != nil {
		return fmt.Errorf(journalTransactionErrorTemplateConstant, checkpoint.Scope, beginError)
	}

	if _, deleteError := transaction.ExecContext(executionContext, identityDeleteStatementConstant, checkpoint.Scope); deleteError != nil {
		transaction.Rollback()
		return fmt.Errorf(journalTransactionErrorTemplateConstant, checkpoint.Scope, deleteError)
	}
	for _, link := range checkpoint.Links {
		oldReference := link.Old.Qualified(checkpoint.Scope)
		newReference := link.New.Qualified(checkpoint.Scope)
		if _, linkError := transaction.ExecContext(
			executionContext,
			identityUpsertStatementConstant,
			checkpoint.Scope,
			oldReference.Scope, string(oldReference.Node), string(oldReference.Record),
			newReference.Scope, string(newReference.Node), string(newReference.Record),
		); linkError != nil {
			transaction.Rollback()
			return fmt.Errorf(journalTransactionErrorTemplateConstant, checkpoint.Scope, linkError)
		}
	}

	if _, checkpointError := transaction.ExecContext(executionContext, checkpointStageStatementConstant, checkpoint.Scope, checkpoint.TargetVersion); checkpointError != nil {
		transaction.Rollback()
		return fmt.Errorf(journalTransactionErrorTemplateConstant, checkpoint.Scope, checkpointError)
	}

	if commitError := transaction.Commit(); commitError != nil {
		return fmt.Errorf(journalTransactionErrorTemplateConstant, checkpoint.Scope, commitError)
	}
	return nil
}

// CommitCheckpoint marks a staged checkpoint as saved, publishing its identity links.
func (journal *Journal) CommitCheckpoint(executionContext context.Context, scopeName string) error {
	if _, updateError := journal.database.ExecContext(executionContext, checkpointCommitStatementConstant, scopeName); updateError != nil {
		return fmt.Errorf(journalQueryErrorTemplateConstant, queryCheckpointCommitNameConstant, updateError)
	}
	return nil
}

// ForgetCheckpoint drops a scope's checkpoint, identity links, and cleanup mark.
func (journal *Journal) ForgetCheckpoint(executionContext context.Context, scopeName string) error {
	transaction, beginError := journal.database.BeginTx(executionContext, nil)
	if beginError != nil {
		return fmt.Errorf(journalTransactionErrorTemplateConstant, scopeName, beginError)
	}
	for _, statement := range []string{identityDeleteStatementConstant, checkpointDeleteStatementConstant, cleanupDeleteStatementConstant} {
		if _, deleteError := transaction.ExecContext(executionContext, statement, scopeName); deleteError != nil {
			transaction.Rollback()
			return fmt.Errorf(journalTransactionErrorTemplateConstant, scopeName, deleteError)
		}
	}
	if commitError := transaction.Commit(); commitError != nil {
		return fmt.Errorf(journalTransactionErrorTemplateConstant, scopeName, commitError)
	}
	return nil
}

// IdentityLinks returns the identity links of committed checkpoints.
func (journal *Journal) IdentityLinks(executionContext context.Context) ([]IdentityLink, error) {
	rows, queryError := journal.database.QueryContext(executionContext, identitySelectStatementConstant)
	if queryError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryIdentityLinksNameConstant, queryError)
	}
	defer rows.Close()

	var links []IdentityLink
	for rows.Next() {
		var oldScope, oldNode, oldRecord, newScope, newNode, newRecord string
		if scanError := rows.Scan(&oldScope, &oldNode, &oldRecord, &newScope, &newNode, &newRecord); scanError != nil {
			return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryIdentityLinksNameConstant, scanError)
		}
		links = append(links, IdentityLink{
			Old: scenegraph.ObjectRef{Scope: oldScope, Node: scenegraph.NodeID(oldNode), Record: scenegraph.RecordID(oldRecord)},
			New: scenegraph.ObjectRef{Scope: newScope, Node: scenegraph.NodeID(newNode), Record: scenegraph.RecordID(newRecord)},
		})
	}
	if rowsError := rows.Err(); rowsError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryIdentityLinksNameConstant, rowsError)
	}
	return links, nil
}

// AddPendingReference remembers a reference site to revisit in the deferred pass.
func (journal *Journal) AddPendingReference(executionContext context.Context, pending PendingReference) error {
	target := pending.Target
	if _, insertError := journal.database.ExecContext(
		executionContext,
		pendingUpsertStatementConstant,
		pending.SiteScope, string(pending.Kind), pending.Owner, pending.Name,
		target.Scope, string(target.Node), string(target.Record),
	); insertError != nil {
		return fmt.Errorf(journalQueryErrorTemplateConstant, queryPendingInsertNameConstant, insertError)
	}
	return nil
}

// PendingReferences lists the reference sites still waiting for resolution.
func (journal *Journal) PendingReferences(executionContext context.Context) ([]PendingReference, error) {
	rows, queryError := journal.database.QueryContext(executionContext, pendingSelectStatementConstant)
	if queryError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryPendingReferencesNameConstant, queryError)
	}
	defer rows.Close()

	var pendingReferences []PendingReference
	for rows.Next() {
		var siteScope, siteKind, owner, name, targetScope, targetNode, targetRecord string
		if scanError := rows.Scan(&siteScope, &siteKind, &owner, &name, &targetScope, &targetNode, &targetRecord); scanError != nil {
			return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryPendingReferencesNameConstant, scanError)
		}
		pendingReferences = append(pendingReferences, PendingReference{
			SiteScope: siteScope,
			Kind:      SiteKind(siteKind),
			Owner:     owner,
			Name:      name,
			Target:    scenegraph.ObjectRef{Scope: targetScope, Node: scenegraph.NodeID(targetNode), Record: scenegraph.RecordID(targetRecord)},
		})
	}
	if rowsError := rows.Err(); rowsError != nil {
		return nil, fmt.Errorf(journalQueryErrorTemplateConstant, queryPendingReferencesNameConstant, rowsError)
	}
	return pendingReferences, nil
}

// ResolvePendingReference forgets a reference site once it has been rewritten or abandoned.
func (journal *Journal) ResolvePendingReference(executionContext context.Context, pending PendingReference) error {
	if _, deleteError := journal.database.ExecContext(
		executionContext,
		pendingDeleteStatementConstant,
		pending.SiteScope, string(pending.Kind), pending.Owner, pending.Name,
	); deleteError != nil {
		return fmt.Errorf(journalQueryErrorTemplateConstant, queryPendingDeleteNameConstant, deleteError)
	}
	return nil
}

// IsCleaned reports whether obsolete records were already removed from a scope.
func (journal *Journal) IsCleaned(executionContext context.Context, scopeName string) (bool, error) {
	var count int
	if queryError := journal.database.QueryRowContext(executionContext, cleanupLookupStatementConstant, scopeName).Scan(&count); queryError != nil {
		return false, fmt.Errorf(journalQueryErrorTemplateConstant, queryCleanupLookupNameConstant, queryError)
	}
	return count > 0, nil
}

// MarkCleaned records that obsolete records were removed from a scope.
func (journal *Journal) MarkCleaned(executionContext context.Context, scopeName string) error {
	if _, insertError := journal.database.ExecContext(executionContext, cleanupInsertStatementConstant, scopeName); insertError != nil {
		return fmt.Errorf(journalQueryErrorTemplateConstant, queryCleanupInsertNameConstant, insertError)
	}
	return nil
}

// Reset clears every recorded checkpoint, link, pending reference and cleanup.
func (journal *Journal) Reset(executionContext context.Context) error {
	if _, resetError := journal.database.ExecContext(executionContext, resetStatementConstant); resetError != nil {
		return fmt.Errorf(journalQueryErrorTemplateConstant, queryResetNameConstant, resetError)
	}
	return nil
}
