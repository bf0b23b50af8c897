package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/report"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	scopeNameFieldNameConstant            = "scope"
	nodeIdentifierFieldNameConstant       = "node"
	requiredValueMessageConstant          = "must be provided"
	hostMissingMessageConstant            = "scene graph host not configured"
	tableMissingMessageConstant           = "mapping table not configured"
	backupNotConfirmedMessageConstant     = "project backup must be confirmed before upgrading all scopes"
	openScopeErrorTemplateConstant        = "unable to open scope %s: %w"
	saveScopeErrorTemplateConstant        = "unable to save scope %s: %w"
	listScopesErrorTemplateConstant       = "unable to list scopes: %w"
	schemaVersionErrorTemplateConstant    = "scope %s: %w"
	journalErrorTemplateConstant          = "journal update for scope %s failed: %w"
	journalReadErrorTemplateConstant      = "unable to read journal: %w"
	undoGroupErrorTemplateConstant        = "unable to group changes to scope %s: %w"
	deferredSiteErrorTemplateConstant     = "deferred rewrite of %s in scope %s failed: %w"
	undoLabelNodeTemplateConstant         = "Upgrade %s to Cinemachine 3"
	undoLabelScopeTemplateConstant        = "Upgrade scope %s to Cinemachine 3"
	conversionFailureEntryKindConstant    = "conversion-failure"
	tracerNameConstant                    = "github.com/temirov/cmupgrade/internal/upgrade"
	spanMigrateNodeConstant               = "upgrade.migrate_node"
	spanMigrateScopeConstant              = "upgrade.migrate_scope"
	spanMigrateAllConstant                = "upgrade.migrate_all"
	spanCleanupConstant                   = "upgrade.cleanup"
	spanScanConstant                      = "upgrade.scan"
	spanAttributeScopeConstant            = "cmupgrade.scope"
	spanAttributeNodeConstant             = "cmupgrade.node"
	logMessageScopeSkippedConstant        = "Scope already migrated"
	logMessageScopeMigratedConstant       = "Scope migrated"
	logMessageScopeFailedConstant         = "Scope migration failed"
	logMessageDeferredResolvedConstant    = "Deferred reference resolved"
	logMessageDeferredUnresolvedConstant  = "Deferred reference unresolved"
	logMessageDeferredAwaitingConstant    = "Deferred reference awaits target migration"
	logMessageCheckpointCommittedConstant = "Staged checkpoint committed"
	logMessageCheckpointForgottenConstant = "Checkpoint forgotten for legacy scope"
	logFieldCheckpointStateConstant       = "checkpoint_state"
	logMessageCleanupCompletedConstant    = "Obsolete records removed"
	logMessageBackupGateBlockedConstant   = "Project upgrade blocked by safety gate"
	logFieldScopeConstant                 = "scope"
	logFieldNodeConstant                  = "node"
	logFieldRecordTypeConstant            = "record_type"
	logFieldPhaseConstant                 = "phase"
	logFieldDiagnosticKindConstant        = "diagnostic_kind"
	logFieldSchemaVersionConstant         = "schema_version"
	logFieldNodesConvertedConstant        = "nodes_converted"
	logFieldBackupsCreatedConstant        = "backups_created"
	logFieldReferencesUpdatedConstant     = "references_updated"
	logFieldRecordsRemovedConstant        = "records_removed"
	logFieldBlockingReasonsConstant       = "blocking_reasons"
	blockingReasonSeparatorConstant       = "; "
)

var (
	// ErrBackupNotConfirmed reports a project-wide upgrade requested without a confirmed backup.
	ErrBackupNotConfirmed = errors.New(backupNotConfirmedMessageConstant)

	errHostMissing  = errors.New(hostMissingMessageConstant)
	errTableMissing = errors.New(tableMissingMessageConstant)
)

// InvalidInputError describes upgrade option validation failures.
type InvalidInputError struct {
	FieldName string
	Message   string
}

// Error describes the invalid input.
func (inputError InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s", inputError.FieldName, inputError.Message)
}

// ProgressJournal persists checkpoints, identity links, and deferred references between runs.
// Identity links of a staged checkpoint are not returned until the checkpoint is committed.
type ProgressJournal interface {
	Checkpoints(executionContext context.Context) ([]journal.CheckpointStatus, error)
	StageCheckpoint(executionContext context.Context, checkpoint journal.Checkpoint) error
	CommitCheckpoint(executionContext context.Context, scopeName string) error
	ForgetCheckpoint(executionContext context.Context, scopeName string) error
	IdentityLinks(executionContext context.Context) ([]journal.IdentityLink, error)
	AddPendingReference(executionContext context.Context, pending journal.PendingReference) error
	PendingReferences(executionContext context.Context) ([]journal.PendingReference, error)
	ResolvePendingReference(executionContext context.Context, pending journal.PendingReference) error
	IsCleaned(executionContext context.Context, scopeName string) (bool, error)
	MarkCleaned(executionContext context.Context, scopeName string) error
}

// ServiceDependencies describes required collaborators for upgrades.
type ServiceDependencies struct {
	Logger  *zap.Logger
	Host    scenegraph.Host
	Table   *mapping.Table
	Journal ProgressJournal
}

// Options configures a project-wide upgrade.
type Options struct {
	BackupConfirmed bool
}

// ScopeCandidate is a scan candidate qualified with its scope.
type ScopeCandidate struct {
	Scope string
	Candidate
}

// Result captures the observable outcome of an upgrade operation.
type Result struct {
	// Succeeded is true when nothing failed and nothing was reported.
	Succeeded   bool
	Diagnostics []Diagnostic
	Failures    []error
	Candidates  []ScopeCandidate
	Summary     report.Summary
	// Scope is the working copy of a single-scope operation; Scope.Undo reverts it.
	Scope *scenegraph.Scope
}

func (result *Result) absorb(outcome scopeOutcome) {
	result.Diagnostics = append(result.Diagnostics, outcome.Diagnostics...)
	result.Failures = append(result.Failures, outcome.Failures...)
	result.Summary.NodesConverted += outcome.NodesConverted
	result.Summary.BackupsCreated += outcome.BackupsCreated
	result.Summary.ReferencesUpdated += outcome.ReferencesUpdated
}

func (result *Result) settle() {
	result.Succeeded = len(result.Failures) == 0 && len(result.Diagnostics) == 0
}

// Document converts the result into a renderable report.
func (result Result) Document() report.Document {
	document := report.Document{
		Succeeded:   result.Succeeded,
		Summary:     result.Summary,
		Diagnostics: reportEntries(result.Diagnostics),
	}
	for _, failure := range result.Failures {
		document.Diagnostics = append(document.Diagnostics, report.Entry{
			Kind:    conversionFailureEntryKindConstant,
			Message: failure.Error(),
		})
	}
	for _, candidate := range result.Candidates {
		document.Candidates = append(document.Candidates, report.Candidate{
			Scope:      candidate.Scope,
			Node:       string(candidate.Node),
			Name:       candidate.Name,
			Referenced: candidate.Referenced,
		})
	}
	return document
}

// Service upgrades scenes and prefabs from the legacy camera schema.
type Service struct {
	logger          *zap.Logger
	host            scenegraph.Host
	table           *mapping.Table
	journal         ProgressJournal
	coordinator     *coordinator
	safetyEvaluator SafetyEvaluator
	tracer          trace.Tracer
}

// NewService constructs a Service with the provided dependencies.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Host == nil {
		return nil, errHostMissing
	}
	if dependencies.Table == nil {
		return nil, errTableMissing
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	progressJournal := dependencies.Journal
	if progressJournal == nil {
		progressJournal = journal.NewMemoryStore()
	}

	return &Service{
		logger:          logger,
		host:            dependencies.Host,
		table:           dependencies.Table,
		journal:         progressJournal,
		coordinator:     newCoordinator(dependencies.Table, logger),
		safetyEvaluator: SafetyEvaluator{},
		tracer:          otel.Tracer(tracerNameConstant),
	}, nil
}

// MigrateNode converts one node inside its scope and saves the scope. The scope's schema
// version and checkpoint are left alone because the rest of the scope may still be legacy.
func (service *Service) MigrateNode(executionContext context.Context, scopeName string, nodeID scenegraph.NodeID) (Result, error) {
	scopeName = strings.TrimSpace(scopeName)
	if len(scopeName) == 0 {
		return Result{}, InvalidInputError{FieldName: scopeNameFieldNameConstant, Message: requiredValueMessageConstant}
	}
	if len(strings.TrimSpace(string(nodeID))) == 0 {
		return Result{}, InvalidInputError{FieldName: nodeIdentifierFieldNameConstant, Message: requiredValueMessageConstant}
	}

	spanContext, span := service.tracer.Start(executionContext, spanMigrateNodeConstant, trace.WithAttributes(
		attribute.String(spanAttributeScopeConstant, scopeName),
		attribute.String(spanAttributeNodeConstant, string(nodeID)),
	))
	defer span.End()

	scope, openError := service.openScope(spanContext, scopeName)
	if openError != nil {
		return Result{}, failSpan(span, openError)
	}
	defer service.closeScope(spanContext, scopeName)

	if _, nodeError := scope.RequireNode(nodeID); nodeError != nil {
		return Result{}, failSpan(span, nodeError)
	}

	registry, registryError := service.loadRegistry(spanContext)
	if registryError != nil {
		return Result{}, failSpan(span, registryError)
	}

	result := Result{Scope: scope}
	label := fmt.Sprintf(undoLabelNodeTemplateConstant, nodeID)
	outcome, processError := service.processGrouped(spanContext, scope, label, registry, map[scenegraph.NodeID]struct{}{nodeID: {}})
	if processError != nil {
		return result, failSpan(span, processError)
	}
	result.absorb(outcome)
	result.Summary.ScopesProcessed = 1

	if pendingError := service.recordPending(spanContext, scope.Name, outcome.Pending); pendingError != nil {
		return result, failSpan(span, pendingError)
	}
	if saveError := service.saveScope(spanContext, scope); saveError != nil {
		return result, failSpan(span, saveError)
	}

	result.settle()
	return result, nil
}

// MigrateScope converts every candidate in one scope, saves it, and checkpoints it.
func (service *Service) MigrateScope(executionContext context.Context, scopeName string) (Result, error) {
	scopeName = strings.TrimSpace(scopeName)
	if len(scopeName) == 0 {
		return Result{}, InvalidInputError{FieldName: scopeNameFieldNameConstant, Message: requiredValueMessageConstant}
	}

	registry, registryError := service.loadRegistry(executionContext)
	if registryError != nil {
		return Result{}, registryError
	}

	var result Result
	scope, migrateError := service.migrateScope(executionContext, scopeName, registry, &result)
	result.Scope = scope
	if migrateError != nil {
		return result, migrateError
	}
	result.settle()
	return result, nil
}

// MigrateAll converts every scope, prefabs first, then resolves deferred references and
// removes obsolete records. It cannot be undone and requires a confirmed backup.
func (service *Service) MigrateAll(executionContext context.Context, options Options) (Result, error) {
	status := service.safetyEvaluator.Evaluate(SafetyInputs{BackupConfirmed: options.BackupConfirmed})
	if !status.SafeToProceed {
		service.logger.Warn(logMessageBackupGateBlockedConstant, zap.Strings(logFieldBlockingReasonsConstant, status.BlockingReasons))
		return Result{}, fmt.Errorf("%w: %s", ErrBackupNotConfirmed, strings.Join(status.BlockingReasons, blockingReasonSeparatorConstant))
	}

	spanContext, span := service.tracer.Start(executionContext, spanMigrateAllConstant)
	defer span.End()

	descriptors, listError := service.host.ListScopes(spanContext)
	if listError != nil {
		return Result{}, failSpan(span, fmt.Errorf(listScopesErrorTemplateConstant, listError))
	}
	sortScopeDescriptors(descriptors)

	registry, registryError := service.loadRegistry(spanContext)
	if registryError != nil {
		return Result{}, failSpan(span, registryError)
	}

	var result Result
	for _, descriptor := range descriptors {
		if contextError := spanContext.Err(); contextError != nil {
			return result, failSpan(span, contextError)
		}
		if _, migrateError := service.migrateScope(spanContext, descriptor.Name, registry, &result); migrateError != nil {
			return result, failSpan(span, migrateError)
		}
	}

	if cleanupError := service.cleanup(spanContext, descriptors, registry, &result); cleanupError != nil {
		return result, failSpan(span, cleanupError)
	}

	result.settle()
	return result, nil
}

// Scan lists every candidate and predicted unmappable node without modifying any scope.
func (service *Service) Scan(executionContext context.Context) (Result, error) {
	spanContext, span := service.tracer.Start(executionContext, spanScanConstant)
	defer span.End()

	descriptors, listError := service.host.ListScopes(spanContext)
	if listError != nil {
		return Result{}, failSpan(span, fmt.Errorf(listScopesErrorTemplateConstant, listError))
	}
	sortScopeDescriptors(descriptors)

	var result Result
	for _, descriptor := range descriptors {
		if contextError := spanContext.Err(); contextError != nil {
			return result, failSpan(span, contextError)
		}
		scope, openError := service.openScope(spanContext, descriptor.Name)
		if openError != nil {
			return result, failSpan(span, openError)
		}
		candidates, diagnostics := service.coordinator.scanner.Scan(scope)
		service.closeScope(spanContext, descriptor.Name)

		result.Summary.ScopesProcessed++
		for _, candidate := range candidates {
			result.Candidates = append(result.Candidates, ScopeCandidate{Scope: descriptor.Name, Candidate: candidate})
		}
		result.Diagnostics = append(result.Diagnostics, diagnostics...)
	}

	result.settle()
	return result, nil
}

// migrateScope runs one scope transaction and folds it into result. Pending references and a
// staged checkpoint are journaled before the save; the checkpoint is committed after it. A
// scope with failed candidates is saved without a version bump or checkpoint so a rerun
// retries it.
func (service *Service) migrateScope(
	executionContext context.Context,
	scopeName string,
	registry *Registry,
	result *Result,
) (*scenegraph.Scope, error) {
	spanContext, span := service.tracer.Start(executionContext, spanMigrateScopeConstant, trace.WithAttributes(
		attribute.String(spanAttributeScopeConstant, scopeName),
	))
	defer span.End()

	scope, openError := service.openScope(spanContext, scopeName)
	if openError != nil {
		return nil, failSpan(span, openError)
	}
	defer service.closeScope(spanContext, scopeName)

	migrated, skipError := service.alreadyMigrated(scope)
	if skipError != nil {
		return scope, failSpan(span, skipError)
	}
	if migrated {
		result.Summary.ScopesSkipped++
		service.logger.Info(
			logMessageScopeSkippedConstant,
			zap.String(logFieldScopeConstant, scope.Name),
			zap.String(logFieldSchemaVersionConstant, scope.SchemaVersion),
		)
		return scope, nil
	}

	label := fmt.Sprintf(undoLabelScopeTemplateConstant, scope.Name)
	outcome, processError := service.processGrouped(spanContext, scope, label, registry, nil)
	if processError != nil {
		service.logger.Error(logMessageScopeFailedConstant, zap.String(logFieldScopeConstant, scope.Name), zap.Error(processError))
		return scope, failSpan(span, processError)
	}
	result.absorb(outcome)
	result.Summary.ScopesProcessed++

	if pendingError := service.recordPending(spanContext, scope.Name, outcome.Pending); pendingError != nil {
		return scope, failSpan(span, pendingError)
	}

	completed := len(outcome.Failures) == 0
	if completed {
		scope.SchemaVersion = service.table.TargetVersionString()
		checkpoint := journal.Checkpoint{
			Scope:         scope.Name,
			TargetVersion: service.table.TargetVersionString(),
			Links:         outcome.IdentityLinks,
		}
		if stageError := service.journal.StageCheckpoint(spanContext, checkpoint); stageError != nil {
			return scope, failSpan(span, fmt.Errorf(journalErrorTemplateConstant, scope.Name, stageError))
		}
	}
	if saveError := service.saveScope(spanContext, scope); saveError != nil {
		return scope, failSpan(span, saveError)
	}
	if completed {
		if commitError := service.journal.CommitCheckpoint(spanContext, scope.Name); commitError != nil {
			return scope, failSpan(span, fmt.Errorf(journalErrorTemplateConstant, scope.Name, commitError))
		}
	}

	service.logger.Info(
		logMessageScopeMigratedConstant,
		zap.String(logFieldScopeConstant, scope.Name),
		zap.Int(logFieldNodesConvertedConstant, outcome.NodesConverted),
		zap.Int(logFieldBackupsCreatedConstant, outcome.BackupsCreated),
		zap.Int(logFieldReferencesUpdatedConstant, outcome.ReferencesUpdated),
	)
	return scope, nil
}

func (service *Service) processGrouped(
	executionContext context.Context,
	scope *scenegraph.Scope,
	label string,
	registry *Registry,
	selection map[scenegraph.NodeID]struct{},
) (scopeOutcome, error) {
	if beginError := scope.BeginUndoGroup(label); beginError != nil {
		return scopeOutcome{}, fmt.Errorf(undoGroupErrorTemplateConstant, scope.Name, beginError)
	}
	outcome, processError := service.coordinator.process(executionContext, scope, registry, selection)
	if endError := scope.EndUndoGroup(); endError != nil && processError == nil {
		processError = fmt.Errorf(undoGroupErrorTemplateConstant, scope.Name, endError)
	}
	return outcome, processError
}

// alreadyMigrated skips scopes whose saved schema version no longer needs migration. The
// journal is reconciled against the same version before any scope is visited.
func (service *Service) alreadyMigrated(scope *scenegraph.Scope) (bool, error) {
	needsMigration, versionError := service.table.NeedsMigration(scope.SchemaVersion)
	if versionError != nil {
		return false, fmt.Errorf(schemaVersionErrorTemplateConstant, scope.Name, versionError)
	}
	return !needsMigration, nil
}

// reconcileJournal settles every checkpoint against its saved document. A staged checkpoint
// whose scope was saved at the target version is committed. Any checkpoint whose scope is
// legacy again, after an interrupted save or an undo, is forgotten with its identity links.
func (service *Service) reconcileJournal(executionContext context.Context) error {
	statuses, statusError := service.journal.Checkpoints(executionContext)
	if statusError != nil {
		return fmt.Errorf(journalReadErrorTemplateConstant, statusError)
	}
	for _, status := range statuses {
		scope, openError := service.host.OpenScope(executionContext, status.Scope)
		if errors.Is(openError, scenegraph.ErrScopeNotFound) {
			continue
		}
		if openError != nil {
			return fmt.Errorf(openScopeErrorTemplateConstant, status.Scope, openError)
		}
		current, versionError := service.table.IsCurrent(scope.SchemaVersion)
		service.closeScope(executionContext, status.Scope)
		if versionError != nil {
			return fmt.Errorf(schemaVersionErrorTemplateConstant, status.Scope, versionError)
		}

		switch {
		case !current:
			if forgetError := service.journal.ForgetCheckpoint(executionContext, status.Scope); forgetError != nil {
				return fmt.Errorf(journalErrorTemplateConstant, status.Scope, forgetError)
			}
			service.logger.Info(
				logMessageCheckpointForgottenConstant,
				zap.String(logFieldScopeConstant, status.Scope),
				zap.String(logFieldCheckpointStateConstant, string(status.State)),
				zap.String(logFieldSchemaVersionConstant, scope.SchemaVersion),
			)
		case status.State == journal.CheckpointStaged:
			if commitError := service.journal.CommitCheckpoint(executionContext, status.Scope); commitError != nil {
				return fmt.Errorf(journalErrorTemplateConstant, status.Scope, commitError)
			}
			service.logger.Info(logMessageCheckpointCommittedConstant, zap.String(logFieldScopeConstant, status.Scope))
		}
	}
	return nil
}

// cleanup runs the deferred reference pass and then removes obsolete records scope by scope.
func (service *Service) cleanup(
	executionContext context.Context,
	descriptors []scenegraph.ScopeDescriptor,
	registry *Registry,
	result *Result,
) error {
	spanContext, span := service.tracer.Start(executionContext, spanCleanupConstant)
	defer span.End()

	if deferredError := service.resolveDeferred(spanContext, registry, result); deferredError != nil {
		return failSpan(span, deferredError)
	}

	for _, descriptor := range descriptors {
		if contextError := spanContext.Err(); contextError != nil {
			return failSpan(span, contextError)
		}
		cleaned, cleanedError := service.journal.IsCleaned(spanContext, descriptor.Name)
		if cleanedError != nil {
			return failSpan(span, fmt.Errorf(journalErrorTemplateConstant, descriptor.Name, cleanedError))
		}
		if cleaned {
			continue
		}

		scope, openError := service.openScope(spanContext, descriptor.Name)
		if openError != nil {
			return failSpan(span, openError)
		}
		removed, removeError := service.coordinator.removeObsolete(scope)
		if removeError != nil {
			service.closeScope(spanContext, descriptor.Name)
			return failSpan(span, removeError)
		}
		if removed > 0 {
			if saveError := service.saveScope(spanContext, scope); saveError != nil {
				service.closeScope(spanContext, descriptor.Name)
				return failSpan(span, saveError)
			}
		}
		service.closeScope(spanContext, descriptor.Name)
		result.Summary.RecordsRemoved += removed

		current, _ := service.table.NeedsMigration(scope.SchemaVersion)
		if !current {
			if markError := service.journal.MarkCleaned(spanContext, descriptor.Name); markError != nil {
				return failSpan(span, fmt.Errorf(journalErrorTemplateConstant, descriptor.Name, markError))
			}
		}
	}

	service.logger.Info(logMessageCleanupCompletedConstant, zap.Int(logFieldRecordsRemovedConstant, result.Summary.RecordsRemoved))
	return nil
}

// resolveDeferred rewrites pending cross-scope references through the complete registry.
// A pending reference whose target is live in a migrated scope is dropped. One whose target
// scope has not been migrated yet stays pending silently. Anything else is reported as
// unresolvable and kept in the journal.
func (service *Service) resolveDeferred(executionContext context.Context, registry *Registry, result *Result) error {
	pendingReferences, pendingError := service.journal.PendingReferences(executionContext)
	if pendingError != nil {
		return fmt.Errorf(journalReadErrorTemplateConstant, pendingError)
	}

	bySiteScope := map[string][]journal.PendingReference{}
	for _, pending := range pendingReferences {
		bySiteScope[pending.SiteScope] = append(bySiteScope[pending.SiteScope], pending)
	}

	resolver := newTargetResolver(service)
	defer resolver.close(executionContext)

	for _, siteScopeName := range sortedKeys(bySiteScope) {
		scope, openError := service.openScope(executionContext, siteScopeName)
		if errors.Is(openError, scenegraph.ErrScopeNotFound) {
			continue
		}
		if openError != nil {
			return openError
		}

		rewritten := false
		for _, pending := range bySiteScope[siteScopeName] {
			site := siteFromPending(pending)
			stored, present := siteTarget(scope, site)
			if !present || stored != pending.Target {
				if resolveError := service.journal.ResolvePendingReference(executionContext, pending); resolveError != nil {
					service.closeScope(executionContext, siteScopeName)
					return fmt.Errorf(journalErrorTemplateConstant, siteScopeName, resolveError)
				}
				continue
			}

			if replacement, known := registry.Lookup(pending.Target); known {
				if applyError := applySite(scope, site, replacement); applyError != nil {
					service.closeScope(executionContext, siteScopeName)
					return fmt.Errorf(deferredSiteErrorTemplateConstant, site.Describe(), siteScopeName, applyError)
				}
				rewritten = true
				result.Summary.ReferencesUpdated++
				if resolveError := service.journal.ResolvePendingReference(executionContext, pending); resolveError != nil {
					service.closeScope(executionContext, siteScopeName)
					return fmt.Errorf(journalErrorTemplateConstant, siteScopeName, resolveError)
				}
				service.logger.Debug(
					logMessageDeferredResolvedConstant,
					zap.String(logFieldScopeConstant, siteScopeName),
					zap.String(logFieldSiteConstant, site.Describe()),
					zap.String(logFieldToConstant, replacement.String()),
				)
				continue
			}

			state, classifyError := resolver.classify(executionContext, pending.Target)
			if classifyError != nil {
				service.closeScope(executionContext, siteScopeName)
				return classifyError
			}
			switch state {
			case targetLive:
				if dropError := service.journal.ResolvePendingReference(executionContext, pending); dropError != nil {
					service.closeScope(executionContext, siteScopeName)
					return fmt.Errorf(journalErrorTemplateConstant, siteScopeName, dropError)
				}
				continue
			case targetAwaiting:
				service.logger.Info(
					logMessageDeferredAwaitingConstant,
					zap.String(logFieldScopeConstant, siteScopeName),
					zap.String(logFieldSiteConstant, site.Describe()),
					zap.String(logFieldFromConstant, pending.Target.String()),
				)
				continue
			}

			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Kind:    DiagnosticUnresolvableReference,
				Scope:   siteScopeName,
				Node:    site.Node,
				Target:  site.Describe(),
				Message: fmt.Sprintf(unresolvableMessageTemplateConstant, pending.Target.String(), site.Describe()),
			})
			service.logger.Warn(
				logMessageDeferredUnresolvedConstant,
				zap.String(logFieldScopeConstant, siteScopeName),
				zap.String(logFieldSiteConstant, site.Describe()),
				zap.String(logFieldFromConstant, pending.Target.String()),
			)
		}

		if rewritten {
			if saveError := service.saveScope(executionContext, scope); saveError != nil {
				service.closeScope(executionContext, siteScopeName)
				return saveError
			}
		}
		service.closeScope(executionContext, siteScopeName)
	}
	return nil
}

func (service *Service) loadRegistry(executionContext context.Context) (*Registry, error) {
	if reconcileError := service.reconcileJournal(executionContext); reconcileError != nil {
		return nil, reconcileError
	}
	links, linksError := service.journal.IdentityLinks(executionContext)
	if linksError != nil {
		return nil, fmt.Errorf(journalReadErrorTemplateConstant, linksError)
	}
	return NewRegistry(links...), nil
}

func (service *Service) recordPending(executionContext context.Context, scopeName string, pendingReferences []journal.PendingReference) error {
	for _, pending := range pendingReferences {
		if addError := service.journal.AddPendingReference(executionContext, pending); addError != nil {
			return fmt.Errorf(journalErrorTemplateConstant, scopeName, addError)
		}
	}
	return nil
}

func (service *Service) openScope(executionContext context.Context, scopeName string) (*scenegraph.Scope, error) {
	scope, openError := service.host.OpenScope(executionContext, scopeName)
	if openError != nil {
		return nil, fmt.Errorf(openScopeErrorTemplateConstant, scopeName, openError)
	}
	return scope, nil
}

func (service *Service) saveScope(executionContext context.Context, scope *scenegraph.Scope) error {
	if saveError := service.host.SaveScope(executionContext, scope); saveError != nil {
		return fmt.Errorf(saveScopeErrorTemplateConstant, scope.Name, saveError)
	}
	return nil
}

func (service *Service) closeScope(executionContext context.Context, scopeName string) {
	_ = service.host.CloseScope(executionContext, scopeName)
}

// targetState classifies the target of a pending reference.
type targetState int

const (
	targetMissing targetState = iota
	targetLive
	targetAwaiting
)

// targetResolver opens target scopes on demand while checking deferred references.
type targetResolver struct {
	service *Service
	scopes  map[string]*scenegraph.Scope
}

func newTargetResolver(service *Service) *targetResolver {
	return &targetResolver{service: service, scopes: map[string]*scenegraph.Scope{}}
}

// classify reports a target as awaiting while its scope still needs migration and the target
// is a node or an enabled legacy record there.
func (resolver *targetResolver) classify(executionContext context.Context, target scenegraph.ObjectRef) (targetState, error) {
	scope, cached := resolver.scopes[target.Scope]
	if !cached {
		opened, openError := resolver.service.host.OpenScope(executionContext, target.Scope)
		if errors.Is(openError, scenegraph.ErrScopeNotFound) {
			resolver.scopes[target.Scope] = nil
			return targetMissing, nil
		}
		if openError != nil {
			return targetMissing, fmt.Errorf(openScopeErrorTemplateConstant, target.Scope, openError)
		}
		resolver.scopes[target.Scope] = opened
		scope = opened
	}
	if scope == nil {
		return targetMissing, nil
	}
	_, record, found := scope.ResolveReference(target)
	if !found {
		return targetMissing, nil
	}
	if len(target.Record) > 0 && !record.Enabled() {
		return targetMissing, nil
	}

	needsMigration, versionError := resolver.service.table.NeedsMigration(scope.SchemaVersion)
	if versionError != nil {
		return targetMissing, fmt.Errorf(schemaVersionErrorTemplateConstant, target.Scope, versionError)
	}
	if needsMigration && (len(target.Record) == 0 || resolver.service.table.IsLegacyType(record.Type)) {
		return targetAwaiting, nil
	}
	return targetLive, nil
}

func (resolver *targetResolver) close(executionContext context.Context) {
	for scopeName, scope := range resolver.scopes {
		if scope != nil {
			resolver.service.closeScope(executionContext, scopeName)
		}
	}
}

func failSpan(span trace.Span, failure error) error {
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Error())
	return failure
}

func sortScopeDescriptors(descriptors []scenegraph.ScopeDescriptor) {
	sort.SliceStable(descriptors, func(left, right int) bool {
		if descriptors[left].Kind != descriptors[right].Kind {
			return descriptors[left].Kind == scenegraph.ScopeKindPrefab
		}
		return descriptors[left].Name < descriptors[right].Name
	})
}
