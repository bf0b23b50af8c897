package upgrade

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// Phase names the ordered steps of one scope transaction.
type Phase string

// Scope transaction phases in execution order.
const (
	PhasePrepare             Phase = Phase("prepare")
	PhaseConvertReferencable Phase = Phase("convert-referencable")
	PhaseConvertRemaining    Phase = Phase("convert-remaining")
	PhaseRewrite             Phase = Phase("rewrite")
	PhaseSync                Phase = Phase("sync")
	PhaseFinalize            Phase = Phase("finalize")
	PhaseCleanup             Phase = Phase("cleanup")
)

const (
	convertFailureTemplateConstant         = "conversion of node %s in scope %s failed: %w"
	rewriteFailureTemplateConstant         = "reference rewrite in scope %s failed: %w"
	syncFailureTemplateConstant            = "sync of node %s in scope %s failed: %w"
	finalizeFailureTemplateConstant        = "finalizing references in scope %s failed: %w"
	cleanupFailureTemplateConstant         = "removing obsolete records in scope %s failed: %w"
	logMessagePhaseStartedConstant         = "Scope phase started"
	logMessageCandidateFailedConstant      = "Candidate conversion failed; references left untouched"
	logMessageDiagnosticConstant           = "Migration diagnostic"
	logMessageReferenceMapConstant         = "Reference map"
	logMessageObsoleteRemovedConstant      = "Removed obsolete record"
	logFieldCandidatesConstant             = "candidates"
	logFieldLinksConstant                  = "links"
	logFieldPendingConstant                = "pending"
	logFieldUpdatedConstant                = "updated"
	logFieldMessageConstant                = "message"
	spanAttributeCandidatesConstant        = "cmupgrade.candidates"
	spanAttributeLinksConstant             = "cmupgrade.links"
	spanAttributeDiagnosticsConstant       = "cmupgrade.diagnostics"
	spanAttributeReferencesUpdatedConstant = "cmupgrade.references_updated"
)

// scopeOutcome accumulates everything one scope transaction produced.
type scopeOutcome struct {
	Links             []*Link
	IdentityLinks     []journal.IdentityLink
	Pending           []journal.PendingReference
	Diagnostics       []Diagnostic
	Failures          []error
	NodesConverted    int
	BackupsCreated    int
	ReferencesUpdated int
}

// coordinator runs the phase-split transaction over one open scope.
type coordinator struct {
	table     *mapping.Table
	scanner   *Scanner
	converter *Converter
	rewriter  *Rewriter
	logger    *zap.Logger
}

func newCoordinator(table *mapping.Table, logger *zap.Logger) *coordinator {
	return &coordinator{
		table:     table,
		scanner:   NewScanner(table),
		converter: NewConverter(table, logger),
		rewriter:  NewRewriter(table, logger),
		logger:    logger,
	}
}

// process converts the scope in memory. selection restricts conversion to the listed nodes;
// nil selects every candidate. The caller saves and checkpoints.
func (coordinator *coordinator) process(
	executionContext context.Context,
	scope *scenegraph.Scope,
	registry *Registry,
	selection map[scenegraph.NodeID]struct{},
) (scopeOutcome, error) {
	span := trace.SpanFromContext(executionContext)
	var outcome scopeOutcome

	coordinator.enterPhase(span, scope.Name, PhasePrepare)
	candidates, scanDiagnostics := coordinator.scanner.Scan(scope)
	candidates = selectCandidates(candidates, selection)
	outcome.Diagnostics = append(outcome.Diagnostics, selectDiagnostics(scanDiagnostics, selection)...)
	span.SetAttributes(attribute.Int(spanAttributeCandidatesConstant, len(candidates)))

	var referencable, remaining []Candidate
	for _, candidate := range candidates {
		if candidate.Referenced {
			referencable = append(referencable, candidate)
			continue
		}
		remaining = append(remaining, candidate)
	}

	coordinator.enterPhase(span, scope.Name, PhaseConvertReferencable)
	coordinator.convertCandidates(scope, referencable, &outcome)
	coordinator.enterPhase(span, scope.Name, PhaseConvertRemaining)
	coordinator.convertCandidates(scope, remaining, &outcome)
	span.SetAttributes(attribute.Int(spanAttributeLinksConstant, len(outcome.Links)))

	coordinator.enterPhase(span, scope.Name, PhaseRewrite)
	coordinator.logReferenceMap(scope, outcome.Links)
	rewriteOutcome, rewriteError := coordinator.rewriter.Rewrite(scope, outcome.Links, registry)
	if rewriteError != nil {
		return outcome, fmt.Errorf(rewriteFailureTemplateConstant, scope.Name, rewriteError)
	}
	outcome.ReferencesUpdated += rewriteOutcome.Updated
	outcome.Pending = append(outcome.Pending, rewriteOutcome.Pending...)
	outcome.Diagnostics = append(outcome.Diagnostics, rewriteOutcome.Diagnostics...)

	coordinator.enterPhase(span, scope.Name, PhaseSync)
	for _, link := range outcome.Links {
		if syncError := coordinator.syncLink(scope, link); syncError != nil {
			return outcome, fmt.Errorf(syncFailureTemplateConstant, link.LiveNode, scope.Name, syncError)
		}
	}

	coordinator.enterPhase(span, scope.Name, PhaseFinalize)
	if finalizeError := coordinator.rewriter.Finalize(scope, outcome.Links); finalizeError != nil {
		return outcome, fmt.Errorf(finalizeFailureTemplateConstant, scope.Name, finalizeError)
	}

	outcome.IdentityLinks = identityLinks(scope.Name, outcome.Links)
	if registry != nil {
		for _, identityLink := range outcome.IdentityLinks {
			registry.Add(identityLink)
		}
	}

	for _, diagnostic := range outcome.Diagnostics {
		coordinator.logDiagnostic(diagnostic)
	}
	span.SetAttributes(
		attribute.Int(spanAttributeDiagnosticsConstant, len(outcome.Diagnostics)),
		attribute.Int(spanAttributeReferencesUpdatedConstant, outcome.ReferencesUpdated),
	)
	return outcome, nil
}

func (coordinator *coordinator) convertCandidates(scope *scenegraph.Scope, candidates []Candidate, outcome *scopeOutcome) {
	for _, candidate := range candidates {
		link, diagnostics, convertError := coordinator.converter.Convert(scope, candidate.Node)
		outcome.Diagnostics = append(outcome.Diagnostics, diagnostics...)
		if convertError != nil {
			failure := fmt.Errorf(convertFailureTemplateConstant, candidate.Node, scope.Name, convertError)
			outcome.Failures = append(outcome.Failures, failure)
			coordinator.logger.Warn(
				logMessageCandidateFailedConstant,
				zap.String(logFieldScopeConstant, scope.Name),
				zap.String(logFieldNodeConstant, string(candidate.Node)),
				zap.Error(convertError),
			)
			continue
		}
		if link == nil {
			continue
		}
		outcome.Links = append(outcome.Links, link)
		outcome.NodesConverted++
		if len(link.Backup) > 0 {
			outcome.BackupsCreated++
		}
	}
}

// syncLink copies the converted records onto the live node, drops folded children, and
// disables the replaced legacy records.
func (coordinator *coordinator) syncLink(scope *scenegraph.Scope, link *Link) error {
	live, liveError := scope.RequireNode(link.LiveNode)
	if liveError != nil {
		return liveError
	}
	copyNode, copyError := scope.RequireNode(link.CopyNode)
	if copyError != nil {
		return copyError
	}

	for _, recordID := range link.createdRecords {
		converted, found := copyNode.Record(recordID)
		if !found {
			continue
		}
		if existing, hasType := live.FirstRecordOfType(converted.Type); hasType {
			if copyValuesError := scope.CopyRecordValues(converted, existing); copyValuesError != nil {
				return copyValuesError
			}
			if enableError := scope.SetRecordEnabled(live.ID, existing.ID, true); enableError != nil {
				return enableError
			}
			scope.MarkChanged(live.ID)
			link.recordRemap[recordID] = existing.ID
			continue
		}
		synced, cloneError := scenegraph.CloneRecord(converted)
		if cloneError != nil {
			return cloneError
		}
		if addError := scope.AddRecord(live.ID, synced); addError != nil {
			return addError
		}
	}

	copyChildNames := map[string]struct{}{}
	for _, childID := range copyNode.Children {
		if child, found := scope.Node(childID); found {
			copyChildNames[child.Name] = struct{}{}
		}
	}
	for _, childID := range append([]scenegraph.NodeID(nil), live.Children...) {
		child, found := scope.Node(childID)
		if !found {
			continue
		}
		if _, kept := copyChildNames[child.Name]; kept {
			continue
		}
		if _, folded := link.VanishingNodes[child.ID]; !folded && !child.Hidden {
			continue
		}
		if unparentError := scope.Unparent(child.ID); unparentError != nil {
			return unparentError
		}
		if destroyError := scope.DestroyNode(child.ID); destroyError != nil {
			return destroyError
		}
	}

	for _, recordID := range link.replacedRecords {
		if _, onLive := live.Record(recordID); !onLive {
			continue
		}
		if disableError := scope.SetRecordEnabled(live.ID, recordID, false); disableError != nil {
			return disableError
		}
	}
	return nil
}

// removeObsolete deletes disabled obsolete records, and structural records once neither their
// node nor its parent carries a convertible record. Opt-out subtrees are untouched.
func (coordinator *coordinator) removeObsolete(scope *scenegraph.Scope) (int, error) {
	skipped := optOutSubtrees(coordinator.table, scope)
	removed := 0
	for _, node := range scope.Nodes {
		if _, skip := skipped[node.ID]; skip {
			continue
		}
		keepStructural := hasConvertibleRecord(coordinator.table, node)
		if parent, hasParent := scope.Node(node.Parent); hasParent && hasConvertibleRecord(coordinator.table, parent) {
			keepStructural = true
		}
		var doomed []*scenegraph.Record
		for _, record := range node.Records {
			switch {
			case coordinator.table.IsStructural(record.Type) && !keepStructural:
				doomed = append(doomed, record)
			case coordinator.table.IsObsolete(record.Type) && !record.Enabled():
				doomed = append(doomed, record)
			}
		}
		for _, record := range doomed {
			if removeError := scope.RemoveRecord(node.ID, record.ID); removeError != nil {
				return removed, fmt.Errorf(cleanupFailureTemplateConstant, scope.Name, removeError)
			}
			removed++
			coordinator.logger.Debug(
				logMessageObsoleteRemovedConstant,
				zap.String(logFieldScopeConstant, scope.Name),
				zap.String(logFieldNodeConstant, string(node.ID)),
				zap.String(logFieldRecordTypeConstant, record.Type),
			)
		}
	}
	return removed, nil
}

func (coordinator *coordinator) enterPhase(span trace.Span, scopeName string, phase Phase) {
	span.AddEvent(string(phase))
	coordinator.logger.Debug(
		logMessagePhaseStartedConstant,
		zap.String(logFieldScopeConstant, scopeName),
		zap.String(logFieldPhaseConstant, string(phase)),
	)
}

// logReferenceMap writes the link table at debug level only.
func (coordinator *coordinator) logReferenceMap(scope *scenegraph.Scope, links []*Link) {
	if !coordinator.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, link := range links {
		mapped := make([]string, 0, len(link.RecordLinks))
		for legacy, converted := range link.RecordLinks {
			mapped = append(mapped, legacy.String()+" -> "+converted.String())
		}
		sort.Strings(mapped)
		coordinator.logger.Debug(
			logMessageReferenceMapConstant,
			zap.String(logFieldScopeConstant, scope.Name),
			zap.String(logFieldNodeConstant, string(link.LiveNode)),
			zap.String(logFieldCopyConstant, string(link.CopyNode)),
			zap.Strings(logFieldLinksConstant, mapped),
		)
	}
}

func (coordinator *coordinator) logDiagnostic(diagnostic Diagnostic) {
	coordinator.logger.Info(
		logMessageDiagnosticConstant,
		zap.String(logFieldScopeConstant, diagnostic.Scope),
		zap.String(logFieldNodeConstant, string(diagnostic.Node)),
		zap.String(logFieldDiagnosticKindConstant, string(diagnostic.Kind)),
		zap.String(logFieldRecordTypeConstant, diagnostic.RecordType),
		zap.String(logFieldMessageConstant, diagnostic.Message),
	)
}

// identityLinks qualifies every legacy identity a scope transaction retired with its replacement.
func identityLinks(scopeName string, links []*Link) []journal.IdentityLink {
	var identities []journal.IdentityLink
	for _, link := range links {
		live := scenegraph.ObjectRef{Scope: scopeName, Node: link.LiveNode}
		for legacy, converted := range link.RecordLinks {
			identities = append(identities, journal.IdentityLink{
				Old: scenegraph.ObjectRef{Scope: scopeName, Node: legacy.Node, Record: legacy.Record},
				New: scenegraph.ObjectRef{Scope: scopeName, Node: link.LiveNode, Record: link.liveRecord(converted.Record)},
			})
		}
		for folded := range link.VanishingNodes {
			identities = append(identities, journal.IdentityLink{
				Old: scenegraph.ObjectRef{Scope: scopeName, Node: folded},
				New: live,
			})
		}
	}
	sort.Slice(identities, func(left, right int) bool {
		return identities[left].Old.String() < identities[right].Old.String()
	})
	return identities
}

func selectCandidates(candidates []Candidate, selection map[scenegraph.NodeID]struct{}) []Candidate {
	if selection == nil {
		return candidates
	}
	var selected []Candidate
	for _, candidate := range candidates {
		if _, wanted := selection[candidate.Node]; wanted {
			selected = append(selected, candidate)
		}
	}
	return selected
}

func selectDiagnostics(diagnostics []Diagnostic, selection map[scenegraph.NodeID]struct{}) []Diagnostic {
	if selection == nil {
		return diagnostics
	}
	var selected []Diagnostic
	for _, diagnostic := range diagnostics {
		if _, wanted := selection[diagnostic.Node]; wanted {
			selected = append(selected, diagnostic)
		}
	}
	return selected
}
