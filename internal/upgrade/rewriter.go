package upgrade

import (
	"fmt"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"go.uber.org/zap"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	nodePathSeparatorConstant             = "/"
	rewriteSiteErrorTemplateConstant      = "unable to rewrite %s: %w"
	rewriteBindingErrorTemplateConstant   = "unable to rewrite binding %d of clip %s: %w"
	discardCopyErrorTemplateConstant      = "unable to discard scratch copy %s: %w"
	logMessageReferenceRedirectedConstant = "Redirected reference to converted copy"
	logMessageBindingRewrittenConstant    = "Rewrote animation binding"
	logMessageReferencePendingConstant    = "Deferred cross-scope reference"
	logFieldSiteConstant                  = "site"
	logFieldFromConstant                  = "from"
	logFieldToConstant                    = "to"
	minimumSuggestionSimilarityConstant   = 0.34
)

// RewriteOutcome summarizes one rewrite pass over a scope.
type RewriteOutcome struct {
	Updated     int
	Pending     []journal.PendingReference
	Diagnostics []Diagnostic
}

// Rewriter redirects references and animation bindings from legacy identities to converted ones.
type Rewriter struct {
	table  *mapping.Table
	logger *zap.Logger
	metric strutil.StringMetric
}

// NewRewriter constructs a rewriter over the mapping table.
func NewRewriter(table *mapping.Table, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{table: table, logger: logger, metric: metrics.NewLevenshtein()}
}

type linkIndex struct {
	records   map[scenegraph.ObjectRef]scenegraph.ObjectRef
	vanishing map[scenegraph.NodeID]*Link
	byLive    map[scenegraph.NodeID]*Link
	byCopy    map[scenegraph.NodeID]*Link
}

func newLinkIndex(links []*Link) linkIndex {
	index := linkIndex{
		records:   map[scenegraph.ObjectRef]scenegraph.ObjectRef{},
		vanishing: map[scenegraph.NodeID]*Link{},
		byLive:    map[scenegraph.NodeID]*Link{},
		byCopy:    map[scenegraph.NodeID]*Link{},
	}
	for _, link := range links {
		index.byLive[link.LiveNode] = link
		index.byCopy[link.CopyNode] = link
		for nodeID := range link.VanishingNodes {
			index.vanishing[nodeID] = link
		}
		for legacy, converted := range link.RecordLinks {
			index.records[legacy] = converted
		}
	}
	return index
}

// redirect resolves a local target through the links. vanished reports a record on a folded
// child that no converted record replaces.
func (index linkIndex) redirect(target scenegraph.ObjectRef) (scenegraph.ObjectRef, bool, bool) {
	key := scenegraph.ObjectRef{Node: target.Node, Record: target.Record}
	if converted, linked := index.records[key]; linked {
		converted.Scope = target.Scope
		return converted, true, false
	}
	if link, folded := index.vanishing[target.Node]; folded {
		if len(target.Record) == 0 {
			return scenegraph.ObjectRef{Scope: target.Scope, Node: link.CopyNode}, true, false
		}
		return target, false, true
	}
	return target, false, false
}

// Rewrite points slots, record references and curve bindings at the converted copies.
// Cross-scope targets resolve through registry or are returned as pending.
func (rewriter *Rewriter) Rewrite(scope *scenegraph.Scope, links []*Link, registry *Registry) (RewriteOutcome, error) {
	var outcome RewriteOutcome
	if len(links) == 0 && registry == nil {
		return outcome, nil
	}
	index := newLinkIndex(links)

	skipped := optOutSubtrees(rewriter.table, scope)
	for nodeID := range index.vanishing {
		skipped[nodeID] = struct{}{}
	}

	for _, site := range collectReferenceSites(scope, skipped) {
		if !site.Target.InScope(scope.Name) {
			if registry == nil {
				continue
			}
			replacement, known := registry.Lookup(site.Target)
			if !known {
				outcome.Pending = append(outcome.Pending, site.Pending(scope.Name))
				rewriter.logger.Debug(
					logMessageReferencePendingConstant,
					zap.String(logFieldScopeConstant, scope.Name),
					zap.String(logFieldSiteConstant, site.Describe()),
					zap.String(logFieldFromConstant, site.Target.String()),
				)
				continue
			}
			if replacement == site.Target {
				continue
			}
			if applyError := applySite(scope, site, replacement); applyError != nil {
				return outcome, fmt.Errorf(rewriteSiteErrorTemplateConstant, site.Describe(), applyError)
			}
			outcome.Updated++
			continue
		}

		replacement, redirected, vanished := index.redirect(site.Target)
		if vanished {
			outcome.Diagnostics = append(outcome.Diagnostics, Diagnostic{
				Kind:    DiagnosticUnresolvableReference,
				Scope:   scope.Name,
				Node:    site.Node,
				Target:  site.Describe(),
				Message: fmt.Sprintf(unresolvableMessageTemplateConstant, site.Target.String(), site.Describe()),
			})
			continue
		}
		if !redirected {
			continue
		}
		if applyError := applySite(scope, site, replacement); applyError != nil {
			return outcome, fmt.Errorf(rewriteSiteErrorTemplateConstant, site.Describe(), applyError)
		}
		outcome.Updated++
		rewriter.logger.Debug(
			logMessageReferenceRedirectedConstant,
			zap.String(logFieldScopeConstant, scope.Name),
			zap.String(logFieldSiteConstant, site.Describe()),
			zap.String(logFieldFromConstant, site.Target.String()),
			zap.String(logFieldToConstant, replacement.String()),
		)
	}

	bindingsUpdated, bindingDiagnostics, bindingError := rewriter.rewriteBindings(scope, index)
	outcome.Updated += bindingsUpdated
	outcome.Diagnostics = append(outcome.Diagnostics, bindingDiagnostics...)
	return outcome, bindingError
}

func (rewriter *Rewriter) rewriteBindings(scope *scenegraph.Scope, index linkIndex) (int, []Diagnostic, error) {
	updated := 0
	var diagnostics []Diagnostic
	for _, clip := range scope.Clips {
		for bindingIndex, binding := range clip.Bindings {
			walked, resolved := scope.NodeAtPath(clip.Root, binding.Path)
			if !resolved {
				continue
			}
			target := walked[len(walked)-1]

			link, onLiveNode := index.byLive[target.ID]
			memberName := ""
			trimmedPath := binding.Path
			if !onLiveNode {
				folded, isMember := index.vanishing[target.ID]
				if !isMember || len(walked) < 2 {
					continue
				}
				link = folded
				memberName = target.Name
				trimmedPath = trimLastSegment(binding.Path)
			}

			rewritten, mapped := rewriter.translateBinding(link, memberName, binding, trimmedPath)
			if !mapped {
				if rewriter.table.IsLegacyType(binding.RecordType) || len(memberName) > 0 {
					diagnostics = append(diagnostics, rewriter.unmappedBindingDiagnostic(scope.Name, clip, bindingIndex, *binding, link))
				}
				continue
			}
			if setError := scope.SetBindingKey(clip.ID, bindingIndex, rewritten); setError != nil {
				return updated, diagnostics, fmt.Errorf(rewriteBindingErrorTemplateConstant, bindingIndex, clip.ID, setError)
			}
			updated++
			rewriter.logger.Debug(
				logMessageBindingRewrittenConstant,
				zap.String(logFieldScopeConstant, scope.Name),
				zap.String(logFieldSiteConstant, fmt.Sprintf(clipBindingTargetTemplateConstant, clip.Name, bindingIndex)),
				zap.String(logFieldFromConstant, binding.RecordType+"."+binding.Field),
				zap.String(logFieldToConstant, rewritten.RecordType+"."+rewritten.Field),
			)
		}
	}
	return updated, diagnostics, nil
}

func (rewriter *Rewriter) translateBinding(link *Link, memberName string, binding *scenegraph.CurveBinding, trimmedPath string) (scenegraph.CurveBinding, bool) {
	if len(memberName) > 0 && link.Rule != nil && link.Rule.Rigs != nil {
		if slot, hasSlot := link.Rule.Rigs.SlotFor(memberName); hasSlot {
			if modifier, modifierField, covered := link.Rule.Rigs.ModifierFor(binding.RecordType, binding.Field); covered {
				return scenegraph.CurveBinding{
					Path:       trimmedPath,
					RecordType: link.Rule.Rigs.ModifierRecord,
					Field:      mapping.ModifierFieldPath(modifier.Name, slot, modifierField),
				}, true
			}
		}
	}
	target, mapped := rewriter.table.TranslateField(binding.RecordType, binding.Field)
	if !mapped {
		return scenegraph.CurveBinding{}, false
	}
	return scenegraph.CurveBinding{Path: trimmedPath, RecordType: target.RecordType, Field: target.Path}, true
}

func (rewriter *Rewriter) unmappedBindingDiagnostic(
	scopeName string,
	clip *scenegraph.Clip,
	bindingIndex int,
	binding scenegraph.CurveBinding,
	link *Link,
) Diagnostic {
	return Diagnostic{
		Kind:       DiagnosticUnmappedFieldBinding,
		Scope:      scopeName,
		Node:       link.LiveNode,
		NodeName:   link.NodeName,
		Target:     fmt.Sprintf(clipBindingTargetTemplateConstant, clip.Name, bindingIndex),
		RecordType: binding.RecordType,
		Field:      binding.Field,
		Message:    fmt.Sprintf(unmappedBindingMessageTemplateConstant, binding.RecordType, binding.Field, binding.Path),
		Suggestion: rewriter.closestField(binding.RecordType, binding.Field),
	}
}

// closestField suggests the translatable field most similar to an unmapped one.
func (rewriter *Rewriter) closestField(recordType string, field string) string {
	bestField := ""
	bestSimilarity := 0.0
	for _, candidate := range rewriter.table.KnownFields(recordType) {
		similarity := strutil.Similarity(field, candidate, rewriter.metric)
		if similarity > bestSimilarity {
			bestField = candidate
			bestSimilarity = similarity
		}
	}
	if bestSimilarity < minimumSuggestionSimilarityConstant {
		return ""
	}
	return bestField
}

// Finalize points every reference at a scratch copy back at its live node and discards the copies.
func (rewriter *Rewriter) Finalize(scope *scenegraph.Scope, links []*Link) error {
	index := newLinkIndex(links)
	scratch := map[scenegraph.NodeID]struct{}{}
	for _, node := range scope.Nodes {
		if node.Scratch {
			scratch[node.ID] = struct{}{}
		}
	}

	for _, site := range collectReferenceSites(scope, scratch) {
		if !site.Target.InScope(scope.Name) {
			continue
		}
		link, pointsAtCopy := index.byCopy[site.Target.Node]
		if !pointsAtCopy {
			continue
		}
		final := scenegraph.ObjectRef{Scope: site.Target.Scope, Node: link.LiveNode}
		if len(site.Target.Record) > 0 {
			final.Record = link.liveRecord(site.Target.Record)
		}
		if applyError := applySite(scope, site, final); applyError != nil {
			return fmt.Errorf(rewriteSiteErrorTemplateConstant, site.Describe(), applyError)
		}
	}

	for _, link := range links {
		if _, exists := scope.Node(link.CopyNode); !exists {
			continue
		}
		if destroyError := scope.DestroyNode(link.CopyNode); destroyError != nil {
			return fmt.Errorf(discardCopyErrorTemplateConstant, link.CopyNode, destroyError)
		}
	}
	return nil
}

func trimLastSegment(path string) string {
	trimmed := strings.Trim(path, nodePathSeparatorConstant)
	lastSeparator := strings.LastIndex(trimmed, nodePathSeparatorConstant)
	if lastSeparator < 0 {
		return ""
	}
	return trimmed[:lastSeparator]
}
