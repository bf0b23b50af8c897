package upgrade

import (
	"fmt"

	"github.com/temirov/cmupgrade/internal/report"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// DiagnosticKind classifies a non-fatal migration problem.
type DiagnosticKind string

// Diagnostic kinds reported by the engine.
const (
	// DiagnosticUnmappableSchema marks a node skipped because a legacy record has no rule.
	DiagnosticUnmappableSchema DiagnosticKind = DiagnosticKind("unmappable-schema")
	// DiagnosticIrreconcilableVariation marks a rig composite that needed a frozen backup.
	DiagnosticIrreconcilableVariation DiagnosticKind = DiagnosticKind("irreconcilable-variation")
	// DiagnosticUnresolvableReference marks a reference whose target could not be found after conversion.
	DiagnosticUnresolvableReference DiagnosticKind = DiagnosticKind("unresolvable-reference")
	// DiagnosticUnmappedFieldBinding marks an animation binding left untouched.
	DiagnosticUnmappedFieldBinding DiagnosticKind = DiagnosticKind("unmapped-field-binding")
)

const (
	unmappableMessageTemplateConstant      = "record type %s has no conversion rule; node %q left unchanged"
	irreconcilableMessageTemplateConstant  = "rig %s differs from %s in %s.%s; backup %q created"
	rigRecordSetMessageTemplateConstant    = "rig %s does not carry the same record types as %s (missing %s); backup %q created"
	unresolvableMessageTemplateConstant    = "reference %s at %s does not resolve after conversion"
	unmappedBindingMessageTemplateConstant = "no mapping for %s.%s at path %q"
	clipBindingTargetTemplateConstant      = "clip:%s#%d"
	slotTargetTemplateConstant             = "holder:%s/%s"
	recordReferenceTargetTemplateConstant  = "record:%s/%s.%s"
)

// Diagnostic describes one non-fatal migration problem.
type Diagnostic struct {
	Kind       DiagnosticKind
	Scope      string
	Node       scenegraph.NodeID
	NodeName   string
	Target     string
	RecordType string
	Field      string
	Message    string
	Suggestion string
}

func newUnmappableDiagnostic(scopeName string, node *scenegraph.Node, recordType string) Diagnostic {
	return Diagnostic{
		Kind:       DiagnosticUnmappableSchema,
		Scope:      scopeName,
		Node:       node.ID,
		NodeName:   node.Name,
		Target:     string(node.ID),
		RecordType: recordType,
		Message:    fmt.Sprintf(unmappableMessageTemplateConstant, recordType, node.Name),
	}
}

func reportEntries(diagnostics []Diagnostic) []report.Entry {
	entries := make([]report.Entry, 0, len(diagnostics))
	for _, diagnostic := range diagnostics {
		entries = append(entries, report.Entry{
			Kind:       string(diagnostic.Kind),
			Scope:      diagnostic.Scope,
			Target:     diagnostic.Target,
			RecordType: diagnostic.RecordType,
			Field:      diagnostic.Field,
			Message:    diagnostic.Message,
			Suggestion: diagnostic.Suggestion,
		})
	}
	return entries
}
