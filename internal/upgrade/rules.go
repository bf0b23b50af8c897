package upgrade

import (
	"sort"

	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// memberChildNames lists the hidden children a composite rule folds into its node.
func memberChildNames(rule *mapping.Rule) []string {
	if rule == nil {
		return nil
	}
	switch rule.Pattern {
	case mapping.PatternFlatten:
		if rule.Flatten != nil {
			return []string{rule.Flatten.Child}
		}
	case mapping.PatternRigs:
		if rule.Rigs != nil {
			return append([]string(nil), rule.Rigs.Children...)
		}
	}
	return nil
}

func isCompositePattern(pattern mapping.Pattern) bool {
	return pattern == mapping.PatternFlatten || pattern == mapping.PatternRigs
}

// compositeRule returns the first enabled record on node whose rule folds hidden children.
func compositeRule(table *mapping.Table, node *scenegraph.Node) (*mapping.Rule, *scenegraph.Record) {
	for _, record := range node.Records {
		if !record.Enabled() {
			continue
		}
		rule, hasRule := table.Rule(record.Type)
		if hasRule && isCompositePattern(rule.Pattern) {
			return rule, record
		}
	}
	return nil, nil
}

// memberNodes resolves the composite's hidden children that exist on node.
func memberNodes(scope *scenegraph.Scope, node *scenegraph.Node, rule *mapping.Rule) []*scenegraph.Node {
	var members []*scenegraph.Node
	for _, childName := range memberChildNames(rule) {
		if child, found := scope.ChildNamed(node.ID, childName); found {
			members = append(members, child)
		}
	}
	return members
}

// hasEnabledLegacyRecord reports whether node still carries a legacy record participating in the schema.
func hasEnabledLegacyRecord(table *mapping.Table, node *scenegraph.Node) bool {
	for _, record := range node.Records {
		if record.Enabled() && table.IsLegacyType(record.Type) {
			return true
		}
	}
	return false
}

// hasConvertibleRecord reports whether node carries an enabled legacy record with a rule.
func hasConvertibleRecord(table *mapping.Table, node *scenegraph.Node) bool {
	for _, record := range node.Records {
		if !record.Enabled() {
			continue
		}
		if _, hasRule := table.Rule(record.Type); hasRule {
			return true
		}
	}
	return false
}

// unmappedLegacyType returns the first enabled legacy record type on node that has no rule.
func unmappedLegacyType(table *mapping.Table, node *scenegraph.Node) (string, bool) {
	for _, record := range node.Records {
		if !record.Enabled() || !table.IsLegacyType(record.Type) || table.IsStructural(record.Type) {
			continue
		}
		if _, hasRule := table.Rule(record.Type); !hasRule {
			return record.Type, true
		}
	}
	return "", false
}

// legacyRecordsByType indexes a rig's enabled, rule-bearing records by type, first record wins.
func legacyRecordsByType(table *mapping.Table, node *scenegraph.Node) map[string]*scenegraph.Record {
	records := map[string]*scenegraph.Record{}
	if node == nil {
		return records
	}
	for _, record := range node.Records {
		if !record.Enabled() || table.IsStructural(record.Type) || !table.IsLegacyType(record.Type) {
			continue
		}
		if _, exists := records[record.Type]; !exists {
			records[record.Type] = record
		}
	}
	return records
}

// optOutSubtrees collects every node beneath (and including) a node carrying the opt-out record.
func optOutSubtrees(table *mapping.Table, scope *scenegraph.Scope) map[scenegraph.NodeID]struct{} {
	excluded := map[scenegraph.NodeID]struct{}{}
	for _, node := range scope.Nodes {
		if !node.HasRecordType(table.OptOutRecord) {
			continue
		}
		excluded[node.ID] = struct{}{}
		for _, descendant := range scope.Descendants(node.ID) {
			excluded[descendant.ID] = struct{}{}
		}
	}
	return excluded
}

func sortedKeys[Value any](values map[string]Value) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
