package upgrade

import (
	"sort"

	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// Candidate is a node eligible for conversion.
type Candidate struct {
	Node       scenegraph.NodeID
	Name       string
	SourceType string
	// Referenced marks nodes targeted by a holder slot, a record reference, or a clip root.
	Referenced bool
}

// Scanner selects conversion candidates in dependency order.
type Scanner struct {
	table *mapping.Table
}

// NewScanner constructs a scanner over the mapping table.
func NewScanner(table *mapping.Table) *Scanner {
	return &Scanner{table: table}
}

// Scan returns the scope's candidates, referenced nodes first, plus diagnostics for unmappable nodes.
func (scanner *Scanner) Scan(scope *scenegraph.Scope) ([]Candidate, []Diagnostic) {
	if scope == nil || len(scope.Nodes) == 0 {
		return nil, nil
	}

	excluded := optOutSubtrees(scanner.table, scope)
	owners := map[scenegraph.NodeID]scenegraph.NodeID{}
	for _, node := range scope.Nodes {
		if node.Scratch {
			excluded[node.ID] = struct{}{}
			continue
		}
		rule, _ := compositeRule(scanner.table, node)
		if rule == nil {
			continue
		}
		for _, member := range memberNodes(scope, node, rule) {
			excluded[member.ID] = struct{}{}
			owners[member.ID] = node.ID
			for _, descendant := range scope.Descendants(member.ID) {
				excluded[descendant.ID] = struct{}{}
				owners[descendant.ID] = node.ID
			}
		}
	}

	var diagnostics []Diagnostic
	eligible := map[scenegraph.NodeID]*Candidate{}
	for _, node := range scope.Nodes {
		if _, skip := excluded[node.ID]; skip {
			continue
		}
		if !hasEnabledLegacyRecord(scanner.table, node) {
			continue
		}
		if unmappedType, unmapped := scanner.unmappedType(scope, node); unmapped {
			diagnostics = append(diagnostics, newUnmappableDiagnostic(scope.Name, node, unmappedType))
			continue
		}
		if !hasConvertibleRecord(scanner.table, node) {
			continue
		}
		eligible[node.ID] = &Candidate{Node: node.ID, Name: node.Name, SourceType: scanner.sourceType(node)}
	}

	ownerOf := func(nodeID scenegraph.NodeID) scenegraph.NodeID {
		if owner, isMember := owners[nodeID]; isMember {
			return owner
		}
		return nodeID
	}

	for _, holder := range scope.Holders {
		for _, slot := range holder.Slots {
			if slot.Target.IsZero() || !slot.Target.InScope(scope.Name) {
				continue
			}
			if candidate, isCandidate := eligible[ownerOf(slot.Target.Node)]; isCandidate {
				candidate.Referenced = true
			}
		}
	}
	for _, clip := range scope.Clips {
		if candidate, isCandidate := eligible[ownerOf(clip.Root)]; isCandidate {
			candidate.Referenced = true
		}
	}

	dependents := map[scenegraph.NodeID][]scenegraph.NodeID{}
	inDegree := map[scenegraph.NodeID]int{}
	for _, node := range scope.Nodes {
		if node.Scratch {
			continue
		}
		referrer := ownerOf(node.ID)
		for _, record := range node.Records {
			for _, referenceName := range sortedKeys(record.References) {
				reference := record.References[referenceName]
				if reference.IsZero() || !reference.InScope(scope.Name) {
					continue
				}
				target := ownerOf(reference.Node)
				targetCandidate, isCandidate := eligible[target]
				if !isCandidate || target == referrer {
					continue
				}
				targetCandidate.Referenced = true
				if _, referrerIsCandidate := eligible[referrer]; referrerIsCandidate && !containsNodeID(dependents[target], referrer) {
					dependents[target] = append(dependents[target], referrer)
					inDegree[referrer]++
				}
			}
		}
	}

	return orderCandidates(eligible, dependents, inDegree), diagnostics
}

func (scanner *Scanner) unmappedType(scope *scenegraph.Scope, node *scenegraph.Node) (string, bool) {
	if unmappedType, unmapped := unmappedLegacyType(scanner.table, node); unmapped {
		return unmappedType, true
	}
	rule, _ := compositeRule(scanner.table, node)
	for _, member := range memberNodes(scope, node, rule) {
		if unmappedType, unmapped := unmappedLegacyType(scanner.table, member); unmapped {
			return unmappedType, true
		}
	}
	return "", false
}

func (scanner *Scanner) sourceType(node *scenegraph.Node) string {
	if _, primaryRecord := compositeRule(scanner.table, node); primaryRecord != nil {
		return primaryRecord.Type
	}
	for _, record := range node.Records {
		if _, hasRule := scanner.table.Rule(record.Type); hasRule && record.Enabled() {
			return record.Type
		}
	}
	return ""
}

// orderCandidates is a Kahn topological sort; ties and cycles resolve by name, then identifier.
func orderCandidates(
	eligible map[scenegraph.NodeID]*Candidate,
	dependents map[scenegraph.NodeID][]scenegraph.NodeID,
	inDegree map[scenegraph.NodeID]int,
) []Candidate {
	remaining := make(map[scenegraph.NodeID]*Candidate, len(eligible))
	for nodeID, candidate := range eligible {
		remaining[nodeID] = candidate
	}

	less := func(left *Candidate, right *Candidate) bool {
		if left.Name != right.Name {
			return left.Name < right.Name
		}
		return left.Node < right.Node
	}

	ordered := make([]Candidate, 0, len(eligible))
	for len(remaining) > 0 {
		var ready []*Candidate
		for nodeID, candidate := range remaining {
			if inDegree[nodeID] == 0 {
				ready = append(ready, candidate)
			}
		}
		if len(ready) == 0 {
			for _, candidate := range remaining {
				ready = append(ready, candidate)
			}
		}
		sort.Slice(ready, func(left, right int) bool {
			return less(ready[left], ready[right])
		})

		next := ready[0]
		ordered = append(ordered, *next)
		delete(remaining, next.Node)
		for _, dependent := range dependents[next.Node] {
			if inDegree[dependent] > 0 {
				inDegree[dependent]--
			}
		}
	}
	return ordered
}

func containsNodeID(identifiers []scenegraph.NodeID, candidate scenegraph.NodeID) bool {
	for _, identifier := range identifiers {
		if identifier == candidate {
			return true
		}
	}
	return false
}
