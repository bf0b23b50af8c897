package scenegraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	nodePathSeparatorConstant               = "/"
	nodeNotFoundTemplateConstant            = "node %s not found in scope %s"
	recordNotFoundTemplateConstant          = "record %s not found on node %s"
	holderNotFoundTemplateConstant          = "holder %s not found in scope %s"
	slotNotFoundTemplateConstant            = "slot %s not found on holder %s"
	clipNotFoundTemplateConstant            = "clip %s not found in scope %s"
	bindingIndexOutOfRangeTemplateConstant  = "binding index %d out of range for clip %s"
	incompatibleRecordsTemplateConstant     = "cannot copy %s values onto %s"
	reparentCycleTemplateConstant           = "cannot parent node %s beneath its own descendant %s"
	cloneFailureTemplateConstant            = "unable to clone node %s: %w"
	undoGroupNotOpenMessageConstant         = "no undo group is open"
	recordAlreadyAttachedTemplateConstant   = "record %s already attached to node %s"
	scopeSnapshotFailureTemplateConstant    = "unable to snapshot scope %s: %w"
	generatedIdentifierPrefixNodeConstant   = "n-"
	generatedIdentifierPrefixRecordConstant = "r-"
)

var (
	// ErrNodeNotFound reports a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrRecordNotFound reports a missing record.
	ErrRecordNotFound = errors.New("record not found")
	// ErrUndoGroupNotOpen reports an EndUndoGroup without a matching BeginUndoGroup.
	ErrUndoGroupNotOpen = errors.New(undoGroupNotOpenMessageConstant)
)

// Scope is one scene or prefab document: the unit of transactional processing.
type Scope struct {
	Name          string    `yaml:"name"`
	Kind          ScopeKind `yaml:"kind"`
	SchemaVersion string    `yaml:"schema_version"`
	Nodes         []*Node   `yaml:"nodes,omitempty"`
	Holders       []*Holder `yaml:"holders,omitempty"`
	Clips         []*Clip   `yaml:"clips,omitempty"`

	changedNodes map[NodeID]struct{}
	undoStack    []scopeSnapshot
	openGroups   int
}

type scopeSnapshot struct {
	label         string
	schemaVersion string
	nodes         []*Node
	holders       []*Holder
	clips         []*Clip
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() NodeID {
	return NodeID(generatedIdentifierPrefixNodeConstant + uuid.NewString())
}

// NewRecordID returns a fresh record identifier.
func NewRecordID() RecordID {
	return RecordID(generatedIdentifierPrefixRecordConstant + uuid.NewString())
}

// Roots returns top-level nodes in document order.
func (scope *Scope) Roots() []*Node {
	var roots []*Node
	for _, node := range scope.Nodes {
		if len(node.Parent) == 0 {
			roots = append(roots, node)
		}
	}
	return roots
}

// Node returns the node with the provided identifier.
func (scope *Scope) Node(nodeID NodeID) (*Node, bool) {
	for _, node := range scope.Nodes {
		if node.ID == nodeID {
			return node, true
		}
	}
	return nil, false
}

// RequireNode returns the node or a wrapped ErrNodeNotFound.
func (scope *Scope) RequireNode(nodeID NodeID) (*Node, error) {
	node, found := scope.Node(nodeID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, fmt.Sprintf(nodeNotFoundTemplateConstant, nodeID, scope.Name))
	}
	return node, nil
}

// Descendants returns every node beneath the provided node, depth first.
func (scope *Scope) Descendants(nodeID NodeID) []*Node {
	node, found := scope.Node(nodeID)
	if !found {
		return nil
	}
	var descendants []*Node
	for _, childID := range node.Children {
		child, childFound := scope.Node(childID)
		if !childFound {
			continue
		}
		descendants = append(descendants, child)
		descendants = append(descendants, scope.Descendants(childID)...)
	}
	return descendants
}

// ChildNamed returns the direct child of parentID with the provided name.
func (scope *Scope) ChildNamed(parentID NodeID, name string) (*Node, bool) {
	parent, found := scope.Node(parentID)
	if !found {
		return nil, false
	}
	for _, childID := range parent.Children {
		child, childFound := scope.Node(childID)
		if childFound && child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// NodeAtPath walks a slash-separated name path from rootID. An empty path resolves to the root.
func (scope *Scope) NodeAtPath(rootID NodeID, path string) ([]*Node, bool) {
	root, found := scope.Node(rootID)
	if !found {
		return nil, false
	}
	walked := []*Node{root}
	trimmedPath := strings.Trim(path, nodePathSeparatorConstant)
	if len(trimmedPath) == 0 {
		return walked, true
	}
	current := root
	for _, segment := range strings.Split(trimmedPath, nodePathSeparatorConstant) {
		child, childFound := scope.ChildNamed(current.ID, segment)
		if !childFound {
			return walked, false
		}
		walked = append(walked, child)
		current = child
	}
	return walked, true
}

// RecordsOfType returns a node's records of the provided type.
func (scope *Scope) RecordsOfType(nodeID NodeID, recordType string) []*Record {
	node, found := scope.Node(nodeID)
	if !found {
		return nil
	}
	return node.RecordsOfType(recordType)
}

// AddRecord attaches a record to a node, assigning an identifier when none is set.
func (scope *Scope) AddRecord(nodeID NodeID, record *Record) error {
	node, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nodeError
	}
	if len(record.ID) == 0 {
		record.ID = NewRecordID()
	}
	if _, exists := node.Record(record.ID); exists {
		return fmt.Errorf(recordAlreadyAttachedTemplateConstant, record.ID, nodeID)
	}
	node.Records = append(node.Records, record)
	scope.MarkChanged(nodeID)
	return nil
}

// RemoveRecord detaches a record from a node.
func (scope *Scope) RemoveRecord(nodeID NodeID, recordID RecordID) error {
	node, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nodeError
	}
	for recordIndex, record := range node.Records {
		if record.ID == recordID {
			node.Records = append(node.Records[:recordIndex], node.Records[recordIndex+1:]...)
			scope.MarkChanged(nodeID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, fmt.Sprintf(recordNotFoundTemplateConstant, recordID, nodeID))
}

// SetRecordEnabled toggles whether a record participates in the active schema.
func (scope *Scope) SetRecordEnabled(nodeID NodeID, recordID RecordID, enabled bool) error {
	node, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nodeError
	}
	record, found := node.Record(recordID)
	if !found {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, fmt.Sprintf(recordNotFoundTemplateConstant, recordID, nodeID))
	}
	if record.Disabled == !enabled {
		return nil
	}
	record.Disabled = !enabled
	scope.MarkChanged(nodeID)
	return nil
}

// CopyRecordValues overwrites destination's fields and references with source's. Types must match.
func (scope *Scope) CopyRecordValues(source *Record, destination *Record) error {
	if source == nil || destination == nil || source.Type != destination.Type {
		sourceType, destinationType := "<nil>", "<nil>"
		if source != nil {
			sourceType = source.Type
		}
		if destination != nil {
			destinationType = destination.Type
		}
		return fmt.Errorf(incompatibleRecordsTemplateConstant, sourceType, destinationType)
	}
	fields, fieldsError := CloneFields(source.Fields)
	if fieldsError != nil {
		return fieldsError
	}
	references, referencesError := cloneReferences(source.References)
	if referencesError != nil {
		return referencesError
	}
	destination.Fields = fields
	destination.References = references
	return nil
}

// CloneNode deep-copies a node and its descendants under fresh identifiers. The clone is a root.
// Record references that point inside the cloned subtree are remapped onto the clone.
func (scope *Scope) CloneNode(nodeID NodeID) (*Node, error) {
	original, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nil, nodeError
	}

	subtree := append([]*Node{original}, scope.Descendants(nodeID)...)
	identifierMap := make(map[NodeID]NodeID, len(subtree))
	for _, node := range subtree {
		identifierMap[node.ID] = NewNodeID()
	}

	clones := make([]*Node, 0, len(subtree))
	for _, node := range subtree {
		clone, cloneError := cloneNode(node)
		if cloneError != nil {
			return nil, fmt.Errorf(cloneFailureTemplateConstant, nodeID, cloneError)
		}
		clone.ID = identifierMap[node.ID]
		if mappedParent, inSubtree := identifierMap[node.Parent]; inSubtree {
			clone.Parent = mappedParent
		} else {
			clone.Parent = ""
		}
		for childIndex, childID := range clone.Children {
			clone.Children[childIndex] = identifierMap[childID]
		}
		for _, record := range clone.Records {
			for referenceName, reference := range record.References {
				if !reference.InScope(scope.Name) {
					continue
				}
				if mappedTarget, inSubtree := identifierMap[reference.Node]; inSubtree {
					reference.Node = mappedTarget
					record.References[referenceName] = reference
				}
			}
		}
		clones = append(clones, clone)
	}

	scope.Nodes = append(scope.Nodes, clones...)
	for _, clone := range clones {
		scope.MarkChanged(clone.ID)
	}
	return clones[0], nil
}

// Reparent moves a node beneath newParentID. An empty parent makes the node a root.
func (scope *Scope) Reparent(nodeID NodeID, newParentID NodeID) error {
	node, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nodeError
	}
	if len(newParentID) > 0 {
		if _, parentError := scope.RequireNode(newParentID); parentError != nil {
			return parentError
		}
		if newParentID == nodeID {
			return fmt.Errorf(reparentCycleTemplateConstant, nodeID, newParentID)
		}
		for _, descendant := range scope.Descendants(nodeID) {
			if descendant.ID == newParentID {
				return fmt.Errorf(reparentCycleTemplateConstant, nodeID, newParentID)
			}
		}
	}

	if oldParent, hasParent := scope.Node(node.Parent); hasParent {
		oldParent.Children = removeNodeID(oldParent.Children, nodeID)
		scope.MarkChanged(oldParent.ID)
	}
	node.Parent = newParentID
	if newParent, hasNewParent := scope.Node(newParentID); hasNewParent {
		newParent.Children = append(newParent.Children, nodeID)
		scope.MarkChanged(newParent.ID)
	}
	scope.MarkChanged(nodeID)
	return nil
}

// Unparent detaches a node from its parent, making it a root.
func (scope *Scope) Unparent(nodeID NodeID) error {
	return scope.Reparent(nodeID, "")
}

// DestroyNode removes a node and all of its descendants.
func (scope *Scope) DestroyNode(nodeID NodeID) error {
	node, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nodeError
	}
	if parent, hasParent := scope.Node(node.Parent); hasParent {
		parent.Children = removeNodeID(parent.Children, nodeID)
		scope.MarkChanged(parent.ID)
	}

	doomed := map[NodeID]struct{}{nodeID: {}}
	for _, descendant := range scope.Descendants(nodeID) {
		doomed[descendant.ID] = struct{}{}
	}
	remaining := scope.Nodes[:0]
	for _, candidate := range scope.Nodes {
		if _, isDoomed := doomed[candidate.ID]; isDoomed {
			delete(scope.changedNodes, candidate.ID)
			continue
		}
		remaining = append(remaining, candidate)
	}
	scope.Nodes = remaining
	return nil
}

// MarkChanged records that a node was modified in the current transaction.
func (scope *Scope) MarkChanged(nodeID NodeID) {
	if scope.changedNodes == nil {
		scope.changedNodes = map[NodeID]struct{}{}
	}
	scope.changedNodes[nodeID] = struct{}{}
}

// Changed reports whether a node was modified since the scope was opened.
func (scope *Scope) Changed(nodeID NodeID) bool {
	_, changed := scope.changedNodes[nodeID]
	return changed
}

// Dirty reports whether any node was modified since the scope was opened.
func (scope *Scope) Dirty() bool {
	return len(scope.changedNodes) > 0
}

// Holder returns the holder with the provided identifier.
func (scope *Scope) Holder(holderID string) (*Holder, bool) {
	for _, holder := range scope.Holders {
		if holder.ID == holderID {
			return holder, true
		}
	}
	return nil, false
}

// ResolveReference returns the node and, when addressed, the record a local reference points at.
func (scope *Scope) ResolveReference(reference ObjectRef) (*Node, *Record, bool) {
	if reference.IsZero() || !reference.InScope(scope.Name) {
		return nil, nil, false
	}
	node, found := scope.Node(reference.Node)
	if !found {
		return nil, nil, false
	}
	if len(reference.Record) == 0 {
		return node, nil, true
	}
	record, recordFound := node.Record(reference.Record)
	if !recordFound {
		return nil, nil, false
	}
	return node, record, true
}

// ResolveSlot resolves a binding slot to its current target in this scope.
func (scope *Scope) ResolveSlot(slot *BindingSlot) (*Node, *Record, bool) {
	if slot == nil {
		return nil, nil, false
	}
	return scope.ResolveReference(slot.Target)
}

// SetSlotTarget points a holder's binding slot at a new target.
func (scope *Scope) SetSlotTarget(holderID string, slotName string, target ObjectRef) error {
	holder, found := scope.Holder(holderID)
	if !found {
		return fmt.Errorf(holderNotFoundTemplateConstant, holderID, scope.Name)
	}
	for _, slot := range holder.Slots {
		if slot.Name == slotName {
			slot.Target = target
			return nil
		}
	}
	return fmt.Errorf(slotNotFoundTemplateConstant, slotName, holderID)
}

// Clip returns the clip with the provided identifier.
func (scope *Scope) Clip(clipID string) (*Clip, bool) {
	for _, clip := range scope.Clips {
		if clip.ID == clipID {
			return clip, true
		}
	}
	return nil, false
}

// SetBindingKey rewrites the key of one curve binding on a clip.
func (scope *Scope) SetBindingKey(clipID string, bindingIndex int, binding CurveBinding) error {
	clip, found := scope.Clip(clipID)
	if !found {
		return fmt.Errorf(clipNotFoundTemplateConstant, clipID, scope.Name)
	}
	if bindingIndex < 0 || bindingIndex >= len(clip.Bindings) {
		return fmt.Errorf(bindingIndexOutOfRangeTemplateConstant, bindingIndex, clipID)
	}
	updated := binding
	clip.Bindings[bindingIndex] = &updated
	return nil
}

// BeginUndoGroup snapshots the scope when the outermost group opens.
func (scope *Scope) BeginUndoGroup(label string) error {
	if scope.openGroups == 0 {
		snapshot, snapshotError := scope.snapshot(label)
		if snapshotError != nil {
			return fmt.Errorf(scopeSnapshotFailureTemplateConstant, scope.Name, snapshotError)
		}
		scope.undoStack = append(scope.undoStack, snapshot)
	}
	scope.openGroups++
	return nil
}

// EndUndoGroup closes the innermost open undo group.
func (scope *Scope) EndUndoGroup() error {
	if scope.openGroups == 0 {
		return ErrUndoGroupNotOpen
	}
	scope.openGroups--
	return nil
}

// CanUndo reports whether a completed undo group is available.
func (scope *Scope) CanUndo() bool {
	return len(scope.undoStack) > 0 && scope.openGroups == 0
}

// Undo restores the scope to the state captured by the most recent undo group.
func (scope *Scope) Undo() (string, bool) {
	if !scope.CanUndo() {
		return "", false
	}
	snapshot := scope.undoStack[len(scope.undoStack)-1]
	scope.undoStack = scope.undoStack[:len(scope.undoStack)-1]
	scope.SchemaVersion = snapshot.schemaVersion
	scope.Nodes = snapshot.nodes
	scope.Holders = snapshot.holders
	scope.Clips = snapshot.clips
	for _, node := range scope.Nodes {
		scope.MarkChanged(node.ID)
	}
	return snapshot.label, true
}

// Clone deep-copies the document content of the scope without its transaction state.
func (scope *Scope) Clone() (*Scope, error) {
	snapshot, snapshotError := scope.snapshot("")
	if snapshotError != nil {
		return nil, snapshotError
	}
	return &Scope{
		Name:          scope.Name,
		Kind:          scope.Kind,
		SchemaVersion: snapshot.schemaVersion,
		Nodes:         snapshot.nodes,
		Holders:       snapshot.holders,
		Clips:         snapshot.clips,
	}, nil
}

func (scope *Scope) snapshot(label string) (scopeSnapshot, error) {
	nodes := make([]*Node, 0, len(scope.Nodes))
	for _, node := range scope.Nodes {
		clone, cloneError := cloneNode(node)
		if cloneError != nil {
			return scopeSnapshot{}, cloneError
		}
		nodes = append(nodes, clone)
	}
	holders := make([]*Holder, 0, len(scope.Holders))
	for _, holder := range scope.Holders {
		clone, cloneError := cloneHolder(holder)
		if cloneError != nil {
			return scopeSnapshot{}, cloneError
		}
		holders = append(holders, clone)
	}
	clips := make([]*Clip, 0, len(scope.Clips))
	for _, clip := range scope.Clips {
		clone, cloneError := cloneClip(clip)
		if cloneError != nil {
			return scopeSnapshot{}, cloneError
		}
		clips = append(clips, clone)
	}
	return scopeSnapshot{
		label:         label,
		schemaVersion: scope.SchemaVersion,
		nodes:         nodes,
		holders:       holders,
		clips:         clips,
	}, nil
}

func removeNodeID(identifiers []NodeID, target NodeID) []NodeID {
	filtered := identifiers[:0]
	for _, identifier := range identifiers {
		if identifier != target {
			filtered = append(filtered, identifier)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
