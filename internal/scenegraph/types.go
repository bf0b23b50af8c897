package scenegraph

import (
	"fmt"
	"strings"
)

const (
	objectReferenceNodeTemplateConstant   = "%s#%s"
	objectReferenceRecordTemplateConstant = "%s#%s/%s"
	sameScopeDisplayNameConstant          = "."
)

// NodeID identifies a node within its scope.
type NodeID string

// RecordID identifies a record within its node.
type RecordID string

// ScopeKind distinguishes scene documents from prefab assets.
type ScopeKind string

// Supported scope kinds.
const (
	ScopeKindScene  ScopeKind = ScopeKind("scene")
	ScopeKindPrefab ScopeKind = ScopeKind("prefab")
)

// ObjectRef addresses a node, or a record on a node, possibly in another scope.
type ObjectRef struct {
	Scope  string   `yaml:"scope,omitempty"`
	Node   NodeID   `yaml:"node"`
	Record RecordID `yaml:"record,omitempty"`
}

// IsZero reports whether the reference points nowhere.
func (reference ObjectRef) IsZero() bool {
	return len(reference.Node) == 0
}

// Qualified fills an empty scope with the provided scope name.
func (reference ObjectRef) Qualified(scopeName string) ObjectRef {
	if len(strings.TrimSpace(reference.Scope)) == 0 {
		reference.Scope = scopeName
	}
	return reference
}

// InScope reports whether the reference targets the named scope. Unqualified references are local.
func (reference ObjectRef) InScope(scopeName string) bool {
	return len(reference.Scope) == 0 || reference.Scope == scopeName
}

// String renders the reference for diagnostics.
func (reference ObjectRef) String() string {
	scopeName := reference.Scope
	if len(scopeName) == 0 {
		scopeName = sameScopeDisplayNameConstant
	}
	if len(reference.Record) == 0 {
		return fmt.Sprintf(objectReferenceNodeTemplateConstant, scopeName, reference.Node)
	}
	return fmt.Sprintf(objectReferenceRecordTemplateConstant, scopeName, reference.Node, reference.Record)
}

// Record is a typed block of data attached to a node.
type Record struct {
	ID         RecordID             `yaml:"id"`
	Type       string               `yaml:"type"`
	Disabled   bool                 `yaml:"disabled,omitempty"`
	Fields     map[string]any       `yaml:"fields,omitempty"`
	References map[string]ObjectRef `yaml:"references,omitempty"`
}

// Enabled reports whether the record participates in the active schema.
func (record *Record) Enabled() bool {
	return record != nil && !record.Disabled
}

// Field returns the value stored at the dotted field path.
func (record *Record) Field(path string) (any, bool) {
	if record == nil {
		return nil, false
	}
	return LookupField(record.Fields, path)
}

// SetField stores a value at the dotted field path, creating intermediate maps.
func (record *Record) SetField(path string, value any) error {
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	return AssignField(record.Fields, path, value)
}

// Node is an addressable object in a scope's document graph.
type Node struct {
	ID       NodeID    `yaml:"id"`
	Name     string    `yaml:"name"`
	Parent   NodeID    `yaml:"parent,omitempty"`
	Children []NodeID  `yaml:"children,omitempty"`
	Inactive bool      `yaml:"inactive,omitempty"`
	Hidden   bool      `yaml:"hidden,omitempty"`
	Scratch  bool      `yaml:"-"`
	Records  []*Record `yaml:"records,omitempty"`
}

// Record returns the record with the provided identifier.
func (node *Node) Record(recordID RecordID) (*Record, bool) {
	for _, record := range node.Records {
		if record.ID == recordID {
			return record, true
		}
	}
	return nil, false
}

// RecordsOfType returns the node's records of the provided type in document order.
func (node *Node) RecordsOfType(recordType string) []*Record {
	var matching []*Record
	for _, record := range node.Records {
		if record.Type == recordType {
			matching = append(matching, record)
		}
	}
	return matching
}

// FirstRecordOfType returns the first record of the provided type.
func (node *Node) FirstRecordOfType(recordType string) (*Record, bool) {
	for _, record := range node.Records {
		if record.Type == recordType {
			return record, true
		}
	}
	return nil, false
}

// HasRecordType reports whether any record of the provided type is attached.
func (node *Node) HasRecordType(recordType string) bool {
	_, found := node.FirstRecordOfType(recordType)
	return found
}

// Holder is an external sequencer-like object storing binding slots.
type Holder struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Slots []*BindingSlot `yaml:"slots,omitempty"`
}

// BindingSlot is a named reference from a holder to a node or record.
type BindingSlot struct {
	Name   string    `yaml:"name"`
	Target ObjectRef `yaml:"target"`
}

// Clip is an animation asset binding time-series curves to record fields.
type Clip struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Root     NodeID          `yaml:"root"`
	Bindings []*CurveBinding `yaml:"bindings,omitempty"`
}

// CurveBinding keys one animated field by node path, record type, and field name.
type CurveBinding struct {
	Path       string `yaml:"path"`
	RecordType string `yaml:"record_type"`
	Field      string `yaml:"field"`
}
