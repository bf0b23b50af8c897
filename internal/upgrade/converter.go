package upgrade

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	backupNameSuffixConstant            = " (CM2 backup)"
	convertNodeErrorTemplateConstant    = "unable to convert node %s: %w"
	backupNodeErrorTemplateConstant     = "unable to back up node %s: %w"
	logMessageBackupCreatedConstant     = "Created frozen backup for irreconcilable rig"
	logMessageNodeConvertedConstant     = "Converted node on scratch copy"
	logMessageRecordMergedConstant      = "Merged converted values into record created earlier in this pass"
	logFieldBackupConstant              = "backup"
	logFieldCopyConstant                = "copy"
	logFieldCreatedRecordsConstant      = "created_records"
	logFieldModifierFieldsConstant      = "modifier_fields"
	referenceFieldDisplayPrefixConstant = "references."
)

// Link ties a live node to the scratch copy that holds its converted records.
type Link struct {
	LiveNode   scenegraph.NodeID
	CopyNode   scenegraph.NodeID
	NodeName   string
	SourceType string
	Rule       *mapping.Rule
	// RecordLinks maps legacy record references on the live node or its hidden children
	// to the converted record on the copy.
	RecordLinks map[scenegraph.ObjectRef]scenegraph.ObjectRef
	// VanishingNodes holds the live hidden children folded into the node, keyed by identifier.
	VanishingNodes    map[scenegraph.NodeID]string
	FlattenedChildren []string
	RigChildren       []string
	Backup            scenegraph.NodeID
	ModifierFields    []string

	createdRecords  []scenegraph.RecordID
	replacedRecords []scenegraph.RecordID
	recordRemap     map[scenegraph.RecordID]scenegraph.RecordID
}

func newLink(live *scenegraph.Node, copyNode *scenegraph.Node, sourceType string, rule *mapping.Rule) *Link {
	return &Link{
		LiveNode:       live.ID,
		CopyNode:       copyNode.ID,
		NodeName:       live.Name,
		SourceType:     sourceType,
		Rule:           rule,
		RecordLinks:    map[scenegraph.ObjectRef]scenegraph.ObjectRef{},
		VanishingNodes: map[scenegraph.NodeID]string{},
		recordRemap:    map[scenegraph.RecordID]scenegraph.RecordID{},
	}
}

// liveRecord maps a copy record identifier onto the identifier it carries on the live node after sync.
func (link *Link) liveRecord(recordID scenegraph.RecordID) scenegraph.RecordID {
	if remapped, exists := link.recordRemap[recordID]; exists {
		return remapped
	}
	return recordID
}

// conversionPlan is the read-only analysis of a live node before any copy exists.
type conversionPlan struct {
	compositeRule   *mapping.Rule
	compositeRecord *scenegraph.Record
	ownRecords      []*scenegraph.Record
	members         []*scenegraph.Node
}

type rigMismatch struct {
	rig        string
	recordType string
	field      string
	missing    bool
}

type modifierDifference struct {
	modifier      mapping.ModifierSpec
	recordType    string
	field         string
	modifierField string
}

type rigComparison struct {
	differences []modifierDifference
	mismatches  []rigMismatch
}

// Converter rebuilds legacy records as new-schema records on a scratch copy of a node.
type Converter struct {
	table  *mapping.Table
	logger *zap.Logger
}

// NewConverter constructs a converter over the mapping table.
func NewConverter(table *mapping.Table, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{table: table, logger: logger}
}

// Convert builds the converted copy of nodeID. It returns nil when the node carries no
// enabled legacy records, and diagnostics without a link when a legacy record is unmappable.
func (converter *Converter) Convert(scope *scenegraph.Scope, nodeID scenegraph.NodeID) (*Link, []Diagnostic, error) {
	live, nodeError := scope.RequireNode(nodeID)
	if nodeError != nil {
		return nil, nil, nodeError
	}

	plan, diagnostics := converter.plan(scope, live)
	if len(diagnostics) > 0 || plan == nil {
		return nil, diagnostics, nil
	}

	var comparison rigComparison
	if plan.compositeRule != nil && plan.compositeRule.Pattern == mapping.PatternRigs {
		comparison = converter.compareRigs(scope, live, plan.compositeRule.Rigs)
	}

	var backupID scenegraph.NodeID
	if len(comparison.mismatches) > 0 {
		backup, backupError := converter.createBackup(scope, live)
		if backupError != nil {
			return nil, nil, fmt.Errorf(backupNodeErrorTemplateConstant, live.ID, backupError)
		}
		backupID = backup.ID
		diagnostics = append(diagnostics, irreconcilableDiagnostics(scope.Name, live, plan.compositeRule.Rigs, comparison.mismatches, backup.Name)...)
		converter.logger.Warn(
			logMessageBackupCreatedConstant,
			zap.String(logFieldScopeConstant, scope.Name),
			zap.String(logFieldNodeConstant, string(live.ID)),
			zap.String(logFieldBackupConstant, string(backup.ID)),
		)
	}

	copyNode, cloneError := scope.CloneNode(live.ID)
	if cloneError != nil {
		converter.discard(scope, backupID)
		return nil, nil, fmt.Errorf(convertNodeErrorTemplateConstant, live.ID, cloneError)
	}
	copyNode.Scratch = true
	for _, descendant := range scope.Descendants(copyNode.ID) {
		descendant.Scratch = true
	}

	sourceType := ""
	if plan.compositeRecord != nil {
		sourceType = plan.compositeRecord.Type
	} else if len(plan.ownRecords) > 0 {
		sourceType = plan.ownRecords[0].Type
	}
	link := newLink(live, copyNode, sourceType, plan.compositeRule)
	link.Backup = backupID

	if populateError := converter.populate(scope, live, copyNode, plan, comparison, link); populateError != nil {
		converter.discard(scope, copyNode.ID)
		converter.discard(scope, backupID)
		return nil, nil, fmt.Errorf(convertNodeErrorTemplateConstant, live.ID, populateError)
	}

	converter.logger.Debug(
		logMessageNodeConvertedConstant,
		zap.String(logFieldScopeConstant, scope.Name),
		zap.String(logFieldNodeConstant, string(live.ID)),
		zap.String(logFieldCopyConstant, string(copyNode.ID)),
		zap.String(logFieldRecordTypeConstant, sourceType),
		zap.Int(logFieldCreatedRecordsConstant, len(link.createdRecords)),
		zap.Strings(logFieldModifierFieldsConstant, link.ModifierFields),
	)
	return link, diagnostics, nil
}

func (converter *Converter) plan(scope *scenegraph.Scope, live *scenegraph.Node) (*conversionPlan, []Diagnostic) {
	plan := &conversionPlan{}
	for _, record := range live.Records {
		if !record.Enabled() || !converter.table.IsLegacyType(record.Type) {
			continue
		}
		rule, hasRule := converter.table.Rule(record.Type)
		if !hasRule {
			if converter.table.IsStructural(record.Type) {
				continue
			}
			return nil, []Diagnostic{newUnmappableDiagnostic(scope.Name, live, record.Type)}
		}
		if isCompositePattern(rule.Pattern) && plan.compositeRule == nil {
			plan.compositeRule = rule
			plan.compositeRecord = record
			continue
		}
		plan.ownRecords = append(plan.ownRecords, record)
	}

	if plan.compositeRule == nil && len(plan.ownRecords) == 0 {
		return nil, nil
	}

	plan.members = memberNodes(scope, live, plan.compositeRule)
	for _, member := range plan.members {
		if unmappedType, unmapped := unmappedLegacyType(converter.table, member); unmapped {
			return nil, []Diagnostic{newUnmappableDiagnostic(scope.Name, live, unmappedType)}
		}
	}
	return plan, nil
}

func (converter *Converter) populate(
	scope *scenegraph.Scope,
	live *scenegraph.Node,
	copyNode *scenegraph.Node,
	plan *conversionPlan,
	comparison rigComparison,
	link *Link,
) error {
	pass := newConversionPass(converter, scope, copyNode, link)

	if plan.compositeRecord != nil {
		if _, convertError := pass.convert(plan.compositeRule, plan.compositeRecord, live.ID); convertError != nil {
			return convertError
		}
		link.replacedRecords = append(link.replacedRecords, plan.compositeRecord.ID)
	}
	for _, record := range plan.ownRecords {
		rule, _ := converter.table.Rule(record.Type)
		if _, convertError := pass.convert(rule, record, live.ID); convertError != nil {
			return convertError
		}
		link.replacedRecords = append(link.replacedRecords, record.ID)
	}

	if plan.compositeRule != nil {
		switch plan.compositeRule.Pattern {
		case mapping.PatternFlatten:
			for _, member := range plan.members {
				if _, mergeError := converter.mergeMember(pass, member); mergeError != nil {
					return mergeError
				}
				link.VanishingNodes[member.ID] = member.Name
				link.FlattenedChildren = append(link.FlattenedChildren, member.Name)
			}
		case mapping.PatternRigs:
			if rigsError := converter.mergeRigs(scope, pass, live, plan, comparison); rigsError != nil {
				return rigsError
			}
		}
	}

	for _, childName := range memberChildNames(plan.compositeRule) {
		copyChild, found := scope.ChildNamed(copyNode.ID, childName)
		if !found {
			continue
		}
		if destroyError := scope.DestroyNode(copyChild.ID); destroyError != nil {
			return destroyError
		}
	}
	return nil
}

// mergeMember converts a hidden child's legacy records onto the copy and returns the
// converted record per legacy type.
func (converter *Converter) mergeMember(pass *conversionPass, member *scenegraph.Node) (map[string]*scenegraph.Record, error) {
	converted := map[string]*scenegraph.Record{}
	for _, record := range member.Records {
		if !record.Enabled() {
			continue
		}
		rule, hasRule := converter.table.Rule(record.Type)
		if !hasRule {
			continue
		}
		core, convertError := pass.convert(rule, record, member.ID)
		if convertError != nil {
			return nil, convertError
		}
		if _, exists := converted[record.Type]; !exists && core != nil {
			converted[record.Type] = core
		}
	}
	return converted, nil
}

func (converter *Converter) mergeRigs(
	scope *scenegraph.Scope,
	pass *conversionPass,
	live *scenegraph.Node,
	plan *conversionPlan,
	comparison rigComparison,
) error {
	spec := plan.compositeRule.Rigs
	link := pass.link

	convertedByType := map[string]*scenegraph.Record{}
	if primaryRig, found := scope.ChildNamed(live.ID, spec.Primary); found {
		converted, mergeError := converter.mergeMember(pass, primaryRig)
		if mergeError != nil {
			return mergeError
		}
		convertedByType = converted
	}

	for _, rig := range plan.members {
		link.VanishingNodes[rig.ID] = rig.Name
		link.RigChildren = append(link.RigChildren, rig.Name)
		if rig.Name == spec.Primary {
			continue
		}
		for recordType, record := range legacyRecordsByType(converter.table, rig) {
			if core, converted := convertedByType[recordType]; converted {
				link.RecordLinks[scenegraph.ObjectRef{Node: rig.ID, Record: record.ID}] = scenegraph.ObjectRef{Node: pass.copyNode.ID, Record: core.ID}
			}
		}
	}

	if len(comparison.differences) == 0 {
		return nil
	}

	values := map[string]any{}
	var primaryRecords map[string]*scenegraph.Record
	if primaryRig, found := scope.ChildNamed(live.ID, spec.Primary); found {
		primaryRecords = legacyRecordsByType(converter.table, primaryRig)
	}
	topRig, _ := scope.ChildNamed(live.ID, spec.Top)
	bottomRig, _ := scope.ChildNamed(live.ID, spec.Bottom)
	for _, difference := range comparison.differences {
		primaryValue, _ := primaryRecords[difference.recordType].Field(difference.field)
		for _, endpoint := range []struct {
			slot mapping.RigSlot
			rig  *scenegraph.Node
		}{{slot: mapping.RigSlotTop, rig: topRig}, {slot: mapping.RigSlotBottom, rig: bottomRig}} {
			if endpoint.rig == nil {
				continue
			}
			record, found := legacyRecordsByType(converter.table, endpoint.rig)[difference.recordType]
			if !found {
				continue
			}
			value, present := record.Field(difference.field)
			if !present || scenegraph.ValuesEqual(primaryValue, value) {
				continue
			}
			values[mapping.ModifierFieldPath(difference.modifier.Name, endpoint.slot, difference.modifierField)] = value
		}
	}
	link.ModifierFields = sortedKeys(values)
	_, applyError := pass.apply(spec.ModifierRecord, nil, values, nil)
	return applyError
}

// compareRigs compares every rig's legacy records field by field against the primary rig.
func (converter *Converter) compareRigs(scope *scenegraph.Scope, live *scenegraph.Node, spec *mapping.RigSpec) rigComparison {
	var comparison rigComparison
	primaryRig, primaryFound := scope.ChildNamed(live.ID, spec.Primary)
	if !primaryFound {
		return comparison
	}
	primaryRecords := legacyRecordsByType(converter.table, primaryRig)
	seenDifferences := map[string]struct{}{}

	for _, rigName := range spec.Children {
		if rigName == spec.Primary {
			continue
		}
		rig, found := scope.ChildNamed(live.ID, rigName)
		if !found {
			continue
		}
		rigRecords := legacyRecordsByType(converter.table, rig)
		_, hasSlot := spec.SlotFor(rigName)

		for _, recordType := range unionKeys(primaryRecords, rigRecords) {
			primaryRecord, inPrimary := primaryRecords[recordType]
			rigRecord, inRig := rigRecords[recordType]
			if !inPrimary || !inRig {
				comparison.mismatches = append(comparison.mismatches, rigMismatch{rig: rigName, recordType: recordType, missing: true})
				continue
			}

			for _, fieldPath := range unionFieldPaths(primaryRecord.Fields, rigRecord.Fields) {
				primaryValue, _ := primaryRecord.Field(fieldPath)
				rigValue, _ := rigRecord.Field(fieldPath)
				if scenegraph.ValuesEqual(primaryValue, rigValue) {
					continue
				}
				modifier, modifierField, covered := spec.ModifierFor(recordType, fieldPath)
				if !covered || !hasSlot {
					comparison.mismatches = append(comparison.mismatches, rigMismatch{rig: rigName, recordType: recordType, field: fieldPath})
					continue
				}
				differenceKey := recordType + "\x00" + fieldPath
				if _, seen := seenDifferences[differenceKey]; seen {
					continue
				}
				seenDifferences[differenceKey] = struct{}{}
				comparison.differences = append(comparison.differences, modifierDifference{
					modifier:      modifier,
					recordType:    recordType,
					field:         fieldPath,
					modifierField: modifierField,
				})
			}

			for _, referenceName := range unionReferenceNames(primaryRecord.References, rigRecord.References) {
				if primaryRecord.References[referenceName] != rigRecord.References[referenceName] {
					comparison.mismatches = append(comparison.mismatches, rigMismatch{
						rig:        rigName,
						recordType: recordType,
						field:      referenceFieldDisplayPrefixConstant + referenceName,
					})
				}
			}
		}
	}
	return comparison
}

func (converter *Converter) createBackup(scope *scenegraph.Scope, live *scenegraph.Node) (*scenegraph.Node, error) {
	backup, cloneError := scope.CloneNode(live.ID)
	if cloneError != nil {
		return nil, cloneError
	}
	backup.Name = live.Name + backupNameSuffixConstant
	backup.Inactive = true
	if addError := scope.AddRecord(backup.ID, &scenegraph.Record{Type: converter.table.OptOutRecord}); addError != nil {
		converter.discard(scope, backup.ID)
		return nil, addError
	}
	if len(live.Parent) > 0 {
		if reparentError := scope.Reparent(backup.ID, live.Parent); reparentError != nil {
			converter.discard(scope, backup.ID)
			return nil, reparentError
		}
	}
	return backup, nil
}

func (converter *Converter) discard(scope *scenegraph.Scope, nodeID scenegraph.NodeID) {
	if len(nodeID) == 0 {
		return
	}
	_ = scope.DestroyNode(nodeID)
}

func irreconcilableDiagnostics(
	scopeName string,
	live *scenegraph.Node,
	spec *mapping.RigSpec,
	mismatches []rigMismatch,
	backupName string,
) []Diagnostic {
	diagnostics := make([]Diagnostic, 0, len(mismatches))
	for _, mismatch := range mismatches {
		message := fmt.Sprintf(irreconcilableMessageTemplateConstant, mismatch.rig, spec.Primary, mismatch.recordType, mismatch.field, backupName)
		if mismatch.missing {
			message = fmt.Sprintf(rigRecordSetMessageTemplateConstant, mismatch.rig, spec.Primary, mismatch.recordType, backupName)
		}
		diagnostics = append(diagnostics, Diagnostic{
			Kind:       DiagnosticIrreconcilableVariation,
			Scope:      scopeName,
			Node:       live.ID,
			NodeName:   live.Name,
			Target:     string(live.ID),
			RecordType: mismatch.recordType,
			Field:      mismatch.field,
			Message:    message,
		})
	}
	return diagnostics
}

// conversionPass tracks the target records created on one copy.
type conversionPass struct {
	converter   *Converter
	scope       *scenegraph.Scope
	copyNode    *scenegraph.Node
	link        *Link
	preexisting map[string]struct{}
	created     map[string]*scenegraph.Record
}

func newConversionPass(converter *Converter, scope *scenegraph.Scope, copyNode *scenegraph.Node, link *Link) *conversionPass {
	preexisting := map[string]struct{}{}
	for _, record := range copyNode.Records {
		if !converter.table.IsLegacyType(record.Type) {
			preexisting[record.Type] = struct{}{}
		}
	}
	return &conversionPass{
		converter:   converter,
		scope:       scope,
		copyNode:    copyNode,
		link:        link,
		preexisting: preexisting,
		created:     map[string]*scenegraph.Record{},
	}
}

// convert applies rule to a live legacy record and links it to the core target record.
func (pass *conversionPass) convert(rule *mapping.Rule, source *scenegraph.Record, ownerID scenegraph.NodeID) (*scenegraph.Record, error) {
	var core *scenegraph.Record
	for targetIndex, target := range rule.Targets {
		values := mappedValues(target, source)
		references := mappedReferences(target, source)
		if target.Optional && !differsFromDefaults(target, values, references) {
			continue
		}
		record, applyError := pass.apply(target.Type, target.Defaults, values, references)
		if applyError != nil {
			return nil, applyError
		}
		if targetIndex == 0 {
			core = record
		}
	}
	if core != nil {
		pass.link.RecordLinks[scenegraph.ObjectRef{Node: ownerID, Record: source.ID}] = scenegraph.ObjectRef{Node: pass.copyNode.ID, Record: core.ID}
	}
	return core, nil
}

// apply creates a target record, merges into one created earlier in the pass, or leaves a
// record that existed before conversion untouched.
func (pass *conversionPass) apply(
	recordType string,
	defaults map[string]any,
	values map[string]any,
	references map[string]scenegraph.ObjectRef,
) (*scenegraph.Record, error) {
	if _, existed := pass.preexisting[recordType]; existed {
		existing, _ := pass.copyNode.FirstRecordOfType(recordType)
		return existing, nil
	}

	if record, createdEarlier := pass.created[recordType]; createdEarlier {
		if assignError := assignValues(record, values, references); assignError != nil {
			return nil, assignError
		}
		pass.scope.MarkChanged(pass.copyNode.ID)
		pass.converter.logger.Debug(
			logMessageRecordMergedConstant,
			zap.String(logFieldScopeConstant, pass.scope.Name),
			zap.String(logFieldNodeConstant, string(pass.link.LiveNode)),
			zap.String(logFieldRecordTypeConstant, recordType),
		)
		return record, nil
	}

	record := &scenegraph.Record{ID: scenegraph.NewRecordID(), Type: recordType, Fields: map[string]any{}}
	for _, fieldPath := range sortedKeys(defaults) {
		if assignError := record.SetField(fieldPath, defaults[fieldPath]); assignError != nil {
			return nil, assignError
		}
	}
	if assignError := assignValues(record, values, references); assignError != nil {
		return nil, assignError
	}
	if addError := pass.scope.AddRecord(pass.copyNode.ID, record); addError != nil {
		return nil, addError
	}
	pass.created[recordType] = record
	pass.link.createdRecords = append(pass.link.createdRecords, record.ID)
	return record, nil
}

func assignValues(record *scenegraph.Record, values map[string]any, references map[string]scenegraph.ObjectRef) error {
	for _, fieldPath := range sortedKeys(values) {
		if assignError := record.SetField(fieldPath, values[fieldPath]); assignError != nil {
			return assignError
		}
	}
	if len(references) == 0 {
		return nil
	}
	if record.References == nil {
		record.References = map[string]scenegraph.ObjectRef{}
	}
	for referenceName, reference := range references {
		record.References[referenceName] = reference
	}
	return nil
}

func mappedValues(target mapping.Target, source *scenegraph.Record) map[string]any {
	values := map[string]any{}
	for oldPath, newPath := range target.Fields {
		if value, present := source.Field(oldPath); present {
			values[newPath] = value
		}
	}
	return values
}

func mappedReferences(target mapping.Target, source *scenegraph.Record) map[string]scenegraph.ObjectRef {
	references := map[string]scenegraph.ObjectRef{}
	for oldName, newName := range target.References {
		if reference, present := source.References[oldName]; present && !reference.IsZero() {
			references[newName] = reference
		}
	}
	return references
}

// differsFromDefaults decides whether an optional target carries information worth a record.
func differsFromDefaults(target mapping.Target, values map[string]any, references map[string]scenegraph.ObjectRef) bool {
	if len(references) > 0 {
		return true
	}
	for fieldPath, value := range values {
		defaultValue, hasDefault := target.Defaults[fieldPath]
		if !hasDefault || !scenegraph.ValuesEqual(defaultValue, value) {
			return true
		}
	}
	return false
}

func unionKeys(left map[string]*scenegraph.Record, right map[string]*scenegraph.Record) []string {
	keys := map[string]struct{}{}
	for key := range left {
		keys[key] = struct{}{}
	}
	for key := range right {
		keys[key] = struct{}{}
	}
	return sortedKeys(keys)
}

func unionFieldPaths(left map[string]any, right map[string]any) []string {
	paths := map[string]struct{}{}
	for _, path := range scenegraph.FieldPaths(left) {
		paths[path] = struct{}{}
	}
	for _, path := range scenegraph.FieldPaths(right) {
		paths[path] = struct{}{}
	}
	return sortedKeys(paths)
}

func unionReferenceNames(left map[string]scenegraph.ObjectRef, right map[string]scenegraph.ObjectRef) []string {
	names := map[string]struct{}{}
	for name := range left {
		names[name] = struct{}{}
	}
	for name := range right {
		names[name] = struct{}{}
	}
	return sortedKeys(names)
}
