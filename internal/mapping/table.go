package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	ruleSourceRequiredMessageConstant        = "mapping rule source type must be provided"
	ruleDuplicateSourceTemplateConstant      = "mapping rule for %s is defined more than once"
	ruleTargetsRequiredTemplateConstant      = "mapping rule for %s must declare at least one target"
	ruleUnsupportedPatternTemplateConstant   = "mapping rule for %s uses unsupported pattern %q"
	ruleTargetTypeRequiredTemplateConstant   = "mapping rule for %s has a target without a type"
	ruleCoreTargetOptionalTemplateConstant   = "mapping rule for %s marks its core target optional"
	ruleFlattenChildRequiredTemplateConstant = "flatten rule for %s must name the child to merge"
	ruleRigsRequiredTemplateConstant         = "rigs rule for %s must declare rig children"
	ruleRigsPrimaryTemplateConstant          = "rigs rule for %s names primary rig %q that is not among its children"
	ruleRigsModifierRecordTemplateConstant   = "rigs rule for %s must name a modifier record type"
	sourceConstraintInvalidTemplateConstant  = "invalid source version constraint %q: %w"
	targetVersionInvalidTemplateConstant     = "invalid target version %q: %w"
	scopeVersionInvalidTemplateConstant      = "invalid scope schema version %q: %w"
	targetVersionRequiredMessageConstant     = "mapping table must declare a target version"
	modifierFieldPathTemplateConstant        = "Modifiers.%s.%s.%s"
	modifierTopSlotConstant                  = "Top"
	modifierBottomSlotConstant               = "Bottom"
	defaultOptOutRecordTypeConstant          = "CinemachineDoNotUpgrade"
)

// Pattern names a structural conversion pattern.
type Pattern string

// Supported conversion patterns.
const (
	PatternReplace Pattern = Pattern("replace")
	PatternSplit   Pattern = Pattern("split")
	PatternFlatten Pattern = Pattern("flatten")
	PatternRigs    Pattern = Pattern("rigs")
)

// RigSlot names the rig a modifier value is taken from.
type RigSlot string

// Modifier slots.
const (
	RigSlotTop    RigSlot = RigSlot(modifierTopSlotConstant)
	RigSlotBottom RigSlot = RigSlot(modifierBottomSlotConstant)
)

// Table is the constructed-once conversion configuration handed to the upgrade engine.
type Table struct {
	SourceVersions string   `mapstructure:"source_versions"`
	TargetVersion  string   `mapstructure:"target_version"`
	OptOutRecord   string   `mapstructure:"opt_out_record"`
	Structural     []string `mapstructure:"structural"`
	Rules          []Rule   `mapstructure:"rules"`
	Obsolete       []string `mapstructure:"obsolete"`

	sourceConstraint *semver.Constraints
	targetVersion    *semver.Version
	ruleIndex        map[string]*Rule
	obsoleteIndex    map[string]struct{}
	structuralIndex  map[string]struct{}
	fieldIndex       map[string]map[string]FieldTarget
}

// Rule converts one legacy record type.
type Rule struct {
	Source  string       `mapstructure:"source"`
	Pattern Pattern      `mapstructure:"pattern"`
	Targets []Target     `mapstructure:"targets"`
	Flatten *FlattenSpec `mapstructure:"flatten"`
	Rigs    *RigSpec     `mapstructure:"rigs"`
}

// Target describes one record produced by a rule.
type Target struct {
	Type       string            `mapstructure:"type"`
	Optional   bool              `mapstructure:"optional"`
	Defaults   map[string]any    `mapstructure:"defaults"`
	Fields     map[string]string `mapstructure:"fields"`
	References map[string]string `mapstructure:"references"`
}

// FlattenSpec names the hidden child whose records merge onto the primary node.
type FlattenSpec struct {
	Child string `mapstructure:"child"`
}

// RigSpec describes a composite of sibling rigs collapsed into one node.
type RigSpec struct {
	Children       []string       `mapstructure:"children"`
	Primary        string         `mapstructure:"primary"`
	Top            string         `mapstructure:"top"`
	Bottom         string         `mapstructure:"bottom"`
	ModifierRecord string         `mapstructure:"modifier_record"`
	Modifiers      []ModifierSpec `mapstructure:"modifiers"`
}

// ModifierSpec lists rig fields the new schema can vary continuously between rigs.
type ModifierSpec struct {
	Name   string            `mapstructure:"name"`
	Record string            `mapstructure:"record"`
	Fields map[string]string `mapstructure:"fields"`
}

// FieldTarget is the destination of a translated field.
type FieldTarget struct {
	RecordType string
	Path       string
}

// Prepare validates the table and builds its lookup indexes.
func (table *Table) Prepare() error {
	if len(strings.TrimSpace(table.TargetVersion)) == 0 {
		return errors.New(targetVersionRequiredMessageConstant)
	}
	targetVersion, targetError := semver.NewVersion(table.TargetVersion)
	if targetError != nil {
		return fmt.Errorf(targetVersionInvalidTemplateConstant, table.TargetVersion, targetError)
	}
	table.targetVersion = targetVersion

	table.sourceConstraint = nil
	if len(strings.TrimSpace(table.SourceVersions)) > 0 {
		constraint, constraintError := semver.NewConstraint(table.SourceVersions)
		if constraintError != nil {
			return fmt.Errorf(sourceConstraintInvalidTemplateConstant, table.SourceVersions, constraintError)
		}
		table.sourceConstraint = constraint
	}

	if len(strings.TrimSpace(table.OptOutRecord)) == 0 {
		table.OptOutRecord = defaultOptOutRecordTypeConstant
	}

	table.ruleIndex = make(map[string]*Rule, len(table.Rules))
	table.fieldIndex = map[string]map[string]FieldTarget{}
	for ruleIndex := range table.Rules {
		rule := &table.Rules[ruleIndex]
		if validationError := validateRule(rule); validationError != nil {
			return validationError
		}
		if _, duplicate := table.ruleIndex[rule.Source]; duplicate {
			return fmt.Errorf(ruleDuplicateSourceTemplateConstant, rule.Source)
		}
		table.ruleIndex[rule.Source] = rule
		for _, target := range rule.Targets {
			for oldPath, newPath := range target.Fields {
				table.indexField(rule.Source, oldPath, FieldTarget{RecordType: target.Type, Path: newPath})
			}
		}
	}

	table.obsoleteIndex = make(map[string]struct{}, len(table.Obsolete))
	for _, obsoleteType := range table.Obsolete {
		table.obsoleteIndex[strings.TrimSpace(obsoleteType)] = struct{}{}
	}
	table.structuralIndex = make(map[string]struct{}, len(table.Structural))
	for _, structuralType := range table.Structural {
		table.structuralIndex[strings.TrimSpace(structuralType)] = struct{}{}
	}
	return nil
}

func (table *Table) indexField(sourceType string, oldPath string, target FieldTarget) {
	fields, exists := table.fieldIndex[sourceType]
	if !exists {
		fields = map[string]FieldTarget{}
		table.fieldIndex[sourceType] = fields
	}
	if _, alreadyIndexed := fields[oldPath]; alreadyIndexed {
		return
	}
	fields[oldPath] = target
}

func validateRule(rule *Rule) error {
	rule.Source = strings.TrimSpace(rule.Source)
	if len(rule.Source) == 0 {
		return errors.New(ruleSourceRequiredMessageConstant)
	}
	if len(rule.Targets) == 0 {
		return fmt.Errorf(ruleTargetsRequiredTemplateConstant, rule.Source)
	}
	for targetIndex, target := range rule.Targets {
		if len(strings.TrimSpace(target.Type)) == 0 {
			return fmt.Errorf(ruleTargetTypeRequiredTemplateConstant, rule.Source)
		}
		if targetIndex == 0 && target.Optional {
			return fmt.Errorf(ruleCoreTargetOptionalTemplateConstant, rule.Source)
		}
	}

	switch rule.Pattern {
	case PatternReplace, PatternSplit:
		return nil
	case PatternFlatten:
		if rule.Flatten == nil || len(strings.TrimSpace(rule.Flatten.Child)) == 0 {
			return fmt.Errorf(ruleFlattenChildRequiredTemplateConstant, rule.Source)
		}
		return nil
	case PatternRigs:
		if rule.Rigs == nil || len(rule.Rigs.Children) == 0 {
			return fmt.Errorf(ruleRigsRequiredTemplateConstant, rule.Source)
		}
		if !containsString(rule.Rigs.Children, rule.Rigs.Primary) {
			return fmt.Errorf(ruleRigsPrimaryTemplateConstant, rule.Source, rule.Rigs.Primary)
		}
		if len(strings.TrimSpace(rule.Rigs.ModifierRecord)) == 0 {
			return fmt.Errorf(ruleRigsModifierRecordTemplateConstant, rule.Source)
		}
		return nil
	default:
		return fmt.Errorf(ruleUnsupportedPatternTemplateConstant, rule.Source, rule.Pattern)
	}
}

// Rule returns the conversion rule for a legacy record type.
func (table *Table) Rule(sourceType string) (*Rule, bool) {
	rule, exists := table.ruleIndex[sourceType]
	return rule, exists
}

// IsLegacyType reports whether a record type belongs to the superseded schema.
func (table *Table) IsLegacyType(recordType string) bool {
	if _, hasRule := table.ruleIndex[recordType]; hasRule {
		return true
	}
	_, obsolete := table.obsoleteIndex[recordType]
	return obsolete
}

// IsObsolete reports whether a record type is removed by the final cleanup.
func (table *Table) IsObsolete(recordType string) bool {
	_, obsolete := table.obsoleteIndex[recordType]
	return obsolete
}

// IsStructural reports whether a record type only marks implicit structure and needs no conversion.
func (table *Table) IsStructural(recordType string) bool {
	_, structural := table.structuralIndex[recordType]
	return structural
}

// TranslateField maps a legacy (record type, field) pair onto the new schema.
func (table *Table) TranslateField(sourceType string, fieldPath string) (FieldTarget, bool) {
	fields, exists := table.fieldIndex[sourceType]
	if !exists {
		return FieldTarget{}, false
	}
	target, mapped := fields[fieldPath]
	return target, mapped
}

// KnownFields lists the legacy field paths the table can translate for a record type.
func (table *Table) KnownFields(sourceType string) []string {
	fields := table.fieldIndex[sourceType]
	known := make([]string, 0, len(fields))
	for fieldPath := range fields {
		known = append(known, fieldPath)
	}
	sort.Strings(known)
	return known
}

// TargetTypes lists every record type the table produces.
func (table *Table) TargetTypes() []string {
	seen := map[string]struct{}{}
	var targetTypes []string
	for _, rule := range table.Rules {
		typesForRule := make([]string, 0, len(rule.Targets)+1)
		for _, target := range rule.Targets {
			typesForRule = append(typesForRule, target.Type)
		}
		if rule.Rigs != nil {
			typesForRule = append(typesForRule, rule.Rigs.ModifierRecord)
		}
		for _, targetType := range typesForRule {
			if _, exists := seen[targetType]; exists {
				continue
			}
			seen[targetType] = struct{}{}
			targetTypes = append(targetTypes, targetType)
		}
	}
	sort.Strings(targetTypes)
	return targetTypes
}

// TargetVersionString returns the schema version written to migrated scopes.
func (table *Table) TargetVersionString() string {
	if table.targetVersion == nil {
		return table.TargetVersion
	}
	return table.targetVersion.String()
}

// NeedsMigration reports whether a scope at schemaVersion is in the legacy range.
// Scopes without a version predate versioning and always need migration.
func (table *Table) NeedsMigration(schemaVersion string) (bool, error) {
	trimmedVersion := strings.TrimSpace(schemaVersion)
	if len(trimmedVersion) == 0 {
		return true, nil
	}
	version, versionError := semver.NewVersion(trimmedVersion)
	if versionError != nil {
		return false, fmt.Errorf(scopeVersionInvalidTemplateConstant, schemaVersion, versionError)
	}
	if table.targetVersion != nil && !version.LessThan(table.targetVersion) {
		return false, nil
	}
	if table.sourceConstraint == nil {
		return true, nil
	}
	return table.sourceConstraint.Check(version), nil
}

// IsCurrent reports whether a scope at schemaVersion already carries the target schema.
func (table *Table) IsCurrent(schemaVersion string) (bool, error) {
	trimmedVersion := strings.TrimSpace(schemaVersion)
	if len(trimmedVersion) == 0 || table.targetVersion == nil {
		return false, nil
	}
	version, versionError := semver.NewVersion(trimmedVersion)
	if versionError != nil {
		return false, fmt.Errorf(scopeVersionInvalidTemplateConstant, schemaVersion, versionError)
	}
	return !version.LessThan(table.targetVersion), nil
}

// ModifierFor returns the modifier covering a field of a rig record.
func (spec *RigSpec) ModifierFor(recordType string, fieldPath string) (ModifierSpec, string, bool) {
	if spec == nil {
		return ModifierSpec{}, "", false
	}
	for _, modifier := range spec.Modifiers {
		if modifier.Record != recordType {
			continue
		}
		if modifierField, covered := modifier.Fields[fieldPath]; covered {
			return modifier, modifierField, true
		}
	}
	return ModifierSpec{}, "", false
}

// SlotFor reports which modifier slot a rig child feeds.
func (spec *RigSpec) SlotFor(rigName string) (RigSlot, bool) {
	if spec == nil {
		return "", false
	}
	switch rigName {
	case spec.Top:
		return RigSlotTop, len(spec.Top) > 0
	case spec.Bottom:
		return RigSlotBottom, len(spec.Bottom) > 0
	default:
		return "", false
	}
}

// ModifierFieldPath builds the path of a modifier value inside the modifier record.
func ModifierFieldPath(modifierName string, slot RigSlot, modifierField string) string {
	return fmt.Sprintf(modifierFieldPathTemplateConstant, modifierName, slot, modifierField)
}

func containsString(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
