package scenegraph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/temirov/cmupgrade/internal/discovery"
)

const (
	scopeNotFoundTemplateConstant       = "scope %s not found"
	scopeReadErrorTemplateConstant      = "unable to read scope %s: %w"
	scopeParseErrorTemplateConstant     = "unable to parse scope %s: %w"
	scopeEncodeErrorTemplateConstant    = "unable to encode scope %s: %w"
	scopeWriteErrorTemplateConstant     = "unable to write scope %s: %w"
	scopeDiscoveryErrorTemplateConstant = "unable to discover scopes: %w"
	scopeNameRequiredMessageConstant    = "scope name must be provided"
	scopeTemporaryFileSuffixConstant    = ".tmp"
	scopeFilePermissionsConstant        = 0o644
	yamlIndentationConstant             = 2
)

var (
	// ErrScopeNotFound reports a scope the host does not know about.
	ErrScopeNotFound     = errors.New("scope not found")
	errScopeNameRequired = errors.New(scopeNameRequiredMessageConstant)
)

// ScopeDescriptor identifies a scope the host can open.
type ScopeDescriptor struct {
	Name     string
	Kind     ScopeKind
	Location string
}

// Host owns scope persistence. Open and save are atomic, synchronous calls.
type Host interface {
	ListScopes(executionContext context.Context) ([]ScopeDescriptor, error)
	OpenScope(executionContext context.Context, scopeName string) (*Scope, error)
	SaveScope(executionContext context.Context, scope *Scope) error
	CloseScope(executionContext context.Context, scopeName string) error
}

// DocumentDiscoverer locates scope documents beneath project roots.
type DocumentDiscoverer interface {
	DiscoverDocuments(roots []string) ([]discovery.Document, error)
}

// MemoryHost keeps scopes in memory. Opened scopes are copies; only SaveScope persists changes.
type MemoryHost struct {
	scopes    map[string]*Scope
	saveCount map[string]int
	openCount map[string]int
}

// NewMemoryHost constructs a host seeded with the provided scopes.
func NewMemoryHost(scopes ...*Scope) *MemoryHost {
	host := &MemoryHost{
		scopes:    map[string]*Scope{},
		saveCount: map[string]int{},
		openCount: map[string]int{},
	}
	for _, scope := range scopes {
		host.scopes[scope.Name] = scope
	}
	return host
}

// ListScopes returns prefabs before scenes, each ordered by name.
func (host *MemoryHost) ListScopes(context.Context) ([]ScopeDescriptor, error) {
	descriptors := make([]ScopeDescriptor, 0, len(host.scopes))
	for name, scope := range host.scopes {
		descriptors = append(descriptors, ScopeDescriptor{Name: name, Kind: scope.Kind, Location: name})
	}
	sortDescriptors(descriptors)
	return descriptors, nil
}

// OpenScope returns a working copy of the stored scope.
func (host *MemoryHost) OpenScope(_ context.Context, scopeName string) (*Scope, error) {
	stored, exists := host.scopes[scopeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, fmt.Sprintf(scopeNotFoundTemplateConstant, scopeName))
	}
	host.openCount[scopeName]++
	return stored.Clone()
}

// SaveScope stores a copy of the scope.
func (host *MemoryHost) SaveScope(_ context.Context, scope *Scope) error {
	if scope == nil || len(strings.TrimSpace(scope.Name)) == 0 {
		return errScopeNameRequired
	}
	stored, cloneError := scope.Clone()
	if cloneError != nil {
		return cloneError
	}
	host.scopes[scope.Name] = stored
	host.saveCount[scope.Name]++
	scope.changedNodes = nil
	return nil
}

// CloseScope is a no-op for in-memory scopes.
func (host *MemoryHost) CloseScope(context.Context, string) error {
	return nil
}

// Stored returns the persisted copy of a scope.
func (host *MemoryHost) Stored(scopeName string) (*Scope, bool) {
	stored, exists := host.scopes[scopeName]
	return stored, exists
}

// SaveCount reports how many times a scope was saved.
func (host *MemoryHost) SaveCount(scopeName string) int {
	return host.saveCount[scopeName]
}

// FileHost persists each scope as a YAML document beneath a project root.
type FileHost struct {
	roots      []string
	discoverer DocumentDiscoverer
	locations  map[string]string
}

// NewFileHost constructs a host over the provided project roots.
func NewFileHost(roots []string, discoverer DocumentDiscoverer) *FileHost {
	if discoverer == nil {
		discoverer = discovery.NewFilesystemDocumentDiscoverer()
	}
	return &FileHost{
		roots:      append([]string{}, roots...),
		discoverer: discoverer,
		locations:  map[string]string{},
	}
}

// ListScopes discovers scope documents beneath the configured roots.
func (host *FileHost) ListScopes(context.Context) ([]ScopeDescriptor, error) {
	documents, discoveryError := host.discoverer.DiscoverDocuments(host.roots)
	if discoveryError != nil {
		return nil, fmt.Errorf(scopeDiscoveryErrorTemplateConstant, discoveryError)
	}
	descriptors := make([]ScopeDescriptor, 0, len(documents))
	for _, document := range documents {
		host.locations[document.Name] = document.Path
		descriptors = append(descriptors, ScopeDescriptor{
			Name:     document.Name,
			Kind:     ScopeKind(document.Kind),
			Location: document.Path,
		})
	}
	return descriptors, nil
}

// OpenScope reads and decodes a scope document.
func (host *FileHost) OpenScope(executionContext context.Context, scopeName string) (*Scope, error) {
	location, locationError := host.locate(executionContext, scopeName)
	if locationError != nil {
		return nil, locationError
	}

	content, readError := os.ReadFile(location)
	if readError != nil {
		return nil, fmt.Errorf(scopeReadErrorTemplateConstant, scopeName, readError)
	}

	scope := &Scope{}
	if decodeError := yaml.Unmarshal(content, scope); decodeError != nil {
		return nil, fmt.Errorf(scopeParseErrorTemplateConstant, scopeName, decodeError)
	}
	scope.Name = scopeName
	if len(scope.Kind) == 0 {
		if kind, classified := discovery.ClassifyDocument(filepath.Base(location)); classified {
			scope.Kind = ScopeKind(kind)
		}
	}
	return scope, nil
}

// SaveScope encodes the scope and replaces its document through a temporary file.
func (host *FileHost) SaveScope(executionContext context.Context, scope *Scope) error {
	if scope == nil || len(strings.TrimSpace(scope.Name)) == 0 {
		return errScopeNameRequired
	}
	location, locationError := host.locate(executionContext, scope.Name)
	if locationError != nil {
		return locationError
	}

	persisted, cloneError := scope.Clone()
	if cloneError != nil {
		return fmt.Errorf(scopeEncodeErrorTemplateConstant, scope.Name, cloneError)
	}
	persisted.Nodes = withoutScratchNodes(persisted.Nodes)

	var encoded strings.Builder
	encoder := yaml.NewEncoder(&encoded)
	encoder.SetIndent(yamlIndentationConstant)
	if encodeError := encoder.Encode(persisted); encodeError != nil {
		return fmt.Errorf(scopeEncodeErrorTemplateConstant, scope.Name, encodeError)
	}
	if closeError := encoder.Close(); closeError != nil {
		return fmt.Errorf(scopeEncodeErrorTemplateConstant, scope.Name, closeError)
	}

	temporaryLocation := location + scopeTemporaryFileSuffixConstant
	if writeError := os.WriteFile(temporaryLocation, []byte(encoded.String()), scopeFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(scopeWriteErrorTemplateConstant, scope.Name, writeError)
	}
	if renameError := os.Rename(temporaryLocation, location); renameError != nil {
		return fmt.Errorf(scopeWriteErrorTemplateConstant, scope.Name, renameError)
	}
	scope.changedNodes = nil
	return nil
}

// CloseScope releases nothing; documents are read fully on open.
func (host *FileHost) CloseScope(context.Context, string) error {
	return nil
}

func (host *FileHost) locate(executionContext context.Context, scopeName string) (string, error) {
	if location, known := host.locations[scopeName]; known {
		return location, nil
	}
	if _, listError := host.ListScopes(executionContext); listError != nil {
		return "", listError
	}
	if location, known := host.locations[scopeName]; known {
		return location, nil
	}
	return "", fmt.Errorf("%w: %s", ErrScopeNotFound, fmt.Sprintf(scopeNotFoundTemplateConstant, scopeName))
}

func withoutScratchNodes(nodes []*Node) []*Node {
	kept := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if !node.Scratch {
			kept = append(kept, node)
		}
	}
	return kept
}

func sortDescriptors(descriptors []ScopeDescriptor) {
	sort.SliceStable(descriptors, func(left, right int) bool {
		if descriptors[left].Kind != descriptors[right].Kind {
			return descriptors[left].Kind == ScopeKindPrefab
		}
		return descriptors[left].Name < descriptors[right].Name
	})
}
