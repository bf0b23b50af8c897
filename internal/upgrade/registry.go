package upgrade

import (
	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// Registry resolves legacy identities from any processed scope to their replacements.
type Registry struct {
	links map[scenegraph.ObjectRef]scenegraph.ObjectRef
}

// NewRegistry constructs a registry seeded with persisted identity links.
func NewRegistry(links ...journal.IdentityLink) *Registry {
	registry := &Registry{links: map[scenegraph.ObjectRef]scenegraph.ObjectRef{}}
	for _, link := range links {
		registry.Add(link)
	}
	return registry
}

// Add records a qualified identity link.
func (registry *Registry) Add(link journal.IdentityLink) {
	if link.Old.IsZero() || link.New.IsZero() {
		return
	}
	registry.links[link.Old] = link.New
}

// Lookup returns the replacement of a qualified legacy reference.
func (registry *Registry) Lookup(reference scenegraph.ObjectRef) (scenegraph.ObjectRef, bool) {
	replacement, found := registry.links[reference]
	return replacement, found
}

// Len reports how many identities the registry knows.
func (registry *Registry) Len() int {
	return len(registry.links)
}
