// Package discovery locates scope documents (scenes and prefab assets) beneath
// project roots.
package discovery
