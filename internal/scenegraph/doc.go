// Package scenegraph models the documents a camera-rig upgrade operates on.
//
// A Scope is one scene or prefab document. It owns Nodes, which carry typed
// Records, plus the external Holders (timeline-like sequencers) and Clips
// (animation assets) that reference those nodes. The Host interface opens and
// saves scopes; FileHost persists them as YAML documents and MemoryHost keeps
// them in memory for tests and embedding.
package scenegraph
