// Package upgrade migrates camera-rig documents from the legacy component
// schema to the current one.
//
// A Scanner selects the nodes that still carry legacy records and orders them
// so referenced nodes convert first. A Converter rebuilds each node's records on
// a scratch copy and returns a Link describing which legacy identities map to
// which new ones. A Rewriter redirects holder slots, record references and
// animation curve bindings through those links. The Service coordinates the
// phases per scope, syncs the live node from its copy, saves checkpoints to the
// journal, and finishes a project run with a deferred cross-scope reference
// pass and the removal of obsolete records.
package upgrade
