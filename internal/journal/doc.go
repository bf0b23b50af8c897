// Package journal persists upgrade progress in a SQLite database so an
// interrupted project run can resume: completed scope checkpoints, identity
// links from legacy objects to their converted replacements, cross-scope
// references still waiting for a target, and per-scope cleanup state.
package journal
