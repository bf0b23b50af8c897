// Package mapping holds the table that drives a schema upgrade: which legacy
// record types convert to which new types, by what structural pattern, and how
// each legacy field path translates. A Table is loaded once, from the embedded
// default or a YAML/TOML file, and handed to the upgrade engine.
package mapping
