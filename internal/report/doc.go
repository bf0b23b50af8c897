// Package report renders the end-of-run upgrade summary and its diagnostics
// as console text, YAML, or JSON.
package report
