// Package cli constructs the cmupgrade command-line interface: the Cobra root
// command, the layered configuration loader, and the structured logger shared
// by the upgrade subcommands.
package cli
