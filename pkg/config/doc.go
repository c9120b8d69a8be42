// Package config loads subtransport server configuration from YAML or JSON
// files and SUBTRANSPORT_* environment variables.
//
// Precedence, lowest first: Default, the config file, environment variables,
// command-line flags (applied by the CLI).
package config
