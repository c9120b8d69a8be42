// Package cli implements the subtransport command line: serve runs the
// server, subscribe and publish talk to a running one.
package cli
