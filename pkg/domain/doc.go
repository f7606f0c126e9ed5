// Package domain defines the core types shared by every stage of the worker
// graph pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Values flow in one direction:
//
//	raw document → ResolvedConfig → ResolvedTopology → launch plan / bridge
//
// ResolvedConfig and ResolvedTopology are built once per dev-server generation
// and are never mutated in place; a configuration reload produces new values.
// The error taxonomy used by the validator, the resolver and the invocation
// bridge lives here as well so callers can classify failures with errors.Is.
package domain
