package bridge

import (
	"log/slog"
	"time"
)

// DefaultBuiltinPrefixes are the module namespaces served by the sandbox
// runtime itself.
var DefaultBuiltinPrefixes = []string{"cloudflare:", "host:"}

// DefaultRequestTimeout bounds a forwarded module request.
const DefaultRequestTimeout = 30 * time.Second

// Options configures a Bridge.
type Options struct {
	// Resolver locates the owning host environment of a request.
	Resolver Resolver

	// BuiltinPrefixes is the static allow-list checked before forwarding.
	// Nil uses DefaultBuiltinPrefixes.
	BuiltinPrefixes []string

	// RequestTimeout bounds forwarded requests. Zero disables the bound.
	RequestTimeout time.Duration

	// Generation labels logs, spans and metrics.
	Generation string

	Logger  *slog.Logger
	Metrics *Metrics
	Tracing *TracingManager
}

// DefaultOptions returns options with sensible defaults and no resolver.
func DefaultOptions() Options {
	return Options{
		BuiltinPrefixes: append([]string(nil), DefaultBuiltinPrefixes...),
		RequestTimeout:  DefaultRequestTimeout,
	}
}
