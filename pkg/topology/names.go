// Package topology turns a validated configuration into what the runtime
// boots: environment names, required entrypoint exports, the launch plan and
// the generated wrapper modules.
package topology

import (
	"strings"

	"github.com/polisai/workergraph/pkg/domain"
)

// Substitute replaces every rune that is not legal in an environment name.
const Substitute = '_'

// EnvironmentNameFor transliterates a worker id into an environment name.
// Environment names may only hold ASCII letters, digits, '_' and '$'.
func EnvironmentNameFor(id domain.WorkerID) domain.EnvironmentName {
	return domain.EnvironmentName(strings.Map(func(r rune) rune {
		if isEnvironmentRune(r) {
			return r
		}
		return Substitute
	}, string(id)))
}

func isEnvironmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '$':
		return true
	}
	return false
}
