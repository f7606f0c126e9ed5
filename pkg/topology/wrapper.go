package topology

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/polisai/workergraph/pkg/domain"
)

// DefaultRunnerModule is the module that implements the forwarding shims.
const DefaultRunnerModule = "workergraph:runner"

// WrapperFactory is the runner export each shim is built with.
const WrapperFactory = "createWorkerEntrypointWrapper"

// WrapperSource generates the entry module of a sandbox: a default handler
// plus one named export per required entrypoint, in lexicographic order.
// Equal workers always produce byte-identical source.
func WrapperSource(worker domain.ResolvedWorker, runnerModule string) string {
	if runnerModule == "" {
		runnerModule = DefaultRunnerModule
	}

	var sb strings.Builder
	sb.WriteString("import { " + WrapperFactory + " } from " + jsString(runnerModule) + ";\n")
	sb.WriteString("export default " + WrapperFactory + "('default');\n")
	for _, name := range sortedExports(worker.RequiredEntrypointExports) {
		sb.WriteString("export const " + string(name) + " = " + WrapperFactory + "('" + string(name) + "');\n")
	}
	return sb.String()
}

// Wrappers generates the wrapper source of every environment.
func Wrappers(topo *domain.ResolvedTopology, runnerModule string) map[domain.EnvironmentName]string {
	out := make(map[domain.EnvironmentName]string, len(topo.Workers))
	for env, w := range topo.Workers {
		out[env] = WrapperSource(w, runnerModule)
	}
	return out
}

// sortedExports tolerates unsorted input so the emitted order never depends
// on how the slice was built.
func sortedExports(in []domain.ExportName) []domain.ExportName {
	out := make([]domain.ExportName, 0, len(in))
	seen := make(map[domain.ExportName]struct{}, len(in))
	for _, name := range in {
		if name == "" || name == domain.DefaultExport {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
