package topology

import (
	"sort"

	"github.com/polisai/workergraph/pkg/domain"
)

// Exports maps every declared worker to the sorted, duplicate-free set of
// named exports other workers call.
type Exports map[domain.WorkerID][]domain.ExportName

// DiscoverExports walks the service declarations. Every declared worker gets
// an entry, possibly empty. A reference to an undeclared worker fails with
// UnknownWorkerReferenceError; services are visited in key order so the
// reported reference is stable.
func DiscoverExports(workers map[domain.WorkerID]domain.WorkerConfig, services map[string]domain.ServiceRef) (Exports, error) {
	sets := make(map[domain.WorkerID]map[domain.ExportName]struct{}, len(workers))
	for id := range workers {
		sets[id] = map[domain.ExportName]struct{}{}
	}

	keys := make([]string, 0, len(services))
	for k := range services {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ref := services[key]
		set, ok := sets[ref.Worker]
		if !ok {
			return nil, &domain.UnknownWorkerReferenceError{Service: key, Worker: ref.Worker}
		}
		if ref.IsDefault() {
			continue
		}
		set[ref.Export] = struct{}{}
	}

	out := make(Exports, len(sets))
	for id, set := range sets {
		names := make([]domain.ExportName, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		out[id] = names
	}
	return out, nil
}
