package merge

import (
	"slices"

	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// Order returns batch in an order where every work package follows its
// in-batch dependencies. Dependencies outside the batch count as satisfied.
// Among ready ids the lowest number goes first. A cycle inside the batch is
// an *errors.OrderingError naming every id that could not be placed. When g
// has no metadata for the batch the order is ascending numeric.
func Order(batch []string, g depgraph.Graph) ([]string, error) {
	ids := wp.SortIDs(slices.Compact(wp.SortIDs(slices.Clone(batch))))
	if !hasMetadata(ids, g) {
		return ids, nil
	}

	sub := g.Restrict(ids)
	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range sub[id] {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	order := make([]string, 0, len(ids))
	placed := make(map[string]bool, len(ids))
	for len(order) < len(ids) {
		next := ""
		// ids is ascending, so the first ready id is the lowest.
		for _, id := range ids {
			if !placed[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			var unresolved []string
			for _, id := range ids {
				if !placed[id] {
					unresolved = append(unresolved, id)
				}
			}
			return nil, errors.NewOrderingError(unresolved)
		}

		placed[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}
	return order, nil
}

func hasMetadata(ids []string, g depgraph.Graph) bool {
	for _, id := range ids {
		if _, ok := g[id]; ok {
			return true
		}
	}
	return false
}
