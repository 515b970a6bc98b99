package pipeline

import (
	"sort"

	"github.com/3leaps/gomatch/pkg/matching"
)

// oneWay returns the unordered record pairs co-grouped by a but not by b.
//
// a's groups are processed in sorted batches of up to batchGroups groups, so
// the co-grouping pairs of b are only materialized for the ids one batch
// touches. A pair lies inside exactly one a group, so batches never produce
// duplicates.
func oneWay(a, b map[string][]string, batchGroups int) []matching.PairKey {
	if batchGroups <= 0 {
		batchGroups = 1
	}

	groupIDs := make([]string, 0, len(a))
	for gid := range a {
		groupIDs = append(groupIDs, gid)
	}
	sort.Strings(groupIDs)

	bIndex := make(map[string]string)
	for gid, members := range b {
		for _, id := range members {
			bIndex[id] = gid
		}
	}

	var out []matching.PairKey
	for start := 0; start < len(groupIDs); start += batchGroups {
		end := min(start+batchGroups, len(groupIDs))
		batch := groupIDs[start:end]

		// Pairs b co-groups, restricted to the ids this batch touches.
		cogrouped := make(map[matching.PairKey]struct{})
		for _, gid := range batch {
			for _, id := range a[gid] {
				bgid, ok := bIndex[id]
				if !ok {
					continue
				}
				for _, other := range b[bgid] {
					if other != id {
						cogrouped[matching.NewPairKey(id, other)] = struct{}{}
					}
				}
			}
		}

		for _, gid := range batch {
			members := append([]string(nil), a[gid]...)
			sort.Strings(members)
			for i := 0; i < len(members); i++ {
				for j := i + 1; j < len(members); j++ {
					k := matching.NewPairKey(members[i], members[j])
					if _, ok := cogrouped[k]; !ok {
						out = append(out, k)
					}
				}
			}
		}
	}
	return out
}
