package matching

import "math/rand/v2"

// MostConfident keeps the k highest-confidence proposals by quickselect
// partitioning, expected linear in len(ps). The input is reordered in place;
// the result is not sorted. k <= 0 or k >= len(ps) keeps everything.
func MostConfident(ps []Proposal, k int) []Proposal {
	if k <= 0 || k >= len(ps) {
		return ps
	}
	lo, hi := 0, len(ps)-1
	for lo < hi {
		p := partitionDesc(ps, lo, hi)
		switch {
		case p == k-1:
			return ps[:k]
		case p < k-1:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
	return ps[:k]
}

// partitionDesc partitions ps[lo..hi] around a random pivot by descending
// confidence and returns the pivot's final index.
func partitionDesc(ps []Proposal, lo, hi int) int {
	pivot := lo + rand.IntN(hi-lo+1)
	ps[pivot], ps[hi] = ps[hi], ps[pivot]
	pv := ps[hi].Confidence
	i := lo
	for j := lo; j < hi; j++ {
		if ps[j].Confidence > pv {
			ps[i], ps[j] = ps[j], ps[i]
			i++
		}
	}
	ps[i], ps[hi] = ps[hi], ps[i]
	return i
}
