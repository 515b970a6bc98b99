package rules

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// DistanceLevenshtein is the normalized Levenshtein distance, 0 for equal
// strings and 1 for completely different ones.
const DistanceLevenshtein = "levenshtein"

// Distance measures how far apart two column values are, in [0, 1].
type Distance func(a, b string) float64

var distanceFns = map[string]Distance{
	DistanceLevenshtein: func(a, b string) float64 {
		return 1 - levenshtein.Similarity(strings.ToLower(a), strings.ToLower(b), nil)
	},
}

// DistanceFn resolves a distance function by name.
func DistanceFn(name string) (Distance, bool) {
	fn, ok := distanceFns[name]
	return fn, ok
}

// DistanceNames lists the registered distance functions, sorted.
func DistanceNames() []string {
	names := make([]string, 0, len(distanceFns))
	for name := range distanceFns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
