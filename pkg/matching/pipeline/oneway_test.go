package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/gomatch/pkg/matching"
)

func pairSet(keys []matching.PairKey) map[matching.PairKey]struct{} {
	set := make(map[matching.PairKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func TestOneWay_DifferenceIsDirectional(t *testing.T) {
	clusters := map[string][]string{"c1": {"1", "2", "3"}}
	groups := map[string][]string{"g1": {"1", "2"}, "g2": {"3"}}

	got := oneWay(clusters, groups, 100)
	assert.Equal(t, map[matching.PairKey]struct{}{
		matching.NewPairKey("1", "3"): {},
		matching.NewPairKey("2", "3"): {},
	}, pairSet(got))

	assert.Empty(t, oneWay(groups, clusters, 100),
		"every group pair is also co-clustered")
}

func TestOneWay_IdenticalGroupingsYieldNothing(t *testing.T) {
	g := map[string][]string{"a": {"1", "2"}, "b": {"3", "4", "5"}}
	assert.Empty(t, oneWay(g, g, 100))
}

func TestOneWay_BatchingDoesNotChangeTheResult(t *testing.T) {
	a := map[string][]string{
		"x": {"1", "2", "3"},
		"y": {"4", "5"},
		"z": {"6", "7", "8", "9"},
	}
	b := map[string][]string{
		"p": {"1", "2"},
		"q": {"3", "4", "5", "6"},
		"r": {"7"}, "s": {"8"}, "t": {"9"},
	}

	whole := pairSet(oneWay(a, b, 100))
	oneByOne := pairSet(oneWay(a, b, 1))
	assert.Equal(t, whole, oneByOne)
	assert.NotEmpty(t, whole)
}

func TestOneWay_SingletonsProduceNoPairs(t *testing.T) {
	a := map[string][]string{"a": {"1"}, "b": {"2"}, "c": {"3"}}
	b := map[string][]string{"all": {"1", "2", "3"}}
	assert.Empty(t, oneWay(a, b, 100))
}

func TestOneWay_MissingFromOtherSideStillDiffers(t *testing.T) {
	// Records unknown to b count as never co-grouped there.
	a := map[string][]string{"a": {"1", "2"}}
	b := map[string][]string{}

	got := oneWay(a, b, 100)
	assert.Equal(t, []matching.PairKey{matching.NewPairKey("1", "2")}, got)
}
