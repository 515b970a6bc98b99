package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/matching"
)

func record(id string, kv ...string) matching.Record {
	values := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		values[kv[i]] = kv[i+1]
	}
	return matching.Record{ID: id, Values: values}
}

func pair(a, b matching.Record) Pair {
	return Pair{A: a, B: b}
}

func TestExtract_RequiresColumns(t *testing.T) {
	_, err := Extract(Input{}, Options{})
	assert.Error(t, err)
}

func TestExtract_UnknownDistance(t *testing.T) {
	_, err := Extract(Input{}, Options{Columns: []string{"name"}, Distances: []string{"sonic"}})
	assert.Error(t, err)
}

func TestExtract_NoPositivesIsTriviallyComplete(t *testing.T) {
	neg := []Pair{pair(record("1", "name", "ann"), record("2", "name", "bob"))}
	res, err := Extract(Input{Negatives: neg}, Options{Columns: []string{"name"}})
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	assert.Equal(t, 1.0, res.Coverage)
}

func TestExtract_NoNegativesStopsAtAlwaysMatch(t *testing.T) {
	pos := []Pair{pair(record("1", "name", "ann"), record("2", "name", "ann"))}
	res, err := Extract(Input{Positives: pos, Negatives: []Pair{}}, Options{Columns: []string{"name"}})
	require.NoError(t, err)

	require.Len(t, res.Rules, 1)
	assert.IsType(t, AlwaysMatchRule{}, res.Rules[0].Rule)
	assert.Equal(t, 1.0, res.Rules[0].Coverage)
	assert.Equal(t, 1.0, res.Coverage)
}

func TestExtract_EqualityBeatsAlwaysMatchWithNegatives(t *testing.T) {
	pos := []Pair{
		pair(record("a1", "name", "alice", "city", "oslo"), record("a2", "name", "alice", "city", "bergen")),
	}
	neg := []Pair{
		pair(record("a1", "name", "alice"), record("b1", "name", "bob")),
		pair(record("a2", "name", "alice"), record("b2", "name", "carol")),
	}
	res, err := Extract(Input{Positives: pos, Negatives: neg}, Options{Columns: []string{"name", "city"}})
	require.NoError(t, err)

	require.NotEmpty(t, res.Rules)
	first, ok := res.Rules[0].Rule.(EqualityRule)
	require.True(t, ok, "expected an equality rule, got %T", res.Rules[0].Rule)
	assert.Equal(t, "name", first.Column)
	assert.False(t, first.MatchEmpty)
	assert.Equal(t, 1.0, res.Coverage)
}

func TestClassify_DistanceThresholdIsMinOverNegatives(t *testing.T) {
	fn, ok := DistanceFn(DistanceLevenshtein)
	require.True(t, ok)
	d1 := fn("abcd", "abcz")
	d2 := fn("abcd", "azzd")
	require.Greater(t, d2, d1)

	g := &generator{negatives: []Pair{
		pair(record("1", "name", "abcd"), record("2", "name", "abcz")),
		pair(record("3", "name", "abcd"), record("4", "name", "azzd")),
	}}
	c := templateCandidate(template{col: "name", param: &DistanceRule{Column: "name", Distance: DistanceLevenshtein}})

	validity, built := g.classify(c)
	require.Equal(t, ValidityValid, validity)
	rule, ok := built.(DistanceRule)
	require.True(t, ok)
	assert.InDelta(t, d1, rule.Threshold, 1e-12, "loosest threshold excluding every negative")
}

func TestClassify_DistanceZeroMinIsInvalid(t *testing.T) {
	g := &generator{negatives: []Pair{
		pair(record("1", "name", "same"), record("2", "name", "same")),
	}}
	c := templateCandidate(template{col: "name", param: &DistanceRule{Column: "name", Distance: DistanceLevenshtein}})

	validity, _ := g.classify(c)
	assert.Equal(t, ValidityInvalid, validity)
}

func TestClassify_DistanceNoNegativesIsRedundant(t *testing.T) {
	g := &generator{}
	c := templateCandidate(template{col: "name", param: &DistanceRule{Column: "name", Distance: DistanceLevenshtein}})

	validity, _ := g.classify(c)
	assert.Equal(t, ValidityRedundant, validity)
}

func TestClassify_DistanceMatchEmptyCannotExcludeMissing(t *testing.T) {
	g := &generator{negatives: []Pair{
		pair(record("1", "name", "ann"), record("2")),
	}}
	c := templateCandidate(template{col: "name", param: &DistanceRule{Column: "name", Distance: DistanceLevenshtein, MatchEmpty: true}})

	validity, _ := g.classify(c)
	assert.Equal(t, ValidityInvalid, validity)
}

func TestExtract_CompositionNarrowsInvalidSingles(t *testing.T) {
	pos := []Pair{
		pair(record("p1", "name", "ann", "city", "oslo"), record("p2", "name", "ann", "city", "oslo")),
	}
	neg := []Pair{
		// Name agrees, city disagrees: invalidates the name rule alone.
		pair(record("n1", "name", "bob", "city", "x"), record("n2", "name", "bob", "city", "y")),
		// City agrees, name disagrees: invalidates the city rule alone.
		pair(record("n3", "name", "cat", "city", "z"), record("n4", "name", "dog", "city", "z")),
	}
	res, err := Extract(Input{Positives: pos, Negatives: neg}, Options{Columns: []string{"name", "city"}})
	require.NoError(t, err)

	require.NotEmpty(t, res.Rules)
	comp, ok := res.Rules[0].Rule.(CompositionRule)
	require.True(t, ok, "expected a composition, got %T", res.Rules[0].Rule)
	assert.Len(t, comp.Subrules, 2)
	assert.ElementsMatch(t, []string{"name", "city"}, comp.Columns())
	assert.Equal(t, 1.0, res.Coverage)
}

func TestClassify_UselessSubruleIsRedundant(t *testing.T) {
	// eq(b) and eq(c) together exclude every negative, so adding eq(a)
	// cannot be useful.
	negatives := []Pair{
		pair(record("1", "a", "x", "b", "x", "c", "p"), record("2", "a", "x", "b", "x", "c", "q")),
		pair(record("3", "a", "x", "b", "p", "c", "x"), record("4", "a", "x", "b", "q", "c", "x")),
		pair(record("5", "a", "p", "b", "p", "c", "p"), record("6", "a", "q", "b", "q", "c", "q")),
	}
	g := &generator{negatives: negatives}
	c := candidate{
		nonparams: []Rule{
			EqualityRule{Column: "a"},
			EqualityRule{Column: "b"},
			EqualityRule{Column: "c"},
		},
		cols: map[string]struct{}{"a": {}, "b": {}, "c": {}},
	}

	validity, _ := g.classify(c)
	assert.Equal(t, ValidityRedundant, validity)
}

func TestExtract_GreedyCoverageSumsToAtMostOne(t *testing.T) {
	pos := []Pair{
		// Covered by name equality only.
		pair(record("p1", "name", "ann", "city", "a"), record("p2", "name", "ann", "city", "b")),
		// Covered by city equality only.
		pair(record("p3", "name", "x", "city", "c"), record("p4", "name", "y", "city", "c")),
		// Covered by nothing.
		pair(record("p5", "name", "zz", "city", "ll"), record("p6", "name", "qq", "city", "pp")),
	}
	neg := []Pair{
		pair(record("n1", "name", "q", "city", "e"), record("n2", "name", "w", "city", "r")),
	}
	res, err := Extract(Input{Positives: pos, Negatives: neg}, Options{Columns: []string{"name", "city"}})
	require.NoError(t, err)

	require.Len(t, res.Rules, 2)
	sum := 0.0
	for _, rc := range res.Rules {
		assert.Greater(t, rc.Coverage, 0.0)
		sum += rc.Coverage
	}
	assert.LessOrEqual(t, sum, 1.0)
	assert.InDelta(t, 2.0/3.0, res.Coverage, 1e-9)
	assert.InDelta(t, sum, res.Coverage, 1e-9, "greedy gains add up to the overall coverage")
}

func TestExtract_DerivesComplementNegatives(t *testing.T) {
	r1 := record("1", "name", "ann")
	r2 := record("2", "name", "ann")
	r3 := record("3", "name", "bob")

	res, err := Extract(Input{
		Positives: []Pair{pair(r1, r2)},
		Records:   []matching.Record{r1, r2, r3},
	}, Options{Columns: []string{"name"}})
	require.NoError(t, err)

	// With derived negatives (1,3) and (2,3) the always-match rule is out
	// and name equality wins.
	require.NotEmpty(t, res.Rules)
	eq, ok := res.Rules[0].Rule.(EqualityRule)
	require.True(t, ok, "expected an equality rule, got %T", res.Rules[0].Rule)
	assert.Equal(t, "name", eq.Column)
}

func TestEqualityRule_MatchEmpty(t *testing.T) {
	a := record("1", "name", "ann")
	b := record("2")

	assert.False(t, EqualityRule{Column: "name"}.Match(a, b))
	assert.True(t, EqualityRule{Column: "name", MatchEmpty: true}.Match(a, b))
	assert.True(t, EqualityRule{Column: "name"}.Match(a, a))
}

func TestCompositionRule_String(t *testing.T) {
	comp := CompositionRule{Subrules: []Rule{
		EqualityRule{Column: "name"},
		DistanceRule{Column: "city", Distance: DistanceLevenshtein, Threshold: 0.25},
	}}
	assert.Equal(t, "name equal and city levenshtein distance < 0.250", comp.String())
	assert.True(t, comp.Parametric())
}
