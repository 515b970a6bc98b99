package naive

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
)

func rec(id, name, city string) matching.Record {
	return matching.Record{ID: id, Values: map[string]string{"name": name, "city": city}}
}

func openSession(t *testing.T) engine.Session {
	t.Helper()
	f := New(DefaultConfig())
	s, err := f.Open(context.Background(), engine.SessionConfig{
		ID:      matching.ID{Entity: "party", Layer: "golden"},
		Columns: []string{"name", "city"},
	})
	require.NoError(t, err)
	return s
}

func TestOpen_RequiresColumns(t *testing.T) {
	f := New(Config{})
	_, err := f.Open(context.Background(), engine.SessionConfig{})
	assert.Error(t, err)
}

func TestScore_SeparatesObviousPairs(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)

	same := [2]matching.Record{rec("1", "Alice Smith", "Oslo"), rec("2", "Alice Smith", "Oslo")}
	diff := [2]matching.Record{rec("3", "Alice Smith", "Oslo"), rec("4", "Zoran Petrovic", "Belgrade")}

	scores, err := s.Score(ctx, [][2]matching.Record{same, diff})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Greater(t, scores[0], 0.9)
	assert.Less(t, scores[1], 0.1)
}

func TestTrain_MovesPivot(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)

	a, b := rec("1", "Alice Smith", "Oslo"), rec("2", "Alise Smith", "Oslo")
	c, d := rec("3", "Bob Jones", "Bergen"), rec("4", "Bobby Jones", "Bergen")
	require.NoError(t, s.MarkPair(ctx, a, b, matching.LabelMatch))
	require.NoError(t, s.MarkPair(ctx, c, d, matching.LabelDistinct))
	require.NoError(t, s.Train(ctx))

	q, err := s.Quality(ctx)
	require.NoError(t, err)
	assert.Greater(t, q, 0.0)

	// Unlabeling removes the pair from quality accounting.
	require.NoError(t, s.MarkPair(ctx, c, d, matching.LabelUnknown))
	q2, err := s.Quality(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, q2)
}

func TestUncertainPair_DeterministicAndExhaustible(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)

	sample := []matching.Record{
		rec("1", "Alice", "Oslo"),
		rec("2", "Alicia", "Oslo"),
		rec("3", "Bob", "Bergen"),
	}
	require.NoError(t, s.PrimeSample(ctx, sample))

	first, err := s.UncertainPair(ctx)
	require.NoError(t, err)
	again, err := s.UncertainPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again, "unlabeled pool must yield a stable pair")

	// Label everything the pool can offer.
	for {
		key, err := s.UncertainPair(ctx)
		if err != nil {
			assert.True(t, engine.IsNoMorePairs(err))
			break
		}
		a := matching.Record{ID: key.Lo, Values: map[string]string{}}
		b := matching.Record{ID: key.Hi, Values: map[string]string{}}
		require.NoError(t, s.MarkPair(ctx, a, b, matching.LabelDistinct))
	}
}

func TestBlockPairs_WindowBoundsCandidates(t *testing.T) {
	ctx := context.Background()
	f := New(Config{Window: 1})
	s, err := f.Open(ctx, engine.SessionConfig{Columns: []string{"name"}})
	require.NoError(t, err)

	records := map[string]matching.Record{
		"1": rec("1", "aaa", ""),
		"2": rec("2", "aab", ""),
		"3": rec("3", "zzz", ""),
	}
	stream, err := s.BlockPairs(ctx, records)
	require.NoError(t, err)
	defer stream.Close()

	var got []matching.PairKey
	for {
		key, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, key)
	}
	// Window 1 pairs each record with its immediate sort neighbor only.
	assert.Equal(t, []matching.PairKey{
		matching.NewPairKey("1", "2"),
		matching.NewPairKey("2", "3"),
	}, got)
}

func TestCluster_ConnectedComponents(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)

	scored := []matching.ScoredPair{
		{Key: matching.NewPairKey("1", "2"), Probability: 0.95},
		{Key: matching.NewPairKey("2", "3"), Probability: 0.9},
		{Key: matching.NewPairKey("4", "5"), Probability: 0.2},
	}
	clusters, err := s.Cluster(ctx, scored, 0.8)
	require.NoError(t, err)

	assert.Equal(t, clusters["1"].ID, clusters["2"].ID)
	assert.Equal(t, clusters["2"].ID, clusters["3"].ID)
	assert.NotEqual(t, clusters["4"].ID, clusters["5"].ID, "sub-threshold edge must not join")
	assert.Equal(t, "c-1", clusters["1"].ID, "component named after smallest member")
}

func TestExplain_KeyColumns(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)

	ex, err := s.Explain(ctx, rec("1", "Alice", "Oslo"), rec("2", "Alice", "Bergen"))
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, ex.KeyColumns)
	assert.Equal(t, 1.0, ex.ColumnScores["name"])
	assert.Less(t, ex.ColumnScores["city"], 0.8)
}
