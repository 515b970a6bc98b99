// Package naive is an in-process reference matching engine.
//
// It is deliberately simple: record similarity is the mean per-column
// normalized Levenshtein similarity, training fits a single decision pivot
// between the labeled match and distinct pairs, blocking is a sorted
// neighborhood over one column, and clustering is connected components over
// accepted pairs. It exists so the service runs end to end without an
// external engine and so tests are hermetic and deterministic.
package naive

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
)

// Config tunes the naive engine.
type Config struct {
	// Window is the sorted-neighborhood window size.
	Window int

	// MaxPoolPairs caps the uncertain-pair pool built from the sample.
	MaxPoolPairs int

	// Sharpness steepens the similarity-to-probability mapping.
	Sharpness float64
}

// DefaultConfig returns the default naive engine configuration.
func DefaultConfig() Config {
	return Config{
		Window:       4,
		MaxPoolPairs: 10000,
		Sharpness:    8,
	}
}

// Factory opens naive engine sessions.
type Factory struct {
	cfg Config
}

// New creates a naive engine factory.
func New(cfg Config) *Factory {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxPoolPairs <= 0 {
		cfg.MaxPoolPairs = DefaultConfig().MaxPoolPairs
	}
	if cfg.Sharpness <= 0 {
		cfg.Sharpness = DefaultConfig().Sharpness
	}
	return &Factory{cfg: cfg}
}

// Open implements engine.Factory.
func (f *Factory) Open(_ context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if len(cfg.Columns) == 0 {
		return nil, &engine.EngineError{Op: "Open",
			Err: fmt.Errorf("no matching columns configured")}
	}
	return &session{
		cfg:     f.cfg,
		columns: append([]string(nil), cfg.Columns...),
		byID:    make(map[string]matching.Record),
		marked:  make(map[matching.PairKey]matching.Label),
		pivot:   0.5,
	}, nil
}

var _ engine.Factory = (*Factory)(nil)

type session struct {
	cfg     Config
	columns []string

	sample []matching.Record
	byID   map[string]matching.Record
	pool   []matching.PairKey

	marked map[matching.PairKey]matching.Label
	pivot  float64
}

var _ engine.Session = (*session)(nil)

// PrimeSample stores the sample and builds the uncertain-pair pool from a
// sorted neighborhood over it.
func (s *session) PrimeSample(_ context.Context, sample []matching.Record) error {
	s.sample = append([]matching.Record(nil), sample...)
	for _, r := range s.sample {
		s.byID[r.ID] = r
	}
	s.pool = s.neighborhoodPairs(s.byID, s.cfg.MaxPoolPairs)
	return nil
}

func (s *session) MarkPair(_ context.Context, a, b matching.Record, label matching.Label) error {
	key := matching.NewPairKey(a.ID, b.ID)
	s.byID[a.ID] = a
	s.byID[b.ID] = b
	if label == matching.LabelUnknown {
		delete(s.marked, key)
		return nil
	}
	s.marked[key] = label
	return nil
}

// Train fits the decision pivot halfway between the mean similarity of the
// labeled match pairs and the mean similarity of the labeled distinct pairs.
func (s *session) Train(_ context.Context) error {
	var matchSum, distinctSum float64
	var matchN, distinctN int
	for key, label := range s.marked {
		a, okA := s.byID[key.Lo]
		b, okB := s.byID[key.Hi]
		if !okA || !okB {
			continue
		}
		sim := s.similarity(a, b)
		switch label {
		case matching.LabelMatch:
			matchSum += sim
			matchN++
		case matching.LabelDistinct:
			distinctSum += sim
			distinctN++
		}
	}
	switch {
	case matchN > 0 && distinctN > 0:
		s.pivot = (matchSum/float64(matchN) + distinctSum/float64(distinctN)) / 2
	case matchN > 0:
		s.pivot = matchSum / float64(matchN) * 0.8
	case distinctN > 0:
		s.pivot = distinctSum/float64(distinctN) + (1-distinctSum/float64(distinctN))*0.5
	default:
		s.pivot = 0.5
	}
	return nil
}

// UncertainPair returns the unlabeled pool pair closest to the decision
// pivot, ties broken by pair key for determinism.
func (s *session) UncertainPair(_ context.Context) (matching.PairKey, error) {
	best := matching.PairKey{}
	bestDist := math.Inf(1)
	found := false
	for _, key := range s.pool {
		if _, done := s.marked[key]; done {
			continue
		}
		a, b := s.byID[key.Lo], s.byID[key.Hi]
		dist := math.Abs(s.similarity(a, b) - s.pivot)
		if !found || dist < bestDist || (dist == bestDist && key.String() < best.String()) {
			best, bestDist, found = key, dist, true
		}
	}
	if !found {
		return matching.PairKey{}, &engine.EngineError{Op: "UncertainPair", Err: engine.ErrNoMorePairs}
	}
	return best, nil
}

// Quality is the fraction of labeled pairs the current pivot classifies the
// same way the user did.
func (s *session) Quality(_ context.Context) (float64, error) {
	if len(s.marked) == 0 {
		return 0, nil
	}
	correct := 0
	for key, label := range s.marked {
		a, okA := s.byID[key.Lo]
		b, okB := s.byID[key.Hi]
		if !okA || !okB {
			continue
		}
		predictedMatch := s.similarity(a, b) >= s.pivot
		if (predictedMatch && label == matching.LabelMatch) ||
			(!predictedMatch && label == matching.LabelDistinct) {
			correct++
		}
	}
	return float64(correct) / float64(len(s.marked)), nil
}

func (s *session) BlockPairs(_ context.Context, records map[string]matching.Record) (engine.CandidateStream, error) {
	for id, r := range records {
		s.byID[id] = r
	}
	pairs := s.neighborhoodPairs(records, 0)
	return engine.NewSlicePairs(pairs), nil
}

func (s *session) BlockingRules(_ context.Context) ([]matching.BlockingRule, error) {
	col := s.columns[0]
	return []matching.BlockingRule{{
		Name:        "sorted-neighborhood",
		Columns:     []string{col},
		Description: fmt.Sprintf("records within a window of %d when sorted by %q", s.cfg.Window, col),
	}}, nil
}

func (s *session) Score(_ context.Context, pairs [][2]matching.Record) ([]float64, error) {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = s.probability(p[0], p[1])
	}
	return out, nil
}

// Cluster groups the scored pairs at or above threshold into connected
// components. Cluster ids are derived from the smallest record id in the
// component; a record's score is the strongest edge that holds it in.
func (s *session) Cluster(_ context.Context, scored []matching.ScoredPair, threshold float64) (map[string]matching.Cluster, error) {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	add := func(x string) {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
	}
	strength := make(map[string]float64)
	for _, sp := range scored {
		add(sp.Key.Lo)
		add(sp.Key.Hi)
		if sp.Probability < threshold {
			continue
		}
		ra, rb := find(sp.Key.Lo), find(sp.Key.Hi)
		if ra != rb {
			if rb < ra {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
		if sp.Probability > strength[sp.Key.Lo] {
			strength[sp.Key.Lo] = sp.Probability
		}
		if sp.Probability > strength[sp.Key.Hi] {
			strength[sp.Key.Hi] = sp.Probability
		}
	}

	// Name components by their smallest member id.
	names := make(map[string]string)
	for id := range parent {
		root := find(id)
		if cur, ok := names[root]; !ok || id < cur {
			names[root] = id
		}
	}
	out := make(map[string]matching.Cluster, len(parent))
	for id := range parent {
		score := strength[id]
		if score == 0 {
			score = 1 // singleton: nothing contradicts it
		}
		out[id] = matching.Cluster{ID: "c-" + names[find(id)], Score: score}
	}
	return out, nil
}

// Explain reports per-column similarities; key columns are the ones that
// agree strongly.
func (s *session) Explain(_ context.Context, a, b matching.Record) (matching.Explanation, error) {
	ex := matching.Explanation{ColumnScores: make(map[string]float64, len(s.columns))}
	for _, col := range s.columns {
		sim := columnSimilarity(a.Value(col), b.Value(col))
		ex.ColumnScores[col] = sim
		if sim >= 0.8 {
			ex.KeyColumns = append(ex.KeyColumns, col)
		}
	}
	sort.Strings(ex.KeyColumns)
	return ex, nil
}

func (s *session) Close() error {
	s.sample = nil
	s.pool = nil
	return nil
}

// similarity is the mean per-column similarity of two records.
func (s *session) similarity(a, b matching.Record) float64 {
	if len(s.columns) == 0 {
		return 0
	}
	sum := 0.0
	for _, col := range s.columns {
		sum += columnSimilarity(a.Value(col), b.Value(col))
	}
	return sum / float64(len(s.columns))
}

// probability squashes similarity around the trained pivot.
func (s *session) probability(a, b matching.Record) float64 {
	sim := s.similarity(a, b)
	return 1 / (1 + math.Exp(-s.cfg.Sharpness*(sim-s.pivot)))
}

func columnSimilarity(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "" && b == "":
		return 0.5
	case a == "" || b == "":
		return 0.25
	}
	return levenshtein.Similarity(strings.ToLower(a), strings.ToLower(b), nil)
}

// neighborhoodPairs emits candidate pairs from a sorted neighborhood over
// the first configured column. maxPairs of 0 means unbounded.
func (s *session) neighborhoodPairs(records map[string]matching.Record, maxPairs int) []matching.PairKey {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	col := s.columns[0]
	sort.Slice(ids, func(i, j int) bool {
		a := strings.ToLower(records[ids[i]].Value(col))
		b := strings.ToLower(records[ids[j]].Value(col))
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})

	seen := make(map[matching.PairKey]struct{})
	var pairs []matching.PairKey
	for i := range ids {
		for j := i + 1; j < len(ids) && j <= i+s.cfg.Window; j++ {
			key := matching.NewPairKey(ids[i], ids[j])
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, key)
			if maxPairs > 0 && len(pairs) >= maxPairs {
				return pairs
			}
		}
	}
	return pairs
}
