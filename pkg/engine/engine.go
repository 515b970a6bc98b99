// Package engine defines the boundary to the matching engine: the component
// that learns from labeled pairs, blocks and scores candidate pairs, and
// clusters records.
//
// One Session exists per matching job storage instance. Implementations are
// free to talk to an external service; the naive subpackage is an in-process
// reference implementation good enough to run the pipeline end to end.
package engine

import (
	"context"
	"io"

	"github.com/3leaps/gomatch/pkg/matching"
)

// SessionConfig describes the job a session is opened for.
type SessionConfig struct {
	ID matching.ID

	// Columns are the record columns the model matches on.
	Columns []string
}

// Factory opens engine sessions. The manager holds one factory and opens a
// session per storage instance.
type Factory interface {
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is the per-job engine handle.
//
// Sessions are not safe for concurrent use; the manager's global lock
// serializes every call.
type Session interface {
	// PrimeSample hands the engine the training sample records.
	PrimeSample(ctx context.Context, sample []matching.Record) error

	// MarkPair records a user label for a pair. LabelUnknown removes a
	// previous label.
	MarkPair(ctx context.Context, a, b matching.Record, label matching.Label) error

	// Train refits the model on the marked pairs.
	Train(ctx context.Context) error

	// UncertainPair returns the pair whose label would teach the model the
	// most. ErrNoMorePairs when the pool is exhausted.
	UncertainPair(ctx context.Context) (matching.PairKey, error)

	// Quality estimates the current model quality in [0, 1].
	Quality(ctx context.Context) (float64, error)

	// BlockPairs returns a lazy stream of candidate pairs over the full
	// record set. The stream ends with io.EOF.
	BlockPairs(ctx context.Context, records map[string]matching.Record) (CandidateStream, error)

	// BlockingRules describes the blocking predicates in use.
	BlockingRules(ctx context.Context) ([]matching.BlockingRule, error)

	// Score returns the match probability for each pair, in input order.
	Score(ctx context.Context, pairs [][2]matching.Record) ([]float64, error)

	// Cluster groups records from the retained scored pairs.
	Cluster(ctx context.Context, scored []matching.ScoredPair, threshold float64) (map[string]matching.Cluster, error)

	// Explain accounts for the decision on one pair.
	Explain(ctx context.Context, a, b matching.Record) (matching.Explanation, error)

	Close() error
}

// CandidateStream yields blocked candidate pairs one at a time.
type CandidateStream interface {
	// Next returns the next candidate pair, or io.EOF when the stream is
	// exhausted.
	Next(ctx context.Context) (matching.PairKey, error)
	Close() error
}

// SlicePairs adapts an in-memory pair slice to a CandidateStream.
type SlicePairs struct {
	pairs []matching.PairKey
	pos   int
}

// NewSlicePairs wraps pairs in a CandidateStream.
func NewSlicePairs(pairs []matching.PairKey) *SlicePairs {
	return &SlicePairs{pairs: pairs}
}

// Next implements CandidateStream.
func (s *SlicePairs) Next(ctx context.Context) (matching.PairKey, error) {
	if err := ctx.Err(); err != nil {
		return matching.PairKey{}, err
	}
	if s.pos >= len(s.pairs) {
		return matching.PairKey{}, io.EOF
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, nil
}

// Close implements CandidateStream.
func (s *SlicePairs) Close() error {
	s.pairs = nil
	return nil
}

var _ CandidateStream = (*SlicePairs)(nil)
