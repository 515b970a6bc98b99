package pipeline

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
)

// initStep opens the engine session, draws the training sample, and puts
// back any labels that survived a restart.
type initStep struct {
	cfg Config
}

func (initStep) Phase() matching.Phase { return matching.PhaseInitializing }

func (s initStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage

	if rc.Session == nil {
		sess, err := rc.Engine.Open(ctx, engine.SessionConfig{
			ID:      st.ID,
			Columns: st.Settings.Columns,
		})
		if err != nil {
			return "", err
		}
		rc.Session = sess
	}

	var (
		sample []matching.Record
		total  int64
	)
	if err := run(rc, "sampling_records", 0.5, func() error {
		var err error
		sample, total, err = reservoirSample(ctx, rc, s.cfg.SampleSize)
		return err
	}); err != nil {
		return "", err
	}
	st.SetSample(sample, total)

	if err := run(rc, "priming_engine", 0.2, func() error {
		return rc.Session.PrimeSample(ctx, sample)
	}); err != nil {
		return "", err
	}

	if err := run(rc, "restoring_labels", 0.2, func() error {
		return restoreLabels(ctx, rc)
	}); err != nil {
		return "", err
	}

	if st.SkipTraining {
		st.AdvanceProgress(0.1 * matching.PhaseShare(st.Phase()))
		return matching.PhaseFetchingRecords, nil
	}

	if err := run(rc, "preparing_training_pair", 0.1, func() error {
		key, err := rc.Session.UncertainPair(ctx)
		if err != nil {
			// An exhausted pool just means there is nothing to offer yet.
			if engine.IsNoMorePairs(err) {
				return nil
			}
			return err
		}
		st.Prepared = &key
		return nil
	}); err != nil {
		return "", err
	}

	return matching.PhaseTrainingModel, nil
}

// reservoirSample draws up to size records from the source in one pass
// (algorithm R) and counts the records seen.
func reservoirSample(ctx context.Context, rc *RunContext, size int) ([]matching.Record, int64, error) {
	sample := make([]matching.Record, 0, size)
	var n int64
	err := rc.Source.Stream(ctx, sourceSpec(rc.Storage.Settings), func(r matching.Record) error {
		n++
		if len(sample) < size {
			sample = append(sample, r)
			return nil
		}
		if j := rand.Int64N(n); j < int64(size) {
			sample[j] = r
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return sample, n, nil
}

// restoreLabels merges journaled labels into the storage and replays every
// label into the fresh engine session. Labels whose records are gone from
// the source are dropped with a warning.
func restoreLabels(ctx context.Context, rc *RunContext) error {
	st := rc.Storage

	if rc.Journal != nil {
		journaled, err := rc.Journal.Labels(ctx, st.ID)
		if err != nil {
			return err
		}
		for _, lp := range journaled {
			if _, ok := st.Labels[lp.Key]; !ok {
				st.SetLabel(lp.Key, lp.Label)
			}
		}
	}
	if len(st.Labels) == 0 {
		return nil
	}

	// Resolve pair records from the sample first, then from the source.
	need := make(map[string]struct{})
	for k := range st.Labels {
		if _, ok := st.SampleRecord(k.Lo); !ok {
			need[k.Lo] = struct{}{}
		}
		if _, ok := st.SampleRecord(k.Hi); !ok {
			need[k.Hi] = struct{}{}
		}
	}
	fetched := make(map[string]matching.Record, len(need))
	if len(need) > 0 {
		ids := make([]string, 0, len(need))
		for id := range need {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		recs, err := rc.Source.Fetch(ctx, sourceSpec(st.Settings), ids)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fetched[r.ID] = r
		}
	}
	resolve := func(id string) (matching.Record, bool) {
		if r, ok := st.SampleRecord(id); ok {
			return r, true
		}
		r, ok := fetched[id]
		return r, ok
	}

	marked := 0
	for _, lp := range st.LabeledPairs() {
		a, okA := resolve(lp.Key.Lo)
		b, okB := resolve(lp.Key.Hi)
		if !okA || !okB {
			rc.Log.Warn("labeled pair no longer resolvable, dropping label",
				zap.String("entity", st.ID.Entity),
				zap.String("layer", st.ID.Layer),
				zap.String("pair", lp.Key.String()))
			st.RemoveLabel(lp.Key)
			continue
		}
		if err := rc.Session.MarkPair(ctx, a, b, lp.Label); err != nil {
			return err
		}
		marked++
	}
	if marked == 0 {
		return nil
	}

	if err := rc.Session.Train(ctx); err != nil {
		return err
	}
	q, err := rc.Session.Quality(ctx)
	if err != nil {
		return err
	}
	st.ModelQuality = q
	return nil
}

// fetchStep loads the full record set into storage.
type fetchStep struct{}

func (fetchStep) Phase() matching.Phase { return matching.PhaseFetchingRecords }

func (fetchStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage
	records := make(map[string]matching.Record)
	if err := run(rc, "fetching_records", 1, func() error {
		return rc.Source.Stream(ctx, sourceSpec(st.Settings), func(r matching.Record) error {
			// A record without a group is its own group.
			if r.Group == "" {
				r.Group = r.ID
			}
			records[r.ID] = r
			return nil
		})
	}); err != nil {
		return "", err
	}
	st.SetRecords(records)
	return matching.PhaseBlockingRecords, nil
}

// blockStep refits the model on the labeled pairs and opens the candidate
// stream over the full record set.
type blockStep struct{}

func (blockStep) Phase() matching.Phase { return matching.PhaseBlockingRecords }

func (blockStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage

	if err := run(rc, "training_model", 0.4, func() error {
		if len(st.Labels) == 0 {
			return nil
		}
		if err := rc.Session.Train(ctx); err != nil {
			return err
		}
		q, err := rc.Session.Quality(ctx)
		if err != nil {
			return err
		}
		st.ModelQuality = q
		return nil
	}); err != nil {
		return "", err
	}

	if err := run(rc, "blocking_records", 0.6, func() error {
		stream, err := rc.Session.BlockPairs(ctx, st.Records)
		if err != nil {
			return err
		}
		rc.Candidates = stream
		brs, err := rc.Session.BlockingRules(ctx)
		if err != nil {
			return err
		}
		st.SetBlockingRules(brs)
		return nil
	}); err != nil {
		return "", err
	}

	return matching.PhaseScoringPairs, nil
}

// scoreStep drains the candidate stream in batches and retains the pairs
// the model is confident about either way.
type scoreStep struct {
	cfg Config
}

func (scoreStep) Phase() matching.Phase { return matching.PhaseScoringPairs }

func (s scoreStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage
	if rc.Candidates == nil {
		return "", &matching.Error{Op: "score", ID: st.ID, Phase: st.Phase(), Err: matching.ErrInvalidState}
	}

	var scored []matching.ScoredPair
	if err := run(rc, "scoring_pairs", 1, func() error {
		batch := make([]matching.PairKey, 0, s.cfg.ScoreBatchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			pairs := make([][2]matching.Record, 0, len(batch))
			keys := make([]matching.PairKey, 0, len(batch))
			for _, k := range batch {
				a, okA := st.Records[k.Lo]
				b, okB := st.Records[k.Hi]
				if !okA || !okB {
					continue
				}
				pairs = append(pairs, [2]matching.Record{a, b})
				keys = append(keys, k)
			}
			batch = batch[:0]
			if len(pairs) == 0 {
				return nil
			}
			probs, err := rc.Session.Score(ctx, pairs)
			if err != nil {
				return err
			}
			for i, p := range probs {
				if math.Max(p, 1-p) >= s.cfg.RetentionThreshold {
					scored = append(scored, matching.ScoredPair{Key: keys[i], Probability: p})
				}
			}
			st.AdvanceProgress(1)
			return nil
		}

		for {
			k, err := rc.Candidates.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			batch = append(batch, k)
			if len(batch) >= s.cfg.ScoreBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	}); err != nil {
		return "", err
	}

	_ = rc.Candidates.Close()
	rc.Candidates = nil
	st.SetScored(scored)
	return matching.PhaseClusteringRecords, nil
}
