package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
)

// Evaluation defaults applied when a plan command passes zero values.
const (
	DefaultCachedProposalCount   = 100
	DefaultConfidenceThreshold   = 0.8
	DefaultMinMatchConfidence    = 0.9
	DefaultMinDistinctConfidence = 0.9
)

// commandPhases lists the phases each command may run in. A job present in
// the map is never in not_created: Init commits initializing under the same
// lock that inserts it. Restart preconditions are type-specific and live on
// RestartType.
var commandPhases = map[string][]matching.Phase{
	"GetTrainingPair": {
		matching.PhaseTrainingModel, matching.PhaseReady,
	},
	"GetExistingTrainingPairs": {
		matching.PhaseTrainingModel, matching.PhaseFetchingRecords,
		matching.PhaseBlockingRecords, matching.PhaseScoringPairs,
		matching.PhaseClusteringRecords, matching.PhaseGeneratingProposals,
		matching.PhaseExtractingRules, matching.PhaseReady, matching.PhaseError,
	},
	// Blocking consumes the labeled pairs; error requires a restart first.
	"UpdateTrainingPair": {
		matching.PhaseTrainingModel, matching.PhaseFetchingRecords,
		matching.PhaseScoringPairs, matching.PhaseClusteringRecords,
		matching.PhaseGeneratingProposals, matching.PhaseExtractingRules,
		matching.PhaseReady,
	},
	"EvaluateRecordsMatching": {
		matching.PhaseTrainingModel, matching.PhaseFetchingRecords,
		matching.PhaseBlockingRecords, matching.PhaseScoringPairs,
		matching.PhaseClusteringRecords, matching.PhaseExtractingRules,
		matching.PhaseReady,
	},
	"ExtractRules": {
		matching.PhaseTrainingModel, matching.PhaseFetchingRecords,
		matching.PhaseBlockingRecords, matching.PhaseScoringPairs,
		matching.PhaseClusteringRecords, matching.PhaseGeneratingProposals,
		matching.PhaseReady,
	},
	"GetRuleSuggestions": {
		matching.PhaseReady, matching.PhaseGeneratingProposals, matching.PhaseError,
	},
	"GetBlockingRules": {
		matching.PhaseScoringPairs, matching.PhaseClusteringRecords,
		matching.PhaseGeneratingProposals, matching.PhaseExtractingRules,
		matching.PhaseReady, matching.PhaseError,
	},
	"GetStatus": {
		matching.PhaseInitializing, matching.PhaseTrainingModel,
		matching.PhaseFetchingRecords, matching.PhaseBlockingRecords,
		matching.PhaseScoringPairs, matching.PhaseClusteringRecords,
		matching.PhaseGeneratingProposals, matching.PhaseExtractingRules,
		matching.PhaseReady, matching.PhaseError,
	},
	"GetProposal": {
		matching.PhaseReady, matching.PhaseExtractingRules, matching.PhaseError,
	},
	"GetProposals": {
		matching.PhaseReady, matching.PhaseExtractingRules, matching.PhaseError,
	},
	"DiscardProposal": {
		matching.PhaseReady, matching.PhaseExtractingRules, matching.PhaseError,
	},
}

// Init creates a job and begins its initialization. There is at most one
// job per entity layer; a second init for the same id fails.
func (m *Manager) Init(ctx context.Context, id matching.ID, settings matching.Settings) (matching.Status, error) {
	const op = "InitMatching"
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[id]; ok {
		return matching.Status{}, &matching.Error{Op: op, ID: id,
			Phase: j.storage.Phase(), Err: matching.ErrInvalidPhase}
	}
	if err := settings.Validate(); err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Err: err}
	}

	src, err := m.cfg.Sources(ctx, settings.Source)
	if err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Err: err}
	}

	st := matching.NewStorage(id, settings, m.log)
	m.jobs[id] = &job{storage: st, source: src}
	st.ChangePhase(matching.PhaseInitializing)
	m.log.Info("matching created",
		zap.String("entity", id.Entity),
		zap.String("layer", id.Layer),
		zap.String("instance", st.Instance))
	return st.Status(), nil
}

// Restart rebuilds a job according to the restart type's carry-over rules.
// Every type except clear_training_pairs replaces the storage instance and
// retires the old one; clear_training_pairs mutates in place.
func (m *Manager) Restart(ctx context.Context, id matching.ID, t matching.RestartType) (matching.Status, error) {
	const op = "RestartMatching"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.lookup(op, id)
	if err != nil {
		return matching.Status{}, err
	}
	st := j.storage
	if !t.IsValid() {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "restart_type",
				Message: fmt.Sprintf("unrecognized value %q", t)}}
	}
	if !t.Allows(st.Phase()) {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: matching.ErrInvalidPhase}
	}

	if t == matching.RestartClearTrainingPairs {
		if err := m.clearTrainingPairs(ctx, j); err != nil {
			return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
		}
		return st.Status(), nil
	}

	next, err := st.Successor(t, m.log)
	if err != nil {
		return matching.Status{}, err
	}
	src, err := m.cfg.Sources(ctx, next.Settings.Source)
	if err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
	}
	if m.cfg.Journal != nil {
		// reset_all drops the journal with the labels; the carrying types
		// rewrite it to exactly the carried set.
		if t == matching.RestartAll {
			err = m.cfg.Journal.Clear(ctx, id)
		} else {
			err = m.cfg.Journal.Replace(ctx, id, next.LabeledPairs())
		}
		if err != nil {
			_ = src.Close()
			return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
		}
	}

	// Point of no return. The old instance is retired only after the
	// successor has committed its first phase.
	if j.candidates != nil {
		_ = j.candidates.Close()
	}
	if j.session != nil {
		_ = j.session.Close()
	}
	_ = j.source.Close()

	m.jobs[id] = &job{storage: next, source: src}
	next.ChangePhase(matching.PhaseInitializing)
	st.Retire()
	m.log.Info("matching restarted",
		zap.String("entity", id.Entity),
		zap.String("layer", id.Layer),
		zap.String("type", string(t)),
		zap.String("instance", next.Instance))
	return next.Status(), nil
}

// clearTrainingPairs drops every label in place: journal first, then the
// engine's marks, then storage. The storage instance and its phase survive.
func (m *Manager) clearTrainingPairs(ctx context.Context, j *job) error {
	st := j.storage
	if m.cfg.Journal != nil {
		if err := m.cfg.Journal.Clear(ctx, st.ID); err != nil {
			return err
		}
	}
	if j.session != nil {
		for _, lp := range st.LabeledPairs() {
			a, okA, err := m.resolveRecord(ctx, j, lp.Key.Lo)
			if err != nil {
				return err
			}
			b, okB, err := m.resolveRecord(ctx, j, lp.Key.Hi)
			if err != nil {
				return err
			}
			if !okA || !okB {
				m.log.Warn("labeled pair no longer resolvable, dropping label",
					zap.String("entity", st.ID.Entity),
					zap.String("layer", st.ID.Layer),
					zap.String("pair", lp.Key.String()))
				continue
			}
			if err := j.session.MarkPair(ctx, a, b, matching.LabelUnknown); err != nil {
				return err
			}
		}
		if err := j.session.Train(ctx); err != nil {
			return err
		}
	}
	st.ClearLabels()
	st.ModelQuality = 0
	return nil
}

// TrainingPair returns the pair currently offered for labeling, preparing a
// new one when the previous offer was resolved.
func (m *Manager) TrainingPair(ctx context.Context, id matching.ID) (matching.PairDetail, error) {
	const op = "GetTrainingPair"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.PairDetail{}, err
	}
	st := j.storage

	if st.Prepared == nil {
		if j.session == nil {
			return matching.PairDetail{}, &matching.Error{Op: op, ID: id,
				Phase: st.Phase(), Err: matching.ErrInvalidState}
		}
		key, err := j.session.UncertainPair(ctx)
		if err != nil {
			if engine.IsNoMorePairs(err) {
				return matching.PairDetail{}, &matching.Error{Op: op, ID: id,
					Phase: st.Phase(), Err: matching.ErrNoMoreTrainingPairs}
			}
			return matching.PairDetail{}, &matching.Error{Op: op, ID: id,
				Phase: st.Phase(), Err: err}
		}
		st.Prepared = &key
	}
	return m.resolvePair(ctx, op, j, *st.Prepared)
}

// ExistingTrainingPairs lists the labeled pairs, ordered by pair key.
func (m *Manager) ExistingTrainingPairs(id matching.ID) ([]matching.LabeledPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require("GetExistingTrainingPairs", id)
	if err != nil {
		return nil, err
	}
	return j.storage.LabeledPairs(), nil
}

// UpdateTrainingPair stores a user decision on a pair and refits the model.
// LabelUnknown removes an existing label. The journal is written before
// memory, so a journal failure leaves the job unchanged.
func (m *Manager) UpdateTrainingPair(ctx context.Context, id matching.ID, a, b string, label matching.Label) (matching.Status, error) {
	const op = "UpdateTrainingPair"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.Status{}, err
	}
	st := j.storage
	if !label.IsValid() {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "decision",
				Message: fmt.Sprintf("unrecognized value %q", label)}}
	}
	if j.session == nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: matching.ErrInvalidState}
	}

	key := matching.NewPairKey(a, b)
	detail, err := m.resolvePair(ctx, op, j, key)
	if err != nil {
		return matching.Status{}, err
	}

	if m.cfg.Journal != nil {
		if label == matching.LabelUnknown {
			err = m.cfg.Journal.DeleteLabel(ctx, id, key)
		} else {
			err = m.cfg.Journal.UpsertLabel(ctx, id, key, label)
		}
		if err != nil {
			return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
		}
	}

	if label == matching.LabelUnknown {
		st.RemoveLabel(key)
	} else {
		st.SetLabel(key, label)
	}

	if err := j.session.MarkPair(ctx, detail.A, detail.B, label); err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
	}
	if err := j.session.Train(ctx); err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
	}
	q, err := j.session.Quality(ctx)
	if err != nil {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(), Err: err}
	}
	st.ModelQuality = q

	if st.Prepared != nil && *st.Prepared == key {
		st.Prepared = nil
	}
	return st.Status(), nil
}

// EvaluateRecordsMatching plans the merge/split proposal branch, starting
// the common computation when nothing has planned it yet.
func (m *Manager) EvaluateRecordsMatching(id matching.ID, cachedCount int, threshold float64) (matching.Status, error) {
	const op = "EvaluateRecordsMatching"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.Status{}, err
	}
	st := j.storage
	if st.RecordsMatchingState.Planned() {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: fmt.Errorf("%w: records matching already planned", matching.ErrInvalidPhase)}
	}
	if cachedCount < 0 {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "cached_count", Message: "must not be negative"}}
	}
	if threshold < 0 || threshold > 1 {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "threshold", Message: "must be within [0, 1]"}}
	}
	if st.ClusteringState == matching.StateNotPlanned {
		if err := m.checkEnoughLabeledPairs(op, st); err != nil {
			return matching.Status{}, err
		}
	}

	if cachedCount == 0 {
		cachedCount = DefaultCachedProposalCount
	}
	if threshold == 0 {
		threshold = DefaultConfidenceThreshold
	}
	st.Settings.CachedProposalCount = cachedCount
	st.Settings.ConfidenceThreshold = threshold
	st.SetComputationState(matching.GoalRecordsMatching, matching.StatePlanned)
	m.kickoff(st, matching.PhaseGeneratingProposals)
	return st.Status(), nil
}

// ExtractRules plans the rules-extraction branch, starting the common
// computation when nothing has planned it yet.
func (m *Manager) ExtractRules(id matching.ID, minMatch, minDistinct float64) (matching.Status, error) {
	const op = "ExtractRules"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.Status{}, err
	}
	st := j.storage
	if st.RulesExtractionState.Planned() {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: fmt.Errorf("%w: rules extraction already planned", matching.ErrInvalidPhase)}
	}
	if minMatch < 0 || minMatch > 1 {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "min_match_confidence", Message: "must be within [0, 1]"}}
	}
	if minDistinct < 0 || minDistinct > 1 {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "min_distinct_confidence", Message: "must be within [0, 1]"}}
	}
	if st.ClusteringState == matching.StateNotPlanned {
		if err := m.checkEnoughLabeledPairs(op, st); err != nil {
			return matching.Status{}, err
		}
	}

	if minMatch == 0 {
		minMatch = DefaultMinMatchConfidence
	}
	if minDistinct == 0 {
		minDistinct = DefaultMinDistinctConfidence
	}
	st.Settings.MinMatchConfidence = minMatch
	st.Settings.MinDistinctConfidence = minDistinct
	st.SetComputationState(matching.GoalRulesExtraction, matching.StatePlanned)
	m.kickoff(st, matching.PhaseExtractingRules)
	return st.Status(), nil
}

// kickoff moves the job toward a freshly planned branch. With the common
// computation not planned yet it starts it; on a finished job it jumps
// straight to the branch phase. A running pipeline needs neither: its steps
// route to planned branches on their own.
func (m *Manager) kickoff(st *matching.Storage, branch matching.Phase) {
	switch {
	case st.ClusteringState == matching.StateNotPlanned:
		st.SetComputationState(matching.GoalClustering, matching.StatePlanned)
		st.ChangePhase(matching.PhaseFetchingRecords)
	case st.Phase() == matching.PhaseReady:
		st.ChangePhase(branch)
	}
}

// checkEnoughLabeledPairs gates the common computation on the training
// corpus: both decisions need the configured minimum of labeled pairs.
func (m *Manager) checkEnoughLabeledPairs(op string, st *matching.Storage) error {
	match, distinct := st.LabelCounts()
	if match < m.cfg.MinLabeledPairs || distinct < m.cfg.MinLabeledPairs {
		return &matching.Error{Op: op, ID: st.ID, Phase: st.Phase(),
			Err: fmt.Errorf("%w: %d match and %d distinct labeled, need %d of each",
				matching.ErrNotEnoughLabeledPairs, match, distinct, m.cfg.MinLabeledPairs)}
	}
	return nil
}

// RuleSuggestions returns the extracted rules once that branch finished.
func (m *Manager) RuleSuggestions(id matching.ID) (*matching.ExtractedRules, error) {
	const op = "GetRuleSuggestions"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return nil, err
	}
	st := j.storage
	if st.RulesExtractionState != matching.StateFinished {
		return nil, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: fmt.Errorf("%w: rules extraction not finished", matching.ErrInvalidPhase)}
	}
	return st.Rules, nil
}

// BlockingRules returns the engine's blocking predicates for the job.
func (m *Manager) BlockingRules(id matching.ID) ([]matching.BlockingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require("GetBlockingRules", id)
	if err != nil {
		return nil, err
	}
	return j.storage.BlockingRules, nil
}

// Status returns the job's current snapshot.
func (m *Manager) Status(id matching.ID) (matching.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require("GetStatus", id)
	if err != nil {
		return matching.Status{}, err
	}
	return j.storage.Status(), nil
}

// Statuses returns a snapshot of every job, ordered by id.
func (m *Manager) Statuses() []matching.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]matching.Status, 0, len(m.jobs))
	for _, id := range m.sortedIDs() {
		out = append(out, m.jobs[id].storage.Status())
	}
	return out
}

// Proposal looks one cached proposal up by its record pair.
func (m *Manager) Proposal(id matching.ID, a, b string) (matching.Proposal, error) {
	const op = "GetProposal"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.Proposal{}, err
	}
	st := j.storage
	if err := requireRecordsMatchingFinished(op, st); err != nil {
		return matching.Proposal{}, err
	}
	p, ok := st.Proposal(matching.NewPairKey(a, b))
	if !ok {
		return matching.Proposal{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: matching.ErrUnknownPair}
	}
	return p, nil
}

// Proposals returns up to count cached proposals of one decision kind with
// confidence at or above threshold. Order is unspecified.
func (m *Manager) Proposals(id matching.ID, d matching.Decision, count int, threshold float64) ([]matching.Proposal, error) {
	const op = "GetProposals"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return nil, err
	}
	st := j.storage
	if !d.IsValid() {
		return nil, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "kind",
				Message: fmt.Sprintf("unrecognized value %q", d)}}
	}
	if threshold < 0 || threshold > 1 {
		return nil, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: &matching.ValidationError{Field: "threshold", Message: "must be within [0, 1]"}}
	}
	if err := requireRecordsMatchingFinished(op, st); err != nil {
		return nil, err
	}

	ps := st.Proposals(d)
	if threshold > 0 {
		kept := ps[:0]
		for _, p := range ps {
			if p.Confidence >= threshold {
				kept = append(kept, p)
			}
		}
		ps = kept
	}
	return matching.MostConfident(ps, count), nil
}

// Discard removes a proposal from the caches without training on it.
func (m *Manager) Discard(id matching.ID, a, b string) (matching.Status, error) {
	const op = "DiscardProposal"
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.require(op, id)
	if err != nil {
		return matching.Status{}, err
	}
	st := j.storage
	if !st.DiscardProposal(matching.NewPairKey(a, b)) {
		return matching.Status{}, &matching.Error{Op: op, ID: id, Phase: st.Phase(),
			Err: matching.ErrUnknownPair}
	}
	return st.Status(), nil
}

func requireRecordsMatchingFinished(op string, st *matching.Storage) error {
	if st.RecordsMatchingState != matching.StateFinished {
		return &matching.Error{Op: op, ID: st.ID, Phase: st.Phase(),
			Err: fmt.Errorf("%w: records matching not finished", matching.ErrInvalidPhase)}
	}
	return nil
}

// resolveRecord finds a record by id: the training sample first, the
// fetched set next, the source last.
func (m *Manager) resolveRecord(ctx context.Context, j *job, rid string) (matching.Record, bool, error) {
	st := j.storage
	if r, ok := st.SampleRecord(rid); ok {
		return r, true, nil
	}
	if r, ok := st.Records[rid]; ok {
		return r, true, nil
	}
	recs, err := j.source.Fetch(ctx, sourceSpec(st.Settings), []string{rid})
	if err != nil {
		return matching.Record{}, false, err
	}
	if len(recs) == 0 {
		return matching.Record{}, false, nil
	}
	return recs[0], true, nil
}

// resolvePair resolves both records of a pair; a pair with a vanished
// record is unknown.
func (m *Manager) resolvePair(ctx context.Context, op string, j *job, key matching.PairKey) (matching.PairDetail, error) {
	st := j.storage
	a, okA, err := m.resolveRecord(ctx, j, key.Lo)
	if err != nil {
		return matching.PairDetail{}, &matching.Error{Op: op, ID: st.ID, Phase: st.Phase(), Err: err}
	}
	b, okB, err := m.resolveRecord(ctx, j, key.Hi)
	if err != nil {
		return matching.PairDetail{}, &matching.Error{Op: op, ID: st.ID, Phase: st.Phase(), Err: err}
	}
	if !okA || !okB {
		return matching.PairDetail{}, &matching.Error{Op: op, ID: st.ID, Phase: st.Phase(),
			Err: matching.ErrUnknownPair}
	}
	return matching.PairDetail{Key: key, A: a, B: b}, nil
}

// sourceSpec derives the record-source spec from job settings.
func sourceSpec(s matching.Settings) recordsource.Spec {
	return recordsource.Spec{
		IDColumn:    s.IDColumn,
		GroupColumn: s.GroupColumn,
		Columns:     s.Columns,
	}
}
