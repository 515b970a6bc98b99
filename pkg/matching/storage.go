package matching

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RuleSuggestion is the storable summary of one extracted rule.
type RuleSuggestion struct {
	Kind        string   `json:"kind"`
	Columns     []string `json:"columns,omitempty"`
	Description string   `json:"description"`
	Coverage    float64  `json:"coverage"`
}

// ExtractedRules is the result of the rules-extraction branch.
type ExtractedRules struct {
	Rules []RuleSuggestion `json:"rules"`
	// Coverage is the fraction of positive pairs covered by the selected
	// rules together. With zero positive pairs it is 1.0.
	Coverage float64 `json:"coverage"`
}

// BlockingRule is a read-only view of one blocking predicate the engine
// learned for a job.
type BlockingRule struct {
	Name        string   `json:"name"`
	Columns     []string `json:"columns,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Explanation is the engine's per-pair account of a decision: the columns
// that drove it and a per-column agreement score.
type Explanation struct {
	KeyColumns   []string           `json:"key_columns"`
	ColumnScores map[string]float64 `json:"column_scores"`
}

// PairDetail is a training pair with its two resolved records.
type PairDetail struct {
	Key PairKey `json:"pair"`
	A   Record  `json:"record1"`
	B   Record  `json:"record2"`
}

// phaseBase maps each phase to the overall progress at which its work
// starts; phaseShare is how much of the total the phase contributes.
// Sub-operations advance progress inside the phase's share, so a job's
// progress is comparable across phases. Branch phases a job skips simply
// jump the corresponding share.
var (
	phaseBase = map[Phase]float64{
		PhaseInitializing:        0,
		PhaseTrainingModel:       5,
		PhaseFetchingRecords:     25,
		PhaseBlockingRecords:     40,
		PhaseScoringPairs:        55,
		PhaseClusteringRecords:   75,
		PhaseExtractingRules:     85,
		PhaseGeneratingProposals: 92,
		PhaseReady:               100,
	}
	phaseShare = map[Phase]float64{
		PhaseInitializing:        5,
		PhaseTrainingModel:       20,
		PhaseFetchingRecords:     15,
		PhaseBlockingRecords:     15,
		PhaseScoringPairs:        20,
		PhaseClusteringRecords:   10,
		PhaseExtractingRules:     7,
		PhaseGeneratingProposals: 8,
	}
)

// PhaseShare returns the slice of overall progress owned by a phase.
func PhaseShare(p Phase) float64 {
	return phaseShare[p]
}

// Storage holds everything one matching job has computed. A job gets a fresh
// instance on creation and on every restart that the restart table says
// starts over; the old instance is retired in place.
//
// A retired (inactive) instance never commits another phase, progress or
// result change: a step that was already running against it when the restart
// happened finishes against dead state, and its writes are dropped and
// logged. Exactly one instance per job is active at any time.
//
// Storage is not internally synchronized. The manager's global lock
// serializes every reader and writer.
type Storage struct {
	// Instance distinguishes storage generations of the same job.
	Instance string
	ID       ID
	Settings Settings

	phase    Phase
	progress float64
	subOp    string
	active   bool
	log      *zap.Logger

	// SkipTraining makes initialization bypass the training phase. Set by
	// the reset-to-evaluation restart, which reuses the existing labels.
	SkipTraining bool

	// Labels are the user-labeled training pairs. Prepared is the pair
	// currently offered for labeling, if any.
	Labels       map[PairKey]Label
	Prepared     *PairKey
	ModelQuality float64

	// Sample is the training sample drawn during initialization;
	// RecordsTotal counts every record seen while drawing it.
	Sample       []Record
	sampleByID   map[string]Record
	RecordsTotal int64

	// Records is the full fetched record set (id, group, used columns).
	Records map[string]Record

	Scored   []ScoredPair
	Clusters map[string]Cluster

	merges map[PairKey]Proposal
	splits map[PairKey]Proposal

	Rules         *ExtractedRules
	BlockingRules []BlockingRule

	ClusteringState      ComputationState
	RecordsMatchingState ComputationState
	RulesExtractionState ComputationState

	Err *ErrorRecord
}

// NewStorage creates an active storage instance for a job.
func NewStorage(id ID, settings Settings, log *zap.Logger) *Storage {
	if log == nil {
		log = zap.NewNop()
	}
	return &Storage{
		Instance:             uuid.NewString(),
		ID:                   id,
		Settings:             settings,
		phase:                PhaseNotCreated,
		active:               true,
		log:                  log,
		Labels:               make(map[PairKey]Label),
		merges:               make(map[PairKey]Proposal),
		splits:               make(map[PairKey]Proposal),
		ClusteringState:      StateNotPlanned,
		RecordsMatchingState: StateNotPlanned,
		RulesExtractionState: StateNotPlanned,
	}
}

// Active reports whether this instance still owns its job.
func (s *Storage) Active() bool {
	return s.active
}

// Retire marks the instance inactive. Later phase and result commits on it
// are dropped.
func (s *Storage) Retire() {
	s.active = false
	s.log.Info("storage retired",
		zap.String("entity", s.ID.Entity),
		zap.String("layer", s.ID.Layer),
		zap.String("instance", s.Instance))
}

// Phase returns the current phase.
func (s *Storage) Phase() Phase {
	return s.phase
}

// Progress returns the overall progress in [0, 100].
func (s *Storage) Progress() float64 {
	return s.progress
}

// SubOperation returns the name of the sub-operation in flight, if any.
func (s *Storage) SubOperation() string {
	return s.subOp
}

// guard reports whether a mutation may proceed, logging the drop otherwise.
func (s *Storage) guard(what string) bool {
	if s.active {
		return true
	}
	s.log.Info("storage inactive, dropping "+what,
		zap.String("entity", s.ID.Entity),
		zap.String("layer", s.ID.Layer),
		zap.String("instance", s.Instance))
	return false
}

// ChangePhase commits a phase transition. On an inactive instance it is a
// logged no-op and returns false.
func (s *Storage) ChangePhase(p Phase) bool {
	if !s.guard("phase change to " + string(p)) {
		return false
	}
	s.phase = p
	s.subOp = ""
	if base, ok := phaseBase[p]; ok && base > s.progress {
		s.progress = base
	}
	if p == PhaseReady {
		s.progress = 100
	}
	return true
}

// SetSubOperation records the sub-operation a step is about to run.
func (s *Storage) SetSubOperation(name string) bool {
	if !s.guard("sub-operation " + name) {
		return false
	}
	s.subOp = name
	return true
}

// AdvanceProgress moves progress forward by delta points of the overall
// scale, capped at the current phase's share.
func (s *Storage) AdvanceProgress(delta float64) bool {
	if !s.guard("progress") {
		return false
	}
	limit := 100.0
	if base, ok := phaseBase[s.phase]; ok {
		limit = base + phaseShare[s.phase]
	}
	s.progress += delta
	if s.progress > limit {
		s.progress = limit
	}
	return true
}

// Fail records the failure and commits the error phase. The recorded phase
// is the one the job was in when the failure happened.
func (s *Storage) Fail(message string) bool {
	if !s.guard("error record") {
		return false
	}
	s.Err = &ErrorRecord{Message: message, Phase: s.phase}
	s.phase = PhaseError
	s.subOp = ""
	return true
}

// SetLabel stores a training label, replacing any previous label on the pair.
func (s *Storage) SetLabel(key PairKey, label Label) bool {
	if !s.guard("label") {
		return false
	}
	s.Labels[key] = label
	return true
}

// RemoveLabel drops a training label. Returns false when the mutation was
// dropped; removing an absent label is not an error.
func (s *Storage) RemoveLabel(key PairKey) bool {
	if !s.guard("label removal") {
		return false
	}
	delete(s.Labels, key)
	return true
}

// ClearLabels drops every training label in place.
func (s *Storage) ClearLabels() bool {
	if !s.guard("label clear") {
		return false
	}
	s.Labels = make(map[PairKey]Label)
	s.Prepared = nil
	return true
}

// LabelCounts returns how many pairs are labeled match and distinct.
func (s *Storage) LabelCounts() (match, distinct int) {
	for _, l := range s.Labels {
		switch l {
		case LabelMatch:
			match++
		case LabelDistinct:
			distinct++
		}
	}
	return match, distinct
}

// LabeledPairs returns the labels as a slice, ordered by pair key.
func (s *Storage) LabeledPairs() []LabeledPair {
	out := make([]LabeledPair, 0, len(s.Labels))
	for k, l := range s.Labels {
		out = append(out, LabeledPair{Key: k, Label: l})
	}
	sortLabeledPairs(out)
	return out
}

// SetSample stores the training sample and indexes it by record id.
func (s *Storage) SetSample(sample []Record, total int64) bool {
	if !s.guard("sample") {
		return false
	}
	s.Sample = sample
	s.RecordsTotal = total
	s.sampleByID = make(map[string]Record, len(sample))
	for _, r := range sample {
		s.sampleByID[r.ID] = r
	}
	return true
}

// SampleRecord resolves a sampled record by id.
func (s *Storage) SampleRecord(id string) (Record, bool) {
	r, ok := s.sampleByID[id]
	return r, ok
}

// SetRecords stores the fully fetched record set.
func (s *Storage) SetRecords(records map[string]Record) bool {
	if !s.guard("records") {
		return false
	}
	s.Records = records
	return true
}

// SetScored stores the retained scored pairs.
func (s *Storage) SetScored(scored []ScoredPair) bool {
	if !s.guard("scored pairs") {
		return false
	}
	s.Scored = scored
	return true
}

// SetClusters stores the clustering result.
func (s *Storage) SetClusters(clusters map[string]Cluster) bool {
	if !s.guard("clusters") {
		return false
	}
	s.Clusters = clusters
	return true
}

// SetProposals replaces both proposal caches.
func (s *Storage) SetProposals(merges, splits []Proposal) bool {
	if !s.guard("proposals") {
		return false
	}
	s.merges = make(map[PairKey]Proposal, len(merges))
	for _, p := range merges {
		s.merges[p.Key] = p
	}
	s.splits = make(map[PairKey]Proposal, len(splits))
	for _, p := range splits {
		s.splits[p.Key] = p
	}
	return true
}

// Proposal looks a proposal up by pair key in both caches.
func (s *Storage) Proposal(key PairKey) (Proposal, bool) {
	if p, ok := s.merges[key]; ok {
		return p, true
	}
	p, ok := s.splits[key]
	return p, ok
}

// Proposals returns the cached proposals of one decision kind, unordered.
func (s *Storage) Proposals(d Decision) []Proposal {
	var cache map[PairKey]Proposal
	switch d {
	case DecisionMerge:
		cache = s.merges
	case DecisionSplit:
		cache = s.splits
	}
	out := make([]Proposal, 0, len(cache))
	for _, p := range cache {
		out = append(out, p)
	}
	return out
}

// ProposalCounts returns the sizes of the two caches.
func (s *Storage) ProposalCounts() (merges, splits int) {
	return len(s.merges), len(s.splits)
}

// DiscardProposal removes a proposal from whichever cache holds it.
func (s *Storage) DiscardProposal(key PairKey) bool {
	if _, ok := s.merges[key]; ok {
		delete(s.merges, key)
		return true
	}
	if _, ok := s.splits[key]; ok {
		delete(s.splits, key)
		return true
	}
	return false
}

// SetRules stores the rules-extraction result.
func (s *Storage) SetRules(r *ExtractedRules) bool {
	if !s.guard("extracted rules") {
		return false
	}
	s.Rules = r
	return true
}

// SetBlockingRules stores the engine's blocking-rule snapshot.
func (s *Storage) SetBlockingRules(rules []BlockingRule) bool {
	if !s.guard("blocking rules") {
		return false
	}
	s.BlockingRules = rules
	return true
}

// SetComputationState commits one sub-goal state change.
func (s *Storage) SetComputationState(goal Goal, state ComputationState) bool {
	if !s.guard("computation state") {
		return false
	}
	switch goal {
	case GoalClustering:
		s.ClusteringState = state
	case GoalRecordsMatching:
		s.RecordsMatchingState = state
	case GoalRulesExtraction:
		s.RulesExtractionState = state
	}
	return true
}

// Goal names one of the three planable sub-goals.
type Goal string

const (
	GoalClustering      Goal = "clustering"
	GoalRecordsMatching Goal = "records_matching"
	GoalRulesExtraction Goal = "rules_extraction"
)

// GoalState returns the state of one sub-goal.
func (s *Storage) GoalState(goal Goal) ComputationState {
	switch goal {
	case GoalClustering:
		return s.ClusteringState
	case GoalRecordsMatching:
		return s.RecordsMatchingState
	case GoalRulesExtraction:
		return s.RulesExtractionState
	}
	return StateNotPlanned
}

// Status builds the external snapshot of this instance.
func (s *Storage) Status() Status {
	match, distinct := s.LabelCounts()
	st := Status{
		ID:              s.ID,
		Phase:           s.phase,
		Progress:        s.progress,
		SubOperation:    s.subOp,
		ModelQuality:    s.ModelQuality,
		MatchLabels:     match,
		DistinctLabels:  distinct,
		Clustering:      s.ClusteringState,
		RecordsMatching: s.RecordsMatchingState,
		RulesExtraction: s.RulesExtractionState,
		RecordsTotal:    s.RecordsTotal,
		Error:           s.Err,
	}
	st.MergeProposals, st.SplitProposals = s.ProposalCounts()
	return st
}

func sortLabeledPairs(pairs []LabeledPair) {
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i].Key, pairs[j].Key
		if a.Lo != b.Lo {
			return a.Lo < b.Lo
		}
		return a.Hi < b.Hi
	})
}
