package matching

import "go.uber.org/zap"

// RestartType selects how much of a job survives a restart.
type RestartType string

const (
	// RestartToTraining keeps the settings and the labeled pairs and goes
	// back to the training phase. Result thresholds are reset.
	RestartToTraining RestartType = "reset_to_training"

	// RestartToEvaluation keeps settings, thresholds and labeled pairs and
	// reruns the computation without another training round. It requires
	// that at least one downstream sub-goal was planned before.
	RestartToEvaluation RestartType = "reset_to_evaluation"

	// RestartClearTrainingPairs drops the labeled pairs in place. It is the
	// only restart that does not create a new storage instance.
	RestartClearTrainingPairs RestartType = "clear_training_pairs"

	// RestartAll starts the job over, dropping labels and results.
	RestartAll RestartType = "reset_all"
)

// IsValid reports whether t is a known restart type.
func (t RestartType) IsValid() bool {
	switch t {
	case RestartToTraining, RestartToEvaluation, RestartClearTrainingPairs, RestartAll:
		return true
	}
	return false
}

// restartPhases lists the phases each restart type is allowed in. No type is
// allowed in not_created (there is nothing to restart) or while the job is
// still initializing. Clearing training pairs is additionally forbidden once
// blocking has started consuming them.
var restartPhases = map[RestartType][]Phase{
	RestartToTraining: {
		PhaseTrainingModel, PhaseFetchingRecords, PhaseBlockingRecords,
		PhaseScoringPairs, PhaseClusteringRecords, PhaseGeneratingProposals,
		PhaseExtractingRules, PhaseReady, PhaseError,
	},
	RestartToEvaluation: {
		PhaseTrainingModel, PhaseFetchingRecords, PhaseBlockingRecords,
		PhaseScoringPairs, PhaseClusteringRecords, PhaseGeneratingProposals,
		PhaseExtractingRules, PhaseReady, PhaseError,
	},
	RestartClearTrainingPairs: {
		PhaseTrainingModel, PhaseFetchingRecords,
	},
	RestartAll: {
		PhaseTrainingModel, PhaseFetchingRecords, PhaseBlockingRecords,
		PhaseScoringPairs, PhaseClusteringRecords, PhaseGeneratingProposals,
		PhaseExtractingRules, PhaseReady, PhaseError,
	},
}

// Allows reports whether the restart type may run while the job is in p.
func (t RestartType) Allows(p Phase) bool {
	for _, allowed := range restartPhases[t] {
		if allowed == p {
			return true
		}
	}
	return false
}

// Successor builds the replacement storage instance for a restart. The
// receiver is left untouched; the caller retires it after committing the
// successor. RestartClearTrainingPairs has no successor and must not be
// passed here.
//
// Carry-over per type:
//
//	reset_to_training    settings (thresholds reset), labeled pairs
//	reset_to_evaluation  settings incl. thresholds, labeled pairs; skips
//	                     training; clustering replanned, branches replanned
//	                     iff previously planned
//	reset_all            settings (thresholds reset)
func (s *Storage) Successor(t RestartType, log *zap.Logger) (*Storage, error) {
	settings := s.Settings
	if t != RestartToEvaluation {
		settings.CachedProposalCount = 0
		settings.ConfidenceThreshold = 0
		settings.MinMatchConfidence = 0
		settings.MinDistinctConfidence = 0
	}

	next := NewStorage(s.ID, settings, log)

	switch t {
	case RestartToTraining:
		for k, l := range s.Labels {
			next.Labels[k] = l
		}
	case RestartToEvaluation:
		// Resuming evaluation requires something to resume.
		if !s.RecordsMatchingState.Planned() && !s.RulesExtractionState.Planned() {
			return nil, &Error{Op: "Restart", ID: s.ID, Phase: s.phase,
				Err: ErrInvalidPhase}
		}
		for k, l := range s.Labels {
			next.Labels[k] = l
		}
		next.SkipTraining = true
		next.ClusteringState = StatePlanned
		if s.RecordsMatchingState.Planned() {
			next.RecordsMatchingState = StatePlanned
		}
		if s.RulesExtractionState.Planned() {
			next.RulesExtractionState = StatePlanned
		}
	case RestartAll:
		// nothing carried beyond settings
	default:
		return nil, &Error{Op: "Restart", ID: s.ID, Phase: s.phase,
			Err: ErrInvalidState}
	}

	return next, nil
}
