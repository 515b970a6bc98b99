// Package pipeline implements the background computation of a matching job
// as one step per phase.
//
// The driver runs at most one step per job per pass. Each step reads and
// writes the job's storage, does its phase's work, and names the phase that
// follows. Steps never loop: long work is cut into sub-operations that
// advance the job's progress inside the phase's share.
//
// Steps operate on a RunContext assembled by the manager; the engine
// session and the candidate stream created by earlier steps travel through
// it to later ones.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
	"github.com/3leaps/gomatch/pkg/rules"
)

// Config configures step behavior.
type Config struct {
	// SampleSize is how many records initialization keeps for training.
	// Default: 1000
	SampleSize int

	// ScoreBatchSize is how many pairs a single engine scoring call takes.
	// Default: 500
	ScoreBatchSize int

	// RetentionThreshold keeps a scored pair when max(p, 1-p) reaches it,
	// i.e. when the model is reasonably sure either way.
	// Default: 0.7
	RetentionThreshold float64

	// ClusterThreshold is the minimum match probability for a scored pair
	// to link its records into one cluster.
	// Default: 0.5
	ClusterThreshold float64

	// ProposalBatchGroups is how many groups one proposal-generation batch
	// spans.
	// Default: 100
	ProposalBatchGroups int

	// RulesMaxColumns bounds how many columns an extracted rule may read.
	// Default: rules.DefaultMaxColumns
	RulesMaxColumns int
}

// DefaultConfig returns the default step configuration.
func DefaultConfig() Config {
	return Config{
		SampleSize:          1000,
		ScoreBatchSize:      500,
		RetentionThreshold:  0.7,
		ClusterThreshold:    0.5,
		ProposalBatchGroups: 100,
		RulesMaxColumns:     rules.DefaultMaxColumns,
	}
}

// LabelJournal restores durable training labels during initialization.
type LabelJournal interface {
	Labels(ctx context.Context, id matching.ID) ([]matching.LabeledPair, error)
}

// RunContext is everything a step works against. The manager assembles one
// per step execution and copies the Session and Candidates handles back to
// the job afterwards.
type RunContext struct {
	Storage *matching.Storage

	// Engine opens the job's session during initialization.
	Engine engine.Factory

	// Session is the open engine session, nil before initialization ran.
	Session engine.Session

	// Candidates is the blocked candidate stream, set by the blocking step
	// and drained by the scoring step.
	Candidates engine.CandidateStream

	// Source is the job's record source.
	Source recordsource.Source

	// Journal is the durable label store, may be nil.
	Journal LabelJournal

	Log *zap.Logger
}

// Step is one phase's worth of background work. Run returns the phase the
// job moves to on success.
type Step interface {
	Phase() matching.Phase
	Run(ctx context.Context, rc *RunContext) (matching.Phase, error)
}

// Runner holds the configured steps, one per running phase.
type Runner struct {
	steps map[matching.Phase]Step
}

// NewRunner builds the step set. Zero config values take defaults.
func NewRunner(cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.ScoreBatchSize <= 0 {
		cfg.ScoreBatchSize = def.ScoreBatchSize
	}
	if cfg.RetentionThreshold <= 0 {
		cfg.RetentionThreshold = def.RetentionThreshold
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = def.ClusterThreshold
	}
	if cfg.ProposalBatchGroups <= 0 {
		cfg.ProposalBatchGroups = def.ProposalBatchGroups
	}
	if cfg.RulesMaxColumns <= 0 {
		cfg.RulesMaxColumns = def.RulesMaxColumns
	}

	steps := []Step{
		initStep{cfg: cfg},
		fetchStep{},
		blockStep{},
		scoreStep{cfg: cfg},
		clusterStep{cfg: cfg},
		rulesStep{cfg: cfg},
		proposalStep{cfg: cfg},
	}
	r := &Runner{steps: make(map[matching.Phase]Step, len(steps))}
	for _, s := range steps {
		r.steps[s.Phase()] = s
	}
	return r
}

// Step returns the step for a phase, if the phase has one. Waiting phases
// (training) and terminal phases have none.
func (r *Runner) Step(p matching.Phase) (Step, bool) {
	s, ok := r.steps[p]
	return s, ok
}

// run executes one sub-operation: it names it on the storage, runs fn, and
// on success advances progress by the sub-operation's weight of the phase
// share.
func run(rc *RunContext, name string, weight float64, fn func() error) error {
	rc.Storage.SetSubOperation(name)
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	rc.Storage.AdvanceProgress(weight * matching.PhaseShare(rc.Storage.Phase()))
	rc.Log.Debug("sub-operation finished",
		zap.String("entity", rc.Storage.ID.Entity),
		zap.String("layer", rc.Storage.ID.Layer),
		zap.String("phase", string(rc.Storage.Phase())),
		zap.String("sub", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// sourceSpec derives the record-source spec from job settings.
func sourceSpec(s matching.Settings) recordsource.Spec {
	return recordsource.Spec{
		IDColumn:    s.IDColumn,
		GroupColumn: s.GroupColumn,
		Columns:     s.Columns,
	}
}
