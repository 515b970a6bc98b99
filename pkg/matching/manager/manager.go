// Package manager owns the matching jobs of one process: it creates,
// restarts and retires their storage, serves the synchronous commands, and
// drives the background pipeline.
//
// One mutex serializes every command together with each driver pass, so a
// command and a step of the same job never interleave and no caller observes
// a torn phase transition. While a step is inside an engine or source call
// no other job advances; the system steps cooperatively.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gomatch/pkg/engine"
	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/matching/pipeline"
	"github.com/3leaps/gomatch/pkg/recordsource"
	"github.com/3leaps/gomatch/pkg/recordsource/file"
	"github.com/3leaps/gomatch/pkg/recordsource/s3"
)

// SourceFactory builds the record source a job reads from.
type SourceFactory func(ctx context.Context, ref matching.SourceRef) (recordsource.Source, error)

// Journal persists training labels across process restarts. The manager
// writes labels through on every update; initialization replays them.
type Journal interface {
	pipeline.LabelJournal
	UpsertLabel(ctx context.Context, id matching.ID, key matching.PairKey, label matching.Label) error
	DeleteLabel(ctx context.Context, id matching.ID, key matching.PairKey) error
	Clear(ctx context.Context, id matching.ID) error
	Replace(ctx context.Context, id matching.ID, labels []matching.LabeledPair) error
}

// Config configures a Manager.
type Config struct {
	// Engine opens one session per storage instance.
	Engine engine.Factory

	// Sources builds a job's record source from its settings.
	Sources SourceFactory

	// Journal is the durable training-pair store. Optional; without it
	// labels live only in memory.
	Journal Journal

	// Pipeline tunes the background steps.
	Pipeline pipeline.Config

	// MinLabeledPairs is how many labeled pairs of each decision a job
	// needs before evaluation may start.
	// Default: 1
	MinLabeledPairs int

	// TickPeriod is the driver's pause between passes.
	// Default: 1s
	TickPeriod time.Duration

	Log *zap.Logger
}

// job binds a storage instance to its runtime handles. A restart that
// replaces the storage replaces the handles with it.
type job struct {
	storage    *matching.Storage
	source     recordsource.Source
	session    engine.Session
	candidates engine.CandidateStream
}

// Manager is the phase driver and restart authority for all matching jobs.
type Manager struct {
	cfg    Config
	runner *pipeline.Runner
	log    *zap.Logger

	// mu is the single lock over every job's state and the driver pass.
	mu   sync.Mutex
	jobs map[matching.ID]*job

	// driver lifecycle, never held together with mu.
	lifeMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a manager. Zero config values take defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if cfg.Sources == nil {
		return nil, fmt.Errorf("source factory is required")
	}
	if cfg.MinLabeledPairs <= 0 {
		cfg.MinLabeledPairs = 1
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		runner: pipeline.NewRunner(cfg.Pipeline),
		log:    log,
		jobs:   make(map[matching.ID]*job),
	}, nil
}

// DefaultSources builds record sources straight from job settings: a
// directory tree for file refs, a bucket for s3 refs. Credentials for s3
// come from the SDK default chain.
func DefaultSources() SourceFactory {
	return func(ctx context.Context, ref matching.SourceRef) (recordsource.Source, error) {
		switch ref.Kind {
		case matching.SourceFile:
			return file.New(file.Config{
				Root:     ref.Path,
				Includes: ref.Includes,
				Excludes: ref.Excludes,
			})
		case matching.SourceS3:
			return s3.New(ctx, s3.Config{
				Bucket:   ref.Bucket,
				Prefix:   ref.Path,
				Region:   ref.Region,
				Endpoint: ref.Endpoint,
			})
		}
		return nil, fmt.Errorf("unrecognized source kind %q", ref.Kind)
	}
}

// Tick runs one driver pass: at most one step per active job. Commands
// arriving while the pass runs wait on the lock.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.process(ctx)
}

// process advances every active job by at most one step. Callers hold mu.
func (m *Manager) process(ctx context.Context) {
	for _, id := range m.sortedIDs() {
		j := m.jobs[id]
		st := j.storage
		if !st.Active() || !st.Phase().Running() {
			continue
		}
		step, ok := m.runner.Step(st.Phase())
		if !ok {
			continue
		}

		from := st.Phase()
		rc := &pipeline.RunContext{
			Storage:    st,
			Engine:     m.cfg.Engine,
			Session:    j.session,
			Candidates: j.candidates,
			Source:     j.source,
			Journal:    m.cfg.Journal,
			Log:        m.log,
		}
		start := time.Now()
		next, err := step.Run(ctx, rc)
		j.session, j.candidates = rc.Session, rc.Candidates

		if err != nil {
			m.log.Error("step failed",
				zap.String("entity", id.Entity),
				zap.String("layer", id.Layer),
				zap.String("phase", string(from)),
				zap.Error(err))
			st.Fail(err.Error())
			continue
		}

		st.ChangePhase(next)
		m.log.Info("phase changed",
			zap.String("entity", id.Entity),
			zap.String("layer", id.Layer),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.Duration("duration", time.Since(start)))
	}
}

// sortedIDs returns the job ids in a stable order. Callers hold mu.
func (m *Manager) sortedIDs() []matching.ID {
	ids := make([]matching.ID, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Entity != ids[j].Entity {
			return ids[i].Entity < ids[j].Entity
		}
		return ids[i].Layer < ids[j].Layer
	})
	return ids
}

// lookup resolves a job by id. Callers hold mu.
func (m *Manager) lookup(op string, id matching.ID) (*job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, &matching.Error{Op: op, ID: id, Err: matching.ErrUnknownMatching}
	}
	return j, nil
}

// require resolves a job and checks the command's phase precondition.
// Callers hold mu.
func (m *Manager) require(op string, id matching.ID) (*job, error) {
	j, err := m.lookup(op, id)
	if err != nil {
		return nil, err
	}
	phase := j.storage.Phase()
	for _, allowed := range commandPhases[op] {
		if phase == allowed {
			return j, nil
		}
	}
	return nil, &matching.Error{Op: op, ID: id, Phase: phase, Err: matching.ErrInvalidPhase}
}
