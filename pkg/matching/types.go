// Package matching defines the data model for record-matching jobs: job
// identity, the phase machine, training labels, proposals, and the per-job
// storage that holds everything a job computes.
//
// A matching job learns to decide whether two records of an entity layer
// describe the same real-world thing. The model trains on user-labeled
// record pairs and, once planned, runs a common computation (fetch, block,
// score, cluster) followed by one or both result branches: merge/split
// proposals and extracted decision rules.
package matching

import (
	"fmt"
	"strings"
)

// ID identifies one matching job. There is at most one job per entity layer.
type ID struct {
	Entity string `json:"entity"`
	Layer  string `json:"layer"`
}

// String renders the id as "entity/layer".
func (id ID) String() string {
	return id.Entity + "/" + id.Layer
}

// ParseID splits an "entity/layer" string into an ID.
func ParseID(s string) (ID, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ID{}, fmt.Errorf("malformed matching id %q (want entity/layer)", s)
	}
	return ID{Entity: parts[0], Layer: parts[1]}, nil
}

// Phase is the lifecycle phase of a matching job.
//
// NOTE: These values appear in status responses and error records and are
// part of the stable API contract.
type Phase string

const (
	PhaseNotCreated          Phase = "not_created"
	PhaseInitializing        Phase = "initializing_matching"
	PhaseTrainingModel       Phase = "training_model"
	PhaseFetchingRecords     Phase = "fetching_records"
	PhaseBlockingRecords     Phase = "blocking_records"
	PhaseScoringPairs        Phase = "scoring_pairs"
	PhaseClusteringRecords   Phase = "clustering_records"
	PhaseGeneratingProposals Phase = "generating_proposals"
	PhaseExtractingRules     Phase = "extracting_rules"
	PhaseReady               Phase = "ready"
	PhaseError               Phase = "error"
)

// IsValid reports whether p is a known phase value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseNotCreated, PhaseInitializing, PhaseTrainingModel,
		PhaseFetchingRecords, PhaseBlockingRecords, PhaseScoringPairs,
		PhaseClusteringRecords, PhaseGeneratingProposals,
		PhaseExtractingRules, PhaseReady, PhaseError:
		return true
	}
	return false
}

// Running reports whether the phase belongs to the background computation,
// i.e. the driver has a step to run for it.
func (p Phase) Running() bool {
	switch p {
	case PhaseInitializing, PhaseFetchingRecords, PhaseBlockingRecords,
		PhaseScoringPairs, PhaseClusteringRecords,
		PhaseGeneratingProposals, PhaseExtractingRules:
		return true
	}
	return false
}

// ComputationState tracks one sub-goal of a job.
//
// The common computation (clustering) and the two result branches
// (records matching, rules extraction) each carry one.
type ComputationState string

const (
	StateNotPlanned ComputationState = "not_planned"
	StatePlanned    ComputationState = "planned"
	StateFinished   ComputationState = "finished"
)

// Planned reports whether the sub-goal was ever requested.
func (s ComputationState) Planned() bool {
	return s == StatePlanned || s == StateFinished
}

// Label is a user decision on a training pair.
type Label string

const (
	LabelMatch    Label = "match"
	LabelDistinct Label = "distinct"
	// LabelUnknown removes an existing label without adding a new one.
	LabelUnknown Label = "unknown"
)

// IsValid reports whether l is a known label value.
func (l Label) IsValid() bool {
	return l == LabelMatch || l == LabelDistinct || l == LabelUnknown
}

// Decision is the kind of a proposal.
type Decision string

const (
	// DecisionMerge proposes grouping records the current assignment keeps apart.
	DecisionMerge Decision = "merge"
	// DecisionSplit proposes separating records the current assignment groups.
	DecisionSplit Decision = "split"
)

// IsValid reports whether d is a known decision value.
func (d Decision) IsValid() bool {
	return d == DecisionMerge || d == DecisionSplit
}

// PairKey is a normalized unordered record-id pair. Lo and Hi are ordered so
// that Lo <= Hi; every structure keyed by a pair uses this form, which makes
// (a, b) and (b, a) the same pair everywhere.
type PairKey struct {
	Lo string `json:"id1"`
	Hi string `json:"id2"`
}

// NewPairKey builds a normalized pair key from two record ids in any order.
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{Lo: a, Hi: b}
}

// String renders the pair as "lo:hi".
func (k PairKey) String() string {
	return k.Lo + ":" + k.Hi
}

// Record is one source record: its id, its current matching group in the
// source system, and the configured column values.
type Record struct {
	ID     string            `json:"id"`
	Group  string            `json:"group,omitempty"`
	Values map[string]string `json:"values"`
}

// Value returns the record's value for a column, or "" when absent.
func (r Record) Value(column string) string {
	return r.Values[column]
}

// LabeledPair is a training pair together with its user label.
type LabeledPair struct {
	Key   PairKey `json:"pair"`
	Label Label   `json:"label"`
}

// ScoredPair is a candidate pair with the model's match probability.
type ScoredPair struct {
	Key         PairKey `json:"pair"`
	Probability float64 `json:"probability"`
}

// Cluster is a job's computed group assignment for one record.
type Cluster struct {
	ID    string  `json:"cluster_id"`
	Score float64 `json:"score"`
}

// Proposal is a suggested change to the current grouping of two records.
//
// Confidence is in [0, 1]. For merge proposals it is the model's match
// probability; for split proposals it is 1 minus the match probability,
// fixed at creation time.
type Proposal struct {
	Key          PairKey            `json:"pair"`
	Confidence   float64            `json:"confidence"`
	Decision     Decision           `json:"decision"`
	KeyColumns   []string           `json:"key_columns,omitempty"`
	ColumnScores map[string]float64 `json:"column_scores,omitempty"`
}

// SourceKind selects a record source implementation.
type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceS3   SourceKind = "s3"
)

// SourceRef names the data source a job reads its records from.
type SourceRef struct {
	Kind SourceKind `json:"kind"`

	// Path is the root directory (file kind) or object prefix (s3 kind).
	Path string `json:"path,omitempty"`
	// Includes are doublestar patterns selecting source files. Empty means
	// every .csv under the root.
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`

	// Bucket, Region and Endpoint apply to the s3 kind only.
	Bucket   string `json:"bucket,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Settings is the per-job configuration captured at init time and carried
// across restarts according to the restart table.
type Settings struct {
	// Columns are the record columns the model matches on.
	Columns []string `json:"columns"`
	// IDColumn and GroupColumn name the source columns holding the record
	// id and its current matching group.
	IDColumn    string `json:"id_column"`
	GroupColumn string `json:"group_column,omitempty"`

	Source SourceRef `json:"source"`

	// CachedProposalCount bounds the per-decision proposal caches (top K).
	CachedProposalCount int `json:"cached_proposal_count,omitempty"`
	// ConfidenceThreshold drops proposals scored below it.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// MinMatchConfidence and MinDistinctConfidence select the scored pairs
	// that feed rule extraction.
	MinMatchConfidence    float64 `json:"min_match_confidence,omitempty"`
	MinDistinctConfidence float64 `json:"min_distinct_confidence,omitempty"`
}

// Validate checks that the settings can run a job.
func (s Settings) Validate() error {
	if len(s.Columns) == 0 {
		return &ValidationError{Field: "columns", Message: "at least one matching column is required"}
	}
	if strings.TrimSpace(s.IDColumn) == "" {
		return &ValidationError{Field: "id_column", Message: "required"}
	}
	switch s.Source.Kind {
	case SourceFile:
		if strings.TrimSpace(s.Source.Path) == "" {
			return &ValidationError{Field: "source.path", Message: "required for file sources"}
		}
	case SourceS3:
		if strings.TrimSpace(s.Source.Bucket) == "" {
			return &ValidationError{Field: "source.bucket", Message: "required for s3 sources"}
		}
	default:
		return &ValidationError{Field: "source.kind", Message: fmt.Sprintf("unrecognized kind %q", s.Source.Kind)}
	}
	if s.CachedProposalCount < 0 {
		return &ValidationError{Field: "cached_proposal_count", Message: "must not be negative"}
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return &ValidationError{Field: "confidence_threshold", Message: "must be within [0, 1]"}
	}
	if s.MinMatchConfidence < 0 || s.MinMatchConfidence > 1 {
		return &ValidationError{Field: "min_match_confidence", Message: "must be within [0, 1]"}
	}
	if s.MinDistinctConfidence < 0 || s.MinDistinctConfidence > 1 {
		return &ValidationError{Field: "min_distinct_confidence", Message: "must be within [0, 1]"}
	}
	return nil
}

// ErrorRecord captures why a job entered the error phase.
type ErrorRecord struct {
	Message string `json:"message"`
	// Phase is the phase the job was in when the failure happened.
	Phase Phase `json:"phase"`
}

// Status is a point-in-time snapshot of one job for status queries.
type Status struct {
	ID           ID      `json:"id"`
	Phase        Phase   `json:"phase"`
	Progress     float64 `json:"progress"`
	SubOperation string  `json:"sub_operation,omitempty"`

	ModelQuality   float64 `json:"model_quality"`
	MatchLabels    int     `json:"match_labels"`
	DistinctLabels int     `json:"distinct_labels"`

	Clustering      ComputationState `json:"clustering"`
	RecordsMatching ComputationState `json:"records_matching"`
	RulesExtraction ComputationState `json:"rules_extraction"`

	RecordsTotal   int64 `json:"records_total"`
	MergeProposals int   `json:"merge_proposals"`
	SplitProposals int   `json:"split_proposals"`

	Error *ErrorRecord `json:"error,omitempty"`
}
