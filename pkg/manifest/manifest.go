// Package manifest provides loading and validation of matching job manifests.
//
// A job manifest is a YAML or JSON file describing one matching job: the
// entity and layer it belongs to, the record columns the model compares,
// the record source, and optional evaluation thresholds.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	matching:
//	  entity: customer
//	  layer: gold
//	records:
//	  columns: [name, city]
//	  id_column: id
//	  group_column: group
//	source:
//	  kind: file
//	  path: ./records
//	  includes:
//	    - "**/*.csv"
package manifest

import "github.com/3leaps/gomatch/pkg/matching"

// Manifest represents a validated matching job manifest.
//
// Required fields are Version, Matching, Records, and Source. Evaluation
// and Rules are optional; their zero values defer to the server defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Matching names the job: the entity being matched and the data layer.
	Matching MatchingConfig `json:"matching" yaml:"matching"`

	// Records describes the record shape: matched columns and the columns
	// holding the record id and its current group.
	Records RecordsConfig `json:"records" yaml:"records"`

	// Source locates the records.
	Source SourceConfig `json:"source" yaml:"source"`

	// Evaluation tunes the proposal caches (optional).
	Evaluation EvaluationConfig `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`

	// Rules tunes rule extraction (optional).
	Rules RulesConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// MatchingConfig names a matching job.
type MatchingConfig struct {
	// Entity is the business entity the records describe, e.g. "customer".
	Entity string `json:"entity" yaml:"entity"`

	// Layer is the data layer the job runs against, e.g. "gold".
	Layer string `json:"layer" yaml:"layer"`
}

// RecordsConfig describes the record columns a job works with.
type RecordsConfig struct {
	// Columns are the columns the model matches on. At least one is
	// required.
	Columns []string `json:"columns" yaml:"columns"`

	// IDColumn names the source column holding the record id.
	IDColumn string `json:"id_column" yaml:"id_column"`

	// GroupColumn names the source column holding the record's current
	// matching group. Optional; without it every record starts ungrouped.
	GroupColumn string `json:"group_column,omitempty" yaml:"group_column,omitempty"`
}

// SourceConfig locates the record source.
type SourceConfig struct {
	// Kind selects the source implementation: "file" or "s3".
	// Default: "file".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Path is the root directory (file kind) or object prefix (s3 kind).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Includes are glob patterns selecting source files. Empty means every
	// .csv under the root.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes are glob patterns removing files from the selection.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Bucket is the bucket name (s3 kind only).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Region is the AWS region (s3 kind only). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// EvaluationConfig tunes the merge/split proposal caches.
type EvaluationConfig struct {
	// CachedProposalCount bounds the per-decision proposal caches. Zero
	// defers to the server default.
	CachedProposalCount int `json:"cached_proposal_count,omitempty" yaml:"cached_proposal_count,omitempty"`

	// ConfidenceThreshold drops proposals scored below it. Zero defers to
	// the server default.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
}

// RulesConfig tunes which scored pairs feed rule extraction.
type RulesConfig struct {
	// MinMatchConfidence selects positive pairs. Zero defers to the server
	// default.
	MinMatchConfidence float64 `json:"min_match_confidence,omitempty" yaml:"min_match_confidence,omitempty"`

	// MinDistinctConfidence selects negative pairs. Zero defers to the
	// server default.
	MinDistinctConfidence float64 `json:"min_distinct_confidence,omitempty" yaml:"min_distinct_confidence,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultSourceKind is the record source used when none is named.
	DefaultSourceKind = "file"
)

// ApplyDefaults fills in default values for optional fields.
//
// Called after loading and validating the manifest so callers don't need to
// reason about empty fields.
func (m *Manifest) ApplyDefaults() {
	if m.Source.Kind == "" {
		m.Source.Kind = DefaultSourceKind
	}
}

// ID returns the job identifier the manifest describes.
func (m *Manifest) ID() matching.ID {
	return matching.ID{Entity: m.Matching.Entity, Layer: m.Matching.Layer}
}

// Settings converts the manifest into the job settings the API takes.
func (m *Manifest) Settings() matching.Settings {
	return matching.Settings{
		Columns:     m.Records.Columns,
		IDColumn:    m.Records.IDColumn,
		GroupColumn: m.Records.GroupColumn,
		Source: matching.SourceRef{
			Kind:     matching.SourceKind(m.Source.Kind),
			Path:     m.Source.Path,
			Includes: m.Source.Includes,
			Excludes: m.Source.Excludes,
			Bucket:   m.Source.Bucket,
			Region:   m.Source.Region,
			Endpoint: m.Source.Endpoint,
		},
		CachedProposalCount:   m.Evaluation.CachedProposalCount,
		ConfidenceThreshold:   m.Evaluation.ConfidenceThreshold,
		MinMatchConfidence:    m.Rules.MinMatchConfidence,
		MinDistinctConfidence: m.Rules.MinDistinctConfidence,
	}
}
