// Package recordsource abstracts where a matching job reads its records
// from.
//
// Sources stream CSV-shaped records: the first row names the columns, one
// row per record. Implementations cover a local directory tree and S3 (or
// S3-compatible) buckets. Authentication for cloud sources uses SDK default
// credential chains - sources should not implement custom auth logic.
package recordsource

import (
	"context"

	"github.com/3leaps/gomatch/pkg/matching"
)

// Spec tells a source how to interpret record rows.
type Spec struct {
	// IDColumn names the column holding the record id. Required.
	IDColumn string

	// GroupColumn names the column holding the record's current matching
	// group. Optional; records without one are their own group.
	GroupColumn string

	// Columns are the value columns to load. Columns absent from a file
	// yield empty values.
	Columns []string
}

// Validate checks that the spec can produce records.
func (s Spec) Validate() error {
	if s.IDColumn == "" {
		return &SourceError{Op: "Validate", Err: ErrBadRecord}
	}
	return nil
}

// Source reads records for one job.
//
// Implementations should be safe for sequential reuse; calls are serialized
// by the manager's global lock.
type Source interface {
	// Stream calls fn for every record, in source order. A non-nil error
	// from fn aborts the stream and is returned unwrapped.
	Stream(ctx context.Context, spec Spec, fn func(matching.Record) error) error

	// Fetch returns the records with the given ids. Ids that do not exist
	// in the source are simply absent from the result.
	Fetch(ctx context.Context, spec Spec, ids []string) ([]matching.Record, error)

	// Count returns the number of records in the source.
	Count(ctx context.Context) (int64, error)

	// Close releases any resources held by the source.
	Close() error
}

// FetchByStreaming implements Fetch for sources that can only stream: it
// scans the stream and keeps the requested ids.
func FetchByStreaming(ctx context.Context, src Source, spec Spec, ids []string) ([]matching.Record, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]matching.Record, 0, len(ids))
	err := src.Stream(ctx, spec, func(r matching.Record) error {
		if _, ok := want[r.ID]; ok {
			out = append(out, r)
			delete(want, r.ID)
		}
		if len(want) == 0 {
			return errFetchDone
		}
		return nil
	})
	if err != nil && err != errFetchDone {
		return nil, err
	}
	return out, nil
}
