// Package file implements a record source over CSV files in a local
// directory tree.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
)

const sourceName = "file"

// Config configures a file source.
type Config struct {
	// Root is the directory the source reads from (required).
	Root string

	// Includes are doublestar patterns relative to Root selecting the
	// files to read. Empty means every .csv under the root.
	Includes []string

	// Excludes remove files the includes selected.
	Excludes []string
}

// Validate checks required configuration and pattern syntax.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root dir is required")
	}
	for _, p := range append(append([]string{}, c.Includes...), c.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// Source implements recordsource.Source for local CSV files.
type Source struct {
	root     string
	includes []string
	excludes []string
}

var _ recordsource.Source = (*Source)(nil)

// New creates a file source.
func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = []string{"**/*.csv"}
	}
	return &Source{
		root:     filepath.Clean(cfg.Root),
		includes: includes,
		excludes: cfg.Excludes,
	}, nil
}

// Stream reads every matching file in path order.
func (s *Source) Stream(ctx context.Context, spec recordsource.Spec, fn func(matching.Record) error) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	paths, err := s.collect()
	if err != nil {
		return err
	}
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			return s.wrapError("Stream", rel, err)
		}
		derr := recordsource.DecodeRows(f, spec, sourceName, rel, fn)
		_ = f.Close()
		if derr != nil {
			return derr
		}
	}
	return nil
}

// Fetch scans the stream for the requested ids.
func (s *Source) Fetch(ctx context.Context, spec recordsource.Spec, ids []string) ([]matching.Record, error) {
	return recordsource.FetchByStreaming(ctx, s, spec, ids)
}

// Count sums the data rows of every matching file.
func (s *Source) Count(ctx context.Context) (int64, error) {
	paths, err := s.collect()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			return 0, s.wrapError("Count", rel, err)
		}
		n, cerr := recordsource.CountRows(f)
		_ = f.Close()
		if cerr != nil {
			return 0, s.wrapError("Count", rel, cerr)
		}
		total += n
	}
	return total, nil
}

// Close releases any resources held by the source.
func (s *Source) Close() error { return nil }

// collect walks the root and returns the slash-relative paths selected by
// the include and exclude patterns, sorted.
func (s *Source) collect() ([]string, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, s.wrapError("collect", "", err)
	}
	var paths []string
	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if s.selected(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if walkErr != nil {
		return nil, s.wrapError("collect", "", walkErr)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Source) selected(rel string) bool {
	included := false
	for _, p := range s.includes {
		if ok, _ := doublestar.Match(p, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// wrapError normalizes filesystem errors to source sentinels.
func (s *Source) wrapError(op, path string, err error) error {
	wrapped := &recordsource.SourceError{Op: op, Source: sourceName, Path: path, Err: err}
	if os.IsNotExist(err) {
		wrapped.Err = recordsource.ErrSourceNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = recordsource.ErrAccessDenied
	}
	return wrapped
}
