// Package rules induces human-readable matching rules from decided record
// pairs.
//
// A rule is a predicate over a record pair built from column comparisons:
// exact equality, a string-distance bound, or a conjunction of those. Rule
// extraction searches candidate rules in ascending column count, keeps the
// ones that exclude every negative pair, and greedily picks a small set that
// covers as many positive pairs as possible.
package rules

import (
	"fmt"
	"strings"

	"github.com/3leaps/gomatch/pkg/matching"
)

// Validity classifies a candidate rule against the negative pairs.
type Validity string

const (
	// ValidityValid means the rule excludes every negative pair.
	ValidityValid Validity = "valid"
	// ValidityInvalid means some negative pair satisfies the rule no matter
	// how it is tuned.
	ValidityInvalid Validity = "invalid"
	// ValidityRedundant means the rule cannot add discriminating power: a
	// strictly simpler rule excludes the same negatives.
	ValidityRedundant Validity = "redundant"
)

// Rule is a predicate over a record pair.
type Rule interface {
	// Match reports whether the pair satisfies the rule.
	Match(a, b matching.Record) bool

	// Columns lists the columns the rule reads, in rule order.
	Columns() []string

	// Kind is a stable machine-readable rule kind.
	Kind() string

	// Parametric reports whether the rule carries a tunable threshold.
	Parametric() bool

	fmt.Stringer
}

// AlwaysMatchRule matches every pair. It is valid only when there are no
// negative pairs at all, in which case no deeper rule can do better.
type AlwaysMatchRule struct{}

func (AlwaysMatchRule) Match(_, _ matching.Record) bool { return true }
func (AlwaysMatchRule) Columns() []string               { return nil }
func (AlwaysMatchRule) Kind() string                    { return "always_match" }
func (AlwaysMatchRule) Parametric() bool                { return false }
func (AlwaysMatchRule) String() string                  { return "always match" }

// EqualityRule matches when the pair agrees exactly on one column.
// MatchEmpty decides what happens when either value is missing.
type EqualityRule struct {
	Column     string
	MatchEmpty bool
}

func (r EqualityRule) Match(a, b matching.Record) bool {
	va, vb := fieldValue(a, r.Column), fieldValue(b, r.Column)
	if va == "" || vb == "" {
		return r.MatchEmpty
	}
	return va == vb
}

func (r EqualityRule) Columns() []string { return []string{r.Column} }
func (r EqualityRule) Kind() string      { return "equality" }
func (r EqualityRule) Parametric() bool  { return false }

func (r EqualityRule) String() string {
	if r.MatchEmpty {
		return fmt.Sprintf("%s equal (missing matches)", r.Column)
	}
	return fmt.Sprintf("%s equal", r.Column)
}

// DistanceRule matches when the column values are closer than Threshold
// under the named distance function. The threshold is the tunable parameter;
// extraction sets it to the smallest distance observed on a negative pair,
// which is the loosest bound that still excludes them all.
type DistanceRule struct {
	Column     string
	Distance   string
	MatchEmpty bool
	Threshold  float64
}

func (r DistanceRule) Match(a, b matching.Record) bool {
	va, vb := fieldValue(a, r.Column), fieldValue(b, r.Column)
	if va == "" || vb == "" {
		return r.MatchEmpty
	}
	fn, ok := DistanceFn(r.Distance)
	if !ok {
		return false
	}
	return fn(va, vb) < r.Threshold
}

func (r DistanceRule) Columns() []string { return []string{r.Column} }
func (r DistanceRule) Kind() string      { return "distance" }
func (r DistanceRule) Parametric() bool  { return true }

func (r DistanceRule) String() string {
	s := fmt.Sprintf("%s %s distance < %.3f", r.Column, r.Distance, r.Threshold)
	if r.MatchEmpty {
		s += " (missing matches)"
	}
	return s
}

// CompositionRule is the conjunction of its subrules. At most one subrule is
// parametric and subrule columns are distinct.
type CompositionRule struct {
	Subrules []Rule
}

func (r CompositionRule) Match(a, b matching.Record) bool {
	for _, sub := range r.Subrules {
		if !sub.Match(a, b) {
			return false
		}
	}
	return true
}

func (r CompositionRule) Columns() []string {
	var cols []string
	for _, sub := range r.Subrules {
		cols = append(cols, sub.Columns()...)
	}
	return cols
}

func (r CompositionRule) Kind() string { return "composition" }

func (r CompositionRule) Parametric() bool {
	for _, sub := range r.Subrules {
		if sub.Parametric() {
			return true
		}
	}
	return false
}

func (r CompositionRule) String() string {
	parts := make([]string, len(r.Subrules))
	for i, sub := range r.Subrules {
		parts[i] = sub.String()
	}
	return strings.Join(parts, " and ")
}

func fieldValue(r matching.Record, column string) string {
	return strings.TrimSpace(r.Value(column))
}
