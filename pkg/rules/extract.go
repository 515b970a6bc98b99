package rules

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/3leaps/gomatch/pkg/matching"
)

// DefaultMaxColumns bounds how many columns a composed rule may read.
const DefaultMaxColumns = 3

// Pair is a decided record pair fed into extraction.
type Pair struct {
	A, B matching.Record
}

// Input is the decided-pair corpus to induce rules from.
type Input struct {
	// Positives are pairs that should match.
	Positives []Pair

	// Negatives are pairs that should stay distinct. When nil, the
	// complement of the positives over all combinations of Records is used.
	Negatives []Pair

	// Records are the known records, used only to derive default negatives.
	Records []matching.Record
}

// Options tunes extraction.
type Options struct {
	// Columns are the columns rules may be built over. Required.
	Columns []string

	// MaxColumns bounds composed rules; zero means DefaultMaxColumns.
	MaxColumns int

	// Distances names the distance functions to try; empty means all
	// registered ones.
	Distances []string
}

// RuleCoverage is one selected rule with the fraction of positive pairs it
// newly covered when picked.
type RuleCoverage struct {
	Rule     Rule
	Coverage float64
}

// Result is the extraction outcome. Coverage is the fraction of positive
// pairs the selected rules cover together; with no positive pairs it is 1.0.
type Result struct {
	Rules    []RuleCoverage
	Coverage float64
}

// Extract induces rules from the decided pairs.
//
// Candidates are generated in ascending column count. A candidate is kept
// when it excludes every negative pair; the greedy pass then picks rules by
// maximal uncovered-positive gain until nothing more is gained. Ties break
// on generation order, which makes the result deterministic.
func Extract(in Input, opts Options) (Result, error) {
	if len(opts.Columns) == 0 {
		return Result{}, errors.New("rules: no columns to build rules over")
	}
	if opts.MaxColumns <= 0 {
		opts.MaxColumns = DefaultMaxColumns
	}
	if len(opts.Distances) == 0 {
		opts.Distances = DistanceNames()
	}
	for _, name := range opts.Distances {
		if _, ok := DistanceFn(name); !ok {
			return Result{}, fmt.Errorf("rules: unknown distance function %q", name)
		}
	}

	// Nothing to cover: trivially complete.
	if len(in.Positives) == 0 {
		return Result{Coverage: 1}, nil
	}

	negatives := in.Negatives
	if negatives == nil {
		negatives = complementPairs(in.Records, in.Positives)
	}

	g := &generator{negatives: negatives, opts: opts, seen: make(map[string]struct{})}
	return selectGreedy(g.run(), in.Positives), nil
}

// candidate is a rule under construction: fixed nonparametric subrules plus
// at most one distance template whose threshold classify fills in.
type candidate struct {
	nonparams []Rule
	param     *DistanceRule
	cols      map[string]struct{}
}

func (c candidate) extend(t template) candidate {
	next := candidate{
		nonparams: append([]Rule(nil), c.nonparams...),
		param:     c.param,
		cols:      make(map[string]struct{}, len(c.cols)+1),
	}
	for col := range c.cols {
		next.cols[col] = struct{}{}
	}
	next.cols[t.col] = struct{}{}
	if t.param != nil {
		p := *t.param
		next.param = &p
	} else {
		next.nonparams = append(next.nonparams, t.rule)
	}
	return next
}

// signature is an order-independent identity for deduplication. The
// parametric threshold is excluded: it is derived, not part of identity.
func (c candidate) signature() string {
	sigs := make([]string, 0, len(c.nonparams)+1)
	for _, r := range c.nonparams {
		eq := r.(EqualityRule)
		sigs = append(sigs, fmt.Sprintf("eq|%s|%t", eq.Column, eq.MatchEmpty))
	}
	if c.param != nil {
		sigs = append(sigs, fmt.Sprintf("dist|%s|%s|%t", c.param.Column, c.param.Distance, c.param.MatchEmpty))
	}
	sort.Strings(sigs)
	return strings.Join(sigs, "&")
}

// compose builds the final rule, nonparametric subrules first.
func (c candidate) compose(param *DistanceRule) Rule {
	subs := append([]Rule(nil), c.nonparams...)
	if param != nil {
		subs = append(subs, *param)
	}
	if len(subs) == 1 {
		return subs[0]
	}
	return CompositionRule{Subrules: subs}
}

// template is a single-column building block together with its standalone
// classification against the full negative set.
type template struct {
	col      string
	rule     Rule
	param    *DistanceRule
	validity Validity
}

type generator struct {
	negatives []Pair
	opts      Options
	seen      map[string]struct{}
	valid     []Rule
}

func (g *generator) run() []Rule {
	// The zero-column rule first. Valid only with no negatives, and then
	// every deeper rule is structurally redundant, so generation stops.
	if len(g.negatives) == 0 {
		return []Rule{AlwaysMatchRule{}}
	}

	templates := g.templates()
	var frontier []candidate
	for i := range templates {
		c := templateCandidate(templates[i])
		validity, built := g.classify(c)
		templates[i].validity = validity
		switch validity {
		case ValidityValid:
			g.valid = append(g.valid, built)
		case ValidityInvalid:
			if g.opts.MaxColumns > 1 {
				frontier = append(frontier, c)
			}
		}
	}

	// Widen invalid candidates column by column. Only templates that are
	// invalid on their own are worth recombining: valid ones make any
	// extension redundant and redundant ones never narrow anything.
	for len(frontier) > 0 {
		var next []candidate
		for _, c := range frontier {
			for _, t := range templates {
				if t.validity != ValidityInvalid {
					continue
				}
				if _, used := c.cols[t.col]; used {
					continue
				}
				if t.param != nil && c.param != nil {
					continue
				}
				nc := c.extend(t)
				sig := nc.signature()
				if _, dup := g.seen[sig]; dup {
					continue
				}
				g.seen[sig] = struct{}{}
				validity, built := g.classify(nc)
				switch validity {
				case ValidityValid:
					g.valid = append(g.valid, built)
				case ValidityInvalid:
					if len(nc.cols) < g.opts.MaxColumns {
						next = append(next, nc)
					}
				}
			}
		}
		frontier = next
	}
	return g.valid
}

func templateCandidate(t template) candidate {
	c := candidate{cols: map[string]struct{}{t.col: {}}}
	if t.param != nil {
		p := *t.param
		c.param = &p
	} else {
		c.nonparams = []Rule{t.rule}
	}
	return c
}

// templates builds the single-column building blocks: equality with and
// without missing-as-match, and one distance template per registered
// function, again in both missing modes.
func (g *generator) templates() []template {
	var out []template
	for _, col := range g.opts.Columns {
		out = append(out,
			template{col: col, rule: EqualityRule{Column: col}},
			template{col: col, rule: EqualityRule{Column: col, MatchEmpty: true}},
		)
		for _, name := range g.opts.Distances {
			out = append(out,
				template{col: col, param: &DistanceRule{Column: col, Distance: name}},
				template{col: col, param: &DistanceRule{Column: col, Distance: name, MatchEmpty: true}},
			)
		}
	}
	return out
}

// classify decides a candidate's validity against the negative pairs and,
// when valid, returns the finished rule.
func (g *generator) classify(c candidate) (Validity, Rule) {
	// Negatives the nonparametric subrules fail to exclude.
	var narrowed []Pair
	for _, n := range g.negatives {
		if matchAll(c.nonparams, n) {
			narrowed = append(narrowed, n)
		}
	}

	var built Rule
	if c.param == nil {
		if len(narrowed) > 0 {
			return ValidityInvalid, nil
		}
		built = c.compose(nil)
	} else {
		// The parametric subrule must exclude exactly the narrowed set.
		if len(narrowed) == 0 {
			return ValidityRedundant, nil
		}
		fn, _ := DistanceFn(c.param.Distance)
		minDist := math.Inf(1)
		present := false
		for _, n := range narrowed {
			va := fieldValue(n.A, c.param.Column)
			vb := fieldValue(n.B, c.param.Column)
			if va == "" || vb == "" {
				if c.param.MatchEmpty {
					// This negative matches whatever the threshold is.
					return ValidityInvalid, nil
				}
				continue
			}
			present = true
			if d := fn(va, vb); d < minDist {
				minDist = d
			}
		}
		threshold := 1.0
		if present {
			if minDist == 0 {
				return ValidityInvalid, nil
			}
			threshold = minDist
		}
		p := *c.param
		p.Threshold = threshold
		built = c.compose(&p)
	}

	// A valid composition must need every nonparametric subrule: dropping
	// one alone must let some negative through.
	if comp, ok := built.(CompositionRule); ok {
		for i, sub := range comp.Subrules {
			if sub.Parametric() {
				continue
			}
			without := CompositionRule{Subrules: removeAt(comp.Subrules, i)}
			if !matchesAny(without, g.negatives) {
				return ValidityRedundant, nil
			}
		}
	}
	return ValidityValid, built
}

// selectGreedy evaluates each valid rule once over the positives and picks
// rules by maximal marginal coverage.
func selectGreedy(valid []Rule, positives []Pair) Result {
	total := len(positives)
	sets := make([][]int, len(valid))
	for i, r := range valid {
		for j, p := range positives {
			if r.Match(p.A, p.B) {
				sets[i] = append(sets[i], j)
			}
		}
	}

	covered := make([]bool, total)
	used := make([]bool, len(valid))
	coveredN := 0
	var out []RuleCoverage
	for coveredN < total {
		best, bestGain := -1, 0
		for i := range valid {
			if used[i] {
				continue
			}
			gain := 0
			for _, j := range sets[i] {
				if !covered[j] {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 || bestGain == 0 {
			break
		}
		used[best] = true
		for _, j := range sets[best] {
			if !covered[j] {
				covered[j] = true
				coveredN++
			}
		}
		out = append(out, RuleCoverage{
			Rule:     valid[best],
			Coverage: float64(bestGain) / float64(total),
		})
	}
	return Result{Rules: out, Coverage: float64(coveredN) / float64(total)}
}

// complementPairs derives the default negatives: every record combination
// that is not a positive pair.
func complementPairs(records []matching.Record, positives []Pair) []Pair {
	pos := make(map[matching.PairKey]struct{}, len(positives))
	for _, p := range positives {
		pos[matching.NewPairKey(p.A.ID, p.B.ID)] = struct{}{}
	}
	var out []Pair
	for i := range records {
		for j := i + 1; j < len(records); j++ {
			if _, isPos := pos[matching.NewPairKey(records[i].ID, records[j].ID)]; isPos {
				continue
			}
			out = append(out, Pair{A: records[i], B: records[j]})
		}
	}
	return out
}

func matchAll(subrules []Rule, p Pair) bool {
	for _, r := range subrules {
		if !r.Match(p.A, p.B) {
			return false
		}
	}
	return true
}

func matchesAny(r Rule, pairs []Pair) bool {
	for _, p := range pairs {
		if r.Match(p.A, p.B) {
			return true
		}
	}
	return false
}

func removeAt(subs []Rule, i int) []Rule {
	out := make([]Rule, 0, len(subs)-1)
	out = append(out, subs[:i]...)
	return append(out, subs[i+1:]...)
}
