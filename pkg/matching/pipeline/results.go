package pipeline

import (
	"context"
	"sort"

	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
	"github.com/3leaps/gomatch/pkg/rules"
)

// clusterStep groups records from the retained scored pairs and hands the
// job to whichever result branch is planned.
type clusterStep struct {
	cfg Config
}

func (clusterStep) Phase() matching.Phase { return matching.PhaseClusteringRecords }

func (s clusterStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage

	var clusters map[string]matching.Cluster
	if err := run(rc, "clustering_records", 1, func() error {
		var err error
		clusters, err = rc.Session.Cluster(ctx, st.Scored, s.cfg.ClusterThreshold)
		return err
	}); err != nil {
		return "", err
	}
	st.SetClusters(clusters)
	st.SetComputationState(matching.GoalClustering, matching.StateFinished)

	switch {
	case st.RulesExtractionState == matching.StatePlanned:
		return matching.PhaseExtractingRules, nil
	case st.RecordsMatchingState == matching.StatePlanned:
		return matching.PhaseGeneratingProposals, nil
	}
	// The plan commands always plan a branch before starting the common
	// computation, so reaching here means the state machine broke.
	return "", &matching.Error{Op: "cluster", ID: st.ID, Phase: st.Phase(), Err: matching.ErrInvalidState}
}

// rulesStep induces blocking rules from the decided pairs.
type rulesStep struct {
	cfg Config
}

func (rulesStep) Phase() matching.Phase { return matching.PhaseExtractingRules }

func (s rulesStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage

	var result rules.Result
	if err := run(rc, "extracting_rules", 1, func() error {
		var err error
		result, err = rules.Extract(ruleInput(st), rules.Options{
			Columns:    st.Settings.Columns,
			MaxColumns: s.cfg.RulesMaxColumns,
		})
		return err
	}); err != nil {
		return "", err
	}
	st.SetRules(toExtracted(result))

	brs, err := rc.Session.BlockingRules(ctx)
	if err != nil {
		return "", err
	}
	st.SetBlockingRules(brs)
	st.SetComputationState(matching.GoalRulesExtraction, matching.StateFinished)

	if st.RecordsMatchingState == matching.StatePlanned {
		return matching.PhaseGeneratingProposals, nil
	}
	return matching.PhaseReady, nil
}

// ruleInput builds the decided-pair corpus: user labels first, then scored
// pairs the model is confident about. A user label on a pair always wins
// over the model's score for it.
func ruleInput(st *matching.Storage) rules.Input {
	in := rules.Input{Negatives: []rules.Pair{}}

	pairOf := func(k matching.PairKey) (rules.Pair, bool) {
		a, okA := st.Records[k.Lo]
		if !okA {
			a, okA = st.SampleRecord(k.Lo)
		}
		b, okB := st.Records[k.Hi]
		if !okB {
			b, okB = st.SampleRecord(k.Hi)
		}
		if !okA || !okB {
			return rules.Pair{}, false
		}
		return rules.Pair{A: a, B: b}, true
	}

	labeled := make(map[matching.PairKey]struct{}, len(st.Labels))
	for _, lp := range st.LabeledPairs() {
		p, ok := pairOf(lp.Key)
		if !ok {
			continue
		}
		labeled[lp.Key] = struct{}{}
		switch lp.Label {
		case matching.LabelMatch:
			in.Positives = append(in.Positives, p)
		case matching.LabelDistinct:
			in.Negatives = append(in.Negatives, p)
		}
	}

	minMatch := st.Settings.MinMatchConfidence
	minDistinct := st.Settings.MinDistinctConfidence
	for _, sp := range st.Scored {
		if _, ok := labeled[sp.Key]; ok {
			continue
		}
		p, ok := pairOf(sp.Key)
		if !ok {
			continue
		}
		switch {
		case minMatch > 0 && sp.Probability >= minMatch:
			in.Positives = append(in.Positives, p)
		case minDistinct > 0 && 1-sp.Probability >= minDistinct:
			in.Negatives = append(in.Negatives, p)
		}
	}
	return in
}

// toExtracted converts the extraction result into its storable form.
func toExtracted(res rules.Result) *matching.ExtractedRules {
	out := &matching.ExtractedRules{
		Coverage: res.Coverage,
		Rules:    make([]matching.RuleSuggestion, 0, len(res.Rules)),
	}
	for _, rc := range res.Rules {
		out.Rules = append(out.Rules, matching.RuleSuggestion{
			Kind:        rc.Rule.Kind(),
			Columns:     rc.Rule.Columns(),
			Description: rc.Rule.String(),
			Coverage:    rc.Coverage,
		})
	}
	return out
}

// proposalStep derives merge and split proposals from the disagreement
// between the computed clusters and the current groups, scores them, and
// caches the top ones per decision.
type proposalStep struct {
	cfg Config
}

func (proposalStep) Phase() matching.Phase { return matching.PhaseGeneratingProposals }

func (s proposalStep) Run(ctx context.Context, rc *RunContext) (matching.Phase, error) {
	st := rc.Storage

	groups := groupingFromRecords(st.Records)
	clusters := groupingFromClusters(st.Clusters)

	var mergeKeys, splitKeys []matching.PairKey
	if err := run(rc, "finding_merge_candidates", 0.2, func() error {
		mergeKeys = oneWay(clusters, groups, s.cfg.ProposalBatchGroups)
		return nil
	}); err != nil {
		return "", err
	}
	if err := run(rc, "finding_split_candidates", 0.2, func() error {
		splitKeys = oneWay(groups, clusters, s.cfg.ProposalBatchGroups)
		return nil
	}); err != nil {
		return "", err
	}

	var merges, splits []matching.Proposal
	if err := run(rc, "scoring_proposals", 0.6, func() error {
		var err error
		merges, err = s.scoreProposals(ctx, rc, mergeKeys, matching.DecisionMerge)
		if err != nil {
			return err
		}
		splits, err = s.scoreProposals(ctx, rc, splitKeys, matching.DecisionSplit)
		return err
	}); err != nil {
		return "", err
	}

	k := st.Settings.CachedProposalCount
	st.SetProposals(matching.MostConfident(merges, k), matching.MostConfident(splits, k))
	st.SetComputationState(matching.GoalRecordsMatching, matching.StateFinished)

	// A rules-extraction plan that arrived while proposals were running is
	// honored before the job settles.
	if st.RulesExtractionState == matching.StatePlanned {
		return matching.PhaseExtractingRules, nil
	}
	return matching.PhaseReady, nil
}

// scoreProposals scores candidate pairs in batches, fetching full record
// detail per batch, and keeps the ones above the confidence threshold with
// their explanation.
func (s proposalStep) scoreProposals(ctx context.Context, rc *RunContext, keys []matching.PairKey, d matching.Decision) ([]matching.Proposal, error) {
	st := rc.Storage
	spec := sourceSpec(st.Settings)
	out := make([]matching.Proposal, 0, len(keys))

	for start := 0; start < len(keys); start += s.cfg.ScoreBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.cfg.ScoreBatchSize, len(keys))
		batch := keys[start:end]

		detail, err := fetchDetail(ctx, rc, spec, batch)
		if err != nil {
			return nil, err
		}
		pairs := make([][2]matching.Record, 0, len(batch))
		kept := make([]matching.PairKey, 0, len(batch))
		for _, k := range batch {
			a, okA := detail[k.Lo]
			b, okB := detail[k.Hi]
			if !okA || !okB {
				continue
			}
			pairs = append(pairs, [2]matching.Record{a, b})
			kept = append(kept, k)
		}
		if len(pairs) == 0 {
			continue
		}

		probs, err := rc.Session.Score(ctx, pairs)
		if err != nil {
			return nil, err
		}
		for i, p := range probs {
			conf := p
			if d == matching.DecisionSplit {
				conf = 1 - p
			}
			if conf < st.Settings.ConfidenceThreshold {
				continue
			}
			expl, err := rc.Session.Explain(ctx, pairs[i][0], pairs[i][1])
			if err != nil {
				return nil, err
			}
			out = append(out, matching.Proposal{
				Key:          kept[i],
				Confidence:   conf,
				Decision:     d,
				KeyColumns:   expl.KeyColumns,
				ColumnScores: expl.ColumnScores,
			})
		}
		st.AdvanceProgress(0.5)
	}
	return out, nil
}

// fetchDetail resolves the records a batch of pairs touches, preferring the
// source's current detail and falling back to the fetched snapshot for
// records that vanished since.
func fetchDetail(ctx context.Context, rc *RunContext, spec recordsource.Spec, keys []matching.PairKey) (map[string]matching.Record, error) {
	idset := make(map[string]struct{}, 2*len(keys))
	for _, k := range keys {
		idset[k.Lo] = struct{}{}
		idset[k.Hi] = struct{}{}
	}
	ids := make([]string, 0, len(idset))
	for id := range idset {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recs, err := rc.Source.Fetch(ctx, spec, ids)
	if err != nil {
		return nil, err
	}
	detail := make(map[string]matching.Record, len(ids))
	for _, r := range recs {
		detail[r.ID] = r
	}
	for id := range idset {
		if _, ok := detail[id]; !ok {
			if r, ok := rc.Storage.Records[id]; ok {
				detail[id] = r
			}
		}
	}
	return detail, nil
}

// groupingFromRecords indexes record ids by their current group.
func groupingFromRecords(records map[string]matching.Record) map[string][]string {
	g := make(map[string][]string)
	for id, r := range records {
		group := r.Group
		if group == "" {
			group = id
		}
		g[group] = append(g[group], id)
	}
	return g
}

// groupingFromClusters indexes record ids by their computed cluster.
func groupingFromClusters(clusters map[string]matching.Cluster) map[string][]string {
	g := make(map[string][]string)
	for id, c := range clusters {
		g[c.ID] = append(g[c.ID], id)
	}
	return g
}
