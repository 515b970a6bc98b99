package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/matching/manager"
)

// Matchings serves the /matchings command endpoints on top of a manager.
type Matchings struct {
	manager *manager.Manager
}

// NewMatchings creates the handler set for one manager.
func NewMatchings(m *manager.Manager) *Matchings {
	return &Matchings{manager: m}
}

// Routes registers the matching endpoints on r. Mount it under /matchings.
func (h *Matchings) Routes(r chi.Router) {
	r.Get("/", h.Statuses)
	r.Route("/{entity}/{layer}", func(r chi.Router) {
		r.Post("/", h.Init)
		r.Post("/restart", h.Restart)
		r.Get("/status", h.Status)
		r.Get("/training-pair", h.TrainingPair)
		r.Get("/training-pairs", h.TrainingPairs)
		r.Put("/training-pairs", h.UpdateTrainingPair)
		r.Post("/evaluation", h.Evaluate)
		r.Post("/rules-extraction", h.ExtractRules)
		r.Get("/rules", h.Rules)
		r.Get("/blocking-rules", h.BlockingRules)
		r.Get("/proposals", h.Proposals)
		r.Get("/proposals/{id1}/{id2}", h.Proposal)
		r.Delete("/proposals/{id1}/{id2}", h.Discard)
	})
}

type restartRequest struct {
	Type string `json:"type"`
}

type labelRequest struct {
	ID1   string `json:"id1"`
	ID2   string `json:"id2"`
	Label string `json:"label"`
}

type evaluationRequest struct {
	CachedProposalCount int     `json:"cached_proposal_count"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type rulesRequest struct {
	MinMatchConfidence    float64 `json:"min_match_confidence"`
	MinDistinctConfidence float64 `json:"min_distinct_confidence"`
}

type statusList struct {
	Matchings []matching.Status `json:"matchings"`
}

type pairList struct {
	Pairs []matching.LabeledPair `json:"pairs"`
}

type proposalList struct {
	Proposals []matching.Proposal `json:"proposals"`
}

type blockingRuleList struct {
	Rules []matching.BlockingRule `json:"rules"`
}

// Init serves POST /matchings/{entity}/{layer}.
func (h *Matchings) Init(w http.ResponseWriter, r *http.Request) {
	var settings matching.Settings
	if err := decodeBody(r, &settings); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := h.manager.Init(r.Context(), routeID(r), settings)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

// Restart serves POST /matchings/{entity}/{layer}/restart.
func (h *Matchings) Restart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := h.manager.Restart(r.Context(), routeID(r), matching.RestartType(req.Type))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Status serves GET /matchings/{entity}/{layer}/status.
func (h *Matchings) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(routeID(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Statuses serves GET /matchings.
func (h *Matchings) Statuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusList{Matchings: h.manager.Statuses()})
}

// TrainingPair serves GET /matchings/{entity}/{layer}/training-pair: the
// next pair the model wants labeled.
func (h *Matchings) TrainingPair(w http.ResponseWriter, r *http.Request) {
	detail, err := h.manager.TrainingPair(r.Context(), routeID(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// TrainingPairs serves GET /matchings/{entity}/{layer}/training-pairs.
func (h *Matchings) TrainingPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.manager.ExistingTrainingPairs(routeID(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairList{Pairs: pairs})
}

// UpdateTrainingPair serves PUT /matchings/{entity}/{layer}/training-pairs.
func (h *Matchings) UpdateTrainingPair(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := h.manager.UpdateTrainingPair(r.Context(), routeID(r),
		req.ID1, req.ID2, matching.Label(req.Label))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Evaluate serves POST /matchings/{entity}/{layer}/evaluation. The body is
// optional; zero values fall back to the configured defaults.
func (h *Matchings) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluationRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := h.manager.EvaluateRecordsMatching(routeID(r),
		req.CachedProposalCount, req.ConfidenceThreshold)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// ExtractRules serves POST /matchings/{entity}/{layer}/rules-extraction.
// The body is optional; zero values fall back to the configured defaults.
func (h *Matchings) ExtractRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := h.manager.ExtractRules(routeID(r),
		req.MinMatchConfidence, req.MinDistinctConfidence)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// Rules serves GET /matchings/{entity}/{layer}/rules.
func (h *Matchings) Rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.manager.RuleSuggestions(routeID(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// BlockingRules serves GET /matchings/{entity}/{layer}/blocking-rules.
func (h *Matchings) BlockingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.manager.BlockingRules(routeID(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blockingRuleList{Rules: rules})
}

// Proposal serves GET /matchings/{entity}/{layer}/proposals/{id1}/{id2}.
func (h *Matchings) Proposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Proposal(routeID(r), chi.URLParam(r, "id1"), chi.URLParam(r, "id2"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Proposals serves GET /matchings/{entity}/{layer}/proposals. The kind
// query parameter is required; count and threshold are optional and
// unlimited/unfiltered when absent.
func (h *Matchings) Proposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count := 0
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, r, &matching.ValidationError{
				Field: "count", Message: "must be an integer"})
			return
		}
		count = n
	}

	threshold := 0.0
	if raw := q.Get("threshold"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondWithError(w, r, &matching.ValidationError{
				Field: "threshold", Message: "must be a number"})
			return
		}
		threshold = f
	}

	ps, err := h.manager.Proposals(routeID(r), matching.Decision(q.Get("kind")), count, threshold)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if ps == nil {
		ps = []matching.Proposal{}
	}
	writeJSON(w, http.StatusOK, proposalList{Proposals: ps})
}

// Discard serves DELETE /matchings/{entity}/{layer}/proposals/{id1}/{id2}.
func (h *Matchings) Discard(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Discard(routeID(r), chi.URLParam(r, "id1"), chi.URLParam(r, "id2"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func routeID(r *http.Request) matching.ID {
	return matching.ID{
		Entity: chi.URLParam(r, "entity"),
		Layer:  chi.URLParam(r, "layer"),
	}
}

// decodeBody parses the request body into v. An empty body is an error.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &matching.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	return nil
}

// decodeOptionalBody parses the request body into v, leaving v untouched
// when the request carries no body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &matching.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
}
