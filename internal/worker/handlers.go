package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/retention/internal/alerts"
	"github.com/thebtf/retention/internal/ledger"
	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/models"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps engine errors onto HTTP statuses. Validation messages are
// returned verbatim; internal errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, models.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "temporarily unavailable, retry the request", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON decodes a request body, turning malformed input into a
// validation error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// parseLimit reads the "limit" query parameter. Missing means 0, which the
// engine treats as its default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewValidationError("limit", "must be an integer")
	}
	return n, nil
}

// parseDate accepts YYYY-MM-DD in loc or an RFC 3339 timestamp.
func parseDate(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, models.NewValidationError("followUpDate", "must be YYYY-MM-DD or RFC 3339")
	}
	return &t, nil
}

// handleHealth returns 200 immediately, even during init.
// Use /api/ready for full readiness check.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// handleReady returns 200 only when fully initialized, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Dashboard reads

func (s *Service) handlePriorityQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := models.QueueFilter{Limit: limit}
	if raw := r.URL.Query().Get("minCategory"); raw != "" {
		cat, err := models.ParseCategory(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.MinCategory = cat
	}

	items, err := s.reads.Load().queue.BuildQueue(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"items": items, "count": len(items)})
}

func (s *Service) handleRiskDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.reads.Load().queue.Distribution(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dist)
}

func (s *Service) handleBriefing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reads.Load().briefing.Generate(r.Context()))
}

func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := s.tracker.List(r.Context(), alerts.Filter{
		Status:   q.Get("status"),
		ClientID: q.Get("clientId"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Service) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, alert)
}

// clientRiskResponse is a client's state with the score breakdown from the
// latest attribute snapshot when one exists.
type clientRiskResponse struct {
	State      *models.ClientRiskState   `json:"state"`
	Components *scoring.ScoreComponents `json:"components,omitempty"`
}

func (s *Service) handleClientRisk(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	state, err := s.ledger.State(r.Context(), clientID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := clientRiskResponse{State: state}
	attrs, err := s.attributeStore.GetAttributes(r.Context(), clientID)
	switch {
	case err == nil:
		c := s.calculator.CalculateComponents(*attrs)
		resp.Components = &c
	case !errors.Is(err, models.ErrNotFound):
		log.Warn().Err(err).Str("client_id", clientID).Msg("Score breakdown unavailable")
	}
	writeJSON(w, resp)
}

func (s *Service) handleClientAdjustments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"adjustments": entries, "count": len(entries)})
}

func (s *Service) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"outcomes": s.ledger.Catalog().Outcomes()})
}

func (s *Service) handleRecomputeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recalculator.GetStats())
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	clients, err := s.riskStore.CountStates(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"clients":     clients,
		"recompute":   s.recalculator.GetStats(),
		"maintenance": s.maintenance.Stats(),
		"database":    s.store.HealthCheck(r.Context()),
		"sse_clients": s.broadcaster.ClientCount(),
		"rate_limit":  s.writeLimits.Stats(),
	})
}

// Agent writes

// CallOutcomeRequest is the body of POST /api/call-outcome.
type CallOutcomeRequest struct {
	ClientID     string `json:"clientId"`
	OutcomeID    string `json:"outcomeId"`
	Notes        string `json:"notes"`
	FollowUpDate string `json:"followUpDate"`
}

// CallOutcomeResponse is the result of a logged call outcome.
type CallOutcomeResponse struct {
	NewCategory     models.Category `json:"newCategory"`
	AdjustmentID    string          `json:"adjustmentId"`
	ResolvedAlertID string          `json:"resolvedAlertId,omitempty"`
	NewScore        int             `json:"newScore"`
	ScoreBefore     int             `json:"scoreBefore"`
	Delta           int             `json:"delta"`
}

func (s *Service) handleCallOutcome(w http.ResponseWriter, r *http.Request) {
	var req CallOutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	followUp, err := parseDate(req.FollowUpDate, s.Config().Location())
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.ledger.ApplyOutcome(r.Context(), ledger.OutcomeRequest{
		ClientID:     req.ClientID,
		OutcomeID:    req.OutcomeID,
		Notes:        req.Notes,
		FollowUpDate: followUp,
		LoggedBy:     r.Header.Get(AgentHeader),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, CallOutcomeResponse{
		NewScore:        res.NewScore,
		NewCategory:     res.NewCategory,
		AdjustmentID:    res.AdjustmentID,
		ResolvedAlertID: res.ResolvedAlertID,
		ScoreBefore:     res.ScoreBefore,
		Delta:           res.Delta,
	})
}

func (s *Service) handleAlertViewed(w http.ResponseWriter, r *http.Request) {
	alert, err := s.tracker.MarkViewed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, alert)
}

// ActedOnRequest is the body of POST /api/alert/{id}/acted-on.
type ActedOnRequest struct {
	ActionType string                 `json:"actionType"`
	Outcome    models.OutcomeCategory `json:"outcome"`
}

func (s *Service) handleAlertActedOn(w http.ResponseWriter, r *http.Request) {
	var req ActedOnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	alert, err := s.tracker.MarkActedOn(r.Context(), chi.URLParam(r, "id"), req.ActionType, req.Outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, alert)
}

// ManualScoreRequest is the body of POST /api/clients/{id}/score.
type ManualScoreRequest struct {
	Score  *int   `json:"score"`
	Reason string `json:"reason"`
}

func (s *Service) handleManualScore(w http.ResponseWriter, r *http.Request) {
	var req ManualScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Score == nil {
		writeError(w, r, models.NewValidationError("score", "is required"))
		return
	}
	res, err := s.ledger.SetManualScore(r.Context(), chi.URLParam(r, "id"), *req.Score, req.Reason, r.Header.Get(AgentHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, CallOutcomeResponse{
		NewScore:     res.NewScore,
		NewCategory:  res.NewCategory,
		AdjustmentID: res.AdjustmentID,
		ScoreBefore:  res.ScoreBefore,
		Delta:        res.Delta,
	})
}

// handleRecompute runs the recomputation job. With async=true it returns
// 202 and runs in the background; concurrent triggers share one run.
func (s *Service) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.recalculator.RunNow(s.ctx); err != nil {
				log.Error().Err(err).Msg("Triggered recomputation failed")
			}
		}()
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	report, err := s.recalculator.RunNow(s.ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}
