package worker

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/retention/internal/config"
	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/pkg/models"
)

// HandlersSuite runs the HTTP surface against an initialized service backed
// by a temporary SQLite database.
type HandlersSuite struct {
	suite.Suite
	svc *Service
	ctx context.Context
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersSuite))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "retention.db")
	cfg.DatabaseDSN = ""
	cfg.MaxConns = 4
	cfg.Timezone = "UTC"
	cfg.RedisAddr = ""
	cfg.ConflictRetries = 10
	return cfg
}

func (s *HandlersSuite) SetupTest() {
	s.ctx = context.Background()
	svc, err := NewService("test", testConfig(s.T()))
	s.Require().NoError(err)
	s.Require().NoError(svc.initialize(s.ctx))
	s.svc = svc
}

func (s *HandlersSuite) TearDownTest() {
	s.Require().NoError(s.svc.Shutdown(context.Background()))
}

func (s *HandlersSuite) do(method, path string, body any, agent string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if agent != "" {
		req.Header.Set(AgentHeader, agent)
	}
	rr := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rr, req)
	return rr
}

func (s *HandlersSuite) decode(rr *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

// seed writes a client state directly through the risk store.
func (s *HandlersSuite) seed(clientID string, score, contactDaysAgo int) {
	contact := time.Now().Add(-time.Duration(contactDaysAgo)*24*time.Hour - time.Hour)
	_, err := s.svc.riskStore.Mutate(s.ctx, clientID, func(*models.ClientRiskState) (*gorm.Mutation, error) {
		return &gorm.Mutation{Next: models.ClientRiskState{
			CurrentScore:  score,
			PreviousScore: score,
			LastContactAt: &contact,
		}}, nil
	})
	s.Require().NoError(err)
}

// seedAlert opens an alert for a seeded client.
func (s *HandlersSuite) seedAlert(clientID string, score int) string {
	res, err := s.svc.riskStore.Mutate(s.ctx, clientID, func(cur *models.ClientRiskState) (*gorm.Mutation, error) {
		next := *cur
		next.PreviousScore = cur.CurrentScore
		next.CurrentScore = score
		return &gorm.Mutation{
			Next: next,
			OpenAlert: &models.RiskAlert{
				ScoreAtGeneration: score,
				Category:          models.Categorize(score),
				PreviousCategory:  models.Categorize(cur.CurrentScore),
				GeneratedAt:       time.Now(),
			},
		}, nil
	})
	s.Require().NoError(err)
	s.Require().NotNil(res.OpenedAlert)
	return res.OpenedAlert.ID
}

func (s *HandlersSuite) TestHealthAndReady() {
	rr := s.do(http.MethodGet, "/health", nil, "")
	s.Equal(http.StatusOK, rr.Code)
	var health map[string]any
	s.decode(rr, &health)
	s.Equal("ready", health["status"])
	s.Equal("test", health["version"])

	rr = s.do(http.MethodGet, "/api/ready", nil, "")
	s.Equal(http.StatusOK, rr.Code)
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func (s *HandlersSuite) TestPriorityQueue_Ordering() {
	s.seed("a", 40, 5)
	s.seed("b", 85, 2)
	s.seed("c", 85, 10)
	s.seed("d", 60, 1)

	rr := s.do(http.MethodGet, "/api/priority-queue", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Items []models.QueueItem `json:"items"`
		Count int                `json:"count"`
	}
	s.decode(rr, &resp)
	s.Require().Equal(4, resp.Count)
	got := make([]string, len(resp.Items))
	for i, it := range resp.Items {
		got[i] = fmt.Sprintf("%d/%d", it.Score, it.DaysSinceContact)
	}
	s.Equal([]string{"85/10", "85/2", "60/1", "40/5"}, got)

	rr = s.do(http.MethodGet, "/api/priority-queue?minCategory=critical&limit=10", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.decode(rr, &resp)
	s.Equal(2, resp.Count)
	for _, it := range resp.Items {
		s.GreaterOrEqual(it.Score, 85)
	}
}

func (s *HandlersSuite) TestPriorityQueue_Validation() {
	for _, path := range []string{
		"/api/priority-queue?minCategory=urgent",
		"/api/priority-queue?limit=-1",
		"/api/priority-queue?limit=lots",
	} {
		rr := s.do(http.MethodGet, path, nil, "")
		s.Equal(http.StatusBadRequest, rr.Code, path)
	}

	rr := s.do(http.MethodGet, "/api/priority-queue?minCategory=urgent", nil, "")
	s.Equal("minCategory: unknown category \"urgent\"", strings.TrimSpace(rr.Body.String()))
}

func (s *HandlersSuite) TestCallOutcome_ClampAtCeiling() {
	s.seed("c1", 97, 3)

	rr := s.do(http.MethodPost, "/api/call-outcome", map[string]any{
		"clientId":     "c1",
		"outcomeId":    "requested_cancellation",
		"notes":        "wants to leave",
		"followUpDate": "2026-11-02",
	}, "agent-7")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())

	var resp CallOutcomeResponse
	s.decode(rr, &resp)
	s.Equal(100, resp.NewScore)
	s.Equal(models.CategorySevere, resp.NewCategory)
	s.Equal(97, resp.ScoreBefore)
	s.NotEmpty(resp.AdjustmentID)

	rr = s.do(http.MethodGet, "/api/clients/c1/adjustments", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var hist struct {
		Adjustments []models.ScoreAdjustment `json:"adjustments"`
	}
	s.decode(rr, &hist)
	s.Require().Len(hist.Adjustments, 1)
	s.Equal("agent-7", hist.Adjustments[0].LoggedBy)
	s.Equal(100, hist.Adjustments[0].ScoreAfter)
	s.Require().NotNil(hist.Adjustments[0].FollowUpDate)
}

func (s *HandlersSuite) TestCallOutcome_RejectsBadInput() {
	s.seed("c1", 60, 3)

	cases := []struct {
		name   string
		body   any
		agent  string
		status int
	}{
		{"unknown outcome", map[string]any{"clientId": "c1", "outcomeId": "teleported"}, "agent-1", http.StatusBadRequest},
		{"missing agent", map[string]any{"clientId": "c1", "outcomeId": "no_answer"}, "", http.StatusBadRequest},
		{"missing client", map[string]any{"outcomeId": "no_answer"}, "agent-1", http.StatusBadRequest},
		{"bad follow-up", map[string]any{"clientId": "c1", "outcomeId": "no_answer", "followUpDate": "next week"}, "agent-1", http.StatusBadRequest},
		{"malformed", "not an object", "agent-1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr := s.do(http.MethodPost, "/api/call-outcome", tc.body, tc.agent)
		s.Equal(tc.status, rr.Code, tc.name)
	}

	// Nothing was written.
	state, err := s.svc.riskStore.GetState(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(60, state.CurrentScore)
	s.Equal(int64(1), state.Version)

	req := httptest.NewRequest(http.MethodPost, "/api/call-outcome", bytes.NewBufferString("clientId=c1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rr, req)
	s.Equal(http.StatusUnsupportedMediaType, rr.Code)
}

func (s *HandlersSuite) TestAlertLifecycle() {
	s.seed("c1", 68, 1)
	id := s.seedAlert("c1", 72)

	rr := s.do(http.MethodGet, "/api/alerts?status=open", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var list struct {
		Alerts []models.RiskAlert `json:"alerts"`
		Count  int                `json:"count"`
	}
	s.decode(rr, &list)
	s.Require().Equal(1, list.Count)
	s.Equal(72, list.Alerts[0].ScoreAtGeneration)

	rr = s.do(http.MethodPost, "/api/alert/"+id+"/viewed", nil, "agent-1")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var alert models.RiskAlert
	s.decode(rr, &alert)
	s.Require().NotNil(alert.ViewedAt)
	firstView := *alert.ViewedAt

	rr = s.do(http.MethodPost, "/api/alert/"+id+"/viewed", nil, "agent-1")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.decode(rr, &alert)
	s.True(firstView.Equal(*alert.ViewedAt), "viewedAt is set once")

	rr = s.do(http.MethodPost, "/api/alert/"+id+"/acted-on", map[string]any{"outcome": "positive"}, "agent-1")
	s.Equal(http.StatusBadRequest, rr.Code)

	rr = s.do(http.MethodPost, "/api/alert/"+id+"/acted-on", map[string]any{"actionType": "call", "outcome": "positive"}, "agent-1")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.decode(rr, &alert)
	s.Equal(models.AlertActedOn, alert.Status())
	s.Equal("call", alert.ActionType)

	rr = s.do(http.MethodGet, "/api/alert/"+id, nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)

	rr = s.do(http.MethodGet, "/api/alerts?status=open", nil, "")
	s.decode(rr, &list)
	s.Zero(list.Count)

	rr = s.do(http.MethodPost, "/api/alert/does-not-exist/viewed", nil, "agent-1")
	s.Equal(http.StatusNotFound, rr.Code)
	rr = s.do(http.MethodGet, "/api/alerts?status=sleeping", nil, "")
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlersSuite) TestOutcomeResolvesOpenAlert() {
	s.seed("c1", 68, 1)
	id := s.seedAlert("c1", 88)

	rr := s.do(http.MethodPost, "/api/call-outcome", map[string]any{"clientId": "c1", "outcomeId": "renewed_policy"}, "agent-2")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var resp CallOutcomeResponse
	s.decode(rr, &resp)
	s.Equal(id, resp.ResolvedAlertID)
	s.Equal(73, resp.NewScore)

	alert, err := s.svc.tracker.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(models.AlertActedOn, alert.Status())
	s.Equal(models.OutcomePositive, alert.Outcome)
}

func (s *HandlersSuite) TestManualScoreAndClientRisk() {
	rr := s.do(http.MethodGet, "/api/clients/nobody/risk", nil, "")
	s.Equal(http.StatusNotFound, rr.Code)

	rr = s.do(http.MethodPost, "/api/clients/c9/score", map[string]any{"score": 101, "reason": "typo"}, "lead-1")
	s.Equal(http.StatusBadRequest, rr.Code)
	rr = s.do(http.MethodPost, "/api/clients/c9/score", map[string]any{"reason": "no score"}, "lead-1")
	s.Equal(http.StatusBadRequest, rr.Code)
	rr = s.do(http.MethodPost, "/api/clients/c9/score", map[string]any{"score": 40}, "lead-1")
	s.Equal(http.StatusBadRequest, rr.Code)

	rr = s.do(http.MethodPost, "/api/clients/c9/score", map[string]any{"score": 40, "reason": "verified with underwriting"}, "lead-1")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var resp CallOutcomeResponse
	s.decode(rr, &resp)
	s.Equal(40, resp.NewScore)
	s.Equal(models.NeutralScore, resp.ScoreBefore)
	s.Equal(-10, resp.Delta)

	require.NoError(s.T(), s.svc.attributeStore.UpsertAttributes(s.ctx, gorm.ClientAttribute{
		ClientID:      "c9",
		TenureMonths:  sql.NullInt64{Int64: 48, Valid: true},
		LastContactAt: sql.NullInt64{Int64: time.Now().Add(-5 * 24 * time.Hour).UnixMilli(), Valid: true},
		PolicyCount:   2,
	}))

	rr = s.do(http.MethodGet, "/api/clients/c9/risk", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var risk struct {
		State      models.ClientRiskState `json:"state"`
		Components *struct {
			FinalScore int  `json:"final_score"`
			Neutral    bool `json:"neutral"`
		} `json:"components"`
	}
	s.decode(rr, &risk)
	s.Equal(40, risk.State.CurrentScore)
	s.Require().NotNil(risk.Components)
	s.False(risk.Components.Neutral)
}

func (s *HandlersSuite) TestRecomputeDistributionAndBriefing() {
	now := time.Now()
	require.NoError(s.T(), s.svc.attributeStore.UpsertAttributes(s.ctx,
		gorm.ClientAttribute{
			ClientID:              "risky",
			TenureMonths:          sql.NullInt64{Int64: 3, Valid: true},
			LastContactAt:         sql.NullInt64{Int64: now.Add(-120 * 24 * time.Hour).UnixMilli(), Valid: true},
			LatePayments12M:       4,
			OpenComplaints:        3,
			CancellationRequested: true,
			PolicyCount:           1,
		},
		gorm.ClientAttribute{
			ClientID:        "loyal",
			TenureMonths:    sql.NullInt64{Int64: 120, Valid: true},
			LastContactAt:   sql.NullInt64{Int64: now.Add(-2 * 24 * time.Hour).UnixMilli(), Valid: true},
			EngagementScore: 0.9,
			PolicyCount:     4,
		},
	))

	rr := s.do(http.MethodPost, "/api/recompute", nil, "ops")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var report struct {
		Processed int  `json:"processed"`
		Failed    int  `json:"failed"`
		Skipped   bool `json:"skipped"`
	}
	s.decode(rr, &report)
	s.Equal(2, report.Processed)
	s.Zero(report.Failed)
	s.False(report.Skipped)

	rr = s.do(http.MethodGet, "/api/recompute/stats", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var stats struct {
		Runs int64 `json:"runs"`
	}
	s.decode(rr, &stats)
	s.Equal(int64(1), stats.Runs)

	rr = s.do(http.MethodGet, "/api/risk-distribution", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var dist models.RiskDistribution
	s.decode(rr, &dist)
	s.Equal(2, dist.Total)
	s.Len(dist.Counts, 7)

	rr = s.do(http.MethodGet, "/api/briefing", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var b models.Briefing
	s.decode(rr, &b)
	s.False(b.Partial, b.Warnings)
	s.Len(b.CategoryCounts, 7)
	s.NotEmpty(b.Greeting.Message)
	s.Len(b.PriorityClients, 2)

	rr = s.do(http.MethodGet, "/api/stats", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)

	rr = s.do(http.MethodGet, "/api/outcomes", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var outcomes struct {
		Outcomes []models.Outcome `json:"outcomes"`
	}
	s.decode(rr, &outcomes)
	s.NotEmpty(outcomes.Outcomes)
}

func (s *HandlersSuite) TestApplyConfigSwapsReadSide() {
	for i := 0; i < 5; i++ {
		s.seed(fmt.Sprintf("c%d", i), 50+i, i)
	}

	cfg := *s.svc.Config()
	cfg.QueueDefaultLimit = 2
	s.svc.applyConfig(&cfg)

	rr := s.do(http.MethodGet, "/api/priority-queue", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var resp struct {
		Count int `json:"count"`
	}
	s.decode(rr, &resp)
	s.Equal(2, resp.Count)
	s.Equal(2, s.svc.Config().QueueDefaultLimit)
}

func (s *HandlersSuite) TestApplyConfigSwapsCORSOrigins() {
	preflight := func(origin string) string {
		req := httptest.NewRequest(http.MethodOptions, "/api/call-outcome", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		s.svc.Handler().ServeHTTP(rr, req)
		s.Equal(http.StatusNoContent, rr.Code)
		return rr.Header().Get("Access-Control-Allow-Origin")
	}

	s.Empty(preflight("http://localhost:5173"))

	cfg := *s.svc.Config()
	cfg.CORSOrigins = []string{"https://dash.example.com"}
	s.svc.applyConfig(&cfg)

	s.Equal("https://dash.example.com", preflight("https://dash.example.com"))
	s.Empty(preflight("http://localhost:5173"))
}

func TestService_NotReady(t *testing.T) {
	svc, err := NewService("test", testConfig(t))
	require.NoError(t, err)

	for _, path := range []string{"/api/priority-queue", "/api/briefing", "/api/ready"} {
		rr := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "starting")

	svc.setInitError(fmt.Errorf("disk full"))
	rr = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/briefing", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorContains(t, svc.WaitReady(ctx), "disk full")
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestWriteError_Mapping(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	cases := []struct {
		err        error
		status     int
		retryAfter string
	}{
		{models.NewValidationError("score", "out of range"), http.StatusBadRequest, ""},
		{fmt.Errorf("lookup: %w", models.ErrNotFound), http.StatusNotFound, ""},
		{fmt.Errorf("client c1: %w", models.ErrTransient), http.StatusServiceUnavailable, "1"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "1"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, req, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		assert.Equal(t, tc.retryAfter, rr.Header().Get("Retry-After"), tc.err.Error())
	}

	rr := httptest.NewRecorder()
	writeError(rr, req, models.NewValidationError("score", "must be between 0 and 100"))
	assert.Contains(t, rr.Body.String(), "must be between 0 and 100")
}

func TestParseDate(t *testing.T) {
	loc := time.FixedZone("X", 3600)

	got, err := parseDate("2026-11-02", loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 11, 2, 0, 0, 0, 0, loc)))

	got, err = parseDate("2026-11-02T10:00:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, 10, got.UTC().Hour())

	got, err = parseDate("  ", loc)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseDate("tomorrow", loc)
	assert.ErrorIs(t, err, models.ErrValidation)
}
