package scoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/pkg/models"
)

// fakeSource is an in-memory AttributeSource.
type fakeSource struct {
	attrs map[string]*models.ClientAttributes
	errs  map[string]error
	mu    sync.Mutex
}

func newFakeSource(ids ...string) *fakeSource {
	s := &fakeSource{attrs: map[string]*models.ClientAttributes{}, errs: map[string]error{}}
	for _, id := range ids {
		s.attrs[id] = &models.ClientAttributes{ClientID: id}
	}
	return s
}

func (s *fakeSource) ListClientIDs(_ context.Context, after string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.attrs {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeSource) GetAttributes(_ context.Context, id string) (*models.ClientAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[id]; err != nil {
		return nil, err
	}
	a, ok := s.attrs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// scoreTable is a deterministic stub scorer keyed by client id.
type scoreTable map[string]int

func (t scoreTable) Compute(a models.ClientAttributes) int { return t[a.ClientID] }

type recordingPublisher struct {
	events []notify.Event
	mu     sync.Mutex
}

func (p *recordingPublisher) Publish(evt notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) count(t notify.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recalcFixture struct {
	store  *gorm.Store
	risk   *gorm.RiskStore
	alerts *gorm.AlertStore
	source *fakeSource
	scores scoreTable
	pub    *recordingPublisher
	recalc *Recalculator
}

func newRecalcFixture(t *testing.T, cfg RecalculatorConfig, ids ...string) *recalcFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := gorm.NewStore(gorm.Config{Path: filepath.Join(dir, "test.db"), MaxConns: 4, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(dir)
	})

	f := &recalcFixture{
		store:  store,
		risk:   gorm.NewRiskStore(store, 0),
		alerts: gorm.NewAlertStore(store),
		source: newFakeSource(ids...),
		scores: scoreTable{},
		pub:    &recordingPublisher{},
	}
	f.recalc = NewRecalculator(f.source, f.risk, f.scores, cfg, zerolog.Nop())
	f.recalc.SetPublisher(f.pub)
	return f
}

func (f *recalcFixture) seed(t *testing.T, clientID string, score int) {
	t.Helper()
	_, err := f.risk.Mutate(context.Background(), clientID, func(cur *models.ClientRiskState) (*gorm.Mutation, error) {
		next := models.ClientRiskState{CurrentScore: score, PreviousScore: score}
		if cur != nil {
			next = *cur
			next.CurrentScore = score
		}
		return &gorm.Mutation{Next: next}, nil
	})
	require.NoError(t, err)
}

func (f *recalcFixture) state(t *testing.T, clientID string) *models.ClientRiskState {
	t.Helper()
	s, err := f.risk.GetState(context.Background(), clientID)
	require.NoError(t, err)
	return s
}

func (f *recalcFixture) openAlerts(t *testing.T, clientID string) []*models.RiskAlert {
	t.Helper()
	alerts, err := f.alerts.ListAlerts(context.Background(), gorm.AlertFilter{ClientID: clientID, Status: "open"})
	require.NoError(t, err)
	return alerts
}

func TestRecalculator_TierCrossingOpensOneAlert(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "c1")
	f.seed(t, "c1", 68)
	f.scores["c1"] = 72

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.AlertsOpened)

	alerts := f.openAlerts(t, "c1")
	require.Len(t, alerts, 1)
	assert.Equal(t, 72, alerts[0].ScoreAtGeneration)
	assert.Equal(t, models.CategoryHigh, alerts[0].Category)
	assert.Equal(t, models.CategoryElevated, alerts[0].PreviousCategory)
	assert.Equal(t, 1, f.pub.count(notify.EventAlertGenerated))

	st := f.state(t, "c1")
	assert.Equal(t, 72, st.CurrentScore)
	assert.Equal(t, 68, st.PreviousScore)
	assert.Equal(t, models.CategoryHigh, st.Category)
	assert.NotNil(t, st.LastRecomputedAt)
}

func TestRecalculator_Idempotent(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "c1", "c2", "c3")
	f.seed(t, "c1", 68)
	f.seed(t, "c2", 30)
	f.scores["c1"] = 88
	f.scores["c2"] = 20
	f.scores["c3"] = 96

	first, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Processed)
	assert.Equal(t, 2, first.AlertsOpened)

	before := map[string]*models.ClientRiskState{}
	for _, id := range []string{"c1", "c2", "c3"} {
		before[id] = f.state(t, id)
	}

	second, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, second.Processed)
	assert.Equal(t, 0, second.AlertsOpened)
	assert.Equal(t, 0, second.Changed)

	for id, prev := range before {
		now := f.state(t, id)
		assert.Equal(t, prev.CurrentScore, now.CurrentScore, id)
		assert.Equal(t, prev.Category, now.Category, id)
		assert.Equal(t, prev.PreviousScore, now.PreviousScore, "%s keeps its trend", id)
		assert.LessOrEqual(t, len(f.openAlerts(t, id)), 1, id)
	}
	assert.Equal(t, int64(2), f.recalc.GetStats().Runs)
}

func TestRecalculator_UnresolvedAlertBlocksNewOne(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "c1")
	f.seed(t, "c1", 60)
	f.scores["c1"] = 75
	_, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	require.Len(t, f.openAlerts(t, "c1"), 1)

	// A further crossing while the first alert is still open.
	f.scores["c1"] = 90
	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.AlertsOpened)
	assert.Len(t, f.openAlerts(t, "c1"), 1)
	assert.Equal(t, 90, f.state(t, "c1").CurrentScore)
}

func TestRecalculator_DownwardOrSameTierNoAlert(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "down", "same")
	f.seed(t, "down", 80)
	f.seed(t, "same", 71)
	f.scores["down"] = 40
	f.scores["same"] = 84

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.AlertsOpened)
	assert.Equal(t, 2, report.Changed)
	assert.Equal(t, models.CategoryModerate, f.state(t, "down").Category)
}

func TestRecalculator_FirstScoreComparesAgainstNeutral(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "up", "low")
	f.scores["up"] = 72
	f.scores["low"] = 45

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlertsOpened)
	assert.Len(t, f.openAlerts(t, "up"), 1)
	assert.Empty(t, f.openAlerts(t, "low"))

	low := f.state(t, "low")
	assert.Equal(t, 45, low.CurrentScore)
	assert.Equal(t, models.NeutralScore, low.PreviousScore)
}

func TestRecalculator_ScoreIsClamped(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "hi", "lo")
	f.scores["hi"] = 150
	f.scores["lo"] = -20

	_, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, f.state(t, "hi").CurrentScore)
	assert.Equal(t, 0, f.state(t, "lo").CurrentScore)
}

func TestRecalculator_SourceErrorFallsBackToNeutral(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "ok", "broken")
	f.seed(t, "broken", 20)
	f.scores["ok"] = 30
	f.source.errs["broken"] = errors.New("crm timeout")

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Neutral)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, models.NeutralScore, f.state(t, "broken").CurrentScore)
}

func TestRecalculator_SourceErrorSkipsWhenNeutralDisabled(t *testing.T) {
	cfg := DefaultRecalculatorConfig()
	cfg.NeutralOnSourceError = false
	f := newRecalcFixture(t, cfg, "ok", "broken")
	f.seed(t, "broken", 20)
	f.scores["ok"] = 30
	f.source.errs["broken"] = errors.New("crm timeout")

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)

	st := f.state(t, "broken")
	assert.Equal(t, 20, st.CurrentScore, "last good state is kept")
	assert.Nil(t, st.LastRecomputedAt)
	assert.Equal(t, 30, f.state(t, "ok").CurrentScore)
}

func TestRecalculator_PagesThroughAllClients(t *testing.T) {
	cfg := DefaultRecalculatorConfig()
	cfg.PageSize = 2
	cfg.Concurrency = 3
	ids := []string{"a", "b", "c", "d", "e"}
	f := newRecalcFixture(t, cfg, ids...)
	for _, id := range ids {
		f.scores[id] = 10
	}

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Processed)
	assert.False(t, report.Interrupted)

	n, err := f.risk.CountStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRecalculator_CanceledRunIsInterrupted(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.recalc.RunNow(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 0, report.Processed)

	// A fresh run completes the work.
	report, err = f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
}

func TestRecalculator_LeaseHeldElsewhereSkips(t *testing.T) {
	f := newRecalcFixture(t, DefaultRecalculatorConfig(), "a")
	lease := &LocalLease{}
	f.recalc.SetLease(lease)

	release, ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	n, _ := f.risk.CountStates(context.Background())
	assert.Equal(t, int64(0), n)

	// Skipped runs are still recorded so pollers see them finish.
	stats := f.recalc.GetStats()
	assert.Equal(t, int64(1), stats.Runs)
	require.NotNil(t, stats.LastRun)
	assert.True(t, stats.LastRun.Skipped)

	release()
	report, err = f.recalc.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Processed)

	// The run released the lease again.
	_, ok, err = lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecalculator_StartStop(t *testing.T) {
	cfg := DefaultRecalculatorConfig()
	cfg.Interval = 20 * time.Millisecond
	f := newRecalcFixture(t, cfg, "a")
	f.scores["a"] = 33

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.recalc.Start(ctx)

	require.Eventually(t, func() bool { return f.recalc.GetStats().Runs >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.recalc.GetStats().Running)

	f.recalc.Stop()
	stats := f.recalc.GetStats()
	assert.False(t, stats.Running)
	require.NotNil(t, stats.LastRun)
	assert.Equal(t, 20*time.Millisecond, stats.Interval)
}

func TestRecalculator_SetIntervalReachesRunningLoop(t *testing.T) {
	cfg := DefaultRecalculatorConfig()
	cfg.Interval = time.Hour
	f := newRecalcFixture(t, cfg, "a")
	f.scores["a"] = 33

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.recalc.Start(ctx)

	require.Eventually(t, func() bool { return f.recalc.GetStats().Runs >= 1 }, 2*time.Second, 5*time.Millisecond)

	f.recalc.SetInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, f.recalc.GetStats().Interval)
	require.Eventually(t, func() bool { return f.recalc.GetStats().Runs >= 3 }, 2*time.Second, 5*time.Millisecond)

	f.recalc.Stop()
	assert.False(t, f.recalc.GetStats().Running)
}

func TestRecalculator_RestartAfterStop(t *testing.T) {
	cfg := DefaultRecalculatorConfig()
	cfg.Interval = 10 * time.Millisecond
	f := newRecalcFixture(t, cfg, "a")
	f.scores["a"] = 33

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for round := 1; round <= 2; round++ {
		go f.recalc.Start(ctx)
		want := int64(2 * round)
		require.Eventually(t, func() bool {
			st := f.recalc.GetStats()
			return st.Running && st.Runs >= want
		}, 2*time.Second, 5*time.Millisecond, "round %d", round)

		require.NotPanics(t, f.recalc.Stop)
		assert.False(t, f.recalc.GetStats().Running)
	}

	// Stopping an idle loop is a no-op.
	require.NotPanics(t, f.recalc.Stop)
	f.recalc.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, f.recalc.GetStats().Interval)
}

func TestNewRecalculator_Defaults(t *testing.T) {
	r := NewRecalculator(newFakeSource(), nil, Constant(50), RecalculatorConfig{}, zerolog.Nop())
	stats := r.GetStats()
	assert.Equal(t, 24*time.Hour, stats.Interval)
	assert.Equal(t, 500, stats.PageSize)
	assert.Equal(t, 4, stats.Concurrency)
	assert.False(t, stats.Running)
	assert.Nil(t, stats.LastRun)
}

func TestLocalLease(t *testing.T) {
	var l LocalLease
	release, ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(context.Background())
	assert.False(t, ok)

	release()
	release()
	_, ok, _ = l.Acquire(context.Background())
	assert.True(t, ok)
}
