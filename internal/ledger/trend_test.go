package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/briefing"
	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/queue"
	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/models"
)

// clientList serves bare attribute records for a fixed set of clients.
type clientList []string

func (l clientList) ListClientIDs(_ context.Context, after string, limit int) ([]string, error) {
	var ids []string
	for _, id := range l {
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

func (l clientList) GetAttributes(_ context.Context, id string) (*models.ClientAttributes, error) {
	return &models.ClientAttributes{ClientID: id}, nil
}

// recomputeAt runs one recomputation with the given score at the given time.
func (s *LedgerSuite) recomputeAt(clientID string, score int, at time.Time) {
	r := scoring.NewRecalculator(clientList{clientID}, s.risk, scoring.Constant(score), scoring.RecalculatorConfig{}, zerolog.Nop())
	r.SetClock(func() time.Time { return at })
	report, err := r.RunNow(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(1, report.Processed)
}

func (s *LedgerSuite) briefingAt(at time.Time) *models.Briefing {
	gen := briefing.NewGenerator(s.risk, gorm.NewAdjustmentStore(s.store), s.alerts,
		queue.NewBuilder(s.risk, s.alerts), nil, briefing.Config{Location: time.UTC})
	gen.SetClock(func() time.Time { return at })
	b := gen.Generate(context.Background())
	s.Require().False(b.Partial, "warnings: %v", b.Warnings)
	return b
}

func (s *LedgerSuite) changeSummaryAt(at time.Time) models.ChangeSummary {
	states, err := s.risk.ListStates(context.Background())
	s.Require().NoError(err)
	return queue.Distribute(states, at).Change24h
}

func (s *LedgerSuite) TestTrend_OldRiseIsNotReportedAfterUnchangedRecompute() {
	s.risk.SetLocation(time.UTC)

	s.recomputeAt("c1", 70, s.now.Add(-72*time.Hour))
	s.recomputeAt("c1", 70, s.now.Add(-time.Minute))

	s.Empty(s.briefingAt(s.now).ScoreIncreases)
	s.Equal(models.ChangeSummary{Unchanged: 1}, s.changeSummaryAt(s.now))

	s.recomputeAt("c1", 85, s.now)

	s.Equal([]models.ScoreIncrease{{
		ClientID: "c1", Category: models.CategoryCritical, Before: 70, After: 85, Delta: 15,
	}}, s.briefingAt(s.now).ScoreIncreases)
	s.Equal(models.ChangeSummary{Increased: 1}, s.changeSummaryAt(s.now))
}

func (s *LedgerSuite) TestTrend_OvernightJumpSurvivesLaterOutcome() {
	s.risk.SetLocation(time.UTC)

	s.recomputeAt("c1", 50, s.now.Add(-30*time.Hour))
	s.recomputeAt("c1", 80, s.now.Add(-8*time.Hour))

	res, err := s.apply("c1", "no_answer")
	s.Require().NoError(err)
	s.Equal(80, res.NewScore)

	s.Equal([]models.ScoreIncrease{{
		ClientID: "c1", Category: models.CategoryHigh, Before: 50, After: 80, Delta: 30,
	}}, s.briefingAt(s.now).ScoreIncreases)

	// Next day nothing has moved yet.
	s.Empty(s.briefingAt(s.now.Add(24 * time.Hour)).ScoreIncreases)
}

func (s *LedgerSuite) TestTrend_OutcomeRiseMeasuredFromDayStart() {
	s.risk.SetLocation(time.UTC)

	s.recomputeAt("c1", 60, s.now.Add(-48*time.Hour))
	_, err := s.apply("c1", "price_shopping")
	s.Require().NoError(err)
	_, err = s.apply("c1", "refused_contact")
	s.Require().NoError(err)

	s.Equal([]models.ScoreIncrease{{
		ClientID: "c1", Category: models.CategoryHigh, Before: 60, After: 83, Delta: 23,
	}}, s.briefingAt(s.now).ScoreIncreases)
}
