package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/models"
)

// commitLog records the score stored at every committed version and the
// ledger entry written with it.
type commitLog struct {
	*gorm.RiskStore
	scores  map[int64]int
	entries map[int64]*models.ScoreAdjustment
	dupes   int
	mu      sync.Mutex
}

func newCommitLog(rs *gorm.RiskStore) *commitLog {
	return &commitLog{RiskStore: rs, scores: map[int64]int{}, entries: map[int64]*models.ScoreAdjustment{}}
}

func (c *commitLog) Mutate(ctx context.Context, clientID string, fn gorm.MutationFunc) (*gorm.CommitResult, error) {
	res, err := c.RiskStore.Mutate(ctx, clientID, fn)
	if err == nil && res != nil && res.State != nil {
		c.mu.Lock()
		v := res.State.Version
		if _, ok := c.scores[v]; ok {
			c.dupes++
		}
		c.scores[v] = res.State.CurrentScore
		if res.Adjustment != nil {
			c.entries[v] = res.Adjustment
		}
		c.mu.Unlock()
	}
	return res, err
}

func (c *commitLog) scoreAt(version int64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == 0 {
		return models.NeutralScore, true
	}
	score, ok := c.scores[version]
	return score, ok
}

func (s *LedgerSuite) TestConcurrentRecomputeAndOutcome() {
	const rounds = 25
	ctx := context.Background()
	commits := newCommitLog(s.risk)

	var target atomic.Int64
	scorer := scoring.ScorerFunc(func(models.ClientAttributes) int { return int(target.Load()) })
	recalc := scoring.NewRecalculator(clientList{"c1"}, commits, scorer, scoring.RecalculatorConfig{}, zerolog.Nop())
	recalc.SetClock(func() time.Time { return s.now })

	l := New(commits, gorm.NewAdjustmentStore(s.store), s.ledger.Catalog(), zerolog.Nop())
	l.now = func() time.Time { return s.now }

	outcomes := []string{"requested_cancellation", "renewed_policy"}
	adjustments := gorm.NewAdjustmentStore(s.store)

	for i := 0; i < rounds; i++ {
		target.Store(int64(20 + (i*37)%70))

		var wg sync.WaitGroup
		var recErr, outErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, recErr = recalc.RunNow(ctx)
		}()
		go func() {
			defer wg.Done()
			_, outErr = l.ApplyOutcome(ctx, OutcomeRequest{
				ClientID:  "c1",
				OutcomeID: outcomes[i%len(outcomes)],
				LoggedBy:  "agent-7",
			})
		}()
		wg.Wait()
		s.Require().NoError(recErr, "round %d", i)
		s.Require().NoError(outErr, "round %d", i)

		state, err := s.risk.GetState(ctx, "c1")
		s.Require().NoError(err)
		s.Require().Equal(int64(2*(i+1)), state.Version, "round %d: one version per commit", i)

		stored, ok := commits.scoreAt(state.Version)
		s.Require().True(ok)
		s.Require().Equal(stored, state.CurrentScore)

		entries, err := adjustments.ListAdjustments(ctx, "c1", 0)
		s.Require().NoError(err)
		s.Require().Len(entries, i+1)

		for _, adj := range entries {
			s.Require().True(adj.Consistent(), "round %d: inconsistent entry %+v", i, adj)
		}
	}

	commits.mu.Lock()
	defer commits.mu.Unlock()
	s.Zero(commits.dupes, "a version was committed twice")
	s.Len(commits.scores, 2*rounds)
	s.Len(commits.entries, rounds)
	for v, adj := range commits.entries {
		before := models.NeutralScore
		if v > 1 {
			before = commits.scores[v-1]
		}
		s.Equal(before, adj.ScoreBefore, "entry at version %d", v)
		s.Equal(commits.scores[v], adj.ScoreAfter, "entry at version %d", v)
	}
}
