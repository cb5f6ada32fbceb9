package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/retention/pkg/models"
)

func openTestAlert(t *testing.T, rs *RiskStore, clientID string, score int, at time.Time) *models.RiskAlert {
	t.Helper()
	res, err := rs.Mutate(context.Background(), clientID, func(cur *models.ClientRiskState) (*Mutation, error) {
		m, _ := setScore(score)(cur)
		m.OpenAlert = &models.RiskAlert{
			ScoreAtGeneration: score,
			Category:          models.Categorize(score),
			PreviousCategory:  models.CategoryModerate,
			GeneratedAt:       at,
		}
		return m, nil
	})
	require.NoError(t, err)
	require.NotNil(t, res.OpenedAlert)
	return res.OpenedAlert
}

func TestAlertStore_MarkViewedIsSetOnce(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	alerts := NewAlertStore(store)
	alert := openTestAlert(t, NewRiskStore(store, 0), "c1", 75, time.Now())

	first := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	got, changed, err := alerts.MarkViewed(ctx, alert.ID, first)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got.ViewedAt)
	assert.True(t, got.ViewedAt.Equal(first))
	assert.Equal(t, models.AlertViewed, got.Status())

	// Later and earlier timestamps are both ignored.
	for _, at := range []time.Time{first.Add(time.Hour), first.Add(-time.Hour)} {
		got, changed, err = alerts.MarkViewed(ctx, alert.ID, at)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, got.ViewedAt.Equal(first))
	}
}

func TestAlertStore_MarkActedOnIsSetOnce(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	alerts := NewAlertStore(store)
	alert := openTestAlert(t, NewRiskStore(store, 0), "c1", 88, time.Now())

	at := time.Now().Truncate(time.Millisecond)
	got, changed, err := alerts.MarkActedOn(ctx, alert.ID, AlertResolution{At: at, ActionType: "called", Outcome: models.OutcomeConcern})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.AlertActedOn, got.Status())
	assert.Equal(t, "called", got.ActionType)
	assert.Equal(t, models.OutcomeConcern, got.Outcome)
	require.NotNil(t, got.ViewedAt)
	assert.True(t, got.ViewedAt.Equal(at))

	got, changed, err = alerts.MarkActedOn(ctx, alert.ID, AlertResolution{At: at.Add(time.Hour), ActionType: "emailed", Outcome: models.OutcomePositive})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "called", got.ActionType)
	assert.Equal(t, models.OutcomeConcern, got.Outcome)
	assert.True(t, got.ActedOnAt.Equal(at))

	// Viewing after acting on keeps the original viewed time.
	got, changed, err = alerts.MarkViewed(ctx, alert.ID, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, got.ViewedAt.Equal(at))
}

func TestAlertStore_NotFound(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	alerts := NewAlertStore(store)

	_, err := alerts.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, _, err = alerts.MarkViewed(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, _, err = alerts.MarkActedOn(ctx, "missing", AlertResolution{At: time.Now(), ActionType: "x", Outcome: models.OutcomeNeutral})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAlertStore_ListAndCounts(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	alerts := NewAlertStore(store)
	rs := NewRiskStore(store, 0)

	now := time.Now()
	a1 := openTestAlert(t, rs, "c1", 72, now.Add(-3*time.Hour))
	a2 := openTestAlert(t, rs, "c2", 90, now.Add(-2*time.Hour))
	a3 := openTestAlert(t, rs, "c3", 96, now.Add(-48*time.Hour))

	_, _, err := alerts.MarkViewed(ctx, a2.ID, now)
	require.NoError(t, err)
	_, _, err = alerts.MarkActedOn(ctx, a3.ID, AlertResolution{At: now, ActionType: "called", Outcome: models.OutcomePositive})
	require.NoError(t, err)

	all, err := alerts.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a2.ID, all[0].ID, "newest first")

	open, err := alerts.ListAlerts(ctx, AlertFilter{Status: "open"})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	generated, err := alerts.ListAlerts(ctx, AlertFilter{Status: "generated"})
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Equal(t, a1.ID, generated[0].ID)

	viewed, err := alerts.ListAlerts(ctx, AlertFilter{Status: "viewed"})
	require.NoError(t, err)
	require.Len(t, viewed, 1)
	assert.Equal(t, a2.ID, viewed[0].ID)

	byClient, err := alerts.ListAlerts(ctx, AlertFilter{ClientID: "c3"})
	require.NoError(t, err)
	require.Len(t, byClient, 1)
	assert.Equal(t, models.AlertActedOn, byClient[0].Status())

	ids, err := alerts.OpenAlertClientIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, ids)

	since, err := alerts.AlertsGeneratedSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, since, 2)

	acted, err := alerts.CountActedOnSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	unviewed, err := alerts.CountUnviewed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unviewed)
}
