package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/retention/pkg/models"
)

func TestDefault_SignConvention(t *testing.T) {
	c := Default()
	require.Equal(t, 13, c.Len())

	for _, o := range c.Outcomes() {
		switch o.Category {
		case models.OutcomePositive:
			assert.Negative(t, o.ScoreAdjustment, o.ID)
		case models.OutcomeNeutral:
			assert.Zero(t, o.ScoreAdjustment, o.ID)
		case models.OutcomeConcern, models.OutcomeNegative:
			assert.Positive(t, o.ScoreAdjustment, o.ID)
		default:
			t.Fatalf("unexpected category %q for %s", o.Category, o.ID)
		}
	}

	groups := c.ByCategory()
	assert.Len(t, groups[models.OutcomePositive], 4)
	assert.Len(t, groups[models.OutcomeNeutral], 3)
	assert.Len(t, groups[models.OutcomeConcern], 3)
	assert.Len(t, groups[models.OutcomeNegative], 3)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
outcomes:
  - id: thanked
    label: Thanked agent
    category: positive
    score_adjustment: -3
  - id: angry
    category: negative
    score_adjustment: 12
`), 0600))

	c, err := Load(path)
	require.NoError(t, err)
	o, ok := c.Lookup("angry")
	require.True(t, ok)
	assert.Equal(t, 12, o.ScoreAdjustment)
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	_, ok := c.Lookup("renewed_policy")
	assert.True(t, ok)
}

func TestParse_RejectsBadSign(t *testing.T) {
	_, err := Parse([]byte(`
outcomes:
  - id: renewed
    category: positive
    score_adjustment: 5
`))
	assert.ErrorContains(t, err, "must lower")
}

func TestParse_RejectsEmpty(t *testing.T) {
	_, err := Parse([]byte("outcomes: []"))
	assert.Error(t, err)

	_, err = Parse([]byte(":::"))
	assert.Error(t, err)
}
