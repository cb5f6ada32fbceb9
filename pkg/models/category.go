// Package models contains domain models for the retention engine.
package models

import (
	"fmt"
	"strings"
)

// Category is an urgency tier derived from a risk score.
// Higher scores map to more urgent categories.
type Category string

const (
	CategoryStable   Category = "stable"
	CategoryLow      Category = "low"
	CategoryModerate Category = "moderate"
	CategoryElevated Category = "elevated"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
	CategorySevere   Category = "severe"
)

// Score bounds shared by every component that stores or adjusts a score.
const (
	MinScore = 0
	MaxScore = 100
)

// categoryBand is the inclusive lower bound of a tier.
type categoryBand struct {
	category Category
	floor    int
}

// categoryBands is ordered by ascending urgency. Each band runs from its floor
// up to the next band's floor minus one; the last band runs to MaxScore.
var categoryBands = []categoryBand{
	{CategoryStable, 0},
	{CategoryLow, 25},
	{CategoryModerate, 40},
	{CategoryElevated, 55},
	{CategoryHigh, 70},
	{CategoryCritical, 85},
	{CategorySevere, 95},
}

// AllCategories returns every category in ascending urgency order.
func AllCategories() []Category {
	out := make([]Category, len(categoryBands))
	for i, b := range categoryBands {
		out[i] = b.category
	}
	return out
}

// Categorize maps a score to its tier. Scores outside [0,100] are clamped
// first so the function is total.
func Categorize(score int) Category {
	score = ClampScore(score)
	for i := len(categoryBands) - 1; i > 0; i-- {
		if score >= categoryBands[i].floor {
			return categoryBands[i].category
		}
	}
	return CategoryStable
}

// CategoryRange returns the inclusive score range covered by a category.
func CategoryRange(c Category) (lo, hi int, ok bool) {
	for i, b := range categoryBands {
		if b.category != c {
			continue
		}
		hi = MaxScore
		if i+1 < len(categoryBands) {
			hi = categoryBands[i+1].floor - 1
		}
		return b.floor, hi, true
	}
	return 0, 0, false
}

// Rank returns the urgency rank of the category (stable=0 .. severe=6),
// or -1 for an unknown value.
func (c Category) Rank() int {
	for i, b := range categoryBands {
		if b.category == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c is one of the seven known tiers.
func (c Category) Valid() bool {
	return c.Rank() >= 0
}

// MoreUrgentThan reports whether c is strictly more urgent than other.
func (c Category) MoreUrgentThan(other Category) bool {
	return c.Rank() > other.Rank()
}

// AtLeast reports whether c is at or above the given tier.
func (c Category) AtLeast(min Category) bool {
	return c.Rank() >= min.Rank()
}

// ParseCategory parses a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", NewValidationError("minCategory", fmt.Sprintf("unknown category %q", s))
	}
	return c, nil
}

// ClampScore constrains a score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
