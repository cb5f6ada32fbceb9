package models

import (
	"fmt"
	"sort"
)

// OutcomeCategory groups call outcomes by their effect on retention outlook.
type OutcomeCategory string

const (
	OutcomePositive OutcomeCategory = "positive"
	OutcomeNeutral  OutcomeCategory = "neutral"
	OutcomeConcern  OutcomeCategory = "concern"
	OutcomeNegative OutcomeCategory = "negative"
)

// Valid reports whether c is a known outcome category.
func (c OutcomeCategory) Valid() bool {
	switch c {
	case OutcomePositive, OutcomeNeutral, OutcomeConcern, OutcomeNegative:
		return true
	}
	return false
}

// Outcome is a cataloged result of an agent contact.
// ScoreAdjustment follows the score direction: negative values lower the
// risk score (better outlook), positive values raise it.
type Outcome struct {
	ID              string          `json:"id" yaml:"id"`
	Label           string          `json:"label" yaml:"label"`
	Category        OutcomeCategory `json:"category" yaml:"category"`
	ScoreAdjustment int             `json:"score_adjustment" yaml:"score_adjustment"`
}

// CheckSign enforces the catalog sign convention for the outcome's category.
func (o Outcome) CheckSign() error {
	d := o.ScoreAdjustment
	switch o.Category {
	case OutcomePositive:
		if d >= 0 {
			return fmt.Errorf("outcome %q: positive outcomes must lower the score, got %+d", o.ID, d)
		}
	case OutcomeNeutral:
		if d != 0 {
			return fmt.Errorf("outcome %q: neutral outcomes must not change the score, got %+d", o.ID, d)
		}
	case OutcomeConcern, OutcomeNegative:
		if d <= 0 {
			return fmt.Errorf("outcome %q: %s outcomes must raise the score, got %+d", o.ID, o.Category, d)
		}
	default:
		return fmt.Errorf("outcome %q: unknown category %q", o.ID, o.Category)
	}
	return nil
}

// OutcomeCatalog is the fixed set of outcomes an agent may log.
// It is read-only once constructed.
type OutcomeCatalog struct {
	byID  map[string]Outcome
	order []string
}

// NewOutcomeCatalog builds a catalog, rejecting duplicates, the reserved
// manual override id and sign-convention violations.
func NewOutcomeCatalog(outcomes []Outcome) (*OutcomeCatalog, error) {
	c := &OutcomeCatalog{byID: make(map[string]Outcome, len(outcomes))}
	for _, o := range outcomes {
		if o.ID == "" {
			return nil, fmt.Errorf("outcome with empty id")
		}
		if o.ID == ManualOverrideOutcomeID {
			return nil, fmt.Errorf("outcome id %q is reserved", o.ID)
		}
		if _, dup := c.byID[o.ID]; dup {
			return nil, fmt.Errorf("duplicate outcome id %q", o.ID)
		}
		if err := o.CheckSign(); err != nil {
			return nil, err
		}
		c.byID[o.ID] = o
		c.order = append(c.order, o.ID)
	}
	return c, nil
}

// Lookup returns the outcome with the given id.
func (c *OutcomeCatalog) Lookup(id string) (Outcome, bool) {
	o, ok := c.byID[id]
	return o, ok
}

// Outcomes returns all outcomes in declaration order.
func (c *OutcomeCatalog) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// ByCategory groups outcome ids per category, sorted by id.
func (c *OutcomeCatalog) ByCategory() map[OutcomeCategory][]string {
	groups := make(map[OutcomeCategory][]string)
	for id, o := range c.byID {
		groups[o.Category] = append(groups[o.Category], id)
	}
	for _, ids := range groups {
		sort.Strings(ids)
	}
	return groups
}

// Len returns the number of outcomes.
func (c *OutcomeCatalog) Len() int {
	return len(c.order)
}
