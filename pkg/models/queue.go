package models

// QueueFilter restricts the priority queue.
// An empty MinCategory means no tier filter; Limit <= 0 means the default.
type QueueFilter struct {
	MinCategory Category `json:"min_category,omitempty"`
	Limit       int      `json:"limit"`
}

// QueueItem is one row of the agent worklist.
type QueueItem struct {
	ClientID         string   `json:"client_id"`
	Category         Category `json:"category"`
	Score            int      `json:"score"`
	PreviousScore    int      `json:"previous_score"`
	DaysSinceContact int      `json:"days_since_contact"`
	NeverContacted   bool     `json:"never_contacted,omitempty"`
	HasActiveAlert   bool     `json:"has_active_alert"`
}

// ChangeSummary counts clients by direction of their last 24h score change.
type ChangeSummary struct {
	Increased int `json:"increased"`
	Unchanged int `json:"unchanged"`
	Decreased int `json:"decreased"`
}

// RiskDistribution is the per-category population breakdown.
type RiskDistribution struct {
	Counts    map[Category]int `json:"counts"`
	Change24h ChangeSummary    `json:"change_24h"`
	Total     int              `json:"total"`
}

// NewCategoryCounts returns a map with a zero entry for every category.
func NewCategoryCounts() map[Category]int {
	counts := make(map[Category]int, len(categoryBands))
	for _, b := range categoryBands {
		counts[b.category] = 0
	}
	return counts
}
