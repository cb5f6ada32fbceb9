package models

import "time"

// TimeOfDay is the greeting bucket derived from wall-clock time.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// Greeting is the time-of-day context of a briefing.
type Greeting struct {
	TimeOfDay TimeOfDay `json:"time_of_day"`
	Message   string    `json:"message"`
}

// ScoreIncrease is a client whose score rose today by at least the threshold.
type ScoreIncrease struct {
	ClientID string   `json:"client_id"`
	Category Category `json:"category"`
	Before   int      `json:"before"`
	After    int      `json:"after"`
	Delta    int      `json:"delta"`
}

// NewCriticalClient is a client whose alert today put it at critical or worse.
type NewCriticalClient struct {
	GeneratedAt time.Time `json:"generated_at"`
	ClientID    string    `json:"client_id"`
	AlertID     string    `json:"alert_id"`
	Category    Category  `json:"category"`
	Score       int       `json:"score"`
}

// CompletedActions summarizes work done today.
type CompletedActions struct {
	OutcomesLogged int `json:"outcomes_logged"`
	TasksCompleted int `json:"tasks_completed"`
	AlertsActedOn  int `json:"alerts_acted_on"`
}

// Briefing is the daily narrative summary.
type Briefing struct {
	GeneratedAt        time.Time           `json:"generated_at"`
	Greeting           Greeting            `json:"greeting"`
	CategoryCounts     map[Category]int    `json:"category_counts"`
	NewCriticalClients []NewCriticalClient `json:"new_critical_clients"`
	PriorityClients    []QueueItem         `json:"priority_clients"`
	ScoreIncreases     []ScoreIncrease     `json:"score_increases"`
	Insights           []string            `json:"insights"`
	Warnings           []string            `json:"warnings,omitempty"`
	CompletedActions   CompletedActions    `json:"completed_actions"`
	QueueDepth         int                 `json:"queue_depth"`
	Partial            bool                `json:"partial"`
}
