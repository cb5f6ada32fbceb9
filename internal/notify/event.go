// Package notify carries fire-and-forget side effects out of the engine.
//
// Events are published after the owning transaction has committed. Delivery
// happens on a separate goroutine and a failing sink is logged, never
// reported back to the writer, so score correctness never depends on an
// outbound collaborator.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	EventAlertGenerated    EventType = "alert_generated"
	EventAlertViewed       EventType = "alert_viewed"
	EventAlertActedOn      EventType = "alert_acted_on"
	EventOutcomeLogged     EventType = "outcome_logged"
	EventFollowUpScheduled EventType = "follow_up_scheduled"
	EventManualScore       EventType = "manual_score_set"
	EventRecomputeFinished EventType = "recompute_finished"
)

// Event is one outbound message.
type Event struct {
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	ClientID   string         `json:"client_id,omitempty"`
	AlertID    string         `json:"alert_id,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, clientID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		ClientID:   clientID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// WithAlert sets the alert id.
func (e Event) WithAlert(alertID string) Event {
	e.AlertID = alertID
	return e
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(evt Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
