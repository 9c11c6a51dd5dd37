package contracts

import "time"

// EventType names a case-system event.
type EventType string

const (
	EventCaseCreated            EventType = "CaseCreated"
	EventCaseUpdated            EventType = "CaseUpdated"
	EventCaseClosed             EventType = "CaseClosed"
	EventComplaintCreated       EventType = "ComplaintCreated"
	EventComplaintUpdated       EventType = "ComplaintUpdated"
	EventComplaintClosed        EventType = "ComplaintClosed"
	EventFactoryComplaintClosed EventType = "FactoryComplaintClosed"
	EventInquiryCreated         EventType = "InquiryCreated"
	EventInquiryClosed          EventType = "InquiryClosed"
	// EventLinkedClosureRequested is emitted by the cascade stage for each
	// linked case proposed for closure.
	EventLinkedClosureRequested EventType = "LinkedClosureRequested"
)

// Envelope priority bounds. 1 is the most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultMaxAttempts = 3
)

// Event is a case-system event.
type Event struct {
	EventType      EventType      `json:"event_type" validate:"required"`
	CaseID         string         `json:"case_id" validate:"required"`
	CaseSnapshot   *Case          `json:"case_snapshot,omitempty"`
	ChangedFields  []string       `json:"changed_fields,omitempty"`
	PreviousValues map[string]any `json:"previous_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`
	Source         string         `json:"source,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
}

// EventEnvelope wraps an event with routing metadata.
type EventEnvelope struct {
	EnvelopeID    string    `json:"envelope_id" validate:"required"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	Event         Event     `json:"event" validate:"required"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Attempt       int       `json:"attempt" validate:"gte=0"`
	MaxAttempts   int       `json:"max_attempts" validate:"gte=0"`
	// Priority overrides the routing table when non-zero.
	Priority int `json:"priority,omitempty" validate:"priority"`
}
