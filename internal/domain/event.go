package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of event kinds carried by the pipeline.
type EventType string

const (
	EventPurchaseConfirmed EventType = "PURCHASE_CONFIRMED"
	EventPurchaseCreated   EventType = "PURCHASE_CREATED"
	EventTrainerAllocated  EventType = "TRAINER_ALLOCATED"
)

var ErrUnknownEventType = errors.New("unknown event type")

func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventPurchaseConfirmed, EventPurchaseCreated, EventTrainerAllocated:
		return EventType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// Envelope wraps every message on the bus. CorrelationID threads one
// business transaction across the whole chain; the idempotency key is
// (CorrelationID, EventType), not EventID, because redelivered copies of
// the same logical event may carry different transport ids.
type Envelope struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	EventType     EventType       `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	Version       string          `json:"version"`
}

// NewEnvelope builds an envelope for an outgoing event, marshalling the payload.
func NewEnvelope(correlationID string, eventType EventType, source string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
		Source:        source,
		Version:       "1",
	}, nil
}

// PurchaseConfirmedPayload arrives from the payment boundary.
type PurchaseConfirmedPayload struct {
	PaymentID string          `json:"payment_id"`
	StudentID string          `json:"student_id"`
	CourseID  string          `json:"course_id"`
	Tier      int             `json:"tier"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type PurchaseCreatedPayload struct {
	PurchaseID string          `json:"purchase_id"`
	StudentID  string          `json:"student_id"`
	CourseID   string          `json:"course_id"`
	Tier       int             `json:"tier"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type TrainerAllocatedPayload struct {
	AllocationID string          `json:"allocation_id"`
	TrainerID    string          `json:"trainer_id"`
	StudentID    string          `json:"student_id"`
	CourseID     string          `json:"course_id"`
	SessionCount int             `json:"session_count"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}
