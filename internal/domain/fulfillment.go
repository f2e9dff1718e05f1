package domain

import (
	"encoding/json"
	"time"
)

type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "pending"
	AllocationApproved AllocationStatus = "approved"
	AllocationActive   AllocationStatus = "active"
	AllocationRejected AllocationStatus = "rejected"
)

// Settled reports whether the allocation counts as the one live allocation
// for its (student, course) pair.
func (s AllocationStatus) Settled() bool {
	return s == AllocationApproved || s == AllocationActive
}

type Purchase struct {
	ID        string
	StudentID string
	CourseID  string
	Tier      int
	Metadata  json.RawMessage
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Allocation struct {
	ID        string
	StudentID string
	CourseID  string
	TrainerID string
	Status    AllocationStatus
	Metadata  json.RawMessage
	CreatedAt time.Time
}

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

type Session struct {
	ID            string
	AllocationID  string
	StudentID     string
	TrainerID     string
	CourseID      string
	ScheduledDate time.Time
	ScheduledTime string
	Status        SessionStatus
	CreatedAt     time.Time
}

// ProcessedEvent is one row of the idempotency ledger. A row existing for
// (CorrelationID, EventType) means the logical event was already handled.
type ProcessedEvent struct {
	EventID       string
	EventType     EventType
	CorrelationID string
	Source        string
	Version       string
	Payload       json.RawMessage
	ProcessedAt   time.Time
	ErrorMessage  string
}
