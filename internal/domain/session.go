/**
 * @description
 * This file defines the Session entity and its state machine. A session is one
 * attended help encounter between a helper and a recipient. The status field is
 * a closed enum; every transition goes through CanTransition/Transition so that
 * callers can never write an arbitrary status string.
 *
 * @notes
 * - Completed and cancelled are terminal. Expired is a cancellation sub-state
 *   reached only by the request-expiry sweep.
 * - Once a session is completed it is immutable; credit flows from its
 *   attestation, never from the session row itself.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the closed set of session lifecycle states.
type SessionStatus string

const (
	SessionRequested  SessionStatus = "requested"
	SessionApproved   SessionStatus = "approved"
	SessionScheduled  SessionStatus = "scheduled"
	SessionCheckedIn  SessionStatus = "checked_in"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionDisputed   SessionStatus = "disputed"
	SessionExpired    SessionStatus = "expired"
)

// TaskType categorises what kind of help a session provided.
type TaskType string

const (
	TaskCompanionship      TaskType = "companionship"
	TaskTransportation     TaskType = "transportation"
	TaskTechnologyHelp     TaskType = "technology_help"
	TaskHouseholdTasks     TaskType = "household_tasks"
	TaskMedicationReminder TaskType = "medication_reminder"
	TaskOther              TaskType = "other"
)

// ValidTaskType reports whether t is a known task category.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskCompanionship, TaskTransportation, TaskTechnologyHelp,
		TaskHouseholdTasks, TaskMedicationReminder, TaskOther:
		return true
	}
	return false
}

// ErrInvalidTransition is returned for any session state change the machine
// does not allow. It carries both states so handlers can surface a precise
// state-violation error to the caller.
type ErrInvalidTransition struct {
	From SessionStatus
	To   SessionStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition from %q to %q", e.From, e.To)
}

// Session represents one help encounter between two parties.
// Latitude/longitude here are the expected meeting point, used only to gate
// check-in proximity; they are never attested raw.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	HelperID     uuid.UUID     `json:"helper_id"`
	RecipientID  uuid.UUID     `json:"recipient_id"`
	TaskType     TaskType      `json:"task_type"`
	Status       SessionStatus `json:"status"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	CheckedInAt  *time.Time    `json:"checked_in_at,omitempty"`
	CheckedOutAt *time.Time    `json:"checked_out_at,omitempty"`
	Latitude     float64       `json:"latitude"`
	Longitude    float64       `json:"longitude"`
	CancelReason *string       `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// sessionTransitions encodes every legal edge of the state machine.
// cancelled/disputed are additionally reachable from any pre-completion state,
// handled in CanTransition rather than enumerated here.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionRequested:  {SessionApproved, SessionExpired},
	SessionApproved:   {SessionScheduled},
	SessionScheduled:  {SessionCheckedIn},
	SessionCheckedIn:  {SessionInProgress},
	SessionInProgress: {SessionCompleted},
	SessionDisputed:   {SessionCancelled},
}

// Terminal reports whether no further transitions are possible from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionExpired
}

// Cancellationlike reports whether s counts as a cancellation for credit
// purposes. Expired requests are treated as cancelled.
func (s SessionStatus) Cancellationlike() bool {
	return s == SessionCancelled || s == SessionExpired
}

// CanTransition reports whether moving from -> to is a legal edge.
func CanTransition(from, to SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	if (to == SessionCancelled || to == SessionDisputed) && from != SessionCompleted {
		return true
	}
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition mutates the session status or returns ErrInvalidTransition.
func (s *Session) Transition(to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return &ErrInvalidTransition{From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// Duration returns the attended duration of a session that has both a
// check-in and a check-out timestamp.
func (s *Session) Duration() (time.Duration, bool) {
	if s.CheckedInAt == nil || s.CheckedOutAt == nil {
		return 0, false
	}
	d := s.CheckedOutAt.Sub(*s.CheckedInAt)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// DurationMinutes returns the attended duration in whole minutes.
func (s *Session) DurationMinutes() (int, bool) {
	d, ok := s.Duration()
	if !ok {
		return 0, false
	}
	return int(d / time.Minute), true
}
