package domain

import (
	"testing"
	"time"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{"requested to approved", SessionRequested, SessionApproved, true},
		{"requested to expired", SessionRequested, SessionExpired, true},
		{"requested to scheduled skips approval", SessionRequested, SessionScheduled, false},
		{"approved to scheduled", SessionApproved, SessionScheduled, true},
		{"scheduled to checked_in", SessionScheduled, SessionCheckedIn, true},
		{"checked_in to in_progress", SessionCheckedIn, SessionInProgress, true},
		{"in_progress to completed", SessionInProgress, SessionCompleted, true},
		{"in_progress to cancelled", SessionInProgress, SessionCancelled, true},
		{"in_progress to disputed", SessionInProgress, SessionDisputed, true},
		{"disputed to cancelled", SessionDisputed, SessionCancelled, true},
		{"completed is terminal", SessionCompleted, SessionCancelled, false},
		{"completed cannot be disputed", SessionCompleted, SessionDisputed, false},
		{"cancelled is terminal", SessionCancelled, SessionApproved, false},
		{"expired is terminal", SessionExpired, SessionApproved, false},
		{"no backwards movement", SessionInProgress, SessionCheckedIn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSessionTransitionMutatesOrRejects(t *testing.T) {
	s := &Session{Status: SessionRequested}
	if err := s.Transition(SessionApproved); err != nil {
		t.Fatalf("expected legal transition to succeed, got %v", err)
	}
	if s.Status != SessionApproved {
		t.Fatalf("expected approved, got %s", s.Status)
	}
	if err := s.Transition(SessionCompleted); err == nil {
		t.Fatal("expected illegal transition to be rejected")
	}
	if s.Status != SessionApproved {
		t.Fatalf("expected status unchanged after rejection, got %s", s.Status)
	}
}

func TestSessionDuration(t *testing.T) {
	in := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	out := in.Add(95 * time.Minute)

	s := &Session{}
	if _, ok := s.Duration(); ok {
		t.Fatal("expected no duration without timestamps")
	}
	s.CheckedInAt = &in
	if _, ok := s.Duration(); ok {
		t.Fatal("expected no duration without a check-out")
	}
	s.CheckedOutAt = &out
	minutes, ok := s.DurationMinutes()
	if !ok || minutes != 95 {
		t.Fatalf("expected 95 minutes, got %d ok=%v", minutes, ok)
	}

	// Check-out before check-in yields no usable duration.
	bad := in.Add(-time.Minute)
	s.CheckedOutAt = &bad
	if _, ok := s.Duration(); ok {
		t.Fatal("expected negative interval to be unusable")
	}
}

func TestValidTaskType(t *testing.T) {
	for _, tt := range []TaskType{TaskCompanionship, TaskTransportation, TaskTechnologyHelp, TaskHouseholdTasks, TaskMedicationReminder, TaskOther} {
		if !ValidTaskType(tt) {
			t.Fatalf("expected %s to be valid", tt)
		}
	}
	if ValidTaskType("gardening") {
		t.Fatal("expected unknown task type to be invalid")
	}
}
