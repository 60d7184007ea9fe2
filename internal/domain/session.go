package domain

import (
	"errors"
	"time"
)

type (
	SessionID string
	RoomID    string
)

// Status of a scheduled tutoring session. Completed and cancelled are
// terminal; a session is never deleted, only transitioned.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAuthorized   = errors.New("not authorized for this session")
	ErrJoinNotOpen     = errors.New("join window not yet open")
	ErrSessionOver     = errors.New("session ended or cancelled")
)

// Session is one scheduled tutoring appointment. The record is owned by
// the scheduling collaborator; this subsystem only reads it and requests
// status transitions.
type Session struct {
	ID        SessionID `json:"id" validate:"required"`
	TutorID   UserID    `json:"tutorId" validate:"required"`
	StudentID UserID    `json:"studentId" validate:"required"`
	RoomID    RoomID    `json:"roomId" validate:"required"`
	StartTime time.Time `json:"startTime" validate:"required"`
	// Duration is in minutes, matching the scheduling API.
	Duration int    `json:"duration" validate:"gt=0"`
	Status   Status `json:"status" validate:"required,oneof=scheduled active completed cancelled"`
}

func (s *Session) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.Duration) * time.Minute)
}

// RoleOf reports which side of the session the given user is on.
func (s *Session) RoleOf(uid UserID) (Role, bool) {
	switch uid {
	case s.TutorID:
		return RoleTutor, true
	case s.StudentID:
		return RoleStudent, true
	}
	return "", false
}
