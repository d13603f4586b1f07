package model

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus enumerates the lifecycle states of an exam room.
type RoomStatus string

const (
	RoomStatusWaiting RoomStatus = "waiting"
	RoomStatusRunning RoomStatus = "running"
	RoomStatusEnded   RoomStatus = "ended"
)

// rank orders statuses so transitions can only move forward.
func (s RoomStatus) rank() int {
	switch s {
	case RoomStatusWaiting:
		return 0
	case RoomStatusRunning:
		return 1
	case RoomStatusEnded:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s RoomStatus) Valid() bool { return s.rank() >= 0 }

// CanTransitionTo reports whether moving from s to next is a single forward step.
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	return s.Valid() && next.rank() == s.rank()+1
}

// RoomSettings are the per-room switches chosen by the owning teacher.
type RoomSettings struct {
	AllowLateJoin    bool `json:"allowLateJoin"`
	ShuffleQuestions bool `json:"shuffleQuestions"`
	ShowResults      bool `json:"showResults"`
}

// Room is one timed exam sitting bound to a quiz.
type Room struct {
	ID              uuid.UUID    `json:"id"`
	Code            string       `json:"code"`
	TeacherID       string       `json:"teacherId"`
	QuizID          uuid.UUID    `json:"quizId"`
	Title           string       `json:"title"`
	Status          RoomStatus   `json:"status"`
	DurationMinutes int          `json:"durationMinutes"`
	MaxParticipants *int         `json:"maxParticipants,omitempty"`
	StartTime       *time.Time   `json:"startTime,omitempty"`
	EndTime         *time.Time   `json:"endTime,omitempty"`
	Settings        RoomSettings `json:"settings"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`

	Quiz *Quiz `json:"quiz,omitempty"`
}

// Duration returns the configured exam length.
func (r *Room) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Capacity returns the student limit, 0 meaning unlimited.
func (r *Room) Capacity() int {
	if r.MaxParticipants == nil || *r.MaxParticipants < 0 {
		return 0
	}
	return *r.MaxParticipants
}

// IsOwner reports whether userID created the room.
func (r *Room) IsOwner(userID string) bool {
	return userID != "" && r.TeacherID == userID
}

// CreateRoomRequest is the payload for creating a room.
type CreateRoomRequest struct {
	Title           string       `json:"title" binding:"required,min=3,max=255"`
	QuizID          string       `json:"quizId" binding:"required,uuid"`
	DurationMinutes int          `json:"durationMinutes" binding:"required,min=1,max=480"`
	MaxParticipants *int         `json:"maxParticipants" binding:"omitempty,min=0,max=1000"`
	Settings        RoomSettings `json:"settings"`
}

// UpdateRoomRequest changes a waiting room. Nil fields are left untouched.
type UpdateRoomRequest struct {
	Title           *string       `json:"title" binding:"omitempty,min=3,max=255"`
	DurationMinutes *int          `json:"durationMinutes" binding:"omitempty,min=1,max=480"`
	MaxParticipants *int          `json:"maxParticipants" binding:"omitempty,min=0,max=1000"`
	Settings        *RoomSettings `json:"settings"`
}

// ExamStatistics summarises a room once it has ended.
type ExamStatistics struct {
	TotalSubmissions int     `json:"totalSubmissions"`
	Submitted        int     `json:"submitted"`
	AutoSubmitted    int     `json:"autoSubmitted"`
	AverageScore     float64 `json:"averageScore"`
	HighestScore     float64 `json:"highestScore"`
	LowestScore      float64 `json:"lowestScore"`
}
