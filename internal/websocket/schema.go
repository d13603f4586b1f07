package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exroom-backend/internal/model"
)

// Event names a frame on the room socket, in either direction.
type Event string

// ─── Client → Server ────────────────────────────────────────────────

const (
	EventJoinRoom        Event = "join-room"
	EventLeaveRoom       Event = "leave-room"
	EventStartExam       Event = "start-exam"
	EventEndExam         Event = "end-exam"
	EventSaveAnswer      Event = "save-answer"
	EventSubmitExam      Event = "submit-exam"
	EventExamViolation   Event = "exam-violation"
	EventKickParticipant Event = "kick-participant"
	EventBanParticipant  Event = "ban-participant"
	EventPing            Event = "ping"
)

// ─── Server → Client ────────────────────────────────────────────────

const (
	EventJoinedRoom       Event = "joined-room"
	EventRoomUpdate       Event = "room-update"
	EventExamStarted      Event = "exam-started"
	EventAnswerSaved      Event = "answer-saved"
	EventExamSubmitted    Event = "exam-submitted"
	EventStudentSubmitted Event = "student-submitted"
	EventViolationWarning Event = "violation-warning"
	EventExamEnded        Event = "exam-ended"
	EventKicked           Event = "kicked-from-room"
	EventBanned           Event = "banned-from-room"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

// Envelope is an inbound frame; Data is decoded once the event is known.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an outbound frame.
type Frame struct {
	Event Event `json:"event"`
	Data  any   `json:"data,omitempty"`
}

// RoomRef is the common part of every room-scoped request.
type RoomRef struct {
	RoomCode string `json:"roomCode"`
}

type JoinRoomRequest struct {
	RoomCode string     `json:"roomCode"`
	UserID   string     `json:"userId"`
	UserName string     `json:"userName"`
	Role     model.Role `json:"role"`
}

type StartExamRequest struct {
	RoomCode  string `json:"roomCode"`
	TeacherID string `json:"teacherId"`
}

type SaveAnswerRequest struct {
	RoomCode      string  `json:"roomCode"`
	QuestionID    string  `json:"questionId"`
	SelectedIndex *int    `json:"selectedIndex,omitempty"`
	TextAnswer    *string `json:"textAnswer,omitempty"`
}

type SubmitExamRequest struct {
	RoomCode  string              `json:"roomCode"`
	StudentID string              `json:"studentId"`
	Answers   []model.AnswerInput `json:"answers"`
}

type ViolationRequest struct {
	RoomCode  string              `json:"roomCode"`
	StudentID string              `json:"studentId"`
	Type      model.ViolationType `json:"type"`
	// Timestamp is the client clock in unix milliseconds, informational only.
	Timestamp int64 `json:"timestamp"`
}

type KickRequest struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

type BanRequest struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Reason   string `json:"reason"`
}

// ─── Payloads ───────────────────────────────────────────────────────

type JoinedRoomPayload struct {
	Room       *model.Room         `json:"room"`
	Role       model.Role          `json:"role"`
	Submission *model.Submission   `json:"submission,omitempty"`
	Snapshot   *model.RoomSnapshot `json:"snapshot,omitempty"`
}

type ExamStartedPayload struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	// Duration is in minutes.
	Duration int `json:"duration"`
}

type AnswerSavedPayload struct {
	QuestionID string `json:"questionId"`
}

type ExamSubmittedPayload struct {
	Submission *model.Submission `json:"submission"`
}

type StudentSubmittedPayload struct {
	StudentID   string                 `json:"studentId"`
	StudentName string                 `json:"studentName"`
	Status      model.SubmissionStatus `json:"status"`
	SubmittedAt time.Time              `json:"submittedAt"`
}

type ViolationWarningPayload struct {
	Type    model.ViolationType   `json:"type"`
	Count   int                   `json:"count"`
	Counts  model.ViolationCounts `json:"counts"`
	Message string                `json:"message"`
}

type ExamEndedPayload struct {
	Message    string                `json:"message"`
	Reason     string                `json:"reason"`
	Statistics *model.ExamStatistics `json:"statistics,omitempty"`
}

type RemovedPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
