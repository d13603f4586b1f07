package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exroom-backend/internal/model"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// RoomStore is the persistent room record. MarkRunning and MarkEnded are
// compare-and-swap transitions returning repository.ErrStateChanged to losers.
type RoomStore interface {
	Create(ctx context.Context, room *model.Room) error
	GetByCode(ctx context.Context, code string) (*model.Room, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Room, error)
	UpdateWaiting(ctx context.Context, room *model.Room) (*model.Room, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MarkRunning(ctx context.Context, id uuid.UUID, start, end time.Time) (*model.Room, error)
	MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) (*model.Room, error)
	ListRunning(ctx context.Context) ([]model.Room, error)
}

// SubmissionStore is the persistent submission record. Finalize reports
// false when the row had already left in-progress.
type SubmissionStore interface {
	CreateIfAbsent(ctx context.Context, s *model.Submission) (*model.Submission, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	GetByRoomAndStudent(ctx context.Context, roomID uuid.UUID, studentID string) (*model.Submission, error)
	SaveAnswer(ctx context.Context, id uuid.UUID, a model.Answer) error
	Finalize(ctx context.Context, s *model.Submission) (bool, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]model.Submission, error)
	ListInProgress(ctx context.Context, roomID uuid.UUID) ([]model.Submission, error)
	// ListEndedRoomsWithOpen returns ended rooms that still hold
	// in-progress submissions, left behind by an interrupted end.
	ListEndedRoomsWithOpen(ctx context.Context) ([]uuid.UUID, error)
}

type BanStore interface {
	Ban(ctx context.Context, roomID uuid.UUID, userID, reason string) error
	IsBanned(ctx context.Context, roomID uuid.UUID, userID string) (bool, error)
}

type QuizStore interface {
	GetWithQuestions(ctx context.Context, id uuid.UUID) (*model.Quiz, error)
}

// PresenceStore is the shared, TTL-bound view of who is in a room.
type PresenceStore interface {
	Join(ctx context.Context, roomID string, p model.Participant, capacity int) (bool, error)
	Leave(ctx context.Context, roomID string, role model.Role, userID, connectionID string) (bool, error)
	RemoveUser(ctx context.Context, roomID, userID string) (bool, error)
	Participants(ctx context.Context, roomID string) ([]model.Participant, error)
	MirrorStatus(ctx context.Context, room *model.Room) (bool, error)
}

// ViolationCounterStore holds live violation tallies and the audit queue.
type ViolationCounterStore interface {
	IncrementViolation(ctx context.Context, roomID, studentID string, t model.ViolationType, until time.Time) (model.ViolationCounts, error)
	FreezeViolations(ctx context.Context, roomID, studentID string) (model.ViolationCounts, error)
	UnfreezeViolations(ctx context.Context, roomID, studentID string) error
	EnqueueViolation(ctx context.Context, e model.ViolationEvent) error
}

// Broadcaster fans frames out to room members. It never fails the caller.
type Broadcaster interface {
	Publish(ctx context.Context, room string, event ws.Event, data any, excludeUsers ...string)
	PublishToUser(ctx context.Context, room, userID string, event ws.Event, data any, disconnect bool)
}
