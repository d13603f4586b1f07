package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/repository"
)

// ViolationService counts anti-cheat signals while a student's
// submission is open. Counting never affects timing or status.
type ViolationService struct {
	rooms    RoomStore
	subs     SubmissionStore
	counters ViolationCounterStore
	clock    clockwork.Clock
	log      zerolog.Logger
}

// NewViolationService creates a new ViolationService.
func NewViolationService(rooms RoomStore, subs SubmissionStore, counters ViolationCounterStore, clk clockwork.Clock, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		rooms:    rooms,
		subs:     subs,
		counters: counters,
		clock:    clk,
		log:      logger.Component(log, "violation_service"),
	}
}

// ViolationResult is returned to the reporting connection only.
type ViolationResult struct {
	Type    model.ViolationType
	Count   int
	Counts  model.ViolationCounts
	Message string
}

// Record increments the student's counter for t.
func (s *ViolationService) Record(ctx context.Context, roomCode, studentID string, t model.ViolationType) (*ViolationResult, error) {
	if !t.Valid() {
		return nil, invalid("unknown violation type %q", t)
	}
	room, err := s.rooms.GetByCode(ctx, NormalizeCode(roomCode))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room")
		}
		return nil, infra("load room", err)
	}
	if room.Status != model.RoomStatusRunning {
		return nil, invalidState("room %s is %s", room.Code, room.Status)
	}
	sub, err := s.subs.GetByRoomAndStudent(ctx, room.ID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("submission")
		}
		return nil, infra("load submission", err)
	}
	if sub.Status.Terminal() {
		return nil, invalidState("submission already %s", sub.Status)
	}

	var until time.Time
	if room.EndTime != nil {
		until = *room.EndTime
	}
	counts, err := s.counters.IncrementViolation(ctx, room.ID.String(), studentID, t, until)
	if err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return nil, invalidState("violations are frozen")
		}
		return nil, infra("increment violation", err)
	}

	event := model.ViolationEvent{
		RoomID:     room.ID.String(),
		StudentID:  studentID,
		Type:       t,
		Count:      counts[t],
		OccurredAt: s.clock.Now().UTC(),
	}
	if err := s.counters.EnqueueViolation(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("room_code", room.Code).Str("student_id", studentID).Msg("Audit enqueue failed")
	}

	s.log.Info().
		Str("room_code", room.Code).
		Str("student_id", studentID).
		Str("type", string(t)).
		Int("count", counts[t]).
		Msg("Violation recorded")

	return &ViolationResult{
		Type:    t,
		Count:   counts[t],
		Counts:  counts,
		Message: fmt.Sprintf("Warning: %s detected (%d so far). Your teacher can see this.", t, counts[t]),
	}, nil
}
