package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/repository"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// SubmissionService owns the per-student state machine
// in-progress -> submitted | auto-submitted. The guarded write in
// SubmissionStore.Finalize decides which finalize call wins.
type SubmissionService struct {
	subs     SubmissionStore
	rooms    RoomStore
	quizzes  QuizStore
	counters ViolationCounterStore
	hub      Broadcaster
	clock    clockwork.Clock
	log      zerolog.Logger

	// quizCache holds catalog entries, which are immutable once a room exists.
	quizCache sync.Map
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(
	subs SubmissionStore,
	rooms RoomStore,
	quizzes QuizStore,
	counters ViolationCounterStore,
	hub Broadcaster,
	clk clockwork.Clock,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		subs:     subs,
		rooms:    rooms,
		quizzes:  quizzes,
		counters: counters,
		hub:      hub,
		clock:    clk,
		log:      logger.Component(log, "submission_service"),
	}
}

// FinalizeResult carries the stored submission. Finalized is true only for
// the call that performed the transition.
type FinalizeResult struct {
	Submission *model.Submission
	Finalized  bool
}

func (s *SubmissionService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *SubmissionService) quiz(ctx context.Context, id uuid.UUID) (*model.Quiz, error) {
	if q, ok := s.quizCache.Load(id); ok {
		return q.(*model.Quiz), nil
	}
	q, err := s.quizzes.GetWithQuestions(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("quiz")
		}
		return nil, infra("load quiz", err)
	}
	s.quizCache.Store(id, q)
	return q, nil
}

func (s *SubmissionService) byID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("submission")
		}
		return nil, infra("load submission", err)
	}
	return sub, nil
}

func (s *SubmissionService) byRoomAndStudent(ctx context.Context, roomID uuid.UUID, studentID string) (*model.Submission, error) {
	sub, err := s.subs.GetByRoomAndStudent(ctx, roomID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("submission")
		}
		return nil, infra("load submission", err)
	}
	return sub, nil
}

func (s *SubmissionService) roomByCode(ctx context.Context, code string) (*model.Room, error) {
	room, err := s.rooms.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room")
		}
		return nil, infra("load room", err)
	}
	return room, nil
}

// Find returns the student's submission in a room, or ErrNotFound.
func (s *SubmissionService) Find(ctx context.Context, roomID uuid.UUID, studentID string) (*model.Submission, error) {
	return s.byRoomAndStudent(ctx, roomID, studentID)
}

// EnsureStarted returns the student's submission, creating it on first
// join. Concurrent calls for the same student converge on one row.
func (s *SubmissionService) EnsureStarted(ctx context.Context, room *model.Room, studentID, studentName string) (*model.Submission, error) {
	if room.Status == model.RoomStatusEnded {
		return nil, invalidState("room %s has ended", room.Code)
	}
	sub, created, err := s.subs.CreateIfAbsent(ctx, &model.Submission{
		RoomID:      room.ID,
		StudentID:   studentID,
		StudentName: studentName,
		QuizID:      room.QuizID,
		Status:      model.SubmissionInProgress,
		StartedAt:   s.now(),
	})
	if err != nil {
		return nil, infra("create submission", err)
	}
	if created {
		s.log.Info().Str("room_code", room.Code).Str("student_id", studentID).Msg("Submission started")
	}
	return sub, nil
}

// RecordAnswer stores one answer on an in-progress submission, replacing
// any previous answer to the same question.
func (s *SubmissionService) RecordAnswer(ctx context.Context, submissionID uuid.UUID, in model.AnswerInput) (*model.Answer, error) {
	sub, err := s.byID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, invalidState("submission already %s", sub.Status)
	}
	quiz, err := s.quiz(ctx, sub.QuizID)
	if err != nil {
		return nil, err
	}
	answer, err := buildAnswer(quiz, in, s.now())
	if err != nil {
		return nil, err
	}

	switch err := s.subs.SaveAnswer(ctx, submissionID, answer); {
	case err == nil:
		return &answer, nil
	case errors.Is(err, repository.ErrStateChanged):
		return nil, invalidState("submission already finalized")
	case errors.Is(err, repository.ErrNotFound):
		return nil, notFound("submission")
	default:
		return nil, infra("save answer", err)
	}
}

// RecordAnswerInRoom resolves the student's submission in a running room
// and records the answer.
func (s *SubmissionService) RecordAnswerInRoom(ctx context.Context, roomCode, studentID string, in model.AnswerInput) (*model.Answer, error) {
	room, err := s.roomByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if room.Status != model.RoomStatusRunning {
		return nil, invalidState("room %s is %s", room.Code, room.Status)
	}
	sub, err := s.byRoomAndStudent(ctx, room.ID, studentID)
	if err != nil {
		return nil, err
	}
	return s.RecordAnswer(ctx, sub.ID, in)
}

// Finalize grades and closes a submission. Only the first caller performs
// the transition and the broadcast; every later caller, explicit or
// automatic, gets the stored result with Finalized false.
func (s *SubmissionService) Finalize(ctx context.Context, submissionID uuid.UUID, answers []model.AnswerInput, mode model.FinalizeMode) (*FinalizeResult, error) {
	sub, err := s.byID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return &FinalizeResult{Submission: sub}, nil
	}

	room, err := s.rooms.GetByID(ctx, sub.RoomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room")
		}
		return nil, infra("load room", err)
	}
	quiz, err := s.quiz(ctx, sub.QuizID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	incoming := make([]model.Answer, 0, len(answers))
	for _, in := range answers {
		a, err := buildAnswer(quiz, in, now)
		if err != nil {
			return nil, err
		}
		incoming = append(incoming, a)
	}

	roomID := sub.RoomID.String()
	violations, err := s.counters.FreezeViolations(ctx, roomID, sub.StudentID)
	if err != nil {
		// Counters are advisory; a store outage must not block submission.
		s.log.Warn().Err(err).Str("submission_id", sub.ID.String()).Msg("Freeze violations failed, keeping stored counts")
		violations = sub.Violations
	}

	graded := Grade(quiz, mergeAnswers(sub.Answers, incoming))
	spent := timeSpent(sub.StartedAt, room.StartTime, now)

	final := *sub
	final.Answers = graded.Answers
	final.Score = graded.Score
	final.MaxScore = graded.MaxScore
	final.Percentage = graded.Percentage
	final.Status = mode.Status()
	final.SubmittedAt = &now
	final.TimeSpentSeconds = &spent
	final.Violations = violations

	won, err := s.subs.Finalize(ctx, &final)
	if err != nil {
		if uerr := s.counters.UnfreezeViolations(ctx, roomID, sub.StudentID); uerr != nil {
			s.log.Warn().Err(uerr).Msg("Unfreeze violations failed")
		}
		return nil, infra("finalize submission", err)
	}
	if !won {
		stored, err := s.byID(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		return &FinalizeResult{Submission: stored}, nil
	}

	s.log.Info().
		Str("room_code", room.Code).
		Str("student_id", sub.StudentID).
		Str("status", string(final.Status)).
		Float64("score", final.Score).
		Msg("Submission finalized")

	s.hub.Publish(ctx, room.Code, ws.EventStudentSubmitted, ws.StudentSubmittedPayload{
		StudentID:   final.StudentID,
		StudentName: final.StudentName,
		Status:      final.Status,
		SubmittedAt: now,
	}, final.StudentID)
	s.hub.PublishToUser(ctx, room.Code, final.StudentID, ws.EventExamSubmitted,
		ws.ExamSubmittedPayload{Submission: ForStudent(room, &final)}, false)

	return &FinalizeResult{Submission: &final, Finalized: true}, nil
}

// FinalizeInRoom finalizes the caller's submission in a room and returns
// the student's view of it. Once the room has ended the submission can
// only close as auto-submitted.
func (s *SubmissionService) FinalizeInRoom(ctx context.Context, roomCode, studentID string, answers []model.AnswerInput) (*FinalizeResult, error) {
	room, err := s.roomByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if room.Status == model.RoomStatusWaiting {
		return nil, invalidState("exam in room %s has not started", room.Code)
	}
	sub, err := s.byRoomAndStudent(ctx, room.ID, studentID)
	if err != nil {
		return nil, err
	}
	mode := model.FinalizeExplicit
	if room.Status == model.RoomStatusEnded {
		mode, answers = model.FinalizeAuto, nil
	}
	res, err := s.Finalize(ctx, sub.ID, answers, mode)
	if err != nil {
		return nil, err
	}
	res.Submission = ForStudent(room, res.Submission)
	return res, nil
}

// AutoFinalizeRoom closes every in-progress submission of a room.
// Failures are logged and counted; the rest still proceed.
func (s *SubmissionService) AutoFinalizeRoom(ctx context.Context, roomID uuid.UUID) (int, error) {
	open, err := s.subs.ListInProgress(ctx, roomID)
	if err != nil {
		return 0, infra("list in-progress submissions", err)
	}
	finalized := 0
	for _, sub := range open {
		res, err := s.Finalize(ctx, sub.ID, nil, model.FinalizeAuto)
		if err != nil {
			s.log.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("Auto-submit failed")
			continue
		}
		if res.Finalized {
			finalized++
		}
	}
	return finalized, nil
}

// SweepEndedRooms auto-submits what an interrupted End left open. It
// returns the number of submissions it finalized.
func (s *SubmissionService) SweepEndedRooms(ctx context.Context) (int, error) {
	rooms, err := s.subs.ListEndedRoomsWithOpen(ctx)
	if err != nil {
		return 0, infra("list ended rooms with open submissions", err)
	}
	swept := 0
	for _, roomID := range rooms {
		n, err := s.AutoFinalizeRoom(ctx, roomID)
		if err != nil {
			s.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Sweep of ended room failed")
			continue
		}
		swept += n
	}
	return swept, nil
}

// Statistics summarises a room's finalized submissions.
func (s *SubmissionService) Statistics(ctx context.Context, roomID uuid.UUID) (*model.ExamStatistics, error) {
	subs, err := s.subs.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, infra("list submissions", err)
	}
	stats := Statistics(subs)
	return &stats, nil
}

// GetForStudent returns the caller's own submission, with results hidden
// unless the room shows them.
func (s *SubmissionService) GetForStudent(ctx context.Context, roomCode, studentID string) (*model.Submission, error) {
	room, err := s.roomByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	sub, err := s.byRoomAndStudent(ctx, room.ID, studentID)
	if err != nil {
		return nil, err
	}
	return ForStudent(room, sub), nil
}

// ListForRoom returns all submissions of a room to its owner.
func (s *SubmissionService) ListForRoom(ctx context.Context, roomCode, teacherID string) ([]model.Submission, error) {
	room, err := s.roomByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if !room.IsOwner(teacherID) {
		return nil, forbidden("only the room owner can list submissions")
	}
	subs, err := s.subs.ListByRoom(ctx, room.ID)
	if err != nil {
		return nil, infra("list submissions", err)
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	return subs, nil
}

// ForStudent applies the room's result visibility to a submission.
func ForStudent(room *model.Room, sub *model.Submission) *model.Submission {
	if room.Settings.ShowResults {
		return sub
	}
	return sub.Redacted()
}
