package service

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/repository"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// Reasons a room ends, echoed in the exam-ended payload.
const (
	EndReasonTimeout = "timeout"
	EndReasonTeacher = "ended-by-teacher"
)

const (
	codeAttempts   = 5
	deadlineBudget = 30 * time.Second
)

// RoomDeps groups the collaborators of RoomService.
type RoomDeps struct {
	Rooms       RoomStore
	Bans        BanStore
	Quizzes     QuizStore
	Presence    PresenceStore
	Submissions *SubmissionService
	Hub         Broadcaster
	Clock       clockwork.Clock
	Log         zerolog.Logger
}

// RoomService drives room lifecycle waiting -> running -> ended, presence
// and the single deadline timer of every running room.
type RoomService struct {
	rooms       RoomStore
	bans        BanStore
	quizzes     QuizStore
	presence    PresenceStore
	submissions *SubmissionService
	hub         Broadcaster
	clock       clockwork.Clock
	deadlines   *DeadlineScheduler
	log         zerolog.Logger

	newCode func() string
}

// NewRoomService creates a RoomService and its deadline scheduler.
func NewRoomService(d RoomDeps) *RoomService {
	s := &RoomService{
		rooms:       d.Rooms,
		bans:        d.Bans,
		quizzes:     d.Quizzes,
		presence:    d.Presence,
		submissions: d.Submissions,
		hub:         d.Hub,
		clock:       d.Clock,
		log:         logger.Component(d.Log, "room_service"),
		newCode:     GenerateCode,
	}
	s.deadlines = NewDeadlineScheduler(d.Clock, s.onDeadline, d.Log)
	return s
}

// Deadlines exposes the scheduler for shutdown and inspection.
func (s *RoomService) Deadlines() *DeadlineScheduler { return s.deadlines }

func (s *RoomService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *RoomService) byCode(ctx context.Context, code string) (*model.Room, error) {
	room, err := s.rooms.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room")
		}
		return nil, infra("load room", err)
	}
	return room, nil
}

func (s *RoomService) byID(ctx context.Context, id uuid.UUID) (*model.Room, error) {
	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room")
		}
		return nil, infra("load room", err)
	}
	return room, nil
}

func (s *RoomService) owned(ctx context.Context, code, teacherID, action string) (*model.Room, error) {
	room, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.IsOwner(teacherID) {
		return nil, forbidden("only the room owner can %s", action)
	}
	return room, nil
}

// ─── CRUD ───────────────────────────────────────────────────────────

// Create opens a waiting room on one of the teacher's quizzes.
func (s *RoomService) Create(ctx context.Context, teacherID string, req model.CreateRoomRequest) (*model.Room, error) {
	quizID, err := uuid.Parse(req.QuizID)
	if err != nil {
		return nil, invalid("quizId is not a uuid")
	}
	quiz, err := s.quizzes.GetWithQuestions(ctx, quizID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("quiz")
		}
		return nil, infra("load quiz", err)
	}
	if quiz.TeacherID != "" && quiz.TeacherID != teacherID {
		return nil, forbidden("quiz belongs to another teacher")
	}
	if len(quiz.Questions) == 0 {
		return nil, invalid("quiz has no questions")
	}

	room := &model.Room{
		TeacherID:       teacherID,
		QuizID:          quizID,
		Title:           req.Title,
		DurationMinutes: req.DurationMinutes,
		MaxParticipants: req.MaxParticipants,
		Settings:        req.Settings,
	}
	for attempt := 0; attempt < codeAttempts; attempt++ {
		room.Code = s.newCode()
		err = s.rooms.Create(ctx, room)
		if err == nil {
			s.log.Info().Str("room_code", room.Code).Str("teacher_id", teacherID).Msg("Room created")
			return room, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, infra("create room", err)
		}
	}
	return nil, infra("create room", errors.New("could not allocate a unique code"))
}

// Get returns a room with its quiz header. Questions are served separately.
func (s *RoomService) Get(ctx context.Context, code string) (*model.Room, error) {
	room, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}
	quiz, err := s.quizzes.GetWithQuestions(ctx, room.QuizID)
	if err != nil {
		s.log.Warn().Err(err).Str("room_code", room.Code).Msg("Quiz lookup failed")
		return room, nil
	}
	header := *quiz
	header.Questions = nil
	room.Quiz = &header
	return room, nil
}

// Update edits a room that has not started yet.
func (s *RoomService) Update(ctx context.Context, code, teacherID string, req model.UpdateRoomRequest) (*model.Room, error) {
	room, err := s.owned(ctx, code, teacherID, "edit the room")
	if err != nil {
		return nil, err
	}
	if room.Status != model.RoomStatusWaiting {
		return nil, invalidState("room %s is %s", room.Code, room.Status)
	}
	if req.Title != nil {
		room.Title = *req.Title
	}
	if req.DurationMinutes != nil {
		room.DurationMinutes = *req.DurationMinutes
	}
	if req.MaxParticipants != nil {
		room.MaxParticipants = req.MaxParticipants
	}
	if req.Settings != nil {
		room.Settings = *req.Settings
	}

	updated, err := s.rooms.UpdateWaiting(ctx, room)
	if err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return nil, invalidState("room %s already started", room.Code)
		}
		return nil, infra("update room", err)
	}
	return updated, nil
}

// Delete removes a room that is not running.
func (s *RoomService) Delete(ctx context.Context, code, teacherID string) error {
	room, err := s.owned(ctx, code, teacherID, "delete the room")
	if err != nil {
		return err
	}
	if room.Status == model.RoomStatusRunning {
		return invalidState("room %s is running", room.Code)
	}
	if err := s.rooms.Delete(ctx, room.ID); err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return invalidState("room %s is running", room.Code)
		}
		return infra("delete room", err)
	}
	s.log.Info().Str("room_code", room.Code).Msg("Room deleted")
	return nil
}

// ─── Presence ───────────────────────────────────────────────────────

// JoinInput identifies a participant joining over one connection.
type JoinInput struct {
	RoomCode     string
	ConnectionID string
	UserID       string
	UserName     string
	Role         model.Role
}

// JoinResult is what the joining connection is told.
type JoinResult struct {
	Room       *model.Room         `json:"room"`
	Role       model.Role          `json:"role"`
	Submission *model.Submission   `json:"submission,omitempty"`
	Snapshot   *model.RoomSnapshot `json:"snapshot,omitempty"`
}

// Join admits a participant and announces the new roster.
func (s *RoomService) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	if !in.Role.Valid() {
		return nil, invalid("role must be teacher or student")
	}
	if in.UserID == "" {
		return nil, invalid("userId is required")
	}
	room, err := s.byCode(ctx, in.RoomCode)
	if err != nil {
		return nil, err
	}

	if in.Role == model.RoleTeacher && !room.IsOwner(in.UserID) {
		return nil, conflictf("room %s is owned by another teacher", room.Code)
	}
	banned, err := s.bans.IsBanned(ctx, room.ID, in.UserID)
	if err != nil {
		return nil, infra("check ban", err)
	}
	if banned {
		return nil, ErrBanned
	}

	if in.Role == model.RoleStudent {
		switch room.Status {
		case model.RoomStatusEnded:
			return nil, invalidState("room %s has ended", room.Code)
		case model.RoomStatusRunning:
			if !room.Settings.AllowLateJoin {
				if _, err := s.submissions.Find(ctx, room.ID, in.UserID); err != nil {
					if errors.Is(err, ErrNotFound) {
						return nil, invalidState("room %s does not accept late joiners", room.Code)
					}
					return nil, err
				}
			}
		}
	}

	capacity := 0
	if in.Role == model.RoleStudent {
		capacity = room.Capacity()
	}
	p := model.Participant{
		ConnectionID: in.ConnectionID,
		UserID:       in.UserID,
		UserName:     in.UserName,
		Role:         in.Role,
		JoinedAt:     s.now(),
	}
	replaced, err := s.presence.Join(ctx, room.ID.String(), p, capacity)
	if err != nil {
		if errors.Is(err, repository.ErrCapacityReached) {
			return nil, ErrCapacityExceeded
		}
		return nil, infra("register presence", err)
	}

	res := &JoinResult{Room: room, Role: in.Role}
	if in.Role == model.RoleStudent {
		sub, err := s.submissions.EnsureStarted(ctx, room, in.UserID, in.UserName)
		if err != nil {
			// A reconnect already held a seat; only a fresh entry is undone.
			if !replaced {
				if _, lerr := s.presence.Leave(ctx, room.ID.String(), in.Role, in.UserID, in.ConnectionID); lerr != nil {
					s.log.Warn().Err(lerr).Msg("Presence rollback failed")
				}
			}
			return nil, err
		}
		res.Submission = ForStudent(room, sub)
	}

	s.log.Info().
		Str("room_code", room.Code).
		Str("user_id", in.UserID).
		Str("role", string(in.Role)).
		Msg("Participant joined")

	res.Snapshot = s.announceRoster(ctx, room)
	return res, nil
}

// LeaveInput identifies the connection that went away.
type LeaveInput struct {
	RoomCode     string
	ConnectionID string
	UserID       string
	Role         model.Role
}

// Leave drops presence if it still belongs to the given connection. It
// never touches the submission.
func (s *RoomService) Leave(ctx context.Context, in LeaveInput) error {
	room, err := s.byCode(ctx, in.RoomCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	removed, err := s.presence.Leave(ctx, room.ID.String(), in.Role, in.UserID, in.ConnectionID)
	if err != nil {
		return infra("remove presence", err)
	}
	if removed {
		s.log.Info().Str("room_code", room.Code).Str("user_id", in.UserID).Msg("Participant left")
		s.announceRoster(ctx, room)
	}
	return nil
}

// Snapshot returns the room and its roster for re-synchronisation.
func (s *RoomService) Snapshot(ctx context.Context, code string) (*model.RoomSnapshot, error) {
	room, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, room)
}

func (s *RoomService) snapshot(ctx context.Context, room *model.Room) (*model.RoomSnapshot, error) {
	participants, err := s.presence.Participants(ctx, room.ID.String())
	if err != nil {
		return nil, infra("list participants", err)
	}
	if participants == nil {
		participants = []model.Participant{}
	}
	snap := &model.RoomSnapshot{Room: room, Participants: participants, TotalParticipants: len(participants)}
	for _, p := range participants {
		if p.Role == model.RoleStudent {
			snap.TotalStudents++
		}
	}
	return snap, nil
}

// announceRoster broadcasts room-update. Failures are logged only.
func (s *RoomService) announceRoster(ctx context.Context, room *model.Room) *model.RoomSnapshot {
	snap, err := s.snapshot(ctx, room)
	if err != nil {
		s.log.Warn().Err(err).Str("room_code", room.Code).Msg("Roster snapshot failed")
		return nil
	}
	s.hub.Publish(ctx, room.Code, ws.EventRoomUpdate, snap)
	return snap
}

// ─── Moderation ─────────────────────────────────────────────────────

// Kick removes a participant's presence and closes their connections.
// They may rejoin.
func (s *RoomService) Kick(ctx context.Context, code, teacherID, targetID string) error {
	room, err := s.owned(ctx, code, teacherID, "remove participants")
	if err != nil {
		return err
	}
	if targetID == "" || targetID == teacherID {
		return invalid("cannot remove yourself")
	}
	if _, err := s.presence.RemoveUser(ctx, room.ID.String(), targetID); err != nil {
		return infra("remove presence", err)
	}
	s.hub.PublishToUser(ctx, room.Code, targetID, ws.EventKicked,
		ws.RemovedPayload{Message: "You were removed from the room by the teacher."}, true)
	s.log.Info().Str("room_code", room.Code).Str("user_id", targetID).Msg("Participant kicked")
	s.announceRoster(ctx, room)
	return nil
}

// Ban is Kick plus a persisted ban that blocks future joins.
func (s *RoomService) Ban(ctx context.Context, code, teacherID, targetID, reason string) error {
	room, err := s.owned(ctx, code, teacherID, "ban participants")
	if err != nil {
		return err
	}
	if targetID == "" || targetID == teacherID {
		return invalid("cannot ban yourself")
	}
	if err := s.bans.Ban(ctx, room.ID, targetID, reason); err != nil {
		return infra("store ban", err)
	}
	if _, err := s.presence.RemoveUser(ctx, room.ID.String(), targetID); err != nil {
		return infra("remove presence", err)
	}
	s.hub.PublishToUser(ctx, room.Code, targetID, ws.EventBanned,
		ws.RemovedPayload{Message: "You were banned from the room.", Reason: reason}, true)
	s.log.Info().Str("room_code", room.Code).Str("user_id", targetID).Msg("Participant banned")
	s.announceRoster(ctx, room)
	return nil
}

// ─── Timing ─────────────────────────────────────────────────────────

// StartResult is the timing fixed at waiting -> running.
type StartResult struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Duration  int       `json:"duration"`
}

// Start runs the exam. Of concurrent starts exactly one succeeds; the
// others get ErrInvalidState.
func (s *RoomService) Start(ctx context.Context, code, teacherID string) (*StartResult, error) {
	room, err := s.owned(ctx, code, teacherID, "start the exam")
	if err != nil {
		return nil, err
	}
	if room.Status != model.RoomStatusWaiting {
		return nil, invalidState("room %s is %s", room.Code, room.Status)
	}

	start := s.now()
	end := start.Add(room.Duration())
	started, err := s.rooms.MarkRunning(ctx, room.ID, start, end)
	if err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return nil, invalidState("room %s already started", room.Code)
		}
		return nil, infra("start room", err)
	}

	s.mirror(ctx, started)
	s.deadlines.Schedule(started.ID, end)

	res := &StartResult{StartTime: start, EndTime: end, Duration: started.DurationMinutes}
	s.hub.Publish(ctx, started.Code, ws.EventExamStarted, ws.ExamStartedPayload{
		StartTime: res.StartTime,
		EndTime:   res.EndTime,
		Duration:  res.Duration,
	})
	s.log.Info().Str("room_code", started.Code).Time("end_time", end).Msg("Exam started")
	return res, nil
}

// EndResult reports the outcome of End. Ended is false for callers that
// found the room already ended.
type EndResult struct {
	Room          *model.Room           `json:"room"`
	Ended         bool                  `json:"ended"`
	AutoSubmitted int                   `json:"autoSubmitted"`
	Statistics    *model.ExamStatistics `json:"statistics"`
}

// End closes a running room. It is idempotent: the first caller performs
// the transition, auto-submits open submissions and broadcasts; later
// callers, including a late deadline timer, return with Ended false.
func (s *RoomService) End(ctx context.Context, roomID uuid.UUID, reason string) (*EndResult, error) {
	room, err := s.byID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch room.Status {
	case model.RoomStatusWaiting:
		return nil, invalidState("room %s has not started", room.Code)
	case model.RoomStatusEnded:
		return &EndResult{Room: room}, nil
	}

	ended, err := s.rooms.MarkEnded(ctx, room.ID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			current, gerr := s.byID(ctx, roomID)
			if gerr != nil {
				return nil, gerr
			}
			return &EndResult{Room: current}, nil
		}
		return nil, infra("end room", err)
	}

	s.deadlines.Cancel(ended.ID)
	s.mirror(ctx, ended)

	auto, err := s.submissions.AutoFinalizeRoom(ctx, ended.ID)
	if err != nil {
		s.log.Error().Err(err).Str("room_code", ended.Code).Msg("Auto-submit sweep failed")
	}
	stats, err := s.submissions.Statistics(ctx, ended.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("room_code", ended.Code).Msg("Statistics failed")
	}

	s.hub.Publish(ctx, ended.Code, ws.EventExamEnded, ws.ExamEndedPayload{
		Message:    "The exam has ended.",
		Reason:     reason,
		Statistics: stats,
	})
	s.log.Info().
		Str("room_code", ended.Code).
		Str("reason", reason).
		Int("auto_submitted", auto).
		Msg("Exam ended")

	return &EndResult{Room: ended, Ended: true, AutoSubmitted: auto, Statistics: stats}, nil
}

// EndByCode lets the owner end the exam early.
func (s *RoomService) EndByCode(ctx context.Context, code, teacherID string) (*EndResult, error) {
	room, err := s.owned(ctx, code, teacherID, "end the exam")
	if err != nil {
		return nil, err
	}
	return s.End(ctx, room.ID, EndReasonTeacher)
}

func (s *RoomService) onDeadline(roomID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), deadlineBudget)
	defer cancel()
	if _, err := s.End(ctx, roomID, EndReasonTimeout); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Deadline end failed, recovery will retry")
	}
}

// mirror copies the status into the shared store. The record store stays
// authoritative, so failures are logged only.
func (s *RoomService) mirror(ctx context.Context, room *model.Room) {
	if _, err := s.presence.MirrorStatus(ctx, room); err != nil {
		s.log.Warn().Err(err).Str("room_code", room.Code).Msg("Status mirror failed")
	}
}

// RecoveryReport counts what a recovery pass did.
type RecoveryReport struct {
	Ended       int
	Rescheduled int
	Swept       int
}

// Recover re-establishes timing after a restart: overdue running rooms
// are ended, the rest get their deadline re-armed, and ended rooms whose
// auto-submit did not finish are swept again.
func (s *RoomService) Recover(ctx context.Context) (*RecoveryReport, error) {
	running, err := s.rooms.ListRunning(ctx)
	if err != nil {
		return nil, infra("list running rooms", err)
	}

	report := &RecoveryReport{}
	now := s.clock.Now()
	for i := range running {
		room := &running[i]
		if room.EndTime == nil || !room.EndTime.After(now) {
			res, err := s.End(ctx, room.ID, EndReasonTimeout)
			if err != nil {
				s.log.Error().Err(err).Str("room_code", room.Code).Msg("Recovery end failed")
				continue
			}
			if res.Ended {
				report.Ended++
			}
			continue
		}
		if at, ok := s.deadlines.Deadline(room.ID); !ok || !at.Equal(*room.EndTime) {
			s.deadlines.Schedule(room.ID, *room.EndTime)
			report.Rescheduled++
		}
		s.mirror(ctx, room)
	}

	swept, err := s.submissions.SweepEndedRooms(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Recovery sweep failed")
	}
	report.Swept = swept
	return report, nil
}

// ─── Exam paper ─────────────────────────────────────────────────────

// Paper returns the questions without answer keys. Students only get it
// while the exam runs and after joining; with shuffling on, every student
// sees a stable order of their own.
func (s *RoomService) Paper(ctx context.Context, code, userID string, role model.Role) (*model.ExamPaper, error) {
	room, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}
	switch role {
	case model.RoleTeacher:
		if !room.IsOwner(userID) {
			return nil, forbidden("only the room owner can preview the paper")
		}
	default:
		if room.Status != model.RoomStatusRunning {
			return nil, invalidState("room %s is %s", room.Code, room.Status)
		}
		if _, err := s.submissions.Find(ctx, room.ID, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, forbidden("join the room first")
			}
			return nil, err
		}
	}

	quiz, err := s.submissions.quiz(ctx, room.QuizID)
	if err != nil {
		return nil, err
	}
	questions := make([]model.QuestionForStudent, 0, len(quiz.Questions))
	for _, q := range quiz.Questions {
		questions = append(questions, model.QuestionForStudent{
			ID:       q.ID,
			Position: q.Position,
			Type:     q.Type,
			Prompt:   q.Prompt,
			Options:  []byte(q.Options),
			Points:   q.Points,
		})
	}
	if role == model.RoleStudent && room.Settings.ShuffleQuestions {
		shuffleFor(questions, room.ID, userID)
	}

	paper := &model.ExamPaper{
		RoomCode:        room.Code,
		Title:           room.Title,
		DurationMinutes: room.DurationMinutes,
		Questions:       questions,
	}
	if room.EndTime != nil {
		paper.EndTime = room.EndTime.UTC().Format(time.RFC3339)
	}
	return paper, nil
}

func shuffleFor(questions []model.QuestionForStudent, roomID uuid.UUID, studentID string) {
	h := fnv.New64a()
	_, _ = h.Write(roomID[:])
	_, _ = h.Write([]byte(studentID))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed>>1|1))
	r.Shuffle(len(questions), func(i, j int) { questions[i], questions[j] = questions[j], questions[i] })
}
