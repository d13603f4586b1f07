package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/repository"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// In-memory stores honouring the same guarded-write contracts as the
// Postgres and Redis repositories.

type memRooms struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]model.Room
	fail  error
}

func newMemRooms() *memRooms { return &memRooms{rooms: make(map[uuid.UUID]model.Room)} }

func (m *memRooms) Create(_ context.Context, room *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.Code == room.Code {
			return repository.ErrDuplicate
		}
	}
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	room.Status = model.RoomStatusWaiting
	m.rooms[room.ID] = *room
	return nil
}

func (m *memRooms) GetByCode(_ context.Context, code string) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	for _, r := range m.rooms {
		if r.Code == code {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRooms) GetByID(_ context.Context, id uuid.UUID) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (m *memRooms) UpdateWaiting(_ context.Context, room *model.Room) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rooms[room.ID]
	if !ok || cur.Status != model.RoomStatusWaiting {
		return nil, repository.ErrStateChanged
	}
	m.rooms[room.ID] = *room
	out := *room
	return &out, nil
}

func (m *memRooms) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rooms[id]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status == model.RoomStatusRunning {
		return repository.ErrStateChanged
	}
	delete(m.rooms, id)
	return nil
}

func (m *memRooms) MarkRunning(_ context.Context, id uuid.UUID, start, end time.Time) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rooms[id]
	if !ok || cur.Status != model.RoomStatusWaiting {
		return nil, repository.ErrStateChanged
	}
	cur.Status = model.RoomStatusRunning
	cur.StartTime, cur.EndTime = &start, &end
	m.rooms[id] = cur
	return &cur, nil
}

func (m *memRooms) MarkEnded(_ context.Context, id uuid.UUID, _ time.Time) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rooms[id]
	if !ok || cur.Status != model.RoomStatusRunning {
		return nil, repository.ErrStateChanged
	}
	cur.Status = model.RoomStatusEnded
	m.rooms[id] = cur
	return &cur, nil
}

func (m *memRooms) ListRunning(_ context.Context) ([]model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Room
	for _, r := range m.rooms {
		if r.Status == model.RoomStatusRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

// put stores a room as-is, bypassing Create.
func (m *memRooms) put(r model.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r
}

type memSubs struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]model.Submission
	rooms      *memRooms
	finalizes  int
	failWrite  error
	failCreate error
}

func newMemSubs() *memSubs { return &memSubs{subs: make(map[uuid.UUID]model.Submission)} }

func cloneSub(s model.Submission) *model.Submission {
	s.Answers = append([]model.Answer(nil), s.Answers...)
	if s.Violations != nil {
		v := make(model.ViolationCounts, len(s.Violations))
		for k, n := range s.Violations {
			v[k] = n
		}
		s.Violations = v
	}
	return &s
}

func (m *memSubs) CreateIfAbsent(_ context.Context, s *model.Submission) (*model.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return nil, false, m.failCreate
	}
	for _, cur := range m.subs {
		if cur.RoomID == s.RoomID && cur.StudentID == s.StudentID {
			return cloneSub(cur), false, nil
		}
	}
	s.ID = uuid.New()
	m.subs[s.ID] = *cloneSub(*s)
	return cloneSub(*s), true, nil
}

func (m *memSubs) GetByID(_ context.Context, id uuid.UUID) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSub(s), nil
}

func (m *memSubs) GetByRoomAndStudent(_ context.Context, roomID uuid.UUID, studentID string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.RoomID == roomID && s.StudentID == studentID {
			return cloneSub(s), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memSubs) SaveAnswer(_ context.Context, id uuid.UUID, a model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != model.SubmissionInProgress {
		return repository.ErrStateChanged
	}
	s.Answers = mergeAnswers(s.Answers, []model.Answer{a})
	m.subs[id] = s
	return nil
}

func (m *memSubs) Finalize(_ context.Context, s *model.Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return false, m.failWrite
	}
	cur, ok := m.subs[s.ID]
	if !ok || cur.Status != model.SubmissionInProgress {
		return false, nil
	}
	m.subs[s.ID] = *cloneSub(*s)
	m.finalizes++
	return true, nil
}

func (m *memSubs) ListByRoom(_ context.Context, roomID uuid.UUID) ([]model.Submission, error) {
	return m.list(roomID, nil), nil
}

func (m *memSubs) ListInProgress(_ context.Context, roomID uuid.UUID) ([]model.Submission, error) {
	st := model.SubmissionInProgress
	return m.list(roomID, &st), nil
}

func (m *memSubs) ListEndedRoomsWithOpen(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	open := make(map[uuid.UUID]bool)
	for _, s := range m.subs {
		if s.Status == model.SubmissionInProgress {
			open[s.RoomID] = true
		}
	}
	m.mu.Unlock()

	var out []uuid.UUID
	for id := range open {
		if r, err := m.rooms.GetByID(context.Background(), id); err == nil && r.Status == model.RoomStatusEnded {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memSubs) setFailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = err
}

func (m *memSubs) setFailWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = err
}

func (m *memSubs) list(roomID uuid.UUID, status *model.SubmissionStatus) []model.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Submission
	for _, s := range m.subs {
		if s.RoomID == roomID && (status == nil || s.Status == *status) {
			out = append(out, *cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

func (m *memSubs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type memBans struct {
	mu   sync.Mutex
	bans map[string]string
}

func newMemBans() *memBans { return &memBans{bans: make(map[string]string)} }

func (m *memBans) Ban(_ context.Context, roomID uuid.UUID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[roomID.String()+"/"+userID] = reason
	return nil
}

func (m *memBans) IsBanned(_ context.Context, roomID uuid.UUID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[roomID.String()+"/"+userID]
	return ok, nil
}

type memQuizzes struct {
	quizzes map[uuid.UUID]*model.Quiz
}

func (m *memQuizzes) GetWithQuestions(_ context.Context, id uuid.UUID) (*model.Quiz, error) {
	q, ok := m.quizzes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return q, nil
}

type memPresence struct {
	mu      sync.Mutex
	members map[string]map[string]model.Participant
	status  map[string]model.RoomStatus
}

func newMemPresence() *memPresence {
	return &memPresence{
		members: make(map[string]map[string]model.Participant),
		status:  make(map[string]model.RoomStatus),
	}
}

func (m *memPresence) Join(_ context.Context, roomID string, p model.Participant, capacity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.members[roomID]
	if room == nil {
		room = make(map[string]model.Participant)
		m.members[roomID] = room
	}
	_, existed := room[p.UserID]
	if !existed && p.Role == model.RoleStudent && capacity > 0 {
		students := 0
		for _, cur := range room {
			if cur.Role == model.RoleStudent {
				students++
			}
		}
		if students >= capacity {
			return false, repository.ErrCapacityReached
		}
	}
	room[p.UserID] = p
	return existed, nil
}

func (m *memPresence) Leave(_ context.Context, roomID string, _ model.Role, userID, connectionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.members[roomID][userID]
	if !ok || cur.ConnectionID != connectionID {
		return false, nil
	}
	delete(m.members[roomID], userID)
	return true, nil
}

func (m *memPresence) RemoveUser(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[roomID][userID]
	delete(m.members[roomID], userID)
	return ok, nil
}

func (m *memPresence) Participants(_ context.Context, roomID string) ([]model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Participant, 0, len(m.members[roomID]))
	for _, p := range m.members[roomID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memPresence) MirrorStatus(_ context.Context, room *model.Room) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[room.ID.String()] = room.Status
	return true, nil
}

func (m *memPresence) has(roomID uuid.UUID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[roomID.String()][userID]
	return ok
}

type memCounters struct {
	mu     sync.Mutex
	counts map[string]model.ViolationCounts
	frozen map[string]bool
	events []model.ViolationEvent
}

func newMemCounters() *memCounters {
	return &memCounters{counts: make(map[string]model.ViolationCounts), frozen: make(map[string]bool)}
}

func (m *memCounters) IncrementViolation(_ context.Context, roomID, studentID string, t model.ViolationType, _ time.Time) (model.ViolationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomID + "/" + studentID
	if m.frozen[key] {
		return nil, repository.ErrStateChanged
	}
	c := m.counts[key]
	if c == nil {
		c = make(model.ViolationCounts)
		m.counts[key] = c
	}
	c[t]++
	out := make(model.ViolationCounts, len(c))
	for k, n := range c {
		out[k] = n
	}
	return out, nil
}

func (m *memCounters) FreezeViolations(_ context.Context, roomID, studentID string) (model.ViolationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomID + "/" + studentID
	m.frozen[key] = true
	out := make(model.ViolationCounts)
	for k, n := range m.counts[key] {
		out[k] = n
	}
	return out, nil
}

func (m *memCounters) UnfreezeViolations(_ context.Context, roomID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frozen, roomID+"/"+studentID)
	return nil
}

func (m *memCounters) EnqueueViolation(_ context.Context, e model.ViolationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// recordingHub captures every frame the services publish.
type recordingHub struct {
	mu     sync.Mutex
	frames []published
}

type published struct {
	Room       string
	User       string
	Event      ws.Event
	Data       any
	Exclude    []string
	Disconnect bool
}

func (h *recordingHub) Publish(_ context.Context, room string, event ws.Event, data any, excludeUsers ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, published{Room: room, Event: event, Data: data, Exclude: excludeUsers})
}

func (h *recordingHub) PublishToUser(_ context.Context, room, userID string, event ws.Event, data any, disconnect bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, published{Room: room, User: userID, Event: event, Data: data, Disconnect: disconnect})
}

func (h *recordingHub) events(event ws.Event) []published {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []published
	for _, f := range h.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// ─── Fixture ────────────────────────────────────────────────────────

const teacherID = "teacher-1"

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock      *clockwork.FakeClock
	rooms      *memRooms
	subs       *memSubs
	bans       *memBans
	presence   *memPresence
	counters   *memCounters
	hub        *recordingHub
	quiz       *model.Quiz
	submission *SubmissionService
	room       *RoomService
	violations *ViolationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clockwork.NewFakeClockAt(t0),
		rooms:    newMemRooms(),
		subs:     newMemSubs(),
		bans:     newMemBans(),
		presence: newMemPresence(),
		counters: newMemCounters(),
		hub:      &recordingHub{},
		quiz:     sampleQuiz(),
	}
	f.subs.rooms = f.rooms
	quizzes := &memQuizzes{quizzes: map[uuid.UUID]*model.Quiz{f.quiz.ID: f.quiz}}
	log := zerolog.Nop()

	f.submission = NewSubmissionService(f.subs, f.rooms, quizzes, f.counters, f.hub, f.clock, log)
	f.room = NewRoomService(RoomDeps{
		Rooms:       f.rooms,
		Bans:        f.bans,
		Quizzes:     quizzes,
		Presence:    f.presence,
		Submissions: f.submission,
		Hub:         f.hub,
		Clock:       f.clock,
		Log:         log,
	})
	f.violations = NewViolationService(f.rooms, f.subs, f.counters, f.clock, log)
	t.Cleanup(f.room.Deadlines().Stop)
	return f
}

func intPtr(n int) *int { return &n }

func sampleQuiz() *model.Quiz {
	quizID := uuid.New()
	opts, _ := json.Marshal([]string{"A", "B", "C", "D"})
	return &model.Quiz{
		ID:        quizID,
		Title:     "Physics",
		TeacherID: teacherID,
		Questions: []model.Question{
			{ID: uuid.New(), QuizID: quizID, Position: 1, Type: model.QuestionMultipleChoice, Prompt: "q1", Options: opts, CorrectIndex: intPtr(1), Points: 10},
			{ID: uuid.New(), QuizID: quizID, Position: 2, Type: model.QuestionMultipleChoice, Prompt: "q2", Options: opts, CorrectIndex: intPtr(2), Points: 10},
			{ID: uuid.New(), QuizID: quizID, Position: 3, Type: model.QuestionEssay, Prompt: "q3", Points: 5},
		},
	}
}

// createRoom creates a waiting room through the service.
func (f *fixture) createRoom(t *testing.T, duration int, maxParticipants *int, settings model.RoomSettings) *model.Room {
	t.Helper()
	room, err := f.room.Create(context.Background(), teacherID, model.CreateRoomRequest{
		Title:           "Midterm",
		QuizID:          f.quiz.ID.String(),
		DurationMinutes: duration,
		MaxParticipants: maxParticipants,
		Settings:        settings,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func (f *fixture) joinStudent(t *testing.T, room *model.Room, id string) *JoinResult {
	t.Helper()
	res, err := f.room.Join(context.Background(), JoinInput{
		RoomCode:     room.Code,
		ConnectionID: "conn-" + id,
		UserID:       id,
		UserName:     "Student " + id,
		Role:         model.RoleStudent,
	})
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return res
}

func (f *fixture) start(t *testing.T, room *model.Room) *StartResult {
	t.Helper()
	res, err := f.room.Start(context.Background(), room.Code, teacherID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res
}

// advance moves the clock and waits until every room in ended has
// broadcast exam-ended. Deadline callbacks run on their own goroutine.
func (f *fixture) advance(t *testing.T, d time.Duration, ended ...*model.Room) {
	t.Helper()
	f.clock.Advance(d)
	for _, room := range ended {
		f.awaitEnded(t, room)
	}
}

func (f *fixture) awaitEnded(t *testing.T, room *model.Room) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, fr := range f.hub.events(ws.EventExamEnded) {
			if fr.Room == room.Code {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("room %s never ended", room.Code)
}

func (f *fixture) roomState(t *testing.T, id uuid.UUID) *model.Room {
	t.Helper()
	r, err := f.rooms.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return r
}

func (f *fixture) submissionOf(t *testing.T, room *model.Room, studentID string) *model.Submission {
	t.Helper()
	s, err := f.subs.GetByRoomAndStudent(context.Background(), room.ID, studentID)
	if err != nil {
		t.Fatalf("submission of %s: %v", studentID, err)
	}
	return s
}

func answerFor(q model.Question, idx int) model.AnswerInput {
	return model.AnswerInput{QuestionID: q.ID.String(), SelectedIndex: intPtr(idx)}
}

func essayFor(q model.Question, text string) model.AnswerInput {
	return model.AnswerInput{QuestionID: q.ID.String(), TextAnswer: &text}
}

var errBoom = fmt.Errorf("connection refused")
