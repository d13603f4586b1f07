package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/service"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

type stubRooms struct {
	mu      sync.Mutex
	joinErr error
	joins   []service.JoinInput
	leaves  chan service.LeaveInput
	started []string
}

func (s *stubRooms) Join(_ context.Context, in service.JoinInput) (*service.JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	s.joins = append(s.joins, in)
	return &service.JoinResult{Room: &model.Room{Code: in.RoomCode, Status: model.RoomStatusWaiting}, Role: in.Role}, nil
}

func (s *stubRooms) Leave(_ context.Context, in service.LeaveInput) error {
	s.leaves <- in
	return nil
}

func (s *stubRooms) Start(_ context.Context, code, teacherID string) (*service.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.started) > 0 {
		return nil, fmt.Errorf("%w: room %s is running", service.ErrInvalidState, code)
	}
	s.started = append(s.started, teacherID)
	now := time.Now().UTC()
	return &service.StartResult{StartTime: now, EndTime: now.Add(time.Minute), Duration: 1}, nil
}

func (s *stubRooms) EndByCode(context.Context, string, string) (*service.EndResult, error) {
	return &service.EndResult{Ended: false}, nil
}

func (s *stubRooms) Kick(context.Context, string, string, string) error { return nil }

func (s *stubRooms) Ban(context.Context, string, string, string, string) error { return nil }

type stubSubmissions struct {
	finalized bool
}

func (s *stubSubmissions) RecordAnswerInRoom(_ context.Context, _, _ string, in model.AnswerInput) (*model.Answer, error) {
	id, err := uuid.Parse(in.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad question id", service.ErrValidation)
	}
	return &model.Answer{QuestionID: id}, nil
}

func (s *stubSubmissions) FinalizeInRoom(_ context.Context, _, studentID string, _ []model.AnswerInput) (*service.FinalizeResult, error) {
	return &service.FinalizeResult{
		Submission: &model.Submission{StudentID: studentID, Status: model.SubmissionSubmitted},
		Finalized:  s.finalized,
	}, nil
}

type stubViolations struct{}

func (stubViolations) Record(_ context.Context, _, _ string, t model.ViolationType) (*service.ViolationResult, error) {
	return &service.ViolationResult{Type: t, Count: 1, Counts: model.ViolationCounts{t: 1}}, nil
}

type noLimit struct{}

func (noLimit) Allow(string) bool { return true }
func (noLimit) Forget(string)     {}

type rig struct {
	rooms *stubRooms
	subs  *stubSubmissions
	hub   *ws.Hub
	url   string
}

func newRig(t *testing.T, limiter Limiter) *rig {
	t.Helper()
	r := &rig{
		rooms: &stubRooms{leaves: make(chan service.LeaveInput, 4)},
		subs:  &stubSubmissions{},
		hub:   ws.NewHub(nil, "test", zerolog.Nop()),
	}
	d := NewDispatcher(time.Second, 0, zerolog.Nop())
	t.Cleanup(d.Close)
	g := New(Deps{
		Rooms:       r.rooms,
		Submissions: r.subs,
		Violations:  stubViolations{},
		Members:     r.hub,
		Dispatcher:  d,
		Limiter:     limiter,
		Log:         zerolog.Nop(),
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		q := req.URL.Query()
		c := ws.NewClient(conn, uuid.NewString(), q.Get("user"), "Name", model.Role(q.Get("role")), zerolog.Nop())
		go c.WritePump()
		defer g.Detach(c)
		defer c.Close()
		for {
			env, err := ws.ReadEnvelope(conn)
			if errors.Is(err, ws.ErrMalformedFrame) {
				continue
			}
			if err != nil {
				return
			}
			g.Dispatch(c, env)
		}
	}))
	t.Cleanup(srv.Close)
	r.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return r
}

func (r *rig) dial(t *testing.T, user string, role model.Role) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url+"/?user="+user+"&role="+string(role), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event ws.Event, data any) {
	t.Helper()
	if err := conn.WriteJSON(ws.Frame{Event: event, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func expect(t *testing.T, conn *websocket.Conn, event ws.Event) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ws.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("waiting for %s: %v", event, err)
	}
	if env.Event != event {
		t.Fatalf("got %s (%s), want %s", env.Event, env.Data, event)
	}
	return env.Data
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	var p ws.ErrorPayload
	if err := json.Unmarshal(expect(t, conn, ws.EventError), &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != code {
		t.Fatalf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
}

func TestJoinAndDisconnect(t *testing.T) {
	r := newRig(t, noLimit{})
	conn := r.dial(t, "s1", model.RoleStudent)

	send(t, conn, ws.EventJoinRoom, ws.JoinRoomRequest{RoomCode: "ab3xyz", UserID: "s1", Role: model.RoleStudent})
	var joined ws.JoinedRoomPayload
	if err := json.Unmarshal(expect(t, conn, ws.EventJoinedRoom), &joined); err != nil {
		t.Fatal(err)
	}
	if joined.Room.Code != "AB3XYZ" || joined.Role != model.RoleStudent {
		t.Errorf("joined = %+v", joined)
	}
	if n := r.hub.Members("AB3XYZ"); n != 1 {
		t.Errorf("hub members = %d, want 1", n)
	}

	_ = conn.Close()
	select {
	case left := <-r.rooms.leaves:
		if left.RoomCode != "AB3XYZ" || left.UserID != "s1" || left.ConnectionID == "" {
			t.Errorf("leave = %+v", left)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not release presence")
	}
}

func TestIdentityMustMatchToken(t *testing.T) {
	r := newRig(t, noLimit{})
	conn := r.dial(t, "s1", model.RoleStudent)

	send(t, conn, ws.EventJoinRoom, ws.JoinRoomRequest{RoomCode: "AB3XYZ", UserID: "s2"})
	expectError(t, conn, "FORBIDDEN")

	send(t, conn, ws.EventJoinRoom, ws.JoinRoomRequest{RoomCode: "AB3XYZ", Role: model.RoleTeacher})
	expectError(t, conn, "FORBIDDEN")

	send(t, conn, ws.EventSubmitExam, ws.SubmitExamRequest{RoomCode: "AB3XYZ", StudentID: "s2"})
	expectError(t, conn, "FORBIDDEN")

	if len(r.rooms.joins) != 0 {
		t.Errorf("joins = %d, want 0", len(r.rooms.joins))
	}
}

func TestServiceErrorsBecomeErrorFrames(t *testing.T) {
	r := newRig(t, noLimit{})
	r.rooms.joinErr = service.ErrCapacityExceeded
	conn := r.dial(t, "s3", model.RoleStudent)

	send(t, conn, ws.EventJoinRoom, ws.JoinRoomRequest{RoomCode: "AB3XYZ"})
	expectError(t, conn, "ROOM_FULL")

	send(t, conn, ws.Event("dance"), ws.RoomRef{RoomCode: "AB3XYZ"})
	expectError(t, conn, "UNKNOWN_EVENT")

	send(t, conn, ws.EventSaveAnswer, ws.SaveAnswerRequest{RoomCode: "AB3XYZ", QuestionID: "nope"})
	expectError(t, conn, "VALIDATION_ERROR")

	send(t, conn, ws.EventStartExam, map[string]any{})
	expectError(t, conn, "VALIDATION_ERROR")

	// The socket survives malformed frames.
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	send(t, conn, ws.EventPing, nil)
	expect(t, conn, ws.EventPong)
}

func TestStartRepliesOnceAcrossConnections(t *testing.T) {
	r := newRig(t, noLimit{})
	a := r.dial(t, "t1", model.RoleTeacher)
	b := r.dial(t, "t1", model.RoleTeacher)

	send(t, a, ws.EventStartExam, ws.StartExamRequest{RoomCode: "AB3XYZ"})
	send(t, b, ws.EventStartExam, ws.StartExamRequest{RoomCode: "AB3XYZ"})

	first := readEvent(t, a)
	second := readEvent(t, b)
	events := []ws.Event{first, second}
	started, rejected := 0, 0
	for _, e := range events {
		switch e {
		case ws.EventExamStarted:
			started++
		case ws.EventError:
			rejected++
		}
	}
	if started != 1 || rejected != 1 {
		t.Errorf("events = %v, want one exam-started and one error", events)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ws.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env.Event
}

func TestSubmitRepliesOnlyWhenAlreadyFinal(t *testing.T) {
	r := newRig(t, noLimit{})
	conn := r.dial(t, "s1", model.RoleStudent)

	r.subs.finalized = true
	send(t, conn, ws.EventSubmitExam, ws.SubmitExamRequest{RoomCode: "AB3XYZ"})
	send(t, conn, ws.EventPing, nil)
	expect(t, conn, ws.EventPong)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }
func (denyAll) Forget(string)     {}

func TestViolationsOverLimitAreDropped(t *testing.T) {
	r := newRig(t, denyAll{})
	conn := r.dial(t, "s1", model.RoleStudent)

	send(t, conn, ws.EventExamViolation, ws.ViolationRequest{RoomCode: "AB3XYZ", Type: model.ViolationTabSwitch})
	send(t, conn, ws.EventPing, nil)
	expect(t, conn, ws.EventPong)
}

func TestViolationWarning(t *testing.T) {
	r := newRig(t, noLimit{})
	conn := r.dial(t, "s1", model.RoleStudent)

	send(t, conn, ws.EventExamViolation, ws.ViolationRequest{RoomCode: "AB3XYZ", Type: model.ViolationTabSwitch})
	var w ws.ViolationWarningPayload
	if err := json.Unmarshal(expect(t, conn, ws.EventViolationWarning), &w); err != nil {
		t.Fatal(err)
	}
	if w.Type != model.ViolationTabSwitch || w.Count != 1 {
		t.Errorf("warning = %+v", w)
	}
}
