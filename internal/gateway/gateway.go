package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/response"
	"github.com/stemsi/exroom-backend/internal/service"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// RoomOps is the slice of the room lifecycle reachable over the socket.
type RoomOps interface {
	Join(ctx context.Context, in service.JoinInput) (*service.JoinResult, error)
	Leave(ctx context.Context, in service.LeaveInput) error
	Start(ctx context.Context, code, teacherID string) (*service.StartResult, error)
	EndByCode(ctx context.Context, code, teacherID string) (*service.EndResult, error)
	Kick(ctx context.Context, code, teacherID, targetID string) error
	Ban(ctx context.Context, code, teacherID, targetID, reason string) error
}

// SubmissionOps records answers and finalizes submissions.
type SubmissionOps interface {
	RecordAnswerInRoom(ctx context.Context, roomCode, studentID string, in model.AnswerInput) (*model.Answer, error)
	FinalizeInRoom(ctx context.Context, roomCode, studentID string, answers []model.AnswerInput) (*service.FinalizeResult, error)
}

// ViolationOps counts anti-cheat signals.
type ViolationOps interface {
	Record(ctx context.Context, roomCode, studentID string, t model.ViolationType) (*service.ViolationResult, error)
}

// Membership is the local fan-out set of a room.
type Membership interface {
	Join(room string, c *ws.Client)
	Leave(room string, c *ws.Client)
}

// Limiter throttles noisy clients.
type Limiter interface {
	Allow(key string) bool
	Forget(key string)
}

type handlerFunc func(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error

// Gateway turns inbound socket events into room commands. Every command of
// a room runs through that room's mailbox, so a join, a start and a submit
// for the same room never interleave on this instance.
type Gateway struct {
	rooms       RoomOps
	submissions SubmissionOps
	violations  ViolationOps
	members     Membership
	dispatcher  *Dispatcher
	limiter     Limiter
	log         zerolog.Logger

	handlers map[ws.Event]handlerFunc
}

// Deps groups the collaborators of a Gateway.
type Deps struct {
	Rooms       RoomOps
	Submissions SubmissionOps
	Violations  ViolationOps
	Members     Membership
	Dispatcher  *Dispatcher
	Limiter     Limiter
	Log         zerolog.Logger
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	g := &Gateway{
		rooms:       d.Rooms,
		submissions: d.Submissions,
		violations:  d.Violations,
		members:     d.Members,
		dispatcher:  d.Dispatcher,
		limiter:     d.Limiter,
		log:         logger.Component(d.Log, "gateway"),
	}
	g.handlers = map[ws.Event]handlerFunc{
		ws.EventJoinRoom:        g.handleJoin,
		ws.EventLeaveRoom:       g.handleLeave,
		ws.EventStartExam:       g.handleStart,
		ws.EventEndExam:         g.handleEnd,
		ws.EventSaveAnswer:      g.handleSaveAnswer,
		ws.EventSubmitExam:      g.handleSubmit,
		ws.EventExamViolation:   g.handleViolation,
		ws.EventKickParticipant: g.handleKick,
		ws.EventBanParticipant:  g.handleBan,
	}
	return g
}

type pongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Dispatch routes one inbound envelope. It never blocks on business logic.
func (g *Gateway) Dispatch(c *ws.Client, env *ws.Envelope) {
	if env.Event == ws.EventPing {
		c.SendEvent(ws.EventPong, pongPayload{Timestamp: time.Now().UnixMilli()})
		return
	}

	handle, ok := g.handlers[env.Event]
	if !ok {
		c.SendError(string(response.ErrUnknownEvent), response.GetMessage(response.ErrUnknownEvent))
		return
	}

	var ref ws.RoomRef
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			c.SendError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			return
		}
	}
	code := service.NormalizeCode(ref.RoomCode)
	if code == "" {
		code, _ = c.Room()
	}
	if code == "" {
		c.SendError(string(response.ErrValidation), "roomCode is required.")
		return
	}

	event, data := env.Event, env.Data
	err := g.dispatcher.Submit(code, func(ctx context.Context) {
		if err := handle(ctx, c, code, data); err != nil {
			g.fail(c, event, err)
		}
	})
	switch {
	case errors.Is(err, ErrMailboxFull):
		c.SendError(string(response.ErrRateLimitExceeded), "Room is busy, please retry.")
	case err != nil:
		c.SendError(string(response.ErrInfrastructure), response.GetMessage(response.ErrInfrastructure))
	}
}

// Detach runs when a connection closes. Presence is released through the
// room's mailbox; the submission is left untouched.
func (g *Gateway) Detach(c *ws.Client) {
	if g.limiter != nil {
		g.limiter.Forget(c.ID)
	}
	room, _ := c.Room()
	if room == "" {
		return
	}
	err := g.dispatcher.Submit(room, func(ctx context.Context) { g.leave(ctx, c) })
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.leave(ctx, c)
	}
}

func (g *Gateway) fail(c *ws.Client, event ws.Event, err error) {
	_, code, msg := response.FromError(err)
	if code == response.ErrInfrastructure || code == response.ErrInternal {
		g.log.Error().Err(err).Str("event", string(event)).Str("user_id", c.UserID).Msg("Command failed")
	}
	c.SendError(string(code), msg)
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return invalidPayload
	}
	return nil
}

var invalidPayload = fmt.Errorf("%w: payload does not match the event", service.ErrValidation)

func mustBeCaller(c *ws.Client, claimed string) error {
	if claimed != "" && claimed != c.UserID {
		return fmt.Errorf("%w: identity does not match the token", service.ErrForbidden)
	}
	return nil
}

func (g *Gateway) leave(ctx context.Context, c *ws.Client) {
	room, role := c.Detach()
	if room == "" {
		return
	}
	g.members.Leave(room, c)
	if err := g.rooms.Leave(ctx, service.LeaveInput{
		RoomCode:     room,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Role:         role,
	}); err != nil {
		g.log.Warn().Err(err).Str("room_code", room).Str("user_id", c.UserID).Msg("Leave failed")
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.JoinRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := mustBeCaller(c, req.UserID); err != nil {
		return err
	}
	role := req.Role
	if role == "" {
		role = c.Role
	}
	if role == model.RoleTeacher && c.Role != model.RoleTeacher {
		return fmt.Errorf("%w: students cannot join as teacher", service.ErrForbidden)
	}
	name := req.UserName
	if name == "" {
		name = c.UserName
	}

	if prev, _ := c.Room(); prev != "" && prev != code {
		g.leave(ctx, c)
	}

	res, err := g.rooms.Join(ctx, service.JoinInput{
		RoomCode:     code,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		UserName:     name,
		Role:         role,
	})
	if err != nil {
		return err
	}
	g.members.Join(res.Room.Code, c)
	c.Attach(res.Room.Code, role)
	c.SendEvent(ws.EventJoinedRoom, ws.JoinedRoomPayload{
		Room:       res.Room,
		Role:       res.Role,
		Submission: res.Submission,
		Snapshot:   res.Snapshot,
	})
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *ws.Client, code string, _ json.RawMessage) error {
	if room, _ := c.Room(); room == code {
		g.leave(ctx, c)
	}
	return nil
}

func (g *Gateway) handleStart(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.StartExamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := mustBeCaller(c, req.TeacherID); err != nil {
		return err
	}
	res, err := g.rooms.Start(ctx, code, c.UserID)
	if err != nil {
		return err
	}
	// Members get the broadcast; a caller outside the room is answered directly.
	if room, _ := c.Room(); room != code {
		c.SendEvent(ws.EventExamStarted, ws.ExamStartedPayload{StartTime: res.StartTime, EndTime: res.EndTime, Duration: res.Duration})
	}
	return nil
}

func (g *Gateway) handleEnd(ctx context.Context, c *ws.Client, code string, _ json.RawMessage) error {
	res, err := g.rooms.EndByCode(ctx, code, c.UserID)
	if err != nil {
		return err
	}
	if room, _ := c.Room(); !res.Ended || room != code {
		c.SendEvent(ws.EventExamEnded, ws.ExamEndedPayload{
			Message:    "The exam has ended.",
			Reason:     service.EndReasonTeacher,
			Statistics: res.Statistics,
		})
	}
	return nil
}

func (g *Gateway) handleSaveAnswer(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.SaveAnswerRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	answer, err := g.submissions.RecordAnswerInRoom(ctx, code, c.UserID, model.AnswerInput{
		QuestionID:    req.QuestionID,
		SelectedIndex: req.SelectedIndex,
		TextAnswer:    req.TextAnswer,
	})
	if err != nil {
		return err
	}
	c.SendEvent(ws.EventAnswerSaved, ws.AnswerSavedPayload{QuestionID: answer.QuestionID.String()})
	return nil
}

func (g *Gateway) handleSubmit(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.SubmitExamRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := mustBeCaller(c, req.StudentID); err != nil {
		return err
	}
	res, err := g.submissions.FinalizeInRoom(ctx, code, c.UserID, req.Answers)
	if err != nil {
		return err
	}
	// The winning finalize already pushed exam-submitted to the student.
	if !res.Finalized {
		c.SendEvent(ws.EventExamSubmitted, ws.ExamSubmittedPayload{Submission: res.Submission})
	}
	return nil
}

func (g *Gateway) handleViolation(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.ViolationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := mustBeCaller(c, req.StudentID); err != nil {
		return err
	}
	if g.limiter != nil && !g.limiter.Allow(c.ID) {
		return nil
	}
	res, err := g.violations.Record(ctx, code, c.UserID, req.Type)
	if err != nil {
		return err
	}
	c.SendEvent(ws.EventViolationWarning, ws.ViolationWarningPayload{
		Type:    res.Type,
		Count:   res.Count,
		Counts:  res.Counts,
		Message: res.Message,
	})
	return nil
}

func (g *Gateway) handleKick(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.KickRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return g.rooms.Kick(ctx, code, c.UserID, req.UserID)
}

func (g *Gateway) handleBan(ctx context.Context, c *ws.Client, code string, data json.RawMessage) error {
	var req ws.BanRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return g.rooms.Ban(ctx, code, c.UserID, req.UserID, req.Reason)
}
