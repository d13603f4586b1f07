package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/middleware"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/response"
	"github.com/stemsi/exroom-backend/internal/service"
	"github.com/stemsi/exroom-backend/internal/validator"
)

// RoomAPI is the room lifecycle reachable over REST.
type RoomAPI interface {
	Create(ctx context.Context, teacherID string, req model.CreateRoomRequest) (*model.Room, error)
	Get(ctx context.Context, code string) (*model.Room, error)
	Update(ctx context.Context, code, teacherID string, req model.UpdateRoomRequest) (*model.Room, error)
	Delete(ctx context.Context, code, teacherID string) error
	Snapshot(ctx context.Context, code string) (*model.RoomSnapshot, error)
	Join(ctx context.Context, in service.JoinInput) (*service.JoinResult, error)
	Start(ctx context.Context, code, teacherID string) (*service.StartResult, error)
	EndByCode(ctx context.Context, code, teacherID string) (*service.EndResult, error)
	Kick(ctx context.Context, code, teacherID, targetID string) error
	Ban(ctx context.Context, code, teacherID, targetID, reason string) error
	Paper(ctx context.Context, code, userID string, role model.Role) (*model.ExamPaper, error)
}

// SubmissionAPI is the submission side reachable over REST.
type SubmissionAPI interface {
	RecordAnswerInRoom(ctx context.Context, roomCode, studentID string, in model.AnswerInput) (*model.Answer, error)
	FinalizeInRoom(ctx context.Context, roomCode, studentID string, answers []model.AnswerInput) (*service.FinalizeResult, error)
	GetForStudent(ctx context.Context, roomCode, studentID string) (*model.Submission, error)
	ListForRoom(ctx context.Context, roomCode, teacherID string) ([]model.Submission, error)
}

// restConnectionPrefix marks presence held by the REST fallback. It expires
// with the presence TTL since no socket close ever releases it.
const restConnectionPrefix = "rest:"

// RoomHandler serves the REST fallback of the room orchestrator. Both
// transports reach the same services, so a REST submit and a socket submit
// race on the same finalize guard.
type RoomHandler struct {
	rooms       RoomAPI
	submissions SubmissionAPI
	log         zerolog.Logger
}

// NewRoomHandler creates a new RoomHandler.
func NewRoomHandler(rooms RoomAPI, submissions SubmissionAPI, log zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:       rooms,
		submissions: submissions,
		log:         logger.Component(log, "room_handler"),
	}
}

// roomCode reads and checks the :code path parameter.
func roomCode(c *gin.Context) (string, bool) {
	code := c.Param("code")
	if !validator.ValidRoomCode(code) {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"code": "code must be a 6 character room code",
		})
		return "", false
	}
	return service.NormalizeCode(code), true
}

func (h *RoomHandler) fail(c *gin.Context, err error) {
	if _, code, _ := response.FromError(err); code == response.ErrInfrastructure || code == response.ErrInternal {
		h.log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	response.Error(c, err)
}

// CreateRoom godoc
// POST /api/v1/rooms
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req model.CreateRoomRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	room, err := h.rooms.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, room)
}

// GetRoom godoc
// GET /api/v1/rooms/:code
func (h *RoomHandler) GetRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}

	room, err := h.rooms.Get(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, room)
}

// UpdateRoom godoc
// PUT /api/v1/rooms/:code
// Only a waiting room can be changed.
func (h *RoomHandler) UpdateRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req model.UpdateRoomRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	room, err := h.rooms.Update(c.Request.Context(), code, claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, room)
}

// DeleteRoom godoc
// DELETE /api/v1/rooms/:code
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	if err := h.rooms.Delete(c.Request.Context(), code, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Room deleted."})
}

// GetState godoc
// GET /api/v1/rooms/:code/state
// Returns the room with its live roster, for clients that missed broadcasts.
func (h *RoomHandler) GetState(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}

	snap, err := h.rooms.Snapshot(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// StartRoom godoc
// POST /api/v1/rooms/:code/start
func (h *RoomHandler) StartRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	res, err := h.rooms.Start(c.Request.Context(), code, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// EndRoom godoc
// POST /api/v1/rooms/:code/end
// Ending an ended room returns its statistics again.
func (h *RoomHandler) EndRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	res, err := h.rooms.EndByCode(c.Request.Context(), code, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

type joinRequest struct {
	UserName string `json:"userName" binding:"omitempty,max=255"`
}

// JoinRoom godoc
// POST /api/v1/rooms/:code/join
// Admits the caller and, for students, creates or returns their submission.
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req joinRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	name := req.UserName
	if name == "" {
		name = claims.Name
	}

	res, err := h.rooms.Join(c.Request.Context(), service.JoinInput{
		RoomCode:     code,
		ConnectionID: restConnectionPrefix + claims.UserID,
		UserID:       claims.UserID,
		UserName:     name,
		Role:         claims.Role,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetPaper godoc
// GET /api/v1/rooms/:code/paper
func (h *RoomHandler) GetPaper(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	paper, err := h.rooms.Paper(c.Request.Context(), code, claims.UserID, claims.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// SaveAnswer godoc
// POST /api/v1/rooms/:code/answers
func (h *RoomHandler) SaveAnswer(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req model.AnswerInput
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	answer, err := h.submissions.RecordAnswerInRoom(c.Request.Context(), code, claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questionId": answer.QuestionID})
}

// Submit godoc
// POST /api/v1/rooms/:code/submit
// Repeating a submit returns the stored result unchanged.
func (h *RoomHandler) Submit(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req model.SubmitRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	res, err := h.submissions.FinalizeInRoom(c.Request.Context(), code, claims.UserID, req.Answers)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res.Submission)
}

// GetOwnSubmission godoc
// GET /api/v1/rooms/:code/submission
func (h *RoomHandler) GetOwnSubmission(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	sub, err := h.submissions.GetForStudent(c.Request.Context(), code, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sub)
}

// ListSubmissions godoc
// GET /api/v1/rooms/:code/submissions
func (h *RoomHandler) ListSubmissions(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	subs, err := h.submissions.ListForRoom(c.Request.Context(), code, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, subs)
}

// KickParticipant godoc
// POST /api/v1/rooms/:code/kick
func (h *RoomHandler) KickParticipant(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req model.KickRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.rooms.Kick(c.Request.Context(), code, claims.UserID, req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Participant removed."})
}

// BanParticipant godoc
// POST /api/v1/rooms/:code/bans
func (h *RoomHandler) BanParticipant(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)

	var req model.BanRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.rooms.Ban(c.Request.Context(), code, claims.UserID, req.UserID, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Participant banned."})
}
