package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exroom-backend/internal/model"
)

const roomColumns = `id, code, teacher_id, quiz_id, title, status, duration_minutes, max_participants,
	start_time, end_time, allow_late_join, shuffle_questions, show_results, created_at, updated_at`

// RoomRepository persists rooms. Status changes go through guarded
// updates so concurrent callers see exactly one winner.
type RoomRepository struct {
	pool *pgxpool.Pool
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(row pgx.Row) (*model.Room, error) {
	r := &model.Room{}
	err := row.Scan(&r.ID, &r.Code, &r.TeacherID, &r.QuizID, &r.Title, &r.Status, &r.DurationMinutes,
		&r.MaxParticipants, &r.StartTime, &r.EndTime, &r.Settings.AllowLateJoin,
		&r.Settings.ShuffleQuestions, &r.Settings.ShowResults, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

// Create inserts a waiting room. A code collision returns ErrDuplicate.
func (r *RoomRepository) Create(ctx context.Context, room *model.Room) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO rooms (code, teacher_id, quiz_id, title, status, duration_minutes, max_participants,
		                    allow_late_join, shuffle_questions, show_results)
		 VALUES ($1, $2, $3, $4, 'waiting', $5, $6, $7, $8, $9)
		 RETURNING id, status, created_at, updated_at`,
		room.Code, room.TeacherID, room.QuizID, room.Title, room.DurationMinutes, room.MaxParticipants,
		room.Settings.AllowLateJoin, room.Settings.ShuffleQuestions, room.Settings.ShowResults,
	).Scan(&room.ID, &room.Status, &room.CreatedAt, &room.UpdatedAt)
	return translate(err)
}

// GetByCode retrieves a room by its (already upper-cased) code.
func (r *RoomRepository) GetByCode(ctx context.Context, code string) (*model.Room, error) {
	return scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

// GetByID retrieves a room by id.
func (r *RoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Room, error) {
	return scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

// UpdateWaiting rewrites the editable fields of a room that has not started.
func (r *RoomRepository) UpdateWaiting(ctx context.Context, room *model.Room) (*model.Room, error) {
	updated, err := scanRoom(r.pool.QueryRow(ctx,
		`UPDATE rooms
		 SET title = $2, duration_minutes = $3, max_participants = $4,
		     allow_late_join = $5, shuffle_questions = $6, show_results = $7, updated_at = NOW()
		 WHERE id = $1 AND status = 'waiting'
		 RETURNING `+roomColumns,
		room.ID, room.Title, room.DurationMinutes, room.MaxParticipants,
		room.Settings.AllowLateJoin, room.Settings.ShuffleQuestions, room.Settings.ShowResults,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStateChanged
	}
	return updated, err
}

// Delete removes a room unless it is running.
func (r *RoomRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

// MarkRunning moves a waiting room to running and fixes its timing.
// Exactly one concurrent caller gets the row back; the others get ErrStateChanged.
func (r *RoomRepository) MarkRunning(ctx context.Context, id uuid.UUID, start, end time.Time) (*model.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx,
		`UPDATE rooms
		 SET status = 'running', start_time = $2, end_time = $3, updated_at = $2
		 WHERE id = $1 AND status = 'waiting'
		 RETURNING `+roomColumns,
		id, start, end,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStateChanged
	}
	return room, err
}

// MarkEnded moves a running room to ended. end_time keeps the scheduled
// value so an early end does not rewrite history.
func (r *RoomRepository) MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) (*model.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx,
		`UPDATE rooms
		 SET status = 'ended', updated_at = $2
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+roomColumns,
		id, at,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStateChanged
	}
	return room, err
}

// ListRunning returns every running room, soonest deadline first.
func (r *RoomRepository) ListRunning(ctx context.Context) ([]model.Room, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE status = 'running' ORDER BY end_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []model.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}
