package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exroom-backend/internal/model"
)

// ViolationRepository appends to the violation audit log.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

var violationCopyColumns = []string{"room_id", "student_id", "type", "count", "occurred_at"}

// BulkInsert copies a batch in one round trip. Any malformed row fails the
// whole batch so the caller can fall back to InsertOne.
func (r *ViolationRepository) BulkInsert(ctx context.Context, events []model.ViolationEvent) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		roomID, err := uuid.Parse(e.RoomID)
		if err != nil {
			return err
		}
		rows = append(rows, []any{roomID, e.StudentID, string(e.Type), e.Count, e.OccurredAt})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"room_violations"},
		violationCopyColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// InsertOne writes a single audit row.
func (r *ViolationRepository) InsertOne(ctx context.Context, e model.ViolationEvent) error {
	roomID, err := uuid.Parse(e.RoomID)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO room_violations (room_id, student_id, type, count, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		roomID, e.StudentID, string(e.Type), e.Count, e.OccurredAt)
	return err
}
