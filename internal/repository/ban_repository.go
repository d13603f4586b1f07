package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BanRepository persists per-room bans so they outlive presence.
type BanRepository struct {
	pool *pgxpool.Pool
}

// NewBanRepository creates a new BanRepository.
func NewBanRepository(pool *pgxpool.Pool) *BanRepository {
	return &BanRepository{pool: pool}
}

// Ban records (or refreshes the reason of) a ban.
func (r *BanRepository) Ban(ctx context.Context, roomID uuid.UUID, userID, reason string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_bans (room_id, user_id, reason)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET reason = EXCLUDED.reason`,
		roomID, userID, reason)
	return err
}

// IsBanned reports whether userID is banned from the room.
func (r *BanRepository) IsBanned(ctx context.Context, roomID uuid.UUID, userID string) (bool, error) {
	var banned bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_bans WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID).Scan(&banned)
	return banned, err
}
