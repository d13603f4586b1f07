package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Repository-level errors. Services translate these into domain errors.
var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStateChanged is returned when a guarded update matched no row
	// because the record is no longer in the expected state.
	ErrStateChanged = errors.New("record state changed")
	// ErrCapacityReached is returned by the state store when a room is full.
	ErrCapacityReached = errors.New("room capacity reached")
)

const pgUniqueViolation = "23505"

// translate maps driver errors onto repository sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}
