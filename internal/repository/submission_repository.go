package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exroom-backend/internal/model"
)

const submissionColumns = `id, room_id, student_id, student_name, quiz_id, answers, score, max_score,
	percentage, status, started_at, submitted_at, time_spent_seconds, violations`

// SubmissionRepository persists student attempts. Answers live in a JSONB
// object keyed by question id so a single answer can be merged atomically.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	s := &model.Submission{}
	var answers, violations []byte
	err := row.Scan(&s.ID, &s.RoomID, &s.StudentID, &s.StudentName, &s.QuizID, &answers, &s.Score,
		&s.MaxScore, &s.Percentage, &s.Status, &s.StartedAt, &s.SubmittedAt, &s.TimeSpentSeconds, &violations)
	if err != nil {
		return nil, translate(err)
	}
	if s.Answers, err = decodeAnswers(answers); err != nil {
		return nil, err
	}
	s.Violations = model.ViolationCounts{}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &s.Violations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	return s, nil
}

func decodeAnswers(raw []byte) ([]model.Answer, error) {
	byQuestion := map[string]model.Answer{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &byQuestion); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	answers := make([]model.Answer, 0, len(byQuestion))
	for _, a := range byQuestion {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		if answers[i].Position != answers[j].Position {
			return answers[i].Position < answers[j].Position
		}
		return answers[i].QuestionID.String() < answers[j].QuestionID.String()
	})
	return answers, nil
}

func encodeAnswers(answers []model.Answer) ([]byte, error) {
	byQuestion := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID.String()] = a
	}
	return json.Marshal(byQuestion)
}

// CreateIfAbsent inserts an in-progress submission unless one already
// exists for (room, student). It returns the stored row either way.
func (r *SubmissionRepository) CreateIfAbsent(ctx context.Context, s *model.Submission) (*model.Submission, bool, error) {
	created, err := scanSubmission(r.pool.QueryRow(ctx,
		`INSERT INTO submissions (room_id, student_id, student_name, quiz_id, status, started_at)
		 VALUES ($1, $2, $3, $4, 'in-progress', $5)
		 ON CONFLICT (room_id, student_id) DO NOTHING
		 RETURNING `+submissionColumns,
		s.RoomID, s.StudentID, s.StudentName, s.QuizID, s.StartedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	existing, err := r.GetByRoomAndStudent(ctx, s.RoomID, s.StudentID)
	return existing, false, err
}

// GetByID retrieves a submission by id.
func (r *SubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

// GetByRoomAndStudent retrieves the attempt of one student in one room.
func (r *SubmissionRepository) GetByRoomAndStudent(ctx context.Context, roomID uuid.UUID, studentID string) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE room_id = $1 AND student_id = $2`,
		roomID, studentID))
}

// SaveAnswer merges one answer while the submission is still in progress.
func (r *SubmissionRepository) SaveAnswer(ctx context.Context, id uuid.UUID, a model.Answer) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET answers = answers || jsonb_build_object($2::text, $3::jsonb)
		 WHERE id = $1 AND status = 'in-progress'`,
		id, a.QuestionID.String(), payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrStateChanged
}

// Finalize writes the graded terminal state. It reports false when another
// caller already finalized the submission; nothing is written in that case.
func (r *SubmissionRepository) Finalize(ctx context.Context, s *model.Submission) (bool, error) {
	answers, err := encodeAnswers(s.Answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	violations, err := json.Marshal(s.Violations)
	if err != nil {
		return false, fmt.Errorf("encode violations: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET answers = $2, score = $3, max_score = $4, percentage = $5, status = $6,
		     submitted_at = $7, time_spent_seconds = $8, violations = $9
		 WHERE id = $1 AND status = 'in-progress'`,
		s.ID, answers, s.Score, s.MaxScore, s.Percentage, s.Status, s.SubmittedAt, s.TimeSpentSeconds, violations)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByRoom returns every submission of a room ordered by student name.
func (r *SubmissionRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]model.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE room_id = $1 ORDER BY student_name, student_id`, roomID)
}

// ListInProgress returns submissions of a room that are not finalized yet.
func (r *SubmissionRepository) ListInProgress(ctx context.Context, roomID uuid.UUID) ([]model.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE room_id = $1 AND status = 'in-progress'`, roomID)
}

// ListEndedRoomsWithOpen returns ended rooms whose auto-submit sweep did
// not complete.
func (r *SubmissionRepository) ListEndedRoomsWithOpen(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT s.room_id
		 FROM submissions s JOIN rooms r ON r.id = s.room_id
		 WHERE r.status = 'ended' AND s.status = 'in-progress'`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *SubmissionRepository) list(ctx context.Context, query string, args ...any) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}
