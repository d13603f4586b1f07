package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exroom-backend/internal/model"
	"gorm.io/gorm"
)

// QuizRepository reads the quiz catalog. Authoring lives in another
// service, so there are no write methods.
type QuizRepository struct {
	db *gorm.DB
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(db *gorm.DB) *QuizRepository {
	return &QuizRepository{db: db}
}

// GetWithQuestions loads a quiz and its questions in position order.
func (r *QuizRepository) GetWithQuestions(ctx context.Context, id uuid.UUID) (*model.Quiz, error) {
	var quiz model.Quiz
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&quiz, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &quiz, nil
}
