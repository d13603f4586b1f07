package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/database"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// seed-quiz fills the catalog with a sample quiz for local rooms.
func main() {
	var teacherID, title string
	var questions int
	flag.StringVarP(&teacherID, "teacher", "t", "teacher-1", "Owner of the quiz")
	flag.StringVar(&title, "title", "Sample Quiz", "Quiz title")
	flag.IntVarP(&questions, "questions", "q", 10, "Number of multiple-choice questions")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	db, err := database.NewCatalogDB(pool, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open quiz catalog")
	}

	quiz := model.Quiz{
		ID:        uuid.New(),
		Title:     title,
		TeacherID: teacherID,
	}
	for i := 0; i < questions; i++ {
		a, b := i+2, i+3
		options, _ := json.Marshal([]string{
			fmt.Sprint(a + b - 1), fmt.Sprint(a + b), fmt.Sprint(a + b + 1), fmt.Sprint(a * b),
		})
		correct := 1
		quiz.Questions = append(quiz.Questions, model.Question{
			ID:           uuid.New(),
			QuizID:       quiz.ID,
			Position:     i + 1,
			Type:         model.QuestionMultipleChoice,
			Prompt:       fmt.Sprintf("What is %d + %d?", a, b),
			Options:      datatypes.JSON(options),
			CorrectIndex: &correct,
			Points:       10,
		})
	}
	quiz.Questions = append(quiz.Questions, model.Question{
		ID:       uuid.New(),
		QuizID:   quiz.ID,
		Position: questions + 1,
		Type:     model.QuestionEssay,
		Prompt:   "Explain how you checked your answers.",
		Options:  datatypes.JSON("[]"),
		Points:   5,
	})

	fmt.Printf("=== Seeding quiz %q with %d questions ===\n", title, len(quiz.Questions))

	// The catalog handle skips default transactions, so ask for one here.
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&quiz).Error
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed quiz")
	}

	fmt.Printf("Quiz ID: %s (owner %s)\n", quiz.ID, teacherID)
}
