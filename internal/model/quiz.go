package model

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// QuestionType distinguishes auto-gradable questions from free text.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionEssay          QuestionType = "essay"
)

// Quiz is the read-only catalog entry a room is bound to.
type Quiz struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string     `gorm:"column:title" json:"title"`
	TeacherID string     `gorm:"column:teacher_id" json:"teacherId"`
	Questions []Question `gorm:"foreignKey:QuizID" json:"questions,omitempty"`
}

func (Quiz) TableName() string { return "quizzes" }

// Question is a catalog question including its answer key.
type Question struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	QuizID       uuid.UUID      `gorm:"type:uuid;column:quiz_id" json:"quizId"`
	Position     int            `gorm:"column:position" json:"position"`
	Type         QuestionType   `gorm:"column:question_type" json:"type"`
	Prompt       string         `gorm:"column:prompt" json:"prompt"`
	Options      datatypes.JSON `gorm:"column:options" json:"options"`
	CorrectIndex *int           `gorm:"column:correct_index" json:"-"`
	Points       float64        `gorm:"column:points" json:"points"`
}

func (Question) TableName() string { return "questions" }

// OptionCount returns the number of choices, 0 for essays or malformed options.
func (q *Question) OptionCount() int {
	if len(q.Options) == 0 {
		return 0
	}
	var opts []json.RawMessage
	if err := json.Unmarshal(q.Options, &opts); err != nil {
		return 0
	}
	return len(opts)
}

// Find returns the question with id, or nil.
func (q *Quiz) Find(id uuid.UUID) *Question {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return &q.Questions[i]
		}
	}
	return nil
}

// QuestionForStudent is a question without its answer key.
type QuestionForStudent struct {
	ID       uuid.UUID       `json:"id"`
	Position int             `json:"position"`
	Type     QuestionType    `json:"type"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"`
	Points   float64         `json:"points"`
}

// ExamPaper is what a student sees once the room is running.
type ExamPaper struct {
	RoomCode        string               `json:"roomCode"`
	Title           string               `json:"title"`
	DurationMinutes int                  `json:"durationMinutes"`
	EndTime         string               `json:"endTime,omitempty"`
	Questions       []QuestionForStudent `json:"questions"`
}
