package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates the states of a student's attempt.
type SubmissionStatus string

const (
	SubmissionInProgress    SubmissionStatus = "in-progress"
	SubmissionSubmitted     SubmissionStatus = "submitted"
	SubmissionAutoSubmitted SubmissionStatus = "auto-submitted"
)

// Terminal reports whether no further transition is allowed.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionSubmitted || s == SubmissionAutoSubmitted
}

// FinalizeMode records who triggered finalization.
type FinalizeMode string

const (
	FinalizeExplicit FinalizeMode = "explicit"
	FinalizeAuto     FinalizeMode = "auto"
)

// Status maps a mode to its terminal submission status.
func (m FinalizeMode) Status() SubmissionStatus {
	if m == FinalizeAuto {
		return SubmissionAutoSubmitted
	}
	return SubmissionSubmitted
}

// Answer is one recorded response. Correctness is filled in at grading
// time; essay answers stay ungraded.
type Answer struct {
	QuestionID    uuid.UUID `json:"questionId"`
	SelectedIndex *int      `json:"selectedIndex,omitempty"`
	TextAnswer    *string   `json:"textAnswer,omitempty"`
	IsCorrect     *bool     `json:"isCorrect,omitempty"`
	PointsAwarded *float64  `json:"pointsAwarded,omitempty"`
	Graded        bool      `json:"graded"`
	Position      int       `json:"position"`
	AnsweredAt    time.Time `json:"answeredAt"`
}

// Submission is the single attempt of one student in one room.
type Submission struct {
	ID               uuid.UUID        `json:"id"`
	RoomID           uuid.UUID        `json:"roomId"`
	StudentID        string           `json:"studentId"`
	StudentName      string           `json:"studentName"`
	QuizID           uuid.UUID        `json:"quizId"`
	Answers          []Answer         `json:"answers"`
	Score            float64          `json:"score"`
	MaxScore         float64          `json:"maxScore"`
	Percentage       float64          `json:"percentage"`
	Status           SubmissionStatus `json:"status"`
	StartedAt        time.Time        `json:"startedAt"`
	SubmittedAt      *time.Time       `json:"submittedAt,omitempty"`
	TimeSpentSeconds *int             `json:"timeSpentSeconds,omitempty"`
	Violations       ViolationCounts  `json:"violations"`
}

// Redacted returns a copy without correctness, points or score, used when
// results are hidden from students.
func (s *Submission) Redacted() *Submission {
	out := *s
	out.Score, out.Percentage = 0, 0
	out.Answers = make([]Answer, len(s.Answers))
	for i, a := range s.Answers {
		a.IsCorrect = nil
		a.PointsAwarded = nil
		a.Graded = false
		out.Answers[i] = a
	}
	return &out
}

// AnswerInput is one answer sent by a client.
type AnswerInput struct {
	QuestionID    string  `json:"questionId" binding:"required,uuid"`
	SelectedIndex *int    `json:"selectedIndex" binding:"omitempty,min=0,max=100"`
	TextAnswer    *string `json:"textAnswer" binding:"omitempty,max=20000"`
}

// SubmitRequest finalizes the caller's submission with its last answers.
type SubmitRequest struct {
	Answers []AnswerInput `json:"answers" binding:"omitempty,dive"`
}
