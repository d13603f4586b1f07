package service

import (
	"testing"
	"time"

	"github.com/stemsi/exroom-backend/internal/model"
)

func TestGrade(t *testing.T) {
	quiz := sampleQuiz()
	q := quiz.Questions
	pick := func(idx int, question model.Question) model.Answer {
		return model.Answer{QuestionID: question.ID, SelectedIndex: intPtr(idx)}
	}

	tests := []struct {
		name    string
		answers []model.Answer
		score   float64
		pct     float64
	}{
		{"no answers", nil, 0, 0},
		{"all correct", []model.Answer{pick(1, q[0]), pick(2, q[1])}, 20, 100},
		{"one wrong", []model.Answer{pick(1, q[0]), pick(0, q[1])}, 10, 50},
		{"essay only", []model.Answer{{QuestionID: q[2].ID}}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Grade(quiz, tt.answers)
			if got.Score != tt.score || got.Percentage != tt.pct {
				t.Errorf("Grade = %v (%v%%), want %v (%v%%)", got.Score, got.Percentage, tt.score, tt.pct)
			}
			if got.MaxScore != 20 {
				t.Errorf("MaxScore = %v, want 20", got.MaxScore)
			}
		})
	}
}

func TestGradeOrdersByPositionAndDropsUnknown(t *testing.T) {
	quiz := sampleQuiz()
	q := quiz.Questions
	other := sampleQuiz().Questions[0]

	got := Grade(quiz, []model.Answer{
		{QuestionID: q[1].ID, SelectedIndex: intPtr(2)},
		{QuestionID: other.ID, SelectedIndex: intPtr(1)},
		{QuestionID: q[0].ID, SelectedIndex: intPtr(0)},
	})
	if len(got.Answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(got.Answers))
	}
	if got.Answers[0].QuestionID != q[0].ID {
		t.Error("answers not ordered by position")
	}
	if *got.Answers[0].IsCorrect || !*got.Answers[1].IsCorrect {
		t.Error("correctness flags wrong")
	}
}

func TestGradeRoundsPercentage(t *testing.T) {
	quiz := sampleQuiz()
	quiz.Questions[1].Points = 20
	got := Grade(quiz, []model.Answer{{QuestionID: quiz.Questions[0].ID, SelectedIndex: intPtr(1)}})
	if got.Percentage != 33.33 {
		t.Errorf("Percentage = %v, want 33.33", got.Percentage)
	}
}

func TestTimeSpent(t *testing.T) {
	start := t0.Add(10 * time.Minute)
	tests := []struct {
		name      string
		joined    time.Time
		roomStart *time.Time
		at        time.Time
		want      int
	}{
		{"joined in waiting room", t0, &start, start.Add(90 * time.Second), 90},
		{"late joiner", start.Add(time.Minute), &start, start.Add(3 * time.Minute), 120},
		{"no start time", t0, nil, t0.Add(time.Minute), 60},
		{"clock skew", start, &start, start.Add(-time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeSpent(tt.joined, tt.roomStart, tt.at); got != tt.want {
				t.Errorf("timeSpent = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatistics(t *testing.T) {
	subs := []model.Submission{
		{Status: model.SubmissionSubmitted, Percentage: 80},
		{Status: model.SubmissionAutoSubmitted, Percentage: 40},
		{Status: model.SubmissionSubmitted, Percentage: 90},
		{Status: model.SubmissionInProgress, Percentage: 0},
	}
	got := Statistics(subs)
	want := model.ExamStatistics{TotalSubmissions: 3, Submitted: 2, AutoSubmitted: 1, AverageScore: 70, HighestScore: 90, LowestScore: 40}
	if got != want {
		t.Errorf("Statistics = %+v, want %+v", got, want)
	}
	if empty := Statistics(nil); empty != (model.ExamStatistics{}) {
		t.Errorf("empty Statistics = %+v", empty)
	}
}

func TestMergeAnswers(t *testing.T) {
	q := sampleQuiz().Questions
	merged := mergeAnswers(
		[]model.Answer{{QuestionID: q[0].ID, SelectedIndex: intPtr(0)}, {QuestionID: q[1].ID, SelectedIndex: intPtr(0)}},
		[]model.Answer{{QuestionID: q[0].ID, SelectedIndex: intPtr(3)}},
	)
	if len(merged) != 2 || *merged[0].SelectedIndex != 3 {
		t.Errorf("merged = %+v", merged)
	}
}
