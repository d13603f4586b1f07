package service

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stemsi/exroom-backend/internal/model"
)

var hundred = decimal.NewFromInt(100)

// GradeResult is the outcome of grading one submission.
type GradeResult struct {
	Answers    []model.Answer
	Score      float64
	MaxScore   float64
	Percentage float64
}

// Grade scores multiple-choice answers against the answer key. Essays are
// kept but left ungraded and do not count towards score or max score.
// Answers to questions that are not in the quiz are dropped.
func Grade(quiz *model.Quiz, answers []model.Answer) GradeResult {
	score, maxScore := decimal.Zero, decimal.Zero
	for i := range quiz.Questions {
		if q := &quiz.Questions[i]; q.Type == model.QuestionMultipleChoice {
			maxScore = maxScore.Add(decimal.NewFromFloat(q.Points))
		}
	}

	graded := make([]model.Answer, 0, len(answers))
	for _, a := range answers {
		q := quiz.Find(a.QuestionID)
		if q == nil {
			continue
		}
		a.Position = q.Position
		a.IsCorrect, a.PointsAwarded, a.Graded = nil, nil, false

		if q.Type == model.QuestionMultipleChoice {
			correct := a.SelectedIndex != nil && q.CorrectIndex != nil && *a.SelectedIndex == *q.CorrectIndex
			points := decimal.Zero
			if correct {
				points = decimal.NewFromFloat(q.Points)
				score = score.Add(points)
			}
			awarded := points.InexactFloat64()
			a.IsCorrect = &correct
			a.PointsAwarded = &awarded
			a.Graded = true
		}
		graded = append(graded, a)
	}
	sort.Slice(graded, func(i, j int) bool { return graded[i].Position < graded[j].Position })

	pct := decimal.Zero
	if maxScore.IsPositive() {
		pct = score.Div(maxScore).Mul(hundred).Round(2)
	}
	return GradeResult{
		Answers:    graded,
		Score:      score.Round(2).InexactFloat64(),
		MaxScore:   maxScore.Round(2).InexactFloat64(),
		Percentage: pct.InexactFloat64(),
	}
}

// buildAnswer validates client input against the quiz.
func buildAnswer(quiz *model.Quiz, in model.AnswerInput, at time.Time) (model.Answer, error) {
	qid, err := uuid.Parse(in.QuestionID)
	if err != nil {
		return model.Answer{}, invalid("questionId %q is not a uuid", in.QuestionID)
	}
	q := quiz.Find(qid)
	if q == nil {
		return model.Answer{}, invalid("question %s is not part of this quiz", qid)
	}

	a := model.Answer{QuestionID: qid, Position: q.Position, AnsweredAt: at}
	switch q.Type {
	case model.QuestionMultipleChoice:
		if in.SelectedIndex == nil {
			return model.Answer{}, invalid("question %s needs selectedIndex", qid)
		}
		if n := q.OptionCount(); *in.SelectedIndex < 0 || (n > 0 && *in.SelectedIndex >= n) {
			return model.Answer{}, invalid("selectedIndex %d out of range for question %s", *in.SelectedIndex, qid)
		}
		idx := *in.SelectedIndex
		a.SelectedIndex = &idx
	case model.QuestionEssay:
		if in.TextAnswer == nil {
			return model.Answer{}, invalid("question %s needs textAnswer", qid)
		}
		text := *in.TextAnswer
		a.TextAnswer = &text
	}
	return a, nil
}

// mergeAnswers overlays incoming answers on recorded ones by question id.
func mergeAnswers(recorded, incoming []model.Answer) []model.Answer {
	byQuestion := make(map[uuid.UUID]model.Answer, len(recorded)+len(incoming))
	order := make([]uuid.UUID, 0, len(recorded)+len(incoming))
	for _, set := range [][]model.Answer{recorded, incoming} {
		for _, a := range set {
			if _, seen := byQuestion[a.QuestionID]; !seen {
				order = append(order, a.QuestionID)
			}
			byQuestion[a.QuestionID] = a
		}
	}
	out := make([]model.Answer, 0, len(order))
	for _, id := range order {
		out = append(out, byQuestion[id])
	}
	return out
}

// timeSpent measures from whichever came later, the student's join or the
// exam start, so time spent in the waiting room is not counted.
func timeSpent(startedAt time.Time, roomStart *time.Time, submittedAt time.Time) int {
	from := startedAt
	if roomStart != nil && roomStart.After(from) {
		from = *roomStart
	}
	secs := int(submittedAt.Sub(from) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Statistics summarises finalized submissions by percentage.
func Statistics(subs []model.Submission) model.ExamStatistics {
	var stats model.ExamStatistics
	sum := decimal.Zero
	finalized := 0
	for _, s := range subs {
		if !s.Status.Terminal() {
			continue
		}
		stats.TotalSubmissions++
		if s.Status == model.SubmissionAutoSubmitted {
			stats.AutoSubmitted++
		} else {
			stats.Submitted++
		}
		if finalized == 0 || s.Percentage > stats.HighestScore {
			stats.HighestScore = s.Percentage
		}
		if finalized == 0 || s.Percentage < stats.LowestScore {
			stats.LowestScore = s.Percentage
		}
		sum = sum.Add(decimal.NewFromFloat(s.Percentage))
		finalized++
	}
	if finalized > 0 {
		stats.AverageScore = sum.Div(decimal.NewFromInt(int64(finalized))).Round(2).InexactFloat64()
	}
	return stats
}
