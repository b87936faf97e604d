package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/pkg/ai"
)

type stubEvaluator struct {
	mu     sync.Mutex
	result ai.EvaluationResult
	err    error
	inputs []ai.EvaluationInput
}

func (s *stubEvaluator) Evaluate(ctx context.Context, input ai.EvaluationInput) (ai.EvaluationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input)
	return s.result, s.err
}

type resultHarness struct {
	*gradingHarness
	evaluator *stubEvaluator
	results   ResultService
	sessionID uint
	answerID  uint
	resultID  uint
}

// newResultHarness grades a finished attempt worth 3 of 4 marks with the code answer at half marks.
func newResultHarness(t *testing.T) *resultHarness {
	t.Helper()

	h := newGradingHarness(t)
	sessionID, answerID := h.finishedAttempt(t)
	graded, err := h.grading.AutoGradeSession(context.Background(), sessionID, SystemActor())
	require.NoError(t, err)

	evaluator := &stubEvaluator{result: ai.EvaluationResult{Score: 1.4, Feedback: " logic handles every case ", Verdict: "accept"}}
	validate := validator.New(validator.WithRequiredStructEnabled())
	activity := NewActivityService(repository.NewActivityLogRepository(h.db), zerolog.Nop())
	svc := NewResultService(ResultServiceDeps{
		Results:   repository.NewResultRepository(h.db),
		Answers:   repository.NewGradingRepository(h.db),
		Exams:     repository.NewExamRepository(h.db),
		Grading:   h.grading,
		Evaluator: evaluator,
		Notifier:  NewNotificationService(repository.NewNotificationRepository(h.db), nil, "", nil, validate, zerolog.Nop()),
		Activity:  activity,
	}, config.DefaultExamEngine(), validate, zerolog.Nop())
	svc.(*resultService).now = h.clock.Now

	return &resultHarness{
		gradingHarness: h,
		evaluator:      evaluator,
		results:        svc,
		sessionID:      sessionID,
		answerID:       answerID,
		resultID:       graded.Result.ID,
	}
}

func (h *resultHarness) publish(t *testing.T) {
	t.Helper()
	resp, err := h.results.PublishResults(context.Background(), h.exam.ID, h.proctor)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Published)
}

func challenge(answerID uint) dto.ReEvaluationCreateRequest {
	return dto.ReEvaluationCreateRequest{AnswerID: answerID, Reason: "  my solution handles negative input  "}
}

func TestPublishResultsNotifiesCandidates(t *testing.T) {
	h := newResultHarness(t)
	ctx := context.Background()

	_, err := h.results.GetResult(ctx, h.resultID, h.student)
	require.ErrorIs(t, err, ErrNotFound)

	h.publish(t)

	result, err := h.results.GetResult(ctx, h.resultID, h.student)
	require.NoError(t, err)
	require.Equal(t, models.ResultStatusPublished, result.Status)
	require.Equal(t, 75.0, result.Percentage)
	require.NotNil(t, result.PublishedAt)

	_, err = h.results.GetResult(ctx, h.resultID, ActivityActor{ID: 12, Role: "candidate"})
	require.ErrorIs(t, err, ErrForbidden)

	var notifications int64
	require.NoError(t, h.db.Model(&models.Notification{}).
		Where("user_id = ? AND type = ?", "11", NotificationResultsPublished).
		Count(&notifications).Error)
	require.Equal(t, int64(1), notifications)

	var exam models.Exam
	require.NoError(t, h.db.First(&exam, h.exam.ID).Error)
	require.NotNil(t, exam.ResultsPublishedAt)

	again, err := h.results.PublishResults(ctx, h.exam.ID, h.proctor)
	require.NoError(t, err)
	require.Zero(t, again.Published)

	listed, err := h.results.ListResults(ctx, h.exam.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestPublishResultsUnknownExam(t *testing.T) {
	h := newResultHarness(t)

	_, err := h.results.PublishResults(context.Background(), 404, h.proctor)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequestReEvaluationRequiresPublishedResult(t *testing.T) {
	h := newResultHarness(t)

	_, err := h.results.RequestReEvaluation(context.Background(), h.resultID, h.student, challenge(h.answerID))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestReEvaluationStoresAdvisorySuggestion(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	resp, err := h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)
	require.Equal(t, models.ReEvaluationStatusOpen, resp.Status)
	require.Equal(t, "my solution handles negative input", resp.Reason)
	require.NotNil(t, resp.SuggestedScore)
	require.Equal(t, 2.0, *resp.SuggestedScore)
	require.Equal(t, "logic handles every case", resp.SuggestionNotes)

	require.Len(t, h.evaluator.inputs, 1)
	input := h.evaluator.inputs[0]
	require.Equal(t, models.QuestionTypeCode, input.QuestionType)
	require.Equal(t, "print(int(input()) * 2)", input.CandidateAnswer)
	require.Equal(t, 1.0, input.AutoScore)
	require.Equal(t, 2.0, input.MaxScore)
	require.NotContains(t, input.ExecutionReport, `"14"`)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, h.answerID).Error)
	require.Equal(t, 1.0, stored.Score())

	_, err = h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestReEvaluationWithoutEvaluatorResponse(t *testing.T) {
	h := newResultHarness(t)
	h.evaluator.err = errors.New("upstream unavailable")
	h.publish(t)

	resp, err := h.results.RequestReEvaluation(context.Background(), h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)
	require.Nil(t, resp.SuggestedScore)
}

func TestRequestReEvaluationGuards(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	_, err := h.results.RequestReEvaluation(ctx, h.resultID, ActivityActor{ID: 12, Role: "candidate"}, challenge(h.answerID))
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(9999))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.results.RequestReEvaluation(ctx, h.resultID, h.student, dto.ReEvaluationCreateRequest{AnswerID: h.answerID, Reason: " no "})
	require.Error(t, err)

	h.clock.Advance(72*time.Hour + time.Minute)
	_, err = h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.ErrorIs(t, err, ErrChallengeWindowClosed)
}

func TestResolveReEvaluationOverridesScore(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	opened, err := h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)

	_, err = h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{Status: models.ReEvaluationStatusResolved})
	require.Error(t, err)

	score := 2.0
	resolved, err := h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{
		Status: models.ReEvaluationStatusResolved,
		Score:  &score,
		Notes:  "hidden test expectation was wrong",
	})
	require.NoError(t, err)
	require.Equal(t, models.ReEvaluationStatusResolved, resolved.Status)
	require.Equal(t, 2.0, *resolved.ResolvedScore)
	require.Equal(t, h.proctor.ID, *resolved.ResolvedBy)

	var result models.ExamResult
	require.NoError(t, h.db.First(&result, h.resultID).Error)
	require.Equal(t, 4.0, result.TotalScore)
	require.Equal(t, 100.0, result.Percentage)
	require.Equal(t, models.ResultStatusPublished, result.Status)

	var history models.AnswerScoreHistory
	require.NoError(t, h.db.Where("answer_id = ?", h.answerID).First(&history).Error)
	require.Equal(t, "re-evaluation #1: hidden test expectation was wrong", history.Reason)

	var notifications int64
	require.NoError(t, h.db.Model(&models.Notification{}).
		Where("user_id = ? AND type = ?", "11", NotificationReEvaluation).
		Count(&notifications).Error)
	require.Equal(t, int64(1), notifications)

	_, err = h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{Status: models.ReEvaluationStatusRejected})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRejectReEvaluationKeepsScore(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	opened, err := h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)

	rejected, err := h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{Status: models.ReEvaluationStatusRejected})
	require.NoError(t, err)
	require.Nil(t, rejected.ResolvedScore)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, h.answerID).Error)
	require.Equal(t, 1.0, stored.Score())
	require.Nil(t, stored.ManualScore)

	_, err = h.results.ResolveReEvaluation(ctx, 404, h.proctor, dto.ReEvaluationResolveRequest{Status: models.ReEvaluationStatusRejected})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveReEvaluationAppliesScoreOnce(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	opened, err := h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)

	first, second := 2.0, 0.0
	_, err = h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{
		Status: models.ReEvaluationStatusResolved,
		Score:  &first,
	})
	require.NoError(t, err)

	_, err = h.results.ResolveReEvaluation(ctx, opened.ID, ActivityActor{ID: 901, Role: "proctor"}, dto.ReEvaluationResolveRequest{
		Status: models.ReEvaluationStatusResolved,
		Score:  &second,
	})
	require.ErrorIs(t, err, ErrInvalidState)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, h.answerID).Error)
	require.NotNil(t, stored.ManualScore)
	require.Equal(t, 2.0, *stored.ManualScore)

	var history int64
	require.NoError(t, h.db.Model(&models.AnswerScoreHistory{}).Where("answer_id = ?", h.answerID).Count(&history).Error)
	require.Equal(t, int64(1), history)

	var request models.ReEvaluationRequest
	require.NoError(t, h.db.First(&request, opened.ID).Error)
	require.Equal(t, h.proctor.ID, *request.ResolvedBy)
	require.Equal(t, 2.0, *request.ResolvedScore)
}

func TestResolveReEvaluationRollsBackRejectedScore(t *testing.T) {
	h := newResultHarness(t)
	h.publish(t)
	ctx := context.Background()

	opened, err := h.results.RequestReEvaluation(ctx, h.resultID, h.student, challenge(h.answerID))
	require.NoError(t, err)

	tooHigh := 5.0
	_, err = h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{
		Status: models.ReEvaluationStatusResolved,
		Score:  &tooHigh,
	})
	require.ErrorIs(t, err, ErrValidation)

	var request models.ReEvaluationRequest
	require.NoError(t, h.db.First(&request, opened.ID).Error)
	require.Equal(t, models.ReEvaluationStatusOpen, request.Status)
	require.Nil(t, request.ResolvedBy)

	var history int64
	require.NoError(t, h.db.Model(&models.AnswerScoreHistory{}).Where("answer_id = ?", h.answerID).Count(&history).Error)
	require.Zero(t, history)

	score := 1.5
	resolved, err := h.results.ResolveReEvaluation(ctx, opened.ID, h.proctor, dto.ReEvaluationResolveRequest{
		Status: models.ReEvaluationStatusResolved,
		Score:  &score,
	})
	require.NoError(t, err)
	require.Equal(t, 1.5, *resolved.ResolvedScore)
}
