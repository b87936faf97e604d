package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/grading"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
)

type gradingHarness struct {
	*sessionHarness
	runner  *stubRunner
	grading GradingService
	cache   *miniredis.Miniredis
}

func halfPassingReport() sandbox.Report {
	return sandbox.Report{
		Success:     false,
		TotalPassed: 1,
		TotalTests:  2,
		Results: []sandbox.TestResult{
			{Index: 0, Passed: true, Input: "2", ExpectedOutput: "4", ActualOutput: "4"},
			{Index: 1, Passed: false, IsHidden: true, Input: "7", ExpectedOutput: "14", ActualOutput: "13"},
		},
	}
}

func newGradingHarness(t *testing.T) *gradingHarness {
	t.Helper()

	runner := &stubRunner{report: halfPassingReport()}
	engine := grading.NewEngine(runner, 0.8, zerolog.Nop())
	h := newSessionHarnessWithEngine(t, engine,
		mcqVersion("a"),
		codeVersion(
			models.QuestionTestCase{Input: "2", ExpectedOutput: "4"},
			models.QuestionTestCase{Input: "7", ExpectedOutput: "14", IsHidden: true},
		),
	)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := NewGradingService(
		repository.NewGradingRepository(h.db),
		engine,
		NewActivityService(repository.NewActivityLogRepository(h.db), zerolog.Nop()),
		client,
		validator.New(validator.WithRequiredStructEnabled()),
		zerolog.Nop(),
	)
	svc.(*gradingService).now = h.clock.Now

	return &gradingHarness{sessionHarness: h, runner: runner, grading: svc, cache: mr}
}

// finishedAttempt answers the MCQ correctly, submits code and finishes the session.
func (h *gradingHarness) finishedAttempt(t *testing.T) (uint, uint) {
	t.Helper()
	ctx := context.Background()

	id := h.start(t)
	_, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.NoError(t, err)
	codeResp, err := h.svc.SubmitAnswer(ctx, id, h.student, dto.SubmitAnswerRequest{
		ExamQuestionID: h.pool[1].ID,
		Code:           "print(int(input()) * 2)",
		Language:       "python",
	})
	require.NoError(t, err)
	_, err = h.svc.FinishSession(ctx, id, h.student)
	require.NoError(t, err)
	return id, codeResp.AnswerID
}

func TestSubmitAnswerDefersCodeGrading(t *testing.T) {
	h := newGradingHarness(t)
	_, codeAnswerID := h.finishedAttempt(t)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)
	require.False(t, stored.IsGraded)
	require.Nil(t, stored.FinalScore)
	require.Equal(t, 0, h.runner.calls)
}

func TestAutoGradeSessionGradesPendingAnswersOnce(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()

	resp, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)
	require.Equal(t, 1, resp.NewlyGraded)
	require.Equal(t, 0, resp.PendingCount)
	require.Len(t, resp.Answers, 2)

	require.InDelta(t, 3.0, resp.Result.TotalScore, 1e-9)
	require.InDelta(t, 4.0, resp.Result.MaxScore, 1e-9)
	require.InDelta(t, 75.0, resp.Result.Percentage, 1e-9)
	require.True(t, resp.Result.Passed)
	require.Equal(t, models.ResultStatusPendingReview, resp.Result.Status)
	require.NotNil(t, resp.Result.IntegrityScore)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)
	require.True(t, stored.IsGraded)
	require.InDelta(t, 1.0, stored.Score(), 1e-9)
	require.False(t, stored.IsCorrect)

	again, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)
	require.Equal(t, 0, again.NewlyGraded)
	require.Equal(t, 1, h.runner.calls)
	require.Equal(t, resp.Result.ID, again.Result.ID)
}

func TestAutoGradeSessionRetriesCodeAfterSandboxOutage(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()

	h.runner.err = fmt.Errorf("%w: container create: daemon unreachable", sandbox.ErrExecution)
	resp, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.ErrorIs(t, err, ErrSandboxUnavailable)
	require.NotErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrInvalidState)
	require.Equal(t, 1, resp.PendingCount)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)
	require.False(t, stored.IsGraded)
	require.Nil(t, stored.FinalScore)

	var result models.ExamResult
	require.NoError(t, h.db.Where("session_id = ?", id).First(&result).Error)
	require.InDelta(t, 2.0, result.TotalScore, 1e-9)

	h.runner.err = nil
	again, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)
	require.Equal(t, 1, again.NewlyGraded)
	require.Equal(t, 2, h.runner.calls)
	require.InDelta(t, 3.0, again.Result.TotalScore, 1e-9)

	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)
	require.True(t, stored.IsGraded)
	require.InDelta(t, 1.0, stored.Score(), 1e-9)
}

func TestResultRefreshDropsCachedAnalytics(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()

	resp, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)

	key := config.CacheKey.ExamAnalytics(resp.Result.ExamID)
	require.NoError(t, h.cache.Set(key, `{"exam_id":1}`))

	score := 2.0
	_, err = h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &score})
	require.NoError(t, err)
	require.False(t, h.cache.Exists(key))

	require.NoError(t, h.cache.Set(key, `{"exam_id":1}`))
	_, err = h.grading.RefreshResult(ctx, id)
	require.NoError(t, err)
	require.False(t, h.cache.Exists(key))
}

func TestAutoGradeSessionRequiresFinishedSession(t *testing.T) {
	h := newGradingHarness(t)
	id := h.start(t)

	_, err := h.grading.AutoGradeSession(context.Background(), id, SystemActor())
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.grading.AutoGradeSession(context.Background(), 4242, SystemActor())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedactDetailsHidesHiddenTestData(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	_, err := h.grading.AutoGradeSession(context.Background(), id, SystemActor())
	require.NoError(t, err)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)

	redacted := RedactDetails(stored.GradingDetails, false)
	inner, ok := redacted["details"].(map[string]interface{})
	require.True(t, ok)
	report, ok := inner["report"].(sandbox.Report)
	require.True(t, ok)
	require.Len(t, report.Results, 2)
	require.Equal(t, "2", report.Results[0].Input)
	require.Empty(t, report.Results[1].Input)
	require.Empty(t, report.Results[1].ExpectedOutput)
	require.False(t, report.Results[1].Passed)

	full := RedactDetails(stored.GradingDetails, true)
	fullReport := full["details"].(map[string]interface{})["report"].(map[string]interface{})
	results := fullReport["results"].([]interface{})
	require.Equal(t, "7", results[1].(map[string]interface{})["input"])
}

func TestOverrideScoreWritesHistoryAndRefreshesResult(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()
	_, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)

	score := 2.0
	resp, err := h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &score, Reason: "hidden test was wrong"})
	require.NoError(t, err)
	require.NotNil(t, resp.ManualScore)
	require.InDelta(t, 2.0, *resp.FinalScore, 1e-9)
	require.InDelta(t, 1.0, *resp.AutoScore, 1e-9)
	require.True(t, resp.IsCorrect)

	var history []models.AnswerScoreHistory
	require.NoError(t, h.db.Where("answer_id = ?", codeAnswerID).Find(&history).Error)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].PreviousScore)
	require.InDelta(t, 1.0, *history[0].PreviousScore, 1e-9)
	require.Equal(t, uint(900), history[0].GradedBy)

	var result models.ExamResult
	require.NoError(t, h.db.Where("session_id = ?", id).First(&result).Error)
	require.InDelta(t, 4.0, result.TotalScore, 1e-9)
	require.InDelta(t, 100.0, result.Percentage, 1e-9)

	_, err = h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &score})
	require.NoError(t, err)
	require.NoError(t, h.db.Where("answer_id = ?", codeAnswerID).Find(&history).Error)
	require.Len(t, history, 1, "repeating the same override is a no-op")

	listed, err := h.grading.ListHistory(ctx, codeAnswerID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "hidden test was wrong", listed[0].Reason)

	var audit int64
	require.NoError(t, h.db.Model(&models.ActivityLog{}).Where("action = ?", ActionAnswerOverridden).Count(&audit).Error)
	require.Equal(t, int64(1), audit)
}

func TestOverrideScoreRejectsOutOfRange(t *testing.T) {
	h := newGradingHarness(t)
	_, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()

	tooHigh := 2.5
	_, err := h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &tooHigh})
	require.ErrorIs(t, err, ErrValidation)

	negative := -1.0
	_, err = h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &negative})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.grading.OverrideScore(ctx, 9999, h.proctor, dto.OverrideScoreRequest{Score: &negative})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManualScoreSurvivesLaterAutoGrade(t *testing.T) {
	h := newGradingHarness(t)
	id, codeAnswerID := h.finishedAttempt(t)
	ctx := context.Background()

	score := 0.5
	_, err := h.grading.OverrideScore(ctx, codeAnswerID, h.proctor, dto.OverrideScoreRequest{Score: &score})
	require.NoError(t, err)

	resp, err := h.grading.AutoGradeSession(ctx, id, SystemActor())
	require.NoError(t, err)
	require.Equal(t, 0, resp.NewlyGraded)

	var stored models.CandidateAnswer
	require.NoError(t, h.db.First(&stored, codeAnswerID).Error)
	require.InDelta(t, 0.5, stored.Score(), 1e-9)
	require.InDelta(t, 2.5, resp.Result.TotalScore, 1e-9)
}
