package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/grading"
	"github.com/noah-isme/gema-exam-engine/internal/integrity"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
)

// GradingService scores finished sessions and applies manual overrides.
type GradingService interface {
	AutoGradeSession(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionGradeResponse, error)
	OverrideScore(ctx context.Context, answerID uint, actor ActivityActor, req dto.OverrideScoreRequest) (dto.AnswerGradeResponse, error)
	RefreshResult(ctx context.Context, sessionID uint) (dto.ResultResponse, error)
	ListHistory(ctx context.Context, answerID uint) ([]dto.ScoreHistoryResponse, error)
}

type gradingService struct {
	repo      repository.GradingRepository
	engine    *grading.Engine
	activity  ActivityRecorder
	cache     *redis.Client
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGradingService constructs the grading service. cache may be nil; when set, cached exam
// analytics are dropped whenever a result changes.
func NewGradingService(repo repository.GradingRepository, engine *grading.Engine, activity ActivityRecorder, cache *redis.Client, validate *validator.Validate, logger zerolog.Logger) GradingService {
	return &gradingService{
		repo:      repo,
		engine:    engine,
		activity:  activity,
		cache:     cache,
		validator: validate,
		logger:    logger.With().Str("component", "grading_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *gradingService) AutoGradeSession(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionGradeResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/grading")
	ctx, span := tracer.Start(ctx, "grading.auto_grade_session")
	span.SetAttributes(attribute.Int64("grading.session_id", int64(sessionID)))
	defer span.End()

	started := time.Now()
	defer func() { observability.GradingLatency().Observe(time.Since(started).Seconds()) }()

	session, err := s.repo.FindSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_lookup_failed")
		return dto.SessionGradeResponse{}, notFoundOr(err)
	}
	if !session.IsFinished() {
		span.SetStatus(codes.Error, "session_not_finished")
		return dto.SessionGradeResponse{}, fmt.Errorf("%w: session is still in progress", ErrInvalidState)
	}

	answers, err := s.repo.ListSessionAnswers(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answers_lookup_failed")
		return dto.SessionGradeResponse{}, err
	}

	newlyGraded, unavailable := 0, 0
	for _, answer := range answers {
		if answer.IsGraded {
			continue
		}

		// Sandbox runs can take seconds; grade before taking the row lock.
		result, mode := s.grade(ctx, answer)
		if result.Unavailable {
			unavailable++
			continue
		}

		graded := false
		err := s.repo.Transaction(ctx, func(repo repository.GradingRepository) error {
			locked, err := repo.LockAnswer(ctx, answer.ID)
			if err != nil {
				return err
			}
			if locked.IsGraded {
				return nil
			}
			applyAutoGrade(&locked, result, s.now())
			if err := repo.SaveAnswer(ctx, &locked); err != nil {
				return err
			}
			graded = true
			return nil
		})
		if err != nil {
			span.RecordError(err)
			s.logger.Error().Err(err).Uint("answer_id", answer.ID).Msg("failed to persist auto grade")
			continue
		}
		if graded {
			newlyGraded++
			observability.AnswersGraded().WithLabelValues(strings.ToLower(answer.ExamQuestion.QuestionVersion.Type), mode).Inc()
		}
	}

	result, err := s.RefreshResult(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result_refresh_failed")
		return dto.SessionGradeResponse{}, err
	}

	refreshed, err := s.repo.ListSessionAnswers(ctx, sessionID)
	if err != nil {
		return dto.SessionGradeResponse{}, err
	}

	response := dto.SessionGradeResponse{
		SessionID:   sessionID,
		NewlyGraded: newlyGraded,
		Result:      result,
		Answers:     make([]dto.AnswerGradeResponse, 0, len(refreshed)),
	}
	for _, answer := range refreshed {
		if !answer.IsGraded {
			response.PendingCount++
		}
		response.Answers = append(response.Answers, dto.NewAnswerGradeResponse(answer, RedactDetails(answer.GradingDetails, actor.IsPrivileged())))
	}

	span.SetAttributes(
		attribute.Int("grading.newly_graded", newlyGraded),
		attribute.Int("grading.pending", response.PendingCount),
	)
	if unavailable > 0 {
		span.SetStatus(codes.Error, "sandbox_unavailable")
		s.logger.Error().Uint("session_id", sessionID).Int("ungraded", unavailable).Msg("sandbox unavailable, code answers left ungraded")
		return response, fmt.Errorf("%w: %d code answer(s) left ungraded", ErrSandboxUnavailable, unavailable)
	}
	s.logger.Info().Uint("session_id", sessionID).Int("newly_graded", newlyGraded).Int("pending", response.PendingCount).Msg("session auto-graded")

	return response, nil
}

func (s *gradingService) grade(ctx context.Context, answer models.CandidateAnswer) (grading.Result, string) {
	marks := answer.MaxMarks
	if marks <= 0 {
		marks = answer.ExamQuestion.Marks
	}

	key, err := grading.KeyFromVersion(answer.ExamQuestion.QuestionVersion)
	if err != nil {
		s.logger.Warn().Err(err).Uint("answer_id", answer.ID).Msg("question has no usable answer key")
		return grading.Result{MaxScore: marks, Details: map[string]interface{}{"note": "answer key unavailable"}}, "unavailable"
	}

	mode := "worker"
	if grading.RequiresSandbox(key) {
		mode = "sandbox"
	}
	return s.engine.Grade(ctx, key, grading.Submission{
		Content:  answer.AnswerContent,
		Code:     answer.CodeSubmission,
		Language: answer.Language,
	}, marks), mode
}

func (s *gradingService) OverrideScore(ctx context.Context, answerID uint, actor ActivityActor, req dto.OverrideScoreRequest) (dto.AnswerGradeResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/grading")
	ctx, span := tracer.Start(ctx, "grading.override_score")
	span.SetAttributes(
		attribute.Int64("grading.answer_id", int64(answerID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	)
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.AnswerGradeResponse{}, err
	}

	var outcome overrideOutcome
	err := s.repo.Transaction(ctx, func(repo repository.GradingRepository) error {
		var err error
		outcome, err = applyOverride(ctx, repo, answerID, actor, *req.Score, req.Reason, s.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override_failed")
		return dto.AnswerGradeResponse{}, notFoundOr(err)
	}

	span.SetAttributes(attribute.Bool("grading.idempotent", !outcome.changed))
	if outcome.changed {
		recordOverride(ctx, s.activity, s.logger, actor, outcome)
		if _, err := s.RefreshResult(ctx, outcome.answer.SessionID); err != nil {
			s.logger.Warn().Err(err).Uint("session_id", outcome.answer.SessionID).Msg("failed to refresh result after override")
		}
	}

	answer := outcome.answer
	return dto.NewAnswerGradeResponse(answer, RedactDetails(answer.GradingDetails, true)), nil
}

type overrideOutcome struct {
	answer   models.CandidateAnswer
	previous *float64
	score    float64
	reason   string
	changed  bool
}

// applyOverride locks the answer and stores a manual score with its history row. It must run
// inside a transaction owned by the caller. Re-applying the current manual score is a no-op.
func applyOverride(ctx context.Context, repo repository.GradingRepository, answerID uint, actor ActivityActor, score float64, reason string, now time.Time) (overrideOutcome, error) {
	outcome := overrideOutcome{score: score, reason: strings.TrimSpace(reason)}

	locked, err := repo.LockAnswer(ctx, answerID)
	if err != nil {
		return outcome, err
	}

	maxMarks := locked.MaxMarks
	if maxMarks <= 0 {
		maxMarks = locked.ExamQuestion.Marks
	}
	if math.IsNaN(score) || score < 0 || score > maxMarks+1e-9 {
		return outcome, fmt.Errorf("%w: score must be between 0 and %.2f", ErrValidation, maxMarks)
	}

	outcome.answer = locked
	outcome.previous = locked.FinalScore
	if locked.ManualScore != nil && math.Abs(*locked.ManualScore-score) < 1e-6 {
		return outcome, nil
	}

	manual := score
	final := score
	answer := &outcome.answer
	answer.ManualScore = &manual
	answer.FinalScore = &final
	answer.IsCorrect = maxMarks > 0 && score >= maxMarks-1e-9
	answer.IsGraded = true
	answer.GradedAt = &now
	if err := repo.SaveAnswer(ctx, answer); err != nil {
		return outcome, err
	}
	outcome.changed = true

	return outcome, repo.CreateHistory(ctx, &models.AnswerScoreHistory{
		AnswerID:      answer.ID,
		PreviousScore: outcome.previous,
		Score:         score,
		Reason:        outcome.reason,
		GradedBy:      actor.ID,
		GradedAt:      now,
	})
}

func recordOverride(ctx context.Context, activity ActivityRecorder, logger zerolog.Logger, actor ActivityActor, outcome overrideOutcome) {
	observability.AnswersGraded().WithLabelValues(strings.ToLower(outcome.answer.ExamQuestion.QuestionVersion.Type), "manual").Inc()
	metadata := map[string]interface{}{
		"session_id": outcome.answer.SessionID,
		"score":      outcome.score,
		"reason":     outcome.reason,
	}
	if outcome.previous != nil {
		metadata["previous_score"] = *outcome.previous
	}
	record(ctx, activity, logger, actor, ActionAnswerOverridden, entityCandidateAnswer, outcome.answer.ID, metadata)
}

// RefreshResult recomputes the totals and individual integrity score of a finished session.
// A published result stays published.
func (s *gradingService) RefreshResult(ctx context.Context, sessionID uint) (dto.ResultResponse, error) {
	var result models.ExamResult
	err := s.repo.Transaction(ctx, func(repo repository.GradingRepository) error {
		session, err := repo.FindSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.IsFinished() {
			return fmt.Errorf("%w: session is still in progress", ErrInvalidState)
		}

		enrollment, err := repo.FindEnrollment(ctx, session.EnrollmentID)
		if err != nil {
			return err
		}
		questions, err := repo.ListExamQuestions(ctx, session.ExamID)
		if err != nil {
			return err
		}
		answers, err := repo.ListSessionAnswers(ctx, session.ID)
		if err != nil {
			return err
		}
		flags, err := repo.ListActiveFlags(ctx, session.ID)
		if err != nil {
			return err
		}

		result, err = repo.FindResultByEnrollment(ctx, session.EnrollmentID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			result = models.ExamResult{
				EnrollmentID: session.EnrollmentID,
				ExamID:       session.ExamID,
				UserID:       session.UserID,
				Status:       models.ResultStatusPendingReview,
			}
		}
		result.SessionID = session.ID

		maxScore := 0.0
		for _, question := range questions {
			maxScore += question.Marks
		}
		total := 0.0
		for _, answer := range answers {
			total += answer.Score()
		}

		result.TotalScore = round2(total)
		result.MaxScore = round2(maxScore)
		result.Percentage = 0
		if maxScore > 0 {
			result.Percentage = round2(total / maxScore * 100)
		}
		result.Passed = result.Percentage >= enrollment.Exam.PassPercentage
		result.TabSwitchCount = session.TabSwitchCount
		result.ProctorFlagCount = len(flags)

		breakdown := integrity.Score(integrity.Inputs{
			FlagSeverity:    flagSeverity(flags),
			TimingAnomalies: integrity.TimingAnomalies(integrityQuestions(questions), outcomes(answers)),
			TabSwitches:     session.TabSwitchCount,
		})
		score := breakdown.Score
		result.IntegrityScore = &score

		return repo.SaveResult(ctx, &result)
	})
	if err != nil {
		return dto.ResultResponse{}, notFoundOr(err)
	}
	s.invalidateAnalytics(ctx, result.ExamID)
	return dto.NewResultResponse(result), nil
}

func (s *gradingService) invalidateAnalytics(ctx context.Context, examID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, config.CacheKey.ExamAnalytics(examID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("exam_id", examID).Msg("failed to invalidate analytics cache")
	}
}

// ListHistory returns the manual overrides of an answer, newest first.
func (s *gradingService) ListHistory(ctx context.Context, answerID uint) ([]dto.ScoreHistoryResponse, error) {
	if _, err := s.repo.FindAnswer(ctx, answerID); err != nil {
		return nil, notFoundOr(err)
	}
	history, err := s.repo.ListHistory(ctx, answerID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ScoreHistoryResponse, 0, len(history))
	for _, entry := range history {
		out = append(out, dto.NewScoreHistoryResponse(entry))
	}
	return out, nil
}

func applyAutoGrade(answer *models.CandidateAnswer, result grading.Result, now time.Time) {
	score := result.Score
	answer.AutoScore = &score
	if answer.ManualScore == nil {
		final := score
		answer.FinalScore = &final
		answer.IsCorrect = result.IsCorrect()
	}
	answer.IsGraded = true
	answer.GradedAt = &now
	answer.GradingDetails = encodeDetails(result)
}

func encodeDetails(value interface{}) datatypes.JSON {
	data, err := json.Marshal(value)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(data)
}

// RedactDetails decodes stored grading details and blanks hidden test data of a code report
// for non-privileged viewers.
func RedactDetails(raw datatypes.JSON, privileged bool) map[string]interface{} {
	details := dto.DecodeDetails(raw)
	if details == nil || privileged {
		return details
	}

	var inner map[string]interface{}
	if nested, ok := details["details"].(map[string]interface{}); ok {
		inner = nested
	} else {
		inner = details
	}

	rawReport, ok := inner["report"]
	if !ok {
		return details
	}
	encoded, err := json.Marshal(rawReport)
	if err != nil {
		delete(inner, "report")
		return details
	}
	var report sandbox.Report
	if err := json.Unmarshal(encoded, &report); err != nil {
		delete(inner, "report")
		return details
	}
	inner["report"] = sandbox.Redact(report, false)
	return details
}

func flagSeverity(flags []models.ProctorFlag) float64 {
	total := 0.0
	for _, flag := range flags {
		if flag.Status == models.FlagStatusRejected {
			continue
		}
		total += flag.Severity
	}
	return total
}

func integrityQuestions(pool []models.ExamQuestion) []integrity.Question {
	questions := make([]integrity.Question, 0, len(pool))
	for _, question := range pool {
		version := question.QuestionVersion
		item := integrity.Question{
			ExamQuestionID: question.ID,
			Ordinal:        question.Ordinal,
			Type:           version.Type,
			Difficulty:     version.Difficulty,
			Marks:          question.Marks,
		}
		for _, opt := range version.OptionList() {
			item.Options = append(item.Options, integrity.Option{ID: opt.ID, Text: opt.Text, IsCorrect: opt.IsCorrect})
		}
		questions = append(questions, item)
	}
	return questions
}

func outcomes(answers []models.CandidateAnswer) map[uint]integrity.Outcome {
	out := make(map[uint]integrity.Outcome, len(answers))
	for _, answer := range answers {
		out[answer.ExamQuestionID] = integrity.Outcome{
			Score:            answer.Score(),
			MaxScore:         answer.MaxMarks,
			Selected:         grading.Submission{Content: answer.AnswerContent}.SelectedOptions(),
			TimeTakenSeconds: answer.TimeTakenSeconds,
		}
	}
	return out
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
