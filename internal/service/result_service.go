package service

import (
	"context"
	"encoding/json"
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

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/pkg/ai"
)

const aiReviewTimeout = 20 * time.Second

// ResultService publishes results and handles candidate re-evaluation requests.
type ResultService interface {
	PublishResults(ctx context.Context, examID uint, actor ActivityActor) (dto.PublishResultsResponse, error)
	RequestReEvaluation(ctx context.Context, resultID uint, actor ActivityActor, req dto.ReEvaluationCreateRequest) (dto.ReEvaluationResponse, error)
	ResolveReEvaluation(ctx context.Context, requestID uint, actor ActivityActor, req dto.ReEvaluationResolveRequest) (dto.ReEvaluationResponse, error)
	GetResult(ctx context.Context, resultID uint, actor ActivityActor) (dto.ResultResponse, error)
	ListResults(ctx context.Context, examID uint) ([]dto.ResultResponse, error)
}

type resultService struct {
	repo      repository.ResultRepository
	answers   repository.GradingRepository
	exams     repository.ExamRepository
	grading   GradingService
	evaluator ai.Evaluator
	notifier  NotificationService
	activity  ActivityRecorder
	publisher EventPublisher
	cache     *redis.Client
	window    time.Duration
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// ResultServiceDeps groups the collaborators of the result service. Evaluator, Notifier,
// Publisher and Cache are optional.
type ResultServiceDeps struct {
	Results   repository.ResultRepository
	Answers   repository.GradingRepository
	Exams     repository.ExamRepository
	Grading   GradingService
	Evaluator ai.Evaluator
	Notifier  NotificationService
	Activity  ActivityRecorder
	Publisher EventPublisher
	Cache     *redis.Client
}

// NewResultService constructs the result service.
func NewResultService(deps ResultServiceDeps, cfg config.ExamEngine, validate *validator.Validate, logger zerolog.Logger) ResultService {
	window := cfg.ChallengeWindow
	if window <= 0 {
		window = config.DefaultExamEngine().ChallengeWindow
	}
	return &resultService{
		repo:      deps.Results,
		answers:   deps.Answers,
		exams:     deps.Exams,
		grading:   deps.Grading,
		evaluator: deps.Evaluator,
		notifier:  deps.Notifier,
		activity:  deps.Activity,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		window:    window,
		validator: validate,
		logger:    logger.With().Str("component", "result_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *resultService) PublishResults(ctx context.Context, examID uint, actor ActivityActor) (dto.PublishResultsResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/result")
	ctx, span := tracer.Start(ctx, "result.publish")
	span.SetAttributes(attribute.Int64("result.exam_id", int64(examID)))
	defer span.End()

	if _, err := s.exams.FindByID(ctx, examID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exam_not_found")
		return dto.PublishResultsResponse{}, notFoundOr(err)
	}

	now := s.now()
	var published []models.ExamResult
	err := s.repo.Transaction(ctx, func(repo repository.ResultRepository) error {
		var err error
		published, err = repo.PublishByExam(ctx, examID, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish_failed")
		return dto.PublishResultsResponse{}, err
	}

	span.SetAttributes(attribute.Int("result.published", len(published)))
	if len(published) > 0 {
		userIDs := make([]uint, 0, len(published))
		for _, result := range published {
			userIDs = append(userIDs, result.UserID)
		}
		if s.notifier != nil {
			if _, err := s.notifier.PublishMany(ctx, userIDs, &examID, NotificationResultsPublished, "Your exam result is now available."); err != nil {
				s.logger.Warn().Err(err).Uint("exam_id", examID).Msg("failed to notify candidates of published results")
			}
		}
		if s.publisher != nil {
			s.publisher.Publish(ctx, dto.SessionEvent{
				Type:       EventResultsPublished,
				ExamID:     examID,
				Payload:    map[string]interface{}{"published": len(published)},
				OccurredAt: now,
			})
		}
	}

	record(ctx, s.activity, s.logger, actor, ActionResultsPublished, entityExam, examID, map[string]interface{}{
		"published": len(published),
	})

	if s.cache != nil {
		if err := s.cache.Del(ctx, config.CacheKey.ExamAnalytics(examID)).Err(); err != nil {
			s.logger.Warn().Err(err).Uint("exam_id", examID).Msg("failed to invalidate analytics cache")
		}
	}

	return dto.PublishResultsResponse{ExamID: examID, Published: len(published), PublishedAt: now}, nil
}

func (s *resultService) RequestReEvaluation(ctx context.Context, resultID uint, actor ActivityActor, req dto.ReEvaluationCreateRequest) (dto.ReEvaluationResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/result")
	ctx, span := tracer.Start(ctx, "result.request_re_evaluation")
	span.SetAttributes(
		attribute.Int64("result.id", int64(resultID)),
		attribute.Int64("result.answer_id", int64(req.AnswerID)),
	)
	defer span.End()

	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ReEvaluationResponse{}, err
	}

	result, err := s.repo.FindByID(ctx, resultID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result_not_found")
		return dto.ReEvaluationResponse{}, notFoundOr(err)
	}
	if result.UserID != actor.ID && !actor.IsPrivileged() {
		span.SetStatus(codes.Error, "forbidden")
		return dto.ReEvaluationResponse{}, ErrForbidden
	}
	if result.Status != models.ResultStatusPublished || result.PublishedAt == nil {
		span.SetStatus(codes.Error, "result_unpublished")
		return dto.ReEvaluationResponse{}, fmt.Errorf("%w: result is not published", ErrInvalidState)
	}
	if s.now().After(result.PublishedAt.Add(s.window)) {
		span.SetStatus(codes.Error, "window_closed")
		return dto.ReEvaluationResponse{}, ErrChallengeWindowClosed
	}

	answer, err := s.answers.FindAnswer(ctx, req.AnswerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer_not_found")
		return dto.ReEvaluationResponse{}, notFoundOr(err)
	}
	if answer.SessionID != result.SessionID {
		span.SetStatus(codes.Error, "answer_not_in_result")
		return dto.ReEvaluationResponse{}, fmt.Errorf("%w: answer does not belong to this result", ErrNotFound)
	}

	open, err := s.repo.HasOpenReEvaluation(ctx, answer.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup_failed")
		return dto.ReEvaluationResponse{}, err
	}
	if open {
		span.SetStatus(codes.Error, "already_open")
		return dto.ReEvaluationResponse{}, fmt.Errorf("%w: a re-evaluation is already open for this answer", ErrInvalidState)
	}

	request := models.ReEvaluationRequest{
		ResultID: result.ID,
		AnswerID: answer.ID,
		UserID:   result.UserID,
		Reason:   req.Reason,
		Status:   models.ReEvaluationStatusOpen,
	}
	if suggestion, ok := s.suggest(ctx, answer, req.Reason); ok {
		score := round2(suggestion.Score * answerMarks(answer))
		request.SuggestedScore = &score
		request.SuggestionNotes = strings.TrimSpace(suggestion.Feedback)
		span.SetAttributes(attribute.Float64("result.suggested_score", score))
	}

	if err := s.repo.CreateReEvaluation(ctx, &request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return dto.ReEvaluationResponse{}, err
	}

	record(ctx, s.activity, s.logger, actor, ActionReEvaluationOpened, entityReEvaluationRequest, request.ID, map[string]interface{}{
		"result_id": result.ID,
		"answer_id": answer.ID,
	})

	return dto.NewReEvaluationResponse(request), nil
}

func (s *resultService) ResolveReEvaluation(ctx context.Context, requestID uint, actor ActivityActor, req dto.ReEvaluationResolveRequest) (dto.ReEvaluationResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/result")
	ctx, span := tracer.Start(ctx, "result.resolve_re_evaluation")
	span.SetAttributes(
		attribute.Int64("result.request_id", int64(requestID)),
		attribute.String("result.status", req.Status),
	)
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ReEvaluationResponse{}, err
	}

	existing, err := s.repo.FindReEvaluation(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request_not_found")
		return dto.ReEvaluationResponse{}, notFoundOr(err)
	}
	if existing.Status != models.ReEvaluationStatusOpen {
		span.SetStatus(codes.Error, "already_closed")
		return dto.ReEvaluationResponse{}, fmt.Errorf("%w: request already %s", ErrInvalidState, strings.ToLower(existing.Status))
	}

	notes := strings.TrimSpace(req.Notes)
	reason := fmt.Sprintf("re-evaluation #%d", existing.ID)
	if notes != "" {
		reason = reason + ": " + notes
	}

	var (
		request  models.ReEvaluationRequest
		override overrideOutcome
	)
	err = s.repo.Transaction(ctx, func(repo repository.ResultRepository) error {
		locked, err := repo.LockReEvaluation(ctx, requestID)
		if err != nil {
			return err
		}
		if locked.Status != models.ReEvaluationStatusOpen {
			return fmt.Errorf("%w: request already %s", ErrInvalidState, strings.ToLower(locked.Status))
		}

		now := s.now()
		reviewer := actor.ID
		locked.Status = req.Status
		locked.ResolvedBy = &reviewer
		locked.ResolvedAt = &now
		if req.Status == models.ReEvaluationStatusResolved {
			score := *req.Score
			override, err = applyOverride(ctx, repo.Answers(), locked.AnswerID, actor, score, reason, now)
			if err != nil {
				return err
			}
			locked.ResolvedScore = &score
		}
		request = locked
		return repo.SaveReEvaluation(ctx, &request)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve_failed")
		return dto.ReEvaluationResponse{}, notFoundOr(err)
	}

	if override.changed {
		recordOverride(ctx, s.activity, s.logger, actor, override)
		if _, err := s.grading.RefreshResult(ctx, override.answer.SessionID); err != nil {
			s.logger.Warn().Err(err).Uint("session_id", override.answer.SessionID).Msg("failed to refresh result after re-evaluation")
		}
	}

	metadata := map[string]interface{}{
		"status":    request.Status,
		"answer_id": request.AnswerID,
		"notes":     notes,
	}
	if request.ResolvedScore != nil {
		metadata["score"] = *request.ResolvedScore
	}
	record(ctx, s.activity, s.logger, actor, ActionReEvaluationClosed, entityReEvaluationRequest, request.ID, metadata)

	message := "Your re-evaluation request was reviewed and the original score stands."
	if request.Status == models.ReEvaluationStatusResolved {
		message = fmt.Sprintf("Your re-evaluation request was accepted. New score: %.2f.", *request.ResolvedScore)
	}
	target := notificationTarget{UserID: request.UserID}
	if result, err := s.repo.FindByID(ctx, request.ResultID); err == nil {
		target.ExamID = result.ExamID
		target.SessionID = result.SessionID
	}
	notify(ctx, s.notifier, s.logger, target, NotificationReEvaluation, message)

	return dto.NewReEvaluationResponse(request), nil
}

// GetResult returns one result. Candidates only see their own result once it is published.
func (s *resultService) GetResult(ctx context.Context, resultID uint, actor ActivityActor) (dto.ResultResponse, error) {
	result, err := s.repo.FindByID(ctx, resultID)
	if err != nil {
		return dto.ResultResponse{}, notFoundOr(err)
	}
	if !actor.IsPrivileged() {
		if result.UserID != actor.ID {
			return dto.ResultResponse{}, ErrForbidden
		}
		if result.Status != models.ResultStatusPublished {
			return dto.ResultResponse{}, fmt.Errorf("%w: result is not published", ErrNotFound)
		}
	}
	return dto.NewResultResponse(result), nil
}

func (s *resultService) ListResults(ctx context.Context, examID uint) ([]dto.ResultResponse, error) {
	if _, err := s.exams.FindByID(ctx, examID); err != nil {
		return nil, notFoundOr(err)
	}
	results, err := s.repo.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ResultResponse, 0, len(results))
	for _, result := range results {
		out = append(out, dto.NewResultResponse(result))
	}
	return out, nil
}

// suggest asks the AI evaluator for an advisory score on free-text and code answers.
func (s *resultService) suggest(ctx context.Context, answer models.CandidateAnswer, reason string) (ai.EvaluationResult, bool) {
	if s.evaluator == nil {
		return ai.EvaluationResult{}, false
	}

	version := answer.ExamQuestion.QuestionVersion
	input := ai.EvaluationInput{
		QuestionType:    version.Type,
		Question:        version.Content,
		Language:        answer.Language,
		AutoScore:       answer.Score(),
		MaxScore:        answerMarks(answer),
		ChallengeReason: reason,
	}
	switch version.Type {
	case models.QuestionTypeShortAnswer:
		keywords := make([]string, 0)
		for _, keyword := range version.KeywordList() {
			keywords = append(keywords, keyword.Keyword)
		}
		input.ReferenceAnswer = strings.Join(keywords, ", ")
		input.CandidateAnswer = answer.AnswerContent
	case models.QuestionTypeCode:
		input.CandidateAnswer = answer.CodeSubmission
		if details := RedactDetails(answer.GradingDetails, false); details != nil {
			if payload, err := json.Marshal(details); err == nil {
				input.ExecutionReport = string(payload)
			}
		}
	default:
		return ai.EvaluationResult{}, false
	}

	reviewCtx, cancel := context.WithTimeout(ctx, aiReviewTimeout)
	defer cancel()

	result, err := s.evaluator.Evaluate(reviewCtx, input)
	if err != nil {
		s.logger.Warn().Err(err).Uint("answer_id", answer.ID).Msg("ai review unavailable")
		return ai.EvaluationResult{}, false
	}
	result.Score = math.Max(0, math.Min(1, result.Score))
	return result, true
}

func answerMarks(answer models.CandidateAnswer) float64 {
	if answer.MaxMarks > 0 {
		return answer.MaxMarks
	}
	return answer.ExamQuestion.Marks
}
