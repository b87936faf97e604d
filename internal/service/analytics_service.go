package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/stat"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/integrity"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
)

// AnalyticsService computes item statistics and integrity reports over completed attempts.
type AnalyticsService interface {
	GetExamAnalytics(ctx context.Context, examID uint) (dto.ExamAnalyticsResponse, error)
	GetIntegrityReport(ctx context.Context, examID, userID uint) (dto.IntegrityReportResponse, error)
}

type analyticsService struct {
	repo      repository.AnalyticsRepository
	exams     repository.ExamRepository
	cache     *redis.Client
	cacheTTL  time.Duration
	threshold float64
	logger    zerolog.Logger
	now       func() time.Time
}

// cohort is the read model shared by analytics and integrity reports.
type cohort struct {
	questions   []integrity.Question
	pool        []models.ExamQuestion
	respondents []integrity.Respondent
	sessions    map[uint]models.ExamSession
	results     map[uint]models.ExamResult
}

// NewAnalyticsService constructs the analytics service. cache may be nil.
func NewAnalyticsService(repo repository.AnalyticsRepository, exams repository.ExamRepository, cache *redis.Client, cfg config.ExamEngine, logger zerolog.Logger) AnalyticsService {
	return &analyticsService{
		repo:      repo,
		exams:     exams,
		cache:     cache,
		cacheTTL:  cfg.AnalyticsCacheTTL,
		threshold: cfg.CollusionThreshold,
		logger:    logger.With().Str("component", "analytics_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *analyticsService) GetExamAnalytics(ctx context.Context, examID uint) (dto.ExamAnalyticsResponse, error) {
	cacheKey := config.CacheKey.ExamAnalytics(examID)
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/analytics")
	ctx, span := tracer.Start(ctx, "analytics.exam")
	span.SetAttributes(
		attribute.Int64("analytics.exam_id", int64(examID)),
		attribute.String("analytics.cache_key", cacheKey),
	)
	defer span.End()

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var response dto.ExamAnalyticsResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				observability.AnalyticsCache().WithLabelValues("hit").Inc()
				span.SetAttributes(attribute.Bool("analytics.cache_hit", true))
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read analytics cache")
			span.RecordError(err)
		}
		observability.AnalyticsCache().WithLabelValues("miss").Inc()
	}

	data, err := s.loadCohort(ctx, examID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cohort_load_failed")
		return dto.ExamAnalyticsResponse{}, err
	}

	response := s.buildAnalytics(examID, data)
	span.SetAttributes(attribute.Int("analytics.respondents", response.Respondents))

	if s.cache != nil && s.cacheTTL > 0 {
		payload, err := json.Marshal(response)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store analytics cache")
				span.RecordError(err)
			}
		}
	}

	return response, nil
}

func (s *analyticsService) buildAnalytics(examID uint, data cohort) dto.ExamAnalyticsResponse {
	respondents := data.respondents
	response := dto.ExamAnalyticsResponse{
		ExamID:      examID,
		Respondents: len(respondents),
		Questions:   make([]dto.QuestionAnalytics, 0, len(data.questions)),
		GeneratedAt: s.now(),
	}

	if len(respondents) > 0 {
		scores := make([]float64, 0, len(respondents))
		percentages := make([]float64, 0, len(respondents))
		passed := 0
		for _, respondent := range respondents {
			scores = append(scores, respondent.TotalScore)
			if result, ok := data.results[respondent.UserID]; ok {
				percentages = append(percentages, result.Percentage)
				if result.Passed {
					passed++
				}
			}
		}
		mean, std := stat.MeanStdDev(scores, nil)
		response.AverageScore = round2(mean)
		if len(scores) > 1 {
			response.ScoreStdDev = round2(std)
		}
		if len(percentages) > 0 {
			response.AveragePercentage = round2(stat.Mean(percentages, nil))
			response.PassRate = round2(float64(passed) / float64(len(percentages)) * 100)
		}
	}

	for i, question := range data.questions {
		difficulty := integrity.DifficultyIndex(question.ExamQuestionID, respondents)
		discrimination := integrity.DiscriminationIndex(question.ExamQuestionID, respondents)

		item := dto.QuestionAnalytics{
			ExamQuestionID:      question.ExamQuestionID,
			Ordinal:             question.Ordinal,
			Type:                question.Type,
			Topic:               data.pool[i].QuestionVersion.Topic,
			Difficulty:          question.Difficulty,
			DifficultyIndex:     round2(difficulty),
			DiscriminationIndex: round2(discrimination),
		}

		var times []float64
		for _, respondent := range respondents {
			if outcome, ok := respondent.Answers[question.ExamQuestionID]; ok {
				item.SampleSize++
				times = append(times, float64(outcome.TimeTakenSeconds))
			}
		}
		if len(times) > 0 {
			item.AverageTimeSeconds = round2(stat.Mean(times, nil))
		}

		for _, option := range integrity.DistractorAnalysis(question, respondents) {
			item.Distractors = append(item.Distractors, dto.DistractorStat{
				OptionID:   option.OptionID,
				Text:       option.Text,
				IsCorrect:  option.IsCorrect,
				Count:      option.Count,
				Percentage: option.Percentage,
			})
		}

		if len(respondents) > 0 {
			reasons := integrity.FlagReasons(difficulty, discrimination)
			if !integrity.HasDiscriminationSample(len(respondents)) {
				reasons = withoutReason(reasons, integrity.ReasonPoorSeparates)
			}
			item.Flagged = len(reasons) > 0
			item.FlagReason = integrity.JoinReasons(reasons)
		}

		response.Questions = append(response.Questions, item)
	}

	return response
}

func (s *analyticsService) GetIntegrityReport(ctx context.Context, examID, userID uint) (dto.IntegrityReportResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/analytics")
	ctx, span := tracer.Start(ctx, "analytics.integrity_report")
	span.SetAttributes(
		attribute.Int64("analytics.exam_id", int64(examID)),
		attribute.Int64("analytics.user_id", int64(userID)),
	)
	defer span.End()

	data, err := s.loadCohort(ctx, examID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cohort_load_failed")
		return dto.IntegrityReportResponse{}, err
	}

	session, ok := data.sessions[userID]
	if !ok {
		span.SetStatus(codes.Error, "attempt_not_found")
		return dto.IntegrityReportResponse{}, fmt.Errorf("%w: no completed attempt for this candidate", ErrNotFound)
	}

	flags, err := s.repo.ListFlagsByExam(ctx, examID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flags_lookup_failed")
		return dto.IntegrityReportResponse{}, err
	}

	var sessionFlags []models.ProctorFlag
	for _, flag := range flags {
		if flag.SessionID == session.ID {
			sessionFlags = append(sessionFlags, flag)
		}
	}

	var answers map[uint]integrity.Outcome
	for _, respondent := range data.respondents {
		if respondent.UserID == userID {
			answers = respondent.Answers
			break
		}
	}

	severity := flagSeverity(sessionFlags)
	timing := integrity.TimingAnomalies(data.questions, answers)
	collusion := integrity.Collusion(userID, data.questions, data.respondents, s.threshold)
	breakdown := integrity.Score(integrity.Inputs{
		FlagSeverity:     severity,
		TimingAnomalies:  timing,
		TabSwitches:      session.TabSwitchCount,
		Collusion:        collusion.Similarity,
		CollusionFlagged: collusion.Flagged,
	})

	report := dto.IntegrityReportResponse{
		ExamID:         examID,
		UserID:         userID,
		SessionID:      session.ID,
		IntegrityScore: breakdown.Score,
		Breakdown: dto.IntegrityBreakdown{
			FlagPenalty:      breakdown.FlagPenalty,
			TimingPenalty:    breakdown.TimingPenalty,
			TabSwitchPenalty: breakdown.TabSwitchPenalty,
			CollusionPenalty: breakdown.CollusionPenalty,
		},
		FlagSeverity:    severity,
		TimingAnomalies: timing,
		TabSwitchCount:  session.TabSwitchCount,
		Collusion: dto.CollusionSignal{
			Similarity: collusion.Similarity,
			PeerUserID: collusion.PeerUserID,
			Flagged:    collusion.Flagged,
		},
		Flags:      make([]dto.ProctorFlagResponse, 0, len(sessionFlags)),
		Disclaimer: dto.IntegrityDisclaimer,
	}
	for _, flag := range sessionFlags {
		report.Flags = append(report.Flags, dto.NewProctorFlagResponse(flag))
	}

	span.SetAttributes(
		attribute.Float64("analytics.integrity_score", breakdown.Score),
		attribute.Bool("analytics.collusion_flagged", collusion.Flagged),
	)
	return report, nil
}

func (s *analyticsService) loadCohort(ctx context.Context, examID uint) (cohort, error) {
	if _, err := s.exams.FindByID(ctx, examID); err != nil {
		return cohort{}, notFoundOr(err)
	}

	pool, err := s.exams.ListQuestions(ctx, examID)
	if err != nil {
		return cohort{}, err
	}
	answers, sessions, err := s.repo.ListAnswersByExam(ctx, examID)
	if err != nil {
		return cohort{}, err
	}
	results, err := s.repo.ListResults(ctx, examID)
	if err != nil {
		return cohort{}, err
	}

	data := cohort{
		questions: integrityQuestions(pool),
		pool:      pool,
		sessions:  make(map[uint]models.ExamSession, len(sessions)),
		results:   make(map[uint]models.ExamResult, len(results)),
	}
	for _, result := range results {
		data.results[result.UserID] = result
	}

	bySession := make(map[uint][]models.CandidateAnswer, len(sessions))
	for _, answer := range answers {
		bySession[answer.SessionID] = append(bySession[answer.SessionID], answer)
	}

	for _, session := range sessions {
		data.sessions[session.UserID] = session

		sessionAnswers := bySession[session.ID]
		respondent := integrity.Respondent{
			UserID:  session.UserID,
			Answers: outcomes(sessionAnswers),
		}
		if result, ok := data.results[session.UserID]; ok {
			respondent.TotalScore = result.TotalScore
		} else {
			for _, answer := range sessionAnswers {
				respondent.TotalScore += answer.Score()
			}
		}
		data.respondents = append(data.respondents, respondent)
	}

	return data, nil
}

func withoutReason(reasons []string, drop string) []string {
	out := reasons[:0]
	for _, reason := range reasons {
		if reason != drop {
			out = append(out, reason)
		}
	}
	return out
}
