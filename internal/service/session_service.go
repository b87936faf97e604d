package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-engine/internal/adaptive"
	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/grading"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/pkg/timer"
)

// GradingEnqueuer schedules deferred grading of a finished session.
type GradingEnqueuer interface {
	Enqueue(ctx context.Context, sessionID uint) error
}

// SessionService drives the exam session state machine.
type SessionService interface {
	StartSession(ctx context.Context, actor ActivityActor, req dto.StartSessionRequest) (dto.StartSessionResponse, error)
	SubmitAnswer(ctx context.Context, sessionID uint, actor ActivityActor, req dto.SubmitAnswerRequest) (dto.SubmitAnswerResponse, error)
	ReportViolation(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ViolationRequest) (dto.ViolationResponse, error)
	ProctorUnlock(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error)
	ExtendTime(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ExtendTimeRequest) (dto.SessionResponse, error)
	PauseSession(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error)
	ResumeSession(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error)
	FinishSession(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionResponse, error)
	Reconnect(ctx context.Context, sessionID uint, actor ActivityActor) (dto.ReconnectResponse, error)
	GetStatus(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionResponse, error)
	GetQuestionByIndex(ctx context.Context, sessionID uint, actor ActivityActor, index int) (dto.DeliveredQuestion, error)
	GetMarkers(ctx context.Context, sessionID uint, actor ActivityActor) (dto.MarkersResponse, error)
}

type sessionService struct {
	sessions   repository.SessionRepository
	exams      repository.ExamRepository
	engine     *grading.Engine
	publisher  EventPublisher
	notifier   NotificationService
	queue      GradingEnqueuer
	activity   ActivityRecorder
	cfg        config.ExamEngine
	validator  *validator.Validate
	logger     zerolog.Logger
	tracer     trace.Tracer
	sanitizer  *bluemonday.Policy
	locks      *keyedMutex
	startLocks *keyedMutex
	now        func() time.Time
}

// examScope is the exam and its pinned questions, in ordinal order.
type examScope struct {
	exam  models.Exam
	pool  []models.ExamQuestion
	items []adaptive.Item
}

// NewSessionService constructs the session state machine. publisher, notifier, queue and
// activity are optional.
func NewSessionService(
	sessions repository.SessionRepository,
	exams repository.ExamRepository,
	engine *grading.Engine,
	publisher EventPublisher,
	notifier NotificationService,
	queue GradingEnqueuer,
	activity ActivityRecorder,
	cfg config.ExamEngine,
	validate *validator.Validate,
	logger zerolog.Logger,
) SessionService {
	return &sessionService{
		sessions:   sessions,
		exams:      exams,
		engine:     engine,
		publisher:  publisher,
		notifier:   notifier,
		queue:      queue,
		activity:   activity,
		cfg:        cfg,
		validator:  validate,
		logger:     logger.With().Str("component", "session_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/session"),
		sanitizer:  bluemonday.StrictPolicy(),
		locks:      newKeyedMutex(),
		startLocks: newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *sessionService) StartSession(ctx context.Context, actor ActivityActor, req dto.StartSessionRequest) (dto.StartSessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.start")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.StartSessionResponse{}, err
	}
	span.SetAttributes(attribute.Int64("enrollment.id", int64(req.EnrollmentID)))

	enrollment, err := s.exams.FindEnrollment(ctx, req.EnrollmentID)
	if err != nil {
		return dto.StartSessionResponse{}, notFoundOr(err)
	}
	if !actor.IsPrivileged() && enrollment.UserID != actor.ID {
		return dto.StartSessionResponse{}, ErrForbidden
	}

	scope, err := s.loadScope(ctx, enrollment.ExamID)
	if err != nil {
		return dto.StartSessionResponse{}, err
	}
	if len(scope.pool) == 0 {
		return dto.StartSessionResponse{}, fmt.Errorf("%w: exam has no questions", ErrInvalidState)
	}

	unlock := s.startLocks.Lock(req.EnrollmentID)
	defer unlock()

	var (
		session models.ExamSession
		first   *adaptive.Item
	)
	err = s.sessions.Transaction(ctx, func(repo repository.SessionRepository) error {
		locked, err := repo.LockEnrollment(ctx, req.EnrollmentID)
		if err != nil {
			return err
		}
		if locked.Status != models.EnrollmentStatusEnrolled {
			return fmt.Errorf("%w: enrollment is %s", ErrInvalidState, strings.ToLower(locked.Status))
		}

		exam := locked.Exam
		if exam.Status != models.ExamStatusScheduled && exam.Status != models.ExamStatusInProgress {
			return fmt.Errorf("%w: exam is %s", ErrInvalidState, strings.ToLower(exam.Status))
		}

		now := s.now()
		if !exam.WithinWindow(now) {
			return ErrWindowClosed
		}

		minutes := timer.EffectiveDurationMinutes(exam.DurationMinutes, locked.DurationMultiplier, locked.ExtraTimeMinutes)
		session = models.ExamSession{
			EnrollmentID:   locked.ID,
			ExamID:         exam.ID,
			UserID:         locked.UserID,
			StartedAt:      now,
			ServerDeadline: timer.CalculateDeadline(now, minutes),
		}

		if exam.IsAdaptive {
			state := adaptive.NewState(scope.items)
			first = adaptive.Next(state, scope.items)
			if first != nil {
				state = adaptive.MarkServed(state, *first)
			}
			encoded, err := state.Encode()
			if err != nil {
				return err
			}
			session.AdaptiveState = datatypes.JSON(encoded)
		} else {
			first = adaptive.Sequential(scope.items, 0)
		}

		if err := repo.Create(ctx, &session); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return fmt.Errorf("%w: session already started", ErrInvalidState)
			}
			return err
		}
		if err := repo.UpdateEnrollmentStatus(ctx, locked.ID, models.EnrollmentStatusInProgress); err != nil {
			return err
		}
		return repo.MarkExamInProgress(ctx, exam.ID)
	})
	if err != nil {
		s.fail(span, "start", "start_failed", err)
		return dto.StartSessionResponse{}, notFoundOr(err)
	}

	observability.SessionTransitions().WithLabelValues("start", "ok").Inc()
	observability.SessionsActive().Inc()
	s.publish(ctx, EventSessionStarted, session, map[string]interface{}{
		"server_deadline": session.ServerDeadline,
	})

	response := dto.StartSessionResponse{Session: s.toResponse(session, scope, s.now())}
	if first != nil {
		response.Question = scope.deliver(first.ExamQuestionID)
	}
	return response, nil
}

func (s *sessionService) SubmitAnswer(ctx context.Context, sessionID uint, actor ActivityActor, req dto.SubmitAnswerRequest) (dto.SubmitAnswerResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.submit_answer", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
		attribute.Int64("exam_question.id", int64(req.ExamQuestionID)),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SubmitAnswerResponse{}, err
	}

	var (
		answer models.CandidateAnswer
		next   *adaptive.Item
		mode   string
	)
	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, scope examScope, now time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		if session.IsLocked || session.PausedAt != nil {
			return ErrLocked
		}

		question, ok := scope.question(req.ExamQuestionID)
		if !ok {
			return fmt.Errorf("%w: question is not part of this exam", ErrNotFound)
		}

		var state adaptive.State
		if scope.exam.IsAdaptive {
			decoded, err := adaptive.Decode(session.AdaptiveState, scope.items)
			if err != nil {
				return err
			}
			if !decoded.HasServed(question.ID) {
				return fmt.Errorf("%w: question has not been delivered", ErrInvalidState)
			}
			state = decoded
		}

		exists, err := repo.AnswerExists(ctx, session.ID, question.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateAnswer
		}

		since := session.StartedAt
		if session.LastAnsweredAt != nil {
			since = *session.LastAnsweredAt
		}
		taken := int64(now.Sub(since) / time.Second)
		if taken < 0 {
			taken = 0
		}

		answer = models.CandidateAnswer{
			SessionID:        session.ID,
			ExamQuestionID:   question.ID,
			AnswerContent:    req.Content,
			CodeSubmission:   req.Code,
			Language:         strings.ToLower(strings.TrimSpace(req.Language)),
			TimeTakenSeconds: taken,
			MaxMarks:         question.Marks,
			AnsweredAt:       now,
		}
		var correct bool
		correct, mode = s.gradeInline(ctx, question, &answer, now)

		if err := repo.CreateAnswer(ctx, &answer); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrDuplicateAnswer
			}
			return err
		}

		answeredAt := now
		session.LastAnsweredAt = &answeredAt
		session.QuestionsAnswered++
		if correct {
			session.CorrectAnswers++
		}
		session.RunningAccuracy = float64(session.CorrectAnswers) / float64(session.QuestionsAnswered)

		if scope.exam.IsAdaptive {
			item, _ := scope.item(question.ID)
			state = adaptive.Record(state, item, correct)
			state = adaptive.Adjust(state, scope.items)
			next = adaptive.Next(state, scope.items)
			if next != nil {
				state = adaptive.MarkServed(state, *next)
				session.CurrentQuestionIndex = len(state.QuestionsServed) - 1
			} else {
				session.CurrentQuestionIndex = len(scope.items)
			}
			encoded, err := state.Encode()
			if err != nil {
				return err
			}
			session.AdaptiveState = datatypes.JSON(encoded)
		} else {
			answers, err := repo.ListAnswers(ctx, session.ID)
			if err != nil {
				return err
			}
			next, session.CurrentQuestionIndex = nextSequential(scope.items, answeredSet(answers), session.CurrentQuestionIndex)
		}

		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "submit_answer", "submit_failed", err)
		return dto.SubmitAnswerResponse{}, err
	}
	if expired {
		span.SetStatus(codes.Error, "session_expired")
		return dto.SubmitAnswerResponse{}, ErrExpired
	}

	observability.SessionTransitions().WithLabelValues("submit_answer", "ok").Inc()
	observability.AnswersGraded().WithLabelValues(strings.ToLower(answer.ExamQuestion.QuestionVersion.Type), mode).Inc()
	s.publish(ctx, EventAnswerSubmitted, session, map[string]interface{}{
		"exam_question_id":   answer.ExamQuestionID,
		"questions_answered": session.QuestionsAnswered,
	})

	response := dto.SubmitAnswerResponse{
		AnswerID:  answer.ID,
		Session:   s.toResponse(session, scope, s.now()),
		Completed: next == nil,
	}
	if next != nil {
		response.NextQuestion = scope.deliver(next.ExamQuestionID)
	}
	return response, nil
}

// gradeInline scores objective answers at submission time. Code answers are left for the
// grading worker and count as incorrect for running accuracy.
func (s *sessionService) gradeInline(ctx context.Context, question models.ExamQuestion, answer *models.CandidateAnswer, now time.Time) (bool, string) {
	answer.ExamQuestion = question

	key, err := grading.KeyFromVersion(question.QuestionVersion)
	if err != nil {
		s.logger.Warn().Err(err).Uint("exam_question_id", question.ID).Msg("question has no usable answer key")
		score := 0.0
		answer.AutoScore = &score
		answer.FinalScore = &score
		answer.IsGraded = true
		answer.GradedAt = &now
		answer.GradingDetails = encodeDetails(map[string]interface{}{"note": "answer key unavailable"})
		return false, "unavailable"
	}
	if grading.RequiresSandbox(key) {
		return false, "deferred"
	}

	result := s.engine.Grade(ctx, key, grading.Submission{
		Content:  answer.AnswerContent,
		Code:     answer.CodeSubmission,
		Language: answer.Language,
	}, question.Marks)

	score := result.Score
	answer.AutoScore = &score
	answer.FinalScore = &score
	answer.IsCorrect = result.IsCorrect()
	answer.IsGraded = true
	answer.GradedAt = &now
	answer.GradingDetails = encodeDetails(result)
	return answer.IsCorrect, "inline"
}

func (s *sessionService) ReportViolation(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ViolationRequest) (dto.ViolationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.report_violation", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
		attribute.String("violation.type", req.Type),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ViolationResponse{}, err
	}

	var lockedNow bool
	var maxSwitches int
	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, scope examScope, now time.Time) error {
		maxSwitches = s.maxTabSwitches(scope.exam)
		if session.IsFinished() {
			return nil
		}

		if err := repo.CreateViolation(ctx, &models.ViolationLog{
			SessionID:  session.ID,
			Type:       req.Type,
			Metadata:   s.sanitizeViolationMetadata(req.Metadata),
			OccurredAt: now,
		}); err != nil {
			return err
		}

		if session.IsLocked {
			return nil
		}
		if req.Type != models.ViolationTabSwitch && req.Type != models.ViolationFocusLoss {
			return nil
		}

		session.TabSwitchCount++
		if session.TabSwitchCount >= maxSwitches {
			lockedAt := now
			session.IsLocked = true
			session.LockedAt = &lockedAt
			session.LockReason = fmt.Sprintf("tab switch limit reached (%d/%d)", session.TabSwitchCount, maxSwitches)
			lockedNow = true

			if err := repo.CreateFlag(ctx, &models.ProctorFlag{
				SessionID:   session.ID,
				ExamID:      session.ExamID,
				UserID:      session.UserID,
				Type:        models.FlagExcessiveTabSwitches,
				Severity:    1,
				Status:      models.FlagStatusPending,
				Description: session.LockReason,
			}); err != nil {
				return err
			}
		}
		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "report_violation", "violation_failed", err)
		return dto.ViolationResponse{}, err
	}

	observability.Violations().WithLabelValues(strings.ToLower(req.Type)).Inc()
	if !expired && !session.IsFinished() {
		s.publish(ctx, EventViolation, session, map[string]interface{}{
			"type":             req.Type,
			"tab_switch_count": session.TabSwitchCount,
		})
	}
	if lockedNow {
		observability.SessionLocks().Inc()
		s.publish(ctx, EventSessionLocked, session, map[string]interface{}{"reason": session.LockReason})
		notify(ctx, s.notifier, s.logger, sessionTarget(session), NotificationSessionLocked,
			"Your exam session was locked after repeated tab switches. A proctor will review it shortly.")
	}

	remaining := maxSwitches - session.TabSwitchCount
	if remaining < 0 || session.IsLocked {
		remaining = 0
	}
	return dto.ViolationResponse{
		Locked:             session.IsLocked,
		TabSwitchCount:     session.TabSwitchCount,
		RemainingAllowance: remaining,
		Session:            s.toResponse(session, scope, s.now()),
	}, nil
}

func (s *sessionService) ProctorUnlock(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.proctor_unlock", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, err
	}

	var adjustment int64
	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, _ examScope, now time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		if !session.IsLocked || session.LockedAt == nil {
			return fmt.Errorf("%w: session is not locked", ErrInvalidState)
		}

		until := now
		if session.PausedAt != nil {
			until = *session.PausedAt
		}
		adjustment = timer.CalculateProctorAutoAdjustment(*session.LockedAt, until, s.cfg.ProctorGraceMinutes)
		unlockedAt := now
		session.TotalPausedSeconds += adjustment
		session.IsLocked = false
		session.LockedAt = nil
		session.LockReason = ""
		session.ProctorUnlockedAt = &unlockedAt
		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "unlock", "unlock_failed", err)
		return dto.SessionResponse{}, err
	}
	if expired {
		return dto.SessionResponse{}, ErrExpired
	}

	span.SetAttributes(attribute.Int64("session.compensation_seconds", adjustment))
	observability.SessionTransitions().WithLabelValues("unlock", "ok").Inc()
	record(ctx, s.activity, s.logger, actor, ActionSessionUnlocked, entityExamSession, session.ID, map[string]interface{}{
		"compensation_seconds": adjustment,
		"notes":                s.sanitizer.Sanitize(req.Notes),
	})
	s.publish(ctx, EventSessionUnlocked, session, map[string]interface{}{"compensation_seconds": adjustment})
	notify(ctx, s.notifier, s.logger, sessionTarget(session), NotificationSessionUnlocked,
		fmt.Sprintf("A proctor unlocked your exam session. %d seconds were added to your time.", adjustment))

	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) ExtendTime(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ExtendTimeRequest) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.extend_time", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
		attribute.Int("extension.minutes", req.Minutes),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, err
	}

	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, _ examScope, _ time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		session.ServerDeadline = session.ServerDeadline.Add(time.Duration(req.Minutes) * time.Minute)
		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "extend", "extend_failed", err)
		return dto.SessionResponse{}, err
	}
	if expired {
		return dto.SessionResponse{}, ErrExpired
	}

	observability.SessionTransitions().WithLabelValues("extend", "ok").Inc()
	record(ctx, s.activity, s.logger, actor, ActionSessionExtended, entityExamSession, session.ID, map[string]interface{}{
		"minutes": req.Minutes,
		"reason":  s.sanitizer.Sanitize(req.Reason),
	})
	s.publish(ctx, EventSessionExtended, session, map[string]interface{}{
		"minutes":         req.Minutes,
		"server_deadline": session.ServerDeadline,
	})
	notify(ctx, s.notifier, s.logger, sessionTarget(session), NotificationTimeExtended,
		fmt.Sprintf("Your exam time was extended by %d minutes.", req.Minutes))

	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) PauseSession(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.pause", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, err
	}

	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, _ examScope, now time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		if session.PausedAt != nil {
			return fmt.Errorf("%w: session already paused", ErrInvalidState)
		}
		pausedAt := now
		session.PausedAt = &pausedAt
		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "pause", "pause_failed", err)
		return dto.SessionResponse{}, err
	}
	if expired {
		return dto.SessionResponse{}, ErrExpired
	}

	observability.SessionTransitions().WithLabelValues("pause", "ok").Inc()
	record(ctx, s.activity, s.logger, actor, ActionSessionPaused, entityExamSession, session.ID, map[string]interface{}{
		"notes": s.sanitizer.Sanitize(req.Notes),
	})
	s.publish(ctx, EventSessionPaused, session, nil)
	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) ResumeSession(ctx context.Context, sessionID uint, actor ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.resume", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, err
	}

	var pausedSeconds int64
	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, _ examScope, now time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		if session.PausedAt == nil {
			return fmt.Errorf("%w: session is not paused", ErrInvalidState)
		}
		pausedSeconds = int64(now.Sub(*session.PausedAt) / time.Second)
		if pausedSeconds < 0 {
			pausedSeconds = 0
		}
		session.TotalPausedSeconds += pausedSeconds
		session.PausedAt = nil
		if session.IsLocked && session.LockedAt != nil {
			// Paused time is already credited; shift the lock start past it.
			lockedAt := session.LockedAt.Add(time.Duration(pausedSeconds) * time.Second)
			session.LockedAt = &lockedAt
		}
		return repo.Save(ctx, session)
	})
	if err != nil {
		s.fail(span, "resume", "resume_failed", err)
		return dto.SessionResponse{}, err
	}
	if expired {
		return dto.SessionResponse{}, ErrExpired
	}

	observability.SessionTransitions().WithLabelValues("resume", "ok").Inc()
	record(ctx, s.activity, s.logger, actor, ActionSessionResumed, entityExamSession, session.ID, map[string]interface{}{
		"paused_seconds": pausedSeconds,
		"notes":          s.sanitizer.Sanitize(req.Notes),
	})
	s.publish(ctx, EventSessionResumed, session, map[string]interface{}{"paused_seconds": pausedSeconds})
	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) FinishSession(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.finish", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	var finishedNow bool
	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(repo repository.SessionRepository, session *models.ExamSession, _ examScope, now time.Time) error {
		if session.IsFinished() {
			return nil
		}
		finishedNow = true
		return s.finishTx(ctx, repo, session, now)
	})
	if err != nil {
		s.fail(span, "finish", "finish_failed", err)
		return dto.SessionResponse{}, err
	}
	if finishedNow && !expired {
		s.afterFinish(ctx, session, "submitted")
	}

	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) Reconnect(ctx context.Context, sessionID uint, actor ActivityActor) (dto.ReconnectResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.reconnect", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	session, scope, answers, err := s.refresh(ctx, sessionID, actor)
	if err != nil {
		s.fail(span, "reconnect", "reconnect_failed", err)
		return dto.ReconnectResponse{}, err
	}

	response := dto.ReconnectResponse{
		Session: s.toResponse(session, scope, s.now()),
		Markers: s.markers(session, scope, answers),
	}
	if !session.IsFinished() {
		response.CurrentQuestion = s.currentQuestion(session, scope, answers)
	}
	return response, nil
}

func (s *sessionService) GetStatus(ctx context.Context, sessionID uint, actor ActivityActor) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.status", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	session, scope, _, err := s.refresh(ctx, sessionID, actor)
	if err != nil {
		s.fail(span, "status", "status_failed", err)
		return dto.SessionResponse{}, err
	}
	return s.toResponse(session, scope, s.now()), nil
}

func (s *sessionService) GetQuestionByIndex(ctx context.Context, sessionID uint, actor ActivityActor, index int) (dto.DeliveredQuestion, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.question_by_index", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
		attribute.Int("question.index", index),
	))
	defer span.End()

	session, scope, expired, err := s.mutate(ctx, sessionID, actor, func(_ repository.SessionRepository, session *models.ExamSession, _ examScope, _ time.Time) error {
		if session.IsFinished() {
			return fmt.Errorf("%w: session already finished", ErrInvalidState)
		}
		return nil
	})
	if err != nil {
		s.fail(span, "question_by_index", "question_failed", err)
		return dto.DeliveredQuestion{}, err
	}
	if expired {
		return dto.DeliveredQuestion{}, ErrExpired
	}

	if index < 0 {
		return dto.DeliveredQuestion{}, fmt.Errorf("%w: question index out of range", ErrNotFound)
	}

	if scope.exam.IsAdaptive {
		state, err := adaptive.Decode(session.AdaptiveState, scope.items)
		if err != nil {
			return dto.DeliveredQuestion{}, err
		}
		if index >= len(state.QuestionsServed) {
			return dto.DeliveredQuestion{}, fmt.Errorf("%w: question index out of range", ErrNotFound)
		}
		if delivered := scope.deliver(state.QuestionsServed[index]); delivered != nil {
			return *delivered, nil
		}
		return dto.DeliveredQuestion{}, ErrNotFound
	}

	item := adaptive.Sequential(scope.items, index)
	if item == nil {
		return dto.DeliveredQuestion{}, fmt.Errorf("%w: question index out of range", ErrNotFound)
	}
	return *scope.deliver(item.ExamQuestionID), nil
}

func (s *sessionService) GetMarkers(ctx context.Context, sessionID uint, actor ActivityActor) (dto.MarkersResponse, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.markers", trace.WithAttributes(attribute.Int64("session.id", int64(sessionID))))
	defer span.End()

	session, scope, answers, err := s.refresh(ctx, sessionID, actor)
	if err != nil {
		s.fail(span, "markers", "markers_failed", err)
		return dto.MarkersResponse{}, err
	}

	markers := s.markers(session, scope, answers)
	answered := 0
	for _, marker := range markers {
		if marker.Answered {
			answered++
		}
	}
	return dto.MarkersResponse{Markers: markers, Answered: answered, Total: len(scope.items)}, nil
}

// refresh re-checks expiry and returns the current session with its answers.
func (s *sessionService) refresh(ctx context.Context, sessionID uint, actor ActivityActor) (models.ExamSession, examScope, []models.CandidateAnswer, error) {
	session, scope, _, err := s.mutate(ctx, sessionID, actor, func(repository.SessionRepository, *models.ExamSession, examScope, time.Time) error {
		return nil
	})
	if err != nil {
		return models.ExamSession{}, examScope{}, nil, err
	}
	answers, err := s.sessions.ListAnswers(ctx, session.ID)
	if err != nil {
		return models.ExamSession{}, examScope{}, nil, err
	}
	return session, scope, answers, nil
}

// mutate runs fn on the row-locked session inside one transaction. A session found past its
// deadline is finished and committed instead, and expired is reported to the caller.
func (s *sessionService) mutate(ctx context.Context, sessionID uint, actor ActivityActor, fn func(repo repository.SessionRepository, session *models.ExamSession, scope examScope, now time.Time) error) (models.ExamSession, examScope, bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	current, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return models.ExamSession{}, examScope{}, false, notFoundOr(err)
	}
	if !actor.IsPrivileged() && current.UserID != actor.ID {
		return models.ExamSession{}, examScope{}, false, ErrForbidden
	}

	scope, err := s.loadScope(ctx, current.ExamID)
	if err != nil {
		return models.ExamSession{}, examScope{}, false, err
	}

	var (
		result  models.ExamSession
		expired bool
	)
	err = s.sessions.Transaction(ctx, func(repo repository.SessionRepository) error {
		session, err := repo.LockByID(ctx, sessionID)
		if err != nil {
			return err
		}

		now := s.now()
		if !session.IsFinished() && s.timerState(session, now).IsExpired {
			if err := s.finishTx(ctx, repo, &session, now); err != nil {
				return err
			}
			expired = true
			result = session
			return nil
		}

		if err := fn(repo, &session, scope, now); err != nil {
			return err
		}
		result = session
		return nil
	})
	if err != nil {
		return models.ExamSession{}, examScope{}, false, notFoundOr(err)
	}

	if expired {
		s.afterFinish(ctx, result, "expired")
	}
	return result, scope, expired, nil
}

func (s *sessionService) finishTx(ctx context.Context, repo repository.SessionRepository, session *models.ExamSession, now time.Time) error {
	if session.PausedAt != nil {
		if paused := int64(now.Sub(*session.PausedAt) / time.Second); paused > 0 {
			session.TotalPausedSeconds += paused
		}
		session.PausedAt = nil
	}
	finishedAt := now
	session.FinishedAt = &finishedAt
	if err := repo.Save(ctx, session); err != nil {
		return err
	}
	return repo.UpdateEnrollmentStatus(ctx, session.EnrollmentID, models.EnrollmentStatusCompleted)
}

func (s *sessionService) afterFinish(ctx context.Context, session models.ExamSession, reason string) {
	observability.SessionTransitions().WithLabelValues("finish", reason).Inc()
	observability.SessionsActive().Dec()

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, session.ID); err != nil {
			s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("failed to enqueue session for grading")
		}
	}

	s.publish(ctx, EventSessionFinished, session, map[string]interface{}{"reason": reason})
	notify(ctx, s.notifier, s.logger, sessionTarget(session), NotificationSessionFinished,
		"Your exam session has ended and was submitted for grading.")
}

// timerState includes the compensation a locked session is already owed, so a candidate
// waiting on a proctor beyond the grace window does not run out of time.
func (s *sessionService) timerState(session models.ExamSession, now time.Time) timer.State {
	state := timer.GetState(session.ServerDeadline, session.TotalPausedSeconds, session.PausedAt, now)
	if session.IsLocked && session.LockedAt != nil && session.PausedAt == nil {
		state.RemainingSeconds += timer.CalculateProctorAutoAdjustment(*session.LockedAt, now, s.cfg.ProctorGraceMinutes)
		state.IsExpired = state.RemainingSeconds <= 0
	}
	return state
}

func (s *sessionService) toResponse(session models.ExamSession, scope examScope, now time.Time) dto.SessionResponse {
	response := dto.SessionResponse{
		ID:                   session.ID,
		EnrollmentID:         session.EnrollmentID,
		ExamID:               session.ExamID,
		UserID:               session.UserID,
		StartedAt:            session.StartedAt,
		ServerDeadline:       timer.EffectiveDeadline(session.ServerDeadline, session.TotalPausedSeconds),
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		QuestionsAnswered:    session.QuestionsAnswered,
		TotalQuestions:       len(scope.items),
		TabSwitchCount:       session.TabSwitchCount,
		IsLocked:             session.IsLocked,
		LockReason:           session.LockReason,
		FinishedAt:           session.FinishedAt,
	}

	if session.IsFinished() {
		response.State = dto.SessionStateCompleted
		response.ExamEnded = true
		return response
	}

	state := s.timerState(session, now)
	response.RemainingSeconds = state.RemainingSeconds
	response.IsPaused = state.IsPaused

	switch {
	case session.IsLocked:
		response.State = dto.SessionStateLocked
		response.WaitingForProctor = true
	case session.PausedAt != nil:
		response.State = dto.SessionStatePaused
	default:
		response.State = dto.SessionStateInProgress
	}
	return response
}

func (s *sessionService) markers(session models.ExamSession, scope examScope, answers []models.CandidateAnswer) []dto.QuestionMarker {
	answered := answeredSet(answers)
	markers := make([]dto.QuestionMarker, 0, len(scope.items))

	if scope.exam.IsAdaptive {
		state, err := adaptive.Decode(session.AdaptiveState, scope.items)
		if err != nil {
			s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("invalid adaptive state")
		}
		for i := range scope.items {
			marker := dto.QuestionMarker{Index: i}
			if i < len(state.QuestionsServed) {
				id := state.QuestionsServed[i]
				marker.ExamQuestionID = id
				marker.Answered = answered[id]
				marker.Current = !marker.Answered && i == len(state.QuestionsServed)-1
			}
			markers = append(markers, marker)
		}
		return markers
	}

	for i, item := range scope.items {
		markers = append(markers, dto.QuestionMarker{
			Index:          i,
			ExamQuestionID: item.ExamQuestionID,
			Answered:       answered[item.ExamQuestionID],
			Current:        i == session.CurrentQuestionIndex && !session.IsFinished(),
		})
	}
	return markers
}

func (s *sessionService) currentQuestion(session models.ExamSession, scope examScope, answers []models.CandidateAnswer) *dto.DeliveredQuestion {
	answered := answeredSet(answers)

	if scope.exam.IsAdaptive {
		state, err := adaptive.Decode(session.AdaptiveState, scope.items)
		if err != nil {
			return nil
		}
		last, ok := state.LastServed()
		if !ok || answered[last] {
			return nil
		}
		return scope.deliver(last)
	}

	item := adaptive.Sequential(scope.items, session.CurrentQuestionIndex)
	if item == nil || answered[item.ExamQuestionID] {
		return nil
	}
	return scope.deliver(item.ExamQuestionID)
}

func (s *sessionService) loadScope(ctx context.Context, examID uint) (examScope, error) {
	exam, err := s.exams.FindByID(ctx, examID)
	if err != nil {
		return examScope{}, notFoundOr(err)
	}
	pool, err := s.exams.ListQuestions(ctx, examID)
	if err != nil {
		return examScope{}, err
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Ordinal < pool[j].Ordinal })

	items := make([]adaptive.Item, 0, len(pool))
	for _, question := range pool {
		items = append(items, adaptive.Item{
			ExamQuestionID: question.ID,
			Ordinal:        question.Ordinal,
			Difficulty:     question.QuestionVersion.Difficulty,
			Topic:          question.QuestionVersion.Topic,
		})
	}
	return examScope{exam: exam, pool: pool, items: items}, nil
}

func (s *sessionService) maxTabSwitches(exam models.Exam) int {
	if exam.MaxTabSwitches > 0 {
		return exam.MaxTabSwitches
	}
	if s.cfg.MaxTabSwitches > 0 {
		return s.cfg.MaxTabSwitches
	}
	return config.DefaultExamEngine().MaxTabSwitches
}

func (s *sessionService) sanitizeViolationMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range metadata {
		if text, ok := value.(string); ok {
			out[key] = s.sanitizer.Sanitize(text)
			continue
		}
		out[key] = value
	}
	return out
}

func (s *sessionService) publish(ctx context.Context, eventType string, session models.ExamSession, payload map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, dto.SessionEvent{
		Type:       eventType,
		ExamID:     session.ExamID,
		SessionID:  session.ID,
		UserID:     session.UserID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}

func (s *sessionService) fail(span trace.Span, operation, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	observability.SessionTransitions().WithLabelValues(operation, "rejected").Inc()
}

func (scope examScope) question(examQuestionID uint) (models.ExamQuestion, bool) {
	for _, question := range scope.pool {
		if question.ID == examQuestionID {
			return question, true
		}
	}
	return models.ExamQuestion{}, false
}

func (scope examScope) item(examQuestionID uint) (adaptive.Item, bool) {
	for _, item := range scope.items {
		if item.ExamQuestionID == examQuestionID {
			return item, true
		}
	}
	return adaptive.Item{}, false
}

func (scope examScope) deliver(examQuestionID uint) *dto.DeliveredQuestion {
	question, ok := scope.question(examQuestionID)
	if !ok {
		return nil
	}
	delivered := dto.NewDeliveredQuestion(question)
	return &delivered
}

// nextSequential returns the first unanswered question after current, wrapping to the start,
// and its index. All answered yields nil and an index past the end.
func nextSequential(items []adaptive.Item, answered map[uint]bool, current int) (*adaptive.Item, int) {
	total := len(items)
	for offset := 1; offset <= total; offset++ {
		index := (current + offset) % total
		if index < 0 {
			index += total
		}
		item := adaptive.Sequential(items, index)
		if item != nil && !answered[item.ExamQuestionID] {
			return item, index
		}
	}
	return nil, total
}

func answeredSet(answers []models.CandidateAnswer) map[uint]bool {
	set := make(map[uint]bool, len(answers))
	for _, answer := range answers {
		set[answer.ExamQuestionID] = true
	}
	return set
}
