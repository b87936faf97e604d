package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	cloud "github.com/noah-isme/gema-exam-engine/pkg/cloudinary"
)

const maxEvidenceBytes = 5 * 1024 * 1024

var (
	// ErrEvidenceTooLarge indicates the evidence image exceeded the size limit.
	ErrEvidenceTooLarge = errors.New("evidence exceeds maximum allowed size")
	// ErrEvidenceType indicates the evidence is not an image.
	ErrEvidenceType = errors.New("evidence must be an image")
)

var allowedEvidenceTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
}

var defaultFlagSeverity = map[string]float64{
	models.FlagNoFace:           1,
	models.FlagMultipleFaces:    2,
	models.FlagProlongedAbsence: 1,
	models.FlagManual:           1,
}

// EvidenceStorage persists validated evidence images and returns a reviewer-facing URL.
type EvidenceStorage interface {
	StoreEvidence(ctx context.Context, ref cloud.EvidenceRef, body io.Reader) (string, error)
}

// ProctorService manages externally raised proctor flags and their review.
type ProctorService interface {
	RaiseFlag(ctx context.Context, sessionID uint, actor ActivityActor, req dto.RaiseFlagRequest, evidence *dto.EvidenceUpload) (dto.ProctorFlagResponse, error)
	ReviewFlag(ctx context.Context, flagID uint, actor ActivityActor, req dto.ReviewFlagRequest) (dto.ProctorFlagResponse, error)
	ListFlags(ctx context.Context, req dto.ProctorFlagListRequest) (dto.ProctorFlagListResponse, error)
}

type proctorService struct {
	flags     repository.ProctorFlagRepository
	sessions  repository.SessionRepository
	grading   GradingService
	storage   EvidenceStorage
	publisher EventPublisher
	activity  ActivityRecorder
	absence   time.Duration
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewProctorService constructs the proctor flag service. storage may be nil, in which case
// evidence is rejected.
func NewProctorService(
	flags repository.ProctorFlagRepository,
	sessions repository.SessionRepository,
	grading GradingService,
	storage EvidenceStorage,
	publisher EventPublisher,
	activity ActivityRecorder,
	cfg config.ExamEngine,
	validate *validator.Validate,
	logger zerolog.Logger,
) ProctorService {
	absence := cfg.AbsenceThreshold
	if absence <= 0 {
		absence = config.DefaultExamEngine().AbsenceThreshold
	}
	return &proctorService{
		flags:     flags,
		sessions:  sessions,
		grading:   grading,
		storage:   storage,
		publisher: publisher,
		activity:  activity,
		absence:   absence,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "proctor_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/proctor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *proctorService) RaiseFlag(ctx context.Context, sessionID uint, actor ActivityActor, req dto.RaiseFlagRequest, evidence *dto.EvidenceUpload) (dto.ProctorFlagResponse, error) {
	ctx, span := s.tracer.Start(ctx, "proctor.raise_flag")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("proctor.session_id", int64(sessionID)),
		attribute.String("proctor.flag_type", req.Type),
	)

	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ProctorFlagResponse{}, err
	}
	if req.Type == models.FlagProlongedAbsence && time.Duration(req.AbsenceSeconds)*time.Second < s.absence {
		span.SetStatus(codes.Error, "absence_below_threshold")
		return dto.ProctorFlagResponse{}, fmt.Errorf("%w: absence must be at least %s", ErrValidation, s.absence)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_not_found")
		return dto.ProctorFlagResponse{}, notFoundOr(err)
	}

	severity := req.Severity
	if severity <= 0 {
		severity = defaultFlagSeverity[req.Type]
	}

	flag := models.ProctorFlag{
		SessionID:   session.ID,
		ExamID:      session.ExamID,
		UserID:      session.UserID,
		Type:        req.Type,
		Severity:    severity,
		Status:      models.FlagStatusPending,
		Description: strings.TrimSpace(s.sanitizer.Sanitize(req.Description)),
	}
	if req.Type == models.FlagProlongedAbsence && flag.Description == "" {
		flag.Description = fmt.Sprintf("candidate absent for %ds", req.AbsenceSeconds)
	}

	if evidence != nil {
		url, err := s.storeEvidence(ctx, span, cloud.EvidenceRef{ExamID: session.ExamID, SessionID: session.ID, FlagType: flag.Type}, evidence)
		if err != nil {
			return dto.ProctorFlagResponse{}, err
		}
		flag.EvidenceURL = url
	}

	if err := s.flags.Create(ctx, &flag); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence_failed")
		return dto.ProctorFlagResponse{}, err
	}

	observability.ProctorFlags().WithLabelValues(strings.ToLower(flag.Type)).Inc()
	s.publish(ctx, EventFlagRaised, flag, map[string]interface{}{
		"flag_id":   flag.ID,
		"type":      flag.Type,
		"severity":  flag.Severity,
		"raised_by": actor.ID,
	})
	if session.IsFinished() {
		s.refresh(ctx, session.ID)
	}

	span.SetAttributes(attribute.Int64("proctor.flag_id", int64(flag.ID)))
	return dto.NewProctorFlagResponse(flag), nil
}

func (s *proctorService) storeEvidence(ctx context.Context, span trace.Span, ref cloud.EvidenceRef, evidence *dto.EvidenceUpload) (string, error) {
	start := time.Now()
	defer func() {
		observability.EvidenceUploadLatency().Observe(time.Since(start).Seconds())
	}()

	if s.storage == nil {
		observability.EvidenceRejected().WithLabelValues("storage").Inc()
		err := fmt.Errorf("%w: evidence storage is not configured", ErrInvalidState)
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_unavailable")
		return "", err
	}
	if evidence.Reader == nil || evidence.Size > maxEvidenceBytes {
		observability.EvidenceRejected().WithLabelValues("size").Inc()
		span.SetStatus(codes.Error, "evidence_too_large")
		return "", ErrEvidenceTooLarge
	}

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(evidence.Reader, maxEvidenceBytes+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read_failed")
		return "", err
	}
	if buf.Len() > maxEvidenceBytes {
		observability.EvidenceRejected().WithLabelValues("size").Inc()
		span.SetStatus(codes.Error, "evidence_too_large")
		return "", ErrEvidenceTooLarge
	}

	detected := mimetype.Detect(buf.Bytes())
	mime := strings.ToLower(strings.TrimSpace(strings.Split(detected.String(), ";")[0]))
	span.SetAttributes(attribute.String("proctor.evidence_mime", mime))
	if _, ok := allowedEvidenceTypes[mime]; !ok {
		observability.EvidenceRejected().WithLabelValues("type").Inc()
		span.SetStatus(codes.Error, "evidence_type_rejected")
		return "", ErrEvidenceType
	}

	url, err := s.storage.StoreEvidence(ctx, ref, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.EvidenceRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_failed")
		return "", err
	}
	return url, nil
}

func (s *proctorService) ReviewFlag(ctx context.Context, flagID uint, actor ActivityActor, req dto.ReviewFlagRequest) (dto.ProctorFlagResponse, error) {
	ctx, span := s.tracer.Start(ctx, "proctor.review_flag")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("proctor.flag_id", int64(flagID)),
		attribute.String("proctor.status", req.Status),
	)

	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ProctorFlagResponse{}, err
	}

	flag, err := s.flags.FindByID(ctx, flagID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flag_not_found")
		return dto.ProctorFlagResponse{}, notFoundOr(err)
	}

	previous := flag.Status
	now := s.now()
	reviewer := actor.ID
	flag.Status = req.Status
	flag.ReviewerID = &reviewer
	flag.ReviewedAt = &now
	flag.ReviewNotes = strings.TrimSpace(s.sanitizer.Sanitize(req.Notes))

	if err := s.flags.Save(ctx, &flag); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence_failed")
		return dto.ProctorFlagResponse{}, err
	}

	record(ctx, s.activity, s.logger, actor, ActionFlagReviewed, entityProctorFlag, flag.ID, map[string]interface{}{
		"session_id":      flag.SessionID,
		"previous_status": previous,
		"status":          flag.Status,
	})
	s.publish(ctx, EventFlagReviewed, flag, map[string]interface{}{
		"flag_id": flag.ID,
		"status":  flag.Status,
	})

	if previous != flag.Status {
		if session, err := s.sessions.FindByID(ctx, flag.SessionID); err == nil && session.IsFinished() {
			s.refresh(ctx, session.ID)
		}
	}

	return dto.NewProctorFlagResponse(flag), nil
}

func (s *proctorService) ListFlags(ctx context.Context, req dto.ProctorFlagListRequest) (dto.ProctorFlagListResponse, error) {
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	flags, total, err := s.flags.List(ctx, repository.ProctorFlagFilter{
		ExamID:   req.ExamID,
		Status:   req.Status,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		return dto.ProctorFlagListResponse{}, err
	}

	items := make([]dto.ProctorFlagResponse, 0, len(flags))
	for _, flag := range flags {
		items = append(items, dto.NewProctorFlagResponse(flag))
	}
	return dto.ProctorFlagListResponse{Items: items, Pagination: paginate(req.Page, req.PageSize, total)}, nil
}

// refresh recomputes the stored integrity score after the flag set of a finished session changes.
func (s *proctorService) refresh(ctx context.Context, sessionID uint) {
	if s.grading == nil {
		return
	}
	if _, err := s.grading.RefreshResult(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Uint("session_id", sessionID).Msg("failed to refresh result after flag change")
	}
}

func (s *proctorService) publish(ctx context.Context, eventType string, flag models.ProctorFlag, payload map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, dto.SessionEvent{
		Type:       eventType,
		ExamID:     flag.ExamID,
		SessionID:  flag.SessionID,
		UserID:     flag.UserID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}
