package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
)

// Audited actions.
const (
	ActionSessionUnlocked     = "session.unlocked"
	ActionSessionExtended     = "session.extended"
	ActionSessionPaused       = "session.paused"
	ActionSessionResumed      = "session.resumed"
	ActionAnswerOverridden    = "answer.score_overridden"
	ActionFlagReviewed        = "proctor_flag.reviewed"
	ActionResultsPublished    = "results.published"
	ActionReEvaluationOpened  = "re_evaluation.opened"
	ActionReEvaluationClosed  = "re_evaluation.resolved"
	entityExamSession         = "exam_session"
	entityCandidateAnswer     = "candidate_answer"
	entityProctorFlag         = "proctor_flag"
	entityExam                = "exam"
	entityReEvaluationRequest = "re_evaluation_request"
)

const systemRole = "system"

// ActivityActor represents the authenticated actor performing an action.
type ActivityActor struct {
	ID   uint
	Role string
}

// IsPrivileged reports staff and system actors, who may act on any candidate's session.
func (a ActivityActor) IsPrivileged() bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	return role == systemRole || middleware.IsPrivilegedRole(role)
}

// SystemActor is used by background workers.
func SystemActor() ActivityActor {
	return ActivityActor{Role: systemRole}
}

// ActivityEntry captures the details required to persist an audit entry.
type ActivityEntry struct {
	ActorID    uint
	ActorRole  string
	Action     string
	EntityType string
	EntityID   *uint
	Metadata   map[string]interface{}
}

// ActivityRecorder defines behaviour for recording activity logs.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error)
}

// ActivityService exposes methods to query and persist activity logs.
type ActivityService interface {
	ActivityRecorder
	List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error)
}

type activityService struct {
	repo   repository.ActivityLogRepository
	logger zerolog.Logger
}

// NewActivityService constructs the activity log service.
func NewActivityService(repo repository.ActivityLogRepository, logger zerolog.Logger) ActivityService {
	return &activityService{
		repo:   repo,
		logger: logger.With().Str("component", "activity_service").Logger(),
	}
}

func (s *activityService) Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error) {
	if strings.TrimSpace(entry.Action) == "" {
		return dto.ActivityResponse{}, fmt.Errorf("action is required")
	}
	if strings.TrimSpace(entry.EntityType) == "" {
		return dto.ActivityResponse{}, fmt.Errorf("entity type is required")
	}

	model := models.ActivityLog{
		ActorID:    entry.ActorID,
		ActorRole:  normalizeRole(entry.ActorRole),
		Action:     strings.ToLower(strings.TrimSpace(entry.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(entry.EntityType)),
		EntityID:   entry.EntityID,
		Metadata:   sanitizeMetadata(entry.Metadata),
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Str("action", model.Action).Msg("failed to persist activity log")
		return dto.ActivityResponse{}, err
	}

	return dto.NewActivityResponse(model), nil
}

func (s *activityService) List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error) {
	filter := repository.ActivityLogFilter{
		Page:       req.Page,
		PageSize:   req.PageSize,
		ActorRole:  middleware.CanonicalRole(req.ActorRole),
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
		Since:      req.Since,
		Until:      req.Until,
	}
	if req.ActorID > 0 {
		filter.ActorID = &req.ActorID
	}
	if req.EntityID > 0 {
		filter.EntityID = &req.EntityID
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	responses := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, dto.NewActivityResponse(entry))
	}

	return dto.ActivityListResponse{Items: responses, Pagination: paginate(req.Page, req.PageSize, total)}, nil
}

// record writes an audit entry and only logs failures; auditing never fails the caller.
func record(ctx context.Context, recorder ActivityRecorder, logger zerolog.Logger, actor ActivityActor, action, entityType string, entityID uint, metadata map[string]interface{}) {
	if recorder == nil {
		return
	}
	id := entityID
	if _, err := recorder.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   &id,
		Metadata:   metadata,
	}); err != nil {
		logger.Warn().Err(err).Str("action", action).Msg("failed to record activity")
	}
}

func paginate(page, pageSize int, total int64) dto.PaginationMeta {
	meta := dto.PaginationMeta{
		Page:       maxInt(page, 1),
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: 1,
	}
	if pageSize > 0 {
		meta.TotalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	return meta
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	if metadata == nil {
		return datatypes.JSONMap{}
	}

	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "email") || strings.Contains(lower, "token") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if r == "" {
		return systemRole
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
